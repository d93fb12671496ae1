package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/voxrelay/orchestrator/pkg/dispatcher"
)

// mockLLMProvider streams a fixed sequence of events for every call to
// StreamComplete, ignoring the input messages — enough to exercise
// LLMDriver's token/tool-call/turn-end plumbing without a real vendor.
type mockLLMProvider struct {
	script      [][]LLMEvent // one sequence per successive call
	call        int
	lastMessages [][]Message
}

func (m *mockLLMProvider) Name() string { return "mock-llm" }

func (m *mockLLMProvider) StreamComplete(ctx context.Context, messages []Message, tools []Tool) (<-chan LLMEvent, error) {
	m.lastMessages = append(m.lastMessages, messages)
	idx := m.call
	if idx >= len(m.script) {
		idx = len(m.script) - 1
	}
	m.call++
	seq := m.script[idx]
	out := make(chan LLMEvent, len(seq))
	for _, e := range seq {
		out <- e
	}
	close(out)
	return out, nil
}

func TestLLMDriverStreamsTokensAndPublishesTurnEnd(t *testing.T) {
	disp := dispatcher.New()
	provider := &mockLLMProvider{
		script: [][]LLMEvent{
			{
				{Variant: VariantFinal, TextDelta: "Hi"},
				{Variant: VariantFinal, TextDelta: " there."},
				{Variant: VariantClosed},
			},
		},
	}
	driver := NewLLMDriver("s1", provider, disp, "system prompt", nil, nil)

	tokens := disp.Subscribe("s1", dispatcher.LLMToken)
	turnEnd := disp.Subscribe("s1", dispatcher.TurnEnd)
	defer tokens.Close()
	defer turnEnd.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go driver.Run(ctx)
	time.Sleep(5 * time.Millisecond)

	disp.Broadcast("s1", dispatcher.FinalTranscript, map[string]any{"text": "hello"})

	var got string
	for i := 0; i < 2; i++ {
		select {
		case evt := <-tokens.Events():
			got += evt.Data["text"].(string)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for token")
		}
	}
	if got != "Hi there." {
		t.Fatalf("expected accumulated tokens 'Hi there.', got %q", got)
	}

	select {
	case <-turnEnd.Events():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for turn end")
	}

	history := driver.History()
	if len(history) != 3 { // system + user + assistant
		t.Fatalf("expected 3 history entries, got %d: %+v", len(history), history)
	}
	if history[2].Role != RoleAssistant || history[2].Content != "Hi there." {
		t.Fatalf("unexpected assistant history entry: %+v", history[2])
	}
}

func TestLLMDriverInterruptsOnNewFinalTranscript(t *testing.T) {
	disp := dispatcher.New()
	slowEvt := make(chan LLMEvent)
	// First call returns a channel we control manually (never closes on
	// its own), simulating an in-flight generation; second call returns
	// a short completed sequence.
	callCount := 0
	openFn := func(ctx context.Context, messages []Message, tools []Tool) (<-chan LLMEvent, error) {
		callCount++
		if callCount == 1 {
			return slowEvt, nil
		}
		out := make(chan LLMEvent, 2)
		out <- LLMEvent{Variant: VariantFinal, TextDelta: "stopped"}
		out <- LLMEvent{Variant: VariantClosed}
		close(out)
		return out, nil
	}
	driver := &LLMDriver{sessionID: "s2", provider: &funcLLMProvider{openFn}, disp: disp, logger: slog.Default()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go driver.Run(ctx)
	time.Sleep(5 * time.Millisecond)

	disp.Broadcast("s2", dispatcher.FinalTranscript, map[string]any{"text": "first"})
	time.Sleep(10 * time.Millisecond)

	turnEnd := disp.Subscribe("s2", dispatcher.TurnEnd)
	defer turnEnd.Close()

	disp.Broadcast("s2", dispatcher.FinalTranscript, map[string]any{"text": "interrupt"})

	select {
	case evt := <-turnEnd.Events():
		if evt.Data["text"] != "stopped" {
			t.Fatalf("expected second turn's text, got %v", evt.Data["text"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second turn end")
	}
}

func TestLLMDriverStreamErrorClosesTurnWithEmptyAssistantMessage(t *testing.T) {
	disp := dispatcher.New()
	streamErr := errors.New("upstream reset")
	provider := &mockLLMProvider{
		script: [][]LLMEvent{
			{
				{Variant: VariantFinal, TextDelta: "partial"},
				{Variant: VariantError, Err: streamErr},
			},
		},
	}
	driver := NewLLMDriver("s3", provider, disp, "system prompt", nil, nil)

	turnEnd := disp.Subscribe("s3", dispatcher.TurnEnd)
	defer turnEnd.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go driver.Run(ctx)
	time.Sleep(5 * time.Millisecond)

	disp.Broadcast("s3", dispatcher.FinalTranscript, map[string]any{"text": "hello"})

	select {
	case evt := <-turnEnd.Events():
		if evt.Data["error"] != streamErr.Error() {
			t.Fatalf("expected TURN_END error field %q, got %v", streamErr.Error(), evt.Data["error"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for turn end after stream error")
	}

	history := driver.History()
	if len(history) != 3 { // system + user + assistant
		t.Fatalf("expected 3 history entries, got %d: %+v", len(history), history)
	}
	if history[2].Role != RoleAssistant || history[2].Content != "" {
		t.Fatalf("unexpected assistant history entry: %+v", history[2])
	}

	// The session stays open: a subsequent user turn must still alternate
	// cleanly rather than stacking two user messages back to back.
	disp.Broadcast("s3", dispatcher.FinalTranscript, map[string]any{"text": "again"})
	time.Sleep(10 * time.Millisecond)
	history = driver.History()
	if len(history) < 4 || history[3].Role != RoleUser {
		t.Fatalf("expected a new user entry to follow the closed turn, got %+v", history)
	}
}

func TestLLMDriverFlagsCriticalTurnFromUserInput(t *testing.T) {
	disp := dispatcher.New()
	provider := &mockLLMProvider{
		script: [][]LLMEvent{
			{
				{Variant: VariantFinal, TextDelta: "I'm here with you."},
				{Variant: VariantClosed},
			},
		},
	}
	driver := NewLLMDriver("s5", provider, disp, "system prompt", nil, nil)

	turnEnd := disp.Subscribe("s5", dispatcher.TurnEnd)
	defer turnEnd.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go driver.Run(ctx)
	time.Sleep(5 * time.Millisecond)

	disp.Broadcast("s5", dispatcher.FinalTranscript, map[string]any{"text": "I want to end it all"})

	select {
	case evt := <-turnEnd.Events():
		if crit, _ := evt.Data["is_critical"].(bool); !crit {
			t.Fatalf("expected is_critical=true, got %v", evt.Data["is_critical"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for turn end")
	}
}

// funcLLMProvider adapts a plain function to LLMProvider for tests that
// need fine-grained control over per-call behavior.
type funcLLMProvider struct {
	fn func(ctx context.Context, messages []Message, tools []Tool) (<-chan LLMEvent, error)
}

func (f *funcLLMProvider) Name() string { return "func-llm" }
func (f *funcLLMProvider) StreamComplete(ctx context.Context, messages []Message, tools []Tool) (<-chan LLMEvent, error) {
	return f.fn(ctx, messages, tools)
}

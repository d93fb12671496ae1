package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/voxrelay/orchestrator/pkg/dispatcher"
)

// mockTTSProvider turns every sendText call into one synthesized audio
// event of len(text)*10 bytes, enough to exercise TTSClient's buffering and
// barge-in plumbing without a real vendor socket.
type mockTTSProvider struct {
	events    chan TTSEvent
	sentTexts []string
	aborted   bool
}

func newMockTTSProvider() *mockTTSProvider {
	return &mockTTSProvider{events: make(chan TTSEvent, 16)}
}

func (m *mockTTSProvider) Name() string { return "mock-tts" }

func (m *mockTTSProvider) Open(ctx context.Context, lang Language) (<-chan TTSEvent, func(string) error, func() error, func() error, error) {
	sendText := func(text string) error {
		m.sentTexts = append(m.sentTexts, text)
		m.events <- TTSEvent{Variant: VariantAudio, Audio: make([]byte, len(text)*10)}
		return nil
	}
	taskFinish := func() error {
		// Real providers stream audio asynchronously after task_finish and
		// only emit VariantClosed on EOS; the mock mirrors that by leaving
		// the client in its post-flush state until the test decides to
		// simulate EOS (none of these tests need to).
		return nil
	}
	closeFn := func() error { return nil }
	return m.events, sendText, taskFinish, closeFn, nil
}

func (m *mockTTSProvider) Abort(ctx context.Context) error {
	m.aborted = true
	return nil
}

func TestTTSClientFlushesOnSentenceEnd(t *testing.T) {
	disp := dispatcher.New()
	provider := newMockTTSProvider()
	client := NewTTSClient("s1", provider, disp, nil, LanguageEn, nil)

	audioSub := disp.Subscribe("s1", dispatcher.OutboundAudio)
	defer audioSub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	time.Sleep(5 * time.Millisecond)

	disp.Broadcast("s1", dispatcher.LLMToken, map[string]any{"text": "Hi"})
	disp.Broadcast("s1", dispatcher.LLMToken, map[string]any{"text": " there."})

	select {
	case evt := <-audioSub.Events():
		if evt.Data["bytes"] == nil {
			t.Fatal("expected audio bytes in outbound event")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound audio")
	}

	if len(provider.sentTexts) != 1 || provider.sentTexts[0] != "Hi there." {
		t.Fatalf("expected one flushed segment 'Hi there.', got %v", provider.sentTexts)
	}
}

func TestTTSClientAbortsOnBargeIn(t *testing.T) {
	disp := dispatcher.New()
	provider := newMockTTSProvider()
	client := NewTTSClient("s2", provider, disp, nil, LanguageEn, nil)

	clearSub := disp.Subscribe("s2", dispatcher.ClearBuffer)
	defer clearSub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	time.Sleep(5 * time.Millisecond)

	disp.Broadcast("s2", dispatcher.LLMToken, map[string]any{"text": "Hi there."})
	time.Sleep(20 * time.Millisecond)

	disp.Broadcast("s2", dispatcher.FinalTranscript, map[string]any{"text": "stop"})

	select {
	case <-clearSub.Events():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for CLEAR_BUFFER")
	}
	if !provider.aborted {
		t.Fatal("expected provider.Abort to have been called")
	}
}

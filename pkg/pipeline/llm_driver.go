package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/voxrelay/orchestrator/pkg/dispatcher"
)

// LLMDriver owns the append-only conversation history for one session,
// streams completions from an LLMProvider, executes tool calls, and
// republishes token/tool-call/turn-end events onto the dispatcher. A new
// FinalTranscript arriving mid-generation interrupts (cancels) the
// in-flight completion, the same barge-in semantics TTSClient applies.
type LLMDriver struct {
	sessionID string
	provider  LLMProvider
	disp      *dispatcher.Dispatcher
	tools     []Tool
	logger    *slog.Logger

	// rootCtx is the session-lifetime context passed to Run, used as the
	// parent for a tool-call follow-up completion started from pump's
	// finish(). Using the expiring per-generation turnCtx there instead
	// would cancel the follow-up the instant pump's own deferred cancel
	// runs, before the follow-up stream could produce anything.
	rootCtx context.Context

	mu         sync.Mutex
	history    []Message
	genCancel  context.CancelFunc
	generation int
	critical   bool
}

// NewLLMDriver constructs a driver seeded with a system prompt.
func NewLLMDriver(sessionID string, provider LLMProvider, disp *dispatcher.Dispatcher, systemPrompt string, tools []Tool, logger *slog.Logger) *LLMDriver {
	if logger == nil {
		logger = slog.Default()
	}
	d := &LLMDriver{
		sessionID: sessionID,
		provider:  provider,
		disp:      disp,
		tools:     tools,
		logger:    logger,
	}
	if strings.TrimSpace(systemPrompt) != "" {
		d.history = append(d.history, Message{Role: RoleSystem, Content: systemPrompt})
	}
	return d
}

// Run subscribes to FinalTranscript and drives a completion per turn
// until ctx is cancelled.
func (d *LLMDriver) Run(ctx context.Context) error {
	d.rootCtx = ctx
	sub := d.disp.Subscribe(d.sessionID, dispatcher.FinalTranscript)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sub.Events():
			if !ok {
				return nil
			}
			text, _ := evt.Data["text"].(string)
			if strings.TrimSpace(text) == "" {
				continue
			}
			d.interruptLocked()
			d.appendUser(text)
			d.setCritical(detectCrisis(text))
			d.startTurn(ctx)
		}
	}
}

func (d *LLMDriver) appendUser(text string) {
	d.mu.Lock()
	d.history = append(d.history, Message{Role: RoleUser, Content: text})
	d.mu.Unlock()
}

// setCritical records whether the user input that opened the current
// turn tripped the crisis-phrase heuristic (pkg/pipeline/crisis.go). The
// flag is threaded onto TURN_END for the lifetime of the turn, including
// any tool-call follow-up completions, since it describes the user's
// input rather than any one generation.
func (d *LLMDriver) setCritical(critical bool) {
	d.mu.Lock()
	d.critical = critical
	d.mu.Unlock()
}

func (d *LLMDriver) isCritical() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.critical
}

// interruptLocked cancels any in-flight generation for this session.
func (d *LLMDriver) interruptLocked() {
	d.mu.Lock()
	cancel := d.genCancel
	d.genCancel = nil
	d.generation++
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (d *LLMDriver) startTurn(parent context.Context) {
	turnCtx, cancel := context.WithCancel(parent)
	d.mu.Lock()
	d.genCancel = cancel
	myGen := d.generation
	messages := append([]Message(nil), d.history...)
	d.mu.Unlock()

	events, err := d.provider.StreamComplete(turnCtx, messages, d.tools)
	if err != nil {
		d.logger.Warn("llm stream open failed", "session_id", d.sessionID, "error", err)
		cancel()
		return
	}

	go d.pump(turnCtx, cancel, myGen, events)
}

func (d *LLMDriver) pump(ctx context.Context, cancel func(), myGen int, events <-chan LLMEvent) {
	defer cancel()

	var textBuf strings.Builder
	toolCalls := map[string]*ToolCall{}
	var toolOrder []string

	// finish is called once the provider's stream ends, cleanly or on
	// error. If a tool call was executed this generation, a follow-up
	// completion must be started without closing the turn — only the
	// generation that completes with no pending tool calls may publish
	// TURN_END, otherwise downstream subscribers would observe a turn
	// boundary while the assistant's reply is still being produced. On a
	// stream error the turn instead always closes with an empty assistant
	// message and an error field on TURN_END (§4.E): the session stays
	// open, but any pending tool call is abandoned rather than continued,
	// since the provider that would execute the follow-up just failed.
	finish := func(streamErr error) {
		if d.isStale(myGen) {
			return
		}
		if streamErr != nil {
			d.mu.Lock()
			d.history = append(d.history, Message{Role: RoleAssistant})
			d.mu.Unlock()
		} else if textBuf.Len() > 0 {
			d.mu.Lock()
			d.history = append(d.history, Message{Role: RoleAssistant, Content: textBuf.String()})
			d.mu.Unlock()
		}
		if streamErr == nil && len(toolOrder) > 0 {
			d.startTurn(d.rootCtx)
			return
		}
		fields := map[string]any{"text": textBuf.String(), "is_critical": d.isCritical()}
		if streamErr != nil {
			fields["error"] = streamErr.Error()
		}
		d.disp.Broadcast(d.sessionID, dispatcher.TurnEnd, fields)
	}

	for evt := range events {
		if d.isStale(myGen) {
			return
		}
		switch evt.Variant {
		case VariantFinal:
			if evt.TextDelta != "" {
				textBuf.WriteString(evt.TextDelta)
				d.disp.Broadcast(d.sessionID, dispatcher.LLMToken, map[string]any{"text": evt.TextDelta})
			}
			if evt.ToolCallID != "" {
				tc, ok := toolCalls[evt.ToolCallID]
				if !ok {
					tc = &ToolCall{ID: evt.ToolCallID, Name: evt.ToolCallName}
					toolCalls[evt.ToolCallID] = tc
					toolOrder = append(toolOrder, evt.ToolCallID)
				}
				tc.Arguments += evt.ArgsDelta
				if evt.ToolCallDone {
					d.disp.Broadcast(d.sessionID, dispatcher.LLMToolCall, map[string]any{
						"id": tc.ID, "name": tc.Name, "arguments": tc.Arguments,
					})
					d.executeTool(ctx, myGen, *tc)
				}
			}
		case VariantError:
			d.logger.Warn("llm stream error", "session_id", d.sessionID, "error", evt.Err)
			finish(evt.Err)
			return
		case VariantClosed:
			finish(nil)
			return
		}
	}
	finish(nil)
}

func (d *LLMDriver) executeTool(ctx context.Context, myGen int, tc ToolCall) {
	for _, t := range d.tools {
		if t.Name != tc.Name || t.Execute == nil {
			continue
		}
		result, err := t.Execute(ctx, tc.Arguments)
		if d.isStale(myGen) {
			return
		}
		if err != nil {
			result = "error: " + err.Error()
		}
		d.mu.Lock()
		d.history = append(d.history,
			Message{Role: RoleAssistant, ToolCalls: []ToolCall{tc}},
			Message{Role: RoleTool, ToolCallID: tc.ID, Content: result},
		)
		d.mu.Unlock()
		return
	}
}

func (d *LLMDriver) isStale(myGen int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.generation != myGen
}

// History returns a copy of the current conversation history.
func (d *LLMDriver) History() []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Message(nil), d.history...)
}

package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxrelay/orchestrator/pkg/dispatcher"
	"github.com/voxrelay/orchestrator/pkg/usage"
)

// TTSState is the explicit lifecycle of a TTSClient's provider session.
type TTSState string

const (
	TTSDisconnected TTSState = "disconnected"
	TTSConnecting   TTSState = "connecting"
	TTSIdle         TTSState = "idle"
	TTSGenerating   TTSState = "generating"
	TTSFlushing     TTSState = "flushing"
	TTSInterrupted  TTSState = "interrupted"
	TTSClosed       TTSState = "closed"
)

const (
	ttsHardCapBytes  = 8 * 1024
	ttsMinFlushWords = 4
	ttsIdleFlush     = 400 * time.Millisecond
)

// TTSClient buffers LLM token deltas into speakable segments and streams
// synthesized audio back onto the dispatcher, tracking billed usage for
// every outbound chunk. It flushes a segment on sentence-ending
// punctuation, on a minimum word count, on an idle timer, or when the
// buffer reaches the hard cap. Each flushed segment is sent as its own
// provider task: taskFinish follows every sendText, and TURN_END only
// flushes what is left in the buffer. Every new FinalTranscript is a
// barge-in: the buffer is cleared, CLEAR_BUFFER is published, and the
// provider is aborted if it is generating or flushing.
type TTSClient struct {
	sessionID string
	provider  TTSProvider
	disp      *dispatcher.Dispatcher
	tracker   *usage.Tracker
	lang      Language
	logger    *slog.Logger

	// interrupted gates audio forwarding per §4.F step 1: set on
	// barge-in, cleared when a fresh LLM_TOKEN starts a new turn. Kept
	// separate from the state-machine mutex since it's read on every
	// provider audio event without needing to serialize with buffer
	// mutation.
	interrupted atomic.Bool

	mu    sync.Mutex
	state TTSState
	buf   strings.Builder
}

// NewTTSClient constructs a client bound to one session. tracker may be
// nil only in tests that don't exercise usage metering.
func NewTTSClient(sessionID string, provider TTSProvider, disp *dispatcher.Dispatcher, tracker *usage.Tracker, lang Language, logger *slog.Logger) *TTSClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &TTSClient{
		sessionID: sessionID,
		provider:  provider,
		disp:      disp,
		tracker:   tracker,
		lang:      lang,
		logger:    logger,
		state:     TTSDisconnected,
	}
}

// Run subscribes to LLMToken (to buffer and flush speakable segments) and
// FinalTranscript (to abort on barge-in) until ctx is cancelled.
func (c *TTSClient) Run(ctx context.Context) error {
	tokens := c.disp.Subscribe(c.sessionID, dispatcher.LLMToken)
	defer tokens.Close()
	bargeIn := c.disp.Subscribe(c.sessionID, dispatcher.FinalTranscript)
	defer bargeIn.Close()
	turnEnd := c.disp.Subscribe(c.sessionID, dispatcher.TurnEnd)
	defer turnEnd.Close()

	events, sendText, taskFinish, closeFn, err := c.provider.Open(ctx, c.lang)
	if err != nil {
		return err
	}
	defer closeFn()
	c.setState(TTSConnecting)
	c.setState(TTSIdle)

	idle := time.NewTimer(ttsIdleFlush)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			c.setState(TTSClosed)
			return ctx.Err()

		case evt, ok := <-bargeIn.Events():
			if !ok {
				continue
			}
			// §4.F barge-in: unconditional on every FinalTranscript, not
			// just while actively generating — is_interrupted must be set
			// before any audio already queued behind this event is read
			// off the provider channel below.
			c.interrupted.Store(true)
			c.resetBuffer()
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			if st := c.getState(); st == TTSGenerating || st == TTSFlushing {
				if err := c.provider.Abort(ctx); err != nil {
					c.logger.Warn("tts abort failed", "session_id", c.sessionID, "error", err)
				}
			}
			c.setState(TTSInterrupted)
			c.disp.Broadcast(c.sessionID, dispatcher.ClearBuffer, map[string]any{"source": "tts_interrupt"})
			c.setState(TTSIdle)
			_ = evt

		case _, ok := <-turnEnd.Events():
			if !ok {
				continue
			}
			c.flush(ctx, sendText, taskFinish)

		case evt, ok := <-tokens.Events():
			if !ok {
				return nil
			}
			text, _ := evt.Data["text"].(string)
			if text == "" {
				continue
			}
			// a fresh token after an interruption resumes normal
			// buffering (§4.F).
			c.interrupted.Store(false)
			shouldFlush := c.append(text)
			if shouldFlush {
				c.flush(ctx, sendText, taskFinish)
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(ttsIdleFlush)

		case <-idle.C:
			c.flush(ctx, sendText, taskFinish)
			idle.Reset(ttsIdleFlush)

		case sevt, ok := <-events:
			if !ok {
				continue
			}
			c.handleProviderEvent(ctx, sevt)
		}
	}
}

// append buffers text and reports whether a flush trigger fired: a
// sentence terminator, the minimum word count, or the hard cap.
func (c *TTSClient) append(text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.WriteString(text)
	s := c.buf.String()
	if len(s) >= ttsHardCapBytes {
		return true
	}
	trimmed := strings.TrimRight(s, " \t\n")
	if trimmed != "" {
		last := trimmed[len(trimmed)-1]
		if last == '.' || last == '!' || last == '?' {
			return true
		}
	}
	return len(strings.Fields(s)) >= ttsMinFlushWords
}

func (c *TTSClient) resetBuffer() {
	c.mu.Lock()
	c.buf.Reset()
	c.mu.Unlock()
}

func (c *TTSClient) flush(ctx context.Context, sendText func(string) error, taskFinish func() error) {
	c.mu.Lock()
	segment := strings.TrimSpace(c.buf.String())
	c.buf.Reset()
	c.mu.Unlock()

	if segment == "" {
		return
	}
	c.setState(TTSGenerating)
	if err := sendText(segment); err != nil {
		c.logger.Warn("tts send failed", "session_id", c.sessionID, "error", err)
		c.setState(TTSIdle)
		return
	}
	c.setState(TTSFlushing)
	if err := taskFinish(); err != nil {
		c.logger.Warn("tts task_finish failed", "session_id", c.sessionID, "error", err)
	}
}

func (c *TTSClient) handleProviderEvent(ctx context.Context, evt TTSEvent) {
	switch evt.Variant {
	case VariantAudio:
		// §4.F "Outbound audio": step 1, drop if interrupted; step 2,
		// ask the usage tracker before forwarding — a denial sets
		// is_interrupted and the chunk is never published, so no
		// OUTBOUND_AUDIO escapes once voice_enabled goes false (§8.5).
		if c.interrupted.Load() {
			return
		}
		if c.tracker != nil {
			decision, err := c.tracker.TrackAudioChunk(ctx, encodeAudio(evt.Audio))
			if err != nil {
				c.logger.Warn("usage tracking failed", "session_id", c.sessionID, "error", err)
			}
			if decision == usage.Deny {
				c.interrupted.Store(true)
				return
			}
		}
		c.disp.Broadcast(c.sessionID, dispatcher.OutboundAudio, map[string]any{"bytes": evt.Audio})
	case VariantError:
		c.logger.Warn("tts provider error", "session_id", c.sessionID, "error", evt.Err)
		c.setState(TTSIdle)
	case VariantClosed:
		c.setState(TTSIdle)
	}
}

func (c *TTSClient) setState(s TTSState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *TTSClient) getState() TTSState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// State returns the client's current lifecycle state.
func (c *TTSClient) State() TTSState {
	return c.getState()
}

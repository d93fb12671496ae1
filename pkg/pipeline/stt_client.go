package pipeline

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/voxrelay/orchestrator/pkg/audio"
	"github.com/voxrelay/orchestrator/pkg/dispatcher"
)

const (
	sttBackoffMin       = 100 * time.Millisecond
	sttBackoffMax       = 5 * time.Second
	sttMaxConsecutiveErr = 5
)

// STTClient subscribes to a session's InboundFrame topic, forwards audio
// to a streaming STT provider, and republishes transcripts onto the
// dispatcher. It reconnects the provider stream with jittered exponential
// backoff and gives up (publishing SessionClose) after too many
// consecutive failures.
type STTClient struct {
	sessionID  string
	provider   STTProvider
	disp       *dispatcher.Dispatcher
	sampleRate int
	channels   int
	lang       Language
	source     Source
	logger     *slog.Logger

	echo *audio.EchoSuppressor
	vad  *audio.RMSVAD
}

// NewSTTClient constructs a client bound to one session. On phone/web
// sources the client's own microphone can pick up the assistant's TTS
// output over the speaker, so the client runs an EchoSuppressor fed from
// OUTBOUND_AUDIO and an RMSVAD gate over the inbound frames; device
// sources send pre-transcribed text rather than audio and get neither.
func NewSTTClient(sessionID string, provider STTProvider, disp *dispatcher.Dispatcher, sampleRate, channels int, lang Language, source Source, logger *slog.Logger) *STTClient {
	if logger == nil {
		logger = slog.Default()
	}
	c := &STTClient{
		sessionID:  sessionID,
		provider:   provider,
		disp:       disp,
		sampleRate: sampleRate,
		channels:   channels,
		lang:       lang,
		source:     source,
		logger:     logger,
	}
	if source == SourcePhone || source == SourceWeb {
		c.echo = audio.NewEchoSuppressor(sampleRate)
		c.vad = audio.NewRMSVAD(0.02, 500*time.Millisecond)
	}
	return c
}

// Run drives the client until ctx is cancelled or the provider fails
// sttMaxConsecutiveErr times in a row.
func (c *STTClient) Run(ctx context.Context) error {
	inbound := c.disp.Subscribe(c.sessionID, dispatcher.InboundFrame)
	defer inbound.Close()

	// device sessions only ever send pre-transcribed text (§4.D): there
	// is no audio to stream to a provider, so this client never opens
	// one and just republishes text frames as synthesized finals.
	if c.source == SourceDevice {
		return c.runTextOnly(ctx, inbound)
	}

	var played, clear *dispatcher.Subscription
	if c.echo != nil {
		played = c.disp.Subscribe(c.sessionID, dispatcher.OutboundAudio)
		defer played.Close()
		clear = c.disp.Subscribe(c.sessionID, dispatcher.ClearBuffer)
		defer clear.Close()
		go c.pumpEchoReference(ctx, played, clear)
	}

	consecutiveErr := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		events, send, closeFn, err := c.provider.Open(ctx, c.sampleRate, c.channels, c.lang)
		if err != nil {
			consecutiveErr++
			c.logger.Warn("stt provider open failed", "session_id", c.sessionID, "provider", c.provider.Name(), "attempt", consecutiveErr, "error", err)
			if consecutiveErr >= sttMaxConsecutiveErr {
				c.disp.Broadcast(c.sessionID, dispatcher.SessionClose, map[string]any{"reason": "stt_unavailable"})
				return ErrProviderUnavailable
			}
			if !sleepBackoff(ctx, consecutiveErr) {
				return ctx.Err()
			}
			continue
		}

		if c.runSession(ctx, inbound, events, send) {
			// clean end-of-turn or context cancellation, not a failure
			consecutiveErr = 0
		} else {
			consecutiveErr++
			if consecutiveErr >= sttMaxConsecutiveErr {
				closeFn()
				c.disp.Broadcast(c.sessionID, dispatcher.SessionClose, map[string]any{"reason": "stt_unavailable"})
				return ErrProviderUnavailable
			}
		}
		closeFn()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !sleepBackoff(ctx, consecutiveErr) {
			return ctx.Err()
		}
	}
}

// pumpEchoReference feeds the suppressor's played-audio buffer from this
// session's own OUTBOUND_AUDIO stream, and clears it on CLEAR_BUFFER
// (barge-in) so stale playback history doesn't keep muting the user's
// next utterance. Runs for the lifetime of the client, independent of
// provider reconnects.
func (c *STTClient) pumpEchoReference(ctx context.Context, played, clear *dispatcher.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-played.Events():
			if !ok {
				return
			}
			if b, ok := evt.Data["bytes"].([]byte); ok {
				c.echo.RecordPlayedAudio(b)
			}
		case _, ok := <-clear.Events():
			if !ok {
				return
			}
			c.echo.ClearEchoBuffer()
		}
	}
}

// runTextOnly handles device-source sessions: no provider is ever
// opened, inbound text frames are republished directly as synthesized
// finals per §4.D, and empty finals are discarded.
func (c *STTClient) runTextOnly(ctx context.Context, inbound *dispatcher.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-inbound.Events():
			if !ok {
				return nil
			}
			text, _ := evt.Data["text"].(string)
			if text == "" {
				continue
			}
			c.disp.Broadcast(c.sessionID, dispatcher.FinalTranscript, map[string]any{"text": text})
		}
	}
}

// runSession pumps one provider session until it closes or errors,
// returning true if it ended cleanly.
func (c *STTClient) runSession(ctx context.Context, inbound *dispatcher.Subscription, events <-chan STTEvent, send func([]byte) error) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case evt, ok := <-inbound.Events():
			if !ok {
				return true
			}
			// web sessions auto-detect per frame (§6): a text frame is a
			// synthesized final transcript bypassing the STT provider
			// entirely, never audio sent to it.
			if text, ok := evt.Data["text"].(string); ok && text != "" {
				c.disp.Broadcast(c.sessionID, dispatcher.FinalTranscript, map[string]any{"text": text})
				continue
			}
			raw, _ := evt.Data["bytes"].([]byte)
			if len(raw) == 0 {
				continue
			}
			if c.echo != nil {
				c.vad.Update(raw)
				switch {
				case c.vad.IsSpeaking():
					// confirmed, sustained speech outweighs echo
					// correlation — don't let a raised voice during
					// playback get muted as if it were the bot's own echo.
				case c.echo.IsEcho(raw):
					continue
				default:
					raw = c.echo.RemoveEchoRealtime(raw)
				}
			}
			if err := send(raw); err != nil {
				c.logger.Warn("stt send failed", "session_id", c.sessionID, "error", err)
				return false
			}
		case sevt, ok := <-events:
			if !ok {
				return true
			}
			switch sevt.Variant {
			case VariantInterim:
				c.disp.Broadcast(c.sessionID, dispatcher.InterimTranscript, map[string]any{"text": sevt.Text})
			case VariantFinal:
				if sevt.Text == "" {
					continue
				}
				c.disp.Broadcast(c.sessionID, dispatcher.FinalTranscript, map[string]any{"text": sevt.Text})
			case VariantError:
				c.logger.Warn("stt stream error", "session_id", c.sessionID, "error", sevt.Err)
				return false
			case VariantClosed:
				return true
			}
		}
	}
}

// sleepBackoff waits an exponential-with-jitter delay keyed on attempt,
// returning false if ctx was cancelled first.
func sleepBackoff(ctx context.Context, attempt int) bool {
	if attempt < 1 {
		attempt = 1
	}
	d := sttBackoffMin << uint(attempt-1)
	if d > sttBackoffMax || d <= 0 {
		d = sttBackoffMax
	}
	jitter := time.Duration(float64(d) * (rand.Float64()*0.5 - 0.25)) // ±25%
	d += jitter
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/voxrelay/orchestrator/pkg/dispatcher"
)

const socketLivenessInterval = 15 * time.Second

// Frame is one decoded inbound unit: either text (device/web JSON) or
// raw binary audio (phone/web PCM16).
type Frame struct {
	Text  string
	Bytes []byte
}

// Conn is the minimal transport abstraction SocketManager needs from a
// concrete WebSocket connection, so it can be tested without a real
// socket.
type Conn interface {
	ReadFrame(ctx context.Context) (Frame, error)
	WriteJSON(ctx context.Context, v any) error
	Ping(ctx context.Context) error
	Close() error
}

// OutboundEnvelope is the wire shape described in §6: a flat union
// of fields whose absence implies false/null, rather than a tagged
// variant per message.
type OutboundEnvelope struct {
	IsText          bool   `json:"is_text"`
	IsTranscription bool   `json:"is_transcription"`
	IsEnd           bool   `json:"is_end"`
	IsClearEvent    bool   `json:"is_clear_event"`
	Msg             string `json:"msg,omitempty"`
	Audio           string `json:"audio,omitempty"`
	Type            string `json:"type,omitempty"`
	LimitType       string `json:"limit_type,omitempty"`
	LimitMinutes    *int   `json:"limit_minutes,omitempty"`
	UsedMinutes     *int   `json:"used_minutes,omitempty"`
	RemainingMinutes *int  `json:"remaining_minutes,omitempty"`
	Message         string `json:"message,omitempty"`
	IsCritical      bool   `json:"is_critical,omitempty"`
}

// SocketManager frames a client connection: it demuxes inbound frames
// into INBOUND_FRAME publishes, and muxes outbound dispatcher events
// into serialized client envelopes.
type SocketManager struct {
	sessionID string
	source    Source
	conn      Conn
	disp      *dispatcher.Dispatcher
	logger    *slog.Logger
}

// NewSocketManager constructs a manager for one connected client.
func NewSocketManager(sessionID string, source Source, conn Conn, disp *dispatcher.Dispatcher, logger *slog.Logger) *SocketManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketManager{sessionID: sessionID, source: source, conn: conn, disp: disp, logger: logger}
}

// Run drives both the inbound read loop and the outbound fan-in loop
// concurrently until ctx is cancelled or the socket dies.
func (s *SocketManager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- s.readLoop(ctx) }()
	go func() { errCh <- s.writeLoop(ctx) }()
	go func() { errCh <- s.livenessLoop(ctx) }()

	err := <-errCh
	cancel()
	s.conn.Close()
	return err
}

func (s *SocketManager) readLoop(ctx context.Context) error {
	for {
		frame, err := s.conn.ReadFrame(ctx)
		if err != nil {
			s.disp.Broadcast(s.sessionID, dispatcher.SessionClose, map[string]any{"reason": "peer_closed"})
			return err
		}
		data := map[string]any{}
		if frame.Text != "" {
			data["text"] = frame.Text
		}
		if len(frame.Bytes) > 0 {
			data["bytes"] = frame.Bytes
		}
		s.disp.Broadcast(s.sessionID, dispatcher.InboundFrame, data)
	}
}

func (s *SocketManager) livenessLoop(ctx context.Context) error {
	t := time.NewTicker(socketLivenessInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := s.conn.Ping(ctx); err != nil {
				s.disp.Broadcast(s.sessionID, dispatcher.SessionClose, map[string]any{"reason": "peer_closed"})
				return err
			}
		}
	}
}

var outboundTopics = []dispatcher.MessageType{
	dispatcher.OutboundAudio,
	dispatcher.OutboundText,
	dispatcher.ClearBuffer,
	dispatcher.UsageWarning,
	dispatcher.UsageLimitReached,
	dispatcher.VoiceDisabled,
	dispatcher.AbuseDetected,
	dispatcher.InterimTranscript,
	dispatcher.FinalTranscript,
	dispatcher.TurnEnd,
}

func (s *SocketManager) writeLoop(ctx context.Context) error {
	subs := make([]*dispatcher.Subscription, len(outboundTopics))
	for i, t := range outboundTopics {
		subs[i] = s.disp.Subscribe(s.sessionID, t)
	}
	defer func() {
		for _, sub := range subs {
			sub.Close()
		}
	}()

	merged := mergeSubscriptions(ctx, subs...)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-merged:
			if !ok {
				return nil
			}
			env := envelopeFor(evt)
			if err := s.conn.WriteJSON(ctx, env); err != nil {
				s.disp.Broadcast(s.sessionID, dispatcher.SessionClose, map[string]any{"reason": "send_failed"})
				return err
			}
		}
	}
}

// mergeSubscriptions fans multiple subscriptions into a single channel.
func mergeSubscriptions(ctx context.Context, subs ...*dispatcher.Subscription) <-chan dispatcher.Event {
	out := make(chan dispatcher.Event, 256)
	for _, sub := range subs {
		go func(sub *dispatcher.Subscription) {
			for {
				select {
				case <-ctx.Done():
					return
				case evt, ok := <-sub.Events():
					if !ok {
						return
					}
					select {
					case out <- evt:
					case <-ctx.Done():
						return
					}
				}
			}
		}(sub)
	}
	return out
}

func envelopeFor(evt dispatcher.Event) OutboundEnvelope {
	var env OutboundEnvelope
	switch evt.MessageType {
	case dispatcher.OutboundAudio:
		if b, ok := evt.Data["bytes"].([]byte); ok {
			env.Audio = base64.StdEncoding.EncodeToString(b)
		}
	case dispatcher.OutboundText, dispatcher.InterimTranscript:
		env.IsText = true
		env.Msg, _ = evt.Data["text"].(string)
	case dispatcher.FinalTranscript:
		env.IsText = true
		env.IsTranscription = true
		env.Msg, _ = evt.Data["text"].(string)
	case dispatcher.TurnEnd:
		env.IsText = true
		env.IsEnd = true
		env.Msg, _ = evt.Data["text"].(string)
	case dispatcher.ClearBuffer:
		env.IsClearEvent = true
	case dispatcher.UsageWarning:
		env.Type = "voice_usage_warning"
		applyUsageFields(&env, evt.Data)
	case dispatcher.UsageLimitReached:
		env.Type = "voice_limit_reached"
		applyUsageFields(&env, evt.Data)
	case dispatcher.VoiceDisabled:
		env.Type = "voice_disabled"
		applyUsageFields(&env, evt.Data)
	case dispatcher.AbuseDetected:
		env.Type = "voice_abuse_detected"
	}
	if critical, ok := evt.Data["is_critical"].(bool); ok {
		env.IsCritical = critical
	}
	return env
}

// applyUsageFields reads the usage-tracker event shapes actually
// published by pkg/usage/tracker.go: USAGE_WARNING carries "period",
// USAGE_LIMIT_REACHED carries "kind", and VOICE_DISABLED carries
// "reason" (e.g. "session_limit_reached") with no bare kind of its
// own — the kind is recovered by trimming the "_limit_reached" suffix.
// All three map onto the wire's single `limit_type` field (spec §6).
func applyUsageFields(env *OutboundEnvelope, data map[string]any) {
	if v, ok := data["kind"].(string); ok {
		env.LimitType = v
	} else if v, ok := data["period"].(string); ok {
		env.LimitType = v
	} else if v, ok := data["reason"].(string); ok {
		env.LimitType = strings.TrimSuffix(v, "_limit_reached")
	}
	if v, ok := intFrom(data["limit_minutes"]); ok {
		env.LimitMinutes = &v
	}
	if v, ok := intFrom(data["used_minutes"]); ok {
		env.UsedMinutes = &v
	}
	if v, ok := intFrom(data["remaining_minutes"]); ok {
		env.RemainingMinutes = &v
	}
	if v, ok := data["message"].(string); ok {
		env.Message = v
	}
}

func intFrom(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// MarshalStrict is a convenience for callers (e.g. HTTP handlers) that
// need the wire bytes of an envelope outside the socket write path.
func (e OutboundEnvelope) MarshalStrict() ([]byte, error) {
	return json.Marshal(e)
}

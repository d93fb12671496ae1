package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxrelay/orchestrator/pkg/dispatcher"
)

// fakeConn is an in-memory Conn: inbound frames are fed from a channel,
// outbound writes are captured to a slice.
type fakeConn struct {
	inbound chan Frame
	mu      sync.Mutex
	written []any
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan Frame, 16)}
}

func (c *fakeConn) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-c.inbound:
		if !ok {
			return Frame{}, errors.New("closed")
		}
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *fakeConn) WriteJSON(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, v)
	return nil
}

func (c *fakeConn) Ping(ctx context.Context) error { return nil }

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func TestSocketManagerPublishesInboundFrame(t *testing.T) {
	disp := dispatcher.New()
	conn := newFakeConn()
	mgr := NewSocketManager("s1", SourcePhone, conn, disp, nil)

	sub := disp.Subscribe("s1", dispatcher.InboundFrame)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	conn.inbound <- Frame{Bytes: []byte{1, 2, 3}}

	select {
	case evt := <-sub.Events():
		b, _ := evt.Data["bytes"].([]byte)
		if len(b) != 3 {
			t.Fatalf("expected 3 bytes forwarded, got %v", b)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound frame publish")
	}
}

func TestSocketManagerSerializesOutboundAudioAsEnvelope(t *testing.T) {
	disp := dispatcher.New()
	conn := newFakeConn()
	mgr := NewSocketManager("s2", SourceWeb, conn, disp, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	disp.Broadcast("s2", dispatcher.OutboundAudio, map[string]any{"bytes": []byte{9, 9, 9}})

	deadline := time.After(time.Second)
	for {
		conn.mu.Lock()
		n := len(conn.written)
		conn.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for outbound write")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	conn.mu.Lock()
	env, ok := conn.written[0].(OutboundEnvelope)
	conn.mu.Unlock()
	if !ok {
		t.Fatalf("expected OutboundEnvelope, got %T", conn.written[0])
	}
	if env.Audio == "" {
		t.Fatal("expected non-empty base64 audio field")
	}
}

func TestSocketManagerSerializesUsageLimitAndVoiceDisabledEnvelopes(t *testing.T) {
	disp := dispatcher.New()
	conn := newFakeConn()
	mgr := NewSocketManager("s4", SourceWeb, conn, disp, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	// Mirrors pkg/usage.Tracker.publishLimitReachedLocked's actual event
	// shape, not an idealized one.
	disp.Broadcast("s4", dispatcher.UsageLimitReached, map[string]any{
		"kind":          "session",
		"limit_minutes": 1,
		"used_minutes":  1.0,
		"message":       "voice session limit reached",
	})
	// Mirrors pkg/usage.Tracker.publishVoiceDisabled's actual event shape.
	disp.Broadcast("s4", dispatcher.VoiceDisabled, map[string]any{
		"reason": "session_limit_reached",
	})

	deadline := time.After(time.Second)
	for {
		conn.mu.Lock()
		n := len(conn.written)
		conn.mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for both outbound writes")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	conn.mu.Lock()
	written := append([]any(nil), conn.written...)
	conn.mu.Unlock()

	var limitEnv, disabledEnv OutboundEnvelope
	var foundLimit, foundDisabled bool
	for _, w := range written {
		env, ok := w.(OutboundEnvelope)
		if !ok {
			t.Fatalf("expected OutboundEnvelope, got %T", w)
		}
		switch env.Type {
		case "voice_limit_reached":
			limitEnv, foundLimit = env, true
		case "voice_disabled":
			disabledEnv, foundDisabled = env, true
		}
	}
	if !foundLimit || !foundDisabled {
		t.Fatalf("expected both voice_limit_reached and voice_disabled envelopes, got %+v", written)
	}

	if limitEnv.Type != "voice_limit_reached" {
		t.Fatalf("unexpected type: %v", limitEnv.Type)
	}
	if limitEnv.LimitType != "session" {
		t.Fatalf("expected limit_type=session, got %q", limitEnv.LimitType)
	}
	if limitEnv.LimitMinutes == nil || *limitEnv.LimitMinutes != 1 {
		t.Fatalf("expected limit_minutes=1, got %v", limitEnv.LimitMinutes)
	}
	if limitEnv.UsedMinutes == nil || *limitEnv.UsedMinutes != 1 {
		t.Fatalf("expected used_minutes=1, got %v", limitEnv.UsedMinutes)
	}
	if limitEnv.Message != "voice session limit reached" {
		t.Fatalf("unexpected message: %q", limitEnv.Message)
	}

	if disabledEnv.Type != "voice_disabled" {
		t.Fatalf("unexpected type: %v", disabledEnv.Type)
	}
	if disabledEnv.LimitType != "session" {
		t.Fatalf("expected limit_type=session recovered from reason, got %q", disabledEnv.LimitType)
	}
}

func TestSocketManagerClosesSessionOnReadError(t *testing.T) {
	disp := dispatcher.New()
	conn := newFakeConn()
	close(conn.inbound)
	mgr := NewSocketManager("s3", SourceDevice, conn, disp, nil)

	sub := disp.Subscribe("s3", dispatcher.SessionClose)
	defer sub.Close()

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()

	select {
	case evt := <-sub.Events():
		if evt.Data["reason"] != "peer_closed" {
			t.Fatalf("unexpected reason: %v", evt.Data["reason"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for SESSION_CLOSE")
	}
	<-done
}

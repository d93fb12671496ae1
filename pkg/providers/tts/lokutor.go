package tts

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/voxrelay/orchestrator/pkg/pipeline"
)

// LokutorTTS is a streaming client for the Lokutor synthesis websocket.
// It implements pipeline.TTSProvider: a single connection is reused
// across an entire session, framed with an explicit task_start/
// task_finish handshake per §4.F, and Abort interrupts in-flight
// generation for barge-in without tearing down the socket.
type LokutorTTS struct {
	apiKey string
	host   string
	scheme string // "wss" in production; tests override to "ws"

	mu          sync.Mutex
	conn        *websocket.Conn
	taskStarted bool
}

func NewLokutorTTS(apiKey string) *LokutorTTS {
	return &LokutorTTS{
		apiKey: apiKey,
		host:   "api.lokutor.com",
		scheme: "wss",
	}
}

func (t *LokutorTTS) Name() string {
	return "lokutor"
}

func (t *LokutorTTS) dial(ctx context.Context) (*websocket.Conn, error) {
	scheme := t.scheme
	if scheme == "" {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: t.host, Path: "/ws", RawQuery: "api_key=" + t.apiKey}
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to lokutor: %w", err)
	}
	return conn, nil
}

func (t *LokutorTTS) getConn(ctx context.Context) (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return t.conn, nil
	}
	conn, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}
	t.conn = conn
	t.taskStarted = false
	return conn, nil
}

func (t *LokutorTTS) dropConn(conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == conn {
		t.conn = nil
		t.taskStarted = false
	}
}

// Open lazily establishes the provider session and returns the streaming
// contract pipeline.TTSClient drives: sendText begins or continues the
// current task (issuing task_start on the first segment), taskFinish
// sends task_finish and returns without waiting (the EOS marker arrives
// later on the events channel as VariantClosed), and closeFn tears
// the connection down for good. The audio-listener goroutine runs for
// the life of the connection, per §4.F.
func (t *LokutorTTS) Open(ctx context.Context, lang pipeline.Language) (<-chan pipeline.TTSEvent, func(string) error, func() error, func() error, error) {
	conn, err := t.getConn(ctx)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	events := make(chan pipeline.TTSEvent, 64)
	go t.listen(conn, events)

	sendText := func(text string) error {
		return t.sendText(ctx, conn, lang, text)
	}
	taskFinish := func() error {
		return t.taskFinish(ctx, conn)
	}
	closeFn := func() error {
		return t.close(conn)
	}

	return events, sendText, taskFinish, closeFn, nil
}

func (t *LokutorTTS) listen(conn *websocket.Conn, events chan<- pipeline.TTSEvent) {
	defer close(events)
	ctx := context.Background()
	for {
		messageType, payload, err := conn.Read(ctx)
		if err != nil {
			t.dropConn(conn)
			select {
			case events <- pipeline.TTSEvent{Variant: pipeline.VariantError, Err: err}:
			default:
			}
			return
		}
		switch messageType {
		case websocket.MessageBinary:
			events <- pipeline.TTSEvent{Variant: pipeline.VariantAudio, Audio: payload}
		case websocket.MessageText:
			msg := string(payload)
			switch {
			case msg == "EOS":
				events <- pipeline.TTSEvent{Variant: pipeline.VariantClosed}
			case len(msg) >= 4 && msg[:4] == "ERR:":
				events <- pipeline.TTSEvent{Variant: pipeline.VariantError, Err: fmt.Errorf("lokutor error: %s", msg)}
			}
		}
	}
}

func (t *LokutorTTS) sendText(ctx context.Context, conn *websocket.Conn, lang pipeline.Language, text string) error {
	t.mu.Lock()
	needStart := t.conn == conn && !t.taskStarted
	if t.conn == conn {
		t.taskStarted = true
	}
	t.mu.Unlock()

	if needStart {
		if err := wsjson.Write(ctx, conn, map[string]any{
			"type": "task_start",
			"lang": string(lang),
		}); err != nil {
			t.dropConn(conn)
			return fmt.Errorf("failed to send task_start: %w", err)
		}
	}

	req := map[string]any{
		"type":    "text",
		"text":    text,
		"lang":    string(lang),
		"speed":   1.05,
		"steps":   5,
		"version": "versa-1.0",
	}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		t.dropConn(conn)
		return fmt.Errorf("failed to send synthesis request: %w", err)
	}
	return nil
}

func (t *LokutorTTS) taskFinish(ctx context.Context, conn *websocket.Conn) error {
	t.mu.Lock()
	if t.conn == conn {
		t.taskStarted = false
	}
	t.mu.Unlock()

	if err := wsjson.Write(ctx, conn, map[string]any{"type": "task_finish"}); err != nil {
		t.dropConn(conn)
		return fmt.Errorf("failed to send task_finish: %w", err)
	}
	return nil
}

// Abort sends an immediate stop-generation control frame, per
// §4.F's barge-in contract. It does not tear down the connection —
// only the in-flight task — so the next sendText re-issues task_start.
func (t *LokutorTTS) Abort(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	started := t.taskStarted
	t.taskStarted = false
	t.mu.Unlock()

	if conn == nil || !started {
		return nil
	}
	if err := wsjson.Write(ctx, conn, map[string]any{"type": "abort"}); err != nil {
		t.dropConn(conn)
		return fmt.Errorf("failed to send abort: %w", err)
	}
	return nil
}

func (t *LokutorTTS) close(conn *websocket.Conn) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == conn {
		t.conn = nil
		t.taskStarted = false
	}
	return conn.Close(websocket.StatusNormalClosure, "")
}

// Package wsconn adapts a github.com/coder/websocket connection to
// pipeline.Conn, decoding inbound frames per §6's per-source
// framing (device: JSON text, phone: raw PCM16 binary, web:
// auto-detected) and serializing outbound envelopes as JSON text.
package wsconn

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"

	"github.com/voxrelay/orchestrator/pkg/pipeline"
)

const pingTimeout = 5 * time.Second

// Conn wraps a server-side websocket.Conn for one client connection.
type Conn struct {
	ws     *websocket.Conn
	source pipeline.Source
}

// New wraps an already-accepted websocket connection.
func New(ws *websocket.Conn, source pipeline.Source) *Conn {
	return &Conn{ws: ws, source: source}
}

// deviceFrame is the JSON text shape accepted from device/web sources,
// per §6: either {"transcribed_text"} or {"user_msg"}.
type deviceFrame struct {
	TranscribedText string `json:"transcribed_text"`
	UserMsg         string `json:"user_msg"`
}

// ReadFrame blocks for the next inbound frame and decodes it according
// to the connection's source. web auto-detects: a text message is
// parsed as deviceFrame, a binary message is treated as raw PCM.
func (c *Conn) ReadFrame(ctx context.Context) (pipeline.Frame, error) {
	msgType, payload, err := c.ws.Read(ctx)
	if err != nil {
		return pipeline.Frame{}, err
	}

	switch c.source {
	case pipeline.SourcePhone:
		return pipeline.Frame{Bytes: payload}, nil
	default: // device, web
		if msgType == websocket.MessageBinary {
			return pipeline.Frame{Bytes: payload}, nil
		}
		var f deviceFrame
		if err := json.Unmarshal(payload, &f); err != nil {
			return pipeline.Frame{Text: string(payload)}, nil
		}
		if f.TranscribedText != "" {
			return pipeline.Frame{Text: f.TranscribedText}, nil
		}
		return pipeline.Frame{Text: f.UserMsg}, nil
	}
}

// WriteJSON serializes v (an OutboundEnvelope) as a JSON text frame.
func (c *Conn) WriteJSON(ctx context.Context, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.ws.Write(ctx, websocket.MessageText, body)
}

// Ping issues a liveness ping with a bounded deadline. The caller times
// the interval (SocketManager pings on a fixed ticker); Ping itself only
// bounds the round trip.
func (c *Conn) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return c.ws.Ping(ctx)
}

// Close closes the underlying socket with a normal closure status.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// CloseWithCode closes with a specific status code and reason.
func (c *Conn) CloseWithCode(code websocket.StatusCode, reason string) error {
	return c.ws.Close(code, reason)
}

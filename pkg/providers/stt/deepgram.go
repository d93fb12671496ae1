package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/coder/websocket"

	"github.com/voxrelay/orchestrator/pkg/pipeline"
)

// DeepgramSTT streams audio to Deepgram's realtime listen endpoint over
// a websocket, the one vendor in this package with a genuine streaming
// API — unlike OpenAI/Groq/AssemblyAI it needs no batching shim.
type DeepgramSTT struct {
	apiKey string
	host   string
}

func NewDeepgramSTT(apiKey string) *DeepgramSTT {
	return &DeepgramSTT{
		apiKey: apiKey,
		host:   "api.deepgram.com",
	}
}

func (s *DeepgramSTT) Name() string {
	return "deepgram-stt"
}

type deepgramResult struct {
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal bool `json:"is_final"`
}

func (s *DeepgramSTT) Open(ctx context.Context, sampleRate, channels int, lang pipeline.Language) (<-chan pipeline.STTEvent, func([]byte) error, func() error, error) {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if channels <= 0 {
		channels = 1
	}

	u := url.URL{Scheme: "wss", Host: s.host, Path: "/v1/listen"}
	q := u.Query()
	q.Set("model", "nova-2")
	q.Set("smart_format", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", fmt.Sprintf("%d", sampleRate))
	q.Set("channels", fmt.Sprintf("%d", channels))
	if lang != "" {
		q.Set("language", string(lang))
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: map[string][]string{"Authorization": {"Token " + s.apiKey}},
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("deepgram dial failed: %w", err)
	}

	events := make(chan pipeline.STTEvent, 32)

	go func() {
		defer close(events)
		for {
			_, payload, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() == nil {
					select {
					case events <- pipeline.STTEvent{Variant: pipeline.VariantError, Err: err}:
					default:
					}
				}
				return
			}
			var result deepgramResult
			if err := json.Unmarshal(payload, &result); err != nil {
				continue
			}
			if len(result.Channel.Alternatives) == 0 {
				continue
			}
			text := result.Channel.Alternatives[0].Transcript
			if text == "" {
				continue
			}
			variant := pipeline.VariantInterim
			if result.IsFinal {
				variant = pipeline.VariantFinal
			}
			select {
			case events <- pipeline.STTEvent{Variant: variant, Text: text}:
			case <-ctx.Done():
				return
			}
		}
	}()

	send := func(chunk []byte) error {
		return conn.Write(ctx, websocket.MessageBinary, chunk)
	}
	closeFn := func() error {
		return conn.Close(websocket.StatusNormalClosure, "")
	}
	return events, send, closeFn, nil
}

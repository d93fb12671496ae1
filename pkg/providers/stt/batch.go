// Package stt adapts vendor speech-to-text APIs to the streaming
// pipeline.STTProvider contract. Deepgram exposes a genuine realtime
// websocket endpoint and is wired directly to it. OpenAI, Groq and
// AssemblyAI only expose batch (whole-file) transcription endpoints, so
// each is wrapped by bufferedBatchSession: audio frames accumulate until
// a flush interval elapses or the session is closed, at which point the
// accumulated buffer is transcribed in one request and republished as a
// single FINAL event. This trades true incremental partials for a
// faithful mapping of what these vendors actually offer.
package stt

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/voxrelay/orchestrator/pkg/pipeline"
)

const batchFlushInterval = 1200 * time.Millisecond

// transcribeFunc performs one batch transcription call.
type transcribeFunc func(ctx context.Context, audioPCM []byte, lang pipeline.Language) (string, error)

// bufferedBatchSession implements the Open() half of pipeline.STTProvider
// for any vendor that only offers whole-file transcription.
func bufferedBatchSession(ctx context.Context, transcribe transcribeFunc, lang pipeline.Language) (<-chan pipeline.STTEvent, func([]byte) error, func() error, error) {
	events := make(chan pipeline.STTEvent, 8)
	var mu sync.Mutex
	buf := new(bytes.Buffer)
	done := make(chan struct{})

	flush := func() {
		mu.Lock()
		if buf.Len() == 0 {
			mu.Unlock()
			return
		}
		data := make([]byte, buf.Len())
		copy(data, buf.Bytes())
		buf.Reset()
		mu.Unlock()

		text, err := transcribe(ctx, data, lang)
		if err != nil {
			select {
			case events <- pipeline.STTEvent{Variant: pipeline.VariantError, Err: err}:
			default:
			}
			return
		}
		if text != "" {
			select {
			case events <- pipeline.STTEvent{Variant: pipeline.VariantFinal, Text: text}:
			default:
			}
		}
	}

	go func() {
		t := time.NewTicker(batchFlushInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				flush()
				close(events)
				return
			case <-done:
				flush()
				close(events)
				return
			case <-t.C:
				flush()
			}
		}
	}()

	send := func(chunk []byte) error {
		mu.Lock()
		buf.Write(chunk)
		mu.Unlock()
		return nil
	}
	closeFn := func() error {
		close(done)
		return nil
	}
	return events, send, closeFn, nil
}

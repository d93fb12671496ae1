package tts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/voxrelay/orchestrator/pkg/pipeline"
)

func TestLokutorTTSStreamsSegmentAndReportsClosed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "closing")

		var start map[string]any
		if err := wsjson.Read(r.Context(), conn, &start); err != nil || start["type"] != "task_start" {
			return
		}
		var text map[string]any
		if err := wsjson.Read(r.Context(), conn, &text); err != nil || text["type"] != "text" {
			return
		}

		conn.Write(r.Context(), websocket.MessageBinary, []byte{1, 2, 3})
		conn.Write(r.Context(), websocket.MessageBinary, []byte{4, 5, 6})
		conn.Write(r.Context(), websocket.MessageText, []byte("EOS"))

		var finish map[string]any
		wsjson.Read(r.Context(), conn, &finish)
	}))
	defer server.Close()

	tts := &LokutorTTS{
		apiKey: "test-key",
		host:   strings.TrimPrefix(server.URL, "http://"),
		scheme: "ws",
	}

	ctx := context.Background()
	events, sendText, taskFinish, closeFn, err := tts.Open(ctx, pipeline.LanguageEn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closeFn()

	if err := sendText("hello"); err != nil {
		t.Fatalf("sendText failed: %v", err)
	}
	if err := taskFinish(); err != nil {
		t.Fatalf("taskFinish failed: %v", err)
	}

	var audio []byte
	sawClosed := false
	for !sawClosed {
		select {
		case evt := <-events:
			if evt.Variant == pipeline.VariantClosed {
				sawClosed = true
				break
			}
			audio = append(audio, evt.Audio...)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for EOS")
		}
	}

	if len(audio) != 6 {
		t.Errorf("expected 6 bytes, got %d", len(audio))
	}
	if tts.Name() != "lokutor" {
		t.Errorf("expected lokutor, got %s", tts.Name())
	}
}

func TestLokutorTTSAbortIsNoOpWhenNoTaskStarted(t *testing.T) {
	tts := &LokutorTTS{apiKey: "test-key", host: "unused", scheme: "ws"}
	if err := tts.Abort(context.Background()); err != nil {
		t.Errorf("expected nil error aborting with no active connection, got %v", err)
	}
}

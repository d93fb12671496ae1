package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/voxrelay/orchestrator/pkg/pipeline"
)

func TestGoogleLLMStreamComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.RawQuery, "key=test-key") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, `data: {"candidates":[{"content":{"parts":[{"text":"hello from google"}]}}]}`+"\n\n")
		flusher.Flush()
		fmt.Fprint(w, `data: {"candidates":[{"content":{"parts":[]},"finishReason":"STOP"}]}`+"\n\n")
		flusher.Flush()
	}))
	defer server.Close()

	l := &GoogleLLM{apiKey: "test-key", url: server.URL, model: "gemini"}

	messages := []pipeline.Message{
		{Role: pipeline.RoleUser, Content: "hi"},
	}

	events, err := l.StreamComplete(context.Background(), messages, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var text string
	sawClosed := false
	for evt := range events {
		if evt.Variant == pipeline.VariantClosed {
			sawClosed = true
			break
		}
		text += evt.TextDelta
	}
	if !sawClosed {
		t.Fatalf("expected a closed event to terminate the stream")
	}
	if text != "hello from google" {
		t.Errorf("expected 'hello from google', got '%s'", text)
	}
}

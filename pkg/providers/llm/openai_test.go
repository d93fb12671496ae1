package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voxrelay/orchestrator/pkg/pipeline"
)

func TestOpenAILLMStreamsTokensThenCloses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"hello"}}]}`+"\n\n")
		flusher.Flush()
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":" from openai"},"finish_reason":"stop"}]}`+"\n\n")
		flusher.Flush()
	}))
	defer server.Close()

	l := &OpenAILLM{
		apiKey: "test-key",
		url:    server.URL,
		model:  "gpt-4o",
	}

	messages := []pipeline.Message{{Role: pipeline.RoleUser, Content: "hi"}}

	events, err := l.StreamComplete(context.Background(), messages, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got string
	closed := false
	for i := 0; i < 3 && !closed; i++ {
		select {
		case evt := <-events:
			if evt.Variant == pipeline.VariantClosed {
				closed = true
				break
			}
			got += evt.TextDelta
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for stream event")
		}
	}

	if got != "hello from openai" {
		t.Errorf("expected 'hello from openai', got '%s'", got)
	}
	if !closed {
		t.Error("expected stream to report closed on finish_reason=stop")
	}
	if l.Name() != "openai-llm" {
		t.Errorf("expected openai-llm, got %s", l.Name())
	}
}

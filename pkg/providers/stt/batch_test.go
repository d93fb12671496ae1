package stt

import (
	"context"
	"testing"
	"time"

	"github.com/voxrelay/orchestrator/pkg/pipeline"
)

func TestBufferedBatchSessionFlushesOnClose(t *testing.T) {
	var gotBytes []byte
	transcribe := func(ctx context.Context, audioPCM []byte, lang pipeline.Language) (string, error) {
		gotBytes = audioPCM
		return "hello world", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, send, closeFn, err := bufferedBatchSession(ctx, transcribe, pipeline.LanguageEn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := send([]byte{1, 2, 3}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if err := closeFn(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	select {
	case evt, ok := <-events:
		if !ok {
			t.Fatal("events channel closed before delivering final transcript")
		}
		if evt.Variant != pipeline.VariantFinal || evt.Text != "hello world" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for final transcript")
	}

	if len(gotBytes) != 3 {
		t.Fatalf("expected 3 buffered bytes transcribed, got %d", len(gotBytes))
	}

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected events channel to close after flush")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for events channel close")
	}
}

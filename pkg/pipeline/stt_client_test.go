package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/voxrelay/orchestrator/pkg/dispatcher"
)

// mockSTTProvider is a hand-rolled single-session streaming STT stub:
// every sent audio frame is recorded in sent, and transcript events are
// injected by the test through the shared events channel that Open
// returns.
type mockSTTProvider struct {
	events  chan STTEvent
	sent    [][]byte
	openErr error
	closed  bool
}

func newMockSTTProvider() *mockSTTProvider {
	return &mockSTTProvider{events: make(chan STTEvent, 16)}
}

func (m *mockSTTProvider) Name() string { return "mock-stt" }

func (m *mockSTTProvider) Open(ctx context.Context, sampleRate, channels int, lang Language) (<-chan STTEvent, func([]byte) error, func() error, error) {
	if m.openErr != nil {
		return nil, nil, nil, m.openErr
	}
	send := func(b []byte) error {
		m.sent = append(m.sent, b)
		return nil
	}
	closeFn := func() error {
		m.closed = true
		return nil
	}
	return m.events, send, closeFn, nil
}

func TestSTTClientForwardsInterimAndFinalTranscripts(t *testing.T) {
	disp := dispatcher.New()
	provider := newMockSTTProvider()
	client := NewSTTClient("s1", provider, disp, 16000, 1, LanguageEn, SourceWeb, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interim := disp.Subscribe("s1", dispatcher.InterimTranscript)
	final := disp.Subscribe("s1", dispatcher.FinalTranscript)
	defer interim.Close()
	defer final.Close()

	go client.Run(ctx)
	time.Sleep(10 * time.Millisecond) // let Run reach Open()

	disp.Broadcast("s1", dispatcher.InboundFrame, map[string]any{"bytes": []byte{1, 2, 3}})
	provider.events <- STTEvent{Variant: VariantInterim, Text: "hel"}
	provider.events <- STTEvent{Variant: VariantFinal, Text: "hello"}

	select {
	case evt := <-interim.Events():
		if evt.Data["text"] != "hel" {
			t.Fatalf("unexpected interim text: %v", evt.Data["text"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for interim transcript")
	}

	select {
	case evt := <-final.Events():
		if evt.Data["text"] != "hello" {
			t.Fatalf("unexpected final text: %v", evt.Data["text"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for final transcript")
	}

	if len(provider.sent) != 1 {
		t.Fatalf("expected 1 audio frame forwarded to provider, got %d", len(provider.sent))
	}
}

func TestSTTClientDeviceSourceBypassesProviderForText(t *testing.T) {
	disp := dispatcher.New()
	provider := newMockSTTProvider()
	client := NewSTTClient("s4", provider, disp, 16000, 1, LanguageEn, SourceDevice, nil)

	final := disp.Subscribe("s4", dispatcher.FinalTranscript)
	defer final.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	disp.Broadcast("s4", dispatcher.InboundFrame, map[string]any{"text": ""})
	disp.Broadcast("s4", dispatcher.InboundFrame, map[string]any{"text": "hello from device"})

	select {
	case evt := <-final.Events():
		if evt.Data["text"] != "hello from device" {
			t.Fatalf("unexpected final text: %v", evt.Data["text"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for synthesized final transcript")
	}

	if len(provider.sent) != 0 {
		t.Fatalf("device source must never open or send to an STT provider, got %d frames", len(provider.sent))
	}
}

func TestSTTClientGivesUpAfterConsecutiveOpenFailures(t *testing.T) {
	disp := dispatcher.New()
	provider := newMockSTTProvider()
	provider.openErr = ErrProviderUnavailable
	client := NewSTTClient("s2", provider, disp, 16000, 1, LanguageEn, SourceWeb, nil)

	closeEvt := disp.Subscribe("s2", dispatcher.SessionClose)
	defer closeEvt.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()

	err := client.Run(ctx)
	if err != ErrProviderUnavailable {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}

	select {
	case evt := <-closeEvt.Events():
		if evt.Data["reason"] != "stt_unavailable" {
			t.Fatalf("unexpected close reason: %v", evt.Data["reason"])
		}
	default:
		t.Fatal("expected SESSION_CLOSE to have been published")
	}
}

func toneFrame(n int) []byte {
	frame := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(8000)
		if i%4 >= 2 {
			v = -8000
		}
		frame[i*2] = byte(v)
		frame[i*2+1] = byte(v >> 8)
	}
	return frame
}

func TestSTTClientSuppressesEchoOnPhoneSource(t *testing.T) {
	disp := dispatcher.New()
	provider := newMockSTTProvider()
	client := NewSTTClient("s3", provider, disp, 16000, 1, LanguageEn, SourcePhone, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go client.Run(ctx)
	time.Sleep(10 * time.Millisecond) // let Run reach Open() and pumpEchoReference subscribe

	played := toneFrame(320)
	disp.Broadcast("s3", dispatcher.OutboundAudio, map[string]any{"bytes": played})
	time.Sleep(10 * time.Millisecond) // let pumpEchoReference record it

	disp.Broadcast("s3", dispatcher.InboundFrame, map[string]any{"bytes": played})
	time.Sleep(20 * time.Millisecond)

	if len(provider.sent) != 0 {
		t.Fatalf("expected echoed frame to be suppressed, got %d frames forwarded", len(provider.sent))
	}

	distinct := toneFrame(320)
	for i := range distinct {
		distinct[i] ^= 0xFF
	}
	disp.Broadcast("s3", dispatcher.InboundFrame, map[string]any{"bytes": distinct})
	time.Sleep(20 * time.Millisecond)

	if len(provider.sent) != 1 {
		t.Fatalf("expected non-echo frame to be forwarded, got %d frames", len(provider.sent))
	}
}

package dispatcher

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastNoSubscribersIsNoop(t *testing.T) {
	d := New()
	d.Broadcast("s1", FinalTranscript, map[string]any{"text": "hi"})
}

func TestSubscribeNoReplay(t *testing.T) {
	d := New()
	d.Broadcast("s1", FinalTranscript, map[string]any{"text": "before"})

	sub := d.Subscribe("s1", FinalTranscript)
	defer sub.Close()

	d.Broadcast("s1", FinalTranscript, map[string]any{"text": "after"})

	evt := <-sub.Events()
	assert.Equal(t, "after", evt.Data["text"])

	_, ok := sub.TryGet()
	assert.False(t, ok)
}

// S5 — Dispatcher fan-out: two subscribers, one draining and one not.
func TestFanOutDropOldest(t *testing.T) {
	d := New(WithQueueCapacity(256))

	slow := d.Subscribe("s", LLMToken)
	defer slow.Close()
	fast := d.Subscribe("s", LLMToken)
	defer fast.Close()

	var drained []int
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			evt := <-fast.Events()
			drained = append(drained, evt.Data["i"].(int))
		}
	}()

	for i := 0; i < 1000; i++ {
		d.Broadcast("s", LLMToken, map[string]any{"i": i})
	}
	wg.Wait()

	require.Len(t, drained, 1000)
	for i, v := range drained {
		assert.Equal(t, i, v)
	}

	// slow never drained: queue holds only the last 256, the rest dropped.
	assert.Equal(t, int64(1000-256), slow.Dropped())
	assert.Len(t, slow.ch, 256)
	last := -1
	for len(slow.ch) > 0 {
		evt := <-slow.ch
		last = evt.Data["i"].(int)
	}
	assert.Equal(t, 999, last)
}

// S6 — scoped release: no delivery after Close, and the subscriber set
// does not retain the subscription.
func TestScopedReleaseStopsDelivery(t *testing.T) {
	d := New()
	sub := d.Subscribe("s", FinalTranscript)
	require.Equal(t, 1, d.SubscriberCount("s", FinalTranscript))

	sub.Close()
	assert.Equal(t, 0, d.SubscriberCount("s", FinalTranscript))

	d.Broadcast("s", FinalTranscript, map[string]any{"text": "x"})
	_, ok := <-sub.Events()
	assert.False(t, ok, "channel should be closed, not receive a value")

	// Close is idempotent.
	sub.Close()
}

func TestDisconnectClosesAllAndDiscardsFuturePublishes(t *testing.T) {
	d := New()
	a := d.Subscribe("s", FinalTranscript)
	b := d.Subscribe("s", LLMToken)

	d.Disconnect()
	d.Disconnect() // idempotent

	_, ok := <-a.Events()
	assert.False(t, ok)
	_, ok = <-b.Events()
	assert.False(t, ok)

	d.Broadcast("s", FinalTranscript, map[string]any{"text": "ignored"})
}

func TestTopicIsolationBySessionAndType(t *testing.T) {
	d := New()
	subS1 := d.Subscribe("s1", FinalTranscript)
	defer subS1.Close()
	subS2 := d.Subscribe("s2", FinalTranscript)
	defer subS2.Close()
	subOtherType := d.Subscribe("s1", InterimTranscript)
	defer subOtherType.Close()

	d.Broadcast("s1", FinalTranscript, map[string]any{"text": "only-s1-final"})

	evt := <-subS1.Events()
	assert.Equal(t, "only-s1-final", evt.Data["text"])

	_, ok := subS2.TryGet()
	assert.False(t, ok)
	_, ok = subOtherType.TryGet()
	assert.False(t, ok)
}

func TestDropHookInvokedOnOverflow(t *testing.T) {
	var drops int
	var mu sync.Mutex
	d := New(WithQueueCapacity(1), WithDropHook(func(topic Topic) {
		mu.Lock()
		drops++
		mu.Unlock()
	}))
	sub := d.Subscribe("s", LLMToken)
	defer sub.Close()

	d.Broadcast("s", LLMToken, map[string]any{"i": 1})
	d.Broadcast("s", LLMToken, map[string]any{"i": 2})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, drops)
}

// Package dispatcher implements a process-local publish/subscribe bus
// scoped to (session_id, message_type) topics. It is the only channel
// through which pipeline components communicate at runtime.
package dispatcher

import (
	"sync"
	"sync/atomic"
	"time"
)

// MessageType is the closed set of event kinds that flow through topics.
type MessageType string

const (
	InboundFrame        MessageType = "INBOUND_FRAME"
	InterimTranscript   MessageType = "INTERIM_TRANSCRIPT"
	FinalTranscript     MessageType = "FINAL_TRANSCRIPT"
	LLMToken            MessageType = "LLM_TOKEN"
	LLMToolCall         MessageType = "LLM_TOOL_CALL"
	TurnEnd             MessageType = "TURN_END"
	TTSBufferFlush      MessageType = "TTS_BUFFER_FLUSH"
	OutboundAudio       MessageType = "OUTBOUND_AUDIO"
	OutboundText        MessageType = "OUTBOUND_TEXT"
	ClearBuffer         MessageType = "CLEAR_BUFFER"
	UsageWarning        MessageType = "USAGE_WARNING"
	UsageLimitReached   MessageType = "USAGE_LIMIT_REACHED"
	VoiceDisabled       MessageType = "VOICE_DISABLED"
	AbuseDetected       MessageType = "ABUSE_DETECTED"
	SessionClose        MessageType = "SESSION_CLOSE"
)

// DefaultQueueCapacity is the default bounded per-subscriber queue depth.
const DefaultQueueCapacity = 256

// Topic is the (session_id, message_type) routing key.
type Topic struct {
	SessionID   string
	MessageType MessageType
}

// Event is a single published message, timestamped at publish time.
type Event struct {
	MessageType MessageType
	Data        map[string]any
	PublishedAt time.Time
}

// Subscription is a scoped handle to a topic's event stream. The zero
// value is not usable; obtain one via Dispatcher.Subscribe. Callers MUST
// call Close on every exit path (defer sub.Close()) — this unregisters
// the subscriber and releases its queue, per the no-leak requirement.
type Subscription struct {
	topic   Topic
	ch      chan Event
	d       *Dispatcher
	dropped atomic.Int64
	closed  atomic.Bool
}

// Events returns the receive side of the subscription's queue. The
// channel is closed when Close is called; ranging over it terminates
// cleanly at that point.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// TryGet performs a non-blocking poll, returning (event, true) if one was
// immediately available, or (zero, false) otherwise. Used by components
// that must interleave multiple topics without committing to a receive.
func (s *Subscription) TryGet() (Event, bool) {
	select {
	case e, ok := <-s.ch:
		if !ok {
			return Event{}, false
		}
		return e, true
	default:
		return Event{}, false
	}
}

// Dropped returns the number of events dropped for this subscription due
// to a full queue (drop-oldest back-pressure).
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unregisters the subscription and releases its queue. Idempotent.
func (s *Subscription) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.d.unsubscribe(s)
}

// Dispatcher is the process-wide pub/sub bus. Safe for concurrent use.
// The zero value is not usable; use New.
type Dispatcher struct {
	mu     sync.RWMutex
	subs   map[Topic]map[*Subscription]struct{}
	closed bool

	queueCapacity int

	// onDrop, when set, is invoked (outside the lock) every time an event
	// is dropped for a subscriber's full queue. Used to feed a metrics
	// counter without coupling this package to a telemetry backend.
	onDrop func(topic Topic)
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

// WithQueueCapacity overrides the default per-subscriber queue depth.
func WithQueueCapacity(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueCapacity = n
		}
	}
}

// WithDropHook registers a callback invoked whenever a message is dropped
// for back-pressure. Intended for wiring a metrics counter.
func WithDropHook(fn func(topic Topic)) Option {
	return func(d *Dispatcher) { d.onDrop = fn }
}

// New constructs a ready-to-use Dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		subs:          make(map[Topic]map[*Subscription]struct{}),
		queueCapacity: DefaultQueueCapacity,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Subscribe returns a scoped Subscription for (sessionID, messageType).
// The returned subscription's queue is bounded (DefaultQueueCapacity,
// or as configured via WithQueueCapacity); when full, the oldest queued
// event is dropped to admit the new one, per the pipeline's
// drop-stale-not-new policy.
func (d *Dispatcher) Subscribe(sessionID string, messageType MessageType) *Subscription {
	topic := Topic{SessionID: sessionID, MessageType: messageType}
	sub := &Subscription{
		topic: topic,
		ch:    make(chan Event, d.queueCapacity),
		d:     d,
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		// A disconnected dispatcher still hands back a usable, empty
		// subscription: Events() yields nothing and Close is a no-op.
		sub.closed.Store(true)
		close(sub.ch)
		return sub
	}
	set, ok := d.subs[topic]
	if !ok {
		set = make(map[*Subscription]struct{})
		d.subs[topic] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Broadcast delivers a message to every current subscriber of
// (sessionID, messageType). A topic with no subscribers is a no-op
// success. Never blocks beyond the non-blocking per-subscriber enqueue.
func (d *Dispatcher) Broadcast(sessionID string, messageType MessageType, data map[string]any) {
	topic := Topic{SessionID: sessionID, MessageType: messageType}
	event := Event{MessageType: messageType, Data: data, PublishedAt: time.Now()}

	d.mu.RLock()
	set := d.subs[topic]
	if d.closed || len(set) == 0 {
		d.mu.RUnlock()
		return
	}
	// Snapshot the subscriber set under the read lock; enqueue happens
	// outside any lock so slow subscribers never contend with the
	// subscriber-set lock that Subscribe/Close also take.
	targets := make([]*Subscription, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	d.mu.RUnlock()

	for _, sub := range targets {
		d.enqueue(sub, topic, event)
	}
}

func (d *Dispatcher) enqueue(sub *Subscription, topic Topic, event Event) {
	select {
	case sub.ch <- event:
		return
	default:
	}
	// Queue full: drop the oldest queued event to make room, then
	// enqueue the new one. If a concurrent receive drained a slot in
	// between, the second send still succeeds; if the receiver raced us
	// and the channel is momentarily empty, fall through without
	// blocking (best-effort, per the non-blocking broadcast guarantee).
	select {
	case <-sub.ch:
		sub.dropped.Add(1)
		if d.onDrop != nil {
			d.onDrop(topic)
		}
	default:
	}
	select {
	case sub.ch <- event:
	default:
	}
}

func (d *Dispatcher) unsubscribe(sub *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.subs[sub.topic]
	if ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(d.subs, sub.topic)
		}
	}
	close(sub.ch)
}

// Disconnect closes all subscriptions across all topics. Idempotent.
// After Disconnect, further Broadcast calls are silently discarded.
func (d *Dispatcher) Disconnect() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	all := d.subs
	d.subs = make(map[Topic]map[*Subscription]struct{})
	d.mu.Unlock()

	for _, set := range all {
		for sub := range set {
			if sub.closed.CompareAndSwap(false, true) {
				close(sub.ch)
			}
		}
	}
}

// SubscriberCount reports the number of active subscribers for a topic.
// Intended for tests and diagnostics.
func (d *Dispatcher) SubscriberCount(sessionID string, messageType MessageType) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[Topic{SessionID: sessionID, MessageType: messageType}])
}

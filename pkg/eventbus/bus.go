// Package eventbus is the in-process pub/sub fabric. Publishing appends to a
// bounded history ring synchronously; delivery to each subscriber runs on a
// dedicated goroutine fed by a buffered channel, so one slow or panicking
// subscriber never blocks the publisher or its siblings. Per-subscriber
// ordering follows publish order.
package eventbus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Veridian-Labs/veridian/core/pkg/contracts"
)

// Handler consumes one event. Handlers must tolerate redelivery; the bus
// does not deduplicate.
type Handler func(contracts.Event)

// Filter narrows which events a subscription receives. Types is mandatory;
// AgentID matches source or target; WorkflowID matches exactly.
type Filter struct {
	Types      []contracts.EventType
	AgentID    string
	WorkflowID string
}

// HistoryQuery selects past events from the ring.
type HistoryQuery struct {
	Types         []contracts.EventType
	SourceAgent   string
	WorkflowID    string
	CorrelationID string
	Since         time.Time
	Limit         int
}

type subscription struct {
	id      string
	filter  Filter
	handler Handler
	ch      chan contracts.Event
	paused  bool
	done    chan struct{}
}

// Options configures a Bus.
type Options struct {
	// HistorySize bounds the history ring. Zero means 10000.
	HistorySize int
	// SubscriberBuffer bounds each subscriber's channel. Zero means 256.
	SubscriberBuffer int
}

// Bus is the event bus.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]*subscription
	history []contracts.Event // ring, oldest first
	opts    Options
	closed  bool
	log     *slog.Logger
}

// New creates a Bus.
func New(opts Options) *Bus {
	if opts.HistorySize <= 0 {
		opts.HistorySize = 10000
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 256
	}
	return &Bus{
		subs: make(map[string]*subscription),
		opts: opts,
		log:  slog.Default().With("component", "eventbus"),
	}
}

// Publish validates the event type, appends to history, and fans out to
// matching subscribers. A subscriber whose buffer is full loses the event
// (observable via history); the publisher never blocks.
func (b *Bus) Publish(event contracts.Event) error {
	if _, ok := contracts.KnownEventTypes[event.Type]; !ok {
		return fmt.Errorf("eventbus: unknown event type %q: %w", event.Type, contracts.ErrInvalidArgument)
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("eventbus: closed: %w", contracts.ErrInvalidArgument)
	}
	b.history = append(b.history, event)
	if len(b.history) > b.opts.HistorySize {
		b.history = b.history[len(b.history)-b.opts.HistorySize:]
	}
	var targets []*subscription
	for _, sub := range b.subs {
		if !sub.paused && sub.filter.match(event) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- event:
		default:
			b.log.Warn("subscriber buffer full, dropping event",
				"subscription_id", sub.id, "event_id", event.ID, "type", event.Type)
		}
	}
	return nil
}

// Subscribe registers a handler for events matching the filter and returns
// the subscription id.
func (b *Bus) Subscribe(filter Filter, handler Handler) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("eventbus: nil handler: %w", contracts.ErrInvalidArgument)
	}
	for _, t := range filter.Types {
		if _, ok := contracts.KnownEventTypes[t]; !ok {
			return "", fmt.Errorf("eventbus: unknown event type %q: %w", t, contracts.ErrInvalidArgument)
		}
	}

	sub := &subscription{
		id:      uuid.NewString(),
		filter:  filter,
		handler: handler,
		ch:      make(chan contracts.Event, b.opts.SubscriberBuffer),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", fmt.Errorf("eventbus: closed: %w", contracts.ErrInvalidArgument)
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go b.deliver(sub)
	return sub.id, nil
}

// Unsubscribe removes a subscription and stops its delivery goroutine.
func (b *Bus) Unsubscribe(subscriptionID string) error {
	b.mu.Lock()
	sub, ok := b.subs[subscriptionID]
	if ok {
		delete(b.subs, subscriptionID)
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("eventbus: subscription %q: %w", subscriptionID, contracts.ErrNotFound)
	}
	close(sub.done)
	return nil
}

// Pause stops delivery to a subscription. Events published while paused are
// not buffered; they remain observable via History.
func (b *Bus) Pause(subscriptionID string) error {
	return b.setPaused(subscriptionID, true)
}

// Resume re-enables delivery to a paused subscription.
func (b *Bus) Resume(subscriptionID string) error {
	return b.setPaused(subscriptionID, false)
}

func (b *Bus) setPaused(subscriptionID string, paused bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[subscriptionID]
	if !ok {
		return fmt.Errorf("eventbus: subscription %q: %w", subscriptionID, contracts.ErrNotFound)
	}
	sub.paused = paused
	return nil
}

// History returns past events matching the query, oldest first.
func (b *Bus) History(q HistoryQuery) []contracts.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []contracts.Event
	for _, e := range b.history {
		if len(q.Types) > 0 && !typeIn(q.Types, e.Type) {
			continue
		}
		if q.SourceAgent != "" && e.SourceAgent != q.SourceAgent {
			continue
		}
		if q.WorkflowID != "" && e.WorkflowID != q.WorkflowID {
			continue
		}
		if q.CorrelationID != "" && e.CorrelationID != q.CorrelationID {
			continue
		}
		if !q.Since.IsZero() && e.CreatedAt.Before(q.Since) {
			continue
		}
		out = append(out, e)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// Close stops all delivery goroutines and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[string]*subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.done)
	}
}

// deliver drains one subscriber's channel in FIFO order. A handler panic is
// recovered and logged; delivery continues with the next event.
func (b *Bus) deliver(sub *subscription) {
	for {
		select {
		case <-sub.done:
			return
		case event := <-sub.ch:
			b.invoke(sub, event)
		}
	}
}

func (b *Bus) invoke(sub *subscription, event contracts.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("subscriber panicked",
				"subscription_id", sub.id, "event_id", event.ID, "panic", r)
		}
	}()
	sub.handler(event)
}

func (f Filter) match(e contracts.Event) bool {
	if len(f.Types) > 0 && !typeIn(f.Types, e.Type) {
		return false
	}
	if f.AgentID != "" && e.SourceAgent != f.AgentID && e.TargetAgent != f.AgentID {
		return false
	}
	if f.WorkflowID != "" && e.WorkflowID != f.WorkflowID {
		return false
	}
	return true
}

func typeIn(types []contracts.EventType, t contracts.EventType) bool {
	for _, want := range types {
		if want == t {
			return true
		}
	}
	return false
}

// Package events fans gateway notifications out to connected subscribers.
//
// Each subscriber owns a queue drained by its own goroutine. Must-deliver
// events are always queued; best-effort events are dropped when the
// subscriber is behind.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Delivery classifies how hard the hub tries to deliver an event.
type Delivery int

const (
	// MustDeliver events are never dropped while the subscriber exists.
	MustDeliver Delivery = iota
	// BestEffort events are dropped when the subscriber queue is full.
	BestEffort
)

func (d Delivery) String() string {
	if d == BestEffort {
		return "best_effort"
	}
	return "must_deliver"
}

// DefaultBestEffortLimit is the queue depth past which best-effort events
// are dropped.
const DefaultBestEffortLimit = 64

// Event is a single notification.
type Event struct {
	Name     string
	Payload  any
	Delivery Delivery
	// Scope is the operator scope a subscriber needs to receive the event.
	// Empty means any subscriber.
	Scope string
	// Target restricts delivery to one subscriber id.
	Target string
	At     time.Time
}

// Filter decides whether a subscriber receives an event. Target matching is
// handled by the hub before the filter runs.
type Filter func(Event) bool

// Subscription is one subscriber's view of the hub.
type Subscription struct {
	id     string
	hub    *Hub
	filter Filter
	out    chan Event

	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

// ID returns the subscriber id.
func (s *Subscription) ID() string { return s.id }

// C delivers events in publish order. It is closed when the subscription
// ends.
func (s *Subscription) C() <-chan Event { return s.out }

// Close ends the subscription. Queued events are discarded.
func (s *Subscription) Close() { s.hub.Unsubscribe(s.id) }

// Hub is a single-sender, many-subscriber event fan-out.
type Hub struct {
	mu       sync.RWMutex
	subs     map[string]*Subscription
	limit    int
	logger   *slog.Logger
	now      func() time.Time
	dropped  atomic.Uint64
	onDrop   func(Event)
	isClosed bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithBestEffortLimit sets the per-subscriber queue depth for best-effort
// events.
func WithBestEffortLimit(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.limit = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithDropHook is called for every dropped best-effort event.
func WithDropHook(fn func(Event)) Option {
	return func(h *Hub) { h.onDrop = fn }
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subs:   make(map[string]*Subscription),
		limit:  DefaultBestEffortLimit,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "events")
	return h
}

// Subscribe registers a subscriber. An existing subscription with the same
// id is closed first. A nil filter accepts every event.
func (h *Hub) Subscribe(id string, filter Filter) *Subscription {
	sub := &Subscription{
		id:     id,
		hub:    h,
		filter: filter,
		out:    make(chan Event),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	prev := h.subs[id]
	if h.isClosed {
		h.mu.Unlock()
		sub.stop()
		go sub.pump()
		return sub
	}
	h.subs[id] = sub
	h.mu.Unlock()

	if prev != nil {
		prev.stop()
	}
	go sub.pump()
	return sub
}

// Unsubscribe removes a subscriber.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		sub.stop()
	}
}

// Publish queues an event for every matching subscriber and returns how many
// subscribers accepted it.
func (h *Hub) Publish(evt Event) int {
	if evt.At.IsZero() {
		evt.At = h.now()
	}

	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.subs))
	if evt.Target != "" {
		if sub, ok := h.subs[evt.Target]; ok {
			targets = append(targets, sub)
		}
	} else {
		for _, sub := range h.subs {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, sub := range targets {
		if sub.filter != nil && !sub.filter(evt) {
			continue
		}
		if sub.enqueue(evt, h.limit) {
			delivered++
			continue
		}
		if evt.Delivery == BestEffort {
			h.dropped.Add(1)
			if h.onDrop != nil {
				h.onDrop(evt)
			}
			h.logger.Debug("dropped best-effort event", "event", evt.Name, "subscriber", sub.id)
		}
	}
	return delivered
}

// Dropped returns the number of best-effort events dropped so far.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close ends every subscription. Subscribing after Close yields a closed
// subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscription)
	h.isClosed = true
	h.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
}

func (s *Subscription) enqueue(evt Event, limit int) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if evt.Delivery == BestEffort && len(s.queue) >= limit {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, evt)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscription) stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	close(s.done)
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		evt := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- evt:
		case <-s.done:
			return
		}
	}
}

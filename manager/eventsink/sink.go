package eventsink

import (
	"context"
	"sync"

	events "github.com/docker/go-events"
	metrics "github.com/docker/go-metrics"
	"github.com/moby/mcastkit/api"
	"github.com/moby/mcastkit/log"
	"github.com/moby/mcastkit/watch"
)

var listenerGauge metrics.Gauge

func init() {
	ns := metrics.NewNamespace("mcastkit", "eventsink", nil)
	listenerGauge = ns.NewGauge("listeners", "The number of registered membership listeners", metrics.Total)
	metrics.Register(ns)
}

// Registration is the handle returned by AddListener.
type Registration struct {
	listener api.Listener
}

// Sink delivers membership events. Listeners are called synchronously in
// registration order on the publishing goroutine; channel watchers receive
// the same events asynchronously.
type Sink struct {
	ctx context.Context

	mu        sync.RWMutex
	listeners []*Registration

	queue *watch.Queue
}

// New returns a sink that logs through the logger of ctx.
func New(ctx context.Context) *Sink {
	return &Sink{
		ctx:   log.WithModule(ctx, "eventsink"),
		queue: watch.NewQueue(watch.WithCloseOutChan()),
	}
}

// AddListener registers l. The same listener may be registered more than
// once; it is then called once per registration.
func (s *Sink) AddListener(l api.Listener) *Registration {
	reg := &Registration{listener: l}
	s.mu.Lock()
	s.listeners = append(s.listeners, reg)
	s.mu.Unlock()
	listenerGauge.Inc()
	return reg
}

// RemoveListener unregisters reg. It returns false if reg was not
// registered.
func (s *Sink) RemoveListener(reg *Registration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.listeners {
		if r == reg {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			listenerGauge.Dec()
			return true
		}
	}
	return false
}

// Publish delivers events in order. The listener list is snapshotted first,
// so listeners may add or remove listeners, or write to the index, from
// their callback.
func (s *Sink) Publish(evs ...api.Event) {
	s.mu.RLock()
	listeners := make([]*Registration, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()

	for _, ev := range evs {
		for _, reg := range listeners {
			s.deliver(reg.listener, ev)
		}
		s.queue.Publish(ev)
	}
}

func (s *Sink) deliver(l api.Listener, ev api.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.G(s.ctx).WithField("event", ev).Errorf("membership listener panicked: %v", r)
		}
	}()
	l.MembershipChanged(ev)
}

// Watch returns a channel receiving every event published from now on.
func (s *Sink) Watch() (chan events.Event, func()) {
	return s.queue.Watch()
}

// CallbackWatch returns a channel receiving the events accepted by matcher.
func (s *Sink) CallbackWatch(matcher events.Matcher) (chan events.Event, func()) {
	return s.queue.CallbackWatch(matcher)
}

// WatchContext is Watch, cancelled with ctx.
func (s *Sink) WatchContext(ctx context.Context) chan events.Event {
	return s.queue.WatchContext(ctx)
}

// Close drops every listener and closes all watcher channels.
func (s *Sink) Close() error {
	s.mu.Lock()
	n := len(s.listeners)
	s.listeners = nil
	s.mu.Unlock()
	listenerGauge.Add(float64(-n))
	return s.queue.Close()
}

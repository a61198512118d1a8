package watch

import (
	"context"
	"fmt"
	"sync"
	"time"

	events "github.com/docker/go-events"
)

// ChannelSinkGenerator is a constructor of sinks that eventually lead to a
// channel.
type ChannelSinkGenerator interface {
	NewChannelSink() (events.Sink, *events.Channel)
}

// Queue is the structure used to publish events and watch for them.
type Queue struct {
	sinkGen ChannelSinkGenerator
	mu      sync.Mutex
	// broadcast fans every published event out to one events.Queue per
	// watcher, so a slow watcher never blocks Publish.
	broadcast   *events.Broadcaster
	cancelFuncs map[events.Sink]func()
	closed      bool

	// closeOutChan indicates whether the watchers' channels should be closed
	// when the watch is cancelled or the queue is closed.
	closeOutChan bool
}

// NewQueue creates a new publish/subscribe queue which supports watchers.
func NewQueue(options ...func(*Queue) error) *Queue {
	q := &Queue{
		sinkGen:     &dropErrClosedChanGen{},
		broadcast:   events.NewBroadcaster(),
		cancelFuncs: make(map[events.Sink]func()),
	}

	for _, option := range options {
		if err := option(q); err != nil {
			panic(fmt.Sprintf("Failed to apply options to queue: %s", err))
		}
	}

	return q
}

// WithTimeout returns a functional option for a queue that sets a write
// timeout on every watcher's channel.
func WithTimeout(timeout time.Duration) func(*Queue) error {
	return func(q *Queue) error {
		q.sinkGen = NewTimeoutDropErrSinkGen(timeout)
		return nil
	}
}

// WithCloseOutChan returns a functional option for a queue whose watcher
// channels are closed when the watcher is cancelled or the queue is closed.
func WithCloseOutChan() func(*Queue) error {
	return func(q *Queue) error {
		q.closeOutChan = true
		return nil
	}
}

// Watch returns a channel which will receive all items published to the
// queue from this point, until cancel is called.
func (q *Queue) Watch() (eventq chan events.Event, cancel func()) {
	return q.CallbackWatch(nil)
}

// WatchContext returns a channel where all items published to the queue
// will be received. The channel will be closed when the provided context
// is cancelled.
func (q *Queue) WatchContext(ctx context.Context) (eventq chan events.Event) {
	return q.CallbackWatchContext(ctx, nil)
}

// CallbackWatch returns a channel which will receive all events published
// to the queue from this point that pass the check in the provided matcher.
// A nil matcher receives everything.
func (q *Queue) CallbackWatch(matcher events.Matcher) (eventq chan events.Event, cancel func()) {
	chanSink, ch := q.sinkGen.NewChannelSink()
	queue := events.NewQueue(chanSink)
	sink := events.Sink(queue)

	if matcher != nil {
		sink = events.NewFilter(sink, matcher)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		ch.Close()
		queue.Close()
		if q.closeOutChan {
			close(ch.C)
		}
		return ch.C, func() {}
	}
	q.broadcast.Add(sink)

	var once sync.Once
	cancelFunc := func() {
		once.Do(func() {
			q.broadcast.Remove(sink)
			ch.Close()
			sink.Close()
			if q.closeOutChan {
				close(ch.C)
			}
		})
	}
	q.cancelFuncs[sink] = cancelFunc
	q.mu.Unlock()

	return ch.C, func() {
		q.mu.Lock()
		cancelFunc, ok := q.cancelFuncs[sink]
		delete(q.cancelFuncs, sink)
		q.mu.Unlock()

		if ok {
			cancelFunc()
		}
	}
}

// CallbackWatchContext returns a channel where all items published to the
// queue that pass matcher will be received. The channel will be closed when
// the provided context is cancelled.
func (q *Queue) CallbackWatchContext(ctx context.Context, matcher events.Matcher) (eventq chan events.Event) {
	c, cancel := q.CallbackWatch(matcher)
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return c
}

// Publish adds an item to the queue. Publishing to a closed queue is a
// no-op.
func (q *Queue) Publish(item events.Event) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return
	}
	q.broadcast.Write(item)
}

// Close closes the queue and cancels every watcher.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	cancelFuncs := q.cancelFuncs
	q.cancelFuncs = make(map[events.Sink]func())
	q.mu.Unlock()

	for _, cancelFunc := range cancelFuncs {
		cancelFunc()
	}

	return q.broadcast.Close()
}

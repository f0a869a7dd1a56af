package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"authsession-service/internal/util"
)

const (
	defaultBufferSize     = 1024
	defaultPublishTimeout = 5 * time.Second
)

// Sink delivers one event to a downstream collaborator.
type Sink interface {
	Name() string
	Publish(ctx context.Context, e Event) error
}

// Publisher is what the auth flow depends on. Emit never blocks.
type Publisher interface {
	Emit(e Event)
}

// Observer is told about dropped and delivered events.
type Observer interface {
	EventDropped(t Type, reason string)
	EventPublished(t Type, sink string, err error)
}

type nopObserver struct{}

func (nopObserver) EventDropped(Type, string)          {}
func (nopObserver) EventPublished(Type, string, error) {}

// Dispatcher buffers events in a bounded queue and fans each one out to every
// sink from a background goroutine. A full queue drops the event rather than
// delaying the caller.
type Dispatcher struct {
	sinks    []Sink
	queue    chan Event
	timeout  time.Duration
	observer Observer

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	started sync.Once
}

type Option func(*Dispatcher)

func WithBufferSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan Event, n)
		}
	}
}

func WithPublishTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

func WithObserver(c Observer) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.observer = c
		}
	}
}

func NewDispatcher(sinks []Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sinks:    sinks,
		queue:    make(chan Event, defaultBufferSize),
		timeout:  defaultPublishTimeout,
		observer: nopObserver{},
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the delivery loop. It returns immediately.
func (d *Dispatcher) Start() {
	d.started.Do(func() {
		go d.run()
	})
}

func (d *Dispatcher) Emit(e Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.observer.EventDropped(e.Type, "closed")
		return
	}
	select {
	case d.queue <- e:
	default:
		d.observer.EventDropped(e.Type, "queue_full")
		util.Warn("Security event dropped, queue full",
			zap.String("type", string(e.Type)),
			zap.String("identity_id", e.IdentityID))
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.queue {
		d.deliver(e)
	}
}

func (d *Dispatcher) deliver(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	var g errgroup.Group
	for _, sink := range d.sinks {
		sink := sink
		g.Go(func() error {
			err := sink.Publish(ctx, e)
			d.observer.EventPublished(e.Type, sink.Name(), err)
			if err != nil {
				util.Error("Failed to publish security event",
					zap.String("sink", sink.Name()),
					zap.String("type", string(e.Type)),
					zap.String("event_id", e.ID),
					zap.Error(err))
			}
			return err
		})
	}
	_ = g.Wait()
}

// Close stops accepting events and waits for queued ones to drain, or for
// ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.Start()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

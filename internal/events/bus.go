package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// writeTimeout bounds a single sink write.
const writeTimeout = 5 * time.Second

// Bus fans events out to sinks asynchronously. Publish never blocks: when the
// queue is full the event is dropped and counted.
type Bus struct {
	queue chan Event
	sinks []Sink

	dropped   atomic.Int64
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
}

var _ Publisher = (*Bus)(nil)

// NewBus starts a bus with a queue of size events delivering to sinks in
// order.
func NewBus(size int, sinks ...Sink) *Bus {
	if size <= 0 {
		size = 256
	}
	b := &Bus{
		queue: make(chan Event, size),
		sinks: sinks,
		done:  make(chan struct{}),
	}
	go b.loop()
	return b
}

// Publish queues ev for delivery.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- ev:
	default:
		n := b.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			slog.Warn("event queue full, dropping event", "kind", string(ev.Kind), "dropped", n)
		}
	}
}

// Dropped reports how many events were discarded on a full queue.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

func (b *Bus) loop() {
	defer close(b.done)
	for ev := range b.queue {
		for _, s := range b.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			if err := s.Write(ctx, ev); err != nil {
				slog.Warn("event sink write failed", "sink", s.Name(), "kind", string(ev.Kind), "err", err)
			}
			cancel()
		}
	}
}

// Close stops accepting events, delivers what is queued, waits up to ctx for
// delivery to finish and then closes every sink.
func (b *Bus) Close(ctx context.Context) error {
	var errs []error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.queue)
		b.mu.Unlock()

		select {
		case <-b.done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
		for _, s := range b.sinks {
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

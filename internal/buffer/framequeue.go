package buffer

import (
	"sync/atomic"

	"github.com/MrWong99/novarelay/pkg/audio"
)

// FrameQueue is a bounded FIFO of audio frames that drops the newest frame
// when full.
type FrameQueue struct {
	ch      chan []byte
	dropped atomic.Int64
}

// NewFrameQueue returns a queue holding at most capacity frames.
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &FrameQueue{ch: make(chan []byte, capacity)}
}

// Push enqueues frame. When the queue is full the frame is discarded, the
// drop counter increments, and Push returns false. It never blocks.
func (q *FrameQueue) Push(frame []byte) bool {
	select {
	case q.ch <- frame:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Pop dequeues the oldest frame without waiting.
func (q *FrameQueue) Pop() ([]byte, bool) {
	select {
	case f := <-q.ch:
		return f, true
	default:
		return nil, false
	}
}

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int { return len(q.ch) }

// Cap returns the queue capacity in frames.
func (q *FrameQueue) Cap() int { return cap(q.ch) }

// Dropped returns how many frames Push has discarded.
func (q *FrameQueue) Dropped() int64 { return q.dropped.Load() }

// Drain discards every queued frame and returns how many were discarded.
func (q *FrameQueue) Drain() int {
	return audio.DrainPending(q.ch)
}

// Package buffer holds the two bounded queues sitting between a telephony
// call and its gateway socket.
//
// [ByteBuffer] carries caller audio towards the gateway. Its producer blocks
// for a bounded time when the buffer is full, which lets the call's frame
// cadence absorb short socket stalls.
//
// [FrameQueue] carries gateway audio towards the caller. When it is full the
// newest frame is dropped so playback latency never grows.
//
// Each queue has exactly one producer and one consumer.
package buffer

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrFull is returned by [ByteBuffer.Write] when space did not free up within
// the timeout. Nothing was written.
var ErrFull = errors.New("buffer: full")

// ErrClosed is returned by [ByteBuffer.Write] after [ByteBuffer.Close].
var ErrClosed = errors.New("buffer: closed")

// ByteBuffer is a bounded ring of bytes. Writes and reads are all-or-nothing
// per call so frames are never split. The mutex is held only while copying.
type ByteBuffer struct {
	mu   sync.Mutex
	data []byte
	head int // read position
	size int // occupied bytes

	readable chan struct{}
	writable chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// NewByteBuffer returns a buffer holding at most capacity bytes.
func NewByteBuffer(capacity int) *ByteBuffer {
	if capacity <= 0 {
		panic(fmt.Sprintf("buffer: invalid capacity %d", capacity))
	}
	return &ByteBuffer{
		data:     make([]byte, capacity),
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
}

// Write appends all of p. If there is not enough room it waits up to timeout
// for the reader to free space, then gives up with [ErrFull].
func (b *ByteBuffer) Write(p []byte, timeout time.Duration) error {
	if len(p) > len(b.data) {
		return fmt.Errorf("buffer: write of %d bytes exceeds capacity %d", len(p), len(b.data))
	}

	var timer *time.Timer
	for {
		if b.isClosed() {
			return ErrClosed
		}
		if b.tryWrite(p) {
			signal(b.readable)
			return nil
		}

		if timer == nil {
			if timeout <= 0 {
				return ErrFull
			}
			timer = time.NewTimer(timeout)
			defer timer.Stop()
		}
		select {
		case <-b.writable:
		case <-b.closed:
			return ErrClosed
		case <-timer.C:
			if b.tryWrite(p) {
				signal(b.readable)
				return nil
			}
			return ErrFull
		}
	}
}

func (b *ByteBuffer) tryWrite(p []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.data)-b.size < len(p) {
		return false
	}
	tail := (b.head + b.size) % len(b.data)
	n := copy(b.data[tail:], p)
	copy(b.data, p[n:])
	b.size += len(p)
	return true
}

// Read copies up to len(p) buffered bytes into p without waiting and
// returns how many were copied, possibly zero.
func (b *ByteBuffer) Read(p []byte) int {
	b.mu.Lock()
	n := min(len(p), b.size)
	b.take(p[:n])
	b.mu.Unlock()
	if n > 0 {
		signal(b.writable)
	}
	return n
}

// ReadFull fills p completely, waiting up to wait for enough bytes to
// arrive. It reports false, having consumed nothing, if p could not be
// filled in time or the buffer was closed.
func (b *ByteBuffer) ReadFull(p []byte, wait time.Duration) bool {
	var timer *time.Timer
	for {
		if b.tryReadFull(p) {
			signal(b.writable)
			return true
		}
		if timer == nil {
			if wait <= 0 {
				return false
			}
			timer = time.NewTimer(wait)
			defer timer.Stop()
		}
		select {
		case <-b.readable:
		case <-b.closed:
			return false
		case <-timer.C:
			return false
		}
	}
}

func (b *ByteBuffer) tryReadFull(p []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size < len(p) {
		return false
	}
	b.take(p)
	return true
}

// take moves len(p) bytes out of the ring. Must be called with b.mu held
// and len(p) <= b.size.
func (b *ByteBuffer) take(p []byte) {
	n := copy(p, b.data[b.head:min(b.head+len(p), len(b.data))])
	copy(p[n:], b.data)
	b.head = (b.head + len(p)) % len(b.data)
	b.size -= len(p)
}

// Len returns the number of buffered bytes.
func (b *ByteBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the capacity in bytes.
func (b *ByteBuffer) Cap() int { return len(b.data) }

// Drain discards everything buffered and returns the number of bytes dropped.
func (b *ByteBuffer) Drain() int {
	b.mu.Lock()
	n := b.size
	b.head, b.size = 0, 0
	b.mu.Unlock()
	signal(b.writable)
	return n
}

// Close wakes any waiting producer or consumer and makes further writes fail.
// Buffered bytes stay readable until drained.
func (b *ByteBuffer) Close() {
	b.closeOnce.Do(func() { close(b.closed) })
}

func (b *ByteBuffer) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

// signal wakes at most one waiter without blocking.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

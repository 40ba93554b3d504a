// Package mock provides an in-memory implementation of [telephony.Call] for
// use in unit tests.
//
// The mock is safe for concurrent use. Tests feed caller audio with
// [Call.Push], end the call from the host side with [Call.End], and inspect
// played frames and hangup requests afterwards.
//
// Typical usage:
//
//	call := mock.New("call-1", "5551234567", audio.CodecPCMU)
//	call.Push(audio.AudioFrame{Codec: audio.CodecPCMU, Data: frame})
//	go session.Run(ctx, call)
//	<-call.HungUp()
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/novarelay/pkg/audio"
	"github.com/MrWong99/novarelay/pkg/telephony"
)

var _ telephony.Call = (*Call)(nil)

// defaultReadWait is how long ReadFrame waits before returning ErrNoData.
const defaultReadWait = 20 * time.Millisecond

// Call is a mock implementation of [telephony.Call].
type Call struct {
	id     string
	caller string
	codec  audio.Codec

	// ReadWait bounds each ReadFrame call. Zero means 20 ms.
	ReadWait time.Duration

	frames chan audio.AudioFrame

	mu              sync.Mutex
	written         []audio.AudioFrame
	writeErr        error
	callCountHangup int

	endOnce    sync.Once
	ended      chan struct{}
	hangupOnce sync.Once
	hungUp     chan struct{}
}

// New creates a mock call. Up to 1024 caller frames can be queued with
// [Call.Push] before it blocks.
func New(id, caller string, codec audio.Codec) *Call {
	return &Call{
		id:     id,
		caller: caller,
		codec:  codec,
		frames: make(chan audio.AudioFrame, 1024),
		ended:  make(chan struct{}),
		hungUp: make(chan struct{}),
	}
}

// ID implements [telephony.Call].
func (c *Call) ID() string { return c.id }

// CallerID implements [telephony.Call].
func (c *Call) CallerID() string { return c.caller }

// Codec implements [telephony.Call].
func (c *Call) Codec() audio.Codec { return c.codec }

// Push queues a caller frame for ReadFrame.
func (c *Call) Push(frame audio.AudioFrame) {
	c.frames <- frame
}

// End simulates the far end hanging up. Frames already queued are still
// delivered before ReadFrame reports [telephony.ErrCallEnded].
func (c *Call) End() {
	c.endOnce.Do(func() { close(c.ended) })
}

// ReadFrame implements [telephony.Call].
func (c *Call) ReadFrame(ctx context.Context) (audio.AudioFrame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	default:
	}
	if !c.Active() {
		return audio.AudioFrame{}, telephony.ErrCallEnded
	}

	wait := c.ReadWait
	if wait <= 0 {
		wait = defaultReadWait
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case f := <-c.frames:
		return f, nil
	case <-c.ended:
		return audio.AudioFrame{}, telephony.ErrCallEnded
	case <-c.hungUp:
		return audio.AudioFrame{}, telephony.ErrCallEnded
	case <-ctx.Done():
		return audio.AudioFrame{}, ctx.Err()
	case <-timer.C:
		return audio.AudioFrame{}, telephony.ErrNoData
	}
}

// WriteFrame implements [telephony.Call]. Frames are recorded for inspection
// via [Call.Written].
func (c *Call) WriteFrame(frame audio.AudioFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, frame)
	return nil
}

// SetWriteError makes subsequent WriteFrame calls fail with err.
func (c *Call) SetWriteError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// Active implements [telephony.Call].
func (c *Call) Active() bool {
	select {
	case <-c.ended:
		return false
	case <-c.hungUp:
		return false
	default:
		return true
	}
}

// Hangup implements [telephony.Call]. It records the call and closes the
// channel returned by [Call.HungUp].
func (c *Call) Hangup() error {
	c.mu.Lock()
	c.callCountHangup++
	c.mu.Unlock()
	c.hangupOnce.Do(func() { close(c.hungUp) })
	return nil
}

// HungUp returns a channel that is closed on the first Hangup call.
func (c *Call) HungUp() <-chan struct{} { return c.hungUp }

// CallCountHangup reports how many times Hangup was called.
func (c *Call) CallCountHangup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callCountHangup
}

// Written returns a copy of every frame passed to WriteFrame, in order.
func (c *Call) Written() []audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audio.AudioFrame, len(c.written))
	copy(out, c.written)
	return out
}

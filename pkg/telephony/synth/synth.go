// Package synth implements a synthetic [telephony.Call] that produces a sine
// tone at real-time frame cadence and counts the frames played back to it.
// It stands in for a telephony host when smoke testing a gateway.
package synth

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/novarelay/pkg/audio"
	"github.com/MrWong99/novarelay/pkg/telephony"
)

var _ telephony.Call = (*Call)(nil)

// Config describes a synthetic call. Zero values are replaced with defaults.
type Config struct {
	// ID is the call identifier. Default: a random UUID.
	ID string

	// CallerID is the calling party. Default: empty (unknown).
	CallerID string

	// Codec is the call leg codec. Default: [audio.CodecL16].
	Codec audio.Codec

	// Duration is how long the caller keeps talking before hanging up.
	// Zero means until Hangup is called.
	Duration time.Duration

	// ToneHz is the frequency of the generated tone. Default: 440.
	ToneHz float64

	// Amplitude is the peak sample value of the tone. Default: 8000.
	Amplitude int16
}

// Stats counts the audio that crossed the synthetic call.
type Stats struct {
	FramesCaptured int64
	FramesPlayed   int64
}

// Call is a paced synthetic call. ReadFrame blocks until the next 20 ms tick.
type Call struct {
	cfg Config

	ticker  *time.Ticker
	started time.Time
	phase   float64

	captured atomic.Int64
	played   atomic.Int64

	hangupOnce sync.Once
	done       chan struct{}
}

// New creates a synthetic call.
func New(cfg Config) *Call {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.ToneHz <= 0 {
		cfg.ToneHz = 440
	}
	if cfg.Amplitude == 0 {
		cfg.Amplitude = 8000
	}
	return &Call{
		cfg:     cfg,
		ticker:  time.NewTicker(audio.FrameDuration),
		started: time.Now(),
		done:    make(chan struct{}),
	}
}

// ID implements [telephony.Call].
func (c *Call) ID() string { return c.cfg.ID }

// CallerID implements [telephony.Call].
func (c *Call) CallerID() string { return c.cfg.CallerID }

// Codec implements [telephony.Call].
func (c *Call) Codec() audio.Codec { return c.cfg.Codec }

// ReadFrame implements [telephony.Call]. The frame clock starts when the
// call is created.
func (c *Call) ReadFrame(ctx context.Context) (audio.AudioFrame, error) {
	select {
	case <-c.done:
		return audio.AudioFrame{}, telephony.ErrCallEnded
	case <-ctx.Done():
		return audio.AudioFrame{}, ctx.Err()
	case <-c.ticker.C:
	}

	elapsed := time.Since(c.started)
	if c.cfg.Duration > 0 && elapsed >= c.cfg.Duration {
		_ = c.Hangup()
		return audio.AudioFrame{}, telephony.ErrCallEnded
	}

	frame := c.nextTone()
	frame.Timestamp = elapsed
	c.captured.Add(1)
	return frame, nil
}

// nextTone renders the next 20 ms of the tone in the call codec. Only the
// telephony loop calls ReadFrame, so phase needs no locking.
func (c *Call) nextTone() audio.AudioFrame {
	samples := make([]int16, audio.SamplesPerFrame)
	step := 2 * math.Pi * c.cfg.ToneHz / audio.SampleRate
	for i := range samples {
		samples[i] = int16(float64(c.cfg.Amplitude) * math.Sin(c.phase))
		c.phase += step
	}
	c.phase = math.Mod(c.phase, 2*math.Pi)

	pcm := audio.AudioFrame{Codec: audio.CodecL16, Data: audio.SamplesToBytes(samples)}
	out, err := audio.Transcode(pcm, c.cfg.Codec)
	if err != nil {
		return pcm
	}
	return out
}

// WriteFrame implements [telephony.Call].
func (c *Call) WriteFrame(frame audio.AudioFrame) error {
	if !c.Active() {
		return telephony.ErrCallEnded
	}
	if frame.Codec != c.cfg.Codec {
		return fmt.Errorf("synth: playback frame codec %s, call uses %s", frame.Codec, c.cfg.Codec)
	}
	if err := frame.Validate(); err != nil {
		return fmt.Errorf("synth: %w", err)
	}
	c.played.Add(1)
	return nil
}

// Active implements [telephony.Call].
func (c *Call) Active() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Hangup implements [telephony.Call].
func (c *Call) Hangup() error {
	c.hangupOnce.Do(func() {
		close(c.done)
		c.ticker.Stop()
	})
	return nil
}

// Stats returns the frame counters.
func (c *Call) Stats() Stats {
	return Stats{FramesCaptured: c.captured.Load(), FramesPlayed: c.played.Load()}
}

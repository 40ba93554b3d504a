package resilience

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

type countingDialer struct {
	calls atomic.Int32
	err   error
}

func (d *countingDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	d.calls.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	c1, c2 := net.Pipe()
	_ = c2.Close()
	return c1, nil
}

func TestBreakerDialer_FailsFastWhenOpen(t *testing.T) {
	refused := errors.New("connection refused")
	d := &countingDialer{err: refused}
	bd := NewBreakerDialer(d, NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "gateway",
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	}))

	for i := 0; i < 2; i++ {
		if _, err := bd.DialContext(context.Background(), "tcp", "127.0.0.1:1"); !errors.Is(err, refused) {
			t.Fatalf("dial %d: err = %v, want refused", i, err)
		}
	}
	_, err := bd.DialContext(context.Background(), "tcp", "127.0.0.1:1")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if got := d.calls.Load(); got != 2 {
		t.Errorf("underlying dials = %d, want 2", got)
	}
	if bd.Breaker().State() != StateOpen {
		t.Errorf("breaker state = %v, want open", bd.Breaker().State())
	}
}

func TestBreakerDialer_Success(t *testing.T) {
	d := &countingDialer{}
	bd := NewBreakerDialer(d, NewCircuitBreaker(CircuitBreakerConfig{Name: "gateway"}))
	conn, err := bd.DialContext(context.Background(), "tcp", "gw:8085")
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	_ = conn.Close()
	if d.calls.Load() != 1 {
		t.Errorf("underlying dials = %d, want 1", d.calls.Load())
	}
}

func TestBreakerDialer_RealRefusedPort(t *testing.T) {
	// Grab a free port and close it so nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	bd := NewBreakerDialer(nil, NewCircuitBreaker(CircuitBreakerConfig{Name: "gateway", MaxFailures: 1, ResetTimeout: time.Hour}))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := bd.DialContext(ctx, "tcp", addr); err == nil {
		t.Fatal("expected dial to a closed port to fail")
	}
	if _, err := bd.DialContext(ctx, "tcp", addr); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second dial err = %v, want ErrCircuitOpen", err)
	}
}

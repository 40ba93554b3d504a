package resilience

import (
	"context"
	"fmt"
	"net"
)

// ContextDialer is satisfied by [net.Dialer] and by test doubles.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// BreakerDialer guards a [ContextDialer] with a [CircuitBreaker]. Each call
// makes at most one dial attempt.
type BreakerDialer struct {
	dialer  ContextDialer
	breaker *CircuitBreaker
}

// NewBreakerDialer wraps d. A nil d uses a zero [net.Dialer].
func NewBreakerDialer(d ContextDialer, cb *CircuitBreaker) *BreakerDialer {
	if d == nil {
		d = &net.Dialer{}
	}
	return &BreakerDialer{dialer: d, breaker: cb}
}

// DialContext dials address unless the breaker is open, in which case it
// returns an error wrapping [ErrCircuitOpen] without touching the network.
func (b *BreakerDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	var conn net.Conn
	err := b.breaker.Execute(func() error {
		var err error
		conn, err = b.dialer.DialContext(ctx, network, address)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("resilience: dial %s: %w", address, err)
	}
	return conn, nil
}

// Breaker returns the guarding breaker.
func (b *BreakerDialer) Breaker() *CircuitBreaker { return b.breaker }

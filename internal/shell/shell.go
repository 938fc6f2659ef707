// Package shell abstracts the desktop-shell process supervisor. The
// supervisor owns the inference service's lifecycle; this core only needs
// its readiness signal before the first stream connection attempt.
package shell

import (
	"context"
	"net"
	"time"
)

// Bridge is the platform capability surface. Platforms without a supervisor
// get the no-op implementation, selected once at startup instead of
// presence-checked at each call site.
type Bridge interface {
	// WaitBackendReady blocks until the inference service reports ready or
	// ctx is done.
	WaitBackendReady(ctx context.Context) error
}

// Noop is the null Bridge for environments where the inference service is
// managed externally and assumed reachable.
type Noop struct{}

// WaitBackendReady returns immediately.
func (Noop) WaitBackendReady(ctx context.Context) error { return ctx.Err() }

// TCPProbe is a Bridge that treats "the service port accepts connections"
// as the readiness signal. Used when the binary runs beside a supervisor
// that exposes no richer channel.
type TCPProbe struct {
	Addr     string
	Interval time.Duration
}

// WaitBackendReady polls the address until a TCP connect succeeds.
func (p TCPProbe) WaitBackendReady(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", p.Addr)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

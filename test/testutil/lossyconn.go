package testutil

import (
	"math/rand"
	"net"
	"sync"
	"time"
)

// LossyPacketConn wraps a net.PacketConn, dropping and delaying outbound
// writes to simulate a degraded link. Safe for concurrent use.
type LossyPacketConn struct {
	net.PacketConn

	mu        sync.Mutex
	dropProb  float64
	baseDelay time.Duration
	jitter    time.Duration
	rng       *rand.Rand
}

// NewLossyPacketConn wraps conn with configurable loss (0.0-1.0) and
// latency: each write is delayed by base ± uniform jitter before being
// written, and dropped entirely with probability dropProb.
func NewLossyPacketConn(conn net.PacketConn, dropProb float64, base, jitter time.Duration) *LossyPacketConn {
	return &LossyPacketConn{
		PacketConn: conn,
		dropProb:   dropProb,
		baseDelay:  base,
		jitter:     jitter,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetDropProbability updates the drop probability.
func (l *LossyPacketConn) SetDropProbability(p float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropProb = p
}

// WriteTo delays (or drops) the datagram per the configured impairment
// before delegating to the wrapped connection.
func (l *LossyPacketConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	l.mu.Lock()
	drop := l.dropProb > 0 && l.rng.Float64() < l.dropProb
	delay := l.delay()
	l.mu.Unlock()

	if drop {
		return len(b), nil
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	return l.PacketConn.WriteTo(b, addr)
}

// delay must be called with mu held.
func (l *LossyPacketConn) delay() time.Duration {
	d := l.baseDelay
	if l.jitter > 0 {
		jitterRange := int64(l.jitter) * 2
		d += time.Duration(-int64(l.jitter) + l.rng.Int63n(jitterRange+1))
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Package liveness implements the per-connection ping scheduler: a
// repeating ping tick, a pending-ping counter that force-closes the
// connection if acknowledgements stop arriving, and a fixed-depth RTT
// sample window producing a running mean.
package liveness

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hazelproto/hazelcore/internal/retransmit"
)

// DefaultInterval is the ping cadence.
const DefaultInterval = 1500 * time.Millisecond

// DefaultMaxPending is the number of simultaneously outstanding,
// unacknowledged pings tolerated before the connection is forced closed.
const DefaultMaxPending = 10

// rttSamples is the depth of the RTT ring; samples start at zero until
// real measurements displace them.
const rttSamples = 5

// Config wires a Monitor to its connection. SendPing and NextNonce are
// called synchronously from the monitor's own goroutine; Table is the
// connection's shared retransmit table (pings are reliable sends like
// any other and share its nonce space and retry behaviour).
type Config struct {
	Clock        clockwork.Clock
	Table        *retransmit.Table
	Interval     time.Duration
	MaxPending   int
	NextNonce    func() uint16
	SendPing     func(nonce uint16) error
	OnForceClose func()
}

func (c *Config) setDefaults() {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxPending <= 0 {
		c.MaxPending = DefaultMaxPending
	}
}

// Monitor tracks liveness for a single connection.
type Monitor struct {
	cfg Config

	mu      sync.Mutex
	pending int
	rtt     [rttSamples]time.Duration
	rttIdx  int
	closed  bool

	stop chan struct{}
}

// New constructs a Monitor. It does not start the ping loop; call Start.
func New(cfg Config) *Monitor {
	cfg.setDefaults()
	return &Monitor{cfg: cfg, stop: make(chan struct{})}
}

// Start launches the repeating ping loop until ctx is cancelled or Stop
// is called.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

func (m *Monitor) run(ctx context.Context) {
	ticker := m.cfg.Clock.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.Chan():
			m.tick()
		}
	}
}

func (m *Monitor) tick() {
	nonce := m.cfg.NextNonce()
	sentAt := m.cfg.Clock.Now()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.pending++
	pending := m.pending
	m.mu.Unlock()

	done := m.cfg.Table.Register(nonce, nil, func([]byte) error {
		return m.cfg.SendPing(nonce)
	})

	if pending >= m.cfg.MaxPending {
		m.forceClose()
		return
	}

	go m.await(nonce, sentAt, done)
}

func (m *Monitor) await(nonce uint16, sentAt time.Time, done <-chan retransmit.Result) {
	res := <-done
	if res.Err != nil {
		m.forceClose()
		return
	}

	rtt := m.cfg.Clock.Now().Sub(sentAt)
	m.mu.Lock()
	m.pending--
	m.rtt[m.rttIdx%rttSamples] = rtt
	m.rttIdx++
	m.mu.Unlock()
}

func (m *Monitor) forceClose() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	close(m.stop)
	if m.cfg.OnForceClose != nil {
		m.cfg.OnForceClose()
	}
}

// Ping returns the arithmetic mean of the RTT sample ring.
func (m *Monitor) Ping() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum time.Duration
	for _, s := range m.rtt {
		sum += s
	}
	return sum / rttSamples
}

// Pending returns the number of currently outstanding, unacknowledged
// pings.
func (m *Monitor) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// Stop halts the ping loop. It does not touch the shared retransmit
// table; the owning connection is responsible for tearing that down.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	close(m.stop)
}

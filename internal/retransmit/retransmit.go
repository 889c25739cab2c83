// Package retransmit implements the per-connection outbound reliable-send
// table: nonce to pending completion, a periodic resend timer, and an
// attempt cap after which the send is failed and the connection that owns
// the table is expected to close.
package retransmit

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultInterval is the retry interval for reliable sends.
const DefaultInterval = 300 * time.Millisecond

// DefaultMaxAttempts is the number of retransmit-timer ticks tolerated
// before a reliable send is failed (10 attempts at the default interval,
// roughly 3s to fail).
const DefaultMaxAttempts = 10

// ErrNotAcknowledged is delivered on a Result when a reliable send
// exhausts its retry budget without an ack.
var ErrNotAcknowledged = errors.New("retransmit: not acknowledged after max attempts")

// ErrClosed is delivered on all outstanding Results when the table is
// torn down with entries still pending.
var ErrClosed = errors.New("retransmit: table closed")

// Result is delivered exactly once on the channel returned by Register.
type Result struct {
	BytesSent int
	Err       error
}

// Table tracks outbound reliable sends awaiting acknowledgement. It is
// safe for concurrent use; registration, acking, and teardown may be
// called from different goroutines, though a connection's own consumer
// loop normally serializes calls to it.
type Table struct {
	clock       clockwork.Clock
	interval    time.Duration
	maxAttempts int

	mu      sync.Mutex
	entries map[uint16]*entry
}

type entry struct {
	payloadLen int
	cancel     chan struct{}
	done       chan Result
}

// New constructs a Table. A zero interval or maxAttempts falls back to
// the defaults above.
func New(clock clockwork.Clock, interval time.Duration, maxAttempts int) *Table {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Table{
		clock:       clock,
		interval:    interval,
		maxAttempts: maxAttempts,
		entries:     make(map[uint16]*entry),
	}
}

// Register performs the reliable send's first attempt immediately, then
// starts its retry timer. send is invoked once synchronously before
// Register returns (the first attempt) and again on every retry tick
// thereafter, always with the original payload bytes. The returned
// channel receives exactly one Result: success on Ack,
// ErrNotAcknowledged after the attempt budget is exhausted (maxAttempts
// total sends, spaced interval apart; 10 sends over ~3s at the
// defaults), or ErrClosed if the table is closed first.
func (t *Table) Register(nonce uint16, payload []byte, send func([]byte) error) <-chan Result {
	done := make(chan Result, 1)
	cancel := make(chan struct{})

	t.mu.Lock()
	t.entries[nonce] = &entry{payloadLen: len(payload), cancel: cancel, done: done}
	t.mu.Unlock()

	send(payload)

	go t.run(payload, send, cancel, done, func() {
		t.mu.Lock()
		delete(t.entries, nonce)
		t.mu.Unlock()
	})

	return done
}

func (t *Table) run(payload []byte, send func([]byte) error, cancel chan struct{}, done chan Result, remove func()) {
	timer := t.clock.NewTimer(t.interval)
	defer timer.Stop()

	attempts := 1
	for {
		select {
		case <-cancel:
			return
		case <-timer.Chan():
			attempts++
			if attempts > t.maxAttempts {
				remove()
				done <- Result{Err: ErrNotAcknowledged}
				return
			}
			send(payload)
			timer.Reset(t.interval)
		}
	}
}

// Ack completes the entry registered under nonce, if any, cancelling its
// timer and releasing its waiter with a successful Result. It reports
// whether an entry was found; duplicate or unknown-nonce acks are
// no-ops.
func (t *Table) Ack(nonce uint16) bool {
	t.mu.Lock()
	e, ok := t.entries[nonce]
	if ok {
		delete(t.entries, nonce)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	close(e.cancel)
	e.done <- Result{BytesSent: e.payloadLen}
	return true
}

// Len reports the number of entries currently awaiting acknowledgement.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// CloseAll cancels every outstanding entry's timer and fails its waiter
// with ErrClosed. Used on connection close to unblock any callers
// waiting on a Register result.
func (t *Table) CloseAll() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[uint16]*entry)
	t.mu.Unlock()

	for _, e := range entries {
		close(e.cancel)
		e.done <- Result{Err: ErrClosed}
	}
}

// Package ackwindow tracks the inbound reliable nonces a connection has
// recently observed and derives the selective-ack mask sent back to the
// peer. It is deliberately separate from the outbound retransmit table:
// the two track different nonce spaces (inbound-seen vs outbound-awaiting)
// and must not share storage.
package ackwindow

// depth is the number of trailing nonces the mask covers (one bit each).
const depth = 8

// modulus is the nonce wraparound point inherited from the wire protocol;
// 65535 itself is skipped, matching hazelconn's outbound nonce counter.
const modulus = 65535

// Window remembers the most recently observed inbound reliable nonces.
// It is not safe for concurrent use; callers serialize access the same
// way the rest of a connection's state is serialized (single consumer
// loop).
type Window struct {
	seen  [depth]uint16
	valid [depth]bool
	next  int
}

// Observe records nonce as seen, evicting the oldest recorded nonce if the
// window is full.
func (w *Window) Observe(nonce uint16) {
	w.seen[w.next] = nonce
	w.valid[w.next] = true
	w.next = (w.next + 1) % depth
}

// Contains reports whether nonce is currently remembered as seen.
func (w *Window) Contains(nonce uint16) bool {
	for i, ok := range w.valid {
		if ok && w.seen[i] == nonce {
			return true
		}
	}
	return false
}

// MaskFor computes the selective-ack byte for an ACK acknowledging nonce n:
// bit (i-1), for i in 1..8, is set iff nonce n-i (in the wraparound space)
// is NOT currently remembered as seen.
func MaskFor(w *Window, n uint16) byte {
	var mask byte
	for i := 1; i <= depth; i++ {
		prior := precedingNonce(n, i)
		if !w.Contains(prior) {
			mask |= 1 << uint(i-1)
		}
	}
	return mask
}

// precedingNonce returns the nonce i steps before n in the modulus-65535
// wraparound space.
func precedingNonce(n uint16, i int) uint16 {
	p := int32(n) - int32(i)
	for p < 0 {
		p += modulus
	}
	return uint16(p)
}

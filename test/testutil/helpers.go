// Package testutil provides test helpers and utilities for hazelcore tests.
package testutil

import (
	"crypto/rand"
	"net"
	"time"

	"github.com/hazelproto/hazelcore/internal/hazelconn"
)

// RandomBytes generates cryptographically random bytes.
func RandomBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

// RandomRecord generates a single record with a random payload of size
// bytes under the given tag.
func RandomRecord(tag byte, size int) hazelconn.Record {
	return hazelconn.Record{Tag: tag, Payload: RandomBytes(size)}
}

// RandomRecords generates count records, tagged 1..count, each carrying
// a random payload of size bytes.
func RandomRecords(count, size int) []hazelconn.Record {
	recs := make([]hazelconn.Record, count)
	for i := range recs {
		recs[i] = RandomRecord(byte(i+1), size)
	}
	return recs
}

// FreePort finds an available UDP port.
func FreePort() int {
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		return 0
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return 0
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

// WaitFor polls until condition is true or timeout.
func WaitFor(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

package metrics

import (
	"net"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hazelproto/hazelcore/internal/hazelconn"
)

func newTestConn(t *testing.T, addrStr string) *hazelconn.Connection {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", addrStr)
	if err != nil {
		t.Fatal(err)
	}
	return hazelconn.NewServer(hazelconn.Config{
		RemoteAddr: addr,
		Write:      func(b []byte) (int, error) { return len(b), nil },
		Clock:      clockwork.NewFakeClock(),
	})
}

func TestConnectionCollector_DescribeMatchesCollect(t *testing.T) {
	c := NewConnectionCollector("hazelcore", nil)
	conn := newTestConn(t, "127.0.0.1:9999")
	c.Add(conn)

	if problems, err := testutil.CollectAndLint(c); err != nil {
		t.Errorf("CollectAndLint: %v", err)
	} else if len(problems) > 0 {
		t.Errorf("CollectAndLint problems: %v", problems)
	}

	if n := testutil.CollectAndCount(c); n != len(c.infos) {
		t.Errorf("CollectAndCount = %d, want %d", n, len(c.infos))
	}
}

func TestConnectionCollector_RemoveStopsExport(t *testing.T) {
	c := NewConnectionCollector("hazelcore", nil)
	conn := newTestConn(t, "127.0.0.1:9999")
	c.Add(conn)
	c.Remove(conn)

	if n := testutil.CollectAndCount(c); n != 0 {
		t.Errorf("CollectAndCount after Remove = %d, want 0", n)
	}
}

func TestConnectionCollector_MultipleConnectionsLabeled(t *testing.T) {
	c := NewConnectionCollector("hazelcore", prometheus.Labels{"role": "server"})
	a := newTestConn(t, "127.0.0.1:9999")
	b := newTestConn(t, "127.0.0.1:9998")
	c.Add(a)
	c.Add(b)

	if n := testutil.CollectAndCount(c); n != 2*len(c.infos) {
		t.Errorf("CollectAndCount = %d, want %d", n, 2*len(c.infos))
	}
}

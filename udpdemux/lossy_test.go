package udpdemux

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hazelproto/hazelcore/internal/hazelconn"
	"github.com/hazelproto/hazelcore/test/testutil"
)

// TestDemultiplexer_ReliableSendExhaustsOverLossyLink drives the
// retransmit-exhaustion path over real sockets: the client's outbound link
// drops 100% of its datagrams, so its HELLO never reaches the server and
// the client must retry to exhaustion and force-close rather than hang.
func TestDemultiplexer_ReliableSendExhaustsOverLossyLink(t *testing.T) {
	serverRaw, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket(server): %v", err)
	}
	server, err := Listen(Config{Conn: serverRaw})
	if err != nil {
		t.Fatalf("Listen(server): %v", err)
	}
	defer server.Close()

	clientRaw, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket(client): %v", err)
	}
	lossy := testutil.NewLossyPacketConn(clientRaw, 1.0, 0, 0)

	clock := clockwork.NewFakeClock()
	client, err := Listen(Config{
		Conn:               lossy,
		Clock:              clock,
		RetransmitInterval: 10 * time.Millisecond,
		RetransmitAttempts: 3,
	})
	if err != nil {
		t.Fatalf("Listen(client): %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx)
	go client.Serve(ctx)

	serverAccepted := make(chan *hazelconn.Connection, 1)
	server.OnConnection(func(c *hazelconn.Connection) { serverAccepted <- c })

	connectErrCh := make(chan error, 1)
	go func() {
		_, err := client.Connect(context.Background(), server.LocalAddr().String())
		connectErrCh <- err
	}()

	for i := 0; i < 3; i++ {
		clock.BlockUntil(1)
		clock.Advance(10 * time.Millisecond)
	}

	select {
	case err := <-connectErrCh:
		if err == nil {
			t.Fatal("Connect succeeded over a fully lossy link, want exhaustion error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect never returned")
	}

	if ok := testutil.WaitFor(time.Second, func() bool { return client.Len() == 0 }); !ok {
		t.Error("client demultiplexer never evicted the exhausted connection")
	}

	select {
	case <-serverAccepted:
		t.Error("server should never have seen a HELLO over a fully lossy link")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestDemultiplexer_ReliableMultiRecordRoundTrip exercises an established
// connection carrying several application records in one reliable send,
// generated with random payloads rather than hand-typed bytes.
func TestDemultiplexer_ReliableMultiRecordRoundTrip(t *testing.T) {
	server, err := Listen(Config{ListenAddr: "127.0.0.1:" + strconv.Itoa(testutil.FreePort())})
	if err != nil {
		t.Fatalf("Listen(server): %v", err)
	}
	defer server.Close()

	client, err := Listen(Config{ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Listen(client): %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx)
	go client.Serve(ctx)

	accepted := make(chan *hazelconn.Connection, 1)
	server.OnConnection(func(c *hazelconn.Connection) { accepted <- c })

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer connectCancel()
	clientConn, err := client.Connect(connectCtx, server.LocalAddr().String())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var serverConn *hazelconn.Connection
	select {
	case serverConn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the connection")
	}

	want := testutil.RandomRecords(4, 32)
	received := make(chan hazelconn.Record, len(want))
	serverConn.OnMessage(func(r hazelconn.Record) { received <- r })

	if _, err := clientConn.SendReliable(connectCtx, want...); err != nil {
		t.Fatalf("SendReliable: %v", err)
	}

	for i, w := range want {
		select {
		case got := <-received:
			if got.Tag != w.Tag || string(got.Payload) != string(w.Payload) {
				t.Fatalf("record %d = %+v, want %+v", i, got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for record %d", i)
		}
	}
}

package udpdemux

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/hazelproto/hazelcore/internal/hazelconn"
)

func TestDemultiplexer_HandshakeAndReliableExchange(t *testing.T) {
	server, err := Listen(Config{ListenAddr: "127.0.0.1:0"})
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

	var acceptedCh = make(chan *hazelconn.Connection, 1)
	server.OnConnection(func(c *hazelconn.Connection) { acceptedCh <- c })

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer connectCancel()
	clientConn, err := client.Connect(connectCtx, server.LocalAddr().String())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var serverConn *hazelconn.Connection
	select {
	case serverConn = <-acceptedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the connection")
	}

	received := make(chan hazelconn.Record, 1)
	serverConn.OnMessage(func(r hazelconn.Record) { received <- r })

	n, err := clientConn.SendReliable(connectCtx, hazelconn.Record{Tag: 3, Payload: []byte("hi")})
	if err != nil {
		t.Fatalf("SendReliable: %v", err)
	}
	if n == 0 {
		t.Error("SendReliable reported 0 bytes")
	}

	select {
	case rec := <-received:
		if rec.Tag != 3 || !bytes.Equal(rec.Payload, []byte("hi")) {
			t.Fatalf("received record = %+v", rec)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the reliable message")
	}

	if server.Len() != 1 {
		t.Errorf("server.Len() = %d, want 1", server.Len())
	}
}

func TestDemultiplexer_DropsNonHelloFromUnknownPeer(t *testing.T) {
	server, err := Listen(Config{ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer server.Close()

	accepted := false
	server.OnConnection(func(*hazelconn.Connection) { accepted = true })

	server.dispatch(server.conn.LocalAddr(), []byte{0x00, 0x00, 0x00})

	if accepted {
		t.Error("a NORMAL packet from an unknown peer should not create a connection")
	}
	if server.Len() != 0 {
		t.Errorf("server.Len() = %d, want 0", server.Len())
	}
}

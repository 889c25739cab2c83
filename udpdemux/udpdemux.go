// Package udpdemux is the concrete socket owner for a Hazel-compatible
// endpoint: it binds (or wraps) a shared net.PacketConn, serializes
// writes across every connection hosted on it, and demultiplexes
// inbound datagrams by remote endpoint, constructing a new server-role
// hazelconn.Connection the first time an unrecognized peer's HELLO
// arrives.
package udpdemux

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hazelproto/hazelcore/internal/framer"
	"github.com/hazelproto/hazelcore/internal/hazelconn"
)

// DefaultReadBufferSize bounds a single inbound datagram read.
const DefaultReadBufferSize = 65536

// Config configures a Demultiplexer. Either Conn or ListenAddr must be
// set; if Conn is nil, Listen binds a UDP socket at ListenAddr.
type Config struct {
	Conn       net.PacketConn
	ListenAddr string

	Version            uint8
	HelloPayload       []byte // opaque handshake payload for outbound Connects
	Clock              clockwork.Clock
	ReadBufferSize     int
	RetransmitInterval time.Duration
	RetransmitAttempts int
	PingInterval       time.Duration
	MaxPendingPings    int
}

func (c *Config) setDefaults() {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
}

// Demultiplexer owns one shared socket and the endpoint→connection map
// of every hazelconn.Connection hosted on it.
type Demultiplexer struct {
	cfg    Config
	conn   net.PacketConn
	closed atomic.Bool

	writeMu sync.Mutex

	mu          sync.RWMutex
	connections map[string]*hazelconn.Connection

	cbMu         sync.RWMutex
	onConnection func(*hazelconn.Connection)
}

// Listen constructs a Demultiplexer, binding a socket if cfg.Conn is
// not already supplied.
func Listen(cfg Config) (*Demultiplexer, error) {
	cfg.setDefaults()

	conn := cfg.Conn
	if conn == nil {
		var err error
		conn, err = net.ListenPacket("udp", cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
	}

	return &Demultiplexer{
		cfg:         cfg,
		conn:        conn,
		connections: make(map[string]*hazelconn.Connection),
	}, nil
}

// OnConnection registers the callback fired once per new server-role
// connection, the instant it is constructed from an unrecognized
// peer's HELLO.
func (d *Demultiplexer) OnConnection(fn func(*hazelconn.Connection)) {
	d.cbMu.Lock()
	d.onConnection = fn
	d.cbMu.Unlock()
}

// LocalAddr returns the bound socket's local address.
func (d *Demultiplexer) LocalAddr() net.Addr {
	return d.conn.LocalAddr()
}

// Serve reads datagrams until ctx is cancelled or the socket closes.
// It must be run in its own goroutine. Inbound datagrams are queued on
// each connection's own command loop (16 commands deep), so message
// handlers run off Serve's goroutine; Serve does block while a
// connection's queue is full, and the OnConnection callback runs on
// Serve's goroutine.
func (d *Demultiplexer) Serve(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			d.conn.Close()
		case <-done:
		}
	}()

	for {
		buf := make([]byte, d.cfg.ReadBufferSize)
		n, addr, err := d.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		d.dispatch(addr, buf[:n])
	}
}

func (d *Demultiplexer) dispatch(addr net.Addr, datagram []byte) {
	key := addr.String()

	d.mu.RLock()
	conn, ok := d.connections[key]
	d.mu.RUnlock()

	if !ok {
		if len(datagram) == 0 || framer.PacketType(datagram[0]) != framer.Hello {
			return
		}
		conn = d.newServerConnection(addr)
		d.mu.Lock()
		d.connections[key] = conn
		d.mu.Unlock()

		d.cbMu.RLock()
		onConn := d.onConnection
		d.cbMu.RUnlock()
		if onConn != nil {
			onConn(conn)
		}
	}

	conn.Deliver(datagram)
}

func (d *Demultiplexer) newServerConnection(addr net.Addr) *hazelconn.Connection {
	key := addr.String()
	return hazelconn.NewServer(hazelconn.Config{
		Version:               d.cfg.Version,
		RemoteAddr:            addr,
		Write:                 d.writeTo(addr),
		Clock:                 d.cfg.Clock,
		RetransmitInterval:    d.cfg.RetransmitInterval,
		RetransmitMaxAttempts: d.cfg.RetransmitAttempts,
		PingInterval:          d.cfg.PingInterval,
		MaxPendingPings:       d.cfg.MaxPendingPings,
		OnEvicted:             func() { d.evict(key) },
	})
}

// Connect dials remoteAddr as a client-role connection hosted on this
// same shared socket, blocking until the handshake completes.
func (d *Demultiplexer) Connect(ctx context.Context, remoteAddr string) (*hazelconn.Connection, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	addr, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, err
	}
	key := addr.String()

	conn := hazelconn.NewClient(hazelconn.Config{
		Version:               d.cfg.Version,
		HelloPayload:          d.cfg.HelloPayload,
		RemoteAddr:            addr,
		Write:                 d.writeTo(addr),
		Clock:                 d.cfg.Clock,
		RetransmitInterval:    d.cfg.RetransmitInterval,
		RetransmitMaxAttempts: d.cfg.RetransmitAttempts,
		PingInterval:          d.cfg.PingInterval,
		MaxPendingPings:       d.cfg.MaxPendingPings,
		OnEvicted:             func() { d.evict(key) },
	})

	d.mu.Lock()
	d.connections[key] = conn
	d.mu.Unlock()

	if err := conn.Connect(ctx); err != nil {
		d.evict(key)
		return nil, err
	}
	return conn, nil
}

func (d *Demultiplexer) evict(key string) {
	d.mu.Lock()
	delete(d.connections, key)
	d.mu.Unlock()
}

// writeTo returns a hazelconn.Config.Write closure bound to addr,
// serializing every write through the shared socket so one connection's
// datagram can never interleave with another's.
func (d *Demultiplexer) writeTo(addr net.Addr) func([]byte) (int, error) {
	return func(b []byte) (int, error) {
		d.writeMu.Lock()
		defer d.writeMu.Unlock()
		return d.conn.WriteTo(b, addr)
	}
}

// Connection looks up the connection currently hosted for remoteAddr,
// if any.
func (d *Demultiplexer) Connection(remoteAddr string) (*hazelconn.Connection, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	conn, ok := d.connections[remoteAddr]
	return conn, ok
}

// Len reports the number of connections currently hosted.
func (d *Demultiplexer) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.connections)
}

// ErrClosed is returned by Connect once Close has been called.
var ErrClosed = errors.New("udpdemux: closed")

// Close closes the underlying socket and marks the demultiplexer closed,
// so subsequent Connect calls fail with ErrClosed. Hosted connections
// are not individually disconnected; callers that want a graceful
// teardown should disconnect each connection first.
func (d *Demultiplexer) Close() error {
	d.closed.Store(true)
	return d.conn.Close()
}

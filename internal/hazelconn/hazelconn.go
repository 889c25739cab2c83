// Package hazelconn implements the per-peer connection state machine: it
// owns a connection's retransmit table and liveness monitor, ingests raw
// datagrams classified by internal/framer, and exposes send operations
// and typed callback registration to the application.
//
// Mutation is single-consumer cooperative: inbound datagrams, timer-driven
// force-closes, and the side effects of user sends all run serialized
// through one command loop per connection, so no two handlers touching a
// connection's state ever execute concurrently.
package hazelconn

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hazelproto/hazelcore/internal/ackwindow"
	"github.com/hazelproto/hazelcore/internal/framer"
	"github.com/hazelproto/hazelcore/internal/liveness"
	"github.com/hazelproto/hazelcore/internal/retransmit"
)

// Role distinguishes which half of the handshake a Connection plays.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// State is a connection's position in the handshake/lifecycle machine.
type State int

const (
	// StateNew is the client-role pre-Connect state.
	StateNew State = iota
	// StateAwaitingHello is the server-role state from construction
	// until the peer's first HELLO is accepted.
	StateAwaitingHello
	// StateAwaitingHelloAck is the client-role state from Connect
	// until the server's ACK for the HELLO nonce arrives.
	StateAwaitingHelloAck
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateAwaitingHelloAck:
		return "awaiting_hello_ack"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Record is a single tagged application message, as carried inside
// NORMAL/RELIABLE packets.
type Record = framer.Record

// DisconnectReason is the optional reason code and message attached to a
// graceful disconnect.
type DisconnectReason = framer.DisconnectReason

// CloseInfo describes why and how a connection closed.
type CloseInfo struct {
	Forced  bool
	Reason  *byte
	Message string
}

var (
	// ErrClosed is returned by send operations issued after close.
	ErrClosed = errors.New("hazelconn: connection closed")
	// ErrNotAcknowledged is returned by reliable sends (and Connect)
	// that exhaust their retransmit budget without an ack.
	ErrNotAcknowledged = retransmit.ErrNotAcknowledged
	// ErrAlreadyConnected is returned by Connect on a connection that
	// already connected or is connecting.
	ErrAlreadyConnected = errors.New("hazelconn: already connected")
	// ErrAlreadyDisconnected is returned by Disconnect on a connection
	// that has already closed.
	ErrAlreadyDisconnected = errors.New("hazelconn: already disconnected")
	// ErrProtocol wraps a fatal protocol violation that forced a close.
	ErrProtocol = errors.New("hazelconn: protocol violation")
)

// Config wires a Connection to its transport and tunables. Write is
// called to hand an encoded datagram to the shared socket; callers
// (typically udpdemux) are responsible for directing it to RemoteAddr.
type Config struct {
	Role       Role
	Version    uint8
	RemoteAddr net.Addr
	Write      func(b []byte) (int, error)

	// HelloPayload is the opaque application handshake payload a
	// client-role connection sends after the version byte of its HELLO.
	HelloPayload []byte

	Clock                 clockwork.Clock
	RetransmitInterval    time.Duration
	RetransmitMaxAttempts int
	PingInterval          time.Duration
	MaxPendingPings       int

	// OnEvicted, if set, is called exactly once when the connection
	// reaches StateClosed, so an owning demultiplexer can drop its
	// endpoint→connection map entry.
	OnEvicted func()
}

func (c *Config) setDefaults() {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.RetransmitInterval <= 0 {
		c.RetransmitInterval = retransmit.DefaultInterval
	}
	if c.RetransmitMaxAttempts <= 0 {
		c.RetransmitMaxAttempts = retransmit.DefaultMaxAttempts
	}
	if c.PingInterval <= 0 {
		c.PingInterval = liveness.DefaultInterval
	}
	if c.MaxPendingPings <= 0 {
		c.MaxPendingPings = liveness.DefaultMaxPending
	}
	if c.Write == nil {
		c.Write = func([]byte) (int, error) { return 0, nil }
	}
}

// Connection is one peer's Hazel-compatible session.
type Connection struct {
	cfg Config

	nonceCounter uint32

	packetsSent        uint64
	packetsReceived    uint64
	bytesSent          uint64
	bytesReceived      uint64
	retransmitFailures uint64

	retransmit  *retransmit.Table
	inboundSeen ackwindow.Window

	livenessMu sync.RWMutex
	liveness   *liveness.Monitor

	cmdCh     chan func()
	closedCh  chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc

	mu         sync.Mutex
	state      State
	seenHello  bool
	connected  bool
	helloNonce uint16

	cbMu        sync.RWMutex
	onMessage   func(Record)
	onHello     func([]byte)
	onConnected func()
	onClose     func(CloseInfo)
	onError     func(error)
}

// NewServer constructs a server-role connection, ready to receive a
// HELLO from an unknown peer. The demultiplexer that owns the socket
// typically constructs these on demand.
func NewServer(cfg Config) *Connection {
	cfg.Role = RoleServer
	return newConnection(cfg, StateAwaitingHello)
}

// NewClient constructs a client-role connection. Call Connect to begin
// the handshake.
func NewClient(cfg Config) *Connection {
	cfg.Role = RoleClient
	return newConnection(cfg, StateNew)
}

func newConnection(cfg Config, initial State) *Connection {
	cfg.setDefaults()
	c := &Connection{
		cfg:      cfg,
		state:    initial,
		cmdCh:    make(chan func(), 16),
		closedCh: make(chan struct{}),
	}
	c.retransmit = retransmit.New(cfg.Clock, cfg.RetransmitInterval, cfg.RetransmitMaxAttempts)
	go c.loop()
	return c
}

func (c *Connection) loop() {
	for {
		select {
		case fn := <-c.cmdCh:
			fn()
		case <-c.closedCh:
			// Drain commands that were queued before the close landed,
			// so their callers get a reply instead of hanging.
			for {
				select {
				case fn := <-c.cmdCh:
					fn()
				default:
					return
				}
			}
		}
	}
}

// enqueue serializes fn onto the connection's command loop, reporting
// whether it was accepted. Once the connection has closed, commands are
// refused and the caller must fail with a closed-connection error.
func (c *Connection) enqueue(fn func()) bool {
	select {
	case <-c.closedCh:
		return false
	default:
	}
	select {
	case c.cmdCh <- fn:
		return true
	case <-c.closedCh:
		return false
	}
}

func (c *Connection) nextNonce() uint16 {
	n := atomic.AddUint32(&c.nonceCounter, 1)
	return uint16(n % 65535)
}

func (c *Connection) write(b []byte) (int, error) {
	n, err := c.cfg.Write(b)
	if err == nil {
		atomic.AddUint64(&c.packetsSent, 1)
		atomic.AddUint64(&c.bytesSent, uint64(n))
	} else {
		c.emitError(err)
	}
	return n, err
}

// Stats is a point-in-time snapshot of a connection's traffic and
// reliability counters, suitable for export (see package metrics).
type Stats struct {
	PacketsSent        uint64
	PacketsReceived    uint64
	BytesSent          uint64
	BytesReceived      uint64
	RetransmitFailures uint64
	PendingPings       int
	RTT                time.Duration
	State              State
}

// Stats returns a snapshot of this connection's counters.
func (c *Connection) Stats() Stats {
	c.livenessMu.RLock()
	mon := c.liveness
	c.livenessMu.RUnlock()

	s := Stats{
		PacketsSent:        atomic.LoadUint64(&c.packetsSent),
		PacketsReceived:    atomic.LoadUint64(&c.packetsReceived),
		BytesSent:          atomic.LoadUint64(&c.bytesSent),
		BytesReceived:      atomic.LoadUint64(&c.bytesReceived),
		RetransmitFailures: atomic.LoadUint64(&c.retransmitFailures),
		State:              c.State(),
	}
	if mon != nil {
		s.PendingPings = mon.Pending()
		s.RTT = mon.Ping()
	}
	return s
}

// RemoteAddr returns the peer endpoint this connection was constructed
// for.
func (c *Connection) RemoteAddr() net.Addr { return c.cfg.RemoteAddr }

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// --- callback registration ---

func (c *Connection) OnMessage(fn func(Record)) {
	c.cbMu.Lock()
	c.onMessage = fn
	c.cbMu.Unlock()
}

func (c *Connection) OnHello(fn func([]byte)) {
	c.cbMu.Lock()
	c.onHello = fn
	c.cbMu.Unlock()
}

func (c *Connection) OnConnected(fn func()) {
	c.cbMu.Lock()
	c.onConnected = fn
	c.cbMu.Unlock()
}

func (c *Connection) OnClose(fn func(CloseInfo)) {
	c.cbMu.Lock()
	c.onClose = fn
	c.cbMu.Unlock()
}

func (c *Connection) OnError(fn func(error)) {
	c.cbMu.Lock()
	c.onError = fn
	c.cbMu.Unlock()
}

func (c *Connection) emitMessage(r Record) {
	c.cbMu.RLock()
	fn := c.onMessage
	c.cbMu.RUnlock()
	if fn != nil {
		fn(r)
	}
}

func (c *Connection) emitHello(payload []byte) {
	c.cbMu.RLock()
	fn := c.onHello
	c.cbMu.RUnlock()
	if fn != nil {
		fn(payload)
	}
}

func (c *Connection) emitConnected() {
	c.cbMu.RLock()
	fn := c.onConnected
	c.cbMu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (c *Connection) emitClose(info CloseInfo) {
	c.cbMu.RLock()
	fn := c.onClose
	c.cbMu.RUnlock()
	if fn != nil {
		fn(info)
	}
}

func (c *Connection) emitError(err error) {
	c.cbMu.RLock()
	fn := c.onError
	c.cbMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// --- liveness wiring ---

func (c *Connection) startLiveness() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	mon := liveness.New(liveness.Config{
		Clock:      c.cfg.Clock,
		Table:      c.retransmit,
		Interval:   c.cfg.PingInterval,
		MaxPending: c.cfg.MaxPendingPings,
		NextNonce:  c.nextNonce,
		SendPing: func(nonce uint16) error {
			_, err := c.write(framer.EncodePing(nonce))
			return err
		},
		OnForceClose: func() {
			c.enqueue(func() { c.doClose(true, nil) })
		},
	})
	c.livenessMu.Lock()
	c.liveness = mon
	c.livenessMu.Unlock()
	mon.Start(ctx)
}

// Ping returns the running mean round-trip time observed by the
// liveness monitor, or zero before the connection is established.
func (c *Connection) Ping() time.Duration {
	c.livenessMu.RLock()
	mon := c.liveness
	c.livenessMu.RUnlock()
	if mon == nil {
		return 0
	}
	return mon.Ping()
}

// --- inbound datagram handling ---

// Deliver hands a raw datagram received for this connection's endpoint
// to its command loop. Called by the owning demultiplexer.
func (c *Connection) Deliver(datagram []byte) {
	c.enqueue(func() { c.handleDatagram(datagram) })
}

func (c *Connection) handleDatagram(datagram []byte) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == StateClosed {
		return
	}

	atomic.AddUint64(&c.packetsReceived, 1)
	atomic.AddUint64(&c.bytesReceived, uint64(len(datagram)))

	frame, err := framer.Decode(datagram)
	if err == framer.ErrIgnored {
		return
	}
	if err != nil {
		c.emitError(err)
		c.doClose(true, nil)
		return
	}

	switch state {
	case StateAwaitingHello:
		c.handleAwaitingHello(frame)
	case StateAwaitingHelloAck:
		c.handleAwaitingHelloAck(frame)
	case StateEstablished:
		c.handleEstablished(frame)
	}
}

func (c *Connection) handleAwaitingHello(frame *framer.Frame) {
	c.mu.Lock()
	alreadySeen := c.seenHello
	c.mu.Unlock()

	if frame.Type != framer.Hello || alreadySeen || frame.Version != c.cfg.Version {
		c.emitError(ErrProtocol)
		c.doClose(true, nil)
		return
	}

	c.mu.Lock()
	c.seenHello = true
	c.state = StateEstablished
	c.mu.Unlock()

	c.inboundSeen.Observe(frame.Nonce)
	mask := ackwindow.MaskFor(&c.inboundSeen, frame.Nonce)
	c.write(framer.EncodeAck(frame.Nonce, mask))
	c.emitHello(frame.Payload)
	c.startLiveness()
}

func (c *Connection) handleAwaitingHelloAck(frame *framer.Frame) {
	if frame.Type == framer.Disconnect {
		c.handleRemoteDisconnect(frame)
		return
	}
	if frame.Type != framer.Acknowledgement {
		return
	}

	c.mu.Lock()
	expected := c.helloNonce
	c.mu.Unlock()
	if frame.Nonce != expected {
		return
	}

	c.retransmit.Ack(frame.Nonce)

	c.mu.Lock()
	c.connected = true
	c.state = StateEstablished
	c.mu.Unlock()

	c.emitConnected()
	c.startLiveness()
}

func (c *Connection) handleEstablished(frame *framer.Frame) {
	switch frame.Type {
	case framer.Disconnect:
		c.handleRemoteDisconnect(frame)

	case framer.Normal:
		for _, r := range frame.Records {
			c.emitMessage(r)
		}

	case framer.Reliable:
		c.inboundSeen.Observe(frame.Nonce)
		mask := ackwindow.MaskFor(&c.inboundSeen, frame.Nonce)
		c.write(framer.EncodeAck(frame.Nonce, mask))
		for _, r := range frame.Records {
			c.emitMessage(r)
		}

	case framer.Ping:
		c.inboundSeen.Observe(frame.Nonce)
		mask := ackwindow.MaskFor(&c.inboundSeen, frame.Nonce)
		c.write(framer.EncodeAck(frame.Nonce, mask))

	case framer.Acknowledgement:
		c.retransmit.Ack(frame.Nonce)

	case framer.Hello:
		if c.cfg.Role == RoleServer {
			c.emitError(ErrProtocol)
			c.doClose(true, nil)
		}
	}
}

func (c *Connection) handleRemoteDisconnect(frame *framer.Frame) {
	info := CloseInfo{Forced: frame.Forced}
	if frame.Reason != nil {
		code := frame.Reason.Code
		info.Reason = &code
		info.Message = frame.Reason.Message
	}
	c.transitionClosed(info)
}

// doClose is invoked for every locally-initiated close path (protocol
// error, retransmit/ping exhaustion, or explicit Disconnect): it writes
// the outbound DISCONNECT frame before tearing the connection down.
func (c *Connection) doClose(forced bool, reason *DisconnectReason) {
	// A reason record always rides a graceful DISCONNECT on the wire;
	// keep the emitted close event consistent with what the peer sees.
	if reason != nil {
		forced = false
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.write(framer.EncodeDisconnect(forced, reason))

	info := CloseInfo{Forced: forced}
	if reason != nil {
		code := reason.Code
		info.Reason = &code
		info.Message = reason.Message
	}
	c.transitionClosed(info)
}

// transitionClosed performs the shared teardown: state flip, retransmit
// and liveness teardown, close emission, and eviction notice. It must
// run on the command loop. Close is idempotent; only the first caller's
// event is emitted.
func (c *Connection) transitionClosed(info CloseInfo) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.mu.Unlock()

	c.retransmit.CloseAll()
	c.livenessMu.RLock()
	mon := c.liveness
	c.livenessMu.RUnlock()
	if mon != nil {
		mon.Stop()
	}
	if c.cancel != nil {
		c.cancel()
	}

	c.emitClose(info)
	if c.cfg.OnEvicted != nil {
		c.cfg.OnEvicted()
	}
	c.closeOnce.Do(func() { close(c.closedCh) })
}

// --- public send surface ---

// watchReliable forwards a reliable send's outcome to its caller and
// owns the exhaustion force-close, so the close fires even when the
// caller's context has already been cancelled.
func (c *Connection) watchReliable(done <-chan retransmit.Result, resultCh chan<- retransmit.Result) {
	res := <-done
	resultCh <- res
	if res.Err == retransmit.ErrNotAcknowledged {
		atomic.AddUint64(&c.retransmitFailures, 1)
		c.enqueue(func() { c.doClose(true, nil) })
	}
}

func mapReliableErr(err error) error {
	if err == retransmit.ErrClosed {
		return ErrClosed
	}
	return err
}

// Connect begins the client-role handshake, blocking until the peer
// acknowledges the HELLO, the context is cancelled, or the retransmit
// budget is exhausted (in which case the connection force-closes itself
// and the exhaustion error is returned).
func (c *Connection) Connect(ctx context.Context) error {
	resultCh := make(chan retransmit.Result, 1)

	accepted := c.enqueue(func() {
		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			resultCh <- retransmit.Result{Err: ErrClosed}
			return
		}
		if c.state != StateNew {
			c.mu.Unlock()
			resultCh <- retransmit.Result{Err: ErrAlreadyConnected}
			return
		}
		nonce := c.nextNonce()
		c.helloNonce = nonce
		c.state = StateAwaitingHelloAck
		c.mu.Unlock()

		buf := framer.EncodeHello(nonce, c.cfg.Version, c.cfg.HelloPayload)
		done := c.retransmit.Register(nonce, buf, func(b []byte) error {
			_, err := c.write(b)
			return err
		})
		go c.watchReliable(done, resultCh)
	})
	if !accepted {
		return ErrClosed
	}

	select {
	case res := <-resultCh:
		return mapReliableErr(res.Err)
	case <-c.closedCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendNormal sends an unreliable multi-record packet.
func (c *Connection) SendNormal(ctx context.Context, records ...Record) (int, error) {
	type outcome struct {
		n   int
		err error
	}
	resultCh := make(chan outcome, 1)
	accepted := c.enqueue(func() {
		c.mu.Lock()
		state := c.state
		c.mu.Unlock()
		if state == StateClosed {
			resultCh <- outcome{err: ErrClosed}
			return
		}
		n, err := c.write(framer.EncodeNormal(records))
		resultCh <- outcome{n: n, err: err}
	})
	if !accepted {
		return 0, ErrClosed
	}
	select {
	case r := <-resultCh:
		return r.n, r.err
	case <-c.closedCh:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// SendReliable sends a reliable multi-record packet, blocking until the
// peer acknowledges it, the context is cancelled, or the retransmit
// budget is exhausted (closing the connection).
func (c *Connection) SendReliable(ctx context.Context, records ...Record) (int, error) {
	resultCh := make(chan retransmit.Result, 1)

	accepted := c.enqueue(func() {
		c.mu.Lock()
		state := c.state
		c.mu.Unlock()
		if state == StateClosed {
			resultCh <- retransmit.Result{Err: ErrClosed}
			return
		}
		nonce := c.nextNonce()
		buf := framer.EncodeReliable(nonce, records)
		done := c.retransmit.Register(nonce, buf, func(b []byte) error {
			_, err := c.write(b)
			return err
		})
		go c.watchReliable(done, resultCh)
	})
	if !accepted {
		return 0, ErrClosed
	}

	select {
	case res := <-resultCh:
		return res.BytesSent, mapReliableErr(res.Err)
	case <-c.closedCh:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Disconnect closes the connection locally: forced with a nil reason
// produces the minimal wire form; a non-nil reason always produces a
// graceful DISCONNECT carrying it (forced is then ignored); not forced
// with a nil reason sends a graceful DISCONNECT without a reason record.
// It fails synchronously if the connection already closed.
func (c *Connection) Disconnect(forced bool, reason *DisconnectReason) error {
	errCh := make(chan error, 1)
	accepted := c.enqueue(func() {
		c.mu.Lock()
		closed := c.state == StateClosed
		c.mu.Unlock()
		if closed {
			errCh <- ErrAlreadyDisconnected
			return
		}
		// Reply before tearing down: doClose cannot fail, and replying
		// after it would race the caller against the closed channel.
		errCh <- nil
		c.doClose(forced, reason)
	})
	if !accepted {
		return ErrAlreadyDisconnected
	}
	select {
	case err := <-errCh:
		return err
	case <-c.closedCh:
		select {
		case err := <-errCh:
			return err
		default:
			return ErrAlreadyDisconnected
		}
	}
}

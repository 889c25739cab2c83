// hazelcore-demo is a manual interop harness for the hazelcore wire
// protocol: it listens for or connects to a single Hazel-compatible peer,
// lets the operator send ad hoc reliable/normal records from stdin, and
// reports liveness and retransmit diagnostics as it runs.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazelproto/hazelcore/internal/config"
	"github.com/hazelproto/hazelcore/internal/events"
	"github.com/hazelproto/hazelcore/internal/hazelconn"
	"github.com/hazelproto/hazelcore/internal/logging"
	"github.com/hazelproto/hazelcore/internal/metrics"
	"github.com/hazelproto/hazelcore/udpdemux"
)

// Version is set at build time via -ldflags.
var Version = "dev"

const (
	defaultPort          = 22023
	defaultStatsInterval = 30
	defaultLogLevel      = "info"
	chatTag              = 0x01

	// latencyThreshold marks a connection's mean RTT as degraded in the
	// emitted latency events.
	latencyThreshold = 250 * time.Millisecond
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "listen":
		runListen(args)
	case "connect":
		runConnect(args)
	case "version", "--version", "-v":
		fmt.Printf("hazelcore-demo %s (%s/%s)\n", Version, runtime.GOOS, runtime.GOARCH)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`hazelcore-demo - Hazel-compatible reliable UDP messaging demo

Usage:
  hazelcore-demo <command> [flags]

Commands:
  listen      Bind a UDP socket and await a peer's HELLO
  connect     Dial a listening peer and complete the handshake
  version     Print version information

Flags for listen/connect:
  --port            UDP port (listen: port to bind, connect: 0 = auto-assign local port)
  --address         Peer's host:port (connect mode only, required)
  --hello-data      Opaque payload carried in the HELLO handshake (connect mode only)
  --proto-version   Protocol version byte, must match the peer (default: 1)
  --log             Log level: error|warn|info|debug|trace (default: saved config or info)
  --stats-interval  Seconds between stats output, 0 to disable (default: 30)
  --events-output   Write JSON Line events to: stdout, stderr, or a file path (disabled if empty)
  --metrics-addr    Bind a Prometheus /metrics endpoint on this address (disabled if empty)

Examples:
  # Listen for an incoming connection
  hazelcore-demo listen --port 22023

  # Connect to a listening peer
  hazelcore-demo connect --address 203.0.113.50:22023

Type a line and press Enter to send it as a reliable record to the peer.
`)
}

func runListen(args []string) {
	fs := flag.NewFlagSet("listen", flag.ExitOnError)
	port := fs.Uint("port", defaultPort, "UDP port to listen on")
	protoVersion := fs.Uint("proto-version", 1, "Protocol version byte")
	logLevel := fs.String("log", "", "Log level: error|warn|info|debug|trace (default: saved config or info)")
	statsInterval := fs.Uint("stats-interval", defaultStatsInterval, "Seconds between stats output (0 to disable)")
	eventsOutput := fs.String("events-output", "", "Write JSON Line events to: stdout, stderr, or a file path")
	metricsAddr := fs.String("metrics-addr", "", "Bind a Prometheus /metrics endpoint on this address")
	fs.Parse(args)

	if *port == 0 || *port > 65535 {
		fmt.Fprintln(os.Stderr, "Error: --port must be between 1 and 65535")
		os.Exit(1)
	}

	runDemo(demoMode{
		listen:        true,
		port:          uint16(*port),
		version:       uint8(*protoVersion),
		logLevelStr:   *logLevel,
		statsInterval: time.Duration(*statsInterval) * time.Second,
		eventsOutput:  *eventsOutput,
		metricsAddr:   *metricsAddr,
	})
}

func runConnect(args []string) {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	address := fs.String("address", "", "Peer address in host:port format (required)")
	helloData := fs.String("hello-data", "", "Opaque payload carried in the HELLO handshake")
	port := fs.Uint("port", 0, "Local UDP port (0 = auto-assign)")
	protoVersion := fs.Uint("proto-version", 1, "Protocol version byte")
	logLevel := fs.String("log", "", "Log level: error|warn|info|debug|trace (default: saved config or info)")
	statsInterval := fs.Uint("stats-interval", defaultStatsInterval, "Seconds between stats output (0 to disable)")
	eventsOutput := fs.String("events-output", "", "Write JSON Line events to: stdout, stderr, or a file path")
	metricsAddr := fs.String("metrics-addr", "", "Bind a Prometheus /metrics endpoint on this address")
	fs.Parse(args)

	if *address == "" {
		fmt.Fprintln(os.Stderr, "Error: --address is required")
		os.Exit(1)
	}
	if !strings.Contains(*address, ":") {
		fmt.Fprintln(os.Stderr, "Error: --address must be in host:port format (e.g., 192.168.1.100:22023)")
		os.Exit(1)
	}

	runDemo(demoMode{
		listen:        false,
		port:          uint16(*port),
		peerAddr:      *address,
		helloData:     *helloData,
		version:       uint8(*protoVersion),
		logLevelStr:   *logLevel,
		statsInterval: time.Duration(*statsInterval) * time.Second,
		eventsOutput:  *eventsOutput,
		metricsAddr:   *metricsAddr,
	})
}

type demoMode struct {
	listen        bool
	port          uint16
	peerAddr      string
	helloData     string
	version       uint8
	logLevelStr   string
	statsInterval time.Duration
	eventsOutput  string
	metricsAddr   string
}

func runDemo(m demoMode) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config: %v\n", err)
		cfg = &config.Config{}
	}

	levelStr := m.logLevelStr
	if levelStr == "" {
		levelStr = cfg.DefaultLogLevel
	}
	if levelStr == "" {
		levelStr = defaultLogLevel
	}
	level, err := logging.ParseLevel(levelStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(level)

	emitter, err := createEmitter(m.eventsOutput)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating event emitter: %v\n", err)
		os.Exit(1)
	}
	defer emitter.Close()

	logger.Info("hazelcore-demo %s starting", Version)
	if m.eventsOutput != "" {
		logger.Info("Events output: %s", m.eventsOutput)
	}

	peerAddr := m.peerAddr
	if !m.listen && peerAddr == "" {
		peerAddr = cfg.LastPeerAddr
	}

	collector := metrics.NewConnectionCollector("hazelcore", prometheus.Labels{"role": roleString(m.listen)})
	if m.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collector)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			logger.Info("Serving metrics on http://%s/metrics", m.metricsAddr)
			if err := http.ListenAndServe(m.metricsAddr, mux); err != nil {
				logger.Error("Metrics server stopped: %v", err)
			}
		}()
	}

	listenAddr := fmt.Sprintf(":%d", m.port)
	demux, err := udpdemux.Listen(udpdemux.Config{
		ListenAddr:   listenAddr,
		Version:      m.version,
		HelloPayload: []byte(m.helloData),
	})
	if err != nil {
		logger.Error("Failed to bind socket: %v", err)
		os.Exit(1)
	}
	defer demux.Close()
	logger.Info("Bound %s", demux.LocalAddr())

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Shutting down")
		cancel()
	}()

	go func() {
		if err := demux.Serve(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Demultiplexer stopped: %v", err)
		}
	}()

	var active atomic.Pointer[hazelconn.Connection]
	if m.listen {
		demux.OnConnection(func(c *hazelconn.Connection) {
			logger.Info("Peer connected: %s", c.RemoteAddr())
			collector.Add(c)
			active.Store(c)
			wireConnection(c, logger, emitter)
		})
		logger.Info("Waiting for a peer HELLO...")
	} else {
		logger.Info("Connecting to %s...", peerAddr)
		c, err := demux.Connect(ctx, peerAddr)
		if err != nil {
			logger.Error("Connect failed: %v", err)
			os.Exit(1)
		}
		active.Store(c)
		collector.Add(c)
		wireConnection(c, logger, emitter)
		logger.Info("Connected")

		cfg.LastPeerAddr = peerAddr
		cfg.DefaultLogLevel = levelStr
		if err := cfg.Save(); err != nil {
			logger.Warn("Failed to save config: %v", err)
		}
	}

	if m.statsInterval > 0 {
		go statsLoop(ctx, m.statsInterval, active.Load, logger, emitter)
	}

	go readStdin(ctx, active.Load, logger, emitter)

	<-ctx.Done()
	if c := active.Load(); c != nil {
		c.Disconnect(false, nil)
	}
}

func roleString(listen bool) string {
	if listen {
		return "server"
	}
	return "client"
}

func wireConnection(c *hazelconn.Connection, logger *logging.Logger, emitter events.Emitter) {
	peer := c.RemoteAddr().String()
	clog := logger.Prefix(peer)
	c.OnHello(func(payload []byte) {
		emitter.Emit(events.EventHandshake, events.HandshakeData{PeerAddr: peer, Role: "server"})
		clog.Info("Hello payload: %q", string(payload))
	})
	c.OnConnected(func() {
		emitter.Emit(events.EventHandshake, events.HandshakeData{PeerAddr: peer, Role: "client"})
	})
	c.OnMessage(func(r hazelconn.Record) {
		clog.Info("Message [tag %d]: %q", r.Tag, string(r.Payload))
	})
	c.OnClose(func(info hazelconn.CloseInfo) {
		emitter.Emit(events.EventStateChanged, events.StateChangedData{State: "closed", PeerAddr: peer})
		if info.Reason != nil {
			clog.Info("Peer closed (forced=%v reason=%d message=%q)", info.Forced, *info.Reason, info.Message)
		} else {
			clog.Info("Peer closed (forced=%v)", info.Forced)
		}
	})
	c.OnError(func(err error) {
		emitter.Emit(events.EventError, events.ErrorData{Message: err.Error()})
		clog.Warn("Connection error: %v", err)
	})
}

func statsLoop(ctx context.Context, interval time.Duration, get func() *hazelconn.Connection, logger *logging.Logger, emitter events.Emitter) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c := get()
			if c == nil {
				continue
			}
			s := c.Stats()
			rttMs := float64(s.RTT.Microseconds()) / 1000
			emitter.Emit(events.EventStats, events.StatsData{
				TxPackets: s.PacketsSent, TxBytes: s.BytesSent,
				RxPackets: s.PacketsReceived, RxBytes: s.BytesReceived,
				RTTCurrentMs: rttMs,
				RTTAvgMs:     rttMs,
			})
			emitter.Emit(events.EventLatency, events.LatencyData{
				RTTMs:            rttMs,
				ExceedsThreshold: s.RTT > latencyThreshold,
			})
			logger.Info("stats: tx=%d/%dB rx=%d/%dB rtt=%s pending_pings=%d retransmit_failures=%d",
				s.PacketsSent, s.BytesSent, s.PacketsReceived, s.BytesReceived, s.RTT, s.PendingPings, s.RetransmitFailures)
		}
	}
}

func readStdin(ctx context.Context, get func() *hazelconn.Connection, logger *logging.Logger, emitter events.Emitter) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		c := get()
		if c == nil {
			logger.Warn("Not connected yet, dropping input")
			continue
		}
		reliable := true
		if strings.HasPrefix(line, "/unreliable ") {
			reliable = false
			line = strings.TrimPrefix(line, "/unreliable ")
		}
		rec := hazelconn.Record{Tag: chatTag, Payload: []byte(line)}
		sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		var err error
		if reliable {
			_, err = c.SendReliable(sendCtx, rec)
		} else {
			_, err = c.SendNormal(sendCtx, rec)
		}
		cancel()
		if err != nil {
			if errors.Is(err, hazelconn.ErrNotAcknowledged) {
				emitter.Emit(events.EventRetransmitExhaust, events.RetransmitExhaustedData{
					PeerAddr: c.RemoteAddr().String(),
					Attempts: 10,
				})
			}
			logger.Warn("Send failed: %v", err)
		}
	}
}

// createEmitter creates an Emitter based on the --events-output flag value.
// Returns a NopEmitter if the value is empty.
func createEmitter(output string) (events.Emitter, error) {
	switch output {
	case "":
		return events.NopEmitter{}, nil
	case "stdout":
		return events.NewJSONLineWriter(os.Stdout), nil
	case "stderr":
		return events.NewJSONLineWriter(os.Stderr), nil
	default:
		flags := os.O_WRONLY | os.O_APPEND
		if _, err := os.Stat(output); os.IsNotExist(err) {
			flags |= os.O_CREATE
		}
		f, err := os.OpenFile(output, flags, 0644)
		if err != nil {
			return nil, fmt.Errorf("open events output %q: %w", output, err)
		}
		// File sinks go through the async writer so slow disk I/O never
		// stalls a connection callback.
		return events.NewAsyncJSONLineWriter(f), nil
	}
}

// Package metrics exposes per-connection traffic and reliability
// counters as a prometheus.Collector, one entry registered for the
// lifetime of each hazelconn.Connection it tracks.
package metrics

import (
	"fmt"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hazelproto/hazelcore/internal/hazelconn"
)

type info struct {
	description *prometheus.Desc
	supplier    func(stats hazelconn.Stats, labelValues []string) prometheus.Metric
}

type connEntry struct {
	conn   *hazelconn.Connection
	labels []string
}

// ConnectionCollector tracks a set of live hazelconn.Connections and
// reports their Stats() snapshot on every scrape.
type ConnectionCollector struct {
	mu    sync.Mutex
	conns map[*hazelconn.Connection]connEntry
	infos []info
}

// NewConnectionCollector builds a collector. prefix namespaces every
// exported metric name (e.g. "hazelcore"); constLabels attaches
// process-wide labels (instance, role, ...).
func NewConnectionCollector(prefix string, constLabels prometheus.Labels) *ConnectionCollector {
	variableLabels := []string{"remote_addr"}
	desc := makeDescriptions(prefix, variableLabels, constLabels)

	infos := []info{
		{desc["packets_sent"], func(s hazelconn.Stats, lv []string) prometheus.Metric {
			return prometheus.MustNewConstMetric(desc["packets_sent"], prometheus.CounterValue, float64(s.PacketsSent), lv...)
		}},
		{desc["packets_received"], func(s hazelconn.Stats, lv []string) prometheus.Metric {
			return prometheus.MustNewConstMetric(desc["packets_received"], prometheus.CounterValue, float64(s.PacketsReceived), lv...)
		}},
		{desc["bytes_sent"], func(s hazelconn.Stats, lv []string) prometheus.Metric {
			return prometheus.MustNewConstMetric(desc["bytes_sent"], prometheus.CounterValue, float64(s.BytesSent), lv...)
		}},
		{desc["bytes_received"], func(s hazelconn.Stats, lv []string) prometheus.Metric {
			return prometheus.MustNewConstMetric(desc["bytes_received"], prometheus.CounterValue, float64(s.BytesReceived), lv...)
		}},
		{desc["retransmit_failures"], func(s hazelconn.Stats, lv []string) prometheus.Metric {
			return prometheus.MustNewConstMetric(desc["retransmit_failures"], prometheus.CounterValue, float64(s.RetransmitFailures), lv...)
		}},
		{desc["pending_pings"], func(s hazelconn.Stats, lv []string) prometheus.Metric {
			return prometheus.MustNewConstMetric(desc["pending_pings"], prometheus.GaugeValue, float64(s.PendingPings), lv...)
		}},
		{desc["rtt_seconds"], func(s hazelconn.Stats, lv []string) prometheus.Metric {
			return prometheus.MustNewConstMetric(desc["rtt_seconds"], prometheus.GaugeValue, s.RTT.Seconds(), lv...)
		}},
		{desc["state"], func(s hazelconn.Stats, lv []string) prometheus.Metric {
			return prometheus.MustNewConstMetric(desc["state"], prometheus.GaugeValue, float64(s.State), lv...)
		}},
	}

	return &ConnectionCollector{
		conns: make(map[*hazelconn.Connection]connEntry),
		infos: infos,
	}
}

func makeDescriptions(prefix string, variableLabels []string, constLabels prometheus.Labels) map[string]*prometheus.Desc {
	return map[string]*prometheus.Desc{
		"packets_sent":        prometheus.NewDesc(fmt.Sprintf("%s_packets_sent_total", prefix), "Datagrams written to the wire, including retransmissions.", variableLabels, constLabels),
		"packets_received":    prometheus.NewDesc(fmt.Sprintf("%s_packets_received_total", prefix), "Datagrams accepted from the wire, before frame validation.", variableLabels, constLabels),
		"bytes_sent":          prometheus.NewDesc(fmt.Sprintf("%s_bytes_sent_total", prefix), "Payload bytes written to the wire, including retransmissions.", variableLabels, constLabels),
		"bytes_received":      prometheus.NewDesc(fmt.Sprintf("%s_bytes_received_total", prefix), "Payload bytes accepted from the wire.", variableLabels, constLabels),
		"retransmit_failures": prometheus.NewDesc(fmt.Sprintf("%s_retransmit_failures_total", prefix), "Reliable sends that exhausted their retransmit budget without an ack.", variableLabels, constLabels),
		"pending_pings":       prometheus.NewDesc(fmt.Sprintf("%s_pending_pings", prefix), "Outstanding, unacknowledged liveness pings.", variableLabels, constLabels),
		"rtt_seconds":         prometheus.NewDesc(fmt.Sprintf("%s_rtt_seconds", prefix), "Mean round-trip time over the last five liveness pings.", variableLabels, constLabels),
		"state":               prometheus.NewDesc(fmt.Sprintf("%s_state", prefix), "Connection state (see hazelconn.State).", variableLabels, constLabels),
	}
}

// Describe implements prometheus.Collector.
func (c *ConnectionCollector) Describe(descs chan<- *prometheus.Desc) {
	for _, i := range c.infos {
		descs <- i.description
	}
}

// Collect implements prometheus.Collector.
func (c *ConnectionCollector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for conn, entry := range c.conns {
		stats := conn.Stats()
		for _, i := range c.infos {
			metrics <- i.supplier(stats, entry.labels)
		}
	}
}

// Add registers conn for export, labeled by its remote address. It is
// typically wired to udpdemux.Demultiplexer.OnConnection.
func (c *ConnectionCollector) Add(conn *hazelconn.Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[conn] = connEntry{conn: conn, labels: []string{remoteAddrLabel(conn.RemoteAddr())}}
}

// Remove stops exporting conn. It is typically wired to
// hazelconn.Config.OnEvicted.
func (c *ConnectionCollector) Remove(conn *hazelconn.Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, conn)
}

func remoteAddrLabel(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

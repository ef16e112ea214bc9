package cms

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the channel counters. Children are resolved once per channel
// so the write and read paths only perform atomic increments.
type Metrics struct {
	writes          *prometheus.CounterVec
	reads           *prometheus.CounterVec
	tornReads       *prometheus.CounterVec
	tooLarge        *prometheus.CounterVec
	connectAttempts *prometheus.CounterVec
	channelsOpen    *prometheus.GaugeVec
}

// NewMetrics creates channel metrics and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtcms",
			Subsystem: "channel",
			Name:      "writes_total",
			Help:      "Messages written to a buffer",
		}, []string{"buffer"}),
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtcms",
			Subsystem: "channel",
			Name:      "reads_total",
			Help:      "New messages read from a buffer",
		}, []string{"buffer"}),
		tornReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtcms",
			Subsystem: "channel",
			Name:      "torn_reads_total",
			Help:      "Reads abandoned after exhausting torn-read retries",
		}, []string{"buffer"}),
		tooLarge: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtcms",
			Subsystem: "channel",
			Name:      "too_large_total",
			Help:      "Writes rejected for exceeding the buffer size",
		}, []string{"buffer"}),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtcms",
			Subsystem: "transport",
			Name:      "connect_attempts_total",
			Help:      "TCP connection attempts made by clients",
		}, []string{"buffer"}),
		channelsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rtcms",
			Subsystem: "channel",
			Name:      "open",
			Help:      "Channels currently open",
		}, []string{"buffer", "transport", "role"}),
	}
	if reg != nil {
		reg.MustRegister(m.writes, m.reads, m.tornReads, m.tooLarge, m.connectAttempts, m.channelsOpen)
	}
	return m
}

type channelMetrics struct {
	writes    prometheus.Counter
	reads     prometheus.Counter
	tornReads prometheus.Counter
	tooLarge  prometheus.Counter
	open      prometheus.Gauge
}

func (m *Metrics) forChannel(buffer, transport, role string) channelMetrics {
	return channelMetrics{
		writes:    m.writes.WithLabelValues(buffer),
		reads:     m.reads.WithLabelValues(buffer),
		tornReads: m.tornReads.WithLabelValues(buffer),
		tooLarge:  m.tooLarge.WithLabelValues(buffer),
		open:      m.channelsOpen.WithLabelValues(buffer, transport, role),
	}
}

package tcp

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes one Endpoint's TCB as Prometheus series: the current
// FSM state, retransmission count, bytes moved in each direction, and
// how full the receive buffer is. It implements prometheus.Collector
// directly rather than going through promauto, the same shape
// sockstats' per-connection exporter uses to turn a live TCB-like
// structure into scrapeable series.
type Metrics struct {
	ep *Endpoint

	state           *prometheus.Desc
	retransmissions *prometheus.Desc
	bytesSent       *prometheus.Desc
	bytesReceived   *prometheus.Desc
	rcvBufferBytes  *prometheus.Desc
}

// NewMetrics returns a collector bound to ep. Register it with a
// prometheus.Registerer; it reads ep's TCB fresh on every Collect, so no
// polling goroutine or explicit update call is needed.
func NewMetrics(ep *Endpoint, labels prometheus.Labels) *Metrics {
	return &Metrics{
		ep: ep,
		state: prometheus.NewDesc(
			"tcpendpoint_state", "Current connection state, as one series labelled with the state name.",
			[]string{"state"}, labels,
		),
		retransmissions: prometheus.NewDesc(
			"tcpendpoint_retransmissions_total", "Data segments retransmitted after a missing ack; SYN and FIN retransmissions are not counted.",
			nil, labels,
		),
		bytesSent: prometheus.NewDesc(
			"tcpendpoint_bytes_sent_total", "Application bytes successfully sent and acked.",
			nil, labels,
		),
		bytesReceived: prometheus.NewDesc(
			"tcpendpoint_bytes_received_total", "Application bytes accepted into the receive buffer.",
			nil, labels,
		),
		rcvBufferBytes: prometheus.NewDesc(
			"tcpendpoint_receive_buffer_bytes", "Bytes currently queued in the receive buffer, awaiting a read.",
			nil, labels,
		),
	}
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.state
	ch <- m.retransmissions
	ch <- m.bytesSent
	ch <- m.bytesReceived
	ch <- m.rcvBufferBytes
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(m.state, prometheus.GaugeValue, 1, m.ep.state.String())
	ch <- prometheus.MustNewConstMetric(m.retransmissions, prometheus.CounterValue, float64(m.ep.retransmitCount))
	ch <- prometheus.MustNewConstMetric(m.bytesSent, prometheus.CounterValue, float64(m.ep.bytesSent))
	ch <- prometheus.MustNewConstMetric(m.bytesReceived, prometheus.CounterValue, float64(m.ep.bytesReceived))
	ch <- prometheus.MustNewConstMetric(m.rcvBufferBytes, prometheus.GaugeValue, float64(m.ep.rcvSize))
}

// observeSend records an outgoing segment for flag-level diagnostics.
// Currently a no-op hook point; retransmission and byte counters are
// updated directly by senders.go where the outcome of a send is known.
func (m *Metrics) observeSend(flags uint8) {}

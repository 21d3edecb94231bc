package tcp

import (
	"testing"

	"github.com/lirlia/tcpendpoint/internal/ipstack"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestMetrics_CollectReflectsLiveTCB(t *testing.T) {
	ep, peer := newTestEndpoint(t, ipstack.Addr{10, 0, 0, 1}, ipstack.Addr{10, 0, 0, 2})
	defer peer.Close()

	ep.state = StateEstablished
	ep.bytesSent = 42
	ep.bytesReceived = 7
	ep.retransmitCount = 2
	ep.rcvSize = 5

	m := NewMetrics(ep, prometheus.Labels{"conn": "test"})

	ch := make(chan prometheus.Metric, 16)
	m.Collect(ch)
	close(ch)

	var metrics []*dto.Metric
	for pm := range ch {
		var d dto.Metric
		require.NoError(t, pm.Write(&d))
		metrics = append(metrics, &d)
	}
	require.Len(t, metrics, 5)

	var sawState bool
	for _, m := range metrics {
		for _, l := range m.Label {
			if l.GetName() == "state" && l.GetValue() == "ESTABLISHED" {
				sawState = true
			}
		}
	}
	require.True(t, sawState)
}

func TestMetrics_DescribeEmitsAllSeries(t *testing.T) {
	ep, peer := newTestEndpoint(t, ipstack.Addr{10, 0, 0, 1}, ipstack.Addr{10, 0, 0, 2})
	defer peer.Close()

	m := NewMetrics(ep, nil)
	ch := make(chan *prometheus.Desc, 16)
	m.Describe(ch)
	close(ch)

	count := 0
	for range ch {
		count++
	}
	require.Equal(t, 5, count)
}

func TestMetrics_RegistersCleanlyWithPrometheus(t *testing.T) {
	ep, peer := newTestEndpoint(t, ipstack.Addr{10, 0, 0, 1}, ipstack.Addr{10, 0, 0, 2})
	defer peer.Close()

	reg := prometheus.NewRegistry()
	m := NewMetrics(ep, prometheus.Labels{"conn": "unit"})
	require.NoError(t, reg.Register(m))
}

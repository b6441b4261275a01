package transport

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *transportMetrics
)

// transportMetrics holds the prometheus collectors of the UDP
// transport. Collectors are process-global and registered once, so
// several transport instances share them.
type transportMetrics struct {
	packets     *prometheus.CounterVec
	bytes       *prometheus.CounterVec
	errors      *prometheus.CounterVec
	rateLimited prometheus.Counter
}

func newTransportMetrics() *transportMetrics {
	metricsInitOnce.Do(func() {
		tm := &transportMetrics{
			packets: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "discnodoor_transport_packets_total",
				Help: "UDP packets by direction.",
			}, []string{"direction"}),
			bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "discnodoor_transport_bytes_total",
				Help: "UDP payload bytes by direction.",
			}, []string{"direction"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "discnodoor_transport_errors_total",
				Help: "Transport errors by kind.",
			}, []string{"kind"}),
			rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "discnodoor_transport_rate_limited_total",
				Help: "Inbound packets dropped by the per-IP rate limit.",
			}),
		}
		prometheus.MustRegister(tm.packets, tm.bytes, tm.errors, tm.rateLimited)
		sharedMetrics = tm
	})
	return sharedMetrics
}

func (m *transportMetrics) recordSent(n int) {
	m.packets.WithLabelValues("sent").Inc()
	m.bytes.WithLabelValues("sent").Add(float64(n))
}

func (m *transportMetrics) recordReceived(n int) {
	m.packets.WithLabelValues("received").Inc()
	m.bytes.WithLabelValues("received").Add(float64(n))
}

func (m *transportMetrics) recordError(kind string) {
	m.errors.WithLabelValues(kind).Inc()
}

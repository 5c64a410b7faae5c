package vkclient

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics adapts Metrics onto prometheus.Collector, so a client
// can be wired straight into an existing registry. It wraps DefaultMetrics
// for the atomic bookkeeping and exposes each counter/gauge as a
// prometheus.Desc, grounded on the direct client_golang dependency shared
// by rockstar-0000-aistore, ClusterCockpit-cc-backend, and moby-moby.
type PrometheusMetrics struct {
	*DefaultMetrics

	namespace string
}

// NewPrometheusMetrics builds a Metrics implementation that also satisfies
// prometheus.Collector under the given namespace (e.g. "vkclient").
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	return &PrometheusMetrics{DefaultMetrics: NewDefaultMetrics(), namespace: namespace}
}

func (p *PrometheusMetrics) desc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(p.namespace, "", name), help, nil, nil)
}

// Describe implements prometheus.Collector.
func (p *PrometheusMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range p.descs() {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (p *PrometheusMetrics) Collect(ch chan<- prometheus.Metric) {
	counters := []struct {
		name string
		help string
		val  int64
	}{
		{"requests_submitted_total", "Total requests submitted to the router.", p.GetRequestsSubmitted()},
		{"replies_received_total", "Total replies matched to a request.", p.GetRepliesReceived()},
		{"timeouts_total", "Total requests that hit their client-side deadline.", p.GetTimeouts()},
		{"reconnects_total", "Total connection reconnect attempts.", p.GetReconnects()},
		{"redirections_total", "Total MOVED/ASK redirections handled.", p.GetRedirections()},
		{"bytes_sent_total", "Total bytes written to the wire.", p.GetBytesSent()},
		{"bytes_received_total", "Total bytes read from the wire.", p.GetBytesReceived()},
		{"pubsub_delivered_total", "Total pub/sub messages delivered.", p.GetPubSubDelivered()},
		{"pubsub_dropped_total", "Total pub/sub messages dropped for a full queue.", p.GetPubSubDropped()},
	}
	for _, c := range counters {
		ch <- prometheus.MustNewConstMetric(p.desc(c.name, c.help), prometheus.CounterValue, float64(c.val))
	}
	ch <- prometheus.MustNewConstMetric(
		p.desc("inflight_depth", "Current number of unanswered in-flight requests."),
		prometheus.GaugeValue, float64(p.GetInflightDepth()),
	)
}

func (p *PrometheusMetrics) descs() []*prometheus.Desc {
	names := []string{
		"requests_submitted_total", "replies_received_total", "timeouts_total",
		"reconnects_total", "redirections_total", "bytes_sent_total",
		"bytes_received_total", "pubsub_delivered_total", "pubsub_dropped_total",
		"inflight_depth",
	}
	descs := make([]*prometheus.Desc, 0, len(names))
	for _, n := range names {
		descs = append(descs, p.desc(n, n))
	}
	return descs
}

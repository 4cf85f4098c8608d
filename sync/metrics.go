package sync

import "github.com/prometheus/client_golang/prometheus"

const namespace = "porter"

// Drop reasons
const (
	reasonQueueOverflow = "queue_overflow"
	reasonNoReference   = "no_reference"
)

// Metrics relay 和 synchronizer 共用的 prometheus 指标，按 component 和 topic 区分
type Metrics struct {
	Received  *prometheus.CounterVec
	Published *prometheus.CounterVec
	Dropped   *prometheus.CounterVec
	Failures  *prometheus.CounterVec
}

// NewMetrics 创建指标并注册到 reg，reg 为 nil 时不注册
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages received on a subscription.",
		}, []string{"component", "topic"}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Messages accepted by a publication.",
		}, []string{"component", "topic"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages dropped without being published.",
		}, []string{"component", "topic", "reason"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Publish calls that returned an error.",
		}, []string{"component", "topic"}),
	}
	if reg != nil {
		reg.MustRegister(m.Received, m.Published, m.Dropped, m.Failures)
	}
	return m
}

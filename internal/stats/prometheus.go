package stats

import (
	"time"

	"github.com/fastedge/corewasm/internal/wire"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusVisitor backs Visitor with a per-dispatch duration histogram
// and dispatch/error counters.
type PrometheusVisitor struct {
	duration prometheus.Histogram
	commands prometheus.Counter
	errors   *prometheus.CounterVec
}

// NewPrometheusVisitor registers its collectors against reg and returns a
// Visitor backed by them. Registration is the caller's responsibility so
// the core can run with metrics disabled by simply constructing a
// NoopVisitor instead.
func NewPrometheusVisitor(reg prometheus.Registerer) *PrometheusVisitor {
	v := &PrometheusVisitor{
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fastedge_wasm_request_reply_duration",
			Help:    "Duration of one coordinator dispatch (one handler invocation), in microseconds.",
			Buckets: prometheus.ExponentialBuckets(100, 2, 11), // 100..~102400us
		}),
		commands: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastedge_wasm_commands_total",
			Help: "Total coordinator dispatches that reached the handler stage.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastedge_wasm_request_reply_errors",
			Help: "Total request/reply errors, labeled by ProxyStatus.",
		}, []string{"status"}),
	}
	reg.MustRegister(v.duration, v.commands, v.errors)
	return v
}

func (v *PrometheusVisitor) ObserveDuration(d time.Duration) {
	v.duration.Observe(float64(d.Microseconds()))
}

func (v *PrometheusVisitor) IncCommand() {
	v.commands.Inc()
}

func (v *PrometheusVisitor) IncError(status wire.ProxyStatus) {
	v.errors.WithLabelValues(status.String()).Inc()
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Debits        *prometheus.CounterVec
	Rejections    *prometheus.CounterVec
	TokensCharged prometheus.Counter
}

// New registers the metering collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Debits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenmeter_debits_total",
			Help: "Successful debits by action kind.",
		}, []string{"action"}),
		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenmeter_rejections_total",
			Help: "Rejected metering attempts by reason.",
		}, []string{"reason"}),
		TokensCharged: f.NewCounter(prometheus.CounterOpts{
			Name: "tokenmeter_tokens_charged_total",
			Help: "Total tokens charged across all accounts.",
		}),
	}
}

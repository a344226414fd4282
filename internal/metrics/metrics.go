package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	UpdatesTotal     prometheus.Counter
	CompletionsTotal prometheus.Counter
	CompletionErrors prometheus.Counter
	DeniedTotal      prometheus.Counter
	RateLimitedTotal prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			UpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "modelgate",
				Name:      "telegram_updates_total",
				Help:      "Total telegram updates received",
			}),
			CompletionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "modelgate",
				Name:      "completions_total",
				Help:      "Total completions returned to users",
			}),
			CompletionErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "modelgate",
				Name:      "completion_errors_total",
				Help:      "Total completion requests that failed",
			}),
			DeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "modelgate",
				Name:      "denied_total",
				Help:      "Total messages dropped by the access gate",
			}),
			RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "modelgate",
				Name:      "rate_limited_total",
				Help:      "Total messages rejected by the rate limiter",
			}),
		}
		prometheus.MustRegister(
			global.UpdatesTotal,
			global.CompletionsTotal,
			global.CompletionErrors,
			global.DeniedTotal,
			global.RateLimitedTotal,
		)
	})
	return global
}

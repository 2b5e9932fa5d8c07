package llm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

// Metrics for the call wrapper, registered under the llmcore_llm_*
// namespace.
var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmcore_llm_requests_total",
			Help: "Total number of LLM calls dispatched through the wrapper",
		},
		[]string{"provider", "model", "status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmcore_llm_request_duration_seconds",
			Help:    "LLM call latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"provider", "model"},
	)

	tokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmcore_llm_tokens_total",
			Help: "Total number of tokens accounted for by the wrapper",
		},
		[]string{"provider", "model", "type"},
	)

	costTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmcore_llm_cost_usd_total",
			Help: "Total USD cost accounted for by the wrapper",
		},
		[]string{"provider", "model"},
	)
)

func recordCallMetrics(provider, model, status string, u Usage, costUSD decimal.Decimal, elapsed time.Duration) {
	requestsTotal.WithLabelValues(provider, model, status).Inc()
	requestDuration.WithLabelValues(provider, model).Observe(elapsed.Seconds())
	tokensTotal.WithLabelValues(provider, model, "prompt").Add(float64(u.PromptTokens))
	tokensTotal.WithLabelValues(provider, model, "completion").Add(float64(u.CompletionTokens))
	tokensTotal.WithLabelValues(provider, model, "total").Add(float64(u.TotalTokens))

	f, _ := costUSD.Float64()
	costTotal.WithLabelValues(provider, model).Add(f)
}

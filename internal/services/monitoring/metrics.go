package monitoring

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Go runtime and process collectors are registered by promhttp.Handler on
// the metrics listener; only domain metrics live here.

var (
	llmRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metergate_llm_requests_total",
			Help: "Total number of inference requests by outcome",
		},
		[]string{"model", "provider", "operation", "status"},
	)

	llmRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "metergate_llm_request_duration_seconds",
			Help:    "Inference latency in seconds, dispatch through final token",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"model", "provider", "operation"},
	)

	llmTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metergate_llm_tokens_total",
			Help: "Total tokens processed",
		},
		[]string{"model", "provider", "type"}, // type: prompt, completion, cache_read, cache_write
	)

	creditsDeductedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metergate_credits_deducted_total",
			Help: "Total credits deducted from user balances",
		},
		[]string{"tier"},
	)

	ratelimitDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metergate_ratelimit_denials_total",
			Help: "Requests denied by the rate limiter",
		},
		[]string{"tier", "limit"},
	)

	providerErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metergate_provider_errors_total",
			Help: "Upstream provider failures by status code",
		},
		[]string{"provider", "status"},
	)

	reconciliationPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "metergate_reconciliation_pending",
			Help: "Deferred charges awaiting reconciliation",
		},
	)

	reconciliationDeferredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metergate_reconciliation_deferred_total",
			Help: "Charges deferred because the deduction failed after a successful inference",
		},
	)
)

// RecordInference counts one finished inference. Status is success,
// canceled, or error.
func RecordInference(model, provider, operation, status string, durationSeconds float64) {
	llmRequestsTotal.WithLabelValues(model, provider, operation, status).Inc()
	if status == "success" {
		llmRequestDuration.WithLabelValues(model, provider, operation).Observe(durationSeconds)
	}
}

// RecordTokens adds one request's token counts.
func RecordTokens(model, provider string, prompt, completion, cacheRead, cacheWrite int) {
	llmTokensTotal.WithLabelValues(model, provider, "prompt").Add(float64(prompt))
	llmTokensTotal.WithLabelValues(model, provider, "completion").Add(float64(completion))
	if cacheRead > 0 {
		llmTokensTotal.WithLabelValues(model, provider, "cache_read").Add(float64(cacheRead))
	}
	if cacheWrite > 0 {
		llmTokensTotal.WithLabelValues(model, provider, "cache_write").Add(float64(cacheWrite))
	}
}

// RecordCreditsDeducted adds a successful deduction.
func RecordCreditsDeducted(tier string, credits int64) {
	creditsDeductedTotal.WithLabelValues(tier).Add(float64(credits))
}

// RecordRateLimitDenial counts a 429. Limit names which window denied:
// rpm or daily.
func RecordRateLimitDenial(tier, limit string) {
	ratelimitDenialsTotal.WithLabelValues(tier, limit).Inc()
}

// RecordProviderError counts an upstream failure; status 0 means a
// transport error.
func RecordProviderError(provider string, status int) {
	label := "transport"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	providerErrorsTotal.WithLabelValues(provider, label).Inc()
}

// RecordDeferredCharge counts a deduction pushed to reconciliation.
func RecordDeferredCharge() {
	reconciliationDeferredTotal.Inc()
	reconciliationPending.Inc()
}

// SetReconciliationPending reports the current pending backlog; the
// reconciliation worker refreshes it each sweep.
func SetReconciliationPending(count int64) {
	reconciliationPending.Set(float64(count))
}

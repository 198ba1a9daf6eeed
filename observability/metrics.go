package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type httpMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	rewarddMetricsOnce sync.Once
	rewarddRegistry    *RewarddMetrics
)

// HTTPMetrics returns the lazily-initialised registry used to record API
// handler activity.
func HTTPMetrics() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lpr",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lpr",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route, method, and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lpr",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lpr",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected by throttling policies.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.errors,
			httpRegistry.latency,
			httpRegistry.throttles,
		)
	})
	return httpRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied route and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *httpMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(route, reason).Inc()
}

// RewarddMetrics bundles collectors tracking reward engine health: grant and
// claim volume, skip reasons, daily cap consumption, period run latency and
// the pause guard.
type RewarddMetrics struct {
	grants         *prometheus.CounterVec
	grantsSkipped  *prometheus.CounterVec
	claims         *prometheus.CounterVec
	claimsSkipped  *prometheus.CounterVec
	capRemaining   *prometheus.GaugeVec
	capUtilization *prometheus.GaugeVec
	periodDuration prometheus.Histogram
	periodPayouts  prometheus.Gauge
	pauseEngaged   prometheus.Gauge
	validations    *prometheus.CounterVec
}

// Rewardd exposes the metrics registry for the reward daemon.
func Rewardd() *RewarddMetrics {
	rewarddMetricsOnce.Do(func() {
		rewarddRegistry = &RewarddMetrics{
			grants: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lpr",
				Subsystem: "rewardd",
				Name:      "grants_total",
				Help:      "Count of granted reward lots segmented by token.",
			}, []string{"token"}),
			grantsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lpr",
				Subsystem: "rewardd",
				Name:      "grants_skipped_total",
				Help:      "Count of skipped grants segmented by reason.",
			}, []string{"reason"}),
			claims: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lpr",
				Subsystem: "rewardd",
				Name:      "claims_total",
				Help:      "Count of settled claim lots segmented by token.",
			}, []string{"token"}),
			claimsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lpr",
				Subsystem: "rewardd",
				Name:      "claims_skipped_total",
				Help:      "Count of skipped claim items segmented by reason.",
			}, []string{"reason"}),
			capRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lpr",
				Subsystem: "rewardd",
				Name:      "cap_remaining",
				Help:      "Remaining daily emission budget per accounting day.",
			}, []string{"day"}),
			capUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lpr",
				Subsystem: "rewardd",
				Name:      "cap_utilization",
				Help:      "Ratio of consumed daily emission budget (0-1).",
			}, []string{"day"}),
			periodDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "lpr",
				Subsystem: "rewardd",
				Name:      "period_run_duration_seconds",
				Help:      "Latency distribution for accounting period runs.",
				Buckets:   prometheus.DefBuckets,
			}),
			periodPayouts: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "lpr",
				Subsystem: "rewardd",
				Name:      "period_payouts",
				Help:      "Number of payouts produced by the latest period run.",
			}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "lpr",
				Subsystem: "rewardd",
				Name:      "pause_engaged",
				Help:      "Indicates whether the custodian pause guard is active (1) or not (0).",
			}),
			validations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lpr",
				Subsystem: "rewardd",
				Name:      "validations_total",
				Help:      "Count of position validations segmented by outcome and reason.",
			}, []string{"outcome", "reason"}),
		}
		prometheus.MustRegister(
			rewarddRegistry.grants,
			rewarddRegistry.grantsSkipped,
			rewarddRegistry.claims,
			rewarddRegistry.claimsSkipped,
			rewarddRegistry.capRemaining,
			rewarddRegistry.capUtilization,
			rewarddRegistry.periodDuration,
			rewarddRegistry.periodPayouts,
			rewarddRegistry.pauseEngaged,
			rewarddRegistry.validations,
		)
	})
	return rewarddRegistry
}

// RecordGrant increments the grant counter for the supplied token symbol.
func (m *RewarddMetrics) RecordGrant(token string) {
	if m == nil {
		return
	}
	m.grants.WithLabelValues(labelToken(token)).Inc()
}

// RecordGrantSkip increments the skipped-grant counter for the reason.
func (m *RewarddMetrics) RecordGrantSkip(reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.grantsSkipped.WithLabelValues(reason).Inc()
}

// RecordClaim increments the claim counter for the supplied token symbol.
func (m *RewarddMetrics) RecordClaim(token string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(labelToken(token)).Inc()
}

// RecordClaimSkip increments the skipped-claim counter for the reason.
func (m *RewarddMetrics) RecordClaimSkip(reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.claimsSkipped.WithLabelValues(reason).Inc()
}

// RecordCap updates the remaining-budget and utilisation gauges for a day.
func (m *RewarddMetrics) RecordCap(day string, remaining, total *big.Int) {
	if m == nil {
		return
	}
	remainingVal := bigToFloat(remaining)
	m.capRemaining.WithLabelValues(day).Set(remainingVal)
	totalVal := bigToFloat(total)
	utilisation := 0.0
	if totalVal > 0 {
		used := totalVal - remainingVal
		if used < 0 {
			used = 0
		}
		utilisation = used / totalVal
		if utilisation > 1 {
			utilisation = 1
		}
	}
	m.capUtilization.WithLabelValues(day).Set(utilisation)
}

// ObservePeriodRun records the latency and payout count of a period run.
func (m *RewarddMetrics) ObservePeriodRun(d time.Duration, payouts int) {
	if m == nil {
		return
	}
	m.periodDuration.Observe(d.Seconds())
	m.periodPayouts.Set(float64(payouts))
}

// SetPause toggles the pause_engaged gauge.
func (m *RewarddMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

// RecordValidation increments the validation counter. Accepted positions use
// an empty reason.
func (m *RewarddMetrics) RecordValidation(valid bool, reason string) {
	if m == nil {
		return
	}
	outcome := "accepted"
	if !valid {
		outcome = "rejected"
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "none"
	}
	m.validations.WithLabelValues(outcome, reason).Inc()
}

func labelToken(token string) string {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}

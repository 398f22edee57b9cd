package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Price lookup outcomes.
const (
	PriceFromFeed     = "feed"
	PriceFromFallback = "fallback"
	PriceUnavailable  = "none"
)

type OracleMetrics struct {
	lookups      *prometheus.CounterVec
	feedFailures *prometheus.CounterVec
	feedAge      *prometheus.GaugeVec
	adminUpdates *prometheus.CounterVec
}

var (
	oracleOnce     sync.Once
	oracleRegistry *OracleMetrics
)

// Oracle returns the lazily-initialised registry for price lookups.
func Oracle() *OracleMetrics {
	oracleOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lpvault",
				Subsystem: "oracle",
				Name:      "price_lookups_total",
				Help:      "Price lookups segmented by token and the branch that served them.",
			}, []string{"token", "source"}),
			feedFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lpvault",
				Subsystem: "oracle",
				Name:      "feed_failures_total",
				Help:      "Feed reads that could not be used, by token and reason.",
			}, []string{"token", "reason"}),
			feedAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lpvault",
				Subsystem: "oracle",
				Name:      "feed_age_seconds",
				Help:      "Age of the latest feed answer observed per token.",
			}, []string{"token"}),
			adminUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lpvault",
				Subsystem: "oracle",
				Name:      "admin_updates_total",
				Help:      "Governance mutations of oracle state by action and outcome.",
			}, []string{"action", "outcome"}),
		}
		prometheus.MustRegister(
			oracleRegistry.lookups,
			oracleRegistry.feedFailures,
			oracleRegistry.feedAge,
			oracleRegistry.adminUpdates,
		)
	})
	return oracleRegistry
}

func (m *OracleMetrics) ObserveLookup(token, source string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(labelToken(token), source).Inc()
}

func (m *OracleMetrics) ObserveFeedFailure(token, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.feedFailures.WithLabelValues(labelToken(token), reason).Inc()
}

func (m *OracleMetrics) ObserveFeedAge(token string, age time.Duration) {
	if m == nil {
		return
	}
	if age < 0 {
		age = 0
	}
	m.feedAge.WithLabelValues(labelToken(token)).Set(age.Seconds())
}

func (m *OracleMetrics) ObserveAdminUpdate(action string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.adminUpdates.WithLabelValues(action, outcome).Inc()
}

func labelToken(token string) string {
	trimmed := strings.ToLower(strings.TrimSpace(token))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

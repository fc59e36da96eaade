package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// DiscountCalculations counts priced lines by resulting discount type and evaluation mode.
	DiscountCalculations *prometheus.CounterVec
	// DiscountCapTriggered counts lines whose stacked total hit the configured cap.
	DiscountCapTriggered prometheus.Counter
	// DiscountCalculatorFailures counts calculator errors that were downgraded to "no discount".
	DiscountCalculatorFailures *prometheus.CounterVec
	// CampaignUsageSettlements tracks campaign usage settlement outcomes.
	CampaignUsageSettlements *prometheus.CounterVec
	// SettingsCacheLookups counts hospital settings cache hits and misses.
	SettingsCacheLookups *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		DiscountCalculations = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discount_calculations_total",
			Help:      "Count of priced invoice lines by discount type and mode.",
		}, []string{"discount_type", "mode"})
		DiscountCapTriggered = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discount_cap_triggered_total",
			Help:      "Number of lines whose stacked discount was clamped by the cap.",
		})
		DiscountCalculatorFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discount_calculator_failures_total",
			Help:      "Count of calculator failures that were skipped.",
		}, []string{"category"})
		CampaignUsageSettlements = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "campaign_usage_settlements_total",
			Help:      "Count of campaign usage settlement outcomes.",
		}, []string{"result"})
		SettingsCacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settings_cache_lookups_total",
			Help:      "Hospital discount settings cache lookups by result.",
		}, []string{"result"})

		DiscountCalculations = register(reg, DiscountCalculations)
		DiscountCapTriggered = register(reg, DiscountCapTriggered)
		DiscountCalculatorFailures = register(reg, DiscountCalculatorFailures)
		CampaignUsageSettlements = register(reg, CampaignUsageSettlements)
		SettingsCacheLookups = register(reg, SettingsCacheLookups)
	})
}

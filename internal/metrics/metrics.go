package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the regsync collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	HarvestsTotal           *prometheus.CounterVec
	HarvestDuration         *prometheus.HistogramVec
	OperationsApplied       *prometheus.CounterVec
	ListingPages            *prometheus.CounterVec
	TokensMinted            prometheus.Counter
	TokensRejected          *prometheus.CounterVec
	TokensPurged            prometheus.Counter
	NotificationsRaised     *prometheus.CounterVec
	NotificationsDispatched *prometheus.CounterVec
	NotificationFailures    *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HarvestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "regsync_harvests_total",
			Help: "Harvests of remote registries by result",
		}, []string{"registry", "result"}),
		HarvestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "regsync_harvest_duration_seconds",
			Help:    "Duration of complete harvests",
			Buckets: prometheus.DefBuckets,
		}, []string{"registry"}),
		OperationsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "regsync_operations_applied_total",
			Help: "Operations offered to the ledger by origin and outcome",
		}, []string{"origin", "outcome"}),
		ListingPages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "regsync_listing_pages_total",
			Help: "Listing pages served by listing type",
		}, []string{"listing"}),
		TokensMinted: factory.NewCounter(prometheus.CounterOpts{
			Name: "regsync_resumption_tokens_minted_total",
			Help: "Resumption tokens minted",
		}),
		TokensRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "regsync_resumption_tokens_rejected_total",
			Help: "Resumption tokens rejected by reason",
		}, []string{"reason"}),
		TokensPurged: factory.NewCounter(prometheus.CounterOpts{
			Name: "regsync_resumption_tokens_purged_total",
			Help: "Expired resumption tokens removed by the sweep",
		}),
		NotificationsRaised: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "regsync_notifications_raised_total",
			Help: "Notifications raised by kind",
		}, []string{"kind"}),
		NotificationsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "regsync_notifications_dispatched_total",
			Help: "Notifications handed to the mailer by kind",
		}, []string{"kind"}),
		NotificationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "regsync_notification_failures_total",
			Help: "Failed notification dispatch attempts by kind",
		}, []string{"kind"}),
	}
}

func (m *Metrics) ObserveHarvest(registry, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HarvestsTotal.WithLabelValues(registry, result).Inc()
	if result == "success" {
		m.HarvestDuration.WithLabelValues(registry).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) IncOperationApplied(origin string, applied bool) {
	if m == nil {
		return
	}
	if origin == "" {
		origin = "local"
	}
	outcome := "skipped"
	if applied {
		outcome = "applied"
	}
	m.OperationsApplied.WithLabelValues(origin, outcome).Inc()
}

func (m *Metrics) IncListingPage(listing string) {
	if m == nil {
		return
	}
	m.ListingPages.WithLabelValues(listing).Inc()
}

func (m *Metrics) IncTokensMinted() {
	if m == nil {
		return
	}
	m.TokensMinted.Inc()
}

func (m *Metrics) IncTokenRejected(reason string) {
	if m == nil {
		return
	}
	m.TokensRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) AddTokensPurged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TokensPurged.Add(float64(n))
}

func (m *Metrics) IncNotificationRaised(kind string) {
	if m == nil {
		return
	}
	m.NotificationsRaised.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncNotificationDispatched(kind string) {
	if m == nil {
		return
	}
	m.NotificationsDispatched.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncNotificationFailure(kind string) {
	if m == nil {
		return
	}
	m.NotificationFailures.WithLabelValues(kind).Inc()
}

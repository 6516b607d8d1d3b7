package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "quake_consensus"

// Metrics holds the Prometheus counters, histograms, and gauges for the
// verification engine and its adapters.
type Metrics struct {
	CyclesTotal     *prometheus.CounterVec // labels: status={ok,no_sources,aborted}
	CycleDuration   prometheus.Histogram
	CycleAgreement  prometheus.Gauge
	ConsensusEvents prometheus.Histogram
	ActiveSources   prometheus.Gauge
	EngineRunning   prometheus.Gauge

	// Fetch and cache metrics.
	FetchRequests *prometheus.CounterVec   // labels: source, outcome={success,error,degraded}
	FetchDuration *prometheus.HistogramVec // labels: source
	CacheLookups  *prometheus.CounterVec   // labels: result={hit,miss,stale}

	// Reliability and discrepancy metrics.
	SourceReliability *prometheus.GaugeVec   // labels: source
	Discrepancies     *prometheus.CounterVec // labels: cause, path={periodic,realtime}

	// Live feed and sink metrics.
	LiveEvents    *prometheus.CounterVec // labels: transport={http,kafka}, outcome={verified,discrepancy,invalid,error}
	SinkPublishes *prometheus.CounterVec // labels: sink={kafka,nats}, outcome={success,error}

	// Geocoding metrics.
	GeocodeRequests    *prometheus.CounterVec // labels: outcome={success,error,empty}
	GeocodeCache       *prometheus.CounterVec // labels: result={hit,miss}
	GeocodeAPIDuration prometheus.Histogram
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.CyclesTotal,
		m.CycleDuration,
		m.CycleAgreement,
		m.ConsensusEvents,
		m.ActiveSources,
		m.EngineRunning,
		m.FetchRequests,
		m.FetchDuration,
		m.CacheLookups,
		m.SourceReliability,
		m.Discrepancies,
		m.LiveEvents,
		m.SinkPublishes,
		m.GeocodeRequests,
		m.GeocodeCache,
		m.GeocodeAPIDuration,
	)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_cycles_total",
			Help:      "Verification cycles by final status.",
		}, []string{"status"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verification_cycle_duration_seconds",
			Help:      "Duration of a complete fetch-correlate-score-consensus cycle.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
		CycleAgreement: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cycle_agreement",
			Help:      "Overall cross-source agreement of the last cycle.",
		}),
		ConsensusEvents: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "consensus_events",
			Help:      "Number of consensus events built per cycle.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
		}),
		ActiveSources: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sources",
			Help:      "Sources that passed the last connectivity probe.",
		}),
		EngineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_running",
			Help:      "1 when periodic verification is active, 0 when stopped.",
		}),
		FetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_requests_total",
			Help:      "Upstream fetches by source and outcome.",
		}, []string{"source", "outcome"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Upstream fetch duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"source"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by result.",
		}, []string{"result"}),
		SourceReliability: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_reliability",
			Help:      "Effective reliability per source after the last cycle.",
		}, []string{"source"}),
		Discrepancies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discrepancies_total",
			Help:      "Discrepancies raised by cause and verification path.",
		}, []string{"cause", "path"}),
		LiveEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_events_total",
			Help:      "Live events checked by transport and outcome.",
		}, []string{"transport", "outcome"}),
		SinkPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_publishes_total",
			Help:      "Messages published to downstream sinks by outcome.",
		}, []string{"sink", "outcome"}),
		GeocodeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_requests_total",
			Help:      "Reverse geocoding requests by outcome.",
		}, []string{"outcome"}),
		GeocodeCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_cache_total",
			Help:      "Geocoding cache lookups by result.",
		}, []string{"result"}),
		GeocodeAPIDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "geocode_api_duration_seconds",
			Help:      "Mapbox API request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}
}

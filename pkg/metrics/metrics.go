// Package metrics registers the Prometheus instrumentation exposed by the
// first-minute controller's status endpoint.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// StageTransitionsTotal counts each time the state machine moves from
	// one stage to another.
	StageTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "firstminute",
			Name:      "stage_transitions_total",
			Help:      "Count of stage transitions, labeled by from/to stage.",
		},
		[]string{"from", "to"},
	)

	// SuspicionScore is the current accumulated suspicion score.
	SuspicionScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "firstminute",
			Name:      "suspicion_score",
			Help:      "Current accumulated suspicion score of the state machine.",
		},
	)

	// CurrentStage reports the active stage as a 0/1 gauge per label, so a
	// single query shows which stage is active.
	CurrentStage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "firstminute",
			Name:      "current_stage",
			Help:      "1 for the currently active stage, 0 otherwise.",
		},
		[]string{"stage"},
	)

	// ProbeFailuresTotal counts failed probe runs, labeled by probe name.
	ProbeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "firstminute",
			Name:      "probe_failures_total",
			Help:      "Count of probe failures, labeled by probe name.",
		},
		[]string{"probe"},
	)

	// ProbeRunsTotal counts every probe run, regardless of outcome.
	ProbeRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "firstminute",
			Name:      "probe_runs_total",
			Help:      "Count of probe runs, labeled by probe name.",
		},
		[]string{"probe"},
	)

	// WifiTagsTotal counts Wi-Fi safety tags raised, labeled by tag name.
	WifiTagsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "firstminute",
			Name:      "wifi_tags_total",
			Help:      "Count of Wi-Fi safety tags raised, labeled by tag.",
		},
		[]string{"tag"},
	)

	// DNSObserverAnswersTotal counts IP literals extracted from the
	// dnsmasq query log by the observer.
	DNSObserverAnswersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "firstminute",
			Name:      "dns_observer_answers_total",
			Help:      "Count of DNS answer IPs observed by the tailer.",
		},
		[]string{"set"},
	)

	// AllowSetSize reports the current size of each dynamic allow-set.
	AllowSetSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "firstminute",
			Name:      "allow_set_size",
			Help:      "Current number of entries in a dynamic packet-filter allow-set.",
		},
		[]string{"set"},
	)

	// NftApplyTotal counts packet-filter apply operations, labeled by
	// operation and outcome.
	NftApplyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "firstminute",
			Name:      "nft_apply_total",
			Help:      "Count of packet-filter apply operations, labeled by op and outcome.",
		},
		[]string{"op", "outcome"},
	)

	// TickDurationSeconds observes how long each controller tick takes.
	TickDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "firstminute",
			Name:      "tick_duration_seconds",
			Help:      "Duration of a single controller tick.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	registerOnce sync.Once
)

// Register registers all first-minute controller metrics on reg exactly
// once, regardless of how many times it's called.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(StageTransitionsTotal)
		reg.MustRegister(SuspicionScore)
		reg.MustRegister(CurrentStage)
		reg.MustRegister(ProbeFailuresTotal)
		reg.MustRegister(ProbeRunsTotal)
		reg.MustRegister(WifiTagsTotal)
		reg.MustRegister(DNSObserverAnswersTotal)
		reg.MustRegister(AllowSetSize)
		reg.MustRegister(NftApplyTotal)
		reg.MustRegister(TickDurationSeconds)
	})
}

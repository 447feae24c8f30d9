package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// consensusMetrics bundles the Prometheus collectors the driver updates on
// every height/round transition and QC formation, the same lazily
// initialised, package-level singleton pattern the teacher uses for its own
// per-subsystem metrics registries.
type consensusMetrics struct {
	height         prometheus.Gauge
	round          prometheus.Gauge
	blockInterval  prometheus.Gauge
	cabinetDrawers prometheus.Gauge
	qcFormed       *prometheus.CounterVec
	chokesTotal    prometheus.Counter
}

var (
	consensusMetricsOnce sync.Once
	consensusRegistry    *consensusMetrics
)

// Consensus returns the singleton metrics registry for the driver.
func Consensus() *consensusMetrics {
	consensusMetricsOnce.Do(func() {
		consensusRegistry = &consensusMetrics{
			height: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "overlord",
				Subsystem: "consensus",
				Name:      "height",
				Help:      "Current consensus height this authority is driving.",
			}),
			round: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "overlord",
				Subsystem: "consensus",
				Name:      "round",
				Help:      "Current round within the active height.",
			}),
			blockInterval: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "overlord",
				Subsystem: "consensus",
				Name:      "block_interval_seconds",
				Help:      "Wall-clock seconds between the two most recently committed heights.",
			}),
			cabinetDrawers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "overlord",
				Subsystem: "consensus",
				Name:      "cabinet_drawers",
				Help:      "Number of heights the cabinet currently holds collected votes for.",
			}),
			qcFormed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "overlord",
				Subsystem: "consensus",
				Name:      "qc_formed_total",
				Help:      "Count of quorum certificates this authority formed, by kind.",
			}, []string{"kind"}),
			chokesTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "overlord",
				Subsystem: "consensus",
				Name:      "chokes_total",
				Help:      "Count of choke votes this authority has recorded, across every round.",
			}),
		}
		prometheus.MustRegister(
			consensusRegistry.height,
			consensusRegistry.round,
			consensusRegistry.blockInterval,
			consensusRegistry.cabinetDrawers,
			consensusRegistry.qcFormed,
			consensusRegistry.chokesTotal,
		)
	})
	return consensusRegistry
}

// SetHeight updates the current-height gauge.
func (m *consensusMetrics) SetHeight(height uint64) {
	if m == nil {
		return
	}
	m.height.Set(float64(height))
}

// SetRound updates the current-round gauge.
func (m *consensusMetrics) SetRound(round uint64) {
	if m == nil {
		return
	}
	m.round.Set(float64(round))
}

// RecordBlockInterval updates the block interval gauge with the time
// elapsed since the previous commit.
func (m *consensusMetrics) RecordBlockInterval(interval time.Duration) {
	if m == nil {
		return
	}
	seconds := interval.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.blockInterval.Set(seconds)
}

// SetCabinetDrawers updates the cabinet occupancy gauge.
func (m *consensusMetrics) SetCabinetDrawers(n int) {
	if m == nil {
		return
	}
	m.cabinetDrawers.Set(float64(n))
}

// RecordQCFormed increments the QC counter for the given kind
// ("pre_vote", "pre_commit" or "choke").
func (m *consensusMetrics) RecordQCFormed(kind string) {
	if m == nil {
		return
	}
	m.qcFormed.WithLabelValues(kind).Inc()
}

// RecordChoke increments the total choke-vote counter.
func (m *consensusMetrics) RecordChoke() {
	if m == nil {
		return
	}
	m.chokesTotal.Inc()
}

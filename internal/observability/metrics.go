package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	pushesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "change_sync",
		Subsystem: "engine",
		Name:      "pushes_total",
		Help:      "Push requests processed.",
	})
	changesAcceptedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "change_sync",
		Subsystem: "engine",
		Name:      "changes_accepted_total",
		Help:      "Changes appended to a change log.",
	})
	conflictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "change_sync",
		Subsystem: "engine",
		Name:      "conflicts_total",
		Help:      "Conflicts detected, by resolution outcome.",
	}, []string{"resolution"})
	fanoutSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "change_sync",
		Subsystem: "fanout",
		Name:      "hints_sent_total",
		Help:      "Hint batches delivered to live sessions.",
	})
	fanoutDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "change_sync",
		Subsystem: "fanout",
		Name:      "hints_dropped_total",
		Help:      "Hint batches dropped because a session buffer was full.",
	})
	sweepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "change_sync",
		Subsystem: "retention",
		Name:      "sweeps_total",
		Help:      "Retention sweeper runs.",
	})
	entriesEvictedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "change_sync",
		Subsystem: "retention",
		Name:      "entries_evicted_total",
		Help:      "Log entries removed by size cap or age horizon.",
	})
	attachedSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "change_sync",
		Subsystem: "fanout",
		Name:      "attached_sessions",
		Help:      "Currently attached live sessions across all accounts.",
	})
)

func init() {
	prometheus.MustRegister(
		pushesTotal,
		changesAcceptedTotal,
		conflictsTotal,
		fanoutSentTotal,
		fanoutDroppedTotal,
		sweepsTotal,
		entriesEvictedTotal,
		attachedSessions,
	)
}

func RecordPush(accepted int) {
	pushesTotal.Inc()
	changesAcceptedTotal.Add(float64(accepted))
}

func RecordConflict(resolution string) {
	conflictsTotal.WithLabelValues(resolution).Inc()
}

func RecordFanout(sent, dropped int) {
	fanoutSentTotal.Add(float64(sent))
	fanoutDroppedTotal.Add(float64(dropped))
}

func RecordSweep(evicted int64) {
	sweepsTotal.Inc()
	entriesEvictedTotal.Add(float64(evicted))
}

func RecordEvicted(n int64) {
	entriesEvictedTotal.Add(float64(n))
}

func SessionAttached() { attachedSessions.Inc() }
func SessionDetached() { attachedSessions.Dec() }

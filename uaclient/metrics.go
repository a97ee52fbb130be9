package uaclient

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics are registered on a registry owned by the client, never the global one
type clientMetrics struct {
	registry *prometheus.Registry

	requests           *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	targets            *prometheus.CounterVec
	rounds             *prometheus.CounterVec
	housekeepingTicks  prometheus.Counter
	resubmittedItems   prometheus.Counter
	sessions           *prometheus.GaugeVec
	persistedItemCount prometheus.GaugeFunc
}

func newClientMetrics(store *PersistentRequestStore) *clientMetrics {
	metrics := &clientMetrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "uaclient",
				Name:      "requests_total",
				Help:      "Requests processed, by service and overall outcome.",
			},
			[]string{"service", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "uaclient",
				Name:      "request_duration_seconds",
				Help:      "Time to process a request through the pipeline.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service"},
		),
		targets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "uaclient",
				Name:      "targets_total",
				Help:      "Request targets, by service and outcome.",
			},
			[]string{"service", "outcome"},
		),
		rounds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "uaclient",
				Name:      "continuation_rounds_total",
				Help:      "Automatic continuation rounds, by service.",
			},
			[]string{"service"},
		),
		housekeepingTicks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "uaclient",
				Name:      "housekeeping_ticks_total",
				Help:      "Housekeeping passes.",
			},
		),
		resubmittedItems: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "uaclient",
				Name:      "resubmitted_items_total",
				Help:      "Persisted requests re-submitted by housekeeping.",
			},
		),
		sessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "uaclient",
				Name:      "sessions",
				Help:      "Sessions, by state.",
			},
			[]string{"state"},
		),
	}
	metrics.persistedItemCount = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "uaclient",
			Name:      "persisted_items",
			Help:      "Durable requests that still have bad targets.",
		},
		func() float64 {
			return float64(store.Len())
		},
	)

	metrics.registry.MustRegister(
		metrics.requests,
		metrics.requestDuration,
		metrics.targets,
		metrics.rounds,
		metrics.housekeepingTicks,
		metrics.resubmittedItems,
		metrics.sessions,
		metrics.persistedItemCount,
	)
	return metrics
}

func outcome(status Status) string {
	switch {
	case status.IsGood():
		return "good"
	case status.IsUncertain():
		return "uncertain"
	default:
		return "bad"
	}
}

func (self *clientMetrics) requestDone(j job, err error, duration time.Duration) {
	if self == nil {
		return
	}
	service := string(j.serviceKind())
	if err != nil {
		self.requests.WithLabelValues(service, "error").Inc()
		return
	}
	self.requestDuration.WithLabelValues(service).Observe(duration.Seconds())
	counts := map[string]int{}
	var statuses []Status
	for rank := 0; rank < j.targetCount(); rank += 1 {
		status := j.targetStatus(rank)
		statuses = append(statuses, status)
		counts[outcome(status)] += 1
	}
	for targetOutcome, count := range counts {
		self.targets.WithLabelValues(service, targetOutcome).Add(float64(count))
	}
	self.requests.WithLabelValues(service, outcome(AggregateStatus(statuses))).Inc()
}

func (self *clientMetrics) continuationRounds(kind ServiceKind, rounds int) {
	if self == nil {
		return
	}
	self.rounds.WithLabelValues(string(kind)).Add(float64(rounds))
}

func (self *clientMetrics) housekeepingTick(resubmittedCount int) {
	if self == nil {
		return
	}
	self.housekeepingTicks.Inc()
	self.resubmittedItems.Add(float64(resubmittedCount))
}

func (self *clientMetrics) setSessionStates(stateCounts map[SessionState]int) {
	if self == nil {
		return
	}
	for _, state := range []SessionState{
		SessionStateConnecting,
		SessionStateConnected,
		SessionStateDisconnected,
		SessionStateFailed,
	} {
		self.sessions.WithLabelValues(string(state)).Set(float64(stateCounts[state]))
	}
}

// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "helpdeskpipe"

var (
	// InboundMessages counts inbound messages by engine outcome.
	InboundMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "flow",
		Name:      "inbound_messages_total",
		Help:      "Inbound messages handled by the flow engine, by outcome",
	}, []string{"outcome"})

	// FlowsStarted counts sessions opened per flow.
	FlowsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "flow",
		Name:      "started_total",
		Help:      "Conversation sessions started, by flow",
	}, []string{"flow"})

	// ActionFailures counts failed flow actions.
	ActionFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "flow",
		Name:      "action_failures_total",
		Help:      "Flow actions that failed or were unknown, by action type",
	}, []string{"action"})

	// SessionConflicts counts optimistic concurrency conflicts on session saves.
	SessionConflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "conflicts_total",
		Help:      "Session save conflicts, by resolution (retried, dropped)",
	}, []string{"resolution"})

	// SessionsSwept counts idle sessions removed by the sweep.
	SessionsSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "swept_total",
		Help:      "Idle sessions deleted by the periodic sweep",
	})

	// MutationEvents counts normalized mutation events.
	MutationEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "watcher",
		Name:      "events_total",
		Help:      "Mutation events normalized, by table and action",
	}, []string{"table", "action"})

	// Notifications counts dispatch outcomes.
	Notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "dispatched_total",
		Help:      "Notification dispatch attempts, by template and final status",
	}, []string{"template", "status"})

	// GatewayLatency observes outbound gateway call durations.
	GatewayLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "send_duration_seconds",
		Help:      "Gateway send latency in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"gateway"})
)

// Collectors returns every collector defined by this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		InboundMessages,
		FlowsStarted,
		ActionFailures,
		SessionConflicts,
		SessionsSwept,
		MutationEvents,
		Notifications,
		GatewayLatency,
	}
}

// MustRegister registers all collectors with reg and panics on duplicates.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(Collectors()...)
}

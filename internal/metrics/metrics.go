// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PolicyDecisions counts ABAC decisions by effect.
	PolicyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bp_approvals",
		Name:      "policy_decisions_total",
		Help:      "Access decisions returned by the policy engine, by effect.",
	}, []string{"effect"})

	// RequestTransitions counts state machine transitions by action and outcome.
	RequestTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bp_approvals",
		Name:      "request_transitions_total",
		Help:      "Approval request transitions, by action and outcome.",
	}, []string{"action", "outcome"})

	// NotificationsPublished counts outbound notification events.
	NotificationsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bp_approvals",
		Name:      "notifications_published_total",
		Help:      "Notification events published to NATS.",
	})
)

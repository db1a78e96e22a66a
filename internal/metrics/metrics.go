// Package metrics defines the Prometheus instrumentation for the sync
// subsystem. All collectors are registered on the default registry via
// promauto and exposed by the HTTP surface under /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session metrics
var (
	// SessionRenewalsTotal tracks startup and timer-driven token renewals by result
	SessionRenewalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_renewals_total",
			Help: "Total token renewal attempts by result",
		},
		[]string{"result"},
	)
)

// Push channel metrics
var (
	// PushEventsTotal tracks notifications received over the push channel
	PushEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "push_events_total",
			Help: "Total notification events received over the push channel",
		},
	)

	// PushReconnectsTotal tracks reconnect attempts after transient channel failures
	PushReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "push_reconnects_total",
			Help: "Total push channel reconnect attempts",
		},
	)

	// PushChannelUp reports whether a push connection is currently open (0/1)
	PushChannelUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "push_channel_up",
			Help: "Whether a push connection is currently open (0 or 1)",
		},
	)
)

// Notification ledger metrics
var (
	// NotificationMutationsTotal tracks mark-read operations by kind and result
	NotificationMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_mutations_total",
			Help: "Total notification mutations by operation and result",
		},
		[]string{"operation", "result"},
	)

	// UnreadNotifications reports the ledger's current unread counter
	UnreadNotifications = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "unread_notifications",
			Help: "Current unread notification count as known to this client",
		},
	)
)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	BroadcastsSent     prometheus.Counter
	BroadcastsRelayed  prometheus.Counter
	BroadcastsAccepted prometheus.Counter
	RepliesReceived    prometheus.Counter
	RepliesRelayed     prometheus.Counter

	MonitoredInvoices prometheus.Gauge
	MonitoredPayments prometheus.Gauge
	ActiveContacts    prometheus.Gauge

	TasksExecuted *prometheus.CounterVec
	TaskFailures  *prometheus.CounterVec
)

var Registered = false

func RegisterMetrics(namespace string) {
	if Registered {
		return
	}
	Registered = true

	BroadcastsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name:      "broadcasts_sent",
			Namespace: namespace,
			Subsystem: "gossip",
			Help:      "Broadcast frames sent to peers.",
		},
	)

	BroadcastsRelayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name:      "broadcasts_relayed",
			Namespace: namespace,
			Subsystem: "gossip",
			Help:      "Incoming broadcasts relayed further.",
		},
	)

	BroadcastsAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name:      "broadcasts_accepted",
			Namespace: namespace,
			Subsystem: "gossip",
			Help:      "Incoming broadcasts accepted as provider.",
		},
	)

	RepliesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name:      "replies_received",
			Namespace: namespace,
			Subsystem: "gossip",
			Help:      "Unique replies received as requester.",
		},
	)

	RepliesRelayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name:      "replies_relayed",
			Namespace: namespace,
			Subsystem: "gossip",
			Help:      "Reply frames re-wrapped and forwarded.",
		},
	)

	MonitoredInvoices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:      "monitored_invoices",
			Namespace: namespace,
			Subsystem: "gossip",
			Help:      "Invoices currently monitored for state changes.",
		},
	)

	MonitoredPayments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:      "monitored_payments",
			Namespace: namespace,
			Subsystem: "gossip",
			Help:      "Payments currently monitored for status changes.",
		},
	)

	ActiveContacts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:      "active_contacts",
			Namespace: namespace,
			Subsystem: "gossip",
			Help:      "Peers seen within the activity window.",
		},
	)

	TasksExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "tasks_executed",
			Namespace: namespace,
			Subsystem: "gossip",
			Help:      "Background tasks completed.",
		},
		[]string{"job_type"},
	)

	TaskFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "task_failures",
			Namespace: namespace,
			Subsystem: "gossip",
			Help:      "Background task executions that will be retried.",
		},
		[]string{"job_type"},
	)

	prometheus.MustRegister(BroadcastsSent)
	prometheus.MustRegister(BroadcastsRelayed)
	prometheus.MustRegister(BroadcastsAccepted)
	prometheus.MustRegister(RepliesReceived)
	prometheus.MustRegister(RepliesRelayed)
	prometheus.MustRegister(MonitoredInvoices)
	prometheus.MustRegister(MonitoredPayments)
	prometheus.MustRegister(ActiveContacts)
	prometheus.MustRegister(TasksExecuted)
	prometheus.MustRegister(TaskFailures)
}

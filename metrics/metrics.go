// Package metrics holds the Prometheus series required by §4.12.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Connections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "smtp_connections_total",
		Help: "SMTP connections accepted.",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "smtp_active_sessions",
		Help: "SMTP sessions currently active.",
	})

	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "smtp_auth_failures_total",
		Help: "SMTP AUTH attempts that failed.",
	})

	TLSHandshakes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtp_tls_handshakes_total",
			Help: "STARTTLS/implicit TLS handshakes, by result.",
		},
		[]string{"result"}, // ok, error
	)

	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messages_received_total",
		Help: "Messages accepted for delivery.",
	})

	MessagesVirusRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messages_virus_rejected_total",
		Help: "Messages rejected because the virus scanner found an infection.",
	})

	MessagesDMARCRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messages_dmarc_rejected_total",
		Help: "Messages rejected by DMARC policy evaluation.",
	})

	MessagesRetroactive = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messages_retroactive_total",
		Help: "Already-delivered messages retroactively quarantined or deleted.",
	})

	MailQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mail_queue_depth",
			Help: "Messages in the outbound queue, by state.",
		},
		[]string{"state"}, // active, inflight, failure, permanent_fail
	)

	SessionDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name:       "smtp_session_duration_ms",
		Help:       "SMTP session duration in milliseconds.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})
)

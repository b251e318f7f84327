package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_transitions_total",
		Help: "Escrow operations by outcome",
	}, []string{"op", "result"})

	gatewayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "escrow_gateway_request_duration_seconds",
		Help:    "Payment gateway call latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"op", "result"})

	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_code_notifications_total",
		Help: "Confirmation code deliveries by outcome",
	}, []string{"result"})

	expiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_expired_total",
		Help: "Transactions moved to expired by the sweep or on access",
	})
)

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

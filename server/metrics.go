package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relic_server_requests_total",
		Help: "Requests handled, by protocol and message id.",
	}, []string{"proto", "id"})

	broadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relic_server_broadcasts_total",
		Help: "Notification writes to clients.",
	})

	clientGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relic_server_clients",
		Help: "Currently connected clients.",
	})
)

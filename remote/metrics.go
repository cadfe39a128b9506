package remote

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "relic_remote_connects_total",
	Help: "Successful connections per remote endpoint.",
}, []string{"endpoint"})

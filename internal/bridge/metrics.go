package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeForwarded = "forwarded"
	outcomeTimeout   = "timeout"
	outcomeRejected  = "rejected"
	outcomeError     = "error"
)

var proxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lakeagent",
	Subsystem: "bridge",
	Name:      "proxy_requests_total",
	Help:      "Proxied requests by outcome.",
}, []string{"outcome"})

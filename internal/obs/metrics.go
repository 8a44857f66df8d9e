package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions         = promauto.NewGauge(prometheus.GaugeOpts{Name: "tn3270gw_active_sessions", Help: "Sessions currently in the registry"})
	SessionsTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "tn3270gw_sessions_total", Help: "Sessions created"})
	ConnectFailuresTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "tn3270gw_connect_failures_total", Help: "Failed dials to 3270 hosts"})
	NegotiationsTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tn3270gw_negotiations_total", Help: "Telnet negotiation frames by pattern"}, []string{"pattern"})
	BytesTotal             = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tn3270gw_bytes_total", Help: "Bytes relayed by direction"}, []string{"direction"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tn3270gw_errors_total", Help: "Errors by type"}, []string{"type"})
	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "tn3270gw_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 20)})
)

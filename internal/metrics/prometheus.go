package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollectors holds the Prometheus instruments mirroring
// Collector's atomic counters.
type PrometheusCollectors struct {
	SessionsActive prometheus.Gauge

	CommandsAllowed prometheus.Counter
	CommandsBlocked prometheus.Counter

	ACLBindsByNet  prometheus.Counter
	ACLBindsByCert prometheus.Counter
	ACLBindsByAuth prometheus.Counter

	AuthOK   prometheus.Counter
	AuthFail prometheus.Counter

	UpstreamConnectFail prometheus.Counter
	TLSHandshakeFail    prometheus.Counter

	BytesUpstream   prometheus.Counter
	BytesDownstream prometheus.Counter
}

// InitPrometheus registers and returns the proxy's Prometheus instruments
// under namespace. Registering the same namespace twice (e.g. in tests)
// reuses the already-registered collector instead of panicking.
func InitPrometheus(namespace string) *PrometheusCollectors {
	register := func(c prometheus.Collector) prometheus.Collector {
		if err := prometheus.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return are.ExistingCollector
			}
			return c
		}
		return c
	}

	pc := &PrometheusCollectors{}

	pc.SessionsActive = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of currently active client sessions",
	})).(prometheus.Gauge)

	pc.CommandsAllowed = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_allowed_total",
		Help:      "Total number of client commands forwarded to upstream",
	})).(prometheus.Counter)

	pc.CommandsBlocked = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_blocked_total",
		Help:      "Total number of client commands blocked by ACL",
	})).(prometheus.Counter)

	pc.ACLBindsByNet = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "acl_binds_by_net_total",
		Help:      "Total number of sessions bound to an ACL by source network",
	})).(prometheus.Counter)

	pc.ACLBindsByCert = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "acl_binds_by_cert_total",
		Help:      "Total number of sessions bound to an ACL by TLS client certificate",
	})).(prometheus.Counter)

	pc.ACLBindsByAuth = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "acl_binds_by_auth_total",
		Help:      "Total number of sessions bound to an ACL by AUTH password",
	})).(prometheus.Counter)

	pc.AuthOK = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "client_auth_ok_total",
		Help:      "Total number of successful client AUTH attempts",
	})).(prometheus.Counter)

	pc.AuthFail = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "client_auth_fail_total",
		Help:      "Total number of failed client AUTH attempts",
	})).(prometheus.Counter)

	pc.UpstreamConnectFail = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_connect_fail_total",
		Help:      "Total number of failed upstream connection attempts",
	})).(prometheus.Counter)

	pc.TLSHandshakeFail = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tls_handshake_fail_total",
		Help:      "Total number of failed frontend TLS handshakes",
	})).(prometheus.Counter)

	pc.BytesUpstream = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_upstream_total",
		Help:      "Total bytes relayed from clients to upstream",
	})).(prometheus.Counter)

	pc.BytesDownstream = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_downstream_total",
		Help:      "Total bytes relayed from upstream to clients",
	})).(prometheus.Counter)

	return pc
}

// Package metrics collects proxy-wide counters: sessions, ACL binds,
// command gating outcomes, auth outcomes and relayed byte totals.
package metrics

import "sync/atomic"

// Collector holds the atomic counters for one process. All fields are
// lock-free; a Collector is safe to share across every session and proxy
// goroutine.
type Collector struct {
	SessionsActive atomic.Int64

	CommandsAllowed atomic.Uint64
	CommandsBlocked atomic.Uint64

	ACLBindsByNet  atomic.Uint64
	ACLBindsByCert atomic.Uint64
	ACLBindsByAuth atomic.Uint64

	AuthOK   atomic.Uint64
	AuthFail atomic.Uint64

	UpstreamConnectFail atomic.Uint64
	TLSHandshakeFail    atomic.Uint64

	BytesUpstream   atomic.Uint64
	BytesDownstream atomic.Uint64

	prom *PrometheusCollectors
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// AttachPrometheus makes every subsequent Collector update also land on
// the matching Prometheus instrument. Call once at startup, before the
// first session begins.
func (c *Collector) AttachPrometheus(p *PrometheusCollectors) {
	c.prom = p
}

func (c *Collector) SessionOpened() {
	n := c.SessionsActive.Add(1)
	if c.prom != nil {
		c.prom.SessionsActive.Set(float64(n))
	}
}

func (c *Collector) SessionClosed() {
	n := c.SessionsActive.Add(-1)
	if c.prom != nil {
		c.prom.SessionsActive.Set(float64(n))
	}
}

func (c *Collector) CommandAllowed() {
	c.CommandsAllowed.Add(1)
	if c.prom != nil {
		c.prom.CommandsAllowed.Inc()
	}
}

func (c *Collector) CommandBlocked() {
	c.CommandsBlocked.Add(1)
	if c.prom != nil {
		c.prom.CommandsBlocked.Inc()
	}
}

func (c *Collector) ACLBoundByNet() {
	c.ACLBindsByNet.Add(1)
	if c.prom != nil {
		c.prom.ACLBindsByNet.Inc()
	}
}

func (c *Collector) ACLBoundByCert() {
	c.ACLBindsByCert.Add(1)
	if c.prom != nil {
		c.prom.ACLBindsByCert.Inc()
	}
}

func (c *Collector) ACLBoundByAuth() {
	c.ACLBindsByAuth.Add(1)
	if c.prom != nil {
		c.prom.ACLBindsByAuth.Inc()
	}
}

func (c *Collector) AuthSucceeded() {
	c.AuthOK.Add(1)
	if c.prom != nil {
		c.prom.AuthOK.Inc()
	}
}

func (c *Collector) AuthFailed() {
	c.AuthFail.Add(1)
	if c.prom != nil {
		c.prom.AuthFail.Inc()
	}
}

func (c *Collector) UpstreamConnectFailed() {
	c.UpstreamConnectFail.Add(1)
	if c.prom != nil {
		c.prom.UpstreamConnectFail.Inc()
	}
}

func (c *Collector) TLSHandshakeFailed() {
	c.TLSHandshakeFail.Add(1)
	if c.prom != nil {
		c.prom.TLSHandshakeFail.Inc()
	}
}

func (c *Collector) AddBytesUpstream(n int) {
	c.BytesUpstream.Add(uint64(n))
	if c.prom != nil {
		c.prom.BytesUpstream.Add(float64(n))
	}
}

func (c *Collector) AddBytesDownstream(n int) {
	c.BytesDownstream.Add(uint64(n))
	if c.prom != nil {
		c.prom.BytesDownstream.Add(float64(n))
	}
}

// Snapshot is a point-in-time, JSON-friendly view of Collector.
type Snapshot struct {
	SessionsActive      int64  `json:"sessions_active"`
	CommandsAllowed     uint64 `json:"commands_allowed"`
	CommandsBlocked     uint64 `json:"commands_blocked"`
	ACLBindsByNet       uint64 `json:"acl_binds_by_net"`
	ACLBindsByCert      uint64 `json:"acl_binds_by_cert"`
	ACLBindsByAuth      uint64 `json:"acl_binds_by_auth"`
	AuthOK              uint64 `json:"auth_ok"`
	AuthFail            uint64 `json:"auth_fail"`
	UpstreamConnectFail uint64 `json:"upstream_connect_fail"`
	TLSHandshakeFail    uint64 `json:"tls_handshake_fail"`
	BytesUpstream       uint64 `json:"bytes_upstream"`
	BytesDownstream     uint64 `json:"bytes_downstream"`
}

func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		SessionsActive:      c.SessionsActive.Load(),
		CommandsAllowed:     c.CommandsAllowed.Load(),
		CommandsBlocked:     c.CommandsBlocked.Load(),
		ACLBindsByNet:       c.ACLBindsByNet.Load(),
		ACLBindsByCert:      c.ACLBindsByCert.Load(),
		ACLBindsByAuth:      c.ACLBindsByAuth.Load(),
		AuthOK:              c.AuthOK.Load(),
		AuthFail:            c.AuthFail.Load(),
		UpstreamConnectFail: c.UpstreamConnectFail.Load(),
		TLSHandshakeFail:    c.TLSHandshakeFail.Load(),
		BytesUpstream:       c.BytesUpstream.Load(),
		BytesDownstream:     c.BytesDownstream.Load(),
	}
}

package proxy

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// SocksConfig configures an optional SOCKS5 hop between a listener and its
// upstream Redis. Most deployments leave this disabled and dial upstream
// directly; it exists for the case where the upstream is only reachable
// through a SOCKS5 relay (e.g. a jump host in front of a private Redis).
type SocksConfig struct {
	Enabled  bool   `json:"enabled"`
	Type     string `json:"type"` // must be "socks5"
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// upstreamDialer dials the upstream Redis connection, either directly or
// through the configured SOCKS5 proxy.
type upstreamDialer struct {
	dialer proxy.Dialer
}

// newUpstreamDialer builds a dialer for the upstream Redis connection from
// cfg. A disabled config yields a plain TCP dialer.
func newUpstreamDialer(cfg *SocksConfig) (*upstreamDialer, error) {
	if !cfg.Enabled {
		return &upstreamDialer{dialer: &net.Dialer{Timeout: 10 * time.Second}}, nil
	}

	if cfg.Type != "socks5" {
		return nil, fmt.Errorf("unsupported socks proxy type: %s (must be 'socks5')", cfg.Type)
	}
	if cfg.Host == "" || cfg.Port == 0 {
		return nil, fmt.Errorf("socks proxy host and port are required when enabled")
	}

	authURL := &url.URL{
		Scheme: "socks5",
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}
	if cfg.Username != "" {
		authURL.User = url.UserPassword(cfg.Username, cfg.Password)
	}

	d, err := proxy.FromURL(authURL, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("building socks proxy dialer: %w", err)
	}
	return &upstreamDialer{dialer: d}, nil
}

// DialContext dials address, honoring ctx cancellation even when the
// underlying SOCKS dialer predates context support.
func (d *upstreamDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if ctxDialer, ok := d.dialer.(interface {
		DialContext(context.Context, string, string) (net.Conn, error)
	}); ok {
		return ctxDialer.DialContext(ctx, network, address)
	}

	done := make(chan struct{})
	var conn net.Conn
	var err error
	go func() {
		conn, err = d.dialer.Dial(network, address)
		close(done)
	}()

	select {
	case <-done:
		return conn, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

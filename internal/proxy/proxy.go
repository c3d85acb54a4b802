// Package proxy wires one configured listener together: TLS termination,
// rate limiting, ACL resolution and the session state machine that handles
// each accepted connection.
package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/seznam/proxis/internal/acl"
	"github.com/seznam/proxis/internal/metrics"
	"github.com/seznam/proxis/internal/ratelimit"
	"github.com/seznam/proxis/internal/resp"
	"github.com/seznam/proxis/internal/session"
	"github.com/seznam/proxis/internal/worker"
	"github.com/seznam/proxis/pkg/logger"
)

const (
	defaultCA            = "/etc/ssl/certs/ca-certificates.crt"
	defaultRedisTimeout  = 3 * time.Second
	naughtyCommandBody   = "NOT AUTHORIZED"
	clientAuthErrMessage = "ERR invalid password"
)

// Config is one "proxy" group from the top-level config tree.
type Config struct {
	Listen       string      `json:"listen"`
	Redis        string      `json:"redis"`
	RedisTimeout int         `json:"redis_timeout"`
	RedisAuth    string      `json:"redis_auth,omitempty"`
	RedisSocks   SocksConfig `json:"redis_socks,omitempty"`

	Cert string `json:"cert,omitempty"`
	Key  string `json:"key,omitempty"`
	// CA distinguishes "not configured" (nil, default bundle applies) from
	// "explicitly empty" (peer verification disabled).
	CA *string `json:"ca,omitempty"`

	ACL       []string         `json:"acl"`
	RateLimit ratelimit.Config `json:"ratelimit,omitempty"`
}

// Proxy owns one listener: its TLS material, its subset of the global ACL
// store, and the worker that runs its accept loop.
type Proxy struct {
	cfg     *Config
	tlsCfg  *tls.Config
	sessCfg *session.Config
	rl      *ratelimit.Limiter
	w       *worker.Worker

	mx  *metrics.Collector
	log *logger.Logger

	listener net.Listener
}

// New validates cfg, precomputes the canned RESP replies, resolves the
// listener's ACL ids against the global store, and builds the TLS
// configuration. Any failure here is a config-fatal error: the caller
// should treat it as a reason to exit 1 before any listener is enabled.
func New(cfg *Config, globalACL *acl.Store, mx *metrics.Collector, log *logger.Logger) (*Proxy, error) {
	if _, _, err := net.SplitHostPort(cfg.Listen); err != nil {
		return nil, fmt.Errorf("proxy %s: invalid listen address: %w", cfg.Listen, err)
	}
	if _, _, err := net.SplitHostPort(cfg.Redis); err != nil {
		return nil, fmt.Errorf("proxy %s: invalid redis address: %w", cfg.Listen, err)
	}

	tlsCfg, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("proxy %s: %w", cfg.Listen, err)
	}

	entries := make([]acl.Entry, 0, len(cfg.ACL))
	for _, id := range cfg.ACL {
		e := globalACL.ByID(id)
		if e == nil {
			return nil, fmt.Errorf("proxy %s: unknown acl id %q", cfg.Listen, id)
		}
		entries = append(entries, *e)
	}
	localACL := acl.NewStore(entries)

	timeout := time.Duration(cfg.RedisTimeout) * time.Second
	if cfg.RedisTimeout <= 0 {
		timeout = defaultRedisTimeout
	}

	dialer, err := newUpstreamDialer(&cfg.RedisSocks)
	if err != nil {
		return nil, fmt.Errorf("proxy %s: %w", cfg.Listen, err)
	}

	var backendAuth *resp.Value
	if cfg.RedisAuth != "" {
		v := resp.NewCommand("auth", []byte(cfg.RedisAuth))
		backendAuth = &v
	}

	sessCfg := &session.Config{
		UpstreamAddr:    cfg.Redis,
		UpstreamTimeout: timeout,
		Dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", addr)
		},
		BackendAuth:   backendAuth,
		BackendNAuth:  resp.NewCommand(naughtyCommandBody),
		ClientOK:      resp.NewSimple("OK"),
		ClientAuthErr: resp.NewError(clientAuthErrMessage),
		ACL:           localACL,
		Metrics:       mx,
		Log:           log,
	}

	p := &Proxy{
		cfg:     cfg,
		tlsCfg:  tlsCfg,
		sessCfg: sessCfg,
		rl:      ratelimit.NewLimiter(&cfg.RateLimit),
		mx:      mx,
		log:     log,
	}
	p.w = worker.New(cfg.Listen, p.acceptLoopOnce)
	return p, nil
}

// buildTLSConfig builds the frontend tls.Config, or returns nil when the
// listener carries plain TCP (neither cert nor key configured).
func buildTLSConfig(cfg *Config) (*tls.Config, error) {
	if cfg.Cert == "" && cfg.Key == "" {
		return nil, nil
	}
	if cfg.Cert == "" || cfg.Key == "" {
		return nil, fmt.Errorf("cert and key must both be set or both be empty")
	}

	cert, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("loading tls keypair: %w", err)
	}

	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}

	caPath := defaultCA
	if cfg.CA != nil {
		caPath = *cfg.CA
	}
	if caPath == "" {
		return tlsCfg, nil
	}

	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("reading ca bundle %s: %w", caPath, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no usable certificates in ca bundle %s", caPath)
	}
	tlsCfg.ClientCAs = pool
	tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	return tlsCfg, nil
}

// SetLogger repoints the proxy (and every session it accepts from here
// on) at a different logger, used by internal/supervisor to swap the
// bootstrap stdout logger for the real logfile once it's opened, after
// daemonization and privilege drop have already happened.
func (p *Proxy) SetLogger(log *logger.Logger) {
	p.log = log
	p.sessCfg.Log = log
}

// Addr returns the listener's actual network address, or nil before
// Start has been called. Callers (chiefly tests) that configure a
// ":0" listen address use this to discover the port the OS picked.
func (p *Proxy) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Start brings the listener up and tells the worker to run its accept
// loop.
func (p *Proxy) Start(ctx context.Context) error {
	var ln net.Listener
	var err error
	if p.tlsCfg != nil {
		ln, err = tls.Listen("tcp", p.cfg.Listen, p.tlsCfg)
	} else {
		ln, err = net.Listen("tcp", p.cfg.Listen)
	}
	if err != nil {
		return fmt.Errorf("listening on %s: %w", p.cfg.Listen, err)
	}
	p.listener = ln

	go func() {
		<-ctx.Done()
		p.listener.Close()
	}()

	p.w.Instruct(worker.Run)
	return nil
}

// Stop parks the accept loop and closes the listener, driving the worker
// back to Sleep. The listener is closed first so the worker's blocked
// Accept() unblocks immediately instead of only noticing the new command
// on its next poll.
func (p *Proxy) Stop() {
	if p.listener != nil {
		p.listener.Close()
	}
	p.w.Instruct(worker.Sleep)
}

// Close tears the worker down entirely. Once called, the Proxy cannot be
// restarted.
func (p *Proxy) Close() {
	if p.listener != nil {
		p.listener.Close()
	}
	p.w.Instruct(worker.Exit)
	p.w.Wait()
}

// acceptLoopOnce is the worker's run function: it blocks accepting
// connections until the listener closes (worker shutdown) or an accept
// error that isn't "listener closed" occurs.
func (p *Proxy) acceptLoopOnce() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			return
		}

		if !p.rl.AllowConnection(conn.RemoteAddr()) {
			if p.log != nil {
				p.log.Warn(2, "rejecting client %s: rate limit exceeded", conn.RemoteAddr())
			}
			conn.Close()
			continue
		}

		go func() {
			defer p.rl.ReleaseConnection(conn.RemoteAddr())
			sess := session.New(p.sessCfg, conn)
			sess.Run(context.Background())
		}()
	}
}

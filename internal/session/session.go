// Package session drives one client connection through its lifetime: the
// optional upstream AUTH handshake, the per-command ACL check, and the
// verbatim relay once a command has been let through. It is the Go
// equivalent of session.c's bufferevent callbacks, reshaped into two
// goroutines per session instead of one reactor thread shared by all of
// them.
package session

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/seznam/proxis/internal/acl"
	"github.com/seznam/proxis/internal/metrics"
	"github.com/seznam/proxis/internal/resp"
	"github.com/seznam/proxis/pkg/logger"
)

// State mirrors the session_state_t transition table: a client session
// starts by connecting (and optionally authenticating) upstream, then
// alternates between checking a command and either passing, blocking or
// authenticating it.
type State int32

const (
	StateServerConnect State = iota
	StateServerAuth
	StateClientCheck
	StateClientPass
	StateClientBlock
	StateClientAuth
)

func (s State) String() string {
	switch s {
	case StateServerConnect:
		return "SERVER_CONNECT"
	case StateServerAuth:
		return "SERVER_AUTH"
	case StateClientCheck:
		return "CLIENT_CHECK"
	case StateClientPass:
		return "CLIENT_PASS"
	case StateClientBlock:
		return "CLIENT_BLOCK"
	case StateClientAuth:
		return "CLIENT_AUTH"
	default:
		return "UNKNOWN"
	}
}

// Dialer opens the upstream connection for a session. ctx already carries
// the configured upstream timeout as a deadline; Dial only needs to honor
// cancellation. Plain TCP and SOCKS5-proxied dialing both implement this
// with the same signature (internal/proxy wraps a SOCKS client behind it
// when configured).
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// Config is the read-only state every session for one proxy shares: the
// upstream address and dialer, the pre-serialized canned RESP replies, the
// bound ACL store, and the shared metrics/logger sinks. internal/proxy
// builds exactly one Config per listener and hands it to every Session it
// accepts.
type Config struct {
	UpstreamAddr    string
	UpstreamTimeout time.Duration
	Dial            Dialer

	// BackendAuth is nil when the proxy has no upstream AUTH password
	// configured, skipping SERVER_AUTH entirely.
	BackendAuth *resp.Value
	// BackendNAuth is the one-bulk-string RESP command ["NOT AUTHORIZED"]
	// substituted upstream for a blocked client command: Redis rejects it
	// with an error of its own, which the relay forwards back to the
	// client, preserving one reply per request.
	BackendNAuth  resp.Value
	ClientOK      resp.Value
	ClientAuthErr resp.Value

	ACL     *acl.Store
	Metrics *metrics.Collector
	Log     *logger.Logger
}

// Remote identifies the client side of a session.
type Remote struct {
	Address    string
	CommonName string
}

// Session drives a single client connection. Only the client-reader
// goroutine (clientLoop and everything it calls) ever mutates state, acl,
// or parser, so none of them need locking; the relay goroutine only reads
// s.client/s.server, which are fixed once connectUpstream returns.
type Session struct {
	cfg    *Config
	client net.Conn
	server net.Conn
	remote Remote
	acl    *acl.Entry
	state  State
	parser resp.Parser
}

// New builds a session for an already-accepted client connection, binding
// it to an ACL entry by source network up front if one matches — the
// SERVER_CONNECT-time bind from session_init.
func New(cfg *Config, client net.Conn) *Session {
	addr := client.RemoteAddr().String()
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}

	s := &Session{cfg: cfg, client: client, state: StateServerConnect}
	s.remote.Address = host

	if cfg.ACL != nil {
		if e := cfg.ACL.MatchNet(host); e != nil {
			s.acl = e
			if cfg.Metrics != nil {
				cfg.Metrics.ACLBoundByNet()
			}
		}
	}
	return s
}

// Run drives the session to completion: dialing upstream, then running the
// client state machine and the upstream relay concurrently until either
// side closes. It blocks until the session is fully torn down.
func (s *Session) Run(ctx context.Context) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SessionOpened()
		defer s.cfg.Metrics.SessionClosed()
	}
	defer s.client.Close()

	if !s.connectUpstream(ctx) {
		return
	}
	defer s.server.Close()

	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		defer s.client.Close()
		s.relayLoop()
	}()

	s.clientLoop()
	s.server.Close()
	<-relayDone
}

// connectUpstream dials the backend and, if the proxy is configured with an
// upstream password, runs SERVER_AUTH before handing control to
// CLIENT_CHECK. It reports false if the session cannot proceed at all.
func (s *Session) connectUpstream(ctx context.Context) bool {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.UpstreamTimeout)
	defer cancel()

	conn, err := s.cfg.Dial(dialCtx, s.cfg.UpstreamAddr)
	if err != nil {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.UpstreamConnectFailed()
		}
		msg := "got error from a server"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "timeout reached while connecting to a server"
		}
		if s.cfg.Log != nil {
			s.cfg.Log.Warn(2, "%s connecting to upstream for client %s: %v", msg, s.remote.Address, err)
		}
		s.drop(msg)
		return false
	}
	s.server = conn

	if s.cfg.BackendAuth == nil {
		s.state = StateClientCheck
		return true
	}

	s.state = StateServerAuth
	if _, err := s.server.Write(s.cfg.BackendAuth.Bytes); err != nil {
		s.drop("got error from a server")
		s.server.Close()
		return false
	}

	_ = s.server.SetReadDeadline(time.Now().Add(s.cfg.UpstreamTimeout))
	reply := make([]byte, 5)
	_, err = io.ReadFull(s.server, reply)
	_ = s.server.SetReadDeadline(time.Time{})
	if err != nil || string(reply) != "+OK\r\n" {
		s.drop("unexpected auth response from a server")
		s.server.Close()
		return false
	}

	s.state = StateClientCheck
	return true
}

// drop writes a single RESP error to the client, ignoring any write error.
// It is used when the upstream connect or AUTH handshake fails and when the
// relay sees the upstream connection end; the caller closes the
// connections afterwards.
func (s *Session) drop(msg string) {
	v := resp.NewError(msg)
	_, _ = s.client.Write(v.Bytes)
}

// clientLoop reads client frames, classifies each against the bound ACL
// and forwards, blocks or intercepts it, until the client disconnects or
// sends something the parser can't make sense of.
func (s *Session) clientLoop() {
	buf := make([]byte, 16*1024)
	sawData := false
	for {
		n, err := s.client.Read(buf)
		if n > 0 {
			sawData = true
			s.captureCommonName()
			s.parser.Feed(buf[:n])
			if !s.processBuffered() {
				return
			}
		}
		if err != nil {
			if !sawData {
				if _, ok := s.client.(*tls.Conn); ok && s.cfg.Metrics != nil {
					s.cfg.Metrics.TLSHandshakeFailed()
				}
			}
			return
		}
	}
}

// captureCommonName records the client's TLS certificate CN the first time
// it becomes available and binds the session to a cert-matched ACL entry,
// mirroring the original's lookup on the first post-handshake read. A
// non-TLS client (or one with no certificate) leaves this a no-op.
func (s *Session) captureCommonName() {
	if s.remote.CommonName != "" {
		return
	}
	tlsConn, ok := s.client.(*tls.Conn)
	if !ok {
		return
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return
	}
	cn := state.PeerCertificates[0].Subject.CommonName
	if cn == "" {
		return
	}
	s.remote.CommonName = cn

	if s.cfg.ACL == nil {
		return
	}
	if e := s.cfg.ACL.MatchCert(cn); e != nil {
		s.acl = e
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ACLBoundByCert()
		}
	}
}

// processBuffered drains as many complete frames as the buffer currently
// holds. It returns false when the session should be torn down: malformed
// input, or a write failure relaying a classified frame.
func (s *Session) processBuffered() bool {
	for {
		n := s.parser.Parse()
		if n == int(resp.NeedMore) {
			return true
		}
		if n == int(resp.Malformed) {
			return false
		}
		if !s.handleFrame(n) {
			return false
		}
	}
}

// handleFrame classifies a just-completed frame if the session is
// currently at CLIENT_CHECK, then acts on the resulting state: forward,
// block, or intercept as AUTH. It always leaves the parser ready for the
// next frame and the session back at CLIENT_CHECK.
func (s *Session) handleFrame(n int) bool {
	if s.state == StateClientCheck {
		cmd, _ := s.parser.Command()
		s.classify(cmd)
	}

	ok := true
	switch s.state {
	case StateClientPass:
		frame := s.parser.Peek(n)
		if _, err := s.server.Write(frame); err != nil {
			ok = false
		} else if s.cfg.Metrics != nil {
			s.cfg.Metrics.AddBytesUpstream(n)
		}
		s.parser.Drain(n)
	case StateClientBlock:
		s.parser.Drain(n)
		if _, err := s.server.Write(s.cfg.BackendNAuth.Bytes); err != nil {
			ok = false
		}
	case StateClientAuth:
		password := s.parser.LastBulk()
		s.parser.Drain(n)
		ok = s.bindByAuth(password)
	default:
		s.parser.Drain(n)
	}

	s.state = StateClientCheck
	return ok
}

// classify decides, from CLIENT_CHECK, whether the frame is an AUTH
// command (with exactly one argument), and otherwise runs it past the
// bound ACL's allow/deny gate.
func (s *Session) classify(cmd []byte) {
	if isAuthPrefix(cmd) {
		if s.parser.Elements() == 2 {
			s.state = StateClientAuth
		} else {
			// Not a well-formed AUTH call (wrong argument count): the
			// original forwards it untouched rather than rejecting it.
			s.state = StateClientPass
		}
		return
	}

	if acl.Gate(s.acl, cmd) {
		s.state = StateClientPass
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.CommandAllowed()
		}
	} else {
		s.state = StateClientBlock
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.CommandBlocked()
		}
	}

	if s.cfg.Log != nil {
		verdict := "blocked"
		if s.state == StateClientPass {
			verdict = "allowed"
		}
		s.cfg.Log.Debug(3, "command %q from client %s %s using acl %q", cmd, s.remote.Address, verdict, s.aclID())
	}
}

// bindByAuth rebinds the session to whatever ACL entry's password matches,
// or to no ACL at all on failure, and writes the corresponding reply to
// the client. It returns false only on a write failure.
func (s *Session) bindByAuth(password []byte) bool {
	var e *acl.Entry
	if s.cfg.ACL != nil && password != nil {
		e = s.cfg.ACL.MatchAuth(string(password))
	}

	reply := s.cfg.ClientAuthErr
	if e != nil {
		reply = s.cfg.ClientOK
	}

	s.acl = e
	if e == nil {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.AuthFailed()
		}
		if s.cfg.Log != nil {
			s.cfg.Log.Warn(1, "invalid 'auth' from client %s, not using any acl entry", s.remote.Address)
		}
	} else {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.AuthSucceeded()
			s.cfg.Metrics.ACLBoundByAuth()
		}
		if s.cfg.Log != nil {
			s.cfg.Log.Debug(1, "successful 'auth' from client %s, now using acl %q", s.remote.Address, e.ID)
		}
	}

	_, err := s.client.Write(reply.Bytes)
	return err == nil
}

func (s *Session) aclID() string {
	if s.acl == nil {
		return ""
	}
	return s.acl.ID
}

// relayLoop forwards upstream bytes to the client verbatim, with no RESP
// parsing at all: by the time it's running, every client command has
// already passed classification, so nothing the server sends back needs
// inspecting. It returns once the server closes, errors, or the client
// write fails.
func (s *Session) relayLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.server.Read(buf)
		if n > 0 {
			if _, werr := s.client.Write(buf[:n]); werr != nil {
				return
			}
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.AddBytesDownstream(n)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.drop("got error from a server")
			} else {
				s.drop("server has closed connection")
			}
			return
		}
	}
}

// isAuthPrefix reports whether cmd is the "auth" command, bounded to the
// shorter of the two names — the same prefix rule acl.Gate's list
// matching uses, including the trivial match on a zero-length comparison
// (an empty or not-yet-seen command name).
func isAuthPrefix(cmd []byte) bool {
	const auth = "auth"
	n := len(auth)
	if len(cmd) < n {
		n = len(cmd)
	}
	if n == 0 {
		return true
	}
	return strings.EqualFold(string(cmd[:n]), auth[:n])
}

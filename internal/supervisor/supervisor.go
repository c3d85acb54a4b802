package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"os/user"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seznam/proxis/internal/acl"
	"github.com/seznam/proxis/internal/metrics"
	"github.com/seznam/proxis/internal/proxy"
	apperrors "github.com/seznam/proxis/pkg/errors"
	"github.com/seznam/proxis/pkg/logger"
	pkgmetrics "github.com/seznam/proxis/pkg/metrics"
)

// daemonizeEnv marks a re-exec'd child so it skips straight past the
// fork/pidfile step of Run on its second pass through main, since Go has
// no fork(2) to resume a parent mid-function.
const daemonizeEnv = "PROXIS_DAEMONIZED"

// Supervisor drives the process lifecycle: build the global ACL store and
// every proxy, optionally daemonize and drop privileges, install signal
// handlers, run until SIGTERM, then stop everything.
type Supervisor struct {
	cfg *Config
	log *logger.Logger
	mx  *metrics.Collector

	acl     *acl.Store
	proxies []*proxy.Proxy

	sigterm atomic.Bool
	sighup  atomic.Bool
	sigalrm atomic.Bool
	sigusr1 atomic.Bool
	sigusr2 atomic.Bool
}

// New builds the global ACL store and every configured proxy from cfg,
// but starts nothing: every config-fatal condition (an unresolvable ACL
// id, a malformed CIDR, unusable TLS material, ...) is surfaced here as an
// error the caller should treat as "exit 1 before any listener is
// enabled".
func New(cfg *Config) (*Supervisor, error) {
	store, err := acl.BuildStore(cfg.ACL)
	if err != nil {
		return nil, apperrors.Wrap("config", "building acl store", err)
	}

	mx := metrics.NewCollector()
	log := logger.New("ALL") // stdout, verbose, until the real logfile opens

	s := &Supervisor{cfg: cfg, log: log, mx: mx, acl: store}

	for i := range cfg.Proxy {
		p, err := proxy.New(&cfg.Proxy[i], store, mx, log)
		if err != nil {
			return nil, apperrors.Wrap("config", fmt.Sprintf("building proxy %d", i), err)
		}
		s.proxies = append(s.proxies, p)
	}

	return s, nil
}

// Run executes the full supervisor sequence and returns the process exit
// code: 0 on a clean shutdown, 1 on any startup failure. foreground skips
// daemonization (the -f/--foreground flag).
func (s *Supervisor) Run(foreground bool) int {
	if !foreground {
		if done, err := s.daemonize(); err != nil {
			fmt.Fprintf(os.Stderr, "daemonize: %v\n", err)
			return 1
		} else if done {
			// We are the original parent process: the pidfile is written
			// and the re-exec'd child is running the real daemon.
			return 0
		}
	}

	if s.cfg.Chroot != "" {
		if err := s.chroot(); err != nil {
			pkgmetrics.IncrementErrors()
			s.log.Error(1, "chroot to %q failed: %v", s.cfg.Chroot, err)
			return 1
		}
	}

	if s.cfg.User != "" {
		if err := dropPrivileges(s.cfg.User); err != nil {
			pkgmetrics.IncrementErrors()
			s.log.Error(1, "dropping privileges to %q failed: %v", s.cfg.User, err)
			return 1
		}
	}

	newLog, err := logger.Open(s.cfg.Logfile, s.cfg.Logmask)
	if err != nil {
		pkgmetrics.IncrementErrors()
		fmt.Fprintf(os.Stderr, "opening logfile %q: %v\n", s.cfg.Logfile, err)
		return 1
	}
	s.log = newLog
	s.rewireLoggers()

	if !foreground && s.cfg.Logfile != "" {
		// The original closes stdout (fd 1) once it has a real logfile to
		// write to; here that just means stop holding it open.
		_ = os.Stdout.Close()
	}

	s.log.Info(1, "logfile opened")

	var httpServer *http.Server
	if s.cfg.HTTP.Listen != "" {
		httpServer = s.startHTTP()
	}

	s.installSignalHandlers()

	for _, p := range s.proxies {
		if err := p.Start(context.Background()); err != nil {
			pkgmetrics.IncrementErrors()
			s.log.Error(1, "starting proxy failed: %v", err)
			return 1
		}
	}
	pkgmetrics.IncrementRequests()
	s.log.Info(1, "all proxies started")

	s.waitForShutdown()

	s.log.Info(1, "got TERM signal, exiting")
	for _, p := range s.proxies {
		p.Close()
	}
	if httpServer != nil {
		_ = httpServer.Close()
	}
	s.log.Info(1, "closing logfile")
	_ = s.log.Close()

	return 0
}

// waitForShutdown polls the captured signal flags until SIGTERM arrives,
// reopening the logfile on SIGHUP in between.
func (s *Supervisor) waitForShutdown() {
	for !s.sigterm.Load() {
		if s.sighup.CompareAndSwap(true, false) {
			s.log.Info(1, "got HUP signal, closing logfile")
			pkgmetrics.IncrementRequests()
			if err := s.log.Reopen(); err != nil {
				pkgmetrics.IncrementErrors()
				s.log.Error(1, "reopening logfile failed: %v", err)
			} else {
				s.log.Info(1, "logfile re-opened")
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// installSignalHandlers wires SIGTERM and SIGHUP to the flags
// waitForShutdown polls, and captures SIGALRM/SIGUSR1/SIGUSR2 into atomic
// flags that are observed (logged once) but otherwise unused, reserved for
// future use.
func (s *Supervisor) installSignalHandlers() {
	ch := make(chan os.Signal, 8)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGALRM, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for sig := range ch {
			switch sig {
			case syscall.SIGTERM:
				s.sigterm.Store(true)
			case syscall.SIGHUP:
				s.sighup.Store(true)
			case syscall.SIGALRM:
				if s.sigalrm.CompareAndSwap(false, true) {
					s.log.Debug(1, "got ALRM signal (reserved, no-op)")
				}
			case syscall.SIGUSR1:
				if s.sigusr1.CompareAndSwap(false, true) {
					s.log.Debug(1, "got USR1 signal (reserved, no-op)")
				}
			case syscall.SIGUSR2:
				if s.sigusr2.CompareAndSwap(false, true) {
					s.log.Debug(1, "got USR2 signal (reserved, no-op)")
				}
			}
		}
	}()
}

// rewireLoggers repoints every already-built proxy at the real logfile
// logger opened after daemonization/chroot, since proxy.New captured the
// bootstrap stdout logger.
func (s *Supervisor) rewireLoggers() {
	for _, p := range s.proxies {
		p.SetLogger(s.log)
	}
}

// startHTTP serves /healthz and /metrics the way
// core/internal/proxy/proxy.go:HttpServe does, scoped down to what
// internal/metrics.Collector tracks.
func (s *Supervisor) startHTTP() *http.Server {
	s.mx.AttachPrometheus(metrics.InitPrometheus("proxis"))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: s.cfg.HTTP.Listen, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			pkgmetrics.IncrementErrors()
			s.log.Warn(2, "http server stopped: %v", err)
		}
	}()
	return srv
}

// dropPrivileges resolves user (a name or a numeric uid) and calls
// setuid, falling back from a name lookup to a numeric uid lookup.
func dropPrivileges(name string) error {
	u, err := user.Lookup(name)
	if err != nil {
		if _, atoiErr := strconv.Atoi(name); atoiErr == nil {
			u, err = user.LookupId(name)
		}
	}
	if err != nil {
		return fmt.Errorf("can't resolve user %q to run as: %w", name, err)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("user %q has non-numeric uid %q", name, u.Uid)
	}
	return syscall.Setuid(uid)
}

// chroot chdirs into and chroots to the configured directory. Chrooting
// without first chdir'ing in would leave the process's cwd pointing
// outside the new root.
func (s *Supervisor) chroot() error {
	if err := os.Chdir(s.cfg.Chroot); err != nil {
		return fmt.Errorf("chdir: %w", err)
	}
	return syscall.Chroot(s.cfg.Chroot)
}

// daemonize backgrounds the process. Go cannot literally fork(2) mid-
// function, so instead: the first invocation re-execs the binary with a
// sentinel environment variable, writes the pidfile for the child's pid,
// sleeps briefly (so an immediately-failing child has a chance to report
// its own error before the parent exits 0), and reports done=true so Run
// stops here. The re-exec'd process observes the sentinel and reports
// done=false so Run continues straight through.
func (s *Supervisor) daemonize() (done bool, err error) {
	if os.Getenv(daemonizeEnv) == "1" {
		return false, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return false, fmt.Errorf("resolving executable path: %w", err)
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return false, fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	defer devnull.Close()

	proc, err := os.StartProcess(exe, os.Args, &os.ProcAttr{
		Env: append(os.Environ(), daemonizeEnv+"=1"),
		// fd 0 (stdin) and fd 2 (stderr) are closed in the original; fd 1
		// (stdout) stays open until the child has a real logfile.
		Files: []*os.File{devnull, os.Stdout, devnull},
	})
	if err != nil {
		return false, fmt.Errorf("fork() failed: %w", err)
	}

	s.log.Debug(1, "backgrounded to pid %d", proc.Pid)
	if s.cfg.PIDFile != "" {
		if werr := os.WriteFile(s.cfg.PIDFile, []byte(fmt.Sprintf("%d\n", proc.Pid)), 0644); werr != nil {
			s.log.Warn(1, "can't write pid file %q: %v", s.cfg.PIDFile, werr)
		}
	}
	time.Sleep(time.Second)
	return true, nil
}

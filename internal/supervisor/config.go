// Package supervisor implements the top-level process lifecycle: reading
// the config tree, building the global ACL store and every configured
// proxy listener, handling daemonization, the pidfile, chroot, dropping
// privileges, signal-driven log rotation, and starting/stopping
// everything.
package supervisor

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/seznam/proxis/internal/acl"
	"github.com/seznam/proxis/internal/proxy"
	apperrors "github.com/seznam/proxis/pkg/errors"
)

// HTTP is the optional status/metrics listener configuration: when Listen
// is set, the supervisor serves /healthz and /metrics on it alongside the
// proxy listeners.
type HTTP struct {
	Listen string `json:"listen,omitempty"`
}

// Config is the top-level configuration tree: a flat JSON object carrying
// the daemon-level scalars plus the "acl" and "proxy" lists. Field names
// mirror the config keys exactly.
type Config struct {
	User    string `json:"user,omitempty"`
	Chroot  string `json:"chroot,omitempty"`
	PIDFile string `json:"pidfile,omitempty"`
	Logfile string `json:"logfile,omitempty"`
	Logmask string `json:"logmask,omitempty"`

	ACL   []acl.Config   `json:"acl"`
	Proxy []proxy.Config `json:"proxy"`
	HTTP  HTTP           `json:"http,omitempty"`
}

// LoadConfig reads and parses the JSON config tree at path and runs its
// top-level config-fatal validation: "acl" and "proxy" must each be a
// non-empty list. Per-entry validation (ACL ids, CIDRs, listen/redis
// addresses, TLS material) happens later, while building the ACL store
// and the proxies, so that every config-fatal condition is reported the
// same way regardless of which stage catches it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, appErr("reading configuration file %q: %v", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, appErr("parsing configuration file %q: %v", path, err)
	}

	if len(cfg.ACL) == 0 {
		return nil, appErr("missing or empty 'acl' configuration")
	}
	if len(cfg.Proxy) == 0 {
		return nil, appErr("missing or empty 'proxy' configuration")
	}

	return &cfg, nil
}

func appErr(format string, args ...any) error {
	return apperrors.New("config", fmt.Sprintf(format, args...))
}

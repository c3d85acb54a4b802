package supervisor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func validConfig() map[string]any {
	return map[string]any{
		"acl": []map[string]any{
			{"id": "default", "net": []string{"0.0.0.0/0"}, "allow": []string{"ping"}},
		},
		"proxy": []map[string]any{
			{"listen": "127.0.0.1:0", "redis": "127.0.0.1:6379", "acl": []string{"default"}},
		},
	}
}

func TestLoadConfigRejectsMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadConfigRejectsEmptyACL(t *testing.T) {
	cfg := validConfig()
	cfg["acl"] = []map[string]any{}
	path := writeConfig(t, cfg)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for empty acl list")
	}
}

func TestLoadConfigRejectsEmptyProxy(t *testing.T) {
	cfg := validConfig()
	cfg["proxy"] = []map[string]any{}
	path := writeConfig(t, cfg)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for empty proxy list")
	}
}

func TestLoadConfigAccepts(t *testing.T) {
	path := writeConfig(t, validConfig())
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if len(cfg.ACL) != 1 || len(cfg.Proxy) != 1 {
		t.Fatalf("unexpected config shape: %+v", cfg)
	}
}

func TestNewBuildsACLAndProxies(t *testing.T) {
	path := writeConfig(t, validConfig())
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	sup, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		for _, p := range sup.proxies {
			p.Close()
		}
	})
	if len(sup.proxies) != 1 {
		t.Fatalf("proxies = %d, want 1", len(sup.proxies))
	}
	if sup.acl.ByID("default") == nil {
		t.Fatal("acl store missing the configured entry")
	}
}

func TestNewRejectsUnknownACLReference(t *testing.T) {
	cfg := validConfig()
	cfg["proxy"] = []map[string]any{
		{"listen": "127.0.0.1:0", "redis": "127.0.0.1:6379", "acl": []string{"nope"}},
	}
	path := writeConfig(t, cfg)
	parsed, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if _, err := New(parsed); err == nil {
		t.Fatal("expected error for unknown acl id referenced by a proxy")
	}
}

func TestNewRejectsDuplicateACLID(t *testing.T) {
	cfg := validConfig()
	cfg["acl"] = []map[string]any{
		{"id": "default", "net": []string{"0.0.0.0/0"}},
		{"id": "default", "net": []string{"10.0.0.0/8"}},
	}
	path := writeConfig(t, cfg)
	parsed, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if _, err := New(parsed); err == nil {
		t.Fatal("expected error for duplicate acl id")
	}
}

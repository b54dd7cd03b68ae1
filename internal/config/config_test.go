package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel: got %s", cfg.LogLevel)
	}
	if cfg.LedgerPath != "data/phi-audit.jsonl" {
		t.Errorf("LedgerPath: got %s", cfg.LedgerPath)
	}
	if cfg.LedgerFailurePolicy != PolicyBestEffort {
		t.Errorf("LedgerFailurePolicy: got %s", cfg.LedgerFailurePolicy)
	}
	if cfg.Cipher != CipherAESGCM {
		t.Errorf("Cipher: got %s", cfg.Cipher)
	}
	if cfg.ManagementPort != 8781 {
		t.Errorf("ManagementPort: got %d, want 8781", cfg.ManagementPort)
	}
	if cfg.BindAddress != "127.0.0.1" {
		t.Errorf("BindAddress: got %s", cfg.BindAddress)
	}
	if cfg.AuditSecret != "" {
		t.Error("AuditSecret should default to empty")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFrom_Env(t *testing.T) {
	cases := []struct {
		env   string
		value string
		check func(*Config) bool
	}{
		{"LOG_LEVEL", "debug", func(c *Config) bool { return c.LogLevel == "debug" }},
		{"LEDGER_PATH", "/var/log/phi.jsonl", func(c *Config) bool { return c.LedgerPath == "/var/log/phi.jsonl" }},
		{"AUDIT_LOG_SECRET", "0123456789abcdef0123", func(c *Config) bool { return c.AuditSecret == "0123456789abcdef0123" }},
		{"LEDGER_FAILURE_POLICY", "buffer", func(c *Config) bool { return c.LedgerFailurePolicy == PolicyBuffer }},
		{"LEDGER_BUFFER_LIMIT", "50", func(c *Config) bool { return c.LedgerBufferLimit == 50 }},
		{"STATE_PATH", "/tmp/state.db", func(c *Config) bool { return c.StatePath == "/tmp/state.db" }},
		{"MAP_CIPHER", CipherChaCha20, func(c *Config) bool { return c.Cipher == CipherChaCha20 }},
		{"MANAGEMENT_PORT", "9091", func(c *Config) bool { return c.ManagementPort == 9091 }},
		{"MANAGEMENT_TOKEN", "secret-token", func(c *Config) bool { return c.ManagementToken == "secret-token" }},
		{"BIND_ADDRESS", "0.0.0.0", func(c *Config) bool { return c.BindAddress == "0.0.0.0" }},
		{"GUARD_CONTEXT", "tab-7", func(c *Config) bool { return c.GuardContext == "tab-7" }},
	}
	for _, c := range cases {
		t.Run(c.env, func(t *testing.T) {
			t.Setenv(c.env, c.value)
			cfg := LoadFrom("")
			if !c.check(cfg) {
				t.Errorf("%s=%s not applied: %+v", c.env, c.value, cfg)
			}
		})
	}
}

func TestLoadFrom_InvalidPort_Ignored(t *testing.T) {
	t.Setenv("MANAGEMENT_PORT", "not-a-number")
	cfg := LoadFrom("")
	if cfg.ManagementPort != 8781 {
		t.Errorf("ManagementPort: got %d, want 8781 (invalid env should be ignored)", cfg.ManagementPort)
	}
}

func TestLoadFrom_ValidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phiguard-config.json")
	data, err := json.Marshal(map[string]any{
		"managementPort": 9999,
		"cipher":         CipherChaCha20,
		"logLevel":       "warn",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := LoadFrom(path)
	if cfg.ManagementPort != 9999 {
		t.Errorf("ManagementPort: got %d, want 9999", cfg.ManagementPort)
	}
	if cfg.Cipher != CipherChaCha20 {
		t.Errorf("Cipher: got %s", cfg.Cipher)
	}
	if cfg.LedgerPath != "data/phi-audit.jsonl" {
		t.Errorf("unset keys should keep defaults, LedgerPath=%s", cfg.LedgerPath)
	}
}

func TestLoadFrom_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phiguard-config.yaml")
	if err := os.WriteFile(path, []byte("ledgerFailurePolicy: buffer\nledgerBufferLimit: 7\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := LoadFrom(path)
	if cfg.LedgerFailurePolicy != PolicyBuffer || cfg.LedgerBufferLimit != 7 {
		t.Errorf("yaml not applied: policy=%s limit=%d", cfg.LedgerFailurePolicy, cfg.LedgerBufferLimit)
	}
}

func TestLoadFrom_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phiguard-config.json")
	if err := os.WriteFile(path, []byte(`{"logLevel":"warn"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LOG_LEVEL", "error")
	cfg := LoadFrom(path)
	if cfg.LogLevel != "error" {
		t.Errorf("LogLevel: got %s, want env value error", cfg.LogLevel)
	}
}

func TestLoadFrom_Missing_IsNoOp(t *testing.T) {
	cfg := LoadFrom("/nonexistent/path/config.json")
	if cfg.ManagementPort != 8781 {
		t.Errorf("ManagementPort changed unexpectedly: %d", cfg.ManagementPort)
	}
}

func TestLoadFrom_InvalidJSON_PreservesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config-bad.json")
	if err := os.WriteFile(path, []byte("{this is not json}"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := LoadFrom(path)
	if cfg.ManagementPort != 8781 {
		t.Errorf("ManagementPort changed on bad JSON: %d", cfg.ManagementPort)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown cipher", func(c *Config) { c.Cipher = "rot13" }, "cipher"},
		{"unknown policy", func(c *Config) { c.LedgerFailurePolicy = "retry-forever" }, "ledgerFailurePolicy"},
		{"buffer without limit", func(c *Config) {
			c.LedgerFailurePolicy = PolicyBuffer
			c.LedgerBufferLimit = 0
		}, "ledgerBufferLimit"},
		{"short secret", func(c *Config) { c.AuditSecret = "short" }, "AUDIT_LOG_SECRET"},
		{"bad port", func(c *Config) { c.ManagementPort = 70000 }, "managementPort"},
		{"empty ledger path", func(c *Config) { c.LedgerPath = "" }, "ledgerPath"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := defaults()
			c.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), c.wantErr) {
				t.Errorf("error %q should mention %q", err, c.wantErr)
			}
		})
	}
}

func TestLoad_ReturnsNonNil(t *testing.T) {
	cfg := Load()
	if cfg == nil {
		t.Fatal("Load() returned nil")
	}
	if cfg.ManagementPort <= 0 {
		t.Errorf("ManagementPort should be positive, got %d", cfg.ManagementPort)
	}
}

// Package config loads and holds all phiguard configuration.
// Settings come from built-in defaults, then phiguard-config.json (or .yaml),
// then environment variables, each layer overriding the previous one.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"

	"github.com/spf13/viper"
)

// DefaultFile is the config file Load reads when present.
const DefaultFile = "phiguard-config.json"

// Ledger failure policies.
const (
	PolicyBestEffort = "best-effort"
	PolicyBuffer     = "buffer"
)

// Map cipher algorithms.
const (
	CipherAESGCM   = "aes-256-gcm"
	CipherChaCha20 = "chacha20-poly1305"
)

// Config holds the full phiguard configuration.
type Config struct {
	LogLevel string `mapstructure:"logLevel" json:"logLevel"`

	LedgerPath          string `mapstructure:"ledgerPath" json:"ledgerPath"`
	AuditSecret         string `mapstructure:"auditSecret" json:"-"`
	LedgerFailurePolicy string `mapstructure:"ledgerFailurePolicy" json:"ledgerFailurePolicy"`
	LedgerBufferLimit   int    `mapstructure:"ledgerBufferLimit" json:"ledgerBufferLimit"`

	StatePath   string `mapstructure:"statePath" json:"statePath"`
	Cipher      string `mapstructure:"cipher" json:"cipher"`
	EponymsFile string `mapstructure:"eponymsFile" json:"eponymsFile"`

	BindAddress        string `mapstructure:"bindAddress" json:"bindAddress"`
	ManagementPort     int    `mapstructure:"managementPort" json:"managementPort"`
	ManagementToken    string `mapstructure:"managementToken" json:"-"`
	ManagementMaxConns int    `mapstructure:"managementMaxConns" json:"managementMaxConns"`

	// GuardContext names the page context whose observed patient the
	// identity guard tracks.
	GuardContext string `mapstructure:"guardContext" json:"guardContext"`
}

// envBinding maps a config key to its environment variable.
type envBinding struct {
	key     string
	env     string
	numeric bool
}

var envBindings = []envBinding{
	{"logLevel", "LOG_LEVEL", false},
	{"ledgerPath", "LEDGER_PATH", false},
	{"auditSecret", "AUDIT_LOG_SECRET", false},
	{"ledgerFailurePolicy", "LEDGER_FAILURE_POLICY", false},
	{"ledgerBufferLimit", "LEDGER_BUFFER_LIMIT", true},
	{"statePath", "STATE_PATH", false},
	{"cipher", "MAP_CIPHER", false},
	{"eponymsFile", "EPONYMS_FILE", false},
	{"bindAddress", "BIND_ADDRESS", false},
	{"managementPort", "MANAGEMENT_PORT", true},
	{"managementToken", "MANAGEMENT_TOKEN", false},
	{"managementMaxConns", "MANAGEMENT_MAX_CONNS", true},
	{"guardContext", "GUARD_CONTEXT", false},
}

// Load returns config with defaults overridden by phiguard-config.json and env vars.
func Load() *Config {
	return LoadFrom(DefaultFile)
}

// LoadFrom is Load with an explicit config file path. A missing file is not
// an error; an unreadable one is logged and skipped.
func LoadFrom(path string) *Config {
	v := viper.New()
	setDefaults(v, defaults())
	loadFile(v, path)
	loadEnv(v)

	cfg := defaults()
	if err := v.Unmarshal(cfg); err != nil {
		log.Printf("[CONFIG] Warning: could not decode settings: %v (using defaults)", err)
		return defaults()
	}
	return cfg
}

func defaults() *Config {
	return &Config{
		LogLevel:            "info",
		LedgerPath:          "data/phi-audit.jsonl",
		LedgerFailurePolicy: PolicyBestEffort,
		LedgerBufferLimit:   1000,
		StatePath:           "data/phiguard-state.db",
		Cipher:              CipherAESGCM,
		BindAddress:         "127.0.0.1",
		ManagementPort:      8781,
		ManagementMaxConns:  64,
		GuardContext:        "default",
	}
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("logLevel", cfg.LogLevel)
	v.SetDefault("ledgerPath", cfg.LedgerPath)
	v.SetDefault("auditSecret", cfg.AuditSecret)
	v.SetDefault("ledgerFailurePolicy", cfg.LedgerFailurePolicy)
	v.SetDefault("ledgerBufferLimit", cfg.LedgerBufferLimit)
	v.SetDefault("statePath", cfg.StatePath)
	v.SetDefault("cipher", cfg.Cipher)
	v.SetDefault("eponymsFile", cfg.EponymsFile)
	v.SetDefault("bindAddress", cfg.BindAddress)
	v.SetDefault("managementPort", cfg.ManagementPort)
	v.SetDefault("managementToken", cfg.ManagementToken)
	v.SetDefault("managementMaxConns", cfg.ManagementMaxConns)
	v.SetDefault("guardContext", cfg.GuardContext)
}

func loadFile(v *viper.Viper, path string) {
	if path == "" {
		return
	}
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Printf("[CONFIG] Warning: could not stat %s: %v", path, err)
		}
		return // file is optional
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
		return
	}
	log.Printf("[CONFIG] Loaded %s", path)
}

// loadEnv binds every setting to its environment variable. Numeric values
// that do not parse are ignored so a typo cannot zero a port.
func loadEnv(v *viper.Viper) {
	for _, b := range envBindings {
		raw, ok := os.LookupEnv(b.env)
		if !ok || raw == "" {
			continue
		}
		if b.numeric {
			if _, err := strconv.Atoi(raw); err != nil {
				log.Printf("[CONFIG] Warning: ignoring %s=%q: not a number", b.env, raw)
				continue
			}
		}
		_ = v.BindEnv(b.key, b.env)
	}
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.Cipher {
	case CipherAESGCM, CipherChaCha20:
	default:
		return fmt.Errorf("cipher must be %q or %q, got %q", CipherAESGCM, CipherChaCha20, c.Cipher)
	}
	switch c.LedgerFailurePolicy {
	case PolicyBestEffort, PolicyBuffer:
	default:
		return fmt.Errorf("ledgerFailurePolicy must be %q or %q, got %q",
			PolicyBestEffort, PolicyBuffer, c.LedgerFailurePolicy)
	}
	if c.LedgerFailurePolicy == PolicyBuffer && c.LedgerBufferLimit <= 0 {
		return fmt.Errorf("ledgerBufferLimit must be positive with the %q policy", PolicyBuffer)
	}
	if c.AuditSecret != "" && len(c.AuditSecret) < 16 {
		return fmt.Errorf("AUDIT_LOG_SECRET must be at least 16 bytes, got %d", len(c.AuditSecret))
	}
	if c.ManagementPort <= 0 || c.ManagementPort > 65535 {
		return fmt.Errorf("managementPort out of range: %d", c.ManagementPort)
	}
	if c.LedgerPath == "" {
		return fmt.Errorf("ledgerPath is required")
	}
	return nil
}

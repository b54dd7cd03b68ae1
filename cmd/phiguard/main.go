// Command phiguard runs the PHI protection pipeline behind a loopback
// management API, and offers offline tools for scanning text, computing
// patient fingerprints and checking the audit ledger.
//
// Usage:
//
//	# Serve the API the browser extension talks to
//	AUDIT_LOG_SECRET=... phiguard serve
//
//	# Pseudonymize a transcript from stdin
//	phiguard scan < transcript.txt
//
//	# Check the ledger has not been tampered with
//	phiguard audit verify
package main

import (
	"fmt"
	"io"
	"os"
	"os/user"

	"github.com/spf13/cobra"

	"clinical-phi-guard/internal/audit"
	"clinical-phi-guard/internal/config"
	"clinical-phi-guard/internal/encounter"
	"clinical-phi-guard/internal/guard"
	"clinical-phi-guard/internal/kvstore"
	"clinical-phi-guard/internal/logger"
	"clinical-phi-guard/internal/mapcipher"
	"clinical-phi-guard/internal/metrics"
	"clinical-phi-guard/internal/phi"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath, logLevel string
	root := &cobra.Command{
		Use:          "phiguard",
		Short:        "PHI pseudonymization, audit ledger and patient identity guard",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultFile, "config file (json or yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logLevel")

	load := func() (*config.Config, error) {
		cfg := config.LoadFrom(configPath)
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	root.AddCommand(serveCmd(load))
	root.AddCommand(scanCmd(load))
	root.AddCommand(fingerprintCmd())
	root.AddCommand(auditCmd(load))
	return root
}

type loader func() (*config.Config, error)

// app holds the wired pipeline for the serve command.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	metrics *metrics.Metrics
	ledger  *audit.Ledger
	db      *kvstore.Bolt
	mgr     *encounter.Manager
}

func newCatalog(cfg *config.Config) (*phi.Catalog, error) {
	c := phi.NewCatalog()
	if cfg.EponymsFile != "" {
		extra, err := phi.LoadStoplistFile(cfg.EponymsFile)
		if err != nil {
			return nil, err
		}
		c.Extend(extra)
	}
	return c, nil
}

func openLedger(cfg *config.Config, log *logger.Logger, m *metrics.Metrics) (*audit.FileSink, *audit.Ledger, error) {
	sink, err := audit.OpenFileSink(cfg.LedgerPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger %s: %w", cfg.LedgerPath, err)
	}
	ledger, err := audit.New(sink, audit.Options{
		Secret:      []byte(cfg.AuditSecret),
		Policy:      cfg.LedgerFailurePolicy,
		BufferLimit: cfg.LedgerBufferLimit,
		Logger:      log,
		Metrics:     m,
	})
	if err != nil {
		sink.Close() //nolint:errcheck // already failing
		return nil, nil, err
	}
	return sink, ledger, nil
}

func buildApp(cfg *config.Config) (*app, error) {
	log := logger.New("phiguard", cfg.LogLevel)
	m := metrics.New()

	catalog, err := newCatalog(cfg)
	if err != nil {
		return nil, err
	}
	c, err := mapcipher.New(cfg.Cipher, m)
	if err != nil {
		return nil, err
	}
	sink, ledger, err := openLedger(cfg, log.Module("audit"), m)
	if err != nil {
		return nil, err
	}
	db, err := kvstore.OpenBolt(cfg.StatePath, "guard", "maps")
	if err != nil {
		sink.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("open state %s: %w", cfg.StatePath, err)
	}

	mgr, err := encounter.NewManager(encounter.Deps{
		Engine: phi.NewEngine(catalog, log.Module("phi"), m),
		Cipher: c,
		Keys:   mapcipher.NewKeyManager(m),
		Maps:   mapcipher.NewMapStore(db.Bucket("maps")),
		Ledger: ledger,
		// Observations last as long as the process; confirmations persist.
		Guard: guard.New(kvstore.NewMemory(), db.Bucket("guard"), guard.Options{
			ContextID: cfg.GuardContext,
			Logger:    log.Module("guard"),
			Metrics:   m,
		}),
		Logger:  log.Module("encounter"),
		Metrics: m,
		UserID:  currentUser(),
	})
	if err != nil {
		db.Close()   //nolint:errcheck // already failing
		sink.Close() //nolint:errcheck // already failing
		return nil, err
	}
	return &app{cfg: cfg, log: log, metrics: m, ledger: ledger, db: db, mgr: mgr}, nil
}

func (a *app) Close() {
	if err := a.ledger.Close(); err != nil {
		a.log.Warnf("shutdown", "ledger close: %v", err)
	}
	if err := a.db.Close(); err != nil {
		a.log.Warnf("shutdown", "state close: %v", err)
	}
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}

func printBanner(w io.Writer, cfg *config.Config) {
	secret := "configured"
	if cfg.AuditSecret == "" {
		secret = "NOT SET (per-process key, entries unverifiable after restart)"
	}
	auth := "enabled"
	if cfg.ManagementToken == "" {
		auth = "disabled"
	}
	fmt.Fprintf(w, `
╔══════════════════════════════════════════════════════╗
║          Clinical PHI Guard  (Go)                    ║
╚══════════════════════════════════════════════════════╝
  Management API  : http://%s:%d
  Bearer auth     : %s
  Map cipher      : %s
  Audit ledger    : %s
  Audit secret    : %s
  Failure policy  : %s
  State store     : %s

  Check status:
    curl http://localhost:%d/status
`, cfg.BindAddress, cfg.ManagementPort,
		auth,
		cfg.Cipher,
		cfg.LedgerPath, secret, cfg.LedgerFailurePolicy,
		cfg.StatePath,
		cfg.ManagementPort)
}

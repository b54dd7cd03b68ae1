package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"clinical-phi-guard/internal/audit"
	"clinical-phi-guard/internal/guard"
	"clinical-phi-guard/internal/logger"
)

var errNoSecret = errors.New("auditSecret is not configured (set AUDIT_LOG_SECRET); entries cannot be verified")

// errTampered makes verify exit non-zero without cobra printing usage.
var errTampered = errors.New("ledger integrity check failed")

func auditCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit ledger",
	}
	cmd.AddCommand(auditVerifyCmd(load), auditQueryCmd(load))
	return cmd
}

func openLedgerForRead(load loader) (*audit.Ledger, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if cfg.AuditSecret == "" {
		return nil, errNoSecret
	}
	sink, err := audit.OpenFileSinkReadOnly(cfg.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	ledger, err := audit.New(sink, audit.Options{
		Secret: []byte(cfg.AuditSecret),
		Logger: logger.New("audit", cfg.LogLevel),
	})
	if err != nil {
		sink.Close() //nolint:errcheck // already failing
		return nil, err
	}
	return ledger, nil
}

func auditVerifyCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Recompute every entry signature and report tampered lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ledger, err := openLedgerForRead(load)
			if err != nil {
				return err
			}
			defer ledger.Close() //nolint:errcheck // read-only use

			rep, err := ledger.VerifyIntegrity(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "entries: %d\n", rep.Total)
			color.New(color.FgGreen).Fprintf(w, "valid:   %d\n", rep.Valid) //nolint:errcheck // stdout
			if rep.Invalid == 0 {
				return nil
			}
			color.New(color.FgRed, color.Bold).Fprintf(w, "invalid: %d (lines %v)\n", rep.Invalid, rep.InvalidLines) //nolint:errcheck // stdout
			return errTampered
		},
	}
}

func auditQueryCmd(load loader) *cobra.Command {
	var encounterID, event, since, until string
	var limit int
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Print matching entries as JSON lines, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := audit.Filter{
				EncounterID: encounterID,
				EventType:   audit.EventType(event),
				Limit:       limit,
			}
			var err error
			if since != "" {
				if f.Since, err = time.Parse(time.RFC3339, since); err != nil {
					return fmt.Errorf("--since: %w", err)
				}
			}
			if until != "" {
				if f.Until, err = time.Parse(time.RFC3339, until); err != nil {
					return fmt.Errorf("--until: %w", err)
				}
			}

			ledger, err := openLedgerForRead(load)
			if err != nil {
				return err
			}
			defer ledger.Close() //nolint:errcheck // read-only use

			entries, err := ledger.Query(cmd.Context(), f)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&encounterID, "encounter", "", "only this encounter id")
	cmd.Flags().StringVar(&event, "event", "", "only this event type, e.g. guard_refused")
	cmd.Flags().StringVar(&since, "since", "", "RFC 3339 lower bound")
	cmd.Flags().StringVar(&until, "until", "", "RFC 3339 upper bound")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entries (0 = all)")
	return cmd
}

func fingerprintCmd() *cobra.Command {
	var d guard.Demographics
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the patient fingerprint and preview for a set of demographics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := guard.Fingerprint(d)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", p.FP, p.Preview)
			return nil
		},
	}
	cmd.Flags().StringVar(&d.LastName, "last", "", "last name")
	cmd.Flags().StringVar(&d.FirstName, "first", "", "first name")
	cmd.Flags().StringVar(&d.DOB, "dob", "", "date of birth")
	cmd.Flags().StringVar(&d.MRN, "mrn", "", "medical record number (last four digits are used)")
	return cmd
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"clinical-phi-guard/internal/management"
)

func serveCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the management API until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			printBanner(cmd.OutOrStdout(), cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := management.New(cfg, a.mgr, a.ledger, a.metrics, a.log.Module("management"))
			serveErr := srv.ListenAndServe(ctx)

			// Keys and live token maps must not outlive the process.
			n := a.mgr.Teardown(context.Background())
			a.log.Infof("shutdown", "ended %d encounters", n)
			return serveErr
		},
	}
}

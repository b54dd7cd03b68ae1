package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"clinical-phi-guard/internal/logger"
	"clinical-phi-guard/internal/phi"
)

func scanCmd(load loader) *cobra.Command {
	var showMap, asJSON bool
	cmd := &cobra.Command{
		Use:   "scan [file]",
		Short: "Pseudonymize a file or stdin and report residual identifiers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			catalog, err := newCatalog(cfg)
			if err != nil {
				return err
			}

			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close() //nolint:errcheck // read-only
				in = f
			}
			text, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}

			engine := phi.NewEngine(catalog, logger.New("scan", cfg.LogLevel), nil)
			out, tokens := engine.Pseudonymize(string(text), nil)
			gaps := phi.Validate(out)

			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Text string        `json:"text"`
					Map  *phi.TokenMap `json:"map,omitempty"`
					Gaps []phi.Gap     `json:"gaps"`
				}{Text: out, Map: mapIf(showMap, tokens), Gaps: gaps})
			}

			fmt.Fprint(w, out)
			if len(out) > 0 && out[len(out)-1] != '\n' {
				fmt.Fprintln(w)
			}
			errw := cmd.ErrOrStderr()
			if showMap {
				for _, e := range tokens.Entries() {
					fmt.Fprintf(errw, "%s\t%s\n", e.Token.Bracketed(), e.Value)
				}
			}
			warn := color.New(color.FgYellow)
			for _, g := range gaps {
				warn.Fprintf(errw, "residual %s at offset %d: %s\n", g.Type, g.Offset, g.Sample) //nolint:errcheck // stderr
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showMap, "map", false, "also print the token map (contains PHI)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print a JSON document instead of plain text")
	return cmd
}

func mapIf(ok bool, m *phi.TokenMap) *phi.TokenMap {
	if ok {
		return m
	}
	return nil
}

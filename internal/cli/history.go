package cli

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/shipforge/internal/config"
	"github.com/ppiankov/shipforge/internal/history"
	"github.com/ppiankov/shipforge/internal/reporter"
)

func newHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded runs, or one run in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadSettings(configFile)
			if err != nil {
				return &ConfigError{Err: fmt.Errorf("load config: %w", err)}
			}
			store, err := history.Open(cfg.HistoryDB)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			rep := reporter.NewTextReporter(cmd.OutOrStdout(), isTerminal())
			if len(args) == 0 {
				runs, err := store.List(cmd.Context(), limit)
				if err != nil {
					return err
				}
				rep.PrintHistory(runs)
				return nil
			}

			run, err := store.Get(cmd.Context(), args[0])
			if errors.Is(err, history.ErrNotFound) {
				// runs made while history was unavailable still leave a report
				report, readErr := reporter.ReadJSONReport(filepath.Join(cfg.RunsDir(), args[0], "report.json"))
				if readErr != nil {
					return fmt.Errorf("run %s not found in %s", args[0], cfg.HistoryDB)
				}
				rep.PrintSummary(report)
				return nil
			}
			if err != nil {
				return err
			}
			rep.PrintRun(run)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")

	return cmd
}

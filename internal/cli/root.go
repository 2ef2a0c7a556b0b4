package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version and Commit are set via LDFLAGS at build time.
var (
	Version = "dev"
	Commit  = "none"
)

var (
	verbose      bool
	configFile   string
	pipelineFile string
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "shipforge",
		Short: "Remote task runner for release pipelines",
		Long:  "shipforge renders shell tasks from a pipeline file and runs them in order on the local shell or over SSH, stopping at the first failure.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(newLogger(level))
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().StringVar(&configFile, "config", ".shipforge.yml", "path to settings file")
	root.PersistentFlags().StringVarP(&pipelineFile, "file", "f", "shipforge.yml", "path to pipeline file (.yml, .yaml or .hcl)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newPlanCmd())
	root.AddCommand(newCheckCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newHistoryCmd())
	root.AddCommand(newUnlockCmd())
	root.AddCommand(newVersionCmd())

	return root
}

// newLogger writes text logs to stderr so stdout stays free for task output.
func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == "error" {
				a.Key = "err"
			}
			return a
		},
	}))
}

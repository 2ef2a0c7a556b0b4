package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/shipforge/internal/config"
	"github.com/ppiankov/shipforge/internal/task"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List macros, tasks and host groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, reg, err := config.Load(pipelineFile)
			if err != nil {
				return &ConfigError{Err: err}
			}
			printRegistry(cmd.OutOrStdout(), reg)
			return nil
		},
	}
}

func printRegistry(w io.Writer, reg *task.Registry) {
	fmt.Fprintln(w, "Macros:")
	macros := reg.Macros()
	if len(macros) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, m := range macros {
		fmt.Fprintf(w, "  %-20s %s\n", m.ID, strings.Join(m.Tasks, " -> "))
	}

	fmt.Fprintln(w, "\nTasks:")
	for _, t := range reg.Tasks() {
		line := fmt.Sprintf("  %-20s on %-12s", t.ID, t.Target)
		if t.Description != "" {
			line += " " + t.Description
		}
		fmt.Fprintln(w, strings.TrimRight(line, " "))
	}

	fmt.Fprintln(w, "\nHosts:")
	fmt.Fprintf(w, "  %-20s %s\n", task.LocalTarget, "local shell")
	for _, g := range reg.HostGroups() {
		eps := make([]string, len(g.Endpoints))
		for i, ep := range g.Endpoints {
			eps[i] = ep.String()
		}
		fmt.Fprintf(w, "  %-20s %s\n", g.Name, strings.Join(eps, ", "))
	}
}

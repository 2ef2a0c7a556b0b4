package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/shipforge/internal/config"
	"github.com/ppiankov/shipforge/internal/lock"
)

func newUnlockCmd() *cobra.Command {
	var lockBackend string

	cmd := &cobra.Command{
		Use:   "unlock <host-group>",
		Short: "Remove a stale deploy lock for a host group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadSettings(configFile)
			if err != nil {
				return &ConfigError{Err: fmt.Errorf("load config: %w", err)}
			}
			if cmd.Flags().Changed("lock") {
				cfg.Lock.Backend = lockBackend
			}
			locker, closeLocker, err := openLocker(cfg.Lock)
			if err != nil {
				return &ConfigError{Err: err}
			}
			defer closeLocker()

			key := args[0]
			out := cmd.OutOrStdout()
			info, err := locker.Inspect(cmd.Context(), key)
			if errors.Is(err, lock.ErrNotLocked) {
				fmt.Fprintf(out, "No lock found for %s\n", key)
				return nil
			}
			if err != nil {
				return fmt.Errorf("read lock: %w", err)
			}

			if err := locker.ForceRelease(cmd.Context(), key); err != nil {
				return fmt.Errorf("remove lock: %w", err)
			}

			fmt.Fprintf(out, "Removed lock for %s (was run %s by %s@%s PID %d, since %s)\n",
				key, info.RunID, info.Owner, info.Hostname, info.PID, info.AcquiredAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&lockBackend, "lock", config.LockFile, "deploy lock backend: file or redis")

	return cmd
}

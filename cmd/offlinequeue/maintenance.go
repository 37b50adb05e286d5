package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"offlinequeue/internal/config"
	"offlinequeue/internal/database"
	"offlinequeue/internal/models"
	"offlinequeue/internal/worker"

	"github.com/spf13/cobra"
)

type drainOutput struct {
	Attempted  int   `json:"attempted"`
	Applied    int   `json:"applied"`
	Failed     int   `json:"failed"`
	Remaining  int   `json:"remaining"`
	DurationMS int64 `json:"duration_ms"`
}

// NewDrainCommand replays the queue once against the remote.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay pending operations once, then apply retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), rootOpts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.syncer == nil {
				return errRemoteNotConfigured
			}

			result, err := a.service.SyncNow(cmd.Context())
			if err != nil {
				if errors.Is(err, worker.ErrDrainInProgress) {
					return fmt.Errorf("another drain is running: %w", err)
				}
				return err
			}

			out := drainOutput{
				Attempted:  result.Attempted,
				Applied:    result.Applied,
				Failed:     result.Failed,
				Remaining:  result.Remaining,
				DurationMS: result.Duration.Milliseconds(),
			}
			return printResult(cmd.OutOrStdout(), rootOpts, out, func(w io.Writer) {
				fmt.Fprintf(w, "attempted=%d applied=%d failed=%d remaining=%d duration=%s\n",
					out.Attempted, out.Applied, out.Failed, out.Remaining, result.Duration.Round(time.Millisecond))
			})
		},
	}
}

// NewCleanupCommand purges expired and exhausted operations.
func NewCleanupCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		horizon    string
		maxRetries int
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Purge operations past the retention horizon or retry budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), rootOpts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			policy := a.janitor.Policy()
			if horizon != "" {
				d, err := time.ParseDuration(horizon)
				if err != nil || d < 0 {
					return fmt.Errorf("invalid --horizon %q", horizon)
				}
				policy.Horizon = d
			}
			if maxRetries > 0 {
				policy.MaxRetries = maxRetries
			}

			removed, err := a.janitor.Cleanup(cmd.Context(), policy.Horizon, policy.MaxRetries)
			if err != nil {
				return err
			}

			return printResult(cmd.OutOrStdout(), rootOpts, map[string]int{"removed": removed}, func(w io.Writer) {
				fmt.Fprintf(w, "removed %d operation(s)\n", removed)
			})
		},
	}

	cmd.Flags().StringVar(&horizon, "horizon", "", "override retention.horizon (e.g. 72h)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "override retention.max_retries")
	return cmd
}

// NewDeadLettersCommand lists purged operations kept in Redis.
func NewDeadLettersCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "List purged operations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), rootOpts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.redisDLQ == nil {
				return errRedisNotConfigured
			}

			records, err := a.redisDLQ.List(cmd.Context(), limit)
			if err != nil {
				return err
			}

			return printResult(cmd.OutOrStdout(), rootOpts, records, func(w io.Writer) {
				writeDeadLetterTable(w, records)
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum records to show (0 for all)")
	return cmd
}

func writeDeadLetterTable(w io.Writer, records []models.DeadLetter) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tTARGET\tRETRIES\tREASON\tPURGED")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.Operation.ID, r.Operation.Type, r.Operation.Target, r.Operation.RetryCount, r.Reason, r.PurgedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
}

// NewBackupCommand writes a snapshot of the SQLite queue.
func NewBackupCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Write a snapshot of the queue database to backup.storage_path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), rootOpts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.db == nil {
				return fmt.Errorf("backup requires database.driver %q", config.DriverSQLite)
			}

			backups := database.NewBackupService(a.db, a.cfg.Backup, &a.logger)
			path, err := backups.PerformBackup(cmd.Context())
			if err != nil {
				return err
			}
			pruned := backups.CleanupOldBackups()

			return printResult(cmd.OutOrStdout(), rootOpts, map[string]any{"path": path, "pruned": pruned}, func(w io.Writer) {
				fmt.Fprintln(w, path)
			})
		},
	}
}

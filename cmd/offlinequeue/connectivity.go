package main

import (
	"errors"
	"fmt"
	"io"

	"offlinequeue/internal/config"
	"offlinequeue/internal/connectivity"

	"github.com/spf13/cobra"
)

// NewConnectivityCommand reads or writes the connectivity state file watched by serve.
func NewConnectivityCommand(rootOpts *RootOptions) *cobra.Command {
	var stateFile string

	cmd := &cobra.Command{
		Use:       "connectivity [online|offline]",
		Short:     "Show or set the connectivity state seen by a running daemon",
		Example:   "  offlinequeue connectivity offline\n  offlinequeue connectivity online --file /run/offlinequeue/state",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{connectivity.StateOnline, connectivity.StateOffline},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := stateFile
			if path == "" {
				cfg, err := config.Load(rootOpts.ConfigPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				path = cfg.Connectivity.StateFile
			}
			if path == "" {
				return errors.New("connectivity.state_file is not configured; pass --file")
			}

			if len(args) == 1 {
				online, err := connectivity.ParseState(args[0])
				if err != nil {
					return err
				}
				if err := connectivity.WriteState(path, online); err != nil {
					return fmt.Errorf("write state: %w", err)
				}
			}

			online, err := connectivity.ReadState(path)
			if err != nil {
				return fmt.Errorf("read state: %w", err)
			}
			state := connectivity.StateOffline
			if online {
				state = connectivity.StateOnline
			}

			return printResult(cmd.OutOrStdout(), rootOpts, map[string]any{"state": state, "online": online, "file": path}, func(w io.Writer) {
				fmt.Fprintln(w, state)
			})
		},
	}

	cmd.Flags().StringVar(&stateFile, "file", "", "state file path (defaults to connectivity.state_file)")
	return cmd
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"offlinequeue/internal/models"

	"github.com/spf13/cobra"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	Type    string
	Target  string
	Payload string
	Filters string
}

// NewEnqueueCommand records one mutation in the local queue.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Record a mutation for later replay",
		Long: `Record an insert, update or delete against a remote collection.

Filters are a JSON object keyed by field name, each value {"eq": v} or {"in": [v, ...]}.`,
		Example: `  offlinequeue enqueue --type insert --target tickets --payload '{"title":"door"}'
  offlinequeue enqueue --type delete --target tickets --filters '{"id":{"in":[4,5]}}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Type, "type", "t", "", "operation type (insert|update|delete)")
	cmd.Flags().StringVar(&opts.Target, "target", "", "remote collection name")
	cmd.Flags().StringVarP(&opts.Payload, "payload", "p", "", "JSON payload for insert and update")
	cmd.Flags().StringVarP(&opts.Filters, "filters", "f", "", "JSON filters for update and delete")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("target")

	return cmd
}

func runEnqueue(cmd *cobra.Command, opts *EnqueueOptions) error {
	opType, err := models.ParseOperationType(opts.Type)
	if err != nil {
		return err
	}

	var filters models.Filters
	if opts.Filters != "" {
		if err := json.Unmarshal([]byte(opts.Filters), &filters); err != nil {
			return fmt.Errorf("parse filters: %w", err)
		}
	}

	var payload any
	if opts.Payload != "" {
		payload = json.RawMessage(opts.Payload)
	}

	a, err := newApp(cmd.Context(), opts.RootOptions, false)
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := a.service.EnqueueOperation(cmd.Context(), opType, opts.Target, payload, filters)
	if err != nil {
		return err
	}

	return printResult(cmd.OutOrStdout(), opts.RootOptions, map[string]string{"id": id}, func(w io.Writer) {
		fmt.Fprintln(w, id)
	})
}

// NewListCommand prints pending operations, oldest first.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending operations in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), rootOpts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			var ops []models.QueuedOperation
			if target != "" {
				ops, err = a.service.ListPendingByTarget(cmd.Context(), target)
			} else {
				ops, err = a.service.ListPendingOperations(cmd.Context())
			}
			if err != nil {
				return err
			}
			if ops == nil {
				ops = []models.QueuedOperation{}
			}

			return printResult(cmd.OutOrStdout(), rootOpts, ops, func(w io.Writer) {
				writeOperationsTable(w, ops)
			})
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "only list operations for this collection")
	return cmd
}

func writeOperationsTable(w io.Writer, ops []models.QueuedOperation) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tTARGET\tRETRIES\tENQUEUED")
	for _, op := range ops {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", op.ID, op.Type, op.Target, op.RetryCount, op.EnqueuedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
}

// NewCountCommand prints the number of pending operations.
func NewCountCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of pending operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), rootOpts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.service.GetPendingCount(cmd.Context())
			if err != nil {
				return err
			}

			return printResult(cmd.OutOrStdout(), rootOpts, map[string]int{"pending": n}, func(w io.Writer) {
				fmt.Fprintln(w, n)
			})
		},
	}
}

package main

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-gateway/internal/protocol"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var (
		wait     bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the status of an async job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := newTransport()
			if err != nil {
				return err
			}
			defer tr.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), activeCfg.Timeout)
			defer cancel()
			resp, err := pollStatus(ctx, tr, args[0], wait, interval)
			if err != nil {
				return err
			}
			return printResponse(cmd.OutOrStdout(), resp)
		},
	}

	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Poll until the job reaches a terminal state")
	cmd.Flags().DurationVar(&interval, "interval", 500*time.Millisecond, "Polling interval with --wait")

	return cmd
}

// pollStatus queries once, or until the job leaves queued/running when wait is set.
func pollStatus(ctx context.Context, tr transport, id string, wait bool, interval time.Duration) (protocol.Response, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		resp, err := tr.Status(ctx, id, activeCfg.APIKey)
		if err != nil {
			return resp, err
		}
		if !wait || (resp.Status != protocol.StatusQueued && resp.Status != protocol.StatusRunning) {
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return resp, ctx.Err()
		case <-ticker.C:
		}
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cancellation of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := newTransport()
			if err != nil {
				return err
			}
			defer tr.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), activeCfg.Timeout)
			defer cancel()
			resp, err := tr.Cancel(ctx, args[0], activeCfg.APIKey)
			if err != nil {
				return err
			}
			return printResponse(cmd.OutOrStdout(), resp)
		},
	}
}

package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func (a *app) outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect events the relay gave up on",
	}
	cmd.AddCommand(a.outboxFlaggedCmd())
	cmd.AddCommand(a.outboxRequeueCmd())
	return cmd
}

func (a *app) outboxFlaggedCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "flagged",
		Short: "List flagged outbox events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.open(cmd.Context(), a.service)
			if err != nil {
				return err
			}
			defer b.close()

			events, err := b.outbox.Flagged(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list flagged events: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(events) == 0 {
				fmt.Fprintln(out, "No flagged events.")
				return nil
			}
			fmt.Fprintf(out, "%-36s  %-28s  %-22s  %8s  %s\n", "ID", "TOPIC", "TYPE", "ATTEMPTS", "LAST ERROR")
			for _, e := range events {
				fmt.Fprintf(out, "%-36s  %-28s  %-22s  %8d  %s\n", e.ID, e.Topic, e.EventType, e.Attempts, e.LastError)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum events to list")
	return cmd
}

func (a *app) outboxRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue [event-id]",
		Short: "Clear an event's flag so the relay publishes it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid event id %q: %w", args[0], err)
			}

			b, err := a.open(cmd.Context(), a.service)
			if err != nil {
				return err
			}
			defer b.close()

			if err := b.outbox.Requeue(cmd.Context(), id, a.now().UTC()); err != nil {
				return fmt.Errorf("requeue %s: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s\n", id)
			return nil
		},
	}
}

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/punchamoorthee/walletsettle/internal/domain"
	"github.com/punchamoorthee/walletsettle/internal/orchestrator"
)

func (a *app) transactionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transactions",
		Short: "Transaction-service tools",
	}
	cmd.AddCommand(a.stuckCmd(), a.resumeCmd())
	return cmd
}

func (a *app) resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <transaction-id>",
		Short: "Clear a transaction's review flag so reconciliation retries it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid transaction id %q: %w", args[0], err)
			}

			b, err := a.open(cmd.Context(), serviceTransaction)
			if err != nil {
				return err
			}
			defer b.close()

			txn, err := orchestrator.New(b.transactions).Resume(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("resume transaction %s: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Resumed %s in %s; reconciliation will retry it.\n", txn.ID, txn.State)
			return nil
		},
	}
}

func (a *app) stuckCmd() *cobra.Command {
	var (
		olderThan time.Duration
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "stuck",
		Short: "List transactions flagged for review or pending too long",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.open(cmd.Context(), serviceTransaction)
			if err != nil {
				return err
			}
			defer b.close()

			review, err := b.transactions.NeedingReview(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list transactions needing review: %w", err)
			}
			stale, err := b.transactions.Stale(cmd.Context(), domain.PendingStates, a.now().UTC().Add(-olderThan), limit)
			if err != nil {
				return fmt.Errorf("list stale transactions: %w", err)
			}

			out := cmd.OutOrStdout()
			printTransactions(out, "Needs review", review)
			fmt.Fprintln(out)
			printTransactions(out, fmt.Sprintf("Pending longer than %s", olderThan), stale)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 5*time.Minute, "Report pending transactions not updated for this long")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "Maximum transactions per section")
	return cmd
}

func printTransactions(out io.Writer, title string, txns []domain.Transaction) {
	fmt.Fprintf(out, "%s (%d):\n", title, len(txns))
	for _, t := range txns {
		fmt.Fprintf(out, "  %s  %-16s  %s -> %s  %d %s  attempts=%d  updated=%s\n",
			t.ID, t.State, t.SourceAccount, t.DestAccount, t.Amount, t.Currency,
			t.ReconcileAttempts, t.UpdatedAt.Format(time.RFC3339))
	}
}

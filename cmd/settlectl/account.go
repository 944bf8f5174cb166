package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func (a *app) accountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Wallet account tools",
	}
	cmd.AddCommand(a.accountAuditCmd())
	return cmd
}

func (a *app) accountAuditCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "audit [account-id]",
		Short: "Check an account's balance against its ledger entries",
		Long: `Recompute an account's balance from its entries and compare it with
the stored balance and the last entry's balance snapshot. Exits non-zero
when they disagree or the entry sequence has gaps.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.open(cmd.Context(), serviceWallet)
			if err != nil {
				return err
			}
			defer b.close()

			report, err := b.wallet.Audit(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("audit %s: %w", args[0], err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "Account:      %s\n", report.AccountID)
				fmt.Fprintf(out, "Balance:      %d\n", report.Balance)
				fmt.Fprintf(out, "Entry sum:    %d\n", report.EntrySum)
				fmt.Fprintf(out, "Last after:   %d\n", report.LastBalanceAfter)
				fmt.Fprintf(out, "Entries:      %d\n", report.Entries)
				for _, p := range report.Problems {
					fmt.Fprintf(out, "  PROBLEM: %s\n", p)
				}
			}

			if !report.Consistent() {
				return fmt.Errorf("account %s is inconsistent", report.AccountID)
			}
			fmt.Fprintln(out, "OK")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	return cmd
}

package ledger

import (
	"context"
	"fmt"

	"github.com/punchamoorthee/walletsettle/internal/domain"
)

// AuditReport compares an account's balance with the entries behind it.
type AuditReport struct {
	AccountID        string   `json:"account_id"`
	Balance          int64    `json:"balance"`
	EntrySum         int64    `json:"entry_sum"`
	LastBalanceAfter int64    `json:"last_balance_after"`
	Entries          int      `json:"entries"`
	Problems         []string `json:"problems,omitempty"`
}

// Consistent reports whether the audit found nothing wrong.
func (r AuditReport) Consistent() bool {
	return len(r.Problems) == 0
}

// Audit checks that the signed sum of entries equals the balance, that the
// balance equals the last entry's snapshot, and that sequences have no gaps.
func (l *Ledger) Audit(ctx context.Context, accountID string) (AuditReport, error) {
	var (
		acct    domain.Account
		entries []domain.LedgerEntry
	)
	// The account lock keeps new entries out while both are read.
	err := l.store.WithTx(ctx, func(tx Tx) error {
		var err error
		if acct, err = tx.LockAccount(ctx, accountID); err != nil {
			return err
		}
		entries, err = tx.Entries(ctx, accountID)
		return err
	})
	if err != nil {
		return AuditReport{}, err
	}

	report := AuditReport{AccountID: accountID, Balance: acct.Balance, Entries: len(entries)}
	var running int64
	for i, e := range entries {
		running += e.Delta()
		if e.Sequence != int64(i+1) {
			report.Problems = append(report.Problems, fmt.Sprintf("entry %s has sequence %d, want %d", e.ID, e.Sequence, i+1))
		}
		if e.BalanceAfter != running {
			report.Problems = append(report.Problems, fmt.Sprintf("entry %s snapshot %d, running sum %d", e.ID, e.BalanceAfter, running))
		}
		if e.BalanceAfter < 0 {
			report.Problems = append(report.Problems, fmt.Sprintf("entry %s leaves a negative balance", e.ID))
		}
	}
	report.EntrySum = running
	if n := len(entries); n > 0 {
		report.LastBalanceAfter = entries[n-1].BalanceAfter
	}

	if report.EntrySum != acct.Balance {
		report.Problems = append(report.Problems, fmt.Sprintf("balance %d, entries sum to %d", acct.Balance, report.EntrySum))
	}
	if report.LastBalanceAfter != acct.Balance {
		report.Problems = append(report.Problems, fmt.Sprintf("balance %d, last snapshot %d", acct.Balance, report.LastBalanceAfter))
	}

	return report, nil
}

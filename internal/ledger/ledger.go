// Package ledger owns account balances. A balance only ever changes by
// appending an immutable LedgerEntry under a per-account lock.
package ledger

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/walletsettle/internal/domain"
	"github.com/punchamoorthee/walletsettle/internal/idempotency"
	"github.com/punchamoorthee/walletsettle/internal/logger"
	"github.com/punchamoorthee/walletsettle/internal/outbox"
)

// Tx is the unit of work the ledger writes through.
type Tx interface {
	outbox.Appender
	idempotency.Recorder

	CreateAccount(ctx context.Context, acct domain.Account) error
	// LockAccount loads the account and holds it exclusively until the unit of
	// work ends. Returns domain.ErrAccountNotFound.
	LockAccount(ctx context.Context, id string) (domain.Account, error)
	SaveAccount(ctx context.Context, acct domain.Account) error

	FindEntry(ctx context.Context, accountID string, txID uuid.UUID, dir domain.Direction) (domain.LedgerEntry, bool, error)
	LastSequence(ctx context.Context, accountID string) (int64, error)
	InsertEntry(ctx context.Context, entry domain.LedgerEntry) error
	// Entries returns the account's entries in sequence order, read in the
	// same snapshot as LockAccount.
	Entries(ctx context.Context, accountID string) ([]domain.LedgerEntry, error)
	// Outflow sums the account's debit-leg entries created at or after since,
	// skipping debits that were later reversed.
	Outflow(ctx context.Context, accountID string, since time.Time) (int64, error)

	FindSettlement(ctx context.Context, txID uuid.UUID, leg domain.Leg) (domain.Settlement, bool, error)
	InsertSettlement(ctx context.Context, s domain.Settlement) error
}

type Store interface {
	// WithTx runs fn in one unit of work, committing only if fn returns nil.
	WithTx(ctx context.Context, fn func(Tx) error) error

	Account(ctx context.Context, id string) (domain.Account, error)
	// Entries returns the account's entries in sequence order. limit <= 0 means all.
	Entries(ctx context.Context, accountID string, limit int) ([]domain.LedgerEntry, error)
	Settlements(ctx context.Context, txID uuid.UUID) ([]domain.Settlement, error)
}

// EntryRequest asks for one signed movement on one account.
type EntryRequest struct {
	AccountID     string
	TransactionID uuid.UUID
	Direction     domain.Direction
	Leg           domain.Leg
	Amount        int64
	// Currency is checked against the account when set.
	Currency string
}

type Ledger struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// ApplyEntry appends an entry inside tx and moves the balance with it.
//
// Applying the same (account, transaction, direction) twice returns the entry
// written the first time. A debit that would overdraw the account fails with
// *domain.InsufficientFundsError and writes nothing, as does a debit leg that
// would break one of the account's Limits (*domain.LimitExceededError).
// Compensating reversal credits are accepted regardless of account status.
func (l *Ledger) ApplyEntry(ctx context.Context, tx Tx, req EntryRequest) (domain.LedgerEntry, error) {
	if req.Amount <= 0 {
		return domain.LedgerEntry{}, domain.ErrInvalidAmount
	}

	acct, err := tx.LockAccount(ctx, req.AccountID)
	if err != nil {
		return domain.LedgerEntry{}, err
	}

	existing, found, err := tx.FindEntry(ctx, req.AccountID, req.TransactionID, req.Direction)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if found {
		return existing, nil
	}

	if req.Currency != "" && !strings.EqualFold(req.Currency, acct.Currency) {
		return domain.LedgerEntry{}, fmt.Errorf("%w: account %s holds %s, entry is %s",
			domain.ErrCurrencyMismatch, acct.ID, acct.Currency, req.Currency)
	}

	if req.Leg != domain.LegReversal {
		switch {
		case acct.Status == domain.AccountClosed:
			return domain.LedgerEntry{}, fmt.Errorf("%w: %s", domain.ErrAccountClosed, acct.ID)
		case acct.Status == domain.AccountFrozen && req.Direction == domain.Debit:
			return domain.LedgerEntry{}, fmt.Errorf("%w: %s", domain.ErrAccountFrozen, acct.ID)
		}
	}

	if req.Direction == domain.Debit && req.Leg == domain.LegDebit {
		if err := l.checkLimits(ctx, tx, acct, req.Amount); err != nil {
			return domain.LedgerEntry{}, err
		}
	}

	var balance int64
	switch req.Direction {
	case domain.Debit:
		if acct.Balance < req.Amount {
			return domain.LedgerEntry{}, &domain.InsufficientFundsError{
				AccountID: acct.ID,
				Available: acct.Balance,
				Requested: req.Amount,
			}
		}
		balance = acct.Balance - req.Amount
	case domain.Credit:
		if acct.Balance > math.MaxInt64-req.Amount {
			return domain.LedgerEntry{}, &domain.ValidationError{Field: "amount", Message: "balance would overflow"}
		}
		balance = acct.Balance + req.Amount
	default:
		return domain.LedgerEntry{}, &domain.ValidationError{Field: "direction", Message: string(req.Direction)}
	}

	last, err := tx.LastSequence(ctx, acct.ID)
	if err != nil {
		return domain.LedgerEntry{}, err
	}

	now := l.now().UTC()
	entry := domain.LedgerEntry{
		ID:            uuid.New(),
		AccountID:     acct.ID,
		TransactionID: req.TransactionID,
		Direction:     req.Direction,
		Leg:           req.Leg,
		Amount:        req.Amount,
		BalanceAfter:  balance,
		Sequence:      last + 1,
		CreatedAt:     now,
	}
	if err := tx.InsertEntry(ctx, entry); err != nil {
		return domain.LedgerEntry{}, err
	}

	acct.Balance = balance
	acct.Version++
	acct.UpdatedAt = now
	if err := tx.SaveAccount(ctx, acct); err != nil {
		return domain.LedgerEntry{}, err
	}

	return entry, nil
}

func (l *Ledger) checkLimits(ctx context.Context, tx Tx, acct domain.Account, amount int64) error {
	lim := acct.Limits
	if lim.PerTransaction > 0 && amount > lim.PerTransaction {
		return &domain.LimitExceededError{AccountID: acct.ID, Limit: "per-transaction", Max: lim.PerTransaction, Requested: amount}
	}

	now := l.now().UTC()
	windows := []struct {
		name  string
		max   int64
		since time.Time
	}{
		{"daily", lim.Daily, time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)},
		{"monthly", lim.Monthly, time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, w := range windows {
		if w.max <= 0 {
			continue
		}
		used, err := tx.Outflow(ctx, acct.ID, w.since)
		if err != nil {
			return err
		}
		if used+amount > w.max {
			return &domain.LimitExceededError{AccountID: acct.ID, Limit: w.name, Max: w.max, Used: used, Requested: amount}
		}
	}
	return nil
}

// OpenAccount creates an active account. A positive opening balance is
// written as an opening credit entry, never as a raw balance.
func (l *Ledger) OpenAccount(ctx context.Context, id, currency string, opening int64) (domain.Account, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if !domain.ValidCurrency(currency) {
		return domain.Account{}, &domain.ValidationError{Field: "currency", Message: "must be a 3-letter ISO code"}
	}
	if opening < 0 {
		return domain.Account{}, &domain.ValidationError{Field: "openingBalance", Message: "must not be negative"}
	}

	now := l.now().UTC()
	acct := domain.Account{
		ID:        id,
		Currency:  currency,
		Status:    domain.AccountActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := l.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.CreateAccount(ctx, acct); err != nil {
			return err
		}
		if opening == 0 {
			return nil
		}
		_, err := l.ApplyEntry(ctx, tx, EntryRequest{
			AccountID:     id,
			TransactionID: uuid.New(),
			Direction:     domain.Credit,
			Leg:           domain.LegOpening,
			Amount:        opening,
			Currency:      currency,
		})
		return err
	})
	if err != nil {
		return domain.Account{}, err
	}

	logger.Info("account opened", logger.Fields{"account_id": id, "currency": currency, "opening_balance": opening})
	return l.store.Account(ctx, id)
}

// SetStatus changes an account's status. Closed accounts stay closed.
func (l *Ledger) SetStatus(ctx context.Context, id string, status domain.AccountStatus) (domain.Account, error) {
	if !status.Valid() {
		return domain.Account{}, &domain.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", status)}
	}

	var updated domain.Account
	err := l.store.WithTx(ctx, func(tx Tx) error {
		acct, err := tx.LockAccount(ctx, id)
		if err != nil {
			return err
		}
		if acct.Status == status {
			updated = acct
			return nil
		}
		if acct.Status == domain.AccountClosed {
			return &domain.ValidationError{Field: "status", Message: "closed accounts cannot be reopened"}
		}

		acct.Status = status
		acct.Version++
		acct.UpdatedAt = l.now().UTC()
		updated = acct
		return tx.SaveAccount(ctx, acct)
	})
	if err != nil {
		return domain.Account{}, err
	}

	logger.Info("account status changed", logger.Fields{"account_id": id, "status": status})
	return updated, nil
}

// SetLimits replaces an account's outgoing limits. Entries already written
// are not re-checked.
func (l *Ledger) SetLimits(ctx context.Context, id string, limits domain.Limits) (domain.Account, error) {
	for field, v := range map[string]int64{
		"perTransaction": limits.PerTransaction,
		"daily":          limits.Daily,
		"monthly":        limits.Monthly,
	} {
		if v < 0 {
			return domain.Account{}, &domain.ValidationError{Field: field, Message: "must not be negative"}
		}
	}

	var updated domain.Account
	err := l.store.WithTx(ctx, func(tx Tx) error {
		acct, err := tx.LockAccount(ctx, id)
		if err != nil {
			return err
		}
		acct.Limits = limits
		acct.Version++
		acct.UpdatedAt = l.now().UTC()
		updated = acct
		return tx.SaveAccount(ctx, acct)
	})
	if err != nil {
		return domain.Account{}, err
	}

	logger.Info("account limits changed", logger.Fields{
		"account_id":      id,
		"per_transaction": limits.PerTransaction,
		"daily":           limits.Daily,
		"monthly":         limits.Monthly,
	})
	return updated, nil
}

func (l *Ledger) Account(ctx context.Context, id string) (domain.Account, error) {
	return l.store.Account(ctx, id)
}

func (l *Ledger) Entries(ctx context.Context, accountID string, limit int) ([]domain.LedgerEntry, error) {
	if _, err := l.store.Account(ctx, accountID); err != nil {
		return nil, err
	}
	return l.store.Entries(ctx, accountID, limit)
}

// Settlements returns every leg outcome recorded for a transaction.
func (l *Ledger) Settlements(ctx context.Context, txID uuid.UUID) ([]domain.Settlement, error) {
	return l.store.Settlements(ctx, txID)
}

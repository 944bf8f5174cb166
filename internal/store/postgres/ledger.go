package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/walletsettle/internal/domain"
	"github.com/punchamoorthee/walletsettle/internal/ledger"
)

const (
	accountColumns    = `id, currency, balance, status, limit_per_transaction, limit_daily, limit_monthly,
	version, created_at, updated_at`
	entryColumns      = `id, account_id, transaction_id, direction, leg, amount, balance_after, sequence, created_at`
	settlementColumns = `transaction_id, leg, account_id, outcome, amount, currency, code, reason, entry_id,
	balance_after, sequence, created_at`
)

// LedgerStore is the wallet-service database.
type LedgerStore struct {
	outboxTables
}

func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{outboxTables{pool: pool}}
}

func (s *LedgerStore) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&ledgerTx{tx: tx})
	})
}

func (s *LedgerStore) Account(ctx context.Context, id string) (domain.Account, error) {
	return getAccount(ctx, s.pool, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
}

// Entries returns an account's entries in sequence order.
func (s *LedgerStore) Entries(ctx context.Context, accountID string, limit int) ([]domain.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY sequence
		LIMIT $2`, accountID, limitArg(limit))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanEntry)
}

func (s *LedgerStore) Settlements(ctx context.Context, txID uuid.UUID) ([]domain.Settlement, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+settlementColumns+`
		FROM settlements
		WHERE transaction_id = $1
		ORDER BY created_at`, txID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanSettlement)
}

type ledgerTx struct {
	tx pgx.Tx
}

func (t *ledgerTx) AppendOutbox(ctx context.Context, evt domain.OutboxEvent) error {
	return appendOutbox(ctx, t.tx, evt)
}

func (t *ledgerTx) MarkProcessed(ctx context.Context, consumer string, eventID uuid.UUID, at time.Time) (bool, error) {
	return markProcessed(ctx, t.tx, consumer, eventID, at)
}

func (t *ledgerTx) CreateAccount(ctx context.Context, acct domain.Account) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		acct.ID, acct.Currency, acct.Balance, string(acct.Status),
		acct.Limits.PerTransaction, acct.Limits.Daily, acct.Limits.Monthly,
		acct.Version, acct.CreatedAt, acct.UpdatedAt)
	if isUniqueViolation(err, "accounts_pkey") {
		return domain.ErrAccountExists
	}
	if err != nil {
		return fmt.Errorf("insert account %s: %w", acct.ID, err)
	}
	return nil
}

func (t *ledgerTx) LockAccount(ctx context.Context, id string) (domain.Account, error) {
	return getAccount(ctx, t.tx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id)
}

func (t *ledgerTx) SaveAccount(ctx context.Context, acct domain.Account) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE accounts SET balance = $2, status = $3,
			limit_per_transaction = $4, limit_daily = $5, limit_monthly = $6,
			version = $7, updated_at = $8
		WHERE id = $1`,
		acct.ID, acct.Balance, string(acct.Status),
		acct.Limits.PerTransaction, acct.Limits.Daily, acct.Limits.Monthly,
		acct.Version, acct.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update account %s: %w", acct.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (t *ledgerTx) FindEntry(ctx context.Context, accountID string, txID uuid.UUID, dir domain.Direction) (domain.LedgerEntry, bool, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE account_id = $1 AND transaction_id = $2 AND direction = $3`,
		accountID, txID, string(dir))
	if err != nil {
		return domain.LedgerEntry{}, false, err
	}
	e, err := pgx.CollectExactlyOneRow(rows, scanEntry)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.LedgerEntry{}, false, nil
	}
	if err != nil {
		return domain.LedgerEntry{}, false, err
	}
	return e, true, nil
}

func (t *ledgerTx) LastSequence(ctx context.Context, accountID string) (int64, error) {
	var seq int64
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM ledger_entries WHERE account_id = $1`, accountID).Scan(&seq)
	return seq, err
}

// InsertEntry relies on the (account, sequence) and (account, transaction,
// direction) unique constraints; a violation surfaces from WithTx as
// domain.ErrConcurrentModification.
func (t *ledgerTx) InsertEntry(ctx context.Context, e domain.LedgerEntry) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, account_id, transaction_id, direction, leg, amount, balance_after, sequence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.AccountID, e.TransactionID, string(e.Direction), string(e.Leg), e.Amount, e.BalanceAfter, e.Sequence, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert entry for %s: %w", e.AccountID, err)
	}
	return nil
}

func (t *ledgerTx) Entries(ctx context.Context, accountID string) ([]domain.LedgerEntry, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY sequence`, accountID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanEntry)
}

func (t *ledgerTx) Outflow(ctx context.Context, accountID string, since time.Time) (int64, error) {
	var sum int64
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(d.amount), 0)
		FROM ledger_entries d
		WHERE d.account_id = $1 AND d.leg = 'debit' AND d.created_at >= $2
		  AND NOT EXISTS (
		      SELECT 1 FROM ledger_entries r
		      WHERE r.account_id = d.account_id AND r.transaction_id = d.transaction_id AND r.leg = 'reversal')`,
		accountID, since).Scan(&sum)
	return sum, err
}

func (t *ledgerTx) FindSettlement(ctx context.Context, txID uuid.UUID, leg domain.Leg) (domain.Settlement, bool, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+settlementColumns+`
		FROM settlements
		WHERE transaction_id = $1 AND leg = $2`, txID, string(leg))
	if err != nil {
		return domain.Settlement{}, false, err
	}
	s, err := pgx.CollectExactlyOneRow(rows, scanSettlement)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Settlement{}, false, nil
	}
	if err != nil {
		return domain.Settlement{}, false, err
	}
	return s, true, nil
}

func (t *ledgerTx) InsertSettlement(ctx context.Context, s domain.Settlement) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO settlements (transaction_id, leg, account_id, outcome, amount, currency, code, reason, entry_id,
			balance_after, sequence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		s.TransactionID, string(s.Leg), s.AccountID, string(s.Outcome), s.Amount, s.Currency, s.Code, s.Reason,
		s.EntryID, s.BalanceAfter, s.Sequence, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert settlement %s/%s: %w", s.TransactionID, s.Leg, err)
	}
	return nil
}

func getAccount(ctx context.Context, q querier, sql string, id string) (domain.Account, error) {
	rows, err := q.Query(ctx, sql, id)
	if err != nil {
		return domain.Account{}, err
	}
	acct, err := pgx.CollectExactlyOneRow(rows, func(row pgx.CollectableRow) (domain.Account, error) {
		var (
			a      domain.Account
			status string
		)
		err := row.Scan(&a.ID, &a.Currency, &a.Balance, &status,
			&a.Limits.PerTransaction, &a.Limits.Daily, &a.Limits.Monthly,
			&a.Version, &a.CreatedAt, &a.UpdatedAt)
		a.Status = domain.AccountStatus(status)
		return a, err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	return acct, err
}

func scanEntry(row pgx.CollectableRow) (domain.LedgerEntry, error) {
	var (
		e         domain.LedgerEntry
		direction string
		leg       string
	)
	err := row.Scan(&e.ID, &e.AccountID, &e.TransactionID, &direction, &leg, &e.Amount, &e.BalanceAfter, &e.Sequence, &e.CreatedAt)
	e.Direction = domain.Direction(direction)
	e.Leg = domain.Leg(leg)
	return e, err
}

func scanSettlement(row pgx.CollectableRow) (domain.Settlement, error) {
	var (
		s       domain.Settlement
		leg     string
		outcome string
	)
	err := row.Scan(&s.TransactionID, &leg, &s.AccountID, &outcome, &s.Amount, &s.Currency, &s.Code, &s.Reason,
		&s.EntryID, &s.BalanceAfter, &s.Sequence, &s.CreatedAt)
	s.Leg = domain.Leg(leg)
	s.Outcome = domain.Outcome(outcome)
	return s, err
}

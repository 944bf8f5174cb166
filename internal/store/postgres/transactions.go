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
	"github.com/punchamoorthee/walletsettle/internal/orchestrator"
)

const transactionColumns = `id, idempotency_key, request_hash, kind, source_account, dest_account, amount, currency,
	state, failure_reason, initiated_by, reconcile_attempts, needs_review, created_at, updated_at`

// TransactionStore is the transaction-service database.
type TransactionStore struct {
	outboxTables
}

func NewTransactionStore(pool *pgxpool.Pool) *TransactionStore {
	return &TransactionStore{outboxTables{pool: pool}}
}

func (s *TransactionStore) WithTx(ctx context.Context, fn func(orchestrator.Tx) error) error {
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&transactionTx{tx: tx})
	})
}

func (s *TransactionStore) Get(ctx context.Context, id uuid.UUID) (domain.Transaction, error) {
	return getTransaction(ctx, s.pool, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
}

func (s *TransactionStore) Stale(ctx context.Context, states []domain.State, before time.Time, limit int) ([]domain.Transaction, error) {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}
	rows, err := s.pool.Query(ctx, `SELECT `+transactionColumns+`
		FROM transactions
		WHERE state = ANY($1) AND NOT needs_review AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`, names, before, limitArg(limit))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanTransaction)
}

func (s *TransactionStore) NeedingReview(ctx context.Context, limit int) ([]domain.Transaction, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+transactionColumns+`
		FROM transactions
		WHERE needs_review AND state NOT IN ('SETTLED', 'DEBIT_REJECTED', 'REVERSED')
		ORDER BY updated_at
		LIMIT $1`, limitArg(limit))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanTransaction)
}

// List pages newest first; id breaks ties so pages do not overlap.
func (s *TransactionStore) List(ctx context.Context, f orchestrator.ListFilter) ([]domain.Transaction, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+transactionColumns+`
		FROM transactions
		WHERE ($1 = '' OR initiated_by = $1)
		  AND ($2 = '' OR source_account = $2 OR dest_account = $2)
		ORDER BY created_at DESC, id
		LIMIT $3 OFFSET $4`, f.InitiatedBy, f.AccountID, limitArg(f.Limit), f.Offset)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanTransaction)
}

type transactionTx struct {
	tx pgx.Tx
}

func (t *transactionTx) AppendOutbox(ctx context.Context, evt domain.OutboxEvent) error {
	return appendOutbox(ctx, t.tx, evt)
}

func (t *transactionTx) MarkProcessed(ctx context.Context, consumer string, eventID uuid.UUID, at time.Time) (bool, error) {
	return markProcessed(ctx, t.tx, consumer, eventID, at)
}

func (t *transactionTx) InsertTransaction(ctx context.Context, txn domain.Transaction) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO transactions (id, idempotency_key, request_hash, kind, source_account, dest_account, amount,
			currency, state, failure_reason, initiated_by, reconcile_attempts, needs_review, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		txn.ID, txn.IdempotencyKey, txn.RequestHash, string(txn.Kind), txn.SourceAccount, txn.DestAccount, txn.Amount,
		txn.Currency, string(txn.State), txn.FailureReason, txn.InitiatedBy, txn.ReconcileAttempts, txn.NeedsReview,
		txn.CreatedAt, txn.UpdatedAt)
	if isUniqueViolation(err, "transactions_idempotency_key_uniq") {
		return domain.ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", txn.ID, err)
	}
	return nil
}

func (t *transactionTx) FindByIdempotencyKey(ctx context.Context, principal, key string) (domain.Transaction, bool, error) {
	txn, err := getTransaction(ctx, t.tx, `SELECT `+transactionColumns+`
		FROM transactions
		WHERE initiated_by = $1 AND idempotency_key = $2`, principal, key)
	if errors.Is(err, domain.ErrTransactionNotFound) {
		return domain.Transaction{}, false, nil
	}
	if err != nil {
		return domain.Transaction{}, false, err
	}
	return txn, true, nil
}

func (t *transactionTx) LockTransaction(ctx context.Context, id uuid.UUID) (domain.Transaction, error) {
	return getTransaction(ctx, t.tx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id)
}

func (t *transactionTx) UpdateTransaction(ctx context.Context, txn domain.Transaction) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE transactions
		SET state = $2, failure_reason = $3, reconcile_attempts = $4, needs_review = $5, updated_at = $6
		WHERE id = $1`,
		txn.ID, string(txn.State), txn.FailureReason, txn.ReconcileAttempts, txn.NeedsReview, txn.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update transaction %s: %w", txn.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTransactionNotFound
	}
	return nil
}

func getTransaction(ctx context.Context, q querier, sql string, args ...any) (domain.Transaction, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return domain.Transaction{}, err
	}
	txn, err := pgx.CollectExactlyOneRow(rows, scanTransaction)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Transaction{}, domain.ErrTransactionNotFound
	}
	return txn, err
}

func scanTransaction(row pgx.CollectableRow) (domain.Transaction, error) {
	var (
		t     domain.Transaction
		kind  string
		state string
	)
	err := row.Scan(&t.ID, &t.IdempotencyKey, &t.RequestHash, &kind, &t.SourceAccount, &t.DestAccount, &t.Amount,
		&t.Currency, &state, &t.FailureReason, &t.InitiatedBy, &t.ReconcileAttempts, &t.NeedsReview,
		&t.CreatedAt, &t.UpdatedAt)
	t.Kind = domain.Kind(kind)
	t.State = domain.State(state)
	return t, err
}

// Package orchestrator drives each transaction through the settlement saga.
//
// The orchestrator never touches balances. It records intent, emits leg
// commands through the outbox, and advances the transaction's state as the
// wallet reports outcomes. Non-terminal states only move forward, and a
// terminal state is never left.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/walletsettle/internal/domain"
	"github.com/punchamoorthee/walletsettle/internal/event"
	"github.com/punchamoorthee/walletsettle/internal/idempotency"
	"github.com/punchamoorthee/walletsettle/internal/logger"
	"github.com/punchamoorthee/walletsettle/internal/outbox"
)

// ConsumerName identifies the transaction-service in the processed-events table.
const ConsumerName = "transaction-service"

// Tx is the unit of work the orchestrator writes through.
type Tx interface {
	outbox.Appender
	idempotency.Recorder

	// InsertTransaction returns domain.ErrDuplicateKey if the principal
	// already used the idempotency key.
	InsertTransaction(ctx context.Context, txn domain.Transaction) error
	// FindByIdempotencyKey looks the key up among the principal's transactions.
	FindByIdempotencyKey(ctx context.Context, principal, key string) (domain.Transaction, bool, error)
	// LockTransaction returns domain.ErrTransactionNotFound.
	LockTransaction(ctx context.Context, id uuid.UUID) (domain.Transaction, error)
	UpdateTransaction(ctx context.Context, txn domain.Transaction) error
}

type Store interface {
	WithTx(ctx context.Context, fn func(Tx) error) error

	Get(ctx context.Context, id uuid.UUID) (domain.Transaction, error)
	// Stale returns transactions in one of states, last updated before the
	// cutoff and not yet flagged for review, oldest first.
	Stale(ctx context.Context, states []domain.State, before time.Time, limit int) ([]domain.Transaction, error)
	NeedingReview(ctx context.Context, limit int) ([]domain.Transaction, error)
	// List returns the transactions matching f, newest first.
	List(ctx context.Context, f ListFilter) ([]domain.Transaction, error)
}

// ListFilter selects a page of transaction history. Empty fields match
// everything; AccountID matches either side of the transfer.
type ListFilter struct {
	InitiatedBy string
	AccountID   string
	Limit       int
	Offset      int
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// CreateRequest is a client's intent to move money.
type CreateRequest struct {
	IdempotencyKey string
	Kind           domain.Kind
	SourceAccount  string
	DestAccount    string
	Amount         int64
	Currency       string
}

func (r CreateRequest) normalize() CreateRequest {
	r.IdempotencyKey = strings.TrimSpace(r.IdempotencyKey)
	r.SourceAccount = strings.TrimSpace(r.SourceAccount)
	r.DestAccount = strings.TrimSpace(r.DestAccount)
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	if r.Kind == "" {
		r.Kind = domain.KindTransfer
	}
	return r
}

func (r CreateRequest) validate() error {
	switch {
	case r.IdempotencyKey == "":
		return &domain.ValidationError{Field: "idempotencyKey", Message: "is required"}
	case len(r.IdempotencyKey) > 255:
		return &domain.ValidationError{Field: "idempotencyKey", Message: "must be at most 255 characters"}
	case r.Kind != domain.KindTransfer && r.Kind != domain.KindWithdrawal:
		return &domain.ValidationError{Field: "kind", Message: fmt.Sprintf("unknown kind %q", r.Kind)}
	case r.SourceAccount == "":
		return &domain.ValidationError{Field: "sourceAccount", Message: "is required"}
	case r.DestAccount == "":
		return &domain.ValidationError{Field: "destAccount", Message: "is required"}
	case r.SourceAccount == r.DestAccount:
		return &domain.ValidationError{Field: "destAccount", Message: "must differ from sourceAccount"}
	case r.Amount <= 0:
		return &domain.ValidationError{Field: "amount", Message: "must be a positive integer in minor units"}
	case !domain.ValidCurrency(r.Currency):
		return &domain.ValidationError{Field: "currency", Message: "must be a 3-letter ISO code"}
	}
	return nil
}

// fingerprint identifies the payload behind an idempotency key.
func (r CreateRequest) fingerprint() string {
	h := sha256.New()
	for _, part := range []string{string(r.Kind), r.SourceAccount, r.DestAccount, strconv.FormatInt(r.Amount, 10), r.Currency} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

type Orchestrator struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Orchestrator {
	return &Orchestrator{store: store, now: time.Now}
}

// Create records a new transaction and queues its debit command in the same
// unit of work. Replaying an idempotency key with the same payload returns
// the original transaction with created=false; with a different payload it
// fails with domain.ErrIdempotencyMismatch. Keys are scoped to the principal,
// so two callers may use the same key for unrelated transactions.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest, principal string) (domain.Transaction, bool, error) {
	req = req.normalize()
	if err := req.validate(); err != nil {
		return domain.Transaction{}, false, err
	}
	hash := req.fingerprint()

	// A concurrent create with the same key loses the insert race; the retry
	// then finds the winner's row.
	for attempt := 0; ; attempt++ {
		txn, created, err := o.create(ctx, req, hash, principal)
		if errors.Is(err, domain.ErrDuplicateKey) && attempt == 0 {
			continue
		}
		return txn, created, err
	}
}

func (o *Orchestrator) create(ctx context.Context, req CreateRequest, hash, principal string) (domain.Transaction, bool, error) {
	var (
		txn     domain.Transaction
		created bool
	)
	err := o.store.WithTx(ctx, func(tx Tx) error {
		existing, found, err := tx.FindByIdempotencyKey(ctx, principal, req.IdempotencyKey)
		if err != nil {
			return err
		}
		if found {
			if existing.RequestHash != hash {
				return domain.ErrIdempotencyMismatch
			}
			txn = existing
			return nil
		}

		now := o.now().UTC()
		txn = domain.Transaction{
			ID:             uuid.New(),
			IdempotencyKey: req.IdempotencyKey,
			RequestHash:    hash,
			Kind:           req.Kind,
			SourceAccount:  req.SourceAccount,
			DestAccount:    req.DestAccount,
			Amount:         req.Amount,
			Currency:       req.Currency,
			State:          domain.StateCreated,
			InitiatedBy:    principal,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		created = true
		return outbox.Append(ctx, tx, command(txn, domain.LegDebit))
	})
	if err != nil {
		return domain.Transaction{}, false, err
	}

	if created {
		transitions.WithLabelValues("", string(domain.StateCreated)).Inc()
		logger.Info("transaction created", logger.Fields{
			"transaction_id": txn.ID.String(),
			"kind":           txn.Kind,
			"source_account": txn.SourceAccount,
			"dest_account":   txn.DestAccount,
			"amount":         txn.Amount,
			"currency":       txn.Currency,
			"initiated_by":   principal,
		})
	}
	return txn, created, nil
}

func (o *Orchestrator) Get(ctx context.Context, id uuid.UUID) (domain.Transaction, error) {
	return o.store.Get(ctx, id)
}

// List pages through transaction history. A zero Limit means
// DefaultPageSize; larger pages are capped at MaxPageSize.
func (o *Orchestrator) List(ctx context.Context, f ListFilter) ([]domain.Transaction, error) {
	switch {
	case f.Limit < 0:
		return nil, &domain.ValidationError{Field: "limit", Message: "must not be negative"}
	case f.Offset < 0:
		return nil, &domain.ValidationError{Field: "offset", Message: "must not be negative"}
	case f.Limit == 0:
		f.Limit = DefaultPageSize
	case f.Limit > MaxPageSize:
		f.Limit = MaxPageSize
	}
	f.AccountID = strings.TrimSpace(f.AccountID)
	return o.store.List(ctx, f)
}

// Resume hands a transaction flagged for review back to the reconciler with
// a fresh attempt budget. Terminal transactions cannot be resumed.
func (o *Orchestrator) Resume(ctx context.Context, id uuid.UUID) (domain.Transaction, error) {
	var txn domain.Transaction
	err := o.store.WithTx(ctx, func(tx Tx) error {
		var err error
		txn, err = tx.LockTransaction(ctx, id)
		if err != nil {
			return err
		}
		if txn.State.Terminal() {
			return &domain.ValidationError{Field: "state", Message: fmt.Sprintf("transaction is already %s", txn.State)}
		}
		txn.NeedsReview = false
		txn.ReconcileAttempts = 0
		txn.UpdatedAt = o.now().UTC()
		return tx.UpdateTransaction(ctx, txn)
	})
	if err != nil {
		return domain.Transaction{}, err
	}

	logger.Info("transaction resumed", logger.Fields{"transaction_id": id.String(), "state": txn.State})
	return txn, nil
}

// command builds the wallet command for a leg. Re-sending a leg keeps the
// same idempotency key so the wallet recognises it.
func command(txn domain.Transaction, leg domain.Leg) event.Envelope {
	cmd := event.Command{
		TransactionID:  txn.ID,
		AccountID:      txn.SourceAccount,
		CounterpartyID: txn.DestAccount,
		Amount:         txn.Amount,
		Currency:       txn.Currency,
	}

	var p event.Payload
	switch leg {
	case domain.LegCredit:
		cmd.AccountID, cmd.CounterpartyID = txn.DestAccount, txn.SourceAccount
		p = event.CreditRequested{Command: cmd}
	case domain.LegReversal:
		cmd.Reason = txn.FailureReason
		p = event.ReversalRequested{Command: cmd}
	default:
		p = event.DebitRequested{Command: cmd}
	}

	return event.New(p, txn.ID.String(), legKey(txn, leg))
}

// legKey is the idempotency key of a leg command and of its outcome.
func legKey(txn domain.Transaction, leg domain.Leg) string {
	return txn.ID.String() + ":" + string(leg)
}

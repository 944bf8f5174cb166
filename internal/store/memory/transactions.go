package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/walletsettle/internal/domain"
	"github.com/punchamoorthee/walletsettle/internal/orchestrator"
)

// Transactions is the transaction-service store.
type Transactions struct {
	core
	txns  map[uuid.UUID]domain.Transaction
	byKey map[string]uuid.UUID
}

func NewTransactions() *Transactions {
	t := &Transactions{
		txns:  make(map[uuid.UUID]domain.Transaction),
		byKey: make(map[string]uuid.UUID),
	}
	t.core.init()
	return t
}

type transactionsSnapshot struct {
	core  coreSnapshot
	txns  map[uuid.UUID]domain.Transaction
	byKey map[string]uuid.UUID
}

func (s *Transactions) snapshot() transactionsSnapshot {
	snap := transactionsSnapshot{
		core:  s.snapshotCore(),
		txns:  make(map[uuid.UUID]domain.Transaction, len(s.txns)),
		byKey: make(map[string]uuid.UUID, len(s.byKey)),
	}
	for k, v := range s.txns {
		snap.txns[k] = v
	}
	for k, v := range s.byKey {
		snap.byKey[k] = v
	}
	return snap
}

func (s *Transactions) WithTx(_ context.Context, fn func(orchestrator.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(&transactionsTx{s: s}); err != nil {
		s.restoreCore(snap.core)
		s.txns = snap.txns
		s.byKey = snap.byKey
		return err
	}
	return nil
}

func (s *Transactions) Get(_ context.Context, id uuid.UUID) (domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn, ok := s.txns[id]
	if !ok {
		return domain.Transaction{}, domain.ErrTransactionNotFound
	}
	return txn, nil
}

func (s *Transactions) Stale(_ context.Context, states []domain.State, before time.Time, limit int) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[domain.State]bool, len(states))
	for _, st := range states {
		wanted[st] = true
	}

	var out []domain.Transaction
	for _, txn := range s.txns {
		if wanted[txn.State] && !txn.NeedsReview && txn.UpdatedAt.Before(before) {
			out = append(out, txn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Transactions) List(_ context.Context, f orchestrator.ListFilter) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Transaction
	for _, txn := range s.txns {
		if f.InitiatedBy != "" && txn.InitiatedBy != f.InitiatedBy {
			continue
		}
		if f.AccountID != "" && txn.SourceAccount != f.AccountID && txn.DestAccount != f.AccountID {
			continue
		}
		out = append(out, txn)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Transactions) NeedingReview(_ context.Context, limit int) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Transaction
	for _, txn := range s.txns {
		if txn.NeedsReview && !txn.State.Terminal() {
			out = append(out, txn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type transactionsTx struct {
	s *Transactions
}

func (t *transactionsTx) AppendOutbox(_ context.Context, evt domain.OutboxEvent) error {
	return t.s.appendOutboxLocked(evt)
}

func (t *transactionsTx) MarkProcessed(_ context.Context, consumer string, eventID uuid.UUID, at time.Time) (bool, error) {
	return t.s.markProcessedLocked(consumer, eventID, at), nil
}

func (t *transactionsTx) InsertTransaction(_ context.Context, txn domain.Transaction) error {
	k := scopedKey(txn.InitiatedBy, txn.IdempotencyKey)
	if _, ok := t.s.byKey[k]; ok {
		return domain.ErrDuplicateKey
	}
	if _, ok := t.s.txns[txn.ID]; ok {
		return domain.ErrConcurrentModification
	}
	t.s.txns[txn.ID] = txn
	t.s.byKey[k] = txn.ID
	return nil
}

func (t *transactionsTx) FindByIdempotencyKey(_ context.Context, principal, key string) (domain.Transaction, bool, error) {
	id, ok := t.s.byKey[scopedKey(principal, key)]
	if !ok {
		return domain.Transaction{}, false, nil
	}
	return t.s.txns[id], true, nil
}

func (t *transactionsTx) LockTransaction(_ context.Context, id uuid.UUID) (domain.Transaction, error) {
	txn, ok := t.s.txns[id]
	if !ok {
		return domain.Transaction{}, domain.ErrTransactionNotFound
	}
	return txn, nil
}

func (t *transactionsTx) UpdateTransaction(_ context.Context, txn domain.Transaction) error {
	if _, ok := t.s.txns[txn.ID]; !ok {
		return domain.ErrTransactionNotFound
	}
	t.s.txns[txn.ID] = txn
	return nil
}

func scopedKey(principal, key string) string {
	return principal + "\x00" + key
}

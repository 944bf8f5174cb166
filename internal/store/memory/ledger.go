package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/walletsettle/internal/domain"
	"github.com/punchamoorthee/walletsettle/internal/ledger"
)

type entryKey struct {
	accountID string
	txID      uuid.UUID
	direction domain.Direction
}

type settlementKey struct {
	txID uuid.UUID
	leg  domain.Leg
}

// Ledger is the wallet-service store.
type Ledger struct {
	core
	accounts    map[string]domain.Account
	entries     map[string][]domain.LedgerEntry
	settlements map[settlementKey]domain.Settlement
}

func NewLedger() *Ledger {
	l := &Ledger{
		accounts:    make(map[string]domain.Account),
		entries:     make(map[string][]domain.LedgerEntry),
		settlements: make(map[settlementKey]domain.Settlement),
	}
	l.core.init()
	return l
}

type ledgerSnapshot struct {
	core        coreSnapshot
	accounts    map[string]domain.Account
	entries     map[string][]domain.LedgerEntry
	settlements map[settlementKey]domain.Settlement
}

func (l *Ledger) snapshot() ledgerSnapshot {
	s := ledgerSnapshot{
		core:        l.snapshotCore(),
		accounts:    make(map[string]domain.Account, len(l.accounts)),
		entries:     make(map[string][]domain.LedgerEntry, len(l.entries)),
		settlements: make(map[settlementKey]domain.Settlement, len(l.settlements)),
	}
	for k, v := range l.accounts {
		s.accounts[k] = v
	}
	for k, v := range l.entries {
		s.entries[k] = append([]domain.LedgerEntry(nil), v...)
	}
	for k, v := range l.settlements {
		s.settlements[k] = v
	}
	return s
}

func (l *Ledger) restore(s ledgerSnapshot) {
	l.restoreCore(s.core)
	l.accounts = s.accounts
	l.entries = s.entries
	l.settlements = s.settlements
}

// WithTx runs fn under the store lock and rolls back every write if fn fails.
func (l *Ledger) WithTx(_ context.Context, fn func(ledger.Tx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := l.snapshot()
	if err := fn(&ledgerTx{l: l}); err != nil {
		l.restore(snap)
		return err
	}
	return nil
}

func (l *Ledger) Account(_ context.Context, id string) (domain.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[id]
	if !ok {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	return acct, nil
}

func (l *Ledger) Entries(_ context.Context, accountID string, limit int) ([]domain.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := append([]domain.LedgerEntry(nil), l.entries[accountID]...)
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (l *Ledger) Settlements(_ context.Context, txID uuid.UUID) ([]domain.Settlement, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []domain.Settlement
	for k, s := range l.settlements {
		if k.txID == txID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ledgerTx writes straight into the parent; the parent lock is held by WithTx.
type ledgerTx struct {
	l *Ledger
}

func (t *ledgerTx) AppendOutbox(_ context.Context, evt domain.OutboxEvent) error {
	return t.l.appendOutboxLocked(evt)
}

func (t *ledgerTx) MarkProcessed(_ context.Context, consumer string, eventID uuid.UUID, at time.Time) (bool, error) {
	return t.l.markProcessedLocked(consumer, eventID, at), nil
}

func (t *ledgerTx) CreateAccount(_ context.Context, acct domain.Account) error {
	if _, ok := t.l.accounts[acct.ID]; ok {
		return domain.ErrAccountExists
	}
	t.l.accounts[acct.ID] = acct
	return nil
}

func (t *ledgerTx) LockAccount(_ context.Context, id string) (domain.Account, error) {
	acct, ok := t.l.accounts[id]
	if !ok {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	return acct, nil
}

func (t *ledgerTx) SaveAccount(_ context.Context, acct domain.Account) error {
	if _, ok := t.l.accounts[acct.ID]; !ok {
		return domain.ErrAccountNotFound
	}
	t.l.accounts[acct.ID] = acct
	return nil
}

func (t *ledgerTx) FindEntry(_ context.Context, accountID string, txID uuid.UUID, dir domain.Direction) (domain.LedgerEntry, bool, error) {
	for _, e := range t.l.entries[accountID] {
		if e.TransactionID == txID && e.Direction == dir {
			return e, true, nil
		}
	}
	return domain.LedgerEntry{}, false, nil
}

func (t *ledgerTx) LastSequence(_ context.Context, accountID string) (int64, error) {
	entries := t.l.entries[accountID]
	if len(entries) == 0 {
		return 0, nil
	}
	return entries[len(entries)-1].Sequence, nil
}

func (t *ledgerTx) InsertEntry(_ context.Context, entry domain.LedgerEntry) error {
	for _, e := range t.l.entries[entry.AccountID] {
		if e.Sequence == entry.Sequence ||
			(e.TransactionID == entry.TransactionID && e.Direction == entry.Direction) {
			return domain.ErrConcurrentModification
		}
	}
	t.l.entries[entry.AccountID] = append(t.l.entries[entry.AccountID], entry)
	return nil
}

func (t *ledgerTx) Entries(_ context.Context, accountID string) ([]domain.LedgerEntry, error) {
	return append([]domain.LedgerEntry(nil), t.l.entries[accountID]...), nil
}

func (t *ledgerTx) Outflow(_ context.Context, accountID string, since time.Time) (int64, error) {
	entries := t.l.entries[accountID]
	reversed := make(map[uuid.UUID]bool)
	for _, e := range entries {
		if e.Leg == domain.LegReversal {
			reversed[e.TransactionID] = true
		}
	}
	var sum int64
	for _, e := range entries {
		if e.Leg == domain.LegDebit && !e.CreatedAt.Before(since) && !reversed[e.TransactionID] {
			sum += e.Amount
		}
	}
	return sum, nil
}

func (t *ledgerTx) FindSettlement(_ context.Context, txID uuid.UUID, leg domain.Leg) (domain.Settlement, bool, error) {
	s, ok := t.l.settlements[settlementKey{txID: txID, leg: leg}]
	return s, ok, nil
}

func (t *ledgerTx) InsertSettlement(_ context.Context, s domain.Settlement) error {
	k := settlementKey{txID: s.TransactionID, leg: s.Leg}
	if _, ok := t.l.settlements[k]; ok {
		return domain.ErrConcurrentModification
	}
	t.l.settlements[k] = s
	return nil
}

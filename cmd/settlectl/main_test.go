package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/walletsettle/internal/domain"
	"github.com/punchamoorthee/walletsettle/internal/ledger"
	"github.com/punchamoorthee/walletsettle/internal/orchestrator"
	"github.com/punchamoorthee/walletsettle/internal/store/memory"
)

type fixture struct {
	wallet       *memory.Ledger
	transactions *memory.Transactions
	now          time.Time
	opened       []string
}

func newFixture() *fixture {
	return &fixture{
		wallet:       memory.NewLedger(),
		transactions: memory.NewTransactions(),
		now:          time.Now().UTC(),
	}
}

func (f *fixture) connect(_ context.Context, _, service string) (*backend, error) {
	f.opened = append(f.opened, service)
	if service == serviceWallet {
		return &backend{outbox: f.wallet, wallet: ledger.New(f.wallet), close: func() {}}, nil
	}
	return &backend{outbox: f.transactions, transactions: f.transactions, close: func() {}}, nil
}

func (f *fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(f.connect, func() time.Time { return f.now })
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func (f *fixture) createTransaction(t *testing.T, key string) domain.Transaction {
	t.Helper()
	txn, _, err := orchestrator.New(f.transactions).Create(context.Background(), orchestrator.CreateRequest{
		IdempotencyKey: key,
		SourceAccount:  "acc-1",
		DestAccount:    "acc-2",
		Amount:         100,
		Currency:       "USD",
	}, "ops")
	require.NoError(t, err)
	return txn
}

func TestOutbox_FlaggedAndRequeue(t *testing.T) {
	// GIVEN a debit command the relay gave up on
	f := newFixture()
	f.createTransaction(t, "key-1")
	pending, err := f.transactions.Pending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	evt := pending[0]
	require.NoError(t, f.transactions.RecordFailure(context.Background(), evt.ID, 10, f.now, true, "broker unavailable"))

	// WHEN listing flagged events
	out, err := f.run(t, "outbox", "flagged")

	// THEN the event is shown with its last error
	require.NoError(t, err)
	assert.Contains(t, out, evt.ID.String())
	assert.Contains(t, out, "broker unavailable")

	// WHEN requeueing it
	out, err = f.run(t, "outbox", "requeue", evt.ID.String())

	// THEN it is pending again and no longer flagged
	require.NoError(t, err)
	assert.Contains(t, out, "Requeued "+evt.ID.String())
	flagged, err := f.transactions.Flagged(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, flagged)
	pending, err = f.transactions.Pending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Zero(t, pending[0].Attempts)
}

func TestOutbox_RequeueRejectsBadID(t *testing.T) {
	f := newFixture()

	_, err := f.run(t, "outbox", "requeue", "not-a-uuid")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid event id")
	assert.Empty(t, f.opened)
}

func TestOutbox_UsesServiceFlag(t *testing.T) {
	f := newFixture()

	out, err := f.run(t, "--service", "wallet", "outbox", "flagged")

	require.NoError(t, err)
	assert.Contains(t, out, "No flagged events.")
	assert.Equal(t, []string{serviceWallet}, f.opened)

	_, err = f.run(t, "--service", "billing", "outbox", "flagged")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown service")
}

func TestAccountAudit(t *testing.T) {
	// GIVEN an account opened with a balance
	f := newFixture()
	_, err := ledger.New(f.wallet).OpenAccount(context.Background(), "acc-1", "USD", 2500)
	require.NoError(t, err)

	// WHEN auditing it
	out, err := f.run(t, "account", "audit", "acc-1")

	// THEN the balance matches its entries
	require.NoError(t, err)
	assert.Contains(t, out, "Balance:      2500")
	assert.Contains(t, out, "Entries:      1")
	assert.Contains(t, out, "OK")
	assert.Equal(t, []string{serviceWallet}, f.opened)
}

func TestAccountAudit_JSONAndMissingAccount(t *testing.T) {
	f := newFixture()
	_, err := ledger.New(f.wallet).OpenAccount(context.Background(), "acc-1", "USD", 0)
	require.NoError(t, err)

	out, err := f.run(t, "account", "audit", "acc-1", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"account_id": "acc-1"`)

	_, err = f.run(t, "account", "audit", "acc-404")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestTransactionsStuck(t *testing.T) {
	// GIVEN one transaction flagged for review and one merely pending
	f := newFixture()
	flagged := f.createTransaction(t, "key-review")
	pending := f.createTransaction(t, "key-pending")
	require.NoError(t, f.transactions.WithTx(context.Background(), func(tx orchestrator.Tx) error {
		txn, err := tx.LockTransaction(context.Background(), flagged.ID)
		if err != nil {
			return err
		}
		txn.NeedsReview = true
		return tx.UpdateTransaction(context.Background(), txn)
	}))

	// WHEN listing stuck transactions an hour later
	f.now = f.now.Add(time.Hour)
	out, err := f.run(t, "transactions", "stuck", "--older-than", "10m")

	// THEN both sections report their transaction
	require.NoError(t, err)
	assert.Contains(t, out, "Needs review (1):")
	assert.Contains(t, out, "Pending longer than 10m0s (1):")
	assert.Contains(t, out, flagged.ID.String())
	assert.Contains(t, out, pending.ID.String())
	assert.Equal(t, []string{serviceTransaction}, f.opened)
}

func TestTransactionsResume(t *testing.T) {
	// GIVEN a transaction flagged for review
	f := newFixture()
	flagged := f.createTransaction(t, "key-review")
	require.NoError(t, f.transactions.WithTx(context.Background(), func(tx orchestrator.Tx) error {
		txn, err := tx.LockTransaction(context.Background(), flagged.ID)
		if err != nil {
			return err
		}
		txn.NeedsReview = true
		txn.ReconcileAttempts = 6
		return tx.UpdateTransaction(context.Background(), txn)
	}))

	// WHEN an operator resumes it
	out, err := f.run(t, "transactions", "resume", flagged.ID.String())

	// THEN it leaves the review queue with a fresh attempt budget
	require.NoError(t, err)
	assert.Contains(t, out, "Resumed "+flagged.ID.String())
	review, err := f.transactions.NeedingReview(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, review)
	got, err := f.transactions.Get(context.Background(), flagged.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ReconcileAttempts)
}

func TestTransactionsResume_BadInput(t *testing.T) {
	f := newFixture()

	_, err := f.run(t, "transactions", "resume", "not-a-uuid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid transaction id")
	assert.Empty(t, f.opened)

	_, err = f.run(t, "transactions", "resume", "7f1c2a64-7c1e-4e7b-9a55-3f2b8b0f4d11")
	require.ErrorIs(t, err, domain.ErrTransactionNotFound)
}

package ledger_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/walletsettle/internal/domain"
	"github.com/punchamoorthee/walletsettle/internal/event"
	"github.com/punchamoorthee/walletsettle/internal/ledger"
	"github.com/punchamoorthee/walletsettle/internal/resilience"
	"github.com/punchamoorthee/walletsettle/internal/store/memory"
)

func debitCommand(txID uuid.UUID, account string, amount int64) event.Envelope {
	return event.New(event.DebitRequested{Command: event.Command{
		TransactionID:  txID,
		AccountID:      account,
		CounterpartyID: "acc-b",
		Amount:         amount,
		Currency:       "IDR",
	}}, txID.String(), txID.String()+":debit")
}

// emitted decodes every event the wallet staged in its outbox.
func emitted(t *testing.T, store *memory.Ledger) []event.Envelope {
	t.Helper()
	var out []event.Envelope
	for _, row := range store.Outbox() {
		env, err := event.Decode(row.Payload)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func TestHandle_DebitSettled(t *testing.T) {
	l, store := setup(t)
	h := ledger.NewCommandHandler(l)
	txID := uuid.New()

	require.NoError(t, h.Handle(context.Background(), debitCommand(txID, "acc-a", 600)))

	events := emitted(t, store)
	require.Len(t, events, 1)
	settled, ok := events[0].Payload.(event.DebitSettled)
	require.True(t, ok, "got %T", events[0].Payload)
	assert.Equal(t, txID, settled.TransactionID)
	assert.Equal(t, int64(400), settled.BalanceAfter)
	assert.NotEqual(t, uuid.Nil, settled.EntryID)
	assert.Equal(t, txID.String()+":debit", events[0].IdempotencyKey)

	settlements, err := l.Settlements(context.Background(), txID)
	require.NoError(t, err)
	require.Len(t, settlements, 1)
	assert.Equal(t, domain.OutcomeSettled, settlements[0].Outcome)
	assert.Equal(t, settled.EntryID, *settlements[0].EntryID)
}

func TestHandle_InsufficientFundsBecomesRejection(t *testing.T) {
	l, store := setup(t)
	h := ledger.NewCommandHandler(l)
	txID := uuid.New()

	require.NoError(t, h.Handle(context.Background(), debitCommand(txID, "acc-a", 5000)))

	events := emitted(t, store)
	require.Len(t, events, 1)
	rejected, ok := events[0].Payload.(event.DebitRejected)
	require.True(t, ok, "got %T", events[0].Payload)
	assert.Equal(t, "INSUFFICIENT_FUNDS", rejected.Code)
	assert.Equal(t, uuid.Nil, rejected.EntryID)

	acct, _ := l.Account(context.Background(), "acc-a")
	assert.Equal(t, int64(1000), acct.Balance)
	entries, _ := l.Entries(context.Background(), "acc-a", 0)
	assert.Len(t, entries, 1, "only the opening entry")
}

func TestHandle_LimitBreachBecomesRejection(t *testing.T) {
	l, store := setup(t)
	_, err := l.SetLimits(context.Background(), "acc-a", domain.Limits{PerTransaction: 100})
	require.NoError(t, err)
	h := ledger.NewCommandHandler(l)
	txID := uuid.New()

	require.NoError(t, h.Handle(context.Background(), debitCommand(txID, "acc-a", 600)))

	events := emitted(t, store)
	require.Len(t, events, 1)
	rejected, ok := events[0].Payload.(event.DebitRejected)
	require.True(t, ok, "got %T", events[0].Payload)
	assert.Equal(t, "LIMIT_EXCEEDED", rejected.Code)
	acct, _ := l.Account(context.Background(), "acc-a")
	assert.Equal(t, int64(1000), acct.Balance)
}

func TestHandle_RedeliveryIsIgnored(t *testing.T) {
	l, store := setup(t)
	h := ledger.NewCommandHandler(l)
	cmd := debitCommand(uuid.New(), "acc-a", 100)

	for i := 0; i < 3; i++ {
		require.NoError(t, h.Handle(context.Background(), cmd))
	}

	acct, _ := l.Account(context.Background(), "acc-a")
	assert.Equal(t, int64(900), acct.Balance)
	assert.Len(t, emitted(t, store), 1)
}

func TestHandle_RequeuedCommandReemitsPriorOutcome(t *testing.T) {
	// GIVEN a debit the wallet already settled
	l, store := setup(t)
	h := ledger.NewCommandHandler(l)
	txID := uuid.New()
	require.NoError(t, h.Handle(context.Background(), debitCommand(txID, "acc-a", 100)))

	// WHEN the same leg arrives again under a new event id
	require.NoError(t, h.Handle(context.Background(), debitCommand(txID, "acc-a", 100)))

	// THEN the balance moved once and the outcome is announced again
	acct, _ := l.Account(context.Background(), "acc-a")
	assert.Equal(t, int64(900), acct.Balance)

	events := emitted(t, store)
	require.Len(t, events, 2)
	first := events[0].Payload.(event.DebitSettled)
	second := events[1].Payload.(event.DebitSettled)
	assert.Equal(t, first.EntryID, second.EntryID)
	assert.NotEqual(t, events[0].ID, events[1].ID)
}

func TestHandle_CreditToClosedAccountIsRejected(t *testing.T) {
	l, store := setup(t)
	h := ledger.NewCommandHandler(l)
	_, err := l.SetStatus(context.Background(), "acc-b", domain.AccountClosed)
	require.NoError(t, err)
	txID := uuid.New()

	cmd := event.New(event.CreditRequested{Command: event.Command{
		TransactionID: txID, AccountID: "acc-b", CounterpartyID: "acc-a", Amount: 600, Currency: "IDR",
	}}, txID.String(), txID.String()+":credit")
	require.NoError(t, h.Handle(context.Background(), cmd))

	events := emitted(t, store)
	require.Len(t, events, 1)
	rejected, ok := events[0].Payload.(event.CreditRejected)
	require.True(t, ok)
	assert.Equal(t, "ACCOUNT_CLOSED", rejected.Code)
}

func TestHandle_ReversalCreditsSourceBack(t *testing.T) {
	l, store := setup(t)
	h := ledger.NewCommandHandler(l)
	txID := uuid.New()
	require.NoError(t, h.Handle(context.Background(), debitCommand(txID, "acc-a", 600)))

	rev := event.New(event.ReversalRequested{Command: event.Command{
		TransactionID: txID, AccountID: "acc-a", CounterpartyID: "acc-b", Amount: 600, Currency: "IDR",
	}}, txID.String(), txID.String()+":reversal")
	require.NoError(t, h.Handle(context.Background(), rev))

	acct, _ := l.Account(context.Background(), "acc-a")
	assert.Equal(t, int64(1000), acct.Balance)

	events := emitted(t, store)
	require.Len(t, events, 2)
	_, ok := events[1].Payload.(event.ReversalSettled)
	assert.True(t, ok)
}

func TestHandle_UnexpectedEventIsPermanent(t *testing.T) {
	l, _ := setup(t)
	h := ledger.NewCommandHandler(l)
	txID := uuid.New()

	err := h.Handle(context.Background(), event.New(event.DebitSettled{}, txID.String(), ""))

	require.ErrorIs(t, err, ledger.ErrUnexpectedEvent)
	assert.True(t, resilience.IsPermanent(err))
}

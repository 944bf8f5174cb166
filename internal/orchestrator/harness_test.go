package orchestrator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/walletsettle/internal/domain"
	"github.com/punchamoorthee/walletsettle/internal/event"
	"github.com/punchamoorthee/walletsettle/internal/ledger"
	"github.com/punchamoorthee/walletsettle/internal/orchestrator"
	"github.com/punchamoorthee/walletsettle/internal/outbox"
	"github.com/punchamoorthee/walletsettle/internal/store/memory"
)

type handlerFunc func(context.Context, event.Envelope) error

// bus stands in for the broker: relays publish into it and deliver hands
// queued messages to every subscriber of the topic.
type bus struct {
	mu        sync.Mutex
	queue     []domain.OutboxEvent
	subs      map[string][]handlerFunc
	delivered map[string]int
	drop      func(event.Envelope) bool
}

func (b *bus) Publish(_ context.Context, evt domain.OutboxEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, evt)
	return nil
}

func (b *bus) take() []domain.OutboxEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue
	b.queue = nil
	return q
}

type harness struct {
	t           *testing.T
	orch        *orchestrator.Orchestrator
	txStore     *memory.Transactions
	wallet      *ledger.Ledger
	walletStore *memory.Ledger
	walletCmds  *ledger.CommandHandler
	bus         *bus
	txRelay     *outbox.Relay
	walletRelay *outbox.Relay
	// redeliver hands every message to its subscribers twice.
	redeliver bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:           t,
		txStore:     memory.NewTransactions(),
		walletStore: memory.NewLedger(),
		bus:         &bus{subs: map[string][]handlerFunc{}, delivered: map[string]int{}},
	}
	h.orch = orchestrator.New(h.txStore)
	h.wallet = ledger.New(h.walletStore)
	h.walletCmds = ledger.NewCommandHandler(h.wallet)
	h.txRelay = outbox.NewRelay(h.txStore, h.bus, nil, outbox.RelayConfig{})
	h.walletRelay = outbox.NewRelay(h.walletStore, h.bus, nil, outbox.RelayConfig{})

	for _, topic := range event.OrchestratorTopics {
		h.bus.subs[topic] = append(h.bus.subs[topic], h.orch.Handle)
	}
	for _, topic := range event.WalletCommandTopics {
		h.bus.subs[topic] = append(h.bus.subs[topic], h.walletCmds.Handle)
	}
	return h
}

func (h *harness) open(id string, balance int64) {
	h.t.Helper()
	_, err := h.wallet.OpenAccount(context.Background(), id, "IDR", balance)
	require.NoError(h.t, err)
}

func (h *harness) create(key, src, dst string, amount int64) domain.Transaction {
	h.t.Helper()
	txn, created, err := h.orch.Create(context.Background(), orchestrator.CreateRequest{
		IdempotencyKey: key,
		SourceAccount:  src,
		DestAccount:    dst,
		Amount:         amount,
		Currency:       "IDR",
	}, "user-1")
	require.NoError(h.t, err)
	require.True(h.t, created)
	return txn
}

// flush moves both outboxes onto the bus.
func (h *harness) flush() int {
	h.t.Helper()
	n1, err := h.txRelay.Flush(context.Background())
	require.NoError(h.t, err)
	n2, err := h.walletRelay.Flush(context.Background())
	require.NoError(h.t, err)
	return n1 + n2
}

func (h *harness) deliver(msgs []domain.OutboxEvent) {
	h.t.Helper()
	for _, msg := range msgs {
		env, err := event.Decode(msg.Payload)
		require.NoError(h.t, err)
		h.bus.delivered[msg.Topic]++
		if h.bus.drop != nil && h.bus.drop(env) {
			continue
		}
		times := 1
		if h.redeliver {
			times = 2
		}
		for i := 0; i < times; i++ {
			for _, handle := range h.bus.subs[msg.Topic] {
				require.NoError(h.t, handle(context.Background(), env))
			}
		}
	}
}

// settle pumps messages until nothing is left in flight.
func (h *harness) settle() {
	h.t.Helper()
	for i := 0; i < 50; i++ {
		n := h.flush()
		msgs := h.bus.take()
		if n == 0 && len(msgs) == 0 {
			return
		}
		h.deliver(msgs)
	}
	h.t.Fatal("saga did not settle")
}

func (h *harness) state(id uuid.UUID) domain.Transaction {
	h.t.Helper()
	txn, err := h.orch.Get(context.Background(), id)
	require.NoError(h.t, err)
	return txn
}

func (h *harness) balance(id string) int64 {
	h.t.Helper()
	acct, err := h.wallet.Account(context.Background(), id)
	require.NoError(h.t, err)
	return acct.Balance
}

func (h *harness) entries(id string) []domain.LedgerEntry {
	h.t.Helper()
	entries, err := h.wallet.Entries(context.Background(), id, 0)
	require.NoError(h.t, err)
	return entries
}

// audit asserts that every account balance is backed by its entries.
func (h *harness) audit(ids ...string) {
	h.t.Helper()
	for _, id := range ids {
		report, err := h.wallet.Audit(context.Background(), id)
		require.NoError(h.t, err)
		require.True(h.t, report.Consistent(), "%s: %v", id, report.Problems)
	}
}

// walletReader serves the reconciliation read straight from the wallet store.
type walletReader struct {
	l   *ledger.Ledger
	err error
}

func (r walletReader) Settlements(ctx context.Context, id uuid.UUID) ([]domain.Settlement, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.l.Settlements(ctx, id)
}

func waitPastTimeout() {
	time.Sleep(5 * time.Millisecond)
}

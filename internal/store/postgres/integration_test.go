package postgres_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/walletsettle/internal/domain"
	"github.com/punchamoorthee/walletsettle/internal/ledger"
	"github.com/punchamoorthee/walletsettle/internal/orchestrator"
	"github.com/punchamoorthee/walletsettle/internal/store/postgres"
)

// testDSNEnv names a PostgreSQL database the integration tests may create
// throwaway schemas in. They are skipped when it is unset.
const testDSNEnv = "WALLETSETTLE_TEST_DSN"

// testPool connects to a fresh schema holding both services' tables and
// drops it when the test ends.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv(testDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", testDSNEnv)
	}
	ctx := context.Background()

	admin, err := postgres.Open(ctx, dsn)
	require.NoError(t, err)
	schema := "walletsettle_test_" + uuid.NewString()[:8]
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	})

	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	cfg.MaxConns = 16
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, postgres.Migrate(ctx, pool, postgres.LedgerSchema))
	require.NoError(t, postgres.Migrate(ctx, pool, postgres.TransactionSchema))
	return pool
}

// applyWithRetry runs one debit, retrying the unit of work while the
// database reports a race.
func applyWithRetry(ctx context.Context, l *ledger.Ledger, store *postgres.LedgerStore, req ledger.EntryRequest) error {
	for attempt := 0; ; attempt++ {
		err := store.WithTx(ctx, func(tx ledger.Tx) error {
			_, err := l.ApplyEntry(ctx, tx, req)
			return err
		})
		if !domain.IsRetryable(err) || attempt == 50 {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * time.Millisecond)
	}
}

func TestIntegration_ConcurrentDebitsCannotOverdraw(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := postgres.NewLedgerStore(pool)
	l := ledger.New(store)

	// GIVEN an account holding 1000
	_, err := l.OpenAccount(ctx, "acc-a", "IDR", 1000)
	require.NoError(t, err)

	// WHEN ten debits of 300 race for it
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		settled  int
		rejected int
		other    []error
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := applyWithRetry(ctx, l, store, ledger.EntryRequest{
				AccountID:     "acc-a",
				TransactionID: uuid.New(),
				Direction:     domain.Debit,
				Leg:           domain.LegDebit,
				Amount:        300,
				Currency:      "IDR",
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				settled++
			case errors.Is(err, domain.ErrInsufficientFunds):
				rejected++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	// THEN exactly three fit and the balance never went negative
	require.Empty(t, other)
	assert.Equal(t, 3, settled)
	assert.Equal(t, 7, rejected)

	acct, err := l.Account(ctx, "acc-a")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.Balance)

	report, err := l.Audit(ctx, "acc-a")
	require.NoError(t, err)
	assert.True(t, report.Consistent(), "%v", report.Problems)
	assert.Equal(t, 4, report.Entries)
}

func TestIntegration_DuplicateLegIsGuarded(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := postgres.NewLedgerStore(pool)
	l := ledger.New(store)
	_, err := l.OpenAccount(ctx, "acc-a", "IDR", 1000)
	require.NoError(t, err)

	txID := uuid.New()
	req := ledger.EntryRequest{AccountID: "acc-a", TransactionID: txID, Direction: domain.Debit, Leg: domain.LegDebit, Amount: 200}

	// Applying the same leg twice returns the first entry.
	var first, second domain.LedgerEntry
	require.NoError(t, store.WithTx(ctx, func(tx ledger.Tx) error {
		first, err = l.ApplyEntry(ctx, tx, req)
		return err
	}))
	require.NoError(t, store.WithTx(ctx, func(tx ledger.Tx) error {
		second, err = l.ApplyEntry(ctx, tx, req)
		return err
	}))
	assert.Equal(t, first.ID, second.ID)

	// A raw second row for the same (account, transaction, direction) hits
	// the unique constraint and rolls back as a race.
	err = store.WithTx(ctx, func(tx ledger.Tx) error {
		dup := first
		dup.ID = uuid.New()
		dup.Sequence = first.Sequence + 1
		return tx.InsertEntry(ctx, dup)
	})
	require.ErrorIs(t, err, domain.ErrConcurrentModification)

	entries, err := l.Entries(ctx, "acc-a", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	acct, err := l.Account(ctx, "acc-a")
	require.NoError(t, err)
	assert.Equal(t, int64(800), acct.Balance)
}

func TestIntegration_SerializationFailureIsConcurrentModification(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := postgres.NewLedgerStore(pool)
	l := ledger.New(store)
	_, err := l.OpenAccount(ctx, "acc-a", "IDR", 1000)
	require.NoError(t, err)

	// GIVEN a unit of work that took its snapshot before another one commits
	// a change to the same account
	snapshotTaken := make(chan struct{})
	otherCommitted := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		result <- store.WithTx(ctx, func(tx ledger.Tx) error {
			if _, err := tx.LastSequence(ctx, "acc-a"); err != nil {
				return err
			}
			close(snapshotTaken)
			<-otherCommitted
			_, err := tx.LockAccount(ctx, "acc-a")
			return err
		})
	}()

	<-snapshotTaken
	require.NoError(t, applyWithRetry(ctx, l, store, ledger.EntryRequest{
		AccountID: "acc-a", TransactionID: uuid.New(), Direction: domain.Credit, Leg: domain.LegCredit, Amount: 5,
	}))
	close(otherCommitted)

	// WHEN the stale unit of work locks the row
	err = <-result

	// THEN the serialization failure surfaces as a retryable race
	require.ErrorIs(t, err, domain.ErrConcurrentModification)
	assert.True(t, domain.IsRetryable(err))
}

func TestIntegration_LimitsAndAccountColumns(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := postgres.NewLedgerStore(pool)
	l := ledger.New(store)
	_, err := l.OpenAccount(ctx, "acc-a", "IDR", 1000)
	require.NoError(t, err)

	acct, err := l.SetLimits(ctx, "acc-a", domain.Limits{PerTransaction: 400, Daily: 500, Monthly: 900})
	require.NoError(t, err)
	reread, err := l.Account(ctx, "acc-a")
	require.NoError(t, err)
	assert.Equal(t, acct.Limits, reread.Limits)

	debit := func(amount int64) error {
		return applyWithRetry(ctx, l, store, ledger.EntryRequest{
			AccountID: "acc-a", TransactionID: uuid.New(), Direction: domain.Debit, Leg: domain.LegDebit, Amount: amount,
		})
	}
	require.NoError(t, debit(300))
	err = debit(300)
	var limitErr *domain.LimitExceededError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, "daily", limitErr.Limit)
	assert.Equal(t, int64(300), limitErr.Used)
}

func TestIntegration_TransactionHistoryAndScopedKeys(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := postgres.NewTransactionStore(pool)
	orch := orchestrator.New(store)

	create := func(who, src, dst string, amount int64) domain.Transaction {
		txn, created, err := orch.Create(ctx, orchestrator.CreateRequest{
			IdempotencyKey: "shared-key", SourceAccount: src, DestAccount: dst, Amount: amount, Currency: "IDR",
		}, who)
		require.NoError(t, err)
		require.True(t, created, who)
		return txn
	}

	// GIVEN two principals reusing one idempotency key
	alice := create("alice", "acc-a", "acc-b", 10)
	bob := create("bob", "acc-c", "acc-a", 20)
	assert.NotEqual(t, alice.ID, bob.ID)

	_, _, err := orch.Create(ctx, orchestrator.CreateRequest{
		IdempotencyKey: "shared-key", SourceAccount: "acc-a", DestAccount: "acc-b", Amount: 11, Currency: "IDR",
	}, "alice")
	require.ErrorIs(t, err, domain.ErrIdempotencyMismatch)

	// WHEN listing history
	mine, err := orch.List(ctx, orchestrator.ListFilter{InitiatedBy: "alice"})
	require.NoError(t, err)
	touching, err := orch.List(ctx, orchestrator.ListFilter{AccountID: "acc-a"})
	require.NoError(t, err)
	paged, err := orch.List(ctx, orchestrator.ListFilter{AccountID: "acc-a", Limit: 1, Offset: 1})
	require.NoError(t, err)

	// THEN filters and paging apply in the database
	require.Len(t, mine, 1)
	assert.Equal(t, alice.ID, mine[0].ID)
	assert.Len(t, touching, 2)
	require.Len(t, paged, 1)
	assert.Equal(t, touching[1].ID, paged[0].ID)
}

func TestIntegration_MigrateIsRepeatable(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	require.NoError(t, postgres.Migrate(ctx, pool, postgres.TransactionSchema))
	require.NoError(t, postgres.Migrate(ctx, pool, postgres.LedgerSchema))

	var def string
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT pg_get_constraintdef(oid) FROM pg_constraint
		WHERE conrelid = 'transactions'::regclass AND conname = 'transactions_idempotency_key_uniq'`).Scan(&def))
	assert.Equal(t, "UNIQUE (initiated_by, idempotency_key)", def)
}

package postgres

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/walletsettle/internal/domain"
)

func TestMapError(t *testing.T) {
	for _, code := range []string{codeUniqueViolation, codeSerializationFailure, codeDeadlockDetected} {
		err := mapError(fmt.Errorf("insert entry: %w", &pgconn.PgError{Code: code, Message: "race"}))
		assert.ErrorIs(t, err, domain.ErrConcurrentModification, code)
		assert.True(t, domain.IsRetryable(err), code)
	}

	other := &pgconn.PgError{Code: "23514", Message: "check violation"}
	assert.Same(t, error(other), mapError(other))

	assert.ErrorIs(t, mapError(domain.ErrInsufficientFunds), domain.ErrInsufficientFunds)
	assert.False(t, errors.Is(mapError(domain.ErrDuplicateKey), domain.ErrConcurrentModification))
}

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: codeUniqueViolation, ConstraintName: "accounts_pkey"})

	assert.True(t, isUniqueViolation(err, "accounts_pkey"))
	assert.True(t, isUniqueViolation(err, ""))
	assert.False(t, isUniqueViolation(err, "transactions_idempotency_key_uniq"))
	assert.False(t, isUniqueViolation(nil, ""))
}

func TestLimitArg(t *testing.T) {
	assert.Nil(t, limitArg(0))
	assert.Nil(t, limitArg(-1))
	assert.Equal(t, 50, limitArg(50))
}

func TestSchemasEmbedded(t *testing.T) {
	tables := map[string][]string{
		"schema/common.sql":       {"outbox_events", "processed_events"},
		"schema/transactions.sql": {"transactions", "transactions_idempotency_key_uniq"},
		"schema/ledger.sql":       {"accounts", "ledger_entries", "settlements", "ledger_entries_sequence_uniq"},
	}
	for _, files := range [][]string{TransactionSchema, LedgerSchema} {
		for _, name := range files {
			ddl, err := schemaFS.ReadFile(name)
			require.NoError(t, err, name)
			for _, table := range tables[name] {
				assert.True(t, strings.Contains(string(ddl), table), "%s should define %s", name, table)
			}
		}
	}
}

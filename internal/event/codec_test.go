package event

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func debitRequested() Envelope {
	txID := uuid.New()
	return New(DebitRequested{Command{
		TransactionID:  txID,
		AccountID:      "acc-a",
		CounterpartyID: "acc-b",
		Amount:         600,
		Currency:       "IDR",
	}}, txID.String(), "key-1")
}

func TestEncodeDecode_Command(t *testing.T) {
	env := debitRequested()

	data, err := Encode(env)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, CurrentVersion, got.Version)
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, TypeDebitRequested, got.Type())
	assert.Equal(t, env.AggregateID, got.AggregateID)
	assert.Equal(t, "key-1", got.IdempotencyKey)
	assert.True(t, env.OccurredAt.Equal(got.OccurredAt))
	assert.Equal(t, time.UTC, got.OccurredAt.Location())

	p, ok := got.Payload.(DebitRequested)
	require.True(t, ok, "payload is %T", got.Payload)
	assert.Equal(t, env.TransactionID(), p.TransactionID)
	assert.Equal(t, "acc-a", p.AccountID)
	assert.Equal(t, "acc-b", p.CounterpartyID)
	assert.Equal(t, int64(600), p.Amount)
}

func TestEncodeDecode_ResultKeepsFullWidthAmounts(t *testing.T) {
	txID := uuid.New()
	entryID := uuid.New()
	env := New(DebitSettled{Result{
		TransactionID: txID,
		AccountID:     "acc-a",
		Amount:        math.MaxInt64,
		Currency:      "IDR",
		EntryID:       entryID,
		BalanceAfter:  0,
		Sequence:      42,
	}}, "acc-a", txID.String())

	data, err := Encode(env)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)

	p := got.Payload.(DebitSettled)
	assert.Equal(t, int64(math.MaxInt64), p.Amount)
	assert.Equal(t, entryID, p.EntryID)
	assert.Equal(t, int64(42), p.Sequence)
}

func TestDecode_RejectionHasNoEntry(t *testing.T) {
	txID := uuid.New()
	env := New(DebitRejected{Result{
		TransactionID: txID,
		AccountID:     "acc-a",
		Amount:        600,
		Code:          "INSUFFICIENT_FUNDS",
		Reason:        "available 100, requested 600",
	}}, "acc-a", txID.String())

	data, err := Encode(env)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)

	p := got.Payload.(DebitRejected)
	assert.Equal(t, uuid.Nil, p.EntryID)
	assert.Equal(t, "INSUFFICIENT_FUNDS", p.Code)
}

func TestDecode_UnsupportedVersion(t *testing.T) {
	env := debitRequested()
	env.Version = CurrentVersion + 1

	data, err := Encode(env)
	require.NoError(t, err)

	_, err = Decode(data)
	require.ErrorIs(t, err, ErrSchemaMismatch)
	assert.True(t, IsPermanent(err))
}

func TestDecode_MissingVersionIsMismatch(t *testing.T) {
	var b []byte
	b = appendString(b, fieldID, uuid.NewString())

	_, err := Decode(b)
	require.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestDecode_Garbage(t *testing.T) {
	_, err := Decode([]byte{0xff, 0xff, 0xff})
	require.ErrorIs(t, err, ErrMalformed)
	assert.True(t, IsPermanent(err))
}

func TestDecode_PreservesUnknownEnvelopeFields(t *testing.T) {
	data, err := Encode(debitRequested())
	require.NoError(t, err)

	// A newer producer added field 40.
	var extra []byte
	extra = protowire.AppendTag(extra, 40, protowire.BytesType)
	extra = protowire.AppendString(extra, "trace-abc")
	data = append(data, extra...)

	got, err := Decode(data)
	require.NoError(t, err)

	again, err := Encode(got)
	require.NoError(t, err)
	assert.True(t, bytes.Contains(again, extra), "unknown field dropped on re-encode")
}

func TestDecode_PreservesUnknownPayloadFields(t *testing.T) {
	txID := uuid.New()
	cmd := Command{TransactionID: txID, AccountID: "acc-a", Amount: 10, Currency: "IDR"}
	payload := cmd.appendTo(nil)
	var extra []byte
	extra = protowire.AppendTag(extra, 15, protowire.VarintType)
	extra = protowire.AppendVarint(extra, 7)
	payload = append(payload, extra...)

	var b []byte
	b = appendVarint(b, fieldVersion, CurrentVersion)
	b = appendString(b, fieldID, uuid.NewString())
	b = appendVarint(b, fieldType, uint64(TypeCreditRequested))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)

	got, err := Decode(b)
	require.NoError(t, err)
	p := got.Payload.(CreditRequested)
	assert.Equal(t, int64(10), p.Amount)

	again, err := Encode(got)
	require.NoError(t, err)
	assert.True(t, bytes.Contains(again, extra))
}

func TestDecode_UnknownTypeIsNotAnError(t *testing.T) {
	var b []byte
	b = appendVarint(b, fieldVersion, CurrentVersion)
	b = appendString(b, fieldID, uuid.NewString())
	b = appendVarint(b, fieldType, 250)
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte{0x08, 0x01})

	got, err := Decode(b)
	require.NoError(t, err)

	u, ok := got.Payload.(Unknown)
	require.True(t, ok)
	assert.Equal(t, Type(250), u.Tag)
	assert.False(t, got.Type().Known())
	assert.Equal(t, "Unknown", got.Type().String())
}

func TestPartitionKey(t *testing.T) {
	env := debitRequested()
	assert.Equal(t, "acc-a", PartitionKey(env))

	txID := uuid.New()
	fin := New(TransactionFinalized{TransactionID: txID, State: "SETTLED"}, txID.String(), "")
	assert.Equal(t, txID.String(), PartitionKey(fin))
	assert.Equal(t, TopicTransactionFinalized, fin.Type().Topic())
}

// Package event defines the versioned envelope exchanged over the broker and
// its binary codec.
//
// An Envelope carries a tagged union: Type selects which concrete Payload
// variant is present. Decoding an unrecognised type does not fail; it yields
// an Unknown payload so consumers can route it to dead-letter.
package event

import (
	"time"

	"github.com/google/uuid"
)

const (
	// CurrentVersion is the schema version written by this build.
	CurrentVersion = 1
	// MinVersion is the oldest schema version this build can read.
	MinVersion = 1
)

// Type is the event type tag.
type Type int32

const (
	TypeUnspecified Type = iota
	TypeDebitRequested
	TypeDebitSettled
	TypeDebitRejected
	TypeCreditRequested
	TypeCreditSettled
	TypeCreditRejected
	TypeReversalRequested
	TypeReversalSettled
	TypeTransactionFinalized
)

var typeNames = map[Type]string{
	TypeDebitRequested:       "DebitRequested",
	TypeDebitSettled:         "DebitSettled",
	TypeDebitRejected:        "DebitRejected",
	TypeCreditRequested:      "CreditRequested",
	TypeCreditSettled:        "CreditSettled",
	TypeCreditRejected:       "CreditRejected",
	TypeReversalRequested:    "ReversalRequested",
	TypeReversalSettled:      "ReversalSettled",
	TypeTransactionFinalized: "TransactionFinalized",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "Unknown"
}

// Known reports whether this build has a payload variant for t.
func (t Type) Known() bool {
	_, ok := typeNames[t]
	return ok
}

// Envelope is the unit published to and consumed from the broker.
type Envelope struct {
	Version        int
	ID             uuid.UUID
	AggregateID    string
	IdempotencyKey string
	OccurredAt     time.Time
	Payload        Payload

	unknown []byte
}

// New wraps p in an envelope with a fresh id stamped at the current schema version.
func New(p Payload, aggregateID, idempotencyKey string) Envelope {
	return Envelope{
		Version:        CurrentVersion,
		ID:             uuid.New(),
		AggregateID:    aggregateID,
		IdempotencyKey: idempotencyKey,
		OccurredAt:     time.Now().UTC(),
		Payload:        p,
	}
}

// Type returns the tag of the carried payload.
func (e Envelope) Type() Type {
	if e.Payload == nil {
		return TypeUnspecified
	}
	return e.Payload.Type()
}

// TransactionID returns the transaction the payload refers to, or uuid.Nil.
func (e Envelope) TransactionID() uuid.UUID {
	if e.Payload == nil {
		return uuid.Nil
	}
	return e.Payload.TransactionKey()
}

// Payload is implemented by every event variant.
type Payload interface {
	Type() Type
	TransactionKey() uuid.UUID
	appendTo(b []byte) []byte
}

// Command asks the wallet-service to apply one leg of a transaction.
type Command struct {
	TransactionID  uuid.UUID
	AccountID      string
	CounterpartyID string
	Amount         int64
	Currency       string
	Reason         string

	unknown []byte
}

func (c Command) TransactionKey() uuid.UUID { return c.TransactionID }

// Result reports how the wallet-service resolved a leg command.
// EntryID is uuid.Nil for rejections.
type Result struct {
	TransactionID uuid.UUID
	AccountID     string
	Amount        int64
	Currency      string
	EntryID       uuid.UUID
	BalanceAfter  int64
	Sequence      int64
	Code          string
	Reason        string

	unknown []byte
}

func (r Result) TransactionKey() uuid.UUID { return r.TransactionID }

type (
	DebitRequested    struct{ Command }
	CreditRequested   struct{ Command }
	ReversalRequested struct{ Command }

	DebitSettled    struct{ Result }
	DebitRejected   struct{ Result }
	CreditSettled   struct{ Result }
	CreditRejected  struct{ Result }
	ReversalSettled struct{ Result }
)

func (DebitRequested) Type() Type    { return TypeDebitRequested }
func (CreditRequested) Type() Type   { return TypeCreditRequested }
func (ReversalRequested) Type() Type { return TypeReversalRequested }
func (DebitSettled) Type() Type      { return TypeDebitSettled }
func (DebitRejected) Type() Type     { return TypeDebitRejected }
func (CreditSettled) Type() Type     { return TypeCreditSettled }
func (CreditRejected) Type() Type    { return TypeCreditRejected }
func (ReversalSettled) Type() Type   { return TypeReversalSettled }

// TransactionFinalized announces that a transaction reached a terminal state.
// Consumed best-effort by the notification worker.
type TransactionFinalized struct {
	TransactionID uuid.UUID
	State         string
	SourceAccount string
	DestAccount   string
	Amount        int64
	Currency      string
	Reason        string

	unknown []byte
}

func (TransactionFinalized) Type() Type { return TypeTransactionFinalized }

func (f TransactionFinalized) TransactionKey() uuid.UUID { return f.TransactionID }

// Unknown holds a payload whose type this build does not recognise.
type Unknown struct {
	Tag Type
	Raw []byte
}

func (u Unknown) Type() Type               { return u.Tag }
func (Unknown) TransactionKey() uuid.UUID  { return uuid.Nil }
func (u Unknown) appendTo(b []byte) []byte { return append(b, u.Raw...) }

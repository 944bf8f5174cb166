package domain

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle position of a Transaction.
type State string

const (
	StateCreated         State = "CREATED"
	StateDebitPending    State = "DEBIT_PENDING"
	StateCreditPending   State = "CREDIT_PENDING"
	StateReversalPending State = "REVERSAL_PENDING"
	StateSettled         State = "SETTLED"
	StateDebitRejected   State = "DEBIT_REJECTED"
	StateReversed        State = "REVERSED"
)

// Terminal reports whether no further transition is allowed out of s.
func (s State) Terminal() bool {
	switch s {
	case StateSettled, StateDebitRejected, StateReversed:
		return true
	}
	return false
}

// Rank orders states along the saga so transitions can be checked for monotonicity.
// Terminal states share the highest rank.
func (s State) Rank() int {
	switch s {
	case StateCreated:
		return 0
	case StateDebitPending:
		return 1
	case StateCreditPending:
		return 2
	case StateReversalPending:
		return 3
	case StateSettled, StateDebitRejected, StateReversed:
		return 4
	}
	return -1
}

// PublicStatus is what API callers see. Anything not terminal is PENDING, so a
// transient infrastructure problem never shows up as a failure.
func (s State) PublicStatus() string {
	switch s {
	case StateSettled:
		return "SETTLED"
	case StateDebitRejected:
		return "REJECTED"
	case StateReversed:
		return "REVERSED"
	}
	return "PENDING"
}

// PendingStates are the states the reconciler watches.
var PendingStates = []State{StateCreated, StateDebitPending, StateCreditPending, StateReversalPending}

// Kind selects how many ledger legs a transaction has.
type Kind string

const (
	// KindTransfer debits the source account and credits the destination account.
	KindTransfer Kind = "transfer"
	// KindWithdrawal debits the source account only. The destination is an
	// external payout reference that is not held on the ledger.
	KindWithdrawal Kind = "withdrawal"
)

// ValidCurrency reports whether c is a 3-letter upper-case ISO 4217 code.
func ValidCurrency(c string) bool {
	if len(c) != 3 {
		return false
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// Transaction is the orchestrator's record of one logical money movement.
type Transaction struct {
	ID                uuid.UUID `json:"id"`
	IdempotencyKey    string    `json:"idempotency_key"`
	RequestHash       string    `json:"-"`
	Kind              Kind      `json:"kind"`
	SourceAccount     string    `json:"source_account"`
	DestAccount       string    `json:"dest_account"`
	Amount            int64     `json:"amount"`
	Currency          string    `json:"currency"`
	State             State     `json:"state"`
	FailureReason     string    `json:"failure_reason,omitempty"`
	InitiatedBy       string    `json:"initiated_by,omitempty"`
	ReconcileAttempts int       `json:"reconcile_attempts"`
	NeedsReview       bool      `json:"needs_review"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Direction is the side of a ledger entry.
type Direction string

const (
	Debit  Direction = "debit"
	Credit Direction = "credit"
)

// Sign returns -1 for debits and +1 for credits.
func (d Direction) Sign() int64 {
	if d == Debit {
		return -1
	}
	return 1
}

// Leg names the step of a saga an entry or settlement belongs to.
type Leg string

const (
	LegDebit    Leg = "debit"
	LegCredit   Leg = "credit"
	LegReversal Leg = "reversal"
	LegOpening  Leg = "opening"
)

// AccountStatus gates which entries an account accepts.
type AccountStatus string

const (
	AccountActive AccountStatus = "active"
	AccountFrozen AccountStatus = "frozen"
	AccountClosed AccountStatus = "closed"
)

// Valid reports whether s is a known status.
func (s AccountStatus) Valid() bool {
	return s == AccountActive || s == AccountFrozen || s == AccountClosed
}

// Limits caps what an account may send out. Zero means no cap.
// Daily and Monthly windows start at UTC midnight and on the first of the
// UTC month; reversed debits no longer count against them.
type Limits struct {
	PerTransaction int64 `json:"per_transaction"`
	Daily          int64 `json:"daily"`
	Monthly        int64 `json:"monthly"`
}

// Account is the wallet-side balance of a single account.
// Balance only ever changes by applying a LedgerEntry.
type Account struct {
	ID        string        `json:"id"`
	Currency  string        `json:"currency"`
	Balance   int64         `json:"balance"`
	Status    AccountStatus `json:"status"`
	Limits    Limits        `json:"limits"`
	Version   int64         `json:"version"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// LedgerEntry represents one immutable debit or credit against one account.
// For an account, Sequence is strictly increasing and BalanceAfter of the
// latest entry equals the account balance.
type LedgerEntry struct {
	ID            uuid.UUID `json:"id"`
	AccountID     string    `json:"account_id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	Direction     Direction `json:"direction"`
	Leg           Leg       `json:"leg"`
	Amount        int64     `json:"amount"`
	BalanceAfter  int64     `json:"balance_after"`
	Sequence      int64     `json:"sequence"`
	CreatedAt     time.Time `json:"created_at"`
}

// Delta is the signed effect of the entry on the balance.
func (e LedgerEntry) Delta() int64 {
	return e.Direction.Sign() * e.Amount
}

// Outcome is the result the wallet recorded for a leg command.
type Outcome string

const (
	OutcomeSettled  Outcome = "settled"
	OutcomeRejected Outcome = "rejected"
)

// Settlement is the wallet-side record of how a leg command was resolved.
// It is the source of truth for the reconciliation read.
type Settlement struct {
	TransactionID uuid.UUID  `json:"transaction_id"`
	Leg           Leg        `json:"leg"`
	AccountID     string     `json:"account_id"`
	Outcome       Outcome    `json:"outcome"`
	Amount        int64      `json:"amount"`
	Currency      string     `json:"currency"`
	Code          string     `json:"code,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	EntryID       *uuid.UUID `json:"entry_id,omitempty"`
	BalanceAfter  int64      `json:"balance_after"`
	Sequence      int64      `json:"sequence"`
	CreatedAt     time.Time  `json:"created_at"`
}

// OutboxEvent is an encoded event staged in the same unit of work as the
// state change it announces.
type OutboxEvent struct {
	ID            uuid.UUID  `json:"id"`
	Seq           int64      `json:"seq"`
	AggregateID   string     `json:"aggregate_id"`
	EventType     string     `json:"event_type"`
	Topic         string     `json:"topic"`
	PartitionKey  string     `json:"partition_key"`
	Payload       []byte     `json:"-"`
	CreatedAt     time.Time  `json:"created_at"`
	Published     bool       `json:"published"`
	PublishedAt   *time.Time `json:"published_at,omitempty"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	LastError     string     `json:"last_error,omitempty"`
	Flagged       bool       `json:"flagged"`
}

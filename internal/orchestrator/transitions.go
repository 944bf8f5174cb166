package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/walletsettle/internal/domain"
	"github.com/punchamoorthee/walletsettle/internal/event"
	"github.com/punchamoorthee/walletsettle/internal/idempotency"
	"github.com/punchamoorthee/walletsettle/internal/logger"
	"github.com/punchamoorthee/walletsettle/internal/outbox"
	"github.com/punchamoorthee/walletsettle/internal/resilience"
)

var (
	// ErrUnexpectedEvent is returned for event types the orchestrator does not consume.
	ErrUnexpectedEvent = errors.New("unexpected event type")
	// ErrOutcomeMismatch is returned when an event names a transaction but not
	// the leg, amount or account the saga dispatched for it.
	ErrOutcomeMismatch = errors.New("event does not match transaction")
)

var (
	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transaction_transitions_total",
		Help: "Transaction state transitions",
	}, []string{"from", "to"})

	discardedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transaction_events_discarded_total",
		Help: "Late or out-of-order events ignored by the orchestrator",
	}, []string{"type"})
)

// signal is a wallet fact the saga reacts to.
type signal struct {
	name   string
	leg    domain.Leg
	ok     bool
	reason string

	key     string
	account string
	amount  int64
}

// sigDebitDispatched names the orchestrator's own DebitRequested coming back
// from the broker, proof that the command left the outbox.
const sigDebitDispatched = "DebitRequested"

func (s signal) target(kind domain.Kind) domain.State {
	switch {
	case s.name == sigDebitDispatched:
		return domain.StateDebitPending
	case s.leg == domain.LegDebit && !s.ok:
		return domain.StateDebitRejected
	case s.leg == domain.LegDebit && kind == domain.KindWithdrawal:
		return domain.StateSettled
	case s.leg == domain.LegDebit:
		return domain.StateCreditPending
	case s.leg == domain.LegCredit && s.ok:
		return domain.StateSettled
	case s.leg == domain.LegCredit:
		return domain.StateReversalPending
	default:
		return domain.StateReversed
	}
}

func signalFor(env event.Envelope) (signal, bool) {
	sig := signal{name: env.Type().String(), key: env.IdempotencyKey}
	var r event.Result
	switch p := env.Payload.(type) {
	case event.DebitRequested:
		sig.leg = domain.LegDebit
		sig.account, sig.amount = p.AccountID, p.Amount
		return sig, true
	case event.DebitSettled:
		sig.leg, sig.ok, r = domain.LegDebit, true, p.Result
	case event.DebitRejected:
		sig.leg, r = domain.LegDebit, p.Result
	case event.CreditSettled:
		sig.leg, sig.ok, r = domain.LegCredit, true, p.Result
	case event.CreditRejected:
		sig.leg, r = domain.LegCredit, p.Result
	case event.ReversalSettled:
		sig.leg, sig.ok, r = domain.LegReversal, true, p.Result
	default:
		return signal{}, false
	}
	sig.account, sig.amount = r.AccountID, r.Amount
	if !sig.ok {
		sig.reason = rejectionReason(r)
	}
	return sig, true
}

// matches reports whether sig is about the leg the saga dispatched for txn:
// the same command key, amount and account.
func (s signal) matches(txn domain.Transaction) error {
	account := txn.SourceAccount
	if s.leg == domain.LegCredit {
		account = txn.DestAccount
	}
	switch want := legKey(txn, s.leg); {
	case s.key != want:
		return fmt.Errorf("%w: key %q, want %q", ErrOutcomeMismatch, s.key, want)
	case s.amount != txn.Amount:
		return fmt.Errorf("%w: amount %d, want %d", ErrOutcomeMismatch, s.amount, txn.Amount)
	case s.account != account:
		return fmt.Errorf("%w: account %q, want %q", ErrOutcomeMismatch, s.account, account)
	}
	return nil
}

func rejectionReason(r event.Result) string {
	if r.Code == "" {
		return r.Reason
	}
	if r.Reason == "" {
		return r.Code
	}
	return r.Code + ": " + r.Reason
}

// Handle applies one consumed event. Redelivered events are acknowledged
// without effect.
func (o *Orchestrator) Handle(ctx context.Context, env event.Envelope) error {
	sig, ok := signalFor(env)
	if !ok {
		return resilience.Permanent(fmt.Errorf("%w: %s", ErrUnexpectedEvent, env.Type()))
	}
	txID := env.TransactionID()

	return o.store.WithTx(ctx, func(tx Tx) error {
		if err := idempotency.Claim(ctx, tx, ConsumerName, env.ID); err != nil {
			if errors.Is(err, idempotency.ErrDuplicate) {
				logger.Info("duplicate event ignored", logger.Fields{
					"event_id":       env.ID.String(),
					"event_type":     env.Type().String(),
					"transaction_id": txID.String(),
				})
				return nil
			}
			return err
		}

		txn, err := tx.LockTransaction(ctx, txID)
		if errors.Is(err, domain.ErrTransactionNotFound) {
			return resilience.Permanent(fmt.Errorf("%s for %s: %w", env.Type(), txID, err))
		}
		if err != nil {
			return err
		}
		if err := sig.matches(txn); err != nil {
			return resilience.Permanent(fmt.Errorf("%s for %s: %w", env.Type(), txID, err))
		}

		_, err = o.advance(ctx, tx, txn, sig)
		return err
	})
}

// advance moves txn to the state sig leads to and stages any follow-up
// command. It reports false when sig is late or out of order.
func (o *Orchestrator) advance(ctx context.Context, tx Tx, txn domain.Transaction, sig signal) (bool, error) {
	from := txn.State
	to := sig.target(txn.Kind)
	fields := logger.Fields{
		"transaction_id": txn.ID.String(),
		"signal":         sig.name,
		"from":           from,
		"to":             to,
	}

	if from.Terminal() || to.Rank() <= from.Rank() {
		discardedEvents.WithLabelValues(sig.name).Inc()
		logger.Warn("late event discarded", fields)
		return false, nil
	}

	txn.State = to
	txn.UpdatedAt = o.now().UTC()
	txn.ReconcileAttempts = 0
	txn.NeedsReview = false
	if !sig.ok && sig.reason != "" {
		txn.FailureReason = sig.reason
	}
	if err := tx.UpdateTransaction(ctx, txn); err != nil {
		return false, err
	}

	switch to {
	case domain.StateCreditPending:
		if err := outbox.Append(ctx, tx, command(txn, domain.LegCredit)); err != nil {
			return false, err
		}
	case domain.StateReversalPending:
		if err := outbox.Append(ctx, tx, command(txn, domain.LegReversal)); err != nil {
			return false, err
		}
	}
	if to.Terminal() {
		if err := outbox.Append(ctx, tx, finalized(txn)); err != nil {
			return false, err
		}
	}

	transitions.WithLabelValues(string(from), string(to)).Inc()
	if txn.FailureReason != "" {
		fields["reason"] = txn.FailureReason
	}
	logger.Info("transaction state changed", fields)
	return true, nil
}

func finalized(txn domain.Transaction) event.Envelope {
	return event.New(event.TransactionFinalized{
		TransactionID: txn.ID,
		State:         string(txn.State),
		SourceAccount: txn.SourceAccount,
		DestAccount:   txn.DestAccount,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		Reason:        txn.FailureReason,
	}, txn.ID.String(), txn.ID.String()+":finalized")
}

package ledger

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

// ConsumerName identifies the wallet-service in the processed-events table.
const ConsumerName = "wallet-service"

// ErrUnexpectedEvent is returned for event types the wallet does not consume.
var ErrUnexpectedEvent = errors.New("unexpected event type")

var commandsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "wallet_commands_total",
	Help: "Leg commands resolved by the wallet, by leg and outcome",
}, []string{"leg", "outcome"})

// CommandHandler applies leg commands from the orchestrator. Each command is
// resolved in one unit of work: the idempotency mark, the entry, the
// settlement record and the outcome event commit together or not at all.
type CommandHandler struct {
	ledger *Ledger
	store  Store
}

func NewCommandHandler(l *Ledger) *CommandHandler {
	return &CommandHandler{ledger: l, store: l.store}
}

func (h *CommandHandler) Handle(ctx context.Context, env event.Envelope) error {
	var (
		cmd event.Command
		req EntryRequest
	)
	switch p := env.Payload.(type) {
	case event.DebitRequested:
		cmd = p.Command
		req = EntryRequest{Direction: domain.Debit, Leg: domain.LegDebit}
	case event.CreditRequested:
		cmd = p.Command
		req = EntryRequest{Direction: domain.Credit, Leg: domain.LegCredit}
	case event.ReversalRequested:
		cmd = p.Command
		req = EntryRequest{Direction: domain.Credit, Leg: domain.LegReversal}
	default:
		return resilience.Permanent(fmt.Errorf("%w: %s", ErrUnexpectedEvent, env.Type()))
	}
	req.AccountID = cmd.AccountID
	req.TransactionID = cmd.TransactionID
	req.Amount = cmd.Amount
	req.Currency = cmd.Currency

	fields := logger.Fields{
		"event_id":       env.ID.String(),
		"transaction_id": cmd.TransactionID.String(),
		"account_id":     cmd.AccountID,
		"leg":            req.Leg,
	}

	return h.store.WithTx(ctx, func(tx Tx) error {
		if err := idempotency.Claim(ctx, tx, ConsumerName, env.ID); err != nil {
			if errors.Is(err, idempotency.ErrDuplicate) {
				logger.Info("duplicate command ignored", fields)
				return nil
			}
			return err
		}

		// A command re-queued by reconciliation carries a new event id. The
		// leg may already be resolved, in which case the outcome is re-announced.
		prior, found, err := tx.FindSettlement(ctx, cmd.TransactionID, req.Leg)
		if err != nil {
			return err
		}
		if found {
			logger.Info("leg already resolved, re-emitting outcome", fields)
			return outbox.Append(ctx, tx, outcomeEvent(prior, env.IdempotencyKey))
		}

		settlement := domain.Settlement{
			TransactionID: cmd.TransactionID,
			Leg:           req.Leg,
			AccountID:     cmd.AccountID,
			Amount:        cmd.Amount,
			Currency:      cmd.Currency,
			CreatedAt:     h.ledger.now().UTC(),
		}

		entry, err := h.ledger.ApplyEntry(ctx, tx, req)
		switch {
		case err == nil:
			settlement.Outcome = domain.OutcomeSettled
			settlement.EntryID = &entry.ID
			settlement.BalanceAfter = entry.BalanceAfter
			settlement.Sequence = entry.Sequence
		case req.Leg == domain.LegReversal:
			// Compensation cannot be refused; leave it to reconciliation and review.
			return resilience.Permanent(fmt.Errorf("apply reversal for %s: %w", cmd.TransactionID, err))
		case domain.IsBusinessRejection(err) || domain.IsValidation(err):
			settlement.Outcome = domain.OutcomeRejected
			settlement.Code = domain.RejectionCode(err)
			settlement.Reason = err.Error()
		default:
			return err
		}

		if err := tx.InsertSettlement(ctx, settlement); err != nil {
			return err
		}
		if err := outbox.Append(ctx, tx, outcomeEvent(settlement, env.IdempotencyKey)); err != nil {
			return err
		}

		commandsApplied.WithLabelValues(string(req.Leg), string(settlement.Outcome)).Inc()
		fields["outcome"] = settlement.Outcome
		if settlement.Code != "" {
			fields["code"] = settlement.Code
		}
		logger.Info("leg resolved", fields)
		return nil
	})
}

func outcomeEvent(s domain.Settlement, idempotencyKey string) event.Envelope {
	r := event.Result{
		TransactionID: s.TransactionID,
		AccountID:     s.AccountID,
		Amount:        s.Amount,
		Currency:      s.Currency,
		BalanceAfter:  s.BalanceAfter,
		Sequence:      s.Sequence,
		Code:          s.Code,
		Reason:        s.Reason,
	}
	if s.EntryID != nil {
		r.EntryID = *s.EntryID
	}

	var p event.Payload
	settled := s.Outcome == domain.OutcomeSettled
	switch {
	case s.Leg == domain.LegDebit && settled:
		p = event.DebitSettled{Result: r}
	case s.Leg == domain.LegDebit:
		p = event.DebitRejected{Result: r}
	case s.Leg == domain.LegCredit && settled:
		p = event.CreditSettled{Result: r}
	case s.Leg == domain.LegCredit:
		p = event.CreditRejected{Result: r}
	default:
		p = event.ReversalSettled{Result: r}
	}

	return event.New(p, s.TransactionID.String(), idempotencyKey)
}

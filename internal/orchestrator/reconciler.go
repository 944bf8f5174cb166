package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/walletsettle/internal/domain"
	"github.com/punchamoorthee/walletsettle/internal/event"
	"github.com/punchamoorthee/walletsettle/internal/lease"
	"github.com/punchamoorthee/walletsettle/internal/logger"
	"github.com/punchamoorthee/walletsettle/internal/outbox"
)

var reconcileActions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "transaction_reconcile_actions_total",
	Help: "Reconciliation decisions by action",
}, []string{"action"})

// SettlementReader is the wallet-service's record of leg outcomes.
type SettlementReader interface {
	Settlements(ctx context.Context, txID uuid.UUID) ([]domain.Settlement, error)
}

type ReconcilerConfig struct {
	// Timeout is how long a transaction may sit in a pending state before it
	// is checked against the wallet.
	Timeout     time.Duration
	Interval    time.Duration
	MaxAttempts int
	BatchSize   int
	LeaseName   string
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.LeaseName == "" {
		c.LeaseName = "reconciler"
	}
	return c
}

// SweepReport summarises one reconciliation pass.
type SweepReport struct {
	Checked  int
	Advanced int
	Requeued int
	Flagged  int
	Skipped  int
}

// Reconciler resolves transactions stuck in a pending state. It asks the
// wallet what happened instead of re-sending money movements blindly.
type Reconciler struct {
	orch   *Orchestrator
	wallet SettlementReader
	locker lease.Locker
	cfg    ReconcilerConfig
}

func NewReconciler(orch *Orchestrator, wallet SettlementReader, locker lease.Locker, cfg ReconcilerConfig) *Reconciler {
	return &Reconciler{orch: orch, wallet: wallet, locker: locker, cfg: cfg.withDefaults()}
}

// Run sweeps every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := lease.Do(ctx, r.locker, r.cfg.LeaseName, r.cfg.Interval*3, func(ctx context.Context) error {
				_, err := r.Sweep(ctx)
				return err
			})
			if err != nil && ctx.Err() == nil {
				logger.Error("reconciliation sweep failed", err, nil)
			}
		}
	}
}

// Sweep checks every transaction pending longer than the timeout.
func (r *Reconciler) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	cutoff := r.orch.now().UTC().Add(-r.cfg.Timeout)

	stale, err := r.orch.store.Stale(ctx, domain.PendingStates, cutoff, r.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("load stale transactions: %w", err)
	}

	for i, txn := range stale {
		report.Checked++
		settlements, err := r.wallet.Settlements(ctx, txn.ID)
		if err != nil {
			// The wallet is unreachable; nothing can be decided until the next sweep.
			report.Skipped += len(stale) - i
			reconcileActions.WithLabelValues("skipped").Add(float64(len(stale) - i))
			logger.Warn("wallet unreachable, reconciliation deferred", logger.Fields{
				"transaction_id": txn.ID.String(),
				"remaining":      len(stale) - i,
				"error":          err.Error(),
			})
			return report, nil
		}

		action, err := r.reconcile(ctx, txn.ID, settlements)
		if err != nil {
			return report, fmt.Errorf("reconcile %s: %w", txn.ID, err)
		}
		switch action {
		case "advanced":
			report.Advanced++
		case "requeued":
			report.Requeued++
		case "flagged":
			report.Flagged++
		}
		reconcileActions.WithLabelValues(action).Inc()
	}

	if report.Checked > 0 {
		logger.Info("reconciliation sweep finished", logger.Fields{
			"checked":  report.Checked,
			"advanced": report.Advanced,
			"requeued": report.Requeued,
			"flagged":  report.Flagged,
		})
	}
	return report, nil
}

func (r *Reconciler) reconcile(ctx context.Context, id uuid.UUID, settlements []domain.Settlement) (string, error) {
	byLeg := make(map[domain.Leg]domain.Settlement, len(settlements))
	for _, s := range settlements {
		byLeg[s.Leg] = s
	}

	action := "unchanged"
	err := r.orch.store.WithTx(ctx, func(tx Tx) error {
		txn, err := tx.LockTransaction(ctx, id)
		if err != nil {
			return err
		}

		advanced := false
		for _, leg := range []domain.Leg{domain.LegDebit, domain.LegCredit, domain.LegReversal} {
			s, ok := byLeg[leg]
			if !ok || txn.State.Terminal() {
				continue
			}
			sig := signal{name: "reconciled " + string(leg), leg: leg, ok: s.Outcome == domain.OutcomeSettled}
			if !sig.ok {
				sig.reason = rejectionReason(event.Result{Code: s.Code, Reason: s.Reason})
			}
			if sig.target(txn.Kind).Rank() <= txn.State.Rank() {
				continue
			}
			moved, err := r.orch.advance(ctx, tx, txn, sig)
			if err != nil {
				return err
			}
			if moved {
				advanced = true
				// Re-read so the next leg sees the new state.
				if txn, err = tx.LockTransaction(ctx, id); err != nil {
					return err
				}
			}
		}
		if advanced {
			action = "advanced"
			return nil
		}
		if txn.State.Terminal() || txn.NeedsReview {
			return nil
		}

		return r.requeue(ctx, tx, txn, &action)
	})
	return action, err
}

// requeue re-sends the command for the leg txn is waiting on, or flags the
// transaction for manual review once attempts run out.
func (r *Reconciler) requeue(ctx context.Context, tx Tx, txn domain.Transaction, action *string) error {
	leg := pendingLeg(txn.State)
	fields := logger.Fields{
		"transaction_id": txn.ID.String(),
		"state":          txn.State,
		"leg":            leg,
		"attempt":        txn.ReconcileAttempts + 1,
	}

	txn.ReconcileAttempts++
	txn.UpdatedAt = r.orch.now().UTC()

	if txn.ReconcileAttempts > r.cfg.MaxAttempts {
		txn.NeedsReview = true
		*action = "flagged"
		logger.Error("transaction needs manual review", nil, fields)
		return tx.UpdateTransaction(ctx, txn)
	}

	if err := tx.UpdateTransaction(ctx, txn); err != nil {
		return err
	}
	*action = "requeued"
	logger.Warn("no wallet outcome, re-sending command", fields)
	return outbox.Append(ctx, tx, command(txn, leg))
}

func pendingLeg(s domain.State) domain.Leg {
	switch s {
	case domain.StateCreditPending:
		return domain.LegCredit
	case domain.StateReversalPending:
		return domain.LegReversal
	}
	return domain.LegDebit
}

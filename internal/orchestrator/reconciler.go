package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/musaucrea/foti-pay-2/internal/domain"
	"github.com/musaucrea/foti-pay-2/internal/gateway"
)

// Reconciler drains the offline queue when connectivity returns and re-polls
// settlements that were cancelled mid-flight. At most one drain runs at a
// time; foreground payments may proceed concurrently, serialized per
// idempotency key through the store.
type Reconciler struct {
	orch   *Orchestrator
	logger *slog.Logger

	drainMu sync.Mutex
}

// NewReconciler builds a Reconciler over the orchestrator's queue and store.
func NewReconciler(logger *slog.Logger, orch *Orchestrator) *Reconciler {
	return &Reconciler{orch: orch, logger: logger}
}

// Run watches connectivity transitions and drains on every reconnect until
// the context ends.
func (r *Reconciler) Run(ctx context.Context) {
	events := r.orch.conn.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case online := <-events:
			if !online {
				continue
			}
			if err := r.Drain(ctx); err != nil {
				r.logger.Error("offline drain failed", "error", err)
			}
		}
	}
}

// Drain attempts every queued entry in FIFO order. A failure on one entry
// never blocks the ones behind it; each outcome is recorded independently.
// Returns immediately when a drain is already in flight.
func (r *Reconciler) Drain(ctx context.Context) error {
	if !r.drainMu.TryLock() {
		return nil
	}
	defer r.drainMu.Unlock()

	entries, err := r.orch.ledger.Entries()
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		r.logger.Info("draining offline queue", "entries", len(entries))
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !r.orch.conn.Online() {
			r.logger.Warn("connectivity lost mid-drain, stopping")
			return nil
		}
		r.drainEntry(ctx, entry)
	}

	r.reconcilePending(ctx)
	return nil
}

// drainEntry settles one queued entry against its gateway, using the
// persisted settlement snapshot rather than a fresh quote: the user confirmed
// those amounts.
func (r *Reconciler) drainEntry(ctx context.Context, entry domain.OfflineQueueEntry) {
	intent := entry.Intent
	unlock := r.orch.store.Lock(intent.IdempotencyKey)
	defer unlock()

	tx, found, err := r.orch.store.Find(intent.IdempotencyKey)
	if err != nil {
		r.logger.Error("drain lookup failed", "intentKey", intent.IdempotencyKey, "error", err)
		return
	}
	if !found {
		// Enqueue succeeded but the crash-window record write did not;
		// restore the queued record before settling.
		tx, err = r.orch.store.Record(r.orch.newTransaction(intent, entry.Snapshot, domain.StatusQueued, "", "", true))
		if err != nil {
			r.logger.Error("drain record failed", "intentKey", intent.IdempotencyKey, "error", err)
			return
		}
	}
	if tx.Status != domain.StatusQueued {
		// Already reconciled; just consume the entry.
		r.removeEntry(entry)
		return
	}

	gw, ok := r.orch.gateways[intent.RailID]
	if !ok {
		r.finish(entry, tx.ID, domain.StatusFailed, "", "no gateway configured for rail "+string(intent.RailID))
		return
	}

	quote := domain.QuotedRate{
		Pair: domain.CurrencyPair{Base: intent.Currency, Quote: entry.Snapshot.LocalCurrency},
		Rate: entry.Snapshot.Rate,
	}
	pending, err := gw.Initiate(ctx, intent, quote)
	if errors.Is(err, domain.ErrGatewayUnavailable) {
		// Still unreachable; the entry stays queued for the next drain.
		r.logger.Warn("gateway unavailable during drain", "intentKey", intent.IdempotencyKey)
		return
	}
	if err != nil {
		r.finish(entry, tx.ID, domain.StatusFailed, "", failureReason(err))
		return
	}

	status, pollErr := r.orch.pollUntilTerminal(ctx, gw, pending)
	switch status {
	case gateway.StatusSuccess:
		r.finish(entry, tx.ID, domain.StatusCompleted, pending.Reference, "")
	case gateway.StatusFailed:
		r.finish(entry, tx.ID, domain.StatusFailed, pending.Reference, failureReason(pollErr))
	default:
		// Timed out or cancelled; leave the entry for the next drain.
		r.logger.Warn("drain settlement unresolved",
			"intentKey", intent.IdempotencyKey, "error", pollErr)
	}
}

func (r *Reconciler) finish(entry domain.OfflineQueueEntry, txID string, status domain.TransactionStatus, providerRef, reason string) {
	if _, err := r.orch.store.UpdateStatus(txID, status, providerRef, reason); err != nil {
		r.logger.Error("drain status update failed", "transactionId", txID, "error", err)
		return
	}
	r.logger.Info("offline entry reconciled", "transactionId", txID, "status", status)
	r.removeEntry(entry)
}

func (r *Reconciler) removeEntry(entry domain.OfflineQueueEntry) {
	if err := r.orch.ledger.Remove(entry.Seq); err != nil {
		r.logger.Error("offline entry removal failed", "seq", entry.Seq, "error", err)
	}
}

// reconcilePending re-polls settlements whose polling was cancelled
// client-side but whose provider charge may have landed.
func (r *Reconciler) reconcilePending(ctx context.Context) {
	queued, err := r.orch.store.ListQueued()
	if err != nil {
		r.logger.Error("pending reconciliation lookup failed", "error", err)
		return
	}

	for _, tx := range queued {
		if tx.OfflineQueued || tx.ProviderRef == "" {
			continue
		}
		gw, ok := r.orch.gateways[tx.RailID]
		if !ok {
			continue
		}

		status, err := gw.Poll(ctx, tx.ProviderRef)
		if errors.Is(err, domain.ErrGatewayUnavailable) {
			// An unreachable provider says nothing about the charge; leave
			// the record queued and re-poll on the next drain.
			continue
		}
		if err != nil {
			status = gateway.StatusFailed
		}
		switch status {
		case gateway.StatusSuccess:
			if _, err := r.orch.store.UpdateStatus(tx.ID, domain.StatusCompleted, tx.ProviderRef, ""); err != nil {
				r.logger.Error("pending reconciliation update failed", "transactionId", tx.ID, "error", err)
			}
		case gateway.StatusFailed:
			if _, err := r.orch.store.UpdateStatus(tx.ID, domain.StatusFailed, tx.ProviderRef, failureReason(err)); err != nil {
				r.logger.Error("pending reconciliation update failed", "transactionId", tx.ID, "error", err)
			}
		}
	}
}

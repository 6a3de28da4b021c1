// Package orchestrator drives a payment intent through rail selection,
// settlement and recording, online or via the offline queue.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/musaucrea/foti-pay-2/internal/connectivity"
	"github.com/musaucrea/foti-pay-2/internal/domain"
	"github.com/musaucrea/foti-pay-2/internal/fx"
	"github.com/musaucrea/foti-pay-2/internal/gateway"
	"github.com/musaucrea/foti-pay-2/internal/ledger"
	"github.com/musaucrea/foti-pay-2/internal/rail"
	"github.com/musaucrea/foti-pay-2/internal/store"
)

const (
	defaultPollTimeout  = 60 * time.Second
	defaultPollInterval = 2 * time.Second
	defaultRetryBackoff = 2 * time.Second
)

// Config tunes settlement behaviour.
type Config struct {
	// HomeCurrency is the traveler's currency; intents are denominated in it.
	HomeCurrency string
	// PollTimeout bounds the settlement polling loop; past it the intent
	// fails with a Timeout and the user may retry.
	PollTimeout time.Duration
	// RetryBackoff is the pause before the single automatic retry on a
	// GatewayUnavailable initiate.
	RetryBackoff time.Duration
}

// Orchestrator owns the settlement state machine. One logical orchestration
// runs per payment intent, serialized per idempotency key through the store.
type Orchestrator struct {
	logger    *slog.Logger
	converter *fx.Converter
	rails     *rail.Registry
	gateways  map[domain.RailID]gateway.Gateway
	store     *store.Store
	ledger    *ledger.Ledger
	conn      *connectivity.Monitor
	cfg       Config
}

// New wires an Orchestrator. Gateways are indexed by the rail they serve.
func New(
	logger *slog.Logger,
	converter *fx.Converter,
	rails *rail.Registry,
	gateways []gateway.Gateway,
	txStore *store.Store,
	queue *ledger.Ledger,
	conn *connectivity.Monitor,
	cfg Config,
) *Orchestrator {
	if cfg.HomeCurrency == "" {
		cfg.HomeCurrency = "USD"
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}

	index := make(map[domain.RailID]gateway.Gateway, len(gateways))
	for _, gw := range gateways {
		index[gw.Rail()] = gw
	}
	return &Orchestrator{
		logger:    logger,
		converter: converter,
		rails:     rails,
		gateways:  index,
		store:     txStore,
		ledger:    queue,
		conn:      conn,
		cfg:       cfg,
	}
}

// Settle consumes a payment intent and produces a transaction record. It is
// safe to call repeatedly with the same idempotency key: a Completed or
// Queued record short-circuits, so an intent never settles twice.
func (o *Orchestrator) Settle(ctx context.Context, intent domain.PaymentIntent) (domain.Transaction, error) {
	if err := intent.Validate(); err != nil {
		return domain.Transaction{}, err
	}

	unlock := o.store.Lock(intent.IdempotencyKey)
	defer unlock()

	if existing, ok, err := o.store.Find(intent.IdempotencyKey); err != nil {
		return domain.Transaction{}, err
	} else if ok && existing.Status != domain.StatusFailed {
		o.logger.Info("idempotent short-circuit",
			"intentKey", intent.IdempotencyKey, "status", existing.Status)
		return existing, nil
	}

	if _, err := o.rails.Capabilities(intent.RailID); err != nil {
		return domain.Transaction{}, err
	}

	pair := domain.CurrencyPair{Base: intent.Currency, Quote: intent.Merchant.LocalCurrency}

	// Every registered rail needs a reachable provider, so a down link
	// always routes through the offline queue. The rate feed may be down
	// with it: a stale cached quote is good enough for the queued snapshot.
	if !o.conn.Online() {
		quote, ok := o.converter.LastKnown(pair)
		if !ok {
			fresh, err := o.converter.Quote(ctx, pair)
			if err != nil {
				return domain.Transaction{}, err
			}
			quote = fresh
		}
		return o.queueOffline(intent, buildSnapshot(intent, quote))
	}

	quote, err := o.converter.Quote(ctx, pair)
	if err != nil {
		return domain.Transaction{}, err
	}
	snap := buildSnapshot(intent, quote)

	gw, ok := o.gateways[intent.RailID]
	if !ok {
		return domain.Transaction{}, domain.InvalidRequest("no gateway configured for rail " + string(intent.RailID))
	}
	return o.settleOnline(ctx, gw, intent, snap, quote)
}

func (o *Orchestrator) queueOffline(intent domain.PaymentIntent, snap domain.SettlementSnapshot) (domain.Transaction, error) {
	if _, err := o.ledger.Enqueue(intent, snap); err != nil {
		return domain.Transaction{}, err
	}

	tx, err := o.store.Record(o.newTransaction(intent, snap, domain.StatusQueued, "", "", true))
	if err != nil {
		return domain.Transaction{}, err
	}
	o.logger.Info("payment queued offline", "intentKey", intent.IdempotencyKey, "merchant", intent.Merchant.ID)
	return tx, nil
}

func (o *Orchestrator) settleOnline(ctx context.Context, gw gateway.Gateway, intent domain.PaymentIntent, snap domain.SettlementSnapshot, quote domain.QuotedRate) (domain.Transaction, error) {
	pending, err := gw.Initiate(ctx, intent, quote)
	if errors.Is(err, domain.ErrGatewayUnavailable) {
		o.logger.Warn("gateway unavailable, retrying once",
			"rail", intent.RailID, "backoff", o.cfg.RetryBackoff)
		select {
		case <-time.After(o.cfg.RetryBackoff):
		case <-ctx.Done():
			return domain.Transaction{}, ctx.Err()
		}
		pending, err = gw.Initiate(ctx, intent, quote)
	}
	if err != nil {
		tx, recErr := o.store.Record(o.newTransaction(intent, snap, domain.StatusFailed, "", failureReason(err), false))
		if recErr != nil {
			return domain.Transaction{}, recErr
		}
		return tx, err
	}

	status, pollErr := o.pollUntilTerminal(ctx, gw, pending)
	switch {
	case status == gateway.StatusSuccess:
		tx, err := o.store.Record(o.newTransaction(intent, snap, domain.StatusCompleted, pending.Reference, "", false))
		if err != nil {
			return domain.Transaction{}, err
		}
		o.logger.Info("payment completed",
			"intentKey", intent.IdempotencyKey, "rail", intent.RailID, "providerRef", pending.Reference)
		return tx, nil

	case status == gateway.StatusFailed:
		failure := pollErr
		if failure == nil {
			failure = domain.Declined("provider reported the charge failed")
		}
		tx, recErr := o.store.Record(o.newTransaction(intent, snap, domain.StatusFailed, pending.Reference, failureReason(failure), false))
		if recErr != nil {
			return domain.Transaction{}, recErr
		}
		return tx, failure

	case errors.Is(pollErr, context.Canceled):
		// The user cancelled while the provider charge may still land.
		// Record it queued with the reference; the reconciler re-polls it.
		tx, recErr := o.store.Record(o.newTransaction(intent, snap, domain.StatusQueued, pending.Reference, "", false))
		if recErr != nil {
			return domain.Transaction{}, recErr
		}
		o.logger.Info("settlement cancelled mid-flight, left for reconciliation",
			"intentKey", intent.IdempotencyKey, "providerRef", pending.Reference)
		return tx, nil

	default:
		failure := domain.Timeout("settlement did not confirm within " + o.cfg.PollTimeout.String())
		tx, recErr := o.store.Record(o.newTransaction(intent, snap, domain.StatusFailed, pending.Reference, failureReason(failure), false))
		if recErr != nil {
			return domain.Transaction{}, recErr
		}
		return tx, failure
	}
}

// pollUntilTerminal polls the gateway at its cadence until the settlement
// resolves, the poll window elapses, or the context is cancelled. Transient
// gateway unavailability keeps the loop alive.
func (o *Orchestrator) pollUntilTerminal(ctx context.Context, gw gateway.Gateway, pending gateway.PendingSettlement) (gateway.SettlementStatus, error) {
	interval := pending.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	deadline := time.NewTimer(o.cfg.PollTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return gateway.StatusPending, ctx.Err()
		case <-deadline.C:
			return gateway.StatusPending, domain.Timeout("polling window elapsed")
		case <-ticker.C:
			status, err := gw.Poll(ctx, pending.Reference)
			if err != nil {
				if errors.Is(err, domain.ErrGatewayUnavailable) {
					continue
				}
				return gateway.StatusFailed, err
			}
			if status != gateway.StatusPending {
				return status, nil
			}
		}
	}
}

func (o *Orchestrator) newTransaction(intent domain.PaymentIntent, snap domain.SettlementSnapshot, status domain.TransactionStatus, providerRef, failureReason string, offline bool) domain.Transaction {
	now := time.Now().UTC()
	tx := domain.Transaction{
		ID:               uuid.NewString(),
		IdempotencyKey:   intent.IdempotencyKey,
		MerchantID:       intent.Merchant.ID,
		MerchantName:     intent.Merchant.Name,
		MerchantCategory: intent.Merchant.Category,
		Amount:           intent.Amount,
		Donation:         snap.Donation,
		TotalCharged:     snap.TotalCharged,
		Currency:         intent.Currency,
		LocalAmount:      snap.LocalAmount,
		LocalCurrency:    snap.LocalCurrency,
		Rate:             snap.Rate,
		RailID:           intent.RailID,
		Status:           status,
		ProviderRef:      providerRef,
		FailureReason:    failureReason,
		OfflineQueued:    offline,
		CreatedAt:        now,
	}
	if status != domain.StatusQueued {
		tx.SettledAt = &now
	}
	return tx
}

func buildSnapshot(intent domain.PaymentIntent, quote domain.QuotedRate) domain.SettlementSnapshot {
	donation := decimal.Zero
	if intent.RoundUp {
		donation = fx.RoundUp(intent.Amount)
	}
	return domain.SettlementSnapshot{
		Rate:          quote.Rate,
		LocalAmount:   fx.Convert(intent.Amount, quote),
		LocalCurrency: quote.Pair.Quote,
		Donation:      donation,
		TotalCharged:  intent.Amount.Add(donation),
	}
}

func failureReason(err error) string {
	var failure *domain.Failure
	if errors.As(err, &failure) {
		return failure.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

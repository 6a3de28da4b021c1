package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/musaucrea/foti-pay-2/internal/domain"
)

// State is the user-visible position of a payment session.
type State string

const (
	StateScanning     State = "SCANNING"
	StateAmountEntry  State = "AMOUNT_ENTRY"
	StateRailSelected State = "RAIL_SELECTED"
	StateSettling     State = "SETTLING"
	StateCompleted    State = "COMPLETED"
	StateQueued       State = "QUEUED"
	StateFailed       State = "FAILED"
)

// Session walks one payment through
// Scanning → AmountEntry → RailSelected → Settling → {Completed, Queued,
// Failed}. Queued is terminal for the session; reconciliation resolves the
// underlying transaction asynchronously.
type Session struct {
	orch *Orchestrator

	mu         sync.Mutex
	state      State
	merchant   domain.Merchant
	amount     decimal.Decimal
	roundUp    bool
	railID     domain.RailID
	key        string
	tx         domain.Transaction
	failure    *domain.Failure
	cancelPoll context.CancelFunc
}

// NewSession starts a payment session. An empty idempotency key gets a
// generated one; retries within the session reuse it, so at most one charge
// can ever succeed.
func (o *Orchestrator) NewSession(idempotencyKey string) *Session {
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}
	return &Session{orch: o, state: StateScanning, key: idempotencyKey}
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IdempotencyKey returns the key all attempts in this session share.
func (s *Session) IdempotencyKey() string { return s.key }

// Transaction returns the recorded transaction once the session reached a
// terminal state.
func (s *Session) Transaction() (domain.Transaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx, s.tx.ID != ""
}

// Failure returns the typed failure for a Failed session.
func (s *Session) Failure() *domain.Failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// ResolveMerchant attaches the scanned merchant while still Scanning.
func (s *Session) ResolveMerchant(m domain.Merchant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateScanning {
		return domain.InvalidTransition("merchant can only be resolved while scanning")
	}
	if m.ID == "" {
		return domain.InvalidRequest("scanned merchant has no id")
	}
	s.merchant = m
	return nil
}

// EnterAmount moves to AmountEntry once a merchant is resolved and a nonzero
// amount is entered. The amount may be revised while still in AmountEntry.
func (s *Session) EnterAmount(amount decimal.Decimal, roundUp bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateScanning && s.state != StateAmountEntry {
		return domain.InvalidTransition("amount entry is not available in state " + string(s.state))
	}
	if s.merchant.ID == "" {
		return domain.InvalidTransition("no merchant resolved")
	}
	if !amount.IsPositive() {
		return domain.InvalidRequest("amount must be greater than zero")
	}
	s.amount = amount
	s.roundUp = roundUp
	s.state = StateAmountEntry
	return nil
}

// SelectRail chooses a rail from the registry's per-merchant list. An empty
// id selects the default: the first rail in priority order.
func (s *Session) SelectRail(id domain.RailID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAmountEntry && s.state != StateRailSelected {
		return domain.InvalidTransition("rail selection is not available in state " + string(s.state))
	}

	rails := s.orch.rails.ListRails(s.merchant)
	if len(rails) == 0 {
		return domain.InvalidRequest("merchant accepts no enabled rails")
	}
	if id == "" {
		id = rails[0].ID
	} else {
		accepted := false
		for _, r := range rails {
			if r.ID == id {
				accepted = true
				break
			}
		}
		if !accepted {
			return domain.InvalidRequest("rail " + string(id) + " is not available for this merchant")
		}
	}

	s.railID = id
	s.state = StateRailSelected
	return nil
}

// Confirm settles the payment. It blocks until a terminal state, the polling
// window elapses, or Cancel is called.
func (s *Session) Confirm(ctx context.Context, payerPhone string) (domain.Transaction, error) {
	s.mu.Lock()
	if s.state != StateRailSelected {
		s.mu.Unlock()
		return domain.Transaction{}, domain.InvalidTransition("confirm requires a selected rail")
	}
	s.state = StateSettling
	settleCtx, cancel := context.WithCancel(ctx)
	s.cancelPoll = cancel

	intent := domain.PaymentIntent{
		IdempotencyKey: s.key,
		Merchant:       s.merchant,
		Amount:         s.amount,
		Currency:       s.orch.cfg.HomeCurrency,
		RailID:         s.railID,
		RoundUp:        s.roundUp,
		PayerPhone:     payerPhone,
		CreatedAt:      time.Now().UTC(),
	}
	s.mu.Unlock()

	tx, err := s.orch.Settle(settleCtx, intent)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelPoll = nil
	s.tx = tx

	if err != nil {
		var failure *domain.Failure
		if !errors.As(err, &failure) {
			failure = domain.GatewayUnavailable("settlement did not complete", err)
		}
		s.failure = failure
		s.state = StateFailed
		return tx, err
	}

	s.failure = nil
	switch tx.Status {
	case domain.StatusQueued:
		s.state = StateQueued
	default:
		s.state = StateCompleted
	}
	return tx, nil
}

// Retry returns a Failed session to AmountEntry. The idempotency key is
// kept, so the retried attempt cannot double-charge.
func (s *Session) Retry() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateFailed {
		return domain.InvalidTransition("retry is only available after a failure")
	}
	s.failure = nil
	s.state = StateAmountEntry
	return nil
}

// Cancel stops an in-flight settlement's polling. The provider charge may
// still land; the orchestrator records it for later reconciliation instead
// of assuming the cancellation reversed it.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancelPoll
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	bolt "github.com/boltdb/bolt"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/musaucrea/foti-pay-2/internal/connectivity"
	"github.com/musaucrea/foti-pay-2/internal/domain"
	"github.com/musaucrea/foti-pay-2/internal/fx"
	"github.com/musaucrea/foti-pay-2/internal/gateway"
	"github.com/musaucrea/foti-pay-2/internal/ledger"
	"github.com/musaucrea/foti-pay-2/internal/rail"
	"github.com/musaucrea/foti-pay-2/internal/store"
)

type fakeGateway struct {
	rail domain.RailID

	mu           sync.Mutex
	initiated    []string
	initiateErrs []error
	failKeys     map[string]error
	pollResults  map[string]gateway.SettlementStatus
	pollErr      error
	polls        int
}

func newFakeGateway(rail domain.RailID) *fakeGateway {
	return &fakeGateway{
		rail:        rail,
		failKeys:    make(map[string]error),
		pollResults: make(map[string]gateway.SettlementStatus),
	}
}

func (f *fakeGateway) Rail() domain.RailID { return f.rail }

func (f *fakeGateway) Initiate(_ context.Context, intent domain.PaymentIntent, _ domain.QuotedRate) (gateway.PendingSettlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiated = append(f.initiated, intent.IdempotencyKey)

	if len(f.initiateErrs) > 0 {
		err := f.initiateErrs[0]
		f.initiateErrs = f.initiateErrs[1:]
		if err != nil {
			return gateway.PendingSettlement{}, err
		}
	}
	if err, ok := f.failKeys[intent.IdempotencyKey]; ok {
		return gateway.PendingSettlement{}, err
	}
	return gateway.PendingSettlement{
		Reference:    "ref-" + intent.IdempotencyKey,
		PollInterval: time.Millisecond,
	}, nil
}

func (f *fakeGateway) Poll(_ context.Context, reference string) (gateway.SettlementStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.pollErr != nil {
		return gateway.StatusFailed, f.pollErr
	}
	if status, ok := f.pollResults[reference]; ok {
		return status, nil
	}
	return gateway.StatusSuccess, nil
}

func (f *fakeGateway) initiatedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.initiated))
	copy(out, f.initiated)
	return out
}

type testEnv struct {
	orch    *Orchestrator
	gateway *fakeGateway
	store   *store.Store
	ledger  *ledger.Ledger
	conn    *connectivity.Monitor
}

func newTestEnv(t *testing.T, online bool) *testEnv {
	t.Helper()
	return newTestEnvWithSource(t, online, fx.NewStaticSource(map[string]decimal.Decimal{
		"USD/KES": decimal.RequireFromString("129.50"),
	}, time.Hour))
}

func newTestEnvWithSource(t *testing.T, online bool, source fx.RateSource) *testEnv {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "pay.db"), 0600, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	txStore, err := store.New(db)
	require.NoError(t, err)
	queue, err := ledger.New(db)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	converter := fx.NewConverter(source)
	gw := newFakeGateway(domain.RailMpesa)
	conn := connectivity.NewMonitor(logger, online)

	orch := New(logger, converter, rail.NewRegistry(rail.DefaultRails()...),
		[]gateway.Gateway{gw}, txStore, queue, conn, Config{
			HomeCurrency: "USD",
			PollTimeout:  250 * time.Millisecond,
			RetryBackoff: 5 * time.Millisecond,
		})

	return &testEnv{orch: orch, gateway: gw, store: txStore, ledger: queue, conn: conn}
}

func testMerchant() domain.Merchant {
	return domain.Merchant{
		ID:            "m-123",
		Name:          "Mama Oliech's Fish Kitchen",
		Category:      "Dining",
		LocalCurrency: "KES",
		Verified:      true,
		AcceptedRails: []domain.RailID{domain.RailMpesa, domain.RailCard},
	}
}

func newIntent(key, amount string, roundUp bool) domain.PaymentIntent {
	return domain.PaymentIntent{
		IdempotencyKey: key,
		Merchant:       testMerchant(),
		Amount:         decimal.RequireFromString(amount),
		Currency:       "USD",
		RailID:         domain.RailMpesa,
		RoundUp:        roundUp,
		PayerPhone:     "254700000001",
		CreatedAt:      time.Now().UTC(),
	}
}

func TestSettleCompletesOnline(t *testing.T) {
	env := newTestEnv(t, true)

	tx, err := env.orch.Settle(context.Background(), newIntent("key-1", "45.00", true))
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, tx.Status)
	require.Equal(t, "ref-key-1", tx.ProviderRef)
	require.False(t, tx.OfflineQueued)
	require.NotNil(t, tx.SettledAt)

	// 45.00 USD at 129.50 with round-up on: integral amount, no donation.
	require.Equal(t, "5827.50", tx.LocalAmount.StringFixed(2))
	require.Equal(t, "0.00", tx.Donation.StringFixed(2))
	require.Equal(t, "45.00", tx.TotalCharged.StringFixed(2))
}

func TestSettleRoundUpDonation(t *testing.T) {
	env := newTestEnv(t, true)

	tx, err := env.orch.Settle(context.Background(), newIntent("key-1", "12.30", true))
	require.NoError(t, err)
	require.Equal(t, "0.70", tx.Donation.StringFixed(2))
	require.Equal(t, "13.00", tx.TotalCharged.StringFixed(2))
}

func TestSettleIdempotency(t *testing.T) {
	env := newTestEnv(t, true)
	intent := newIntent("key-1", "10.00", false)

	first, err := env.orch.Settle(context.Background(), intent)
	require.NoError(t, err)
	second, err := env.orch.Settle(context.Background(), intent)
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Len(t, env.gateway.initiatedKeys(), 1, "second settle must not reach the gateway")

	all, err := env.store.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, domain.StatusCompleted, all[0].Status)
}

func TestSettleConcurrentSameKeySingleCharge(t *testing.T) {
	env := newTestEnv(t, true)
	intent := newIntent("key-1", "10.00", false)

	var wg sync.WaitGroup
	results := make([]domain.Transaction, 4)
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.orch.Settle(context.Background(), intent)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Len(t, env.gateway.initiatedKeys(), 1)
	for _, tx := range results {
		require.Equal(t, results[0].ID, tx.ID)
		require.Equal(t, domain.StatusCompleted, tx.Status)
	}
}

func TestSettleOfflineQueuesWithoutGatewayCall(t *testing.T) {
	env := newTestEnv(t, false)

	tx, err := env.orch.Settle(context.Background(), newIntent("key-1", "10.00", false))
	require.NoError(t, err)
	require.Equal(t, domain.StatusQueued, tx.Status)
	require.True(t, tx.OfflineQueued)
	require.Nil(t, tx.SettledAt)
	require.Empty(t, env.gateway.initiatedKeys())

	n, err := env.ledger.Len()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

// flakySource serves short-lived quotes until told to fail, mimicking a rate
// feed that drops with the network.
type flakySource struct {
	rate decimal.Decimal
	ttl  time.Duration

	mu  sync.Mutex
	err error
}

func (s *flakySource) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *flakySource) Quote(_ context.Context, pair domain.CurrencyPair) (domain.QuotedRate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return domain.QuotedRate{}, s.err
	}
	now := time.Now()
	return domain.QuotedRate{Pair: pair, Rate: s.rate, QuotedAt: now, ExpiresAt: now.Add(s.ttl)}, nil
}

func TestSettleOfflineQueuesWithStaleQuote(t *testing.T) {
	source := &flakySource{rate: decimal.RequireFromString("129.50"), ttl: 10 * time.Millisecond}
	env := newTestEnvWithSource(t, true, source)

	_, err := env.orch.Settle(context.Background(), newIntent("key-1", "10.00", false))
	require.NoError(t, err)

	// The link drops and takes the rate feed with it; by now the cached
	// quote has expired. The payment must still queue, on the stale rate.
	time.Sleep(20 * time.Millisecond)
	source.setErr(domain.RateUnavailable("feed unreachable"))
	env.conn.SetOnline(false)

	tx, err := env.orch.Settle(context.Background(), newIntent("key-2", "10.00", false))
	require.NoError(t, err)
	require.Equal(t, domain.StatusQueued, tx.Status)
	require.True(t, tx.OfflineQueued)
	require.Equal(t, "129.50", tx.Rate.StringFixed(2))
	require.Equal(t, "1295.00", tx.LocalAmount.StringFixed(2))
}

func TestSettleRetriesGatewayUnavailableOnce(t *testing.T) {
	env := newTestEnv(t, true)
	env.gateway.initiateErrs = []error{domain.GatewayUnavailable("provider down", nil), nil}

	tx, err := env.orch.Settle(context.Background(), newIntent("key-1", "10.00", false))
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, tx.Status)
	require.Len(t, env.gateway.initiatedKeys(), 2)
}

func TestSettleGatewayUnavailableSurfacesAfterRetry(t *testing.T) {
	env := newTestEnv(t, true)
	env.gateway.initiateErrs = []error{
		domain.GatewayUnavailable("provider down", nil),
		domain.GatewayUnavailable("provider down", nil),
	}

	tx, err := env.orch.Settle(context.Background(), newIntent("key-1", "10.00", false))
	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	require.Equal(t, domain.StatusFailed, tx.Status)
	require.Len(t, env.gateway.initiatedKeys(), 2)
}

func TestSettleDeclinedIsNotRetried(t *testing.T) {
	env := newTestEnv(t, true)
	env.gateway.failKeys["key-1"] = domain.Declined("insufficient funds")

	tx, err := env.orch.Settle(context.Background(), newIntent("key-1", "10.00", false))
	require.ErrorIs(t, err, domain.ErrDeclined)
	require.Equal(t, domain.StatusFailed, tx.Status)
	require.Equal(t, "insufficient funds", tx.FailureReason)
	require.Len(t, env.gateway.initiatedKeys(), 1)
}

func TestSettleTimeout(t *testing.T) {
	env := newTestEnv(t, true)
	env.gateway.pollResults["ref-key-1"] = gateway.StatusPending

	tx, err := env.orch.Settle(context.Background(), newIntent("key-1", "10.00", false))
	require.ErrorIs(t, err, domain.ErrTimeout)
	require.Equal(t, domain.StatusFailed, tx.Status)
}

func TestSettleFailedAllowsRetryWithSameKey(t *testing.T) {
	env := newTestEnv(t, true)
	env.gateway.failKeys["key-1"] = domain.Declined("insufficient funds")

	_, err := env.orch.Settle(context.Background(), newIntent("key-1", "10.00", false))
	require.ErrorIs(t, err, domain.ErrDeclined)

	delete(env.gateway.failKeys, "key-1")
	tx, err := env.orch.Settle(context.Background(), newIntent("key-1", "10.00", false))
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, tx.Status)

	all, err := env.store.List()
	require.NoError(t, err)
	require.Len(t, all, 1, "retry supersedes the failed record")
}

func TestSettleCancelledMidPollIsQueuedForReconciliation(t *testing.T) {
	env := newTestEnv(t, true)
	env.gateway.pollResults["ref-key-1"] = gateway.StatusPending

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	tx, err := env.orch.Settle(ctx, newIntent("key-1", "10.00", false))
	require.NoError(t, err)
	require.Equal(t, domain.StatusQueued, tx.Status)
	require.Equal(t, "ref-key-1", tx.ProviderRef)
	require.False(t, tx.OfflineQueued)

	// The charge later lands provider-side; reconciliation completes it.
	env.gateway.mu.Lock()
	env.gateway.pollResults["ref-key-1"] = gateway.StatusSuccess
	env.gateway.mu.Unlock()

	rec := NewReconciler(env.orch.logger, env.orch)
	require.NoError(t, rec.Drain(context.Background()))

	found, ok, err := env.store.Find("key-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.StatusCompleted, found.Status)
}

func TestReconcilePendingToleratesGatewayUnavailable(t *testing.T) {
	env := newTestEnv(t, true)
	env.gateway.pollResults["ref-key-1"] = gateway.StatusPending

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	tx, err := env.orch.Settle(ctx, newIntent("key-1", "10.00", false))
	require.NoError(t, err)
	require.Equal(t, domain.StatusQueued, tx.Status)
	require.Equal(t, "ref-key-1", tx.ProviderRef)

	// Provider unreachable during the first drain. The charge may have
	// landed, so the record must stay queued rather than fail.
	env.gateway.mu.Lock()
	env.gateway.pollErr = domain.GatewayUnavailable("provider down", nil)
	env.gateway.mu.Unlock()

	rec := NewReconciler(env.orch.logger, env.orch)
	require.NoError(t, rec.Drain(context.Background()))

	found, ok, err := env.store.Find("key-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.StatusQueued, found.Status)

	// Provider back; the landed charge completes on the next drain.
	env.gateway.mu.Lock()
	env.gateway.pollErr = nil
	env.gateway.pollResults["ref-key-1"] = gateway.StatusSuccess
	env.gateway.mu.Unlock()

	require.NoError(t, rec.Drain(context.Background()))
	found, ok, err = env.store.Find("key-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.StatusCompleted, found.Status)
}

func TestSettleUnknownRail(t *testing.T) {
	env := newTestEnv(t, true)

	intent := newIntent("key-1", "10.00", false)
	intent.RailID = "sepa"
	_, err := env.orch.Settle(context.Background(), intent)
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestSettleRateUnavailable(t *testing.T) {
	env := newTestEnv(t, true)

	intent := newIntent("key-1", "10.00", false)
	intent.Merchant.LocalCurrency = "TZS"
	_, err := env.orch.Settle(context.Background(), intent)
	require.ErrorIs(t, err, domain.ErrRateUnavailable)
	require.Empty(t, env.gateway.initiatedKeys())
}

func TestDrainPreservesOrderAndIsolatesFailures(t *testing.T) {
	env := newTestEnv(t, false)

	for _, key := range []string{"a", "b", "c"} {
		tx, err := env.orch.Settle(context.Background(), newIntent(key, "10.00", false))
		require.NoError(t, err)
		require.Equal(t, domain.StatusQueued, tx.Status)
	}
	env.gateway.failKeys["b"] = domain.Declined("insufficient funds")

	env.conn.SetOnline(true)
	rec := NewReconciler(env.orch.logger, env.orch)
	require.NoError(t, rec.Drain(context.Background()))

	require.Equal(t, []string{"a", "b", "c"}, env.gateway.initiatedKeys())

	for key, want := range map[string]domain.TransactionStatus{
		"a": domain.StatusCompleted,
		"b": domain.StatusFailed,
		"c": domain.StatusCompleted,
	} {
		tx, ok, err := env.store.Find(key)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, tx.Status, "entry %s", key)
	}

	n, err := env.ledger.Len()
	require.NoError(t, err)
	require.Zero(t, n, "all entries consumed")
}

func TestDrainLeavesEntriesWhenGatewayStillUnavailable(t *testing.T) {
	env := newTestEnv(t, false)

	_, err := env.orch.Settle(context.Background(), newIntent("a", "10.00", false))
	require.NoError(t, err)

	env.conn.SetOnline(true)
	env.gateway.failKeys["a"] = domain.GatewayUnavailable("provider down", nil)

	rec := NewReconciler(env.orch.logger, env.orch)
	require.NoError(t, rec.Drain(context.Background()))

	n, err := env.ledger.Len()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	tx, ok, err := env.store.Find("a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.StatusQueued, tx.Status)
}

func TestReconcilerRunsOnReconnect(t *testing.T) {
	env := newTestEnv(t, false)

	_, err := env.orch.Settle(context.Background(), newIntent("a", "10.00", false))
	require.NoError(t, err)

	rec := NewReconciler(env.orch.logger, env.orch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Run(ctx)

	// Give Run a moment to subscribe before the transition fires.
	time.Sleep(50 * time.Millisecond)
	env.conn.SetOnline(true)

	require.Eventually(t, func() bool {
		tx, ok, err := env.store.Find("a")
		return err == nil && ok && tx.Status == domain.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, true)

	session := env.orch.NewSession("")
	require.Equal(t, StateScanning, session.State())
	require.NotEmpty(t, session.IdempotencyKey())

	// Amount entry before a merchant is resolved is a contract violation.
	err := session.EnterAmount(decimal.RequireFromString("12.30"), true)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	require.NoError(t, session.ResolveMerchant(testMerchant()))
	require.NoError(t, session.EnterAmount(decimal.RequireFromString("12.30"), true))
	require.Equal(t, StateAmountEntry, session.State())

	// Empty rail picks the registry default: local mobile money first.
	require.NoError(t, session.SelectRail(""))
	require.Equal(t, StateRailSelected, session.State())

	tx, err := session.Confirm(context.Background(), "254700000001")
	require.NoError(t, err)
	require.Equal(t, StateCompleted, session.State())
	require.Equal(t, domain.RailMpesa, tx.RailID)
	require.Equal(t, "13.00", tx.TotalCharged.StringFixed(2))

	recorded, ok := session.Transaction()
	require.True(t, ok)
	require.Equal(t, tx.ID, recorded.ID)
}

func TestSessionRejectsUnacceptedRail(t *testing.T) {
	env := newTestEnv(t, true)

	session := env.orch.NewSession("")
	require.NoError(t, session.ResolveMerchant(testMerchant()))
	require.NoError(t, session.EnterAmount(decimal.RequireFromString("5.00"), false))

	err := session.SelectRail(domain.RailAirtel)
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestSessionRetryReusesKey(t *testing.T) {
	env := newTestEnv(t, true)
	env.gateway.failKeys["fixed-key"] = domain.Declined("insufficient funds")

	session := env.orch.NewSession("fixed-key")
	require.NoError(t, session.ResolveMerchant(testMerchant()))
	require.NoError(t, session.EnterAmount(decimal.RequireFromString("5.00"), false))
	require.NoError(t, session.SelectRail(domain.RailMpesa))

	_, err := session.Confirm(context.Background(), "254700000001")
	require.ErrorIs(t, err, domain.ErrDeclined)
	require.Equal(t, StateFailed, session.State())
	require.Equal(t, domain.CodeDeclined, session.Failure().Code)

	require.NoError(t, session.Retry())
	require.Equal(t, StateAmountEntry, session.State())

	delete(env.gateway.failKeys, "fixed-key")
	require.NoError(t, session.EnterAmount(decimal.RequireFromString("5.00"), false))
	require.NoError(t, session.SelectRail(domain.RailMpesa))
	tx, err := session.Confirm(context.Background(), "254700000001")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, tx.Status)
	require.Equal(t, "fixed-key", tx.IdempotencyKey)

	all, err := env.store.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestSessionQueuedWhenOffline(t *testing.T) {
	env := newTestEnv(t, false)

	session := env.orch.NewSession("")
	require.NoError(t, session.ResolveMerchant(testMerchant()))
	require.NoError(t, session.EnterAmount(decimal.RequireFromString("8.00"), false))
	require.NoError(t, session.SelectRail(""))

	tx, err := session.Confirm(context.Background(), "254700000001")
	require.NoError(t, err)
	require.Equal(t, StateQueued, session.State())
	require.True(t, tx.OfflineQueued)
}

func TestDrainIsSingleFlight(t *testing.T) {
	env := newTestEnv(t, true)
	rec := NewReconciler(env.orch.logger, env.orch)

	rec.drainMu.Lock()
	done := make(chan error, 1)
	go func() { done <- rec.Drain(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err, "concurrent drain must return immediately")
	case <-time.After(time.Second):
		t.Fatal("drain blocked on the in-flight drain")
	}
	rec.drainMu.Unlock()
}

func TestFailureReasonHelper(t *testing.T) {
	require.Equal(t, "insufficient funds", failureReason(domain.Declined("insufficient funds")))
	require.Equal(t, "", failureReason(nil))
	require.Equal(t, "plain", failureReason(fmt.Errorf("plain")))
}

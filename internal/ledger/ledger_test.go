package ledger_test

import (
	"path/filepath"
	"testing"
	"time"

	bolt "github.com/boltdb/bolt"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/musaucrea/foti-pay-2/internal/domain"
	"github.com/musaucrea/foti-pay-2/internal/ledger"
)

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	l, err := ledger.New(db)
	require.NoError(t, err)
	return l
}

func intentWithKey(key string) domain.PaymentIntent {
	return domain.PaymentIntent{
		IdempotencyKey: key,
		Merchant:       domain.Merchant{ID: "m-123", LocalCurrency: "KES"},
		Amount:         decimal.RequireFromString("10.00"),
		Currency:       "USD",
		RailID:         domain.RailMpesa,
	}
}

func TestEnqueuePreservesFIFOOrder(t *testing.T) {
	l := newTestLedger(t)

	for _, key := range []string{"a", "b", "c"} {
		_, err := l.Enqueue(intentWithKey(key), domain.SettlementSnapshot{})
		require.NoError(t, err)
	}

	entries, err := l.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "a", entries[0].Intent.IdempotencyKey)
	require.Equal(t, "b", entries[1].Intent.IdempotencyKey)
	require.Equal(t, "c", entries[2].Intent.IdempotencyKey)
}

func TestRemoveIsIdempotent(t *testing.T) {
	l := newTestLedger(t)

	entry, err := l.Enqueue(intentWithKey("a"), domain.SettlementSnapshot{})
	require.NoError(t, err)

	require.NoError(t, l.Remove(entry.Seq))
	require.NoError(t, l.Remove(entry.Seq))

	n, err := l.Len()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestEnqueueCarriesSnapshot(t *testing.T) {
	l := newTestLedger(t)

	snapshot := domain.SettlementSnapshot{
		Rate:          decimal.RequireFromString("129.50"),
		LocalAmount:   decimal.RequireFromString("1295.00"),
		LocalCurrency: "KES",
		Donation:      decimal.Zero,
		TotalCharged:  decimal.RequireFromString("10.00"),
	}
	_, err := l.Enqueue(intentWithKey("a"), snapshot)
	require.NoError(t, err)

	entries, err := l.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, entries[0].Snapshot.Rate.Equal(snapshot.Rate))
	require.True(t, entries[0].Snapshot.LocalAmount.Equal(snapshot.LocalAmount))
	require.Equal(t, "KES", entries[0].Snapshot.LocalCurrency)
	require.False(t, entries[0].EnqueuedAt.IsZero())
}

func TestLen(t *testing.T) {
	l := newTestLedger(t)

	n, err := l.Len()
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = l.Enqueue(intentWithKey("a"), domain.SettlementSnapshot{})
	require.NoError(t, err)
	_, err = l.Enqueue(intentWithKey("b"), domain.SettlementSnapshot{})
	require.NoError(t, err)

	n, err = l.Len()
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

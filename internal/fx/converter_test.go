package fx

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/musaucrea/foti-pay-2/internal/domain"
)

var usdKes = domain.CurrencyPair{Base: "USD", Quote: "KES"}

func TestRoundUp(t *testing.T) {
	cases := []struct {
		amount string
		want   string
	}{
		{"12.30", "0.70"},
		{"45.00", "0"},
		{"45", "0"},
		{"0.01", "0.99"},
		{"9.95", "0.05"},
		{"12.999", "0"}, // below one cent, clamped
		{"0", "0"},
		{"-3.20", "0"},
	}

	for _, tc := range cases {
		amount := decimal.RequireFromString(tc.amount)
		want := decimal.RequireFromString(tc.want)
		got := RoundUp(amount)
		require.True(t, got.Equal(want), "RoundUp(%s) = %s, want %s", tc.amount, got, tc.want)
	}
}

func TestConvert(t *testing.T) {
	quote := domain.QuotedRate{Pair: usdKes, Rate: decimal.RequireFromString("129.50")}

	local := Convert(decimal.RequireFromString("45.00"), quote)
	require.True(t, local.Equal(decimal.RequireFromString("5827.50")), "got %s", local)

	// Half-up rounding at the second decimal.
	quote.Rate = decimal.RequireFromString("1.005")
	local = Convert(decimal.RequireFromString("1.00"), quote)
	require.Equal(t, "1.01", local.StringFixed(2))
}

func TestRoundUpScenarioTotal(t *testing.T) {
	amount := decimal.RequireFromString("12.30")
	donation := RoundUp(amount)
	total := amount.Add(donation)
	require.Equal(t, "13.00", total.StringFixed(2))
	require.Equal(t, "0.70", donation.StringFixed(2))
}

type countingSource struct {
	calls int
	quote domain.QuotedRate
	err   error
}

func (s *countingSource) Quote(context.Context, domain.CurrencyPair) (domain.QuotedRate, error) {
	s.calls++
	if s.err != nil {
		return domain.QuotedRate{}, s.err
	}
	return s.quote, nil
}

func TestConverterCachesWithinValidityWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	source := &countingSource{quote: domain.QuotedRate{
		Pair:      usdKes,
		Rate:      decimal.RequireFromString("129.50"),
		QuotedAt:  now,
		ExpiresAt: now.Add(5 * time.Minute),
	}}

	conv := NewConverter(source)
	conv.now = func() time.Time { return now }

	first, err := conv.Quote(context.Background(), usdKes)
	require.NoError(t, err)
	_, err = conv.Quote(context.Background(), usdKes)
	require.NoError(t, err)
	require.Equal(t, 1, source.calls, "second quote should come from cache")

	// Past the validity window the quote is re-fetched.
	conv.now = func() time.Time { return now.Add(6 * time.Minute) }
	source.quote.QuotedAt = now.Add(6 * time.Minute)
	source.quote.ExpiresAt = now.Add(11 * time.Minute)
	refreshed, err := conv.Quote(context.Background(), usdKes)
	require.NoError(t, err)
	require.Equal(t, 2, source.calls)
	require.True(t, refreshed.QuotedAt.After(first.QuotedAt))
}

func TestConverterLastKnownSurvivesExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	source := &countingSource{quote: domain.QuotedRate{
		Pair:      usdKes,
		Rate:      decimal.RequireFromString("129.50"),
		QuotedAt:  now,
		ExpiresAt: now.Add(5 * time.Minute),
	}}

	conv := NewConverter(source)
	conv.now = func() time.Time { return now }

	_, ok := conv.LastKnown(usdKes)
	require.False(t, ok, "nothing quoted yet")

	_, err := conv.Quote(context.Background(), usdKes)
	require.NoError(t, err)

	// Well past the validity window, the stale quote is still retrievable
	// without touching the source.
	conv.now = func() time.Time { return now.Add(time.Hour) }
	stale, ok := conv.LastKnown(usdKes)
	require.True(t, ok)
	require.True(t, stale.Rate.Equal(decimal.RequireFromString("129.50")))
	require.Equal(t, 1, source.calls)
}

func TestConverterRateUnavailable(t *testing.T) {
	source := &countingSource{err: domain.RateUnavailable("no quote for USD/KES")}
	conv := NewConverter(source)

	_, err := conv.Quote(context.Background(), usdKes)
	require.ErrorIs(t, err, domain.ErrRateUnavailable)
}

func TestParseRates(t *testing.T) {
	rates, err := ParseRates("USD/KES=129.50, EUR/KES=140.10")
	require.NoError(t, err)
	require.Len(t, rates, 2)
	require.True(t, rates["USD/KES"].Equal(decimal.RequireFromString("129.50")))

	_, err = ParseRates("USD/KES")
	require.Error(t, err)

	rates, err = ParseRates("")
	require.NoError(t, err)
	require.Empty(t, rates)
}

func TestStaticSourceStampsValidity(t *testing.T) {
	source := NewStaticSource(map[string]decimal.Decimal{
		"USD/KES": decimal.RequireFromString("129.50"),
	}, 5*time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	source.now = func() time.Time { return now }

	quote, err := source.Quote(context.Background(), usdKes)
	require.NoError(t, err)
	require.Equal(t, now.Add(5*time.Minute), quote.ExpiresAt)
	require.False(t, quote.Expired(now))
	require.True(t, quote.Expired(now.Add(5*time.Minute)))

	_, err = source.Quote(context.Background(), domain.CurrencyPair{Base: "GBP", Quote: "KES"})
	require.ErrorIs(t, err, domain.ErrRateUnavailable)
}

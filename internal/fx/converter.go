// Package fx converts between the traveler's home currency and merchant
// local currencies using quoted rates, and derives round-up donations.
package fx

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/musaucrea/foti-pay-2/internal/domain"
)

// minDonation is the smallest round-up worth charging.
var minDonation = decimal.New(1, -2)

// RateSource supplies quotes for currency pairs. The rate feed itself is an
// external collaborator; the converter treats quotes as read-only input.
type RateSource interface {
	Quote(ctx context.Context, pair domain.CurrencyPair) (domain.QuotedRate, error)
}

// Converter caches quotes per pair within their validity window and exposes
// pure conversion arithmetic.
type Converter struct {
	source RateSource

	mu    sync.Mutex
	cache map[string]domain.QuotedRate
	now   func() time.Time
}

// NewConverter builds a Converter over the given rate source.
func NewConverter(source RateSource) *Converter {
	return &Converter{
		source: source,
		cache:  make(map[string]domain.QuotedRate),
		now:    time.Now,
	}
}

// Quote returns a valid quote for the pair, re-fetching from the source when
// the cached quote has expired.
func (c *Converter) Quote(ctx context.Context, pair domain.CurrencyPair) (domain.QuotedRate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if cached, ok := c.cache[pair.String()]; ok && !cached.Expired(now) {
		return cached, nil
	}

	quote, err := c.source.Quote(ctx, pair)
	if err != nil {
		return domain.QuotedRate{}, err
	}
	if quote.Expired(now) {
		return domain.QuotedRate{}, domain.RateUnavailable(fmt.Sprintf("source returned an expired quote for %s", pair))
	}
	c.cache[pair.String()] = quote
	return quote, nil
}

// LastKnown returns the most recent quote for the pair, even past its
// validity window. Offline queueing prefers a stale snapshot over refusing
// the payment when the rate feed is unreachable too.
func (c *Converter) LastKnown(pair domain.CurrencyPair) (domain.QuotedRate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	quote, ok := c.cache[pair.String()]
	return quote, ok
}

// Convert applies the quoted rate to an amount, rounding half-up to two
// decimals for currency display.
func Convert(amount decimal.Decimal, quote domain.QuotedRate) decimal.Decimal {
	return amount.Mul(quote.Rate).Round(2)
}

// RoundUp computes the conservation donation: the distance from the amount to
// the next whole unit. Zero for integral amounts and for remainders below one
// cent.
func RoundUp(amount decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() {
		return decimal.Zero
	}
	donation := amount.Ceil().Sub(amount)
	if donation.LessThan(minDonation) {
		return decimal.Zero
	}
	return donation
}

// StaticSource serves quotes from a fixed rate table, stamping each quote
// with the configured validity window.
type StaticSource struct {
	rates map[string]decimal.Decimal
	ttl   time.Duration
	now   func() time.Time
}

// NewStaticSource builds a StaticSource from a pair-to-rate table.
func NewStaticSource(rates map[string]decimal.Decimal, ttl time.Duration) *StaticSource {
	return &StaticSource{rates: rates, ttl: ttl, now: time.Now}
}

// Quote implements RateSource.
func (s *StaticSource) Quote(_ context.Context, pair domain.CurrencyPair) (domain.QuotedRate, error) {
	rate, ok := s.rates[pair.String()]
	if !ok {
		return domain.QuotedRate{}, domain.RateUnavailable(fmt.Sprintf("no quote for %s", pair))
	}
	now := s.now()
	return domain.QuotedRate{
		Pair:      pair,
		Rate:      rate,
		QuotedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}, nil
}

// ParseRates parses a comma-separated rate table of the form
// "USD/KES=129.50,EUR/KES=140.10".
func ParseRates(csv string) (map[string]decimal.Decimal, error) {
	rates := make(map[string]decimal.Decimal)
	if strings.TrimSpace(csv) == "" {
		return rates, nil
	}
	for _, entry := range strings.Split(csv, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		pair, value, found := strings.Cut(entry, "=")
		if !found {
			return nil, fmt.Errorf("invalid rate entry %q", entry)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("invalid rate for %q: %w", pair, err)
		}
		rates[strings.TrimSpace(pair)] = rate
	}
	return rates, nil
}

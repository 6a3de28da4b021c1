// Package directory resolves scanned merchant codes to merchant records.
// The real lookup service is an external collaborator; the in-memory
// resolver serves development and tests.
package directory

import (
	"context"
	"errors"
	"sync"

	"github.com/musaucrea/foti-pay-2/internal/domain"
)

// ErrMerchantNotFound indicates the scanned code matches no known merchant.
var ErrMerchantNotFound = errors.New("merchant not found")

// Resolver turns a scanned QR / till / paybill code into a merchant record.
type Resolver interface {
	Resolve(ctx context.Context, code string) (domain.Merchant, error)
}

// MemoryResolver is an in-process merchant directory.
type MemoryResolver struct {
	mu        sync.RWMutex
	merchants map[string]domain.Merchant
}

// NewMemoryResolver builds a resolver over the given records.
func NewMemoryResolver(merchants ...domain.Merchant) *MemoryResolver {
	index := make(map[string]domain.Merchant, len(merchants))
	for _, m := range merchants {
		index[m.ID] = m
	}
	return &MemoryResolver{merchants: index}
}

// Resolve implements Resolver.
func (r *MemoryResolver) Resolve(_ context.Context, code string) (domain.Merchant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.merchants[code]
	if !ok {
		return domain.Merchant{}, ErrMerchantNotFound
	}
	return m, nil
}

// Add registers a merchant record.
func (r *MemoryResolver) Add(m domain.Merchant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.merchants[m.ID] = m
}

// SeedMerchants are the demo directory entries.
func SeedMerchants() []domain.Merchant {
	return []domain.Merchant{
		{
			ID:            "m-123",
			Name:          "Mama Oliech's Fish Kitchen",
			Category:      "Dining",
			Location:      "Dagoretti North, Nairobi",
			LocalCurrency: "KES",
			Verified:      true,
			Sustainable:   true,
			AcceptedRails: []domain.RailID{domain.RailMpesa, domain.RailAirtel, domain.RailCard},
			CulturalTip:   "Tip: 10% is customary here for good service.",
		},
		{
			ID:            "m-204",
			Name:          "Maasai Market Crafts",
			Category:      "Shopping",
			Location:      "CBD, Nairobi",
			LocalCurrency: "KES",
			Verified:      true,
			AcceptedRails: []domain.RailID{domain.RailMpesa, domain.RailAirtel},
			CulturalTip:   "Bargaining is expected; start around half the asking price.",
		},
		{
			ID:            "m-317",
			Name:          "Karura Forest Bike Hire",
			Category:      "Activities",
			Location:      "Limuru Road, Nairobi",
			LocalCurrency: "KES",
			Sustainable:   true,
			AcceptedRails: []domain.RailID{domain.RailMpesa, domain.RailCard},
		},
	}
}

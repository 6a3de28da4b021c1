// Package rail describes the settlement rails available to the orchestrator
// and their capability metadata.
package rail

import (
	"fmt"
	"sort"

	"github.com/musaucrea/foti-pay-2/internal/domain"
)

// Registry holds the globally enabled rails in declared priority order.
// Local mobile-money rails carry lower priority values than global card
// networks, reflecting the preference for local settlement.
type Registry struct {
	rails []domain.Rail
	index map[domain.RailID]domain.Rail
}

// NewRegistry builds a Registry from rail declarations, sorted by priority.
func NewRegistry(rails ...domain.Rail) *Registry {
	ordered := make([]domain.Rail, len(rails))
	copy(ordered, rails)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	index := make(map[domain.RailID]domain.Rail, len(ordered))
	for _, r := range ordered {
		index[r.ID] = r
	}
	return &Registry{rails: ordered, index: index}
}

// DefaultRails declares the rails the product ships with.
func DefaultRails() []domain.Rail {
	return []domain.Rail{
		{
			ID:           domain.RailMpesa,
			Name:         "M-Pesa",
			Kind:         domain.RailKindMobileMoney,
			Priority:     10,
			Enabled:      true,
			Capabilities: domain.Capabilities{RequiresOnline: true, SupportsPush: true},
			Currencies:   []string{"KES"},
		},
		{
			ID:           domain.RailAirtel,
			Name:         "Airtel Money",
			Kind:         domain.RailKindMobileMoney,
			Priority:     20,
			Enabled:      true,
			Capabilities: domain.Capabilities{RequiresOnline: true, SupportsPush: true},
			Currencies:   []string{"KES"},
		},
		{
			ID:           domain.RailCard,
			Name:         "Card",
			Kind:         domain.RailKindCard,
			Priority:     100,
			Enabled:      true,
			Capabilities: domain.Capabilities{RequiresOnline: true, SupportsPush: false},
		},
	}
}

// ListRails returns the rails both globally enabled and accepted by the
// merchant, in priority order. The first entry is the default selection.
func (r *Registry) ListRails(m domain.Merchant) []domain.Rail {
	var out []domain.Rail
	for _, rail := range r.rails {
		if rail.Enabled && m.Accepts(rail.ID) {
			out = append(out, rail)
		}
	}
	return out
}

// Rail looks up a rail by ID.
func (r *Registry) Rail(id domain.RailID) (domain.Rail, bool) {
	rail, ok := r.index[id]
	return rail, ok
}

// Capabilities returns the capability metadata for a rail.
func (r *Registry) Capabilities(id domain.RailID) (domain.Capabilities, error) {
	rail, ok := r.index[id]
	if !ok {
		return domain.Capabilities{}, domain.InvalidRequest(fmt.Sprintf("unknown rail %q", id))
	}
	return rail.Capabilities, nil
}

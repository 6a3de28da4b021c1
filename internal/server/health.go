package server

import (
	"context"

	"github.com/musaucrea/foti-pay-2/internal/store"
)

// HealthService defines behaviour for readiness probes.
type HealthService interface {
	Probe(ctx context.Context) error
}

// StoreHealthService verifies the transaction log is readable as part of
// health checks.
type StoreHealthService struct {
	Store *store.Store
}

// Probe implements the HealthService interface.
func (s StoreHealthService) Probe(_ context.Context) error {
	if s.Store == nil {
		return nil
	}
	return s.Store.Probe()
}

package cache

import (
	"context"
	"time"

	"tallypos/backend/internal/domain"
)

// DashboardCache holds composed dashboard snapshots. Invalidate drops every
// snapshot; writers call it after any catalog or ledger change.
type DashboardCache interface {
	Get(ctx context.Context, key string) (*domain.DashboardResponse, bool, error)
	Set(ctx context.Context, key string, value *domain.DashboardResponse, ttl time.Duration) error
	Invalidate(ctx context.Context) error
}

type NoopDashboardCache struct{}

func (NoopDashboardCache) Get(_ context.Context, _ string) (*domain.DashboardResponse, bool, error) {
	return nil, false, nil
}

func (NoopDashboardCache) Set(_ context.Context, _ string, _ *domain.DashboardResponse, _ time.Duration) error {
	return nil
}

func (NoopDashboardCache) Invalidate(_ context.Context) error {
	return nil
}

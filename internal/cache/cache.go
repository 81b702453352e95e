package cache

import (
	"context"
	"time"

	"tokosegar/backend/internal/domain"
)

// ReportCache holds computed inventory valuation reports so repeated
// dashboard polls do not rescan the batch ledger. Entries are dropped
// whenever stock moves.
type ReportCache interface {
	Get(ctx context.Context, key string) (*domain.ValuationReport, bool, error)
	Set(ctx context.Context, key string, value *domain.ValuationReport, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type NoopReportCache struct{}

func (NoopReportCache) Get(_ context.Context, _ string) (*domain.ValuationReport, bool, error) {
	return nil, false, nil
}

func (NoopReportCache) Set(_ context.Context, _ string, _ *domain.ValuationReport, _ time.Duration) error {
	return nil
}

func (NoopReportCache) Delete(_ context.Context, _ string) error {
	return nil
}

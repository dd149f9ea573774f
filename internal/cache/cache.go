// Package cache provides the read-side cache for resolved sale contexts.
// Mutating service operations invalidate by bill number so readers never
// observe a stale active view for longer than a single in-flight request.
package cache

import (
	"context"
	"time"

	"ledgerpos/backend/internal/domain"
)

// SaleContextCache stores resolved SaleContext values keyed by bill number.
// Implementations must treat a miss as (nil, false, nil), not an error.
type SaleContextCache interface {
	Get(ctx context.Context, billNumber string) (*domain.SaleContext, bool, error)
	Set(ctx context.Context, billNumber string, sc *domain.SaleContext, ttl time.Duration) error
	Invalidate(ctx context.Context, billNumber string) error
}

// Noop satisfies SaleContextCache without storing anything. Used when no
// Redis address is configured.
type Noop struct{}

func (Noop) Get(context.Context, string) (*domain.SaleContext, bool, error) { return nil, false, nil }

func (Noop) Set(context.Context, string, *domain.SaleContext, time.Duration) error { return nil }

func (Noop) Invalidate(context.Context, string) error { return nil }

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Strob0t/CreditForge/internal/domain"
	"github.com/Strob0t/CreditForge/internal/port/cache"
	"github.com/Strob0t/CreditForge/internal/port/pmprovider"
)

const grantedKeyPrefix = "granted."

// GrantService reads granted credits from the project management system
// through a cache and writes used credits back.
type GrantService struct {
	provider pmprovider.Provider
	cache    cache.Cache
	ttl      time.Duration
}

// NewGrantService creates a GrantService. provider and c may be nil.
func NewGrantService(provider pmprovider.Provider, c cache.Cache, ttl time.Duration) *GrantService {
	return &GrantService{provider: provider, cache: c, ttl: ttl}
}

// Enabled reports whether a project management system is configured.
func (s *GrantService) Enabled() bool {
	return s != nil && s.provider != nil
}

// Granted returns the granted credits of a project. Unknown projects yield
// domain.ErrNotFound.
func (s *GrantService) Granted(ctx context.Context, projectID string) (decimal.Decimal, error) {
	if !s.Enabled() {
		return decimal.Zero, fmt.Errorf("granted credits: %w", domain.ErrNotFound)
	}

	key := grantedKeyPrefix + projectID
	if s.cache != nil {
		data, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			slog.DebugContext(ctx, "granted cache get failed", "error", err)
		}
		if ok {
			if v, err := decimal.NewFromString(string(data)); err == nil {
				return v, nil
			}
		}
	}

	v, err := s.provider.GrantedCredits(ctx, projectID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("granted credits %s: %w", projectID, err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, []byte(v.String()), s.ttl); err != nil {
			slog.DebugContext(ctx, "granted cache set failed", "error", err)
		}
	}
	return v, nil
}

// Invalidate drops the cached grant of a project.
func (s *GrantService) Invalidate(ctx context.Context, projectID string) error {
	if s == nil || s.cache == nil {
		return nil
	}
	return s.cache.Delete(ctx, grantedKeyPrefix+projectID)
}

// ReportUsage writes used credits back. Providers without write support are
// ignored.
func (s *GrantService) ReportUsage(ctx context.Context, projectID string, used decimal.Decimal) error {
	if !s.Enabled() {
		return nil
	}
	err := s.provider.ReportUsage(ctx, projectID, used)
	if errors.Is(err, pmprovider.ErrNotSupported) {
		return nil
	}
	return err
}

package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Strob0t/CreditForge/internal/domain"
	"github.com/Strob0t/CreditForge/internal/port/pmprovider"
)

// mapCache is a trivial cache.Cache.
type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *mapCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// countingProvider counts GrantedCredits calls.
type countingProvider struct {
	*fakeProvider
	calls int
}

func (c *countingProvider) GrantedCredits(ctx context.Context, id string) (decimal.Decimal, error) {
	c.calls++
	return c.fakeProvider.GrantedCredits(ctx, id)
}

func TestGrantService_CachesLookups(t *testing.T) {
	c := &mapCache{data: make(map[string][]byte)}
	p := &countingProvider{fakeProvider: newFakeProvider()}
	p.setGranted("alpha", 250)
	svc := NewGrantService(p, c, time.Minute)
	ctx := context.Background()

	for range 3 {
		v, err := svc.Granted(ctx, "alpha")
		if err != nil {
			t.Fatal(err)
		}
		if !v.Equal(decimal.NewFromInt(250)) {
			t.Fatalf("granted = %s", v)
		}
	}
	if p.calls != 1 {
		t.Errorf("provider called %d times, expected cache hits", p.calls)
	}

	if err := svc.Invalidate(ctx, "alpha"); err != nil {
		t.Fatal(err)
	}
	p.setGranted("alpha", 300)
	v, err := svc.Granted(ctx, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if !v.Equal(decimal.NewFromInt(300)) {
		t.Errorf("after invalidate granted = %s, want 300", v)
	}
}

func TestGrantService_UnknownProject(t *testing.T) {
	svc := NewGrantService(newFakeProvider(), nil, time.Minute)
	if _, err := svc.Granted(context.Background(), "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGrantService_Disabled(t *testing.T) {
	var svc *GrantService
	if svc.Enabled() {
		t.Fatal("nil service must be disabled")
	}
	if err := svc.ReportUsage(context.Background(), "alpha", decimal.NewFromInt(1)); err != nil {
		t.Fatal(err)
	}
}

type readOnlyProvider struct{ *fakeProvider }

func (readOnlyProvider) ReportUsage(context.Context, string, decimal.Decimal) error {
	return pmprovider.ErrNotSupported
}

func TestGrantService_ReportUsageNotSupported(t *testing.T) {
	svc := NewGrantService(readOnlyProvider{newFakeProvider()}, nil, time.Minute)
	if err := svc.ReportUsage(context.Background(), "alpha", decimal.NewFromInt(1)); err != nil {
		t.Fatalf("unsupported write-back must be ignored, got %v", err)
	}
}

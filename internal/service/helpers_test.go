package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Strob0t/CreditForge/internal/adapter/memory"
	"github.com/Strob0t/CreditForge/internal/config"
	"github.com/Strob0t/CreditForge/internal/domain"
	"github.com/Strob0t/CreditForge/internal/domain/credits"
	"github.com/Strob0t/CreditForge/internal/port/measurement"
	"github.com/Strob0t/CreditForge/internal/port/notifier"
	"github.com/Strob0t/CreditForge/internal/resilience"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func win(startMin, endMin int) credits.Window {
	return credits.NewWindow(t0.Add(time.Duration(startMin)*time.Minute), t0.Add(time.Duration(endMin)*time.Minute))
}

func reading(project, resource string, w credits.Window, value string, kind credits.Kind) credits.UsageMeasurement {
	return credits.UsageMeasurement{
		ProjectID: project,
		Resource:  resource,
		Window:    w,
		Value:     decimal.RequireFromString(value),
		Kind:      kind,
		Sequence:  w.Start.UnixNano(),
	}
}

// fakeFetcher serves canned measurements per project.
type fakeFetcher struct {
	mu          sync.Mutex
	data        map[string][]credits.UsageMeasurement
	projects    []string
	err         error
	ignoreSince bool
	block       bool // Fetch waits for ctx and returns its error
	calls       int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{data: make(map[string][]credits.UsageMeasurement)}
}

func (f *fakeFetcher) setBlock(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = v
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeFetcher) add(ms ...credits.UsageMeasurement) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range ms {
		f.data[m.ProjectID] = append(f.data[m.ProjectID], m)
	}
}

func (f *fakeFetcher) Projects(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.projects != nil {
		return f.projects, nil
	}
	out := make([]string, 0, len(f.data))
	for id := range f.data {
		out = append(out, id)
	}
	return out, nil
}

func (f *fakeFetcher) Fetch(ctx context.Context, projectID string, since time.Time) (measurement.Batch, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return measurement.Batch{}, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return measurement.Batch{}, f.err
	}
	var out []credits.UsageMeasurement
	for _, m := range f.data[projectID] {
		if f.ignoreSince || !m.Window.Start.Before(since) {
			out = append(out, m)
		}
	}
	return measurement.Normalize(out), nil
}

// fakeProvider is an in-memory project management system.
type fakeProvider struct {
	mu       sync.Mutex
	granted  map[string]decimal.Decimal
	reported map[string]decimal.Decimal
	err      error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{granted: make(map[string]decimal.Decimal), reported: make(map[string]decimal.Decimal)}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) setGranted(id string, v int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.granted[id] = decimal.NewFromInt(v)
}

func (p *fakeProvider) GrantedCredits(_ context.Context, id string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return decimal.Zero, p.err
	}
	v, ok := p.granted[id]
	if !ok {
		return decimal.Zero, domain.ErrNotFound
	}
	return v, nil
}

func (p *fakeProvider) ReportUsage(_ context.Context, id string, used decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reported[id] = used
	return nil
}

// mockNotifier implements notifier.Notifier for testing.
type mockNotifier struct {
	mu      sync.Mutex
	name    string
	sent    []notifier.Notification
	sendErr error
	calls   int
}

func (m *mockNotifier) Name() string                        { return m.name }
func (m *mockNotifier) Capabilities() notifier.Capabilities { return notifier.Capabilities{} }
func (m *mockNotifier) Send(_ context.Context, n notifier.Notification) error { //nolint:gocritic // hugeParam
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, n)
	return nil
}

func (m *mockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func testConfig(t *testing.T, mutate func(*config.Config)) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Accounting.Resources = map[string]config.Resource{
		"cpu": {Rate: "1", Kind: "counter"},
		"mem": {Rate: "0.5", Kind: "delta"},
	}
	cfg.Accounting.Thresholds = config.Thresholds{Warning: "50", Critical: "10", Exhausted: "0"}
	cfg.Accounting.TaskTimeout = 5 * time.Second
	cfg.Retry = config.Retry{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	cfg.Notify.MaxAttempts = 1
	cfg.Notify.SendTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	return &cfg
}

type harness struct {
	store    *memory.Store
	fetcher  *fakeFetcher
	provider *fakeProvider
	notifier *mockNotifier
	svc      *AccountingService
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := testConfig(t, mutate)
	h := &harness{
		store:    memory.NewStore(),
		fetcher:  newFakeFetcher(),
		provider: newFakeProvider(),
		notifier: &mockNotifier{name: "mock"},
	}
	notify := NewNotificationService(h.store, []notifier.Notifier{h.notifier}, cfg.Notify)
	grants := NewGrantService(h.provider, nil, time.Minute)
	h.svc = NewAccountingService(h.store, h.fetcher, grants, notify, StaticConfig{Config: cfg})
	h.svc.SetRetryPolicy(resilience.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond})
	return h
}

func (h *harness) process(t *testing.T, projectID string) Result {
	t.Helper()
	res, err := h.svc.Process(context.Background(), projectID)
	if err != nil {
		t.Fatalf("Process(%s): %v", projectID, err)
	}
	return res
}

func (h *harness) entries(t *testing.T, projectID string) []credits.LedgerEntry {
	t.Helper()
	es, err := h.store.Entries(context.Background(), projectID, time.Time{}, t0.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	return es
}

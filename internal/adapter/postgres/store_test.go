package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Strob0t/CreditForge/internal/adapter/postgres"
	"github.com/Strob0t/CreditForge/internal/config"
	"github.com/Strob0t/CreditForge/internal/domain"
	"github.com/Strob0t/CreditForge/internal/domain/credits"
	"github.com/Strob0t/CreditForge/internal/domain/notification"
)

// setupStore creates a pgxpool connection, runs all migrations, and returns a
// ready-to-use Store. The pool is closed via t.Cleanup.
func setupStore(t *testing.T) *postgres.Store {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()
	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	pool, err := postgres.NewPool(ctx, config.Postgres{DSN: dsn, MaxConns: 4, MinConns: 1, HealthCheck: time.Minute})
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	return postgres.NewStore(pool)
}

func testProject() string { return "test-" + uuid.NewString()[:8] }

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func entry(project string, startMin, endMin int, cost, balance string) credits.LedgerEntry {
	return credits.LedgerEntry{
		ProjectID: project,
		Window:    credits.NewWindow(t0.Add(time.Duration(startMin)*time.Minute), t0.Add(time.Duration(endMin)*time.Minute)),
		Cost:      decimal.RequireFromString(cost),
		Balance:   decimal.RequireFromString(balance),
		Precision: 2,
		Items: []credits.LineItem{{
			Resource: "project_vcpu_usage",
			Raw:      decimal.RequireFromString(balance),
			Delta:    decimal.RequireFromString(cost),
			Cost:     decimal.RequireFromString(cost),
		}},
	}
}

func TestStore_EnsureProject(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	id := testProject()

	p, err := s.EnsureProject(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Active || !p.UsedCredits.IsZero() || !p.Watermark.IsZero() {
		t.Fatalf("unexpected new project %+v", p)
	}

	if err := s.SetActive(ctx, id, false); err != nil {
		t.Fatal(err)
	}
	again, err := s.EnsureProject(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if again.Active {
		t.Fatal("EnsureProject must not reactivate an existing project")
	}

	if _, err := s.GetProject(ctx, testProject()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_AppendAdvancesWatermark(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	id := testProject()

	if _, created, err := s.Append(ctx, entry(id, 0, 5, "1.50", "1.50")); err != nil || !created {
		t.Fatalf("first append: created=%v err=%v", created, err)
	}
	if _, created, err := s.Append(ctx, entry(id, 5, 10, "2.25", "3.75")); err != nil || !created {
		t.Fatalf("second append: created=%v err=%v", created, err)
	}

	p, err := s.GetProject(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Watermark.Equal(t0.Add(10 * time.Minute)) {
		t.Errorf("watermark = %v", p.Watermark)
	}
	if !p.UsedCredits.Equal(decimal.RequireFromString("3.75")) {
		t.Errorf("used = %s", p.UsedCredits)
	}

	entries, err := s.Entries(ctx, id, t0, t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || len(entries[1].Items) != 1 {
		t.Fatalf("unexpected entries %+v", entries)
	}

	base, err := s.Baselines(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if b := base["project_vcpu_usage"]; !b.Raw.Equal(decimal.RequireFromString("3.75")) || !b.End.Equal(t0.Add(10*time.Minute)) {
		t.Errorf("unexpected baseline %+v", b)
	}
}

func TestStore_AppendIsIdempotent(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	id := testProject()

	first, _, err := s.Append(ctx, entry(id, 0, 5, "1.00", "1.00"))
	if err != nil {
		t.Fatal(err)
	}
	replay, created, err := s.Append(ctx, entry(id, 0, 5, "9.00", "9.00"))
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("replay must not create an entry")
	}
	if !replay.Cost.Equal(first.Cost) {
		t.Errorf("replay returned cost %s, want stored %s", replay.Cost, first.Cost)
	}

	entries, err := s.Entries(ctx, id, t0, t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
}

func TestStore_AppendRejectsInconsistentEntries(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	id := testProject()

	if _, _, err := s.Append(ctx, entry(id, 0, 10, "1.00", "1.00")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Append(ctx, entry(id, 5, 15, "1.00", "2.00")); !errors.Is(err, credits.ErrWindowOverlap) {
		t.Errorf("expected ErrWindowOverlap, got %v", err)
	}
	if _, _, err := s.Append(ctx, entry(id, 10, 15, "1.00", "5.00")); !errors.Is(err, credits.ErrBalanceMismatch) {
		t.Errorf("expected ErrBalanceMismatch, got %v", err)
	}

	p, err := s.GetProject(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Watermark.Equal(t0.Add(10 * time.Minute)) {
		t.Errorf("rejected appends must not move the watermark, got %v", p.Watermark)
	}
}

func TestStore_NotificationState(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	id := testProject()

	st, err := s.NotificationState(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if st.Level != notification.LevelNone {
		t.Fatalf("expected none, got %s", st.Level)
	}

	if _, err := s.EnsureProject(ctx, id); err != nil {
		t.Fatal(err)
	}
	want := notification.State{
		ProjectID:    id,
		Level:        notification.LevelCritical,
		LastGranted:  decimal.NewFromInt(100),
		TransitionAt: t0,
	}
	if err := s.SaveNotificationState(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, err := s.NotificationState(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Level != want.Level || !got.LastGranted.Equal(want.LastGranted) || !got.TransitionAt.Equal(t0) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

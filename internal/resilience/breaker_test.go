package resilience

import (
	"errors"
	"testing"
	"time"
)

var errUpstream = errors.New("service unavailable")

// clock is a manually advanced time source.
type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int) (*Breaker, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := NewBreaker("test", maxFailures, time.Second)
	b.now = c.now
	return b, c
}

func fail() error    { return errUpstream }
func succeed() error { return nil }

func TestBreakerSequences(t *testing.T) {
	tests := []struct {
		name        string
		maxFailures int
		calls       []func() error
		wantState   string
	}{
		{"fresh breaker is closed", 3, nil, "closed"},
		{"failures below threshold", 3, []func() error{fail, fail}, "closed"},
		{"threshold reached", 3, []func() error{fail, fail, fail}, "open"},
		{"success resets count", 3, []func() error{fail, fail, succeed, fail, fail}, "closed"},
		{"zero threshold trips on first failure", 0, []func() error{fail}, "open"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := newTestBreaker(tt.maxFailures)
			for _, fn := range tt.calls {
				_ = b.Execute(fn)
			}
			if got := b.State(); got != tt.wantState {
				t.Fatalf("State() = %q, want %q", got, tt.wantState)
			}
		})
	}
}

func TestOpenBreakerRejectsWithoutCalling(t *testing.T) {
	b, _ := newTestBreaker(1)
	_ = b.Execute(fail)

	called := false
	err := b.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Fatal("fn must not run while the circuit is open")
	}
}

func TestHalfOpenProbe(t *testing.T) {
	tests := []struct {
		name      string
		probe     func() error
		wantState string
	}{
		{"success closes", succeed, "closed"},
		{"failure reopens", fail, "open"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, c := newTestBreaker(2)
			_ = b.Execute(fail)
			_ = b.Execute(fail)

			c.advance(2 * time.Second)
			if got := b.State(); got != "half-open" {
				t.Fatalf("after timeout State() = %q, want half-open", got)
			}
			if err := b.Execute(tt.probe); errors.Is(err, ErrCircuitOpen) {
				t.Fatal("probe was rejected")
			}
			if got := b.State(); got != tt.wantState {
				t.Fatalf("after probe State() = %q, want %q", got, tt.wantState)
			}
		})
	}
}

func TestReopenedBreakerWaitsFullTimeout(t *testing.T) {
	b, c := newTestBreaker(1)
	_ = b.Execute(fail)
	c.advance(2 * time.Second)
	_ = b.Execute(fail) // failed probe

	c.advance(500 * time.Millisecond)
	if err := b.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen before the new timeout, got %v", err)
	}
}

func TestIgnoredErrorsDoNotTrip(t *testing.T) {
	errNotFound := errors.New("not found")
	b, _ := newTestBreaker(2)
	b.SetIgnore(func(err error) bool { return errors.Is(err, errNotFound) })

	for range 5 {
		if err := b.Execute(func() error { return errNotFound }); !errors.Is(err, errNotFound) {
			t.Fatalf("expected errNotFound to pass through, got %v", err)
		}
	}
	if got := b.State(); got != "closed" {
		t.Fatalf("State() = %q, want closed", got)
	}
}

func TestName(t *testing.T) {
	b := NewBreaker("promscale", 3, time.Second)
	if b.Name() != "promscale" {
		t.Fatalf("Name() = %q", b.Name())
	}
}

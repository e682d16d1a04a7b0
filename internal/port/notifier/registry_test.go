package notifier

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
)

type stubNotifier struct{ name string }

func (s stubNotifier) Name() string                             { return s.name }
func (s stubNotifier) Capabilities() Capabilities               { return Capabilities{} }
func (s stubNotifier) Send(context.Context, Notification) error { return nil }

func TestRegistry(t *testing.T) {
	Register("test-stub", func(cfg map[string]string) (Notifier, error) {
		if cfg["fail"] != "" {
			return nil, errors.New("bad config")
		}
		return stubNotifier{name: "test-stub"}, nil
	})

	if !slices.Contains(Available(), "test-stub") {
		t.Fatalf("test-stub missing from %v", Available())
	}
	if !slices.IsSorted(Available()) {
		t.Fatal("Available must be sorted")
	}

	n, err := New("test-stub", nil)
	if err != nil || n.Name() != "test-stub" {
		t.Fatalf("New = %v, %v", n, err)
	}

	if _, err := New("test-stub", map[string]string{"fail": "1"}); err == nil || !strings.Contains(err.Error(), "test-stub") {
		t.Fatalf("factory error should name the notifier, got %v", err)
	}

	_, err = New("pager", nil)
	if err == nil || !strings.Contains(err.Error(), "test-stub") {
		t.Fatalf("unknown notifier error should list available ones, got %v", err)
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	Register("test-dup", func(map[string]string) (Notifier, error) { return stubNotifier{}, nil })
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	Register("test-dup", func(map[string]string) (Notifier, error) { return stubNotifier{}, nil })
}

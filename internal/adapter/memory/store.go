// Package memory provides an in-process ledger.Store for development and
// tests. State is lost on restart.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Strob0t/CreditForge/internal/domain"
	"github.com/Strob0t/CreditForge/internal/domain/credits"
	"github.com/Strob0t/CreditForge/internal/domain/notification"
	"github.com/Strob0t/CreditForge/internal/port/ledger"
)

// Store implements ledger.Store with maps guarded by a single mutex.
type Store struct {
	mu       sync.RWMutex
	now      func() time.Time
	projects map[string]*credits.Project
	entries  map[string][]credits.LedgerEntry // ordered by window
	states   map[string]notification.State
}

var _ ledger.Store = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		now:      time.Now,
		projects: make(map[string]*credits.Project),
		entries:  make(map[string][]credits.LedgerEntry),
		states:   make(map[string]notification.State),
	}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) ensure(projectID string) *credits.Project {
	p, ok := s.projects[projectID]
	if !ok {
		now := s.now().UTC()
		p = &credits.Project{ID: projectID, Active: true, CreatedAt: now, UpdatedAt: now}
		s.projects[projectID] = p
	}
	return p
}

func (s *Store) EnsureProject(_ context.Context, projectID string) (*credits.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := *s.ensure(projectID)
	return &p, nil
}

func (s *Store) GetProject(_ context.Context, projectID string) (*credits.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil, fmt.Errorf("get project %s: %w", projectID, domain.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ListProjects(context.Context) ([]credits.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]credits.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b credits.Project) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (s *Store) SetActive(_ context.Context, projectID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return fmt.Errorf("set active %s: %w", projectID, domain.ErrNotFound)
	}
	p.Active = active
	p.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) UpdateGranted(_ context.Context, projectID string, granted decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return fmt.Errorf("update granted %s: %w", projectID, domain.ErrNotFound)
	}
	p.GrantedCredits = granted
	p.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) LastEntry(_ context.Context, projectID string) (*credits.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e := s.last(projectID); e != nil {
		cp := *e
		return &cp, nil
	}
	return nil, fmt.Errorf("last entry %s: %w", projectID, domain.ErrNotFound)
}

func (s *Store) last(projectID string) *credits.LedgerEntry {
	es := s.entries[projectID]
	if len(es) == 0 {
		return nil
	}
	return &es[len(es)-1]
}

func (s *Store) lookup(projectID string, w credits.Window) *credits.LedgerEntry {
	for i := range s.entries[projectID] {
		if e := &s.entries[projectID][i]; e.Window.Equal(w) {
			return e
		}
	}
	return nil
}

func (s *Store) Lookup(_ context.Context, projectID string, w credits.Window) (*credits.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e := s.lookup(projectID, w); e != nil {
		cp := *e
		return &cp, nil
	}
	return nil, fmt.Errorf("lookup entry %s %s: %w", projectID, w, domain.ErrNotFound)
}

func (s *Store) Append(_ context.Context, entry credits.LedgerEntry) (*credits.LedgerEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.lookup(entry.ProjectID, entry.Window); e != nil {
		cp := *e
		return &cp, false, nil
	}
	if err := entry.FollowOn(s.last(entry.ProjectID)); err != nil {
		return nil, false, err
	}

	now := s.now().UTC()
	entry.CreatedAt = now
	entry.Items = slices.Clone(entry.Items)
	s.entries[entry.ProjectID] = append(s.entries[entry.ProjectID], entry)

	p := s.ensure(entry.ProjectID)
	p.UsedCredits = entry.Balance
	p.Watermark = entry.Window.End
	p.UpdatedAt = now

	return &entry, true, nil
}

func (s *Store) Entries(_ context.Context, projectID string, from, to time.Time) ([]credits.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []credits.LedgerEntry
	for _, e := range s.entries[projectID] {
		if !e.Window.Start.Before(from) && e.Window.Start.Before(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) Baselines(_ context.Context, projectID string) (map[string]credits.Baseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]credits.Baseline)
	es := s.entries[projectID]
	for i := len(es) - 1; i >= 0; i-- {
		for _, it := range es[i].Items {
			if _, seen := out[it.Resource]; !seen {
				out[it.Resource] = credits.Baseline{Raw: it.Raw, End: es[i].Window.End}
			}
		}
	}
	return out, nil
}

func (s *Store) NotificationState(_ context.Context, projectID string) (notification.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.states[projectID]; ok {
		return st, nil
	}
	return notification.State{ProjectID: projectID}, nil
}

func (s *Store) SaveNotificationState(_ context.Context, st notification.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.ProjectID] = st
	return nil
}

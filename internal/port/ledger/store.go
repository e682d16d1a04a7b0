// Package ledger defines the persistence port for projects, ledger entries
// and notification state.
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Strob0t/CreditForge/internal/domain/credits"
	"github.com/Strob0t/CreditForge/internal/domain/notification"
)

// Store persists the credits ledger.
//
// Append is the only way to add an entry. It is idempotent on
// (project, window): appending an entry whose key already exists returns the
// stored entry with created=false and changes nothing. The project watermark
// always equals the end of the newest entry and moves in the same
// transaction as the append.
type Store interface {
	// EnsureProject returns the project, creating it active with a zero
	// balance if it does not exist yet.
	EnsureProject(ctx context.Context, projectID string) (*credits.Project, error)
	// GetProject returns domain.ErrNotFound for unknown projects.
	GetProject(ctx context.Context, projectID string) (*credits.Project, error)
	ListProjects(ctx context.Context) ([]credits.Project, error)
	SetActive(ctx context.Context, projectID string, active bool) error
	UpdateGranted(ctx context.Context, projectID string, granted decimal.Decimal) error

	// LastEntry returns the newest entry, or domain.ErrNotFound.
	LastEntry(ctx context.Context, projectID string) (*credits.LedgerEntry, error)
	// Lookup returns the entry with exactly this window, or domain.ErrNotFound.
	Lookup(ctx context.Context, projectID string, w credits.Window) (*credits.LedgerEntry, error)
	// Append validates entry against the newest entry (FollowOn) and
	// stores it. A stored entry with the same key is returned unchanged.
	Append(ctx context.Context, entry credits.LedgerEntry) (stored *credits.LedgerEntry, created bool, err error)
	// Entries lists entries whose window starts in [from, to), oldest first.
	Entries(ctx context.Context, projectID string, from, to time.Time) ([]credits.LedgerEntry, error)
	// Baselines returns the latest raw reading per resource.
	Baselines(ctx context.Context, projectID string) (map[string]credits.Baseline, error)

	NotificationState(ctx context.Context, projectID string) (notification.State, error)
	SaveNotificationState(ctx context.Context, st notification.State) error

	Ping(ctx context.Context) error
}

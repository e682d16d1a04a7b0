package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/Strob0t/CreditForge/internal/domain"
	"github.com/Strob0t/CreditForge/internal/domain/credits"
	"github.com/Strob0t/CreditForge/internal/domain/notification"
	"github.com/Strob0t/CreditForge/internal/port/ledger"
)

// Store implements ledger.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ ledger.Store = (*Store)(nil)

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Projects ---

const projectColumns = `id, granted_credits::text, used_credits::text, active, watermark, created_at, updated_at`

func scanProject(row scannable) (credits.Project, error) {
	var (
		p             credits.Project
		granted, used string
		watermark     *time.Time
	)
	if err := row.Scan(&p.ID, &granted, &used, &p.Active, &watermark, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return p, err
	}
	var err error
	if p.GrantedCredits, err = parseDecimal(granted, "granted_credits"); err != nil {
		return p, err
	}
	if p.UsedCredits, err = parseDecimal(used, "used_credits"); err != nil {
		return p, err
	}
	p.Watermark = timeOrZero(watermark)
	return p, nil
}

func (s *Store) EnsureProject(ctx context.Context, projectID string) (*credits.Project, error) {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO projects (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, projectID); err != nil {
		return nil, fmt.Errorf("ensure project %s: %w", projectID, err)
	}
	return s.GetProject(ctx, projectID)
}

func (s *Store) GetProject(ctx context.Context, projectID string) (*credits.Project, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, projectID)
	p, err := scanProject(row)
	if err != nil {
		return nil, notFoundWrap(err, "get project %s", projectID)
	}
	return &p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]credits.Project, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []credits.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *Store) SetActive(ctx context.Context, projectID string, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET active = $2, updated_at = now() WHERE id = $1`, projectID, active)
	return execExpectOne(tag, err, "set active %s", projectID)
}

func (s *Store) UpdateGranted(ctx context.Context, projectID string, granted decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET granted_credits = $2::numeric, updated_at = now() WHERE id = $1`,
		projectID, granted.String())
	return execExpectOne(tag, err, "update granted %s", projectID)
}

// --- Ledger ---

const entryColumns = `project_id, window_start, window_end, cost::text, balance::text, precision, correlation_id, items, created_at`

func scanEntry(row scannable) (credits.LedgerEntry, error) {
	var (
		e             credits.LedgerEntry
		start, end    time.Time
		cost, balance string
		items         []byte
	)
	if err := row.Scan(&e.ProjectID, &start, &end, &cost, &balance, &e.Precision, &e.CorrelationID, &items, &e.CreatedAt); err != nil {
		return e, err
	}
	e.Window = credits.NewWindow(start, end)
	var err error
	if e.Cost, err = parseDecimal(cost, "cost"); err != nil {
		return e, err
	}
	if e.Balance, err = parseDecimal(balance, "balance"); err != nil {
		return e, err
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &e.Items); err != nil {
			return e, fmt.Errorf("decode items: %w", err)
		}
	}
	return e, nil
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func lastEntry(ctx context.Context, q querier, projectID string) (*credits.LedgerEntry, error) {
	row := q.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE project_id = $1 ORDER BY window_end DESC LIMIT 1`, projectID)
	e, err := scanEntry(row)
	if err != nil {
		return nil, notFoundWrap(err, "last entry %s", projectID)
	}
	return &e, nil
}

func lookup(ctx context.Context, q querier, projectID string, w credits.Window) (*credits.LedgerEntry, error) {
	row := q.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE project_id = $1 AND window_start = $2 AND window_end = $3`,
		projectID, w.Start, w.End)
	e, err := scanEntry(row)
	if err != nil {
		return nil, notFoundWrap(err, "lookup entry %s %s", projectID, w)
	}
	return &e, nil
}

func (s *Store) LastEntry(ctx context.Context, projectID string) (*credits.LedgerEntry, error) {
	return lastEntry(ctx, s.pool, projectID)
}

func (s *Store) Lookup(ctx context.Context, projectID string, w credits.Window) (*credits.LedgerEntry, error) {
	return lookup(ctx, s.pool, projectID, w)
}

// Append stores the entry and advances the project watermark and used
// credits in one transaction. The project row is locked for the duration so
// concurrent appends for one project serialize.
func (s *Store) Append(ctx context.Context, entry credits.LedgerEntry) (*credits.LedgerEntry, bool, error) {
	items, err := json.Marshal(entry.Items)
	if err != nil {
		return nil, false, fmt.Errorf("encode items: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO projects (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, entry.ProjectID); err != nil {
		return nil, false, fmt.Errorf("ensure project %s: %w", entry.ProjectID, err)
	}
	if _, err := tx.Exec(ctx, `SELECT 1 FROM projects WHERE id = $1 FOR UPDATE`, entry.ProjectID); err != nil {
		return nil, false, fmt.Errorf("lock project %s: %w", entry.ProjectID, err)
	}

	stored, err := lookup(ctx, tx, entry.ProjectID, entry.Window)
	switch {
	case err == nil:
		return stored, false, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, false, err
	}

	prev, err := lastEntry(ctx, tx, entry.ProjectID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, false, err
	}
	if err := entry.FollowOn(prev); err != nil {
		return nil, false, err
	}

	row := tx.QueryRow(ctx,
		`INSERT INTO ledger_entries (project_id, window_start, window_end, cost, balance, precision, correlation_id, items)
		 VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8)
		 RETURNING `+entryColumns,
		entry.ProjectID, entry.Window.Start, entry.Window.End, entry.Cost.String(), entry.Balance.String(),
		entry.Precision, entry.CorrelationID, items)
	created, err := scanEntry(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, false, fmt.Errorf("append %s: %w", entry.Key(), domain.ErrConflict)
		}
		return nil, false, fmt.Errorf("insert entry %s: %w", entry.Key(), err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE projects SET used_credits = $2::numeric, watermark = $3, updated_at = now() WHERE id = $1`,
		entry.ProjectID, entry.Balance.String(), entry.Window.End); err != nil {
		return nil, false, fmt.Errorf("advance watermark %s: %w", entry.ProjectID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit append: %w", err)
	}
	return &created, true, nil
}

func (s *Store) Entries(ctx context.Context, projectID string, from, to time.Time) ([]credits.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		 WHERE project_id = $1 AND window_start >= $2 AND window_start < $3
		 ORDER BY window_start ASC`, projectID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list entries %s: %w", projectID, err)
	}
	defer rows.Close()

	var entries []credits.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Baselines returns the raw reading of each resource from the newest entry
// that carries it.
func (s *Store) Baselines(ctx context.Context, projectID string) (map[string]credits.Baseline, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (item->>'resource') item->>'resource', item->>'raw', e.window_end
		 FROM ledger_entries e, jsonb_array_elements(e.items) AS item
		 WHERE e.project_id = $1
		 ORDER BY item->>'resource', e.window_end DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("baselines %s: %w", projectID, err)
	}
	defer rows.Close()

	out := make(map[string]credits.Baseline)
	for rows.Next() {
		var (
			resource, raw string
			end           time.Time
		)
		if err := rows.Scan(&resource, &raw, &end); err != nil {
			return nil, fmt.Errorf("scan baseline: %w", err)
		}
		v, err := parseDecimal(raw, "raw")
		if err != nil {
			return nil, err
		}
		out[resource] = credits.Baseline{Raw: v, End: end.UTC()}
	}
	return out, rows.Err()
}

// --- Notification state ---

func (s *Store) NotificationState(ctx context.Context, projectID string) (notification.State, error) {
	st := notification.State{ProjectID: projectID}
	var (
		level, granted string
		at             *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT level, last_granted::text, transition_at FROM notification_state WHERE project_id = $1`,
		projectID).Scan(&level, &granted, &at)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("notification state %s: %w", projectID, err)
	}
	if st.Level, err = notification.ParseLevel(level); err != nil {
		return st, err
	}
	if st.LastGranted, err = parseDecimal(granted, "last_granted"); err != nil {
		return st, err
	}
	st.TransitionAt = timeOrZero(at)
	return st, nil
}

func (s *Store) SaveNotificationState(ctx context.Context, st notification.State) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notification_state (project_id, level, last_granted, transition_at)
		 VALUES ($1, $2, $3::numeric, $4)
		 ON CONFLICT (project_id) DO UPDATE
		 SET level = EXCLUDED.level, last_granted = EXCLUDED.last_granted,
		     transition_at = EXCLUDED.transition_at, updated_at = now()`,
		st.ProjectID, st.Level.String(), st.LastGranted.String(), nullTime(st.TransitionAt))
	if err != nil {
		return fmt.Errorf("save notification state %s: %w", st.ProjectID, err)
	}
	return nil
}

package credits

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// LineItem is the contribution of one resource type to a ledger entry.
type LineItem struct {
	Resource string          `json:"resource"`
	Raw      decimal.Decimal `json:"raw"`   // raw reading, baseline for the next window
	Delta    decimal.Decimal `json:"delta"` // billed usage
	Cost     decimal.Decimal `json:"cost"`  // unrounded
	Reset    bool            `json:"reset,omitempty"`
}

// LedgerEntry is the immutable record of credits charged for one window.
// (ProjectID, Window) is its idempotency key.
type LedgerEntry struct {
	ProjectID     string          `json:"project_id"`
	Window        Window          `json:"window"`
	Cost          decimal.Decimal `json:"cost"`    // rounded once, at creation
	Balance       decimal.Decimal `json:"balance"` // cumulative used credits after this entry
	Precision     int32           `json:"precision"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Items         []LineItem      `json:"items,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Key returns the idempotency key of the entry.
func (e *LedgerEntry) Key() string {
	return e.ProjectID + "@" + e.Window.Key()
}

// SameAs reports whether e and o describe the same charge. Used to tell an
// idempotent replay from a conflicting rewrite.
func (e *LedgerEntry) SameAs(o *LedgerEntry) bool {
	return e.ProjectID == o.ProjectID && e.Window.Equal(o.Window) && e.Cost.Equal(o.Cost)
}

// FollowOn checks that e may be appended after prev (nil for the first
// entry of a project): windows never overlap or go backwards, and the
// balance carries forward by exactly the entry cost.
func (e *LedgerEntry) FollowOn(prev *LedgerEntry) error {
	if !e.Window.Valid() {
		return fmt.Errorf("%w: %s", ErrMalformedMeasurement, e.Window)
	}
	base := decimal.Zero
	if prev != nil {
		if e.Window.Start.Before(prev.Window.End) {
			return fmt.Errorf("%w: %s starts before %s ends", ErrWindowOverlap, e.Window, prev.Window)
		}
		base = prev.Balance
	}
	if want := base.Add(e.Cost); !e.Balance.Equal(want) {
		return fmt.Errorf("%w: %s: balance %s, expected %s", ErrBalanceMismatch, e.Window, e.Balance, want)
	}
	return nil
}

// Baseline is the last raw counter reading seen for one resource.
type Baseline struct {
	Raw decimal.Decimal
	End time.Time // end of the window the reading belongs to
}

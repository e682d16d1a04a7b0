// Package credits defines the accounting entities: projects, measurement
// windows, usage measurements and ledger entries.
package credits

import (
	"time"

	"github.com/shopspring/decimal"
)

// Project is a billable tenant of the cloud. Projects are created on their
// first observed measurement and never deleted, only deactivated.
type Project struct {
	ID             string          `json:"id"`
	GrantedCredits decimal.Decimal `json:"granted_credits"`
	UsedCredits    decimal.Decimal `json:"used_credits"`
	Active         bool            `json:"active"`
	Watermark      time.Time       `json:"watermark"` // end of the last ledger window
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Remaining returns the credits left before exhaustion. It may be negative.
func (p *Project) Remaining() decimal.Decimal {
	return p.GrantedCredits.Sub(p.UsedCredits)
}

// Kind tells how a measurement value is interpreted.
type Kind string

const (
	// KindCounter values are cumulative readings of a monotonic counter.
	KindCounter Kind = "counter"
	// KindDelta values are the usage within the window itself.
	KindDelta Kind = "delta"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindCounter || k == KindDelta
}

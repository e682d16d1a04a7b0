package credits

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// UsageMeasurement is one reading of one resource type for one project over
// a window. Measurements are immutable once fetched.
type UsageMeasurement struct {
	ProjectID string          `json:"project_id"`
	Resource  string          `json:"resource"`
	Window    Window          `json:"window"`
	Value     decimal.Decimal `json:"value"`
	Kind      Kind            `json:"kind"`
	Sequence  int64           `json:"sequence"` // source ordering, higher wins on duplicates
}

// Validate checks the measurement is well formed.
func (m *UsageMeasurement) Validate() error {
	var err error
	switch {
	case m.ProjectID == "":
		err = errors.New("project id is required")
	case m.Resource == "":
		err = errors.New("resource is required")
	case !m.Window.Valid():
		err = fmt.Errorf("invalid window %s", m.Window)
	case m.Value.IsNegative():
		err = fmt.Errorf("negative value %s", m.Value)
	case !m.Kind.Valid():
		err = fmt.Errorf("unknown kind %q", m.Kind)
	}
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrMalformedMeasurement, m.Resource, m.Window, err)
	}
	return nil
}

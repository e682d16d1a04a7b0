package credits

import (
	"errors"
	"fmt"
)

// ErrData is the root of all data errors: input that will not become valid
// by retrying. A data error aborts the task for one project only.
var ErrData = errors.New("data error")

var (
	ErrUnknownResource      = fmt.Errorf("%w: unknown resource type", ErrData)
	ErrMalformedMeasurement = fmt.Errorf("%w: malformed measurement", ErrData)
	ErrNonMonotonic         = fmt.Errorf("%w: window not monotonic", ErrData)

	// Ledger invariant violations are reported as data errors as well.
	ErrWindowOverlap   = fmt.Errorf("%w: ledger invariant violated: overlapping window", ErrData)
	ErrBalanceMismatch = fmt.Errorf("%w: ledger invariant violated: balance mismatch", ErrData)
)

// IsData reports whether err is a data error and must not be retried.
func IsData(err error) bool {
	return errors.Is(err, ErrData)
}

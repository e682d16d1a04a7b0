// Package measurement defines the port for reading usage measurements from
// the metrics source.
package measurement

import (
	"context"
	"time"

	"github.com/Strob0t/CreditForge/internal/domain/credits"
)

// Batch is the result of one fetch.
type Batch struct {
	// Measurements are ordered by window start and free of duplicates.
	Measurements []credits.UsageMeasurement
	// Dropped counts duplicates removed during normalization.
	Dropped int
}

// Fetcher reads measurements. The source is eventually consistent and may
// deliver duplicates or out of order readings; implementations pass their
// raw results through Normalize.
type Fetcher interface {
	// Projects lists project ids that have measurements.
	Projects(ctx context.Context) ([]string, error)
	// Fetch returns complete windows starting at or after since.
	Fetch(ctx context.Context, projectID string, since time.Time) (Batch, error)
}

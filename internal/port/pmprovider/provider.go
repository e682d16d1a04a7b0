// Package pmprovider defines the port interface for the project management
// system that owns granted-credit allotments.
package pmprovider

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrNotSupported is returned when a provider does not support the requested operation.
var ErrNotSupported = errors.New("operation not supported by this provider")

// Provider is the port interface for the project management system.
type Provider interface {
	// Name returns the provider identifier (e.g., "portal").
	Name() string

	// GrantedCredits returns the credits granted to a project.
	// Unknown projects yield domain.ErrNotFound.
	GrantedCredits(ctx context.Context, projectID string) (decimal.Decimal, error)

	// ReportUsage publishes the current used credits of a project.
	ReportUsage(ctx context.Context, projectID string, used decimal.Decimal) error
}

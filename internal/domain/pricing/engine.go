// Package pricing converts usage into credits.
//
// The engine is pure: it holds a read-only rate table and a precision and
// has no side effects. Costs are kept unrounded until a ledger entry is
// created, where Round is applied exactly once using banker's rounding.
package pricing

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/Strob0t/CreditForge/internal/domain/credits"
)

// Rate is the price of one unit of a resource type.
type Rate struct {
	PerUnit decimal.Decimal `json:"per_unit"`
	Kind    credits.Kind    `json:"kind"`
	Name    string          `json:"name,omitempty"`
}

// Engine prices usage deltas.
type Engine struct {
	rates     map[string]Rate
	precision int32
}

// New returns an engine over a copy of rates.
func New(rates map[string]Rate, precision int32) *Engine {
	cp := make(map[string]Rate, len(rates))
	for k, v := range rates {
		cp[k] = v
	}
	return &Engine{rates: cp, precision: precision}
}

// Precision returns the number of decimal places credits are rounded to.
func (e *Engine) Precision() int32 { return e.precision }

// Rate returns the rate of resource.
func (e *Engine) Rate(resource string) (Rate, error) {
	r, ok := e.rates[resource]
	if !ok {
		return Rate{}, fmt.Errorf("%w: %q", credits.ErrUnknownResource, resource)
	}
	return r, nil
}

// Price returns the unrounded cost of delta units of resource.
func (e *Engine) Price(resource string, delta decimal.Decimal) (decimal.Decimal, error) {
	r, err := e.Rate(resource)
	if err != nil {
		return decimal.Zero, err
	}
	return delta.Mul(r.PerUnit), nil
}

// Round applies banker's rounding at the configured precision.
func (e *Engine) Round(cost decimal.Decimal) decimal.Decimal {
	return cost.RoundBank(e.precision)
}

// CostsPerHour prices a machine shape, e.g. {"cpu": 4, "ram": 8}
// for one hour. Each term is rounded, then the sum.
func (e *Engine) CostsPerHour(machine map[string]decimal.Decimal) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, resource := range sortedKeys(machine) {
		cost, err := e.Price(resource, machine[resource])
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(e.Round(cost))
	}
	return e.Round(total), nil
}

// Rates returns a copy of the rate table.
func (e *Engine) Rates() map[string]Rate {
	cp := make(map[string]Rate, len(e.rates))
	for k, v := range e.rates {
		cp[k] = v
	}
	return cp
}

// Resources returns the priced resource names in sorted order.
func (e *Engine) Resources() []string {
	return sortedKeys(e.rates)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

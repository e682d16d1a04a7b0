package service

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Strob0t/CreditForge/internal/config"
	"github.com/Strob0t/CreditForge/internal/domain/credits"
	"github.com/Strob0t/CreditForge/internal/domain/notification"
	"github.com/Strob0t/CreditForge/internal/domain/pricing"
)

// ConfigSource hands out the active configuration snapshot.
type ConfigSource interface {
	Current() *config.Config
}

// StaticConfig serves one fixed snapshot.
type StaticConfig struct{ Config *config.Config }

func (s StaticConfig) Current() *config.Config { return s.Config }

// NewPricingEngine builds the pricing engine for an accounting snapshot.
func NewPricingEngine(a *config.Accounting) (*pricing.Engine, error) {
	rates := make(map[string]pricing.Rate, len(a.Resources))
	for name, r := range a.Resources {
		perUnit, err := decimal.NewFromString(r.Rate)
		if err != nil {
			return nil, fmt.Errorf("rate for %s: %w", name, err)
		}
		kind := credits.Kind(r.Kind)
		if kind == "" {
			kind = credits.KindCounter
		}
		rates[name] = pricing.Rate{PerUnit: perUnit, Kind: kind, Name: r.Name}
	}
	return pricing.New(rates, a.Precision), nil
}

// ResourceKinds returns the metric names of the rate table with their kind.
func ResourceKinds(a *config.Accounting) map[string]credits.Kind {
	out := make(map[string]credits.Kind, len(a.Resources))
	for name, r := range a.Resources {
		kind := credits.Kind(r.Kind)
		if kind == "" {
			kind = credits.KindCounter
		}
		out[name] = kind
	}
	return out
}

// thresholdsFor parses the configured notification thresholds.
func thresholdsFor(a *config.Accounting) (notification.Thresholds, error) {
	return notification.ParseThresholds(a.Thresholds.Warning, a.Thresholds.Critical, a.Thresholds.Exhausted)
}

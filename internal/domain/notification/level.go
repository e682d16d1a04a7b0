// Package notification implements the threshold state machine that decides
// when a project's remaining balance warrants a notification.
package notification

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Level is the severity of a project's remaining balance.
// Levels are ordered: None < Warning < Critical < Exhausted.
type Level int

const (
	LevelNone Level = iota
	LevelWarning
	LevelCritical
	LevelExhausted
)

var levelNames = [...]string{"none", "warning", "critical", "exhausted"}

func (l Level) String() string {
	if l < LevelNone || l > LevelExhausted {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// MarshalText encodes the level by name.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name.
func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// ParseLevel converts a level name.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return Level(i), nil
		}
	}
	return LevelNone, fmt.Errorf("unknown notification level %q", s)
}

// Threshold is the remaining balance at or below which a level applies.
type Threshold struct {
	Level    Level
	Value    decimal.Decimal
	Relative bool // Value is a percentage of the granted credits
}

// Limit returns the absolute remaining balance for the given grant.
func (t Threshold) Limit(granted decimal.Decimal) decimal.Decimal {
	if t.Relative {
		return granted.Mul(t.Value).Div(decimal.NewFromInt(100))
	}
	return t.Value
}

// Thresholds is the configured set of levels.
type Thresholds []Threshold

// ParseThresholds builds thresholds from "50%" or "12.5" style values.
// Empty values disable the level. The result is checked with Validate.
func ParseThresholds(warning, critical, exhausted string) (Thresholds, error) {
	var ts Thresholds
	for _, in := range []struct {
		level Level
		value string
	}{
		{LevelWarning, warning},
		{LevelCritical, critical},
		{LevelExhausted, exhausted},
	} {
		if in.value == "" {
			continue
		}
		raw, relative := strings.CutSuffix(strings.TrimSpace(in.value), "%")
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("threshold %s: %w", in.level, err)
		}
		ts = append(ts, Threshold{Level: in.level, Value: v, Relative: relative})
	}
	if err := ts.Validate(); err != nil {
		return nil, err
	}
	return ts, nil
}

// Validate checks that limits strictly decrease with severity. A relative
// and an absolute limit cannot be compared without a grant and are not
// checked against each other.
func (ts Thresholds) Validate() error {
	for i, lo := range ts {
		if lo.Value.IsNegative() {
			return fmt.Errorf("threshold %s must not be negative", lo.Level)
		}
		for _, hi := range ts[i+1:] {
			if hi.Level <= lo.Level || hi.Relative != lo.Relative {
				continue
			}
			if !hi.Value.LessThan(lo.Value) {
				return fmt.Errorf("threshold %s (%s) must be below %s (%s)",
					hi.Level, hi.Value, lo.Level, lo.Value)
			}
		}
	}
	return nil
}

// LevelFor returns the highest level whose limit the remaining balance has
// reached.
func (ts Thresholds) LevelFor(remaining, granted decimal.Decimal) Level {
	level := LevelNone
	for _, t := range ts {
		if t.Level > level && remaining.LessThanOrEqual(t.Limit(granted)) {
			level = t.Level
		}
	}
	return level
}

package notification

import (
	"time"

	"github.com/shopspring/decimal"
)

// State is the persisted notification state of one project.
type State struct {
	ProjectID    string          `json:"project_id"`
	Level        Level           `json:"level"`
	LastGranted  decimal.Decimal `json:"last_granted"`
	TransitionAt time.Time       `json:"transition_at"`
}

// Observation is the balance seen after an accounting task.
type Observation struct {
	Remaining decimal.Decimal
	Granted   decimal.Decimal
	At        time.Time
}

// Policy tunes transitions.
type Policy struct {
	// NotifyOnRecovery emits a resolved event when a top-up lowers the level.
	NotifyOnRecovery bool
}

// Event is emitted once per transition.
type Event struct {
	ProjectID string          `json:"project"`
	Level     Level           `json:"threshold"`
	Previous  Level           `json:"previous"`
	Resolved  bool            `json:"resolved,omitempty"`
	Remaining decimal.Decimal `json:"balance"`
	Granted   decimal.Decimal `json:"granted"`
	At        time.Time       `json:"timestamp"`
}

// Used returns the consumed credits at the time of the event.
func (e *Event) Used() decimal.Decimal {
	return e.Granted.Sub(e.Remaining)
}

// Evaluate computes the next state from an observation. It returns an
// event when the level rises, and on a top-up that lowers the level only if
// the policy asks for it. A lower level without a larger grant is ignored:
// the balance cannot recover without a top-up.
func Evaluate(st State, obs Observation, ts Thresholds, p Policy) (State, *Event) {
	level := ts.LevelFor(obs.Remaining, obs.Granted)
	toppedUp := obs.Granted.GreaterThan(st.LastGranted)

	next := st
	next.LastGranted = obs.Granted

	switch {
	case level > st.Level:
		next.Level = level
		next.TransitionAt = obs.At
		return next, &Event{
			ProjectID: st.ProjectID,
			Level:     level,
			Previous:  st.Level,
			Remaining: obs.Remaining,
			Granted:   obs.Granted,
			At:        obs.At,
		}
	case level < st.Level && toppedUp:
		next.Level = level
		next.TransitionAt = obs.At
		if !p.NotifyOnRecovery {
			return next, nil
		}
		return next, &Event{
			ProjectID: st.ProjectID,
			Level:     level,
			Previous:  st.Level,
			Resolved:  true,
			Remaining: obs.Remaining,
			Granted:   obs.Granted,
			At:        obs.At,
		}
	default:
		return next, nil
	}
}

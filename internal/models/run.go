package models

import (
	"fmt"
	"strings"
	"time"
)

// Action selects how a fetch run treats series that already exist on disk.
type Action string

const (
	ActionInitialLoad Action = "initial_load" // ActionInitialLoad fetches full history from the start date and overwrites
	ActionUpdate      Action = "update"       // ActionUpdate resumes every series from its last persisted open time
	ActionRecreate    Action = "recreate"     // ActionRecreate deletes a series before fetching it again
)

// ErrUnknownAction is returned by ParseAction for unrecognized input.
type ErrUnknownAction struct {
	Value string
}

func (e ErrUnknownAction) Error() string {
	return fmt.Sprintf("unknown action %q: expected one of initial_load, update, recreate", e.Value)
}

// ParseAction converts user input into an Action.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionInitialLoad, ActionUpdate, ActionRecreate:
		return a, nil
	default:
		return "", ErrUnknownAction{Value: s}
	}
}

// RunStatus represents the outcome of one base-currency run.
type RunStatus string

const (
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RunRecord summarizes one base-currency run. It is what the journal stores
// and what the scheduler reports back to the CLI.
type RunRecord struct {
	RunID          string    `json:"run_id"`
	Action         Action    `json:"action"`
	BaseCurrency   string    `json:"base_currency"`
	Interval       string    `json:"interval"`
	Symbols        int       `json:"symbols"`
	CallCost       int       `json:"call_cost"`
	BatchSize      int       `json:"batch_size"`
	Batches        int       `json:"batches"`
	CandlesWritten int       `json:"candles_written"`
	Status         RunStatus `json:"status"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Duration returns how long the run took.
func (r RunRecord) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

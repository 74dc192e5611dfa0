// Package checks classifies CI status-check records and detects when the
// reviewer's check transitions to a finished state.
package checks

import "strings"

// CheckState is the canonical state of a status check, independent of
// whether the provider reported it as a legacy status context or a check run.
type CheckState string

const (
	StatePending   CheckState = "pending"
	StateSuccess   CheckState = "success"
	StateFailure   CheckState = "failure"
	StateError     CheckState = "error"
	StateCancelled CheckState = "cancelled"
	StateSkipped   CheckState = "skipped"
	StateUnknown   CheckState = "unknown"
)

// Terminal reports whether the state will not change further.
func (s CheckState) Terminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateError, StateCancelled, StateSkipped:
		return true
	}
	return false
}

// StatusCheck is one entry of a pull request's status check rollup as
// reported by `gh pr list --json statusCheckRollup`. Legacy status contexts
// carry Context and State; check runs carry Name, Status, and Conclusion.
type StatusCheck struct {
	Context    string `json:"context"`
	Name       string `json:"name"`
	State      string `json:"state"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	StartedAt  string `json:"startedAt"`
}

// ContextName returns whichever of Context or Name the provider populated.
func (c StatusCheck) ContextName() string {
	if c.Context != "" {
		return c.Context
	}
	return c.Name
}

// Classify maps a raw status check into its canonical state. The legacy
// State field wins when present; otherwise the Status/Conclusion pair is
// used, and anything not yet completed is Pending regardless of conclusion.
func Classify(c StatusCheck) CheckState {
	if c.State != "" {
		switch strings.ToUpper(c.State) {
		case "SUCCESS":
			return StateSuccess
		case "FAILURE":
			return StateFailure
		case "ERROR":
			return StateError
		case "PENDING", "EXPECTED":
			return StatePending
		default:
			return StateUnknown
		}
	}

	if !strings.EqualFold(c.Status, "COMPLETED") {
		return StatePending
	}

	switch strings.ToUpper(c.Conclusion) {
	case "SUCCESS", "NEUTRAL":
		return StateSuccess
	case "FAILURE":
		return StateFailure
	case "TIMED_OUT", "ACTION_REQUIRED":
		return StateError
	case "CANCELLED":
		return StateCancelled
	case "SKIPPED":
		return StateSkipped
	default:
		return StateUnknown
	}
}

// PRStatus is a snapshot of a pull request's head and status checks.
type PRStatus struct {
	Number  int           `json:"number"`
	HeadSHA string        `json:"headRefOid"`
	Checks  []StatusCheck `json:"statusCheckRollup"`
}

// FindCheck returns the first check whose context/name matches exactly.
func (p *PRStatus) FindCheck(context string) (StatusCheck, bool) {
	for _, c := range p.Checks {
		if c.ContextName() == context {
			return c, true
		}
	}
	return StatusCheck{}, false
}

// CompletionSignal is emitted when the reviewer's check reaches a terminal
// state it was not already in. StartedAt is the check's own start timestamp,
// kept as the raw string since it serves as part of the round identity.
type CompletionSignal struct {
	PRNumber  int
	HeadSHA   string
	State     CheckState
	StartedAt string
}

// DetectCompletion compares a previous and current PR status snapshot and
// decides whether the reviewer check named by context just finished. prev may
// be nil on first observation. A signal is suppressed when the previous
// snapshot already showed the same terminal state with the same start time,
// so re-polling an unchanged check emits nothing.
func DetectCompletion(prev, curr *PRStatus, context string) (CompletionSignal, bool) {
	if curr == nil || curr.Number == 0 || curr.HeadSHA == "" {
		return CompletionSignal{}, false
	}

	check, ok := curr.FindCheck(context)
	if !ok {
		return CompletionSignal{}, false
	}

	state := Classify(check)
	if !state.Terminal() {
		return CompletionSignal{}, false
	}

	if prev != nil {
		if prevCheck, ok := prev.FindCheck(context); ok {
			prevState := Classify(prevCheck)
			if prevState.Terminal() && prevState == state && prevCheck.StartedAt == check.StartedAt {
				return CompletionSignal{}, false
			}
		}
	}

	return CompletionSignal{
		PRNumber:  curr.Number,
		HeadSHA:   curr.HeadSHA,
		State:     state,
		StartedAt: check.StartedAt,
	}, true
}

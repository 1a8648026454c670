package sandbox

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state stored in user_sandboxes.sandbox_status
type Status string

const (
	StatusStarting Status = "starting"
	StatusActive   Status = "active"
	StatusPausing  Status = "pausing"
	StatusPaused   Status = "paused"
	StatusResuming Status = "resuming"
	StatusDeleted  Status = "deleted"
	StatusError    Status = "error"

	// Work states are sub-states of active reported while the agent
	// is changing the app inside the sandbox.
	StatusLoading   Status = "loading"
	StatusRendering Status = "rendering"
	StatusBundling  Status = "bundling"
	StatusChanging  Status = "changing"
)

var ErrIllegalTransition = errors.New("illegal sandbox status transition")

var workStates = []Status{StatusLoading, StatusRendering, StatusBundling, StatusChanging}

var transitions = map[Status][]Status{
	"":             {StatusStarting},
	StatusStarting: {StatusActive, StatusError, StatusDeleted},
	StatusActive: append([]Status{StatusPausing, StatusError, StatusDeleted},
		workStates...),
	StatusPausing:  {StatusPaused, StatusActive, StatusError, StatusDeleted},
	StatusPaused:   {StatusResuming, StatusError, StatusDeleted},
	StatusResuming: {StatusActive, StatusError, StatusDeleted},
	StatusError:    {StatusActive, StatusDeleted},
	StatusDeleted:  nil,
}

func init() {
	for _, w := range workStates {
		next := []Status{StatusActive, StatusError, StatusDeleted}
		for _, o := range workStates {
			if o != w {
				next = append(next, o)
			}
		}
		transitions[w] = next
	}
}

// AllStatuses lists every known status
func AllStatuses() []Status {
	return append([]Status{
		StatusStarting, StatusActive, StatusPausing, StatusPaused,
		StatusResuming, StatusDeleted, StatusError,
	}, workStates...)
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok && s != ""
}

// IsTerminal reports whether no lifecycle task will move s forward on its own
func (s Status) IsTerminal() bool {
	return s == StatusDeleted || s == StatusError
}

// IsLive reports whether a row in this status still backs its app
func (s Status) IsLive() bool {
	return s.Valid() && !s.IsTerminal()
}

// IsWork reports whether s is one of the agent work sub-states of active
func (s Status) IsWork() bool {
	for _, w := range workStates {
		if s == w {
			return true
		}
	}
	return false
}

// IsTransient reports whether s is expected to resolve on its own
func (s Status) IsTransient() bool {
	switch s {
	case StatusStarting, StatusPausing, StatusResuming:
		return true
	}
	return s.IsWork()
}

// Running reports whether the container is up and serving traffic
func (s Status) Running() bool {
	return s == StatusActive || s.IsWork()
}

// CanTransition reports whether moving from one status to another is legal
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates a status change and returns the new status
func Transition(from, to Status) (Status, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %q -> %q", ErrIllegalTransition, from, to)
	}
	return to, nil
}

// LiveStatuses lists the statuses in which a sandbox row backs its app
func LiveStatuses() []Status {
	var out []Status
	for _, s := range AllStatuses() {
		if s.IsLive() {
			out = append(out, s)
		}
	}
	return out
}

// ResetStatuses lists the statuses reset-stuck force-sets to active
func ResetStatuses() []Status {
	return append([]Status{StatusStarting}, workStates...)
}

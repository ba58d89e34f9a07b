package acquisition

import (
	"time"

	"github.com/xtxerr/lidarlog/internal/constants"
)

// State is the controller lifecycle state.
//
//	Idle ──Start──▶ Starting ──ok──▶ Running ──Stop──▶ Stopping ──▶ Idle
//	                   │ fail                 │ fatal loop error
//	                   ▼                      ▼
//	                  Idle                 Stopping ──▶ Idle
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

// String returns the state name reported by the status endpoint.
func (s State) String() string {
	switch s {
	case StateIdle:
		return constants.StateIdle
	case StateStarting:
		return constants.StateStarting
	case StateRunning:
		return constants.StateRunning
	case StateStopping:
		return constants.StateStopping
	default:
		return "unknown"
	}
}

// SessionHandle identifies the session a Start created.
type SessionHandle struct {
	Filename  string    `json:"filename"`
	Day       string    `json:"day"`
	Session   string    `json:"session"`
	StartTime time.Time `json:"start_time"`
}

// Path returns "day/session".
func (h SessionHandle) Path() string {
	return h.Day + "/" + h.Session
}

// Status is a point-in-time view of the controller.
type Status struct {
	State        string         `json:"state"`
	Session      *SessionHandle `json:"session,omitempty"`
	Rows         int64          `json:"rows"`
	Polls        int64          `json:"polls"`
	PollFailures int64          `json:"poll_failures"`
	LastError    string         `json:"last_error,omitempty"`
}

package supervisor

import (
	"time"

	"github.com/butter-bot-machines/corral/pkg/logrouter"
	"github.com/butter-bot-machines/corral/pkg/process"
)

// State is the lifecycle state of a managed unit
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateCrashed  State = "crashed"
	StateBackoff  State = "backoff"
	StateDisabled State = "disabled"
)

// transitions lists the states reachable from each state
var transitions = map[State][]State{
	StateStopped:  {StateStarting, StateBackoff},
	StateStarting: {StateRunning, StateStopping, StateCrashed},
	StateRunning:  {StateStopping, StateCrashed},
	StateStopping: {StateStopped},
	StateCrashed:  {StateBackoff, StateDisabled},
	StateBackoff:  {StateStarting, StateStopped},
	StateDisabled: {StateStarting, StateStopped},
}

// CanTransition reports whether a handle may move from one state to another
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Alive reports whether the state holds a live OS process
func (s State) Alive() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

// Terminal reports whether the state waits for an operator command
func (s State) Terminal() bool {
	return s == StateStopped || s == StateDisabled
}

// Transition is one recorded state change
type Transition struct {
	Name string
	From State
	To   State
	At   time.Time
}

// Snapshot is a point-in-time copy of a handle, safe to share
type Snapshot struct {
	Name   string `json:"name"`
	Script string `json:"script"`
	State  State  `json:"state"`
	PID    int    `json:"pid,omitempty"`

	// Restarts counts process replacements by restart, reload, watch
	// and memory enforcement
	Restarts int `json:"restarts"`
	// Crashes counts unexpected exits and spawn failures since the
	// last operator start
	Crashes int `json:"crashes"`

	LastExit      *process.ExitStatus `json:"last_exit,omitempty"`
	LastError     string              `json:"last_error,omitempty"`
	LastErrorKind string              `json:"last_error_kind,omitempty"`

	StartedAt   time.Time     `json:"started_at,omitempty"`
	Uptime      time.Duration `json:"uptime"`
	NextRestart time.Duration `json:"next_restart,omitempty"`

	Memory      uint64 `json:"memory"`
	MemoryLimit uint64 `json:"memory_limit,omitempty"`

	Watching bool            `json:"watching"`
	Logs     logrouter.Paths `json:"logs"`
	LogStats logrouter.Stats `json:"log_stats"`
}

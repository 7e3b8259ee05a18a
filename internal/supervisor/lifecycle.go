package supervisor

import (
	"errors"
	"sync/atomic"
)

// ErrAlreadyRunning is returned by Begin when the lifecycle is not idle.
var ErrAlreadyRunning = errors.New("supervisor: an instance is already running in this process")

type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting down"
	}
	return "unknown"
}

// Lifecycle guards a process against starting the bot twice. Transitions
// only move forward: idle -> starting -> running -> shutting down -> idle.
type Lifecycle struct {
	state atomic.Int32
}

func NewLifecycle() *Lifecycle {
	return &Lifecycle{}
}

func (l *Lifecycle) State() State {
	return State(l.state.Load())
}

// Begin claims the lifecycle. It fails unless the lifecycle is idle.
func (l *Lifecycle) Begin() error {
	if !l.state.CompareAndSwap(int32(StateIdle), int32(StateStarting)) {
		return ErrAlreadyRunning
	}
	return nil
}

func (l *Lifecycle) MarkRunning() bool {
	return l.state.CompareAndSwap(int32(StateStarting), int32(StateRunning))
}

// BeginShutdown moves a starting or running lifecycle to shutting down. It
// returns false if shutdown already began or nothing was started.
func (l *Lifecycle) BeginShutdown() bool {
	return l.state.CompareAndSwap(int32(StateRunning), int32(StateShuttingDown)) ||
		l.state.CompareAndSwap(int32(StateStarting), int32(StateShuttingDown))
}

// Finish releases the guard.
func (l *Lifecycle) Finish() {
	l.state.Store(int32(StateIdle))
}

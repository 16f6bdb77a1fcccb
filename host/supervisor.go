package host

import (
	"sync"
	"time"

	tuttierrors "github.com/PoHsuanLai/tutti-plugin/errors"
	"github.com/PoHsuanLai/tutti-plugin/protocol"
)

// State is the lifecycle state of a plugin instance.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateProcessing
	StateCrashed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateProcessing:
		return "processing"
	case StateCrashed:
		return "crashed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// transitions lists the legal state machine edges. Crash and close edges are
// handled separately: any state may crash, and any state may close.
var transitions = map[State][]State{
	StateUnloaded:   {StateLoading},
	StateLoading:    {StateReady, StateUnloaded},
	StateReady:      {StateProcessing, StateLoading, StateUnloaded},
	StateProcessing: {StateReady},
	StateCrashed:    {StateUnloaded},
}

// supervisor tracks the instance state machine and crash evidence. A crashed
// instance never respawns; it only transitions to Unloaded once the host has
// released its resources.
type supervisor struct {
	mu      sync.Mutex
	state   State
	crash   *tuttierrors.CrashError
	reports chan protocol.CrashReport
}

func newSupervisor() *supervisor {
	return &supervisor{reports: make(chan protocol.CrashReport, 4)}
}

func (s *supervisor) current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves to next if the edge is legal from the current state.
func (s *supervisor) transition(op string, next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateCrashed && next != StateUnloaded {
		return s.crash
	}
	for _, allowed := range transitions[s.state] {
		if allowed == next {
			s.state = next
			return nil
		}
	}
	return &tuttierrors.StateError{Operation: op, State: s.state.String()}
}

// markCrashed records the first crash evidence, moves to Crashed, and emits
// one report. Later calls are ignored; a closed instance cannot crash.
func (s *supervisor) markCrashed(reason, detail string, pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateCrashed || s.state == StateClosed {
		return
	}
	s.state = StateCrashed
	s.crash = &tuttierrors.CrashError{Reason: reason, Detail: detail, PID: pid}
	select {
	case s.reports <- protocol.CrashReport{
		PID:       pid,
		Reason:    reason,
		Detail:    detail,
		Timestamp: time.Now(),
	}:
	default:
	}
}

// close is terminal. Closing the report channel releases consumers that
// range over Reports; markCrashed never sends once the state is Closed.
func (s *supervisor) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	close(s.reports)
}

// crashErr returns the recorded crash, if any.
func (s *supervisor) crashErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.crash != nil {
		return s.crash
	}
	return nil
}

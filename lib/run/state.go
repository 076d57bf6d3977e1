// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package run

import "fmt"

// State is a run's lifecycle state.
type State int

const (
	// Initialized: the worker is not running the workflow yet. It may
	// or may not have been launched.
	Initialized State = iota
	// Operating: the workflow is executing and holds an operating
	// slot.
	Operating
	// Stopped: execution is paused; the worker and its files remain
	// reachable.
	Stopped
	// Finished: execution is over, normally or not. Outputs remain
	// retrievable while the worker lives.
	Finished
	// Destroyed: terminal. Every resource has been released.
	Destroyed
)

var stateNames = [...]string{
	Initialized: "initialized",
	Operating:   "operating",
	Stopped:     "stopped",
	Finished:    "finished",
	Destroyed:   "destroyed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(stateNames) {
		return nil, fmt.Errorf("unknown run state %d", int(s))
	}
	return []byte(stateNames[s]), nil
}

func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState parses a state name as produced by String.
func ParseState(name string) (State, error) {
	for state, stateName := range stateNames {
		if stateName == name {
			return State(state), nil
		}
	}
	return 0, fmt.Errorf("unknown run state %q", name)
}

// CanTransition reports whether a run may move from s to next. Every
// state except Destroyed can be destroyed; Stopped and Operating
// alternate; everything else only moves forward.
func (s State) CanTransition(next State) bool {
	switch s {
	case Initialized:
		return next == Operating || next == Finished || next == Destroyed
	case Operating:
		return next == Stopped || next == Finished || next == Destroyed
	case Stopped:
		return next == Operating || next == Finished || next == Destroyed
	case Finished:
		return next == Destroyed
	}
	return false
}

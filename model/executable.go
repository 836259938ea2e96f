package model

import (
	"context"
	"maps"

	"github.com/cockroachdb/errors"
)

var (
	// ErrModelLoad marks failures to read, parse or build a model definition.
	ErrModelLoad = errors.New("model load error")
	// ErrExecution marks recoverable executor failures.
	ErrExecution = errors.New("execution error")
	// ErrCorrupted marks executor failures that leave the simulation state unusable.
	ErrCorrupted = errors.New("executor corrupted")
)

// ExecutionError marks err as a recoverable executor failure.
func ExecutionError(err error) error {
	return errors.Mark(err, ErrExecution)
}

// CorruptedError marks err as fatal for the executor that returned it.
func CorruptedError(err error) error {
	return errors.Mark(errors.Mark(err, ErrExecution), ErrCorrupted)
}

// IsFatal reports whether err leaves its executor unusable.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCorrupted)
}

// State is a snapshot of a running simulation.
type State struct {
	Time    float64            `json:"time"`
	Step    uint64             `json:"step"`
	Running bool               `json:"running"`
	Halted  bool               `json:"halted,omitempty"`
	Values  map[string]float64 `json:"values"`
	Params  map[string]float64 `json:"params,omitempty"`
}

// Clone returns a deep copy of the snapshot.
func (s State) Clone() State {
	s.Values = maps.Clone(s.Values)
	s.Params = maps.Clone(s.Params)
	return s
}

// Executable is a built simulation. Implementations need not be safe for concurrent
// use; callers serialize every call.
type Executable interface {
	// Step advances the simulation by n timesteps.
	Step(ctx context.Context, n int) error
	// Reset returns the simulation to time zero, keeping current parameters.
	Reset(ctx context.Context) error
	// SetParam changes a named parameter.
	SetParam(ctx context.Context, name string, value float64) error
	// Snapshot returns the current state.
	Snapshot() State
}

// Builder turns a definition into an Executable.
type Builder interface {
	Name() string
	Build(ctx context.Context, def *Definition) (Executable, error)
}

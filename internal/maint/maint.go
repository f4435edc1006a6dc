// Package maint runs configured maintenance operations as supervised child
// processes and keeps an append-only in-memory log of their outcomes. The
// package knows nothing about package managers: what to run, and whether it
// needs root, comes entirely from configuration.
package maint

import (
	"errors"
	"strings"
	"time"
)

// Kind names a maintenance operation. The default configuration provides
// update (OS package upgrade) and cleanup (cache and temp pruning); operators
// may configure additional kinds.
type Kind string

const (
	KindUpdate  Kind = "update"
	KindCleanup Kind = "cleanup"
)

// Command describes how one kind is executed: an ordered list of argv steps,
// run sequentially. The first failing step fails the run and later steps are
// not attempted.
type Command struct {
	Steps       [][]string
	RequireRoot bool
}

// render flattens the step list for display, e.g. "apt update && apt upgrade -y".
func (c Command) render() string {
	parts := make([]string, 0, len(c.Steps))
	for _, argv := range c.Steps {
		parts = append(parts, strings.Join(argv, " "))
	}
	return strings.Join(parts, " && ")
}

// State is a run's lifecycle phase.
type State string

const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is final. Terminal runs never change.
func (s State) Terminal() bool { return s != StateRunning }

// Run records one maintenance execution. EndedAt and ExitCode stay nil while
// the process runs; Output grows line by line as the child produces it.
type Run struct {
	ID        string     `json:"id"`
	Kind      Kind       `json:"kind"`
	Command   string     `json:"command"`
	State     State      `json:"state"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	Output    []string   `json:"output"`
	Error     string     `json:"error,omitempty"`
}

// Sentinel errors callers branch on.
var (
	ErrUnknownTask        = errors.New("unknown maintenance task")
	ErrTaskAlreadyRunning = errors.New("maintenance task already running")
	ErrRunNotFound        = errors.New("maintenance run not found")
	ErrRunNotActive       = errors.New("maintenance run is not active")
)

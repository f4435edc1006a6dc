package maint

import "sync"

// Log is the append-only in-memory record of maintenance runs. Records are
// mutated in place by the orchestrator while running; readers always get
// deep-copied snapshots, so a Run in hand never changes underneath them.
// Records are never removed within a process lifetime.
type Log struct {
	mu   sync.RWMutex
	runs []*Run // insertion order
	byID map[string]*Run
}

// NewLog creates an empty run log.
func NewLog() *Log {
	return &Log{byID: make(map[string]*Run)}
}

// add appends a new record.
func (l *Log) add(r *Run) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs = append(l.runs, r)
	l.byID[r.ID] = r
}

// update applies fn to a live record. Updates to terminal records are dropped
// so state transitions stay monotonic.
func (l *Log) update(id string, fn func(*Run)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.byID[id]
	if !ok || r.State.Terminal() {
		return
	}
	fn(r)
}

// Get returns a snapshot of one run.
func (l *Log) Get(id string) (Run, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.byID[id]
	if !ok {
		return Run{}, false
	}
	return snapshot(r), true
}

// All returns snapshots of every run, oldest first.
func (l *Log) All() []Run {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Run, 0, len(l.runs))
	for _, r := range l.runs {
		out = append(out, snapshot(r))
	}
	return out
}

// snapshot deep-copies a record so callers cannot observe later mutation.
func snapshot(r *Run) Run {
	cp := *r
	cp.Output = append([]string(nil), r.Output...)
	if r.EndedAt != nil {
		t := *r.EndedAt
		cp.EndedAt = &t
	}
	if r.ExitCode != nil {
		c := *r.ExitCode
		cp.ExitCode = &c
	}
	return cp
}

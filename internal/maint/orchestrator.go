package maint

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LineHandler observes each captured output line of a run as it is produced.
// It is called synchronously with output capture and must not block.
type LineHandler func(runID string, kind Kind, line string)

// Config wires an Orchestrator.
type Config struct {
	// Commands maps each task kind to its execution recipe.
	Commands map[Kind]Command
	// Elevate is prepended to every step of a RequireRoot command when the
	// process is not already running as root, e.g. ["sudo", "-n"]. Empty
	// means no elevation mechanism is available.
	Elevate []string
	// ProcessTimeout bounds a whole run; 0 means unlimited.
	ProcessTimeout time.Duration
	// CancelGrace is how long a cancelled process gets to exit after SIGTERM
	// before it is killed outright.
	CancelGrace time.Duration
	Logger      *zap.Logger
}

// Orchestrator starts, tracks and cancels maintenance runs. At most one run
// per kind is active at a time; different kinds run concurrently. Every child
// process is waited on, whatever its fate.
type Orchestrator struct {
	commands map[Kind]Command
	elevate  []string
	timeout  time.Duration
	grace    time.Duration
	log      *zap.Logger
	runlog   *Log

	euid func() int // stubbed in tests

	mu     sync.Mutex
	active map[Kind]*execution
	onLine LineHandler
}

// execution is the in-flight bookkeeping for one run.
type execution struct {
	id         string
	cancelReq  chan struct{} // closed by Cancel
	done       chan struct{} // closed when the run reaches a terminal state
	cancelOnce sync.Once
}

// cancelled reports whether Cancel has been requested for this run.
func (e *execution) cancelled() bool {
	select {
	case <-e.cancelReq:
		return true
	default:
		return false
	}
}

// New creates an orchestrator with an empty run log.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	grace := cfg.CancelGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &Orchestrator{
		commands: cfg.Commands,
		elevate:  cfg.Elevate,
		timeout:  cfg.ProcessTimeout,
		grace:    grace,
		log:      logger,
		runlog:   NewLog(),
		euid:     os.Geteuid,
		active:   make(map[Kind]*execution),
	}
}

// OnLine registers a streaming observer for captured output.
func (o *Orchestrator) OnLine(h LineHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onLine = h
}

// Start launches kind's configured step sequence under supervision and
// returns the run ID immediately. A second Start for a kind whose run is
// still active fails with ErrTaskAlreadyRunning.
func (o *Orchestrator) Start(kind Kind) (string, error) {
	spec, ok := o.commands[kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTask, kind)
	}
	if len(spec.Steps) == 0 {
		return "", fmt.Errorf("%w: %q has no steps configured", ErrUnknownTask, kind)
	}
	for _, argv := range spec.Steps {
		if len(argv) == 0 {
			return "", fmt.Errorf("%w: %q has an empty step", ErrUnknownTask, kind)
		}
	}

	o.mu.Lock()
	if _, busy := o.active[kind]; busy {
		o.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrTaskAlreadyRunning, kind)
	}
	ex := &execution{
		id:        uuid.New().String(),
		cancelReq: make(chan struct{}),
		done:      make(chan struct{}),
	}
	o.active[kind] = ex
	o.mu.Unlock()

	o.runlog.add(&Run{
		ID:        ex.id,
		Kind:      kind,
		Command:   spec.render(),
		State:     StateRunning,
		StartedAt: time.Now(),
		Output:    []string{},
	})
	o.log.Info("maintenance run started",
		zap.String("id", ex.id), zap.String("kind", string(kind)))

	go o.supervise(ex, kind, spec)
	return ex.id, nil
}

// Status returns a snapshot of one run. Querying a finished run is free of
// side effects; it never re-triggers anything.
func (o *Orchestrator) Status(id string) (Run, error) {
	r, ok := o.runlog.Get(id)
	if !ok {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, nil
}

// Runs returns snapshots of every recorded run, oldest first.
func (o *Orchestrator) Runs() []Run {
	return o.runlog.All()
}

// Cancel requests termination of an active run. It returns once the request
// is registered; the run itself ends cancelled shortly after, forcibly if the
// process outstays the grace period.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	var target *execution
	for _, ex := range o.active {
		if ex.id == id {
			target = ex
			break
		}
	}
	o.mu.Unlock()

	if target == nil {
		if _, ok := o.runlog.Get(id); ok {
			return fmt.Errorf("%w: %s", ErrRunNotActive, id)
		}
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	target.cancelOnce.Do(func() { close(target.cancelReq) })
	return nil
}

// Wait blocks until the run reaches a terminal state and returns its final
// snapshot.
func (o *Orchestrator) Wait(id string) (Run, error) {
	o.mu.Lock()
	var target *execution
	for _, ex := range o.active {
		if ex.id == id {
			target = ex
			break
		}
	}
	o.mu.Unlock()

	if target != nil {
		<-target.done
	}
	return o.Status(id)
}

// supervise drives one run to a terminal state on its own goroutine.
func (o *Orchestrator) supervise(ex *execution, kind Kind, spec Command) {
	defer close(ex.done)
	defer func() {
		o.mu.Lock()
		delete(o.active, kind)
		o.mu.Unlock()
	}()

	// Privilege gate: without root and without an elevation command the run
	// cannot do its job, so it fails before anything launches.
	if spec.RequireRoot && o.euid() != 0 && len(o.elevate) == 0 {
		o.finish(ex.id, StateFailed, nil,
			fmt.Sprintf("%s requires root privileges and no elevation command is configured", kind))
		return
	}

	ctx := context.Background()
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	for _, argv := range spec.Steps {
		if ex.cancelled() {
			o.finish(ex.id, StateCancelled, nil, "")
			return
		}
		code, err := o.runStep(ctx, ex, kind, spec.RequireRoot, argv)
		if ex.cancelled() {
			o.finish(ex.id, StateCancelled, nil, "")
			return
		}
		if err != nil {
			msg := err.Error()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				msg = fmt.Sprintf("run exceeded the process timeout (%s)", o.timeout)
			}
			o.finish(ex.id, StateFailed, code, msg)
			return
		}
	}
	zero := 0
	o.finish(ex.id, StateSucceeded, &zero, "")
}

// runStep executes one argv, streaming combined stdout+stderr into the run
// record. The returned exit code is nil when the process never launched.
func (o *Orchestrator) runStep(ctx context.Context, ex *execution, kind Kind, requireRoot bool, argv []string) (*int, error) {
	argv = o.stepArgv(requireRoot, argv)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	// One pipe shared by stdout and stderr keeps the child's own interleaving,
	// the same stream an operator would see in a terminal.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return nil, fmt.Errorf("launching %q: %w", argv[0], err)
	}
	// The child holds its own copy of the write end now.
	pw.Close()

	// Graceful-cancel watcher: SIGTERM first, SIGKILL when the grace period
	// runs out. A process that exits on its own releases the watcher.
	stepDone := make(chan struct{})
	var watch sync.WaitGroup
	watch.Add(1)
	go func() {
		defer watch.Done()
		select {
		case <-ex.cancelReq:
			o.log.Info("terminating maintenance run",
				zap.String("id", ex.id), zap.Duration("grace", o.grace))
			_ = cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-time.After(o.grace):
				o.log.Warn("grace period expired, killing process", zap.String("id", ex.id))
				_ = cmd.Process.Kill()
			case <-stepDone:
			}
		case <-stepDone:
		}
	}()

	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			o.appendLine(ex.id, kind, scanner.Text())
		}
	}()

	werr := cmd.Wait()
	close(stepDone)
	watch.Wait()

	// The drain normally ends the instant the child's last descendant closes
	// the pipe; a killed child can leave it open, so bound the wait.
	select {
	case <-scanDone:
	case <-time.After(2 * time.Second):
	}
	pr.Close()

	if werr == nil {
		zero := 0
		return &zero, nil
	}
	var exitErr *exec.ExitError
	if errors.As(werr, &exitErr) {
		code := exitErr.ExitCode()
		return &code, fmt.Errorf("%q exited with code %d", strings.Join(argv, " "), code)
	}
	return nil, fmt.Errorf("waiting for %q: %w", argv[0], werr)
}

// stepArgv prepends the configured elevation prefix when the command needs
// root and the daemon is not already running as root.
func (o *Orchestrator) stepArgv(requireRoot bool, argv []string) []string {
	if !requireRoot || o.euid() == 0 || len(o.elevate) == 0 {
		return argv
	}
	out := make([]string, 0, len(o.elevate)+len(argv))
	out = append(out, o.elevate...)
	return append(out, argv...)
}

// appendLine records one captured output line and forwards it to the
// registered observer.
func (o *Orchestrator) appendLine(id string, kind Kind, line string) {
	o.runlog.update(id, func(r *Run) {
		r.Output = append(r.Output, line)
	})
	o.mu.Lock()
	h := o.onLine
	o.mu.Unlock()
	if h != nil {
		h(id, kind, line)
	}
}

// finish moves a run to its terminal state. The run log drops updates to
// already-terminal records, so a late write cannot undo an earlier outcome.
func (o *Orchestrator) finish(id string, state State, exitCode *int, errMsg string) {
	now := time.Now()
	o.runlog.update(id, func(r *Run) {
		r.State = state
		r.EndedAt = &now
		r.ExitCode = exitCode
		r.Error = errMsg
	})
	o.log.Info("maintenance run finished",
		zap.String("id", id), zap.String("state", string(state)))
}

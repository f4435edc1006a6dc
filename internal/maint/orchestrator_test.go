package maint

import (
	"os/exec"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func requireSh(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests drive sh")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func sh(script string) []string {
	return []string{"sh", "-c", script}
}

// testOrch builds an orchestrator with a short grace period and a non-root
// euid stub so elevation behavior is deterministic regardless of who runs
// the tests.
func testOrch(commands map[Kind]Command) *Orchestrator {
	o := New(Config{
		Commands:    commands,
		CancelGrace: time.Second,
		Logger:      zap.NewNop(),
	})
	o.euid = func() int { return 1000 }
	return o
}

func TestRunSucceeds(t *testing.T) {
	requireSh(t)
	o := testOrch(map[Kind]Command{
		KindCleanup: {Steps: [][]string{sh("echo done")}},
	})

	id, err := o.Start(KindCleanup)
	require.NoError(t, err)

	run, err := o.Wait(id)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, run.State)
	assert.Equal(t, []string{"done"}, run.Output)
	require.NotNil(t, run.ExitCode)
	assert.Equal(t, 0, *run.ExitCode)
	assert.NotNil(t, run.EndedAt)
	assert.Empty(t, run.Error)
}

func TestRunFailsOnNonZeroExit(t *testing.T) {
	requireSh(t)
	o := testOrch(map[Kind]Command{
		KindUpdate: {Steps: [][]string{sh("echo broken >&2; exit 3")}},
	})

	id, err := o.Start(KindUpdate)
	require.NoError(t, err)

	run, err := o.Wait(id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, run.State)
	require.NotNil(t, run.ExitCode)
	assert.Equal(t, 3, *run.ExitCode)
	// stderr is merged into the captured stream.
	assert.Equal(t, []string{"broken"}, run.Output)
	assert.Contains(t, run.Error, "exited with code 3")
}

func TestRunFailsWhenLaunchFails(t *testing.T) {
	o := testOrch(map[Kind]Command{
		KindUpdate: {Steps: [][]string{{"/nonexistent/sysward-test-binary"}}},
	})

	id, err := o.Start(KindUpdate)
	require.NoError(t, err)

	run, err := o.Wait(id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, run.State)
	assert.Nil(t, run.ExitCode, "a process that never launched has no exit code")
	assert.Contains(t, run.Error, "launching")
}

func TestDuplicateKindRejectedWhileActive(t *testing.T) {
	requireSh(t)
	o := testOrch(map[Kind]Command{
		KindUpdate:  {Steps: [][]string{sh("sleep 30")}},
		KindCleanup: {Steps: [][]string{sh("echo ok")}},
	})

	id, err := o.Start(KindUpdate)
	require.NoError(t, err)

	_, err = o.Start(KindUpdate)
	assert.ErrorIs(t, err, ErrTaskAlreadyRunning)

	// A different kind is unaffected.
	cleanupID, err := o.Start(KindCleanup)
	require.NoError(t, err)
	_, err = o.Wait(cleanupID)
	require.NoError(t, err)

	require.NoError(t, o.Cancel(id))
	_, err = o.Wait(id)
	require.NoError(t, err)

	// Once the run is terminal the kind is free again.
	id2, err := o.Start(KindUpdate)
	require.NoError(t, err)
	require.NoError(t, o.Cancel(id2))
	_, err = o.Wait(id2)
	require.NoError(t, err)
}

func TestDifferentKindsRunConcurrently(t *testing.T) {
	requireSh(t)
	o := testOrch(map[Kind]Command{
		KindUpdate:  {Steps: [][]string{sh("sleep 30")}},
		KindCleanup: {Steps: [][]string{sh("sleep 30")}},
	})

	updateID, err := o.Start(KindUpdate)
	require.NoError(t, err)
	cleanupID, err := o.Start(KindCleanup)
	require.NoError(t, err)

	u, err := o.Status(updateID)
	require.NoError(t, err)
	c, err := o.Status(cleanupID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, u.State)
	assert.Equal(t, StateRunning, c.State)

	require.NoError(t, o.Cancel(updateID))
	require.NoError(t, o.Cancel(cleanupID))
	_, _ = o.Wait(updateID)
	_, _ = o.Wait(cleanupID)
}

func TestCancelTerminatesWithinGrace(t *testing.T) {
	requireSh(t)
	o := testOrch(map[Kind]Command{
		KindUpdate: {Steps: [][]string{sh("sleep 30")}},
	})

	id, err := o.Start(KindUpdate)
	require.NoError(t, err)

	cancelledAt := time.Now()
	require.NoError(t, o.Cancel(id))

	run, err := o.Wait(id)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, run.State)
	assert.NotNil(t, run.EndedAt)
	assert.Less(t, time.Since(cancelledAt), o.grace+2*time.Second,
		"cancellation must complete within the grace period plus scheduling slack")
}

func TestCancelEscalatesToKill(t *testing.T) {
	requireSh(t)
	o := testOrch(map[Kind]Command{
		// The child ignores SIGTERM, forcing the kill path.
		KindUpdate: {Steps: [][]string{sh(`trap '' TERM; while :; do sleep 0.1; done`)}},
	})
	o.grace = 200 * time.Millisecond

	id, err := o.Start(KindUpdate)
	require.NoError(t, err)

	// Let the shell install its trap before asking it to stop.
	time.Sleep(300 * time.Millisecond)
	cancelledAt := time.Now()
	require.NoError(t, o.Cancel(id))

	run, err := o.Wait(id)
	require.NoError(t, err)
	elapsed := time.Since(cancelledAt)
	assert.Equal(t, StateCancelled, run.State)
	assert.GreaterOrEqual(t, elapsed, o.grace, "kill must wait out the grace period")
	assert.Less(t, elapsed, o.grace+3*time.Second)
}

func TestStepsRunSequentially(t *testing.T) {
	requireSh(t)
	o := testOrch(map[Kind]Command{
		KindCleanup: {Steps: [][]string{sh("echo one"), sh("echo two")}},
	})

	id, err := o.Start(KindCleanup)
	require.NoError(t, err)

	run, err := o.Wait(id)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, run.State)
	assert.Equal(t, []string{"one", "two"}, run.Output)
}

func TestFailingStepStopsSequence(t *testing.T) {
	requireSh(t)
	o := testOrch(map[Kind]Command{
		KindUpdate: {Steps: [][]string{sh("echo one"), sh("exit 7"), sh("echo three")}},
	})

	id, err := o.Start(KindUpdate)
	require.NoError(t, err)

	run, err := o.Wait(id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, run.State)
	require.NotNil(t, run.ExitCode)
	assert.Equal(t, 7, *run.ExitCode)
	assert.Equal(t, []string{"one"}, run.Output, "steps after the failure must not run")
}

func TestRequireRootWithoutElevationFailsAtLaunch(t *testing.T) {
	o := testOrch(map[Kind]Command{
		KindUpdate: {Steps: [][]string{sh("echo should-not-run")}, RequireRoot: true},
	})

	id, err := o.Start(KindUpdate)
	require.NoError(t, err)

	run, err := o.Wait(id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, run.State)
	assert.Contains(t, run.Error, "root privileges")
	assert.Empty(t, run.Output, "nothing may execute without the required privilege")
	assert.Nil(t, run.ExitCode)
}

func TestElevationPrefixApplied(t *testing.T) {
	requireSh(t)
	o := testOrch(map[Kind]Command{
		KindUpdate: {Steps: [][]string{{"apt", "update"}}, RequireRoot: true},
	})
	// Standing in for sudo: the step argv is echoed back instead of executed.
	o.elevate = []string{"echo"}

	id, err := o.Start(KindUpdate)
	require.NoError(t, err)

	run, err := o.Wait(id)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, run.State)
	assert.Equal(t, []string{"apt update"}, run.Output)
}

func TestElevationSkippedWhenAlreadyRoot(t *testing.T) {
	requireSh(t)
	o := testOrch(map[Kind]Command{
		KindUpdate: {Steps: [][]string{sh("echo direct")}, RequireRoot: true},
	})
	// A broken elevator proves the prefix is not applied when running as root.
	o.elevate = []string{"/nonexistent/elevator"}
	o.euid = func() int { return 0 }

	id, err := o.Start(KindUpdate)
	require.NoError(t, err)

	run, err := o.Wait(id)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, run.State)
	assert.Equal(t, []string{"direct"}, run.Output)
}

func TestProcessTimeoutFailsRun(t *testing.T) {
	requireSh(t)
	o := testOrch(map[Kind]Command{
		KindUpdate: {Steps: [][]string{sh("sleep 30")}},
	})
	o.timeout = 150 * time.Millisecond

	start := time.Now()
	id, err := o.Start(KindUpdate)
	require.NoError(t, err)

	run, err := o.Wait(id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, run.State)
	assert.Contains(t, run.Error, "process timeout")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestUnknownKindRejected(t *testing.T) {
	o := testOrch(map[Kind]Command{})
	_, err := o.Start("defrag")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestStatusUnknownRun(t *testing.T) {
	o := testOrch(map[Kind]Command{})
	_, err := o.Status("no-such-id")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestCancelFinishedRun(t *testing.T) {
	requireSh(t)
	o := testOrch(map[Kind]Command{
		KindCleanup: {Steps: [][]string{sh("echo done")}},
	})

	id, err := o.Start(KindCleanup)
	require.NoError(t, err)
	_, err = o.Wait(id)
	require.NoError(t, err)

	err = o.Cancel(id)
	assert.ErrorIs(t, err, ErrRunNotActive)

	err = o.Cancel("no-such-id")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestOnLineObserverSeesStream(t *testing.T) {
	requireSh(t)
	o := testOrch(map[Kind]Command{
		KindCleanup: {Steps: [][]string{sh("echo a; echo b")}},
	})

	var mu sync.Mutex
	var lines []string
	o.OnLine(func(runID string, kind Kind, line string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, line)
	})

	id, err := o.Start(KindCleanup)
	require.NoError(t, err)
	_, err = o.Wait(id)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b"}, lines)
}

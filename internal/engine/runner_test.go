//go:build linux

package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRunner(t *testing.T, maxNodes, ppn int) *Runner {
	t.Helper()
	return NewRunner(RunnerConfig{
		Launcher:         NoneLauncher{},
		MaxNodes:         maxNodes,
		ProcessesPerNode: ppn,
		Log:              zaptest.NewLogger(t),
	})
}

func buildRunnerTestPipeline(t *testing.T, id, workDir string, runs []RunInput) *Pipeline {
	t.Helper()
	p, err := Build(PipelineInput{ID: flexID(id), WorkingDir: workDir, Runs: runs}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return p
}

func TestRunner_SingleShortRunSucceeds(t *testing.T) {
	dir := t.TempDir()
	r := newTestRunner(t, 1, 1)
	p := buildRunnerTestPipeline(t, "single", dir, []RunInput{
		{Name: "echo", Exe: "/bin/echo", Args: []string{"hello"}},
	})

	require.NoError(t, r.AddPipeline(p))
	r.Stop()
	r.Run()

	state := p.GetState()
	require.Equal(t, PhaseDone, state.Phase)
	require.Equal(t, ReasonSucceeded, state.Reason)
}

func TestRunner_NoFitRejection(t *testing.T) {
	dir := t.TempDir()
	r := newTestRunner(t, 4, 1)
	p := buildRunnerTestPipeline(t, "toobig", dir, []RunInput{
		{Name: "big", Exe: "/bin/true", NProcs: intp(8)},
	})

	err := r.AddPipeline(p)
	require.NoError(t, err)
	require.Equal(t, PhaseNotStarted, p.GetState().Phase)
}

func TestRunner_DuplicateIDRejected(t *testing.T) {
	dir := t.TempDir()
	r := newTestRunner(t, 4, 1)
	p1 := buildRunnerTestPipeline(t, "dup", dir, []RunInput{{Name: "a", Exe: "/bin/true", Args: []string{}}})
	p2 := buildRunnerTestPipeline(t, "dup", dir, []RunInput{{Name: "a", Exe: "/bin/true", Args: []string{}}})

	require.NoError(t, r.AddPipeline(p1))
	err := r.AddPipeline(p2)
	require.ErrorIs(t, err, ErrDuplicatePipelineID)

	r.Stop()
	r.Run()
}

func TestRunner_StopRejectsFurtherAdmission(t *testing.T) {
	dir := t.TempDir()
	r := newTestRunner(t, 4, 1)
	r.Stop()

	p := buildRunnerTestPipeline(t, "late", dir, []RunInput{{Name: "a", Exe: "/bin/true", Args: []string{}}})
	err := r.AddPipeline(p)
	require.ErrorIs(t, err, ErrNewPipelinesDisallowed)

	r.Run()
}

func TestRunner_GlobalKillTerminatesRunningPipelines(t *testing.T) {
	dir := t.TempDir()
	r := newTestRunner(t, 2, 1)
	p := buildRunnerTestPipeline(t, "killme", dir, []RunInput{
		{Name: "sleeper", Exe: "/bin/sleep", Args: []string{"30"}},
	})
	require.NoError(t, r.AddPipeline(p))

	runDone := make(chan struct{})
	go func() {
		r.Run()
		close(runDone)
	}()

	require.Eventually(t, func() bool {
		return p.GetState().Phase == PhaseRunning
	}, 2*time.Second, 10*time.Millisecond)

	r.KillAll()

	select {
	case <-runDone:
	case <-time.After(KillWait + 5*time.Second):
		t.Fatal("runner did not drain after KillAll")
	}

	require.Equal(t, PhaseKilled, p.GetState().Phase)
}

func intp(v int) *int { return &v }

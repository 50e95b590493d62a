//go:build linux

package engine

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRun(t *testing.T, spec RunSpec) *Run {
	t.Helper()
	if spec.WorkingDir == "" {
		spec.WorkingDir = t.TempDir()
	}
	r := NewRun(spec, zaptest.NewLogger(t))
	r.SetLauncher(NoneLauncher{})
	r.SetNodeLayout(1)
	return r
}

func TestRun_SucceedsAndPersistsReturnCode(t *testing.T) {
	r := newTestRun(t, RunSpec{Name: "ok", Exe: "/bin/true", Args: nil, NProcs: 1})
	r.Start()
	<-r.Done()
	r.Join()

	require.True(t, r.Succeeded())
	require.False(t, r.Exception())
	rc, ok := r.ReturnCode()
	require.True(t, ok)
	require.Equal(t, 0, rc)

	data, err := os.ReadFile(r.returnPath)
	require.NoError(t, err)
	require.Equal(t, "0\n", string(data))
}

func TestRun_FailureIsObservedNotException(t *testing.T) {
	r := newTestRun(t, RunSpec{Name: "fail", Exe: "/bin/false", NProcs: 1})
	r.Start()
	<-r.Done()
	r.Join()

	require.False(t, r.Succeeded())
	require.False(t, r.Exception())
	rc, ok := r.ReturnCode()
	require.True(t, ok)
	require.NotEqual(t, 0, rc)
}

func TestRun_TimeoutKillsProcess(t *testing.T) {
	timeout := 200 * time.Millisecond
	r := newTestRun(t, RunSpec{
		Name:    "slow",
		Exe:     "/bin/sleep",
		Args:    []string{"5"},
		NProcs:  1,
		Timeout: &timeout,
	})

	start := time.Now()
	r.Start()
	<-r.Done()
	r.Join()
	elapsed := time.Since(start)

	require.True(t, r.TimedOut())
	require.False(t, r.Succeeded())
	require.Less(t, elapsed, timeout+KillWait+5*time.Second)
}

func TestRun_ExternalKillIsIdempotent(t *testing.T) {
	r := newTestRun(t, RunSpec{Name: "killme", Exe: "/bin/sleep", Args: []string{"5"}, NProcs: 1})
	r.Start()
	// Give the child a moment to actually spawn before killing it.
	time.Sleep(50 * time.Millisecond)

	r.Kill()
	r.Kill()
	r.Kill()

	<-r.Done()
	r.Join()

	require.True(t, r.Killed())
}

func TestRun_CallbacksFireExactlyOnce(t *testing.T) {
	r := newTestRun(t, RunSpec{Name: "cb", Exe: "/bin/true", NProcs: 1})

	count := 0
	r.AddCallback(func(*Run) { count++ })
	r.Start()
	<-r.Done()
	r.Join()

	require.Equal(t, 1, count)
}

func TestRun_PanicsIfQueriedBeforeDone(t *testing.T) {
	r := newTestRun(t, RunSpec{Name: "notyet", Exe: "/bin/sleep", Args: []string{"1"}, NProcs: 1})
	require.Panics(t, func() { r.Succeeded() })
}

func TestRun_NodesComputedFromTasksPerNode(t *testing.T) {
	r := newTestRun(t, RunSpec{Name: "n", Exe: "/bin/true", NProcs: 5})
	r.SetNodeLayout(2)
	require.Equal(t, 3, r.Nodes())
	require.Equal(t, 2, r.TasksPerNode())
}

func TestRun_TasksPerNodeClampedToNProcs(t *testing.T) {
	r := newTestRun(t, RunSpec{Name: "n", Exe: "/bin/true", NProcs: 1})
	r.SetNodeLayout(4)
	require.Equal(t, 1, r.TasksPerNode())
	require.Equal(t, 1, r.Nodes())
}

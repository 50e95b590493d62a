//go:build linux

package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeConsumer stands in for Runner in pipeline-only tests, since Pipeline
// never holds a direct reference to Runner, only to this interface.
type fakeConsumer struct {
	mu            sync.Mutex
	runFinishes   int
	finished      []*Pipeline
	fatal         []*Pipeline
}

func (f *fakeConsumer) runFinished(*Run) {
	f.mu.Lock()
	f.runFinishes++
	f.mu.Unlock()
}

func (f *fakeConsumer) pipelineFinished(p *Pipeline) {
	f.mu.Lock()
	f.finished = append(f.finished, p)
	f.mu.Unlock()
}

func (f *fakeConsumer) pipelineFatal(p *Pipeline) {
	f.mu.Lock()
	f.fatal = append(f.fatal, p)
	f.mu.Unlock()
}

func buildTestPipeline(t *testing.T, input PipelineInput) *Pipeline {
	t.Helper()
	p, err := Build(input, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, p.SetPPN(1))
	return p
}

func TestPipeline_SingleRunSucceeds(t *testing.T) {
	dir := t.TempDir()
	p := buildTestPipeline(t, PipelineInput{
		ID:         "p1",
		WorkingDir: dir,
		Runs: []RunInput{
			{Name: "echo", Exe: "/bin/echo", Args: []string{"hello"}},
		},
	})

	consumer := &fakeConsumer{}
	done := make(chan struct{})
	p.AddDoneCallback(func(*Pipeline) { close(done) })

	p.Start(consumer, NoneLauncher{})
	<-done
	p.JoinAll()

	state := p.GetState()
	require.Equal(t, PhaseDone, state.Phase)
	require.Equal(t, ReasonSucceeded, state.Reason)
	require.Equal(t, 0, state.ReturnCodes["echo"])
}

func TestPipeline_KillOnPartialFailureCascades(t *testing.T) {
	dir := t.TempDir()
	p := buildTestPipeline(t, PipelineInput{
		ID:                   "p2",
		WorkingDir:           dir,
		KillOnPartialFailure: true,
		Runs: []RunInput{
			{Name: "failer", Exe: "/bin/false", Args: []string{}},
			{Name: "sleeper", Exe: "/bin/sleep", Args: []string{"30"}},
		},
	})

	consumer := &fakeConsumer{}
	done := make(chan struct{})
	p.AddDoneCallback(func(*Pipeline) { close(done) })

	start := time.Now()
	p.Start(consumer, NoneLauncher{})
	<-done
	elapsed := time.Since(start)
	p.JoinAll()

	state := p.GetState()
	require.Equal(t, ReasonFailed, state.Reason)
	require.Less(t, elapsed, 25*time.Second)
	_, ok := state.ReturnCodes["sleeper"]
	require.True(t, ok)
}

func TestPipeline_ForceKillSkipsPostProcess(t *testing.T) {
	dir := t.TempDir()
	p := buildTestPipeline(t, PipelineInput{
		ID:                flexID(dir),
		WorkingDir:        dir,
		PostProcessScript: "/bin/true",
		Runs: []RunInput{
			{Name: "sleeper", Exe: "/bin/sleep", Args: []string{"30"}},
		},
	})

	consumer := &fakeConsumer{}
	done := make(chan struct{})
	p.AddDoneCallback(func(*Pipeline) { close(done) })

	p.Start(consumer, NoneLauncher{})
	time.Sleep(100 * time.Millisecond)
	p.ForceKillAll()
	<-done
	p.JoinAll()

	require.Equal(t, PhaseKilled, p.GetState().Phase)
	require.Nil(t, p.postProcessRun)
}

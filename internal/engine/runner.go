package engine

import (
	"sync"

	"go.uber.org/zap"

	"github.com/codar-hpc/workflow/internal/adios"
	"github.com/codar-hpc/workflow/internal/observability"
)

// RunnerConfig configures a Runner (the PipelineRunner / consumer).
type RunnerConfig struct {
	Launcher         Launcher
	MaxNodes         int
	ProcessesPerNode int
	Status           *StatusStore
	Log              *zap.Logger
}

// Runner is the engine's single scheduling loop: it admits pipelines,
// blocks until node capacity frees up, and dispatches the largest pipeline
// that fits to its own supervisor.
type Runner struct {
	launcher Launcher
	maxNodes int
	ppn      int
	status   *StatusStore
	log      *zap.Logger

	jobListMu sync.Mutex
	jobListCV *sync.Cond
	jobs      *jobList

	freeMu    sync.Mutex
	freeCV    *sync.Cond
	freeNodes int

	runningMu         sync.Mutex
	running           map[string]*Pipeline
	admitted          map[string]struct{}
	processPipelines  bool
	allowNewPipelines bool
	killed            bool
}

// NewRunner constructs a Runner ready to accept pipelines via AddPipeline
// and run its scheduling loop via Run.
func NewRunner(cfg RunnerConfig) *Runner {
	r := &Runner{
		launcher:          cfg.Launcher,
		maxNodes:          cfg.MaxNodes,
		ppn:               cfg.ProcessesPerNode,
		status:            cfg.Status,
		log:               cfg.Log,
		jobs:              newJobList(),
		freeNodes:         cfg.MaxNodes,
		running:           make(map[string]*Pipeline),
		admitted:          make(map[string]struct{}),
		processPipelines:  true,
		allowNewPipelines: true,
	}
	r.jobListCV = sync.NewCond(&r.jobListMu)
	r.freeCV = sync.NewCond(&r.freeMu)
	observability.SetFreeNodes(float64(r.freeNodes))
	return r
}

// AddPipeline admits a pipeline: resolves its node cost, rejects
// duplicates/closed-intake/out-of-budget pipelines, and otherwise enqueues
// it for scheduling.
func (r *Runner) AddPipeline(p *Pipeline) error {
	r.runningMu.Lock()
	if !r.allowNewPipelines {
		r.runningMu.Unlock()
		return ErrNewPipelinesDisallowed
	}
	if _, exists := r.admitted[p.ID()]; exists {
		r.runningMu.Unlock()
		return ErrDuplicatePipelineID
	}
	r.admitted[p.ID()] = struct{}{}
	r.runningMu.Unlock()

	if err := p.SetPPN(r.ppn); err != nil {
		return err
	}

	if p.NodesUsed() > r.maxNodes {
		r.setStatus(PipelineState{ID: p.ID(), Phase: PhaseNotStarted, Reason: ReasonNoFit})
		r.log.Warn("pipeline rejected: exceeds node budget",
			zap.String("pipeline", p.ID()), zap.Int("needs", p.NodesUsed()), zap.Int("max", r.maxNodes))
		return nil
	}

	r.setStatus(PipelineState{ID: p.ID(), Phase: PhaseNotStarted})

	r.jobListMu.Lock()
	r.jobs.Add(p)
	r.jobListCV.Broadcast()
	r.jobListMu.Unlock()

	observability.RecordPipelineAdmitted()
	return nil
}

// Run is the main scheduling loop. It returns once the engine has been
// stopped or killed and every running pipeline has been joined.
func (r *Runner) Run() {
	for {
		r.jobListMu.Lock()
		for r.jobs.Len() == 0 && r.allowNewPipelinesLocked() {
			r.jobListCV.Wait()
		}
		empty := r.jobs.Len() == 0
		r.jobListMu.Unlock()

		if empty && !r.allowNewPipelinesLocked() {
			r.joinRunning()
			return
		}

		pop := r.popFittingJob()
		if !r.processPipelinesLocked() {
			r.joinRunning()
			return
		}
		if pop == nil {
			continue
		}

		r.freeMu.Lock()
		r.freeNodes -= pop.NodesUsed()
		observability.SetFreeNodes(float64(r.freeNodes))
		r.freeMu.Unlock()

		r.runningMu.Lock()
		pop.Start(r, r.launcher)
		r.running[pop.ID()] = pop
		r.runningMu.Unlock()

		r.setStatus(PipelineState{ID: pop.ID(), Phase: PhaseRunning})
	}
}

// popFittingJob blocks on freeCV until a pipeline fits the current budget
// or the engine stops processing pipelines.
func (r *Runner) popFittingJob() *Pipeline {
	r.freeMu.Lock()
	defer r.freeMu.Unlock()

	for {
		r.jobListMu.Lock()
		pop := r.jobs.Pop(r.freeNodes)
		r.jobListMu.Unlock()

		if pop != nil {
			return pop
		}
		if !r.processPipelinesLocked() {
			return nil
		}
		r.freeCV.Wait()
	}
}

func (r *Runner) allowNewPipelinesLocked() bool {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()
	return r.allowNewPipelines
}

func (r *Runner) processPipelinesLocked() bool {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()
	return r.processPipelines
}

func (r *Runner) joinRunning() {
	r.runningMu.Lock()
	pipelines := make([]*Pipeline, 0, len(r.running))
	for _, p := range r.running {
		pipelines = append(pipelines, p)
	}
	r.runningMu.Unlock()

	for _, p := range pipelines {
		p.JoinAll()
	}
}

// runFinished reclaims a terminated run's node allocation immediately,
// independent of its siblings or pipeline completion.
func (r *Runner) runFinished(run *Run) {
	r.freeMu.Lock()
	r.freeNodes += run.Nodes()
	observability.SetFreeNodes(float64(r.freeNodes))
	r.freeMu.Unlock()
	r.freeCV.Broadcast()

	observability.RecordRunFinished(run.runOutcome(), run.wallclock().Seconds())
}

// pipelineFinished records ADIOS output sizes, removes the pipeline from
// the running set, and persists its final status.
func (r *Runner) pipelineFinished(p *Pipeline) {
	if sizes, err := adios.CollectFileSizes(p.workingDir); err != nil {
		r.log.Warn("adios file size collection failed", zap.String("pipeline", p.ID()), zap.Error(err))
	} else if len(sizes) > 0 {
		if err := adios.WriteFileSizes(p.workingDir, sizes); err != nil {
			r.log.Warn("adios file size persistence failed", zap.String("pipeline", p.ID()), zap.Error(err))
		}
	}

	r.runningMu.Lock()
	delete(r.running, p.ID())
	r.runningMu.Unlock()

	state := p.GetState()
	r.setStatus(state)
	reason := string(state.Reason)
	if state.Phase == PhaseKilled {
		reason = string(PhaseKilled)
	}
	observability.RecordPipelineFinished(reason, p.Duration().Seconds())
}

// pipelineFatal logs and escalates to a full engine kill.
func (r *Runner) pipelineFatal(p *Pipeline) {
	r.log.Error("pipeline post-process failed fatally", zap.String("pipeline", p.ID()))
	r.KillAll()
}

// Stop disallows further admission; the main loop exits naturally once
// drained.
func (r *Runner) Stop() {
	r.runningMu.Lock()
	r.allowNewPipelines = false
	r.runningMu.Unlock()

	r.jobListMu.Lock()
	r.jobListCV.Broadcast()
	r.jobListMu.Unlock()
}

// KillAll stops admission and scheduling, then force-kills every running
// pipeline.
func (r *Runner) KillAll() {
	r.runningMu.Lock()
	r.killed = true
	r.allowNewPipelines = false
	r.processPipelines = false
	pipelines := make([]*Pipeline, 0, len(r.running))
	for _, p := range r.running {
		pipelines = append(pipelines, p)
	}
	r.runningMu.Unlock()

	r.jobListMu.Lock()
	r.jobListCV.Broadcast()
	r.jobListMu.Unlock()
	r.freeMu.Lock()
	r.freeCV.Broadcast()
	r.freeMu.Unlock()

	for _, p := range pipelines {
		p.ForceKillAll()
	}
}

func (r *Runner) setStatus(s PipelineState) {
	if r.status == nil {
		return
	}
	r.status.Set(s)
}

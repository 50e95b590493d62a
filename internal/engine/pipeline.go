package engine

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// pipelineConsumer is the subset of Runner a Pipeline calls back into.
// Pipeline holds no other reference to its owning consumer.
type pipelineConsumer interface {
	runFinished(r *Run)
	pipelineFinished(p *Pipeline)
	pipelineFatal(p *Pipeline)
}

type pipelineConfig struct {
	ID                       string
	WorkingDir               string
	Runs                     []*Run
	RunNames                 []string
	KillOnPartialFailure     bool
	PostProcessScript        string
	PostProcessArgs          []string
	PostProcessStopOnFailure bool
	NodeLayout               *NodeLayout
}

// Pipeline supervises an ordered set of runs plus an optional post-process
// step. Runs are owned exclusively by their pipeline.
type Pipeline struct {
	id         string
	workingDir string
	runs       []*Run
	runNames   []string

	killOnPartialFailure     bool
	postProcessScript        string
	postProcessArgs          []string
	postProcessStopOnFailure bool
	nodeLayout               *NodeLayout

	log *zap.Logger

	mu          sync.Mutex
	ppnSet      bool
	totalNodes  int
	running     bool
	forceKilled bool
	activeRuns  map[string]*Run
	startedAt   time.Time
	finishedAt  time.Time

	consumer pipelineConsumer
	launcher Launcher

	starterDone chan struct{}

	postProcessOnce sync.Once
	postProcessWG   sync.WaitGroup
	postProcessRun  *Run

	doneCallbacksMu sync.Mutex
	doneCallbacks   []func(*Pipeline)
}

func newPipeline(cfg pipelineConfig, log *zap.Logger) *Pipeline {
	return &Pipeline{
		id:                       cfg.ID,
		workingDir:               cfg.WorkingDir,
		runs:                     cfg.Runs,
		runNames:                 cfg.RunNames,
		killOnPartialFailure:     cfg.KillOnPartialFailure,
		postProcessScript:        cfg.PostProcessScript,
		postProcessArgs:          cfg.PostProcessArgs,
		postProcessStopOnFailure: cfg.PostProcessStopOnFailure,
		nodeLayout:               cfg.NodeLayout,
		log:                      log,
		activeRuns:               make(map[string]*Run),
	}
}

func (p *Pipeline) ID() string { return p.id }

// SetPPN resolves the node layout (default full-occupancy if none was
// supplied), setting each run's tasks-per-node and node count, and caches
// the resulting total node cost.
func (p *Pipeline) SetPPN(ppn int) error {
	layout := p.nodeLayout
	if layout == nil {
		l := DefaultNoShareLayout(ppn, p.runNames)
		layout = &l
	}

	total := 0
	for _, r := range p.runs {
		node, err := layout.GetNodeContainingRun(r.Name())
		if err != nil {
			return fmt.Errorf("pipeline %q: %w", p.id, err)
		}
		tasks := node[r.Name()]
		if tasks > r.spec.NProcs {
			tasks = r.spec.NProcs
		}
		r.SetNodeLayout(tasks)
		total += r.Nodes()
	}

	p.mu.Lock()
	p.totalNodes = total
	p.ppnSet = true
	p.mu.Unlock()
	return nil
}

// NodesUsed returns the pipeline's total resolved node cost. SetPPN must
// have been called first.
func (p *Pipeline) NodesUsed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalNodes
}

// AddDoneCallback registers a function invoked exactly once when the
// pipeline finishes (DONE or KILLED).
func (p *Pipeline) AddDoneCallback(fn func(*Pipeline)) {
	p.doneCallbacksMu.Lock()
	defer p.doneCallbacksMu.Unlock()
	p.doneCallbacks = append(p.doneCallbacks, fn)
}

// Start registers callbacks, marks the pipeline running, and launches the
// starter goroutine that sequences run starts.
func (p *Pipeline) Start(consumer pipelineConsumer, launcher Launcher) {
	p.consumer = consumer
	p.launcher = launcher

	p.mu.Lock()
	p.running = true
	p.startedAt = time.Now()
	for _, r := range p.runs {
		p.activeRuns[r.Name()] = r
	}
	p.mu.Unlock()

	for _, r := range p.runs {
		r.SetLauncher(launcher)
		r.AddCallback(consumer.runFinished)
		r.AddCallback(p.runFinished)
	}

	p.starterDone = make(chan struct{})
	go p.starter()
}

func (p *Pipeline) starter() {
	defer close(p.starterDone)
	for _, r := range p.runs {
		r.Start()
		if r.spec.SleepAfter != nil {
			time.Sleep(*r.spec.SleepAfter)
		}
	}
}

// runFinished is registered on every run. It maintains the active set,
// cascades kill-on-partial-failure, and triggers post-processing once the
// active set drains.
func (p *Pipeline) runFinished(r *Run) {
	p.mu.Lock()
	delete(p.activeRuns, r.Name())

	allDone := len(p.activeRuns) == 0
	shouldCascadeKill := p.killOnPartialFailure && !r.Succeeded()
	var toKill []*Run
	if shouldCascadeKill {
		for _, ar := range p.activeRuns {
			toKill = append(toKill, ar)
		}
	}
	p.mu.Unlock()

	for _, ar := range toKill {
		ar.Kill()
	}

	if allDone {
		p.finish()
	}
}

// finish runs post-processing (unless force-killed) and then fires the
// pipeline's done callbacks.
func (p *Pipeline) finish() {
	p.mu.Lock()
	forceKilled := p.forceKilled
	p.finishedAt = time.Now()
	p.mu.Unlock()

	if !forceKilled {
		p.runPostProcess()
	}

	p.fireDoneCallbacks()
}

func (p *Pipeline) runPostProcess() {
	if p.postProcessScript == "" {
		return
	}

	p.postProcessOnce.Do(func() {
		spec := RunSpec{
			Name:         "post-process",
			Exe:          p.postProcessScript,
			Args:         p.postProcessArgs,
			WorkingDir:   p.workingDir,
			NProcs:       1,
			StdoutPath:   "codar.workflow.stdout.post-process",
			StderrPath:   "codar.workflow.stderr.post-process",
			ReturnPath:   "codar.workflow.return.post-process",
			WalltimePath: "codar.workflow.walltime.post-process",
		}
		run := NewRun(spec, p.log)
		run.SetLauncher(NoneLauncher{})
		p.postProcessRun = run

		p.postProcessWG.Add(1)
		run.AddCallback(func(*Run) { p.postProcessWG.Done() })

		run.Start()
		p.postProcessWG.Wait()

		rc, _ := run.ReturnCode()
		if rc != 0 && p.postProcessStopOnFailure {
			p.fireFatalCallbacks()
		}
	})
}

func (p *Pipeline) fireDoneCallbacks() {
	p.doneCallbacksMu.Lock()
	cbs := append([]func(*Pipeline){}, p.doneCallbacks...)
	p.doneCallbacksMu.Unlock()
	for _, cb := range cbs {
		cb(p)
	}
	if p.consumer != nil {
		p.consumer.pipelineFinished(p)
	}
}

// fireFatalCallbacks notifies the owning consumer that post-processing
// failed fatally. Unlike fireDoneCallbacks, there is no per-pipeline
// subscriber list for this: the Runner is the only thing that ever needs
// to react, and it already does so through the pipelineConsumer interface.
func (p *Pipeline) fireFatalCallbacks() {
	if p.consumer != nil {
		p.consumer.pipelineFatal(p)
	}
}

// ForceKillAll joins the starter goroutine first, so the active set is
// fully populated, then kills every still-active run and skips
// post-processing.
func (p *Pipeline) ForceKillAll() {
	if p.starterDone != nil {
		<-p.starterDone
	}

	p.mu.Lock()
	if len(p.activeRuns) == 0 {
		p.mu.Unlock()
		return
	}
	p.forceKilled = true
	toKill := make([]*Run, 0, len(p.activeRuns))
	for _, r := range p.activeRuns {
		toKill = append(toKill, r)
	}
	p.mu.Unlock()

	for _, r := range toKill {
		r.Kill()
	}
}

// GetState derives the pipeline's current externally-visible state.
func (p *Pipeline) GetState() PipelineState {
	p.mu.Lock()
	defer p.mu.Unlock()

	state := PipelineState{ID: p.id}

	if !p.running {
		state.Phase = PhaseNotStarted
		return state
	}
	if p.forceKilled {
		state.Phase = PhaseKilled
		return state
	}
	if len(p.activeRuns) > 0 {
		state.Phase = PhaseRunning
		return state
	}

	state.Phase = PhaseDone
	state.Reason = p.aggregateReason()
	state.ReturnCodes = p.returnCodesLocked()
	return state
}

// aggregateReason must be called with p.mu held.
func (p *Pipeline) aggregateReason() Reason {
	anyException, anyTimeout, anyFailed := false, false, false
	for _, r := range p.runs {
		if r.Exception() {
			anyException = true
			continue
		}
		if r.TimedOut() {
			anyTimeout = true
		}
		if rc, ok := r.ReturnCode(); ok && rc != 0 {
			anyFailed = true
		}
	}
	switch {
	case anyException:
		return ReasonException
	case anyTimeout:
		return ReasonTimeout
	case anyFailed:
		return ReasonFailed
	default:
		return ReasonSucceeded
	}
}

// Duration returns the pipeline's wall-clock time from start to finish. Zero
// until both have been recorded.
func (p *Pipeline) Duration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startedAt.IsZero() || p.finishedAt.IsZero() {
		return 0
	}
	return p.finishedAt.Sub(p.startedAt)
}

func (p *Pipeline) returnCodesLocked() map[string]int {
	codes := make(map[string]int, len(p.runs))
	for _, r := range p.runs {
		if rc, ok := r.ReturnCode(); ok {
			codes[r.Name()] = rc
		}
	}
	return codes
}

// JoinAll waits for the starter, every run, and (if launched) the
// post-process step to fully terminate.
func (p *Pipeline) JoinAll() {
	if p.starterDone != nil {
		<-p.starterDone
	}
	for _, r := range p.runs {
		r.Join()
	}
	p.postProcessWG.Wait()
}

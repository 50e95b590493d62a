//go:build linux

package engine

import (
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Output file name prefixes, matching the original codar.workflow layout.
const (
	stdoutName   = "codar.workflow.stdout"
	stderrName   = "codar.workflow.stderr"
	returnName   = "codar.workflow.return"
	walltimeName = "codar.workflow.walltime"

	// KillWait is the grace period between SIGTERM and SIGKILL.
	KillWait = 30 * time.Second
	// WaitDelayKill is the pgroup-reap backoff threshold at which SIGKILL
	// is escalated.
	WaitDelayKill = 30 * time.Second
	// WaitDelayGiveUp is the pgroup-reap backoff threshold past which the
	// reap is abandoned and logged as an error.
	WaitDelayGiveUp = 120 * time.Second
)

// RunSpec is the immutable description of one supervised process invocation,
// as parsed from a pipeline description.
type RunSpec struct {
	Name        string
	Exe         string
	Args        []string
	Env         map[string]string
	WorkingDir  string
	Timeout     *time.Duration
	NProcs      int
	SleepAfter  *time.Duration
	StdoutPath  string
	StderrPath  string
	ReturnPath  string
	WalltimePath string
}

func resolvePath(workingDir, defaultName, specified string) string {
	path := specified
	if path == "" {
		path = defaultName
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(workingDir, path)
	}
	return path
}

// Run supervises a single child process: spawn, stdio redirection, timeout
// enforcement, cascading kill, and persistence of its return code and
// walltime. Terminal state is only observable after Done() fires.
type Run struct {
	spec     RunSpec
	log      *zap.Logger
	launcher Launcher

	// node layout, assigned by the owning Pipeline before Start.
	nodes        int
	tasksPerNode int

	stdoutPath   string
	stderrPath   string
	returnPath   string
	walltimePath string

	mu             sync.Mutex
	cmd            *exec.Cmd
	pgid           int
	startTime      time.Time
	endTime        time.Time
	endSet         bool
	killed         bool
	timeoutPending bool
	timedOut       bool
	exception      bool
	returnCode     int
	haveReturnCode bool

	startOnce sync.Once
	doneOnce  sync.Once
	done      chan struct{}

	// callbacksDone closes once every registered callback has returned.
	// Join() waits on this, not done: done fires early so external
	// observers don't block on callback work, but a caller that needs the
	// run's full side effects (e.g. a Pipeline removing it from its
	// active set) settled must wait for callbacksDone.
	callbacksOnce sync.Once
	callbacksDone chan struct{}

	killWG sync.WaitGroup

	callbacksMu sync.Mutex
	callbacks   []func(*Run)
}

// NewRun constructs a Run from a spec. Output paths are resolved to
// absolute paths under the run's working directory at construction time.
func NewRun(spec RunSpec, log *zap.Logger) *Run {
	return &Run{
		spec:          spec,
		log:           log.With(zap.String("run", spec.Name)),
		stdoutPath:    resolvePath(spec.WorkingDir, stdoutName+"."+spec.Name, spec.StdoutPath),
		stderrPath:    resolvePath(spec.WorkingDir, stderrName+"."+spec.Name, spec.StderrPath),
		returnPath:    resolvePath(spec.WorkingDir, returnName+"."+spec.Name, spec.ReturnPath),
		walltimePath:  resolvePath(spec.WorkingDir, walltimeName+"."+spec.Name, spec.WalltimePath),
		done:          make(chan struct{}),
		callbacksDone: make(chan struct{}),
	}
}

func (r *Run) Name() string { return r.spec.Name }

// SetLauncher assigns the launcher used to wrap argv. Must be called before
// Start; set by the owning Pipeline when the pipeline starts.
func (r *Run) SetLauncher(l Launcher) { r.launcher = l }

// SetNodeLayout records the node/tasks-per-node counts derived by the
// owning Pipeline from its NodeLayout.
func (r *Run) SetNodeLayout(tasksPerNode int) {
	if tasksPerNode > r.spec.NProcs {
		tasksPerNode = r.spec.NProcs
	}
	r.tasksPerNode = tasksPerNode
	r.nodes = int(math.Ceil(float64(r.spec.NProcs) / float64(tasksPerNode)))
}

func (r *Run) Nodes() int        { return r.nodes }
func (r *Run) TasksPerNode() int { return r.tasksPerNode }

// AddCallback registers a function invoked exactly once when the run
// terminates. Callbacks must not block and must not call back into locked
// Run methods.
func (r *Run) AddCallback(fn func(*Run)) {
	r.callbacksMu.Lock()
	defer r.callbacksMu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Done is closed exactly once, after persistence, when the run terminates.
func (r *Run) Done() <-chan struct{} { return r.done }

// Exception reports whether supervision itself failed (always readable).
func (r *Run) Exception() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exception
}

// TimedOut reports whether the run was killed for exceeding its timeout.
// Panics if called before termination — callers must wait on Done() first.
func (r *Run) TimedOut() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.endSet {
		panic("TimedOut: not available until run is done")
	}
	return r.timedOut
}

// Killed reports whether Kill() (internal or external) fired for this run.
func (r *Run) Killed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.endSet {
		panic("Killed: not available until run is done")
	}
	return r.killed
}

// Succeeded reports whether the run finished normally with a zero return
// code.
func (r *Run) Succeeded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exception {
		return false
	}
	if !r.endSet {
		panic("Succeeded: not available until run is done")
	}
	return !r.killed && !r.timedOut && r.haveReturnCode && r.returnCode == 0
}

// ReturnCode returns the child's exit code, or (-1, false) if the process
// never started or hasn't exited.
func (r *Run) ReturnCode() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.haveReturnCode {
		return -1, false
	}
	return r.returnCode, true
}

// Pid returns the spawned pid, or an error if the process was never
// started.
func (r *Run) Pid() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd == nil || r.cmd.Process == nil {
		return 0, errors.New("pid not available: run not started")
	}
	return r.cmd.Process.Pid, nil
}

// Start launches the run asynchronously. Termination is observed through
// Done()/callbacks, never by blocking here.
func (r *Run) Start() {
	r.startOnce.Do(func() {
		go r.supervise()
	})
}

func (r *Run) supervise() {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in run supervision", zap.Any("panic", rec))
			r.mu.Lock()
			r.exception = true
			r.mu.Unlock()
			r.finish()
		}
	}()

	var args []string
	var err error
	if r.launcher != nil {
		args, err = r.launcher.Wrap(r)
	} else {
		args = append([]string{r.spec.Exe}, r.spec.Args...)
	}
	if err != nil {
		r.log.Error("launcher wrap failed", zap.Error(err))
		r.mu.Lock()
		r.exception = true
		r.mu.Unlock()
		r.finish()
		return
	}

	r.startTime = time.Now()

	r.mu.Lock()
	if r.killed {
		r.log.Info("not starting, killed before start")
		r.mu.Unlock()
		r.finish()
		return
	}
	spawnErr := r.spawn(args)
	r.mu.Unlock()

	if spawnErr != nil {
		r.log.Error("spawn failed", zap.Error(spawnErr))
		r.mu.Lock()
		r.exception = true
		r.mu.Unlock()
		r.finish()
		return
	}

	r.log.Info("started", zap.Int("pid", r.cmd.Process.Pid), zap.Int("pgid", r.pgid), zap.Strings("args", args))

	waitErr, timedOut := r.waitWithTimeout()
	_ = waitErr // exit status extracted via cmd.ProcessState below

	r.pgroupWait()

	r.mu.Lock()
	r.endTime = time.Now()
	r.endSet = true
	if timedOut {
		r.timedOut = true
	}
	r.timeoutPending = false
	rc := exitCode(r.cmd)
	r.returnCode = rc
	r.haveReturnCode = true
	walltime := r.endTime.Sub(r.startTime)
	r.mu.Unlock()

	r.log.Info("done", zap.Int("returncode", rc), zap.Duration("walltime", walltime))

	r.saveWalltime(walltime)
	r.saveReturnCode(rc)

	r.finish()
}

// spawn opens stdio files, overlays the environment, places the child in
// its own process group, and starts it. Must be called with r.mu held.
func (r *Run) spawn(args []string) error {
	cmd := exec.Command(args[0], args[1:]...)

	out, err := os.Create(r.stdoutPath)
	if err != nil {
		return fmt.Errorf("open stdout: %w", err)
	}
	errf, err := os.Create(r.stderrPath)
	if err != nil {
		out.Close()
		return fmt.Errorf("open stderr: %w", err)
	}
	cmd.Stdout = out
	cmd.Stderr = errf

	// Inherit the calling environment (LD_LIBRARY_PATH and friends),
	// overlaying the per-run map: replace, not merge, matching overlays.
	env := os.Environ()
	for k, v := range r.spec.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env
	cmd.Dir = r.spec.WorkingDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		out.Close()
		errf.Close()
		return fmt.Errorf("start: %w", err)
	}

	r.cmd = cmd
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		// Vanishingly rare: the child exited before we could look up its
		// pgid. Fall back to the pid itself, which is also the pgid leader.
		pgid = cmd.Process.Pid
	}
	r.pgid = pgid
	return nil
}

// waitWithTimeout waits for the child, enforcing the configured timeout.
// On timeout it drives the CONT->TERM->sleep(KillWait)->KILL sequence and
// re-waits. Returns the underlying Wait() error (exit status is read from
// cmd.ProcessState) and whether the run counts as timed out: the timeout
// fired and the child's exit code is non-zero.
func (r *Run) waitWithTimeout() (error, bool) {
	waitCh := make(chan error, 1)
	go func() { waitCh <- r.cmd.Wait() }()

	if r.spec.Timeout == nil {
		return <-waitCh, false
	}

	select {
	case err := <-waitCh:
		return err, false
	case <-time.After(*r.spec.Timeout):
		r.log.Warn("timeout exceeded, killing", zap.Duration("timeout", *r.spec.Timeout))
		r.mu.Lock()
		r.timeoutPending = true
		alreadyKilled := r.killed
		r.mu.Unlock()

		if !alreadyKilled {
			r.termKillSequence()
		}
		err := <-waitCh

		r.mu.Lock()
		rc := exitCode(r.cmd)
		if rc != 0 {
			// Re-checked here, under the lock, in case the process
			// completed on its own while the kill sequence was in flight.
			r.mu.Unlock()
			return err, true
		}
		r.mu.Unlock()
		return err, false
	}
}

// termKillSequence sends SIGCONT then SIGTERM to the process group,
// waits KillWait, then sends a tolerant SIGKILL.
func (r *Run) termKillSequence() {
	_ = syscall.Kill(-r.pgid, syscall.SIGCONT)
	if err := syscall.Kill(-r.pgid, syscall.SIGTERM); err != nil {
		r.log.Warn("SIGTERM failed", zap.Error(err))
	}
	time.Sleep(KillWait)
	if err := syscall.Kill(-r.pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		r.log.Warn("SIGKILL failed", zap.Error(err))
	}
}

// pgroupWait probes the process group with the null signal in exponential
// backoff until it no longer exists, escalating to SIGKILL past
// WaitDelayKill and giving up past WaitDelayGiveUp.
func (r *Run) pgroupWait() {
	delay := time.Second
	signum := syscall.Signal(0)
	for {
		if err := syscall.Kill(-r.pgid, signum); errors.Is(err, syscall.ESRCH) {
			return
		}
		time.Sleep(delay)
		delay *= 2
		if delay > WaitDelayKill {
			signum = syscall.SIGKILL
			r.log.Warn("pgroup still exists, escalating to SIGKILL", zap.Duration("delay", delay))
		}
		if delay > WaitDelayGiveUp {
			r.log.Error("pgroup did not exit, giving up")
			return
		}
	}
}

// Kill requests external termination. Idempotent, thread-safe, and a no-op
// if a timeout-triggered kill is already pending or the run has already
// terminated.
func (r *Run) Kill() {
	r.mu.Lock()
	if r.killed || r.timeoutPending || r.endSet {
		r.mu.Unlock()
		return
	}
	r.killed = true
	hasProcess := r.cmd != nil && r.cmd.Process != nil
	r.mu.Unlock()

	if !hasProcess {
		return
	}

	r.log.Warn("kill requested")
	r.killWG.Add(1)
	go func() {
		defer r.killWG.Done()
		r.termKillSequence()
	}()
}

func (r *Run) saveReturnCode(rc int) {
	if err := os.WriteFile(r.returnPath, []byte(strconv.Itoa(rc)+"\n"), 0o644); err != nil {
		r.log.Error("failed to persist return code", zap.Error(err))
	}
}

func (r *Run) saveWalltime(d time.Duration) {
	if err := os.WriteFile(r.walltimePath, []byte(strconv.FormatFloat(d.Seconds(), 'f', -1, 64)+"\n"), 0o644); err != nil {
		r.log.Error("failed to persist walltime", zap.Error(err))
	}
}

func (r *Run) finish() {
	r.mu.Lock()
	if !r.endSet {
		r.endTime = time.Now()
		r.endSet = true
	}
	r.mu.Unlock()

	r.doneOnce.Do(func() { close(r.done) })

	r.callbacksMu.Lock()
	cbs := append([]func(*Run){}, r.callbacks...)
	r.callbacksMu.Unlock()
	for _, cb := range cbs {
		cb(r)
	}

	r.callbacksOnce.Do(func() { close(r.callbacksDone) })
}

// Join waits for the run to terminate, every callback to have returned, and
// any in-flight kill goroutine to complete.
func (r *Run) Join() {
	<-r.callbacksDone
	r.killWG.Wait()
}

// runOutcome returns a short label for metrics, valid only after Done().
func (r *Run) runOutcome() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.exception:
		return "exception"
	case r.timedOut:
		return "timeout"
	case r.killed:
		return "killed"
	case r.haveReturnCode && r.returnCode == 0:
		return "succeeded"
	default:
		return "failed"
	}
}

// wallclock returns end-start, valid only after Done().
func (r *Run) wallclock() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endTime.Sub(r.startTime)
}

func exitCode(cmd *exec.Cmd) int {
	if cmd == nil || cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

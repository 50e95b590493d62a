package engine

import (
	"fmt"
	"os/exec"
	"strconv"
)

// Launcher wraps a run's argv with an MPI-style launcher prefix.
type Launcher interface {
	// Wrap returns the full argv (launcher + run executable + run args) to
	// exec. Resolution of the launcher executable against PATH, if any,
	// happens here so a missing launcher is a fatal per-run error rather
	// than a silent passthrough.
	Wrap(r *Run) ([]string, error)
}

// NoneLauncher passes the run's own argv through unchanged.
type NoneLauncher struct{}

func (NoneLauncher) Wrap(r *Run) ([]string, error) {
	return append([]string{r.spec.Exe}, r.spec.Args...), nil
}

// MPIRunner covers mpiexec/aprun/srun-shaped launchers: an executable found
// on PATH, a required "-n <nprocs>" flag, and optional node / tasks-per-node
// flags.
type MPIRunner struct {
	Exe              string
	NProcsFlag       string
	NodesFlag        string // empty disables
	TasksPerNodeFlag string // empty disables
}

// NewMPIExecRunner returns the predefined `mpiexec -n` launcher.
func NewMPIExecRunner() *MPIRunner {
	return &MPIRunner{Exe: "mpiexec", NProcsFlag: "-n"}
}

// NewAprunRunner returns the predefined `aprun -n [-N]` launcher.
func NewAprunRunner() *MPIRunner {
	return &MPIRunner{Exe: "aprun", NProcsFlag: "-n", TasksPerNodeFlag: "-N"}
}

// NewSrunRunner returns the predefined `srun -n -N` launcher.
func NewSrunRunner() *MPIRunner {
	return &MPIRunner{Exe: "srun", NProcsFlag: "-n", NodesFlag: "-N"}
}

func (m *MPIRunner) Wrap(r *Run) ([]string, error) {
	exePath, err := exec.LookPath(m.Exe)
	if err != nil {
		return nil, fmt.Errorf("launcher %q not found in PATH: %w", m.Exe, err)
	}

	b := newArgvBuilder(exePath)
	b.withFlag(m.NProcsFlag, strconv.Itoa(r.spec.NProcs))
	if m.NodesFlag != "" {
		b.withFlag(m.NodesFlag, strconv.Itoa(r.Nodes()))
	}
	if m.TasksPerNodeFlag != "" {
		b.withFlag(m.TasksPerNodeFlag, strconv.Itoa(r.TasksPerNode()))
	}
	b.withString(r.spec.Exe)
	b.withStrings(r.spec.Args...)
	return b.argv, nil
}

// argvBuilder is a small fluent argv assembler, in the style of the
// teacher's RemuxCommandBuilder, adapted to the launcher's 3-flag grammar.
type argvBuilder struct {
	argv []string
}

func newArgvBuilder(exe string) *argvBuilder {
	return &argvBuilder{argv: []string{exe}}
}

func (b *argvBuilder) withFlag(flag, val string) *argvBuilder {
	if flag == "" {
		return b
	}
	b.argv = append(b.argv, flag, val)
	return b
}

func (b *argvBuilder) withString(s string) *argvBuilder {
	b.argv = append(b.argv, s)
	return b
}

func (b *argvBuilder) withStrings(ss ...string) *argvBuilder {
	b.argv = append(b.argv, ss...)
	return b
}

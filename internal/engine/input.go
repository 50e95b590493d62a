package engine

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// flexID unmarshals a JSON string or number into a string, matching the
// producer input contract's "id (string or number, coerced to string)".
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = flexID(n.String())
	return nil
}

// RunInput is one run entry from a producer pipeline description.
type RunInput struct {
	Name         string            `json:"name"`
	Exe          string            `json:"exe"`
	Args         []string          `json:"args"`
	Env          map[string]string `json:"env"`
	WorkingDir   string            `json:"working_dir"`
	Timeout      *float64          `json:"timeout"`
	NProcs       *int              `json:"nprocs"`
	StdoutPath   string            `json:"stdout_path"`
	StderrPath   string            `json:"stderr_path"`
	ReturnPath   string            `json:"return_path"`
	WalltimePath string            `json:"walltime_path"`
	SleepAfter   *float64          `json:"sleep_after"`
}

func (ri RunInput) validate() error {
	if ri.Name == "" {
		return fmt.Errorf("run missing required field %q", "name")
	}
	if ri.Exe == "" {
		return fmt.Errorf("run %q missing required field %q", ri.Name, "exe")
	}
	if ri.Args == nil {
		return fmt.Errorf("run %q missing required field %q", ri.Name, "args")
	}
	return nil
}

// PipelineInput is one full pipeline description as emitted by the
// producer, one JSON object per array element.
type PipelineInput struct {
	ID                       flexID     `json:"id"`
	WorkingDir               string     `json:"working_dir"`
	Runs                     []RunInput `json:"runs"`
	KillOnPartialFailure     bool       `json:"kill_on_partial_failure"`
	PostProcessScript        string     `json:"post_process_script"`
	PostProcessArgs          []string   `json:"post_process_args"`
	PostProcessStopOnFailure bool       `json:"post_process_stop_on_failure"`
	NodeLayout               []map[string]int `json:"node_layout"`
}

func (pi PipelineInput) validate() error {
	if pi.ID == "" {
		return fmt.Errorf("pipeline missing required field %q", "id")
	}
	if pi.WorkingDir == "" {
		return fmt.Errorf("pipeline %q missing required field %q", pi.ID, "working_dir")
	}
	if len(pi.Runs) == 0 {
		return fmt.Errorf("pipeline %q missing required field %q", pi.ID, "runs")
	}
	for _, r := range pi.Runs {
		if err := r.validate(); err != nil {
			return fmt.Errorf("pipeline %q: %w", pi.ID, err)
		}
	}
	return nil
}

// Build validates the input and converts it into an engine Pipeline, with
// every Run constructed (but not yet admitted: SetPPN/layout resolution
// happens during admission).
func Build(pi PipelineInput, log *zap.Logger) (*Pipeline, error) {
	if err := pi.validate(); err != nil {
		return nil, err
	}

	runs := make([]*Run, 0, len(pi.Runs))
	runNames := make([]string, 0, len(pi.Runs))
	for _, ri := range pi.Runs {
		nprocs := 1
		if ri.NProcs != nil {
			nprocs = *ri.NProcs
		}
		workDir := pi.WorkingDir
		if ri.WorkingDir != "" {
			workDir = resolveDir(pi.WorkingDir, ri.WorkingDir)
		}

		spec := RunSpec{
			Name:         ri.Name,
			Exe:          ri.Exe,
			Args:         ri.Args,
			Env:          ri.Env,
			WorkingDir:   workDir,
			NProcs:       nprocs,
			StdoutPath:   ri.StdoutPath,
			StderrPath:   ri.StderrPath,
			ReturnPath:   ri.ReturnPath,
			WalltimePath: ri.WalltimePath,
		}
		if ri.Timeout != nil {
			d := time.Duration(*ri.Timeout * float64(time.Second))
			spec.Timeout = &d
		}
		if ri.SleepAfter != nil {
			d := time.Duration(*ri.SleepAfter * float64(time.Second))
			spec.SleepAfter = &d
		}

		runs = append(runs, NewRun(spec, log))
		runNames = append(runNames, ri.Name)
	}

	var layout *NodeLayout
	if len(pi.NodeLayout) > 0 {
		l := NewNodeLayout(pi.NodeLayout)
		layout = &l
	}

	p := newPipeline(pipelineConfig{
		ID:                       string(pi.ID),
		WorkingDir:               pi.WorkingDir,
		Runs:                     runs,
		RunNames:                 runNames,
		KillOnPartialFailure:     pi.KillOnPartialFailure,
		PostProcessScript:        pi.PostProcessScript,
		PostProcessArgs:          pi.PostProcessArgs,
		PostProcessStopOnFailure: pi.PostProcessStopOnFailure,
		NodeLayout:               layout,
	}, log.With(zap.String("pipeline", string(pi.ID))))

	return p, nil
}

// resolveDir resolves a run's working_dir override against the pipeline's
// working directory, leaving absolute overrides untouched.
func resolveDir(pipelineDir, override string) string {
	if filepath.IsAbs(override) {
		return override
	}
	return filepath.Join(pipelineDir, override)
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/codar-hpc/workflow/internal/engine"
	"github.com/codar-hpc/workflow/internal/observability"
	"github.com/codar-hpc/workflow/internal/producer"
)

func main() {
	os.Exit(run())
}

func run() int {
	maxProcs := flag.Int("max-procs", 0, "maximum number of MPI processes across all running pipelines (mutually exclusive with --max-nodes)")
	maxNodes := flag.Int("max-nodes", 0, "maximum number of compute nodes across all running pipelines (mutually exclusive with --max-procs)")
	ppn := flag.Int("processes-per-node", 0, "processes per node; required with --max-nodes")
	runnerName := flag.String("runner", "", "launcher: mpiexec, aprun, srun, or none (required)")
	producerKind := flag.String("producer", "file", "producer: file")
	producerInputFile := flag.String("producer-input-file", "", "path to the producer's pipeline description file")
	logFile := flag.String("log-file", "", "path to write logs to (default stderr)")
	logLevel := flag.String("log-level", "INFO", "log level: DEBUG, INFO, WARNING, ERROR, CRITICAL")
	statusFile := flag.String("status-file", "", "path to the status file (enables the status store)")
	metricsAddr := flag.String("metrics-addr", "", "optional address to expose Prometheus metrics on, e.g. :9090")
	flag.Parse()

	if (*maxProcs == 0) == (*maxNodes == 0) {
		fmt.Fprintln(os.Stderr, "exactly one of --max-procs or --max-nodes is required")
		return 1
	}
	if *maxNodes != 0 && *ppn == 0 {
		fmt.Fprintln(os.Stderr, "--processes-per-node is required with --max-nodes")
		return 1
	}
	if *runnerName == "" {
		fmt.Fprintln(os.Stderr, "--runner is required")
		return 1
	}
	if *producerKind != "file" {
		fmt.Fprintf(os.Stderr, "unsupported --producer %q\n", *producerKind)
		return 1
	}
	if *producerInputFile == "" {
		fmt.Fprintln(os.Stderr, "--producer-input-file is required")
		return 1
	}

	log, err := buildLogger(*logFile, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger setup failed: %v\n", err)
		return 1
	}
	defer log.Sync()

	launcher, err := resolveLauncher(*runnerName)
	if err != nil {
		log.Error("invalid --runner", zap.Error(err))
		return 1
	}

	maxNodesResolved := *maxNodes
	ppnResolved := *ppn
	if *maxProcs != 0 {
		// A process-count budget with no explicit topology is one node per
		// process: ppn=1, nodes=max-procs.
		maxNodesResolved = *maxProcs
		ppnResolved = 1
	}

	var status *engine.StatusStore
	if *statusFile != "" {
		status = engine.NewStatusStore(*statusFile, log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *metricsAddr != "" {
		observability.ServeBackground(ctx, *metricsAddr, log)
	}

	runner := engine.NewRunner(engine.RunnerConfig{
		Launcher:         launcher,
		MaxNodes:         maxNodesResolved,
		ProcessesPerNode: ppnResolved,
		Status:           status,
		Log:              log,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Warn("signal received, killing all pipelines", zap.String("signal", sig.String()))
		runner.KillAll()
	}()

	prod := producer.NewFileProducer(*producerInputFile, log)
	pipelines, producerErrs := prod.Pipelines(ctx)

	go func() {
		for p := range pipelines {
			if err := runner.AddPipeline(p); err != nil {
				log.Warn("pipeline rejected", zap.String("pipeline", p.ID()), zap.Error(err))
			}
		}
		runner.Stop()
	}()

	runner.Run()

	if err := <-producerErrs; err != nil {
		log.Error("producer stream ended with error", zap.Error(err))
		return 1
	}
	return 0
}

func resolveLauncher(name string) (engine.Launcher, error) {
	switch name {
	case "mpiexec":
		return engine.NewMPIExecRunner(), nil
	case "aprun":
		return engine.NewAprunRunner(), nil
	case "srun":
		return engine.NewSrunRunner(), nil
	case "none":
		return engine.NoneLauncher{}, nil
	default:
		return nil, fmt.Errorf("unknown runner %q (want mpiexec, aprun, srun, or none)", name)
	}
}

func buildLogger(path, level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.DisableStacktrace = true

	zapLevel, err := parseLogLevel(level)
	if err != nil {
		return nil, err
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	if path != "" {
		cfg.OutputPaths = []string{path}
		cfg.ErrorOutputPaths = []string{path}
	} else {
		cfg.OutputPaths = []string{"stderr"}
		cfg.ErrorOutputPaths = []string{"stderr"}
	}

	return cfg.Build()
}

// parseLogLevel maps the spec's syslog-style level names onto zap's levels;
// zap has no CRITICAL, so it maps to DPanic, the closest "must fix" level
// below Fatal (which would abort the process on a log call).
func parseLogLevel(level string) (zapcore.Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zapcore.DebugLevel, nil
	case "INFO":
		return zapcore.InfoLevel, nil
	case "WARNING":
		return zapcore.WarnLevel, nil
	case "ERROR":
		return zapcore.ErrorLevel, nil
	case "CRITICAL":
		return zapcore.DPanicLevel, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", level)
	}
}

package engine

import "errors"

var (
	// ErrNewPipelinesDisallowed is returned by AddPipeline once Stop (or
	// KillAll) has been called.
	ErrNewPipelinesDisallowed = errors.New("engine: new pipelines are no longer accepted")
	// ErrDuplicatePipelineID is returned when a pipeline id collides with
	// one already admitted or running in this engine invocation.
	ErrDuplicatePipelineID = errors.New("engine: duplicate pipeline id")
)

// Package producer implements the engine's sole built-in producer: reading
// a sequence of pipeline descriptions from a JSON array on disk and
// streaming them one at a time.
package producer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codar-hpc/workflow/internal/engine"
	"github.com/codar-hpc/workflow/pkg/jsonx"
)

// FileProducer reads pipeline descriptions from a single JSON file
// containing a top-level array of pipeline objects.
type FileProducer struct {
	path string
	log  *zap.Logger
}

// NewFileProducer constructs a producer reading from path.
func NewFileProducer(path string, log *zap.Logger) *FileProducer {
	return &FileProducer{path: path, log: log.Named("file_producer")}
}

// Pipelines streams one built *engine.Pipeline at a time as it is decoded
// from the input array, rather than unmarshaling the whole file up front.
// Malformed entries are logged and skipped; the returned error channel
// carries only fatal, stream-ending failures (bad file, malformed
// top-level structure) and is closed once the pipeline channel is closed.
func (fp *FileProducer) Pipelines(ctx context.Context) (<-chan *engine.Pipeline, <-chan error) {
	out := make(chan *engine.Pipeline)
	errs := make(chan error, 1)

	// Every call gets its own correlation id so log lines from this
	// ingestion pass can be grepped out of a long-running engine's output.
	batchLog := fp.log.With(zap.String("ingestion_id", uuid.NewString()))

	go func() {
		defer close(out)
		defer close(errs)

		f, err := os.Open(fp.path)
		if err != nil {
			errs <- fmt.Errorf("open producer input file: %w", err)
			return
		}
		defer f.Close()

		batchLog.Info("reading pipeline input", zap.String("path", fp.path))

		dec := json.NewDecoder(f)

		tok, err := dec.Token()
		if err != nil {
			errs <- fmt.Errorf("read producer input: %w", err)
			return
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '[' {
			errs <- fmt.Errorf("producer input file must contain a top-level JSON array")
			return
		}

		for dec.More() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				errs <- fmt.Errorf("read pipeline entry: %w", err)
				return
			}

			var input engine.PipelineInput
			if err := jsonx.ParseJSONObject(bytes.NewReader(raw), &input); err != nil {
				batchLog.Warn("skipping malformed pipeline entry", zap.Error(err))
				continue
			}

			p, err := engine.Build(input, fp.log)
			if err != nil {
				batchLog.Warn("skipping pipeline with invalid description",
					zap.String("pipeline_id", string(input.ID)), zap.Error(err))
				continue
			}

			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, errs
}

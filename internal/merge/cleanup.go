package merge

import (
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prappser/chunkd/internal/chunk"
	"github.com/prappser/chunkd/internal/metrics"
	"github.com/rs/zerolog/log"
)

// cleanup removes consumed chunk records from dir and then dir itself. Failures are
// returned as warnings; the artifact is already committed.
func (e *Engine) cleanup(fileKey, dir string, chunks []chunk.Info) []error {
	var warnings []error

	for _, c := range chunks {
		path := filepath.Join(dir, c.Key)
		if err := e.removeFile(path); err != nil && !os.IsNotExist(err) {
			metrics.CleanupFailures.WithLabelValues("chunk").Inc()
			warnings = append(warnings, &CleanupError{FileKey: fileKey, Path: path, Err: err})
		}
	}

	if e.settleDelay > 0 {
		time.Sleep(e.settleDelay)
	}

	if err := e.removeDir(dir); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Str("fileKey", fileKey).Msg("Staging directory not removable, forcing")

		if err := e.removeAll(dir); err != nil {
			metrics.CleanupFailures.WithLabelValues("staging").Inc()
			warnings = append(warnings, &CleanupError{FileKey: fileKey, Path: dir, Err: err})
		}
	}

	if len(warnings) > 0 {
		var merr *multierror.Error
		merr = multierror.Append(merr, warnings...)
		log.Warn().
			Err(merr).
			Str("fileKey", fileKey).
			Int("failures", len(warnings)).
			Msg("Merge succeeded but cleanup was incomplete")
	}

	return warnings
}

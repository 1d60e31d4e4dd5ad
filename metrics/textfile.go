package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/huykn/localcached/types"
)

// TextfileWriter periodically writes a registry in the node-exporter textfile
// format. WriteToTextfile replaces the file atomically.
type TextfileWriter struct {
	path     string
	interval time.Duration
	gatherer prometheus.Gatherer
	logger   types.Logger
}

// NewTextfileWriter returns a writer for path.
func NewTextfileWriter(path string, interval time.Duration, g prometheus.Gatherer, logger types.Logger) *TextfileWriter {
	if logger == nil {
		logger = types.NewNoOpLogger()
	}
	return &TextfileWriter{path: path, interval: interval, gatherer: g, logger: logger}
}

// WriteOnce writes the current values.
func (w *TextfileWriter) WriteOnce() error {
	return prometheus.WriteToTextfile(w.path, w.gatherer)
}

// Run writes every interval until ctx is done, then writes a final time.
// Write failures are logged and retried on the next interval.
func (w *TextfileWriter) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := w.WriteOnce(); err != nil {
				w.logger.Warn("final metrics textfile write failed", "path", w.path, "error", err)
			}
			return nil
		case <-ticker.C:
			if err := w.WriteOnce(); err != nil {
				w.logger.Warn("metrics textfile write failed", "path", w.path, "error", err)
			}
		}
	}
}

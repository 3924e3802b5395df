// Package reporting delivers abandoned-task reports to operators.
package reporting

import (
	"context"
	"log/slog"
	"sort"
)

// Reporter matches tasks.ErrorReporter.
type Reporter interface {
	Report(ctx context.Context, err error, fields map[string]interface{})
}

// LogReporter writes reports to the structured log.
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter creates a LogReporter.
func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{logger: logger.With("component", "error_reporter")}
}

// Report implements Reporter.
func (r *LogReporter) Report(ctx context.Context, err error, fields map[string]interface{}) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]interface{}, 0, 2*len(keys)+2)
	args = append(args, "error", err)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}
	r.logger.ErrorContext(ctx, "task failure reported", args...)
}

// Multi fans a report out to several reporters.
type Multi []Reporter

// Report implements Reporter.
func (m Multi) Report(ctx context.Context, err error, fields map[string]interface{}) {
	for _, r := range m {
		if r != nil {
			r.Report(ctx, err, fields)
		}
	}
}

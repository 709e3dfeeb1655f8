// Package history records completed task outcomes for later inspection.
// Recording is always fire-and-forget from the Dispatcher's perspective —
// a Recorder must never block or fail a task.
package history

import (
	"context"
	"time"
)

// TaskOutcome is the write-only record a Recorder persists. It carries no
// task result payload, only what happened and how long it took.
type TaskOutcome struct {
	TaskID     string
	Method     string
	WorkerID   string
	DurationMs int64
	OK         bool
	ErrMessage string
	SettledAt  time.Time
}

// Recorder persists TaskOutcomes. Implementations must not block the
// caller for longer than it takes to hand the outcome off internally.
type Recorder interface {
	Record(outcome TaskOutcome)
	Close() error
}

// NullRecorder discards every outcome. It is the default when no history
// backend is configured.
type NullRecorder struct{}

func (NullRecorder) Record(TaskOutcome) {}
func (NullRecorder) Close() error       { return nil }

var _ Recorder = NullRecorder{}

// Context carries no special meaning for Recorder.Record on purpose — the
// call must return immediately, so there is nothing for a caller-supplied
// context to cancel. Unexported to keep the surface obvious at call sites.
var backgroundCtx = context.Background()

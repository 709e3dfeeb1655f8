package history

import (
	"sync"
	"time"

	"github.com/Gearlay/workerpool/pkg/dispatch"
)

// ObserverRecorder adapts a Recorder to dispatch.Observer so a Pool can be
// configured with it directly. It uses TaskDispatched (to learn which
// worker ran a method), TaskSettled (to record the outcome) and
// TaskRejected (to record a submit-time rejection); worker lifecycle
// events are not part of task history.
type ObserverRecorder struct {
	rec Recorder

	mu      sync.Mutex
	pending map[string]string // method -> last worker it was dispatched to
}

// NewObserverRecorder wraps rec.
func NewObserverRecorder(rec Recorder) *ObserverRecorder {
	return &ObserverRecorder{rec: rec, pending: make(map[string]string)}
}

func (o *ObserverRecorder) TaskDispatched(method, workerID string) {
	o.mu.Lock()
	o.pending[method] = workerID
	o.mu.Unlock()
}

func (o *ObserverRecorder) TaskRejected(method, reason string) {
	o.rec.Record(TaskOutcome{
		Method:     method,
		OK:         false,
		ErrMessage: "rejected: " + reason,
		SettledAt:  time.Now(),
	})
}

func (o *ObserverRecorder) TaskSettled(method string, d time.Duration, err error) {
	o.mu.Lock()
	workerID := o.pending[method]
	delete(o.pending, method)
	o.mu.Unlock()

	outcome := TaskOutcome{
		Method:     method,
		WorkerID:   workerID,
		DurationMs: d.Milliseconds(),
		OK:         err == nil,
		SettledAt:  time.Now(),
	}
	if err != nil {
		outcome.ErrMessage = err.Error()
	}
	o.rec.Record(outcome)
}

func (o *ObserverRecorder) WorkerCreated(id string)             {}
func (o *ObserverRecorder) WorkerRemoved(id string, crashed bool) {}

var _ dispatch.Observer = (*ObserverRecorder)(nil)

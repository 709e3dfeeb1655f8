package history

import (
	"github.com/Gearlay/workerpool/pkg/db"
	"github.com/Gearlay/workerpool/pkg/dispatch"
)

// SQLRecorder persists outcomes through database/sql, fed by a bounded
// channel drained on its own goroutine so Record never blocks the
// Dispatcher's run loop. Grounded on pkg/db.Pool — the driver is selected
// by PoolConfig.DriverName ("postgres" via lib/pq, "sqlite3" via
// mattn/go-sqlite3), the Recorder itself is agnostic to which.
type SQLRecorder struct {
	pool    *db.Pool
	driver  string
	logger  dispatch.Logger
	outcome chan TaskOutcome
	done    chan struct{}
}

// NewSQLRecorder opens the pool, creates the history table if absent, and
// starts the drain goroutine.
func NewSQLRecorder(cfg db.PoolConfig, logger dispatch.Logger) (*SQLRecorder, error) {
	pool, err := db.NewPool(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = dispatch.NewDefaultLogger()
	}
	if err := createHistoryTable(pool); err != nil {
		pool.Close()
		return nil, err
	}
	r := &SQLRecorder{
		pool:    pool,
		driver:  cfg.DriverName,
		logger:  logger,
		outcome: make(chan TaskOutcome, 1024),
		done:    make(chan struct{}),
	}
	go r.drain()
	return r, nil
}

func createHistoryTable(pool *db.Pool) error {
	ddl := `CREATE TABLE IF NOT EXISTS task_history (
		task_id TEXT NOT NULL,
		method TEXT NOT NULL,
		worker_id TEXT NOT NULL,
		duration_ms BIGINT NOT NULL,
		ok BOOLEAN NOT NULL,
		err_message TEXT NOT NULL,
		settled_at TIMESTAMP NOT NULL
	)`
	_, err := pool.Exec(backgroundCtx, ddl)
	return err
}

// insertStmt returns the driver-appropriate placeholder form: lib/pq wants
// $1..$n, mattn/go-sqlite3 accepts plain ?.
func (r *SQLRecorder) insertStmt() string {
	cols := `task_id, method, worker_id, duration_ms, ok, err_message, settled_at`
	if r.driver == "postgres" {
		return `INSERT INTO task_history (` + cols + `) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	}
	return `INSERT INTO task_history (` + cols + `) VALUES (?, ?, ?, ?, ?, ?, ?)`
}

// Record enqueues outcome for the drain goroutine. If the buffer is full,
// the outcome is dropped and logged — history is best-effort, never a
// backpressure source for the Dispatcher.
func (r *SQLRecorder) Record(outcome TaskOutcome) {
	select {
	case r.outcome <- outcome:
	default:
		r.logger.Warnf("history: dropping outcome for task %s, buffer full", outcome.TaskID)
	}
}

func (r *SQLRecorder) drain() {
	defer close(r.done)
	insert := r.insertStmt()
	for o := range r.outcome {
		if _, err := r.pool.Exec(backgroundCtx, insert, o.TaskID, o.Method, o.WorkerID, o.DurationMs, o.OK, o.ErrMessage, o.SettledAt); err != nil {
			r.logger.Warnf("history: insert failed for task %s: %v", o.TaskID, err)
		}
	}
}

// Close stops accepting outcomes, drains what is already buffered, and
// closes the underlying pool.
func (r *SQLRecorder) Close() error {
	close(r.outcome)
	<-r.done
	return r.pool.Close()
}

var _ Recorder = (*SQLRecorder)(nil)

package history

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Gearlay/workerpool/pkg/dispatch"
)

// PGXRecorder persists outcomes through a pgxpool.Pool, batching inserts
// with pgx's native batch protocol instead of one round trip per row.
// Grounded on the pgxpool.New/Pool usage pattern shared by the example
// pack's Postgres-backed services.
type PGXRecorder struct {
	pool      *pgxpool.Pool
	logger    dispatch.Logger
	outcome   chan TaskOutcome
	done      chan struct{}
	batchSize int
}

// NewPGXRecorder connects to dsn and starts the batching drain goroutine.
func NewPGXRecorder(ctx context.Context, dsn string, logger dispatch.Logger) (*PGXRecorder, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = dispatch.NewDefaultLogger()
	}
	const ddl = `CREATE TABLE IF NOT EXISTS task_history (
		task_id TEXT NOT NULL,
		method TEXT NOT NULL,
		worker_id TEXT NOT NULL,
		duration_ms BIGINT NOT NULL,
		ok BOOLEAN NOT NULL,
		err_message TEXT NOT NULL,
		settled_at TIMESTAMPTZ NOT NULL
	)`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, err
	}
	r := &PGXRecorder{
		pool:      pool,
		logger:    logger,
		outcome:   make(chan TaskOutcome, 1024),
		done:      make(chan struct{}),
		batchSize: 50,
	}
	go r.drain()
	return r, nil
}

func (r *PGXRecorder) Record(outcome TaskOutcome) {
	select {
	case r.outcome <- outcome:
	default:
		r.logger.Warnf("history: dropping outcome for task %s, buffer full", outcome.TaskID)
	}
}

// drain batches outcomes into a single pgx.Batch round trip each time
// batchSize of them have accumulated, and writes whatever remains when
// Close is called. There is no time-based flush: a partial batch stays
// buffered until it fills or the recorder is closed.
func (r *PGXRecorder) drain() {
	defer close(r.done)
	const insert = `INSERT INTO task_history (task_id, method, worker_id, duration_ms, ok, err_message, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	buf := make([]TaskOutcome, 0, r.batchSize)
	flush := func() {
		if len(buf) == 0 {
			return
		}
		batch := &pgx.Batch{}
		for _, o := range buf {
			batch.Queue(insert, o.TaskID, o.Method, o.WorkerID, o.DurationMs, o.OK, o.ErrMessage, o.SettledAt)
		}
		br := r.pool.SendBatch(backgroundCtx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				r.logger.Warnf("history: pgx batch insert failed: %v", err)
				break
			}
		}
		br.Close()
		buf = buf[:0]
	}

	for o := range r.outcome {
		buf = append(buf, o)
		if len(buf) >= r.batchSize {
			flush()
		}
	}
	flush()
}

func (r *PGXRecorder) Close() error {
	close(r.outcome)
	<-r.done
	r.pool.Close()
	return nil
}

var _ Recorder = (*PGXRecorder)(nil)

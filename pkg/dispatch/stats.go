package dispatch

import "time"

// Stats is the pool-level snapshot returned by Pool.Stats.
type Stats struct {
	TotalWorkers     int
	BusyWorkers      int
	IdleWorkers      int
	AvailableWorkers int
	PendingTasks     int
	ActiveTasks      int
}

// WStats aggregates the per-worker counters from WorkerHandle.Stats across
// the current worker set, plus the pool size and readiness counts that
// accompany those counters (total workers in the set, and how many are
// still accepting work).
//
// minTime deviates from the source this package was modeled on: that
// implementation seeds its running minimum at 0 and never corrects it when
// every worker's fastest call is slower than that, so MinTime reads 0
// forever. Here the running minimum is seeded at +Inf and only workers that
// have recorded at least one call take part; MinTime is 0 when there are
// no workers, or when none of them has recorded a call yet.
//
// lastTime is not a min/max-style reduction — there is no cross-worker
// wall-clock ordering to reduce over — so it takes the LastTime of the
// last worker in the set that has recorded at least one call.
type WStats struct {
	TotalTime    time.Duration
	MinTime      time.Duration
	MaxTime      time.Duration
	LastTime     time.Duration
	RequestCount int64
	AverageELU   float64

	// PoolSize is the number of workers in the set being aggregated.
	PoolSize int
	// ReadyWorkers is how many of them are still accepting work
	// (neither terminated nor crashed).
	ReadyWorkers int
}

func aggregateWStats(workers []WorkerHandle) WStats {
	if len(workers) == 0 {
		return WStats{}
	}
	min := time.Duration(1<<63 - 1) // +Inf stand-in for time.Duration
	var out WStats
	var eluSum float64
	for _, w := range workers {
		s := w.Stats()
		out.TotalTime += s.TotalTime
		out.RequestCount += s.RequestCount
		if s.MaxTime > out.MaxTime {
			out.MaxTime = s.MaxTime
		}
		if s.RequestCount > 0 && s.MinTime < min {
			min = s.MinTime
		}
		if s.RequestCount > 0 {
			out.LastTime = s.LastTime
		}
		eluSum += s.ELU
		if !w.Terminated() {
			out.ReadyWorkers++
		}
	}
	if min != time.Duration(1<<63-1) {
		out.MinTime = min
	}
	out.PoolSize = len(workers)
	out.AverageELU = eluSum / float64(len(workers))
	return out
}

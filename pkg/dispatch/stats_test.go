package dispatch

import "testing"

func TestAggregateWStatsEmptySet(t *testing.T) {
	out := aggregateWStats(nil)
	if out.MinTime != 0 || out.MaxTime != 0 || out.PoolSize != 0 || out.ReadyWorkers != 0 {
		t.Fatalf("expected zero-value WStats for an empty worker set, got %+v", out)
	}
}

func TestAggregateWStatsReducesAcrossWorkers(t *testing.T) {
	workers := []WorkerHandle{
		&fakeWorker{id: "w1", stats: WorkerStats{MinTime: 10, MaxTime: 50, LastTime: 20, TotalTime: 80, RequestCount: 3}},
		&fakeWorker{id: "w2", stats: WorkerStats{MinTime: 5, MaxTime: 30, LastTime: 7, TotalTime: 42, RequestCount: 5}},
		&fakeWorker{id: "w3", terminated: true, stats: WorkerStats{}},
	}

	out := aggregateWStats(workers)

	if out.MinTime != 5 {
		t.Errorf("MinTime = %v, want 5", out.MinTime)
	}
	if out.MaxTime != 50 {
		t.Errorf("MaxTime = %v, want 50", out.MaxTime)
	}
	if out.LastTime != 7 {
		t.Errorf("LastTime = %v, want 7 (the last worker with a recorded call)", out.LastTime)
	}
	if out.TotalTime != 122 {
		t.Errorf("TotalTime = %v, want 122", out.TotalTime)
	}
	if out.RequestCount != 8 {
		t.Errorf("RequestCount = %v, want 8", out.RequestCount)
	}
	if out.PoolSize != 3 {
		t.Errorf("PoolSize = %v, want 3", out.PoolSize)
	}
	if out.ReadyWorkers != 2 {
		t.Errorf("ReadyWorkers = %v, want 2 (one worker is terminated)", out.ReadyWorkers)
	}
}

func TestAggregateWStatsMinTimeIgnoresWorkersWithNoRequests(t *testing.T) {
	workers := []WorkerHandle{
		&fakeWorker{id: "w1", stats: WorkerStats{RequestCount: 0}},
		&fakeWorker{id: "w2", stats: WorkerStats{MinTime: 12, MaxTime: 12, LastTime: 12, RequestCount: 1}},
	}

	out := aggregateWStats(workers)

	if out.MinTime != 12 {
		t.Errorf("MinTime = %v, want 12 (a never-called worker must not win the minimum)", out.MinTime)
	}
	if out.PoolSize != 2 {
		t.Errorf("PoolSize = %v, want 2", out.PoolSize)
	}
	if out.ReadyWorkers != 2 {
		t.Errorf("ReadyWorkers = %v, want 2", out.ReadyWorkers)
	}
}

package core

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestStoreCreateAndGet(t *testing.T) {
	t.Parallel()
	s := NewStore()

	created, err := s.Create("job-1", 2, []string{"a.png", "b.png"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Status != JobStatusQueued {
		t.Fatalf("new job should be queued, got %s", created.Status)
	}
	if created.Progress != 0 {
		t.Fatalf("new job should have zero progress, got %d", created.Progress)
	}

	got, err := s.Get("job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != "job-1" || got.ImageCount != 2 {
		t.Fatalf("unexpected record: %+v", got)
	}

	if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreCreateDuplicateID(t *testing.T) {
	t.Parallel()
	s := NewStore()

	if _, err := s.Create("job-1", 1, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Create("job-1", 1, nil); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestStoreGetReturnsCopy(t *testing.T) {
	t.Parallel()
	s := NewStore()

	s.Create("job-1", 1, []string{"a.png"})
	s.AppendLog("job-1", NewProgressEvent("first", nil, nil))

	got, _ := s.Get("job-1")
	got.Logs[0].Message = "mutated"
	got.Status = JobStatusFailed

	fresh, _ := s.Get("job-1")
	if fresh.Logs[0].Message != "first" {
		t.Fatal("caller mutation leaked into store-owned log entry")
	}
	if fresh.Status != JobStatusQueued {
		t.Fatal("caller mutation leaked into store-owned record")
	}
}

func TestStoreUpdateUnknownJob(t *testing.T) {
	t.Parallel()
	s := NewStore()

	err := s.Update("missing", func(j *JobRecord) { j.Progress = 50 })
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreLogOrderPreserved(t *testing.T) {
	t.Parallel()
	s := NewStore()
	s.Create("job-1", 1, nil)

	// Concurrent readers must never perturb single-producer append order.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			s.Get("job-1")
		}
	}()

	for _, msg := range []string{"A", "B", "C"} {
		if err := s.AppendLog("job-1", NewProgressEvent(msg, nil, nil)); err != nil {
			t.Fatalf("append %s: %v", msg, err)
		}
	}
	<-done

	got, _ := s.Get("job-1")
	if len(got.Logs) != 3 {
		t.Fatalf("expected 3 log entries, got %d", len(got.Logs))
	}
	for i, want := range []string{"A", "B", "C"} {
		if got.Logs[i].Message != want {
			t.Fatalf("log %d: expected %q, got %q", i, want, got.Logs[i].Message)
		}
	}
	if got.Message != "C" {
		t.Fatalf("latest message should be C, got %q", got.Message)
	}
}

func TestStoreConcurrentAppends(t *testing.T) {
	t.Parallel()
	s := NewStore()

	const jobs = 4
	const appends = 50
	var wg sync.WaitGroup
	for j := 0; j < jobs; j++ {
		id := fmt.Sprintf("job-%d", j)
		s.Create(id, 1, nil)
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < appends; i++ {
				s.AppendLog(id, NewProgressEvent(fmt.Sprintf("msg-%d", i), nil, nil))
			}
		}(id)
	}
	wg.Wait()

	for j := 0; j < jobs; j++ {
		got, _ := s.Get(fmt.Sprintf("job-%d", j))
		if len(got.Logs) != appends {
			t.Fatalf("job %d: expected %d entries, got %d", j, appends, len(got.Logs))
		}
		for i := 0; i < appends; i++ {
			if got.Logs[i].Message != fmt.Sprintf("msg-%d", i) {
				t.Fatalf("job %d: out-of-order entry at %d: %q", j, i, got.Logs[i].Message)
			}
		}
	}
}

func TestStoreListNewestFirst(t *testing.T) {
	t.Parallel()
	s := NewStore()

	base := time.Now()
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("job-%d", i)
		s.Create(id, 1, nil)
		created := base.Add(time.Duration(i) * time.Minute)
		s.Update(id, func(j *JobRecord) { j.CreatedAt = created })
	}
	s.Update("job-2", func(j *JobRecord) { j.Status = JobStatusCompleted })

	all := s.List("", 0)
	if len(all) != 5 {
		t.Fatalf("expected 5 jobs, got %d", len(all))
	}
	for i := 0; i < 4; i++ {
		if all[i].CreatedAt.Before(all[i+1].CreatedAt) {
			t.Fatalf("list not newest-first at %d", i)
		}
	}

	limited := s.List("", 2)
	if len(limited) != 2 || limited[0].ID != "job-4" || limited[1].ID != "job-3" {
		t.Fatalf("unexpected limited list: %+v", limited)
	}

	completed := s.List(JobStatusCompleted, 0)
	if len(completed) != 1 || completed[0].ID != "job-2" {
		t.Fatalf("unexpected filtered list: %+v", completed)
	}
}

func TestStoreDeleteIdempotent(t *testing.T) {
	t.Parallel()
	s := NewStore()
	s.Create("job-1", 1, nil)

	if !s.Delete("job-1") {
		t.Fatal("first delete should report removal")
	}
	if s.Delete("job-1") {
		t.Fatal("second delete should be a no-op")
	}
	if s.Delete("never-existed") {
		t.Fatal("deleting an unknown id should be a no-op")
	}
}

func TestStoreEvictsOnlyExpiredTerminalJobs(t *testing.T) {
	t.Parallel()
	s := NewStore()

	old := time.Now().Add(-2 * time.Hour)
	s.Create("done-old", 1, nil)
	s.Update("done-old", func(j *JobRecord) {
		j.Status = JobStatusCompleted
		j.CreatedAt = old
	})
	s.Create("running-old", 1, nil)
	s.Update("running-old", func(j *JobRecord) {
		j.Status = JobStatusProcessing
		j.CreatedAt = old
	})
	s.Create("done-fresh", 1, nil)
	s.Update("done-fresh", func(j *JobRecord) { j.Status = JobStatusFailed })

	if n := s.evictExpired(time.Hour); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if _, err := s.Get("done-old"); !errors.Is(err, ErrNotFound) {
		t.Fatal("expired terminal job should be evicted")
	}
	if _, err := s.Get("running-old"); err != nil {
		t.Fatal("in-flight job must never be evicted")
	}
	if _, err := s.Get("done-fresh"); err != nil {
		t.Fatal("fresh terminal job should be retained")
	}
}

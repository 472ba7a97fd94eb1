package core

import (
	"log"
	"sort"
	"sync"
	"time"
)

// Store is the single mutual-exclusion domain for all job records. Workers
// mutate their own record through Update; API handlers read copies. Nothing
// outside this type ever touches the shared map.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*JobRecord

	stopJanitor chan struct{}
	janitorOnce sync.Once
}

func NewStore() *Store {
	return &Store{
		jobs:        make(map[string]*JobRecord),
		stopJanitor: make(chan struct{}),
	}
}

// Create registers a new record in the queued state. Ids are never reused;
// a collision reports ErrDuplicateID and leaves the store unchanged.
func (s *Store) Create(id string, imageCount int, filenames []string) (*JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; ok {
		return nil, ErrDuplicateID
	}

	job := &JobRecord{
		ID:         id,
		Status:     JobStatusQueued,
		Progress:   0,
		Message:    "Job queued for processing",
		Logs:       []LogEntry{},
		CreatedAt:  time.Now(),
		ImageCount: imageCount,
		Filenames:  append([]string(nil), filenames...),
	}
	s.jobs[id] = job
	return job.clone(), nil
}

// Get returns a copy of the record so callers never alias store-owned memory.
func (s *Store) Get(id string) (*JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.clone(), nil
}

// Update applies an atomic read-modify-write under the store lock. All state
// transitions, progress writes and log appends go through here so concurrent
// mutators cannot lose updates.
func (s *Store) Update(id string, mutate func(*JobRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	mutate(job)
	return nil
}

// AppendLog records a progress event in the job's durable history and
// refreshes the latest-message field.
func (s *Store) AppendLog(id string, event ProgressEvent) error {
	return s.Update(id, func(job *JobRecord) {
		job.Logs = append(job.Logs, event.logEntry())
		job.Message = event.Message
	})
}

// List returns copies of records ordered newest-first by creation time,
// optionally filtered by status, truncated to limit.
func (s *Store) List(status JobStatus, limit int) []*JobRecord {
	s.mu.Lock()
	out := make([]*JobRecord, 0, len(s.jobs))
	for _, job := range s.jobs {
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, job.clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Delete removes the record if present. Deleting an absent id is a no-op;
// the return value lets handlers report 404 without treating it as a fault.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return false
	}
	delete(s.jobs, id)
	return true
}

// Count returns the number of tracked records.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// StartJanitor begins periodic eviction of terminal records older than ttl.
// In-flight jobs are never evicted. A ttl of zero disables retention sweeps.
func (s *Store) StartJanitor(ttl, interval time.Duration) {
	if ttl <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopJanitor:
				return
			case <-ticker.C:
				if n := s.evictExpired(ttl); n > 0 {
					log.Printf("[store] evicted %d expired terminal job(s)", n)
				}
			}
		}
	}()
}

// StopJanitor halts the retention sweeper. Safe to call more than once.
func (s *Store) StopJanitor() {
	s.janitorOnce.Do(func() { close(s.stopJanitor) })
}

func (s *Store) evictExpired(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, job := range s.jobs {
		if job.Status.Terminal() && job.CreatedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n
}

// Package progress tracks per-job progress, cancellation and finished
// artifacts for report runs.
package progress

import (
	"sync"
	"time"
)

// TTL is how long an entry survives after its last update
const TTL = 30 * time.Minute

// Cancelled is the percentage reported by a cancelled job
const Cancelled = -1

// Record is one progress emission
type Record struct {
	Percentage int       `json:"percentage"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// Job is a snapshot of a job's state
type Job struct {
	ID         string    `json:"id"`
	Percentage int       `json:"percentage"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	History    []Record  `json:"history"`
	Cancelled  bool      `json:"cancelled"`
	Error      string    `json:"error,omitempty"`
	ServerRef  string    `json:"serverRef,omitempty"`
	HasResult  bool      `json:"hasResult"`
}

// Terminal reports whether the job has finished in any way
func (j Job) Terminal() bool {
	return j.Percentage >= 100 || j.Error != "" || j.Cancelled
}

type entry struct {
	job      Job
	artifact []byte
	closed   bool // the single -1 emission of a cancelled job was recorded
}

func (e *entry) terminal() bool {
	return e.job.Terminal()
}

// Store is an in-memory job table safe for concurrent use. Entries expire TTL
// after their last update; expiry runs opportunistically on every Update.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*entry
	now  func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithClock replaces time.Now, mainly for tests
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore returns an empty store
func NewStore(opts ...Option) *Store {
	s := &Store{
		jobs: make(map[string]*entry),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) create(id string, now time.Time) *entry {
	e := &entry{job: Job{
		ID:        id,
		Message:   "Initializing",
		Timestamp: now,
		History:   []Record{},
	}}
	s.jobs[id] = e
	return e
}

// Ensure creates the job at 0% "Initializing" if it does not exist.
func (s *Store) Ensure(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		s.create(id, s.now())
	}
}

// Update records a progress emission, creating the job if needed. Once a job is
// terminal further updates are dropped, except the one -1 emission that
// closes a cancelled job. A -1 emission on a running job cancels it; other
// negative percentages are rejected. The return value reports whether it was
// recorded.
func (s *Store) Update(id string, pct int, msg string) bool {
	if pct < 0 && pct != Cancelled {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)

	e, ok := s.jobs[id]
	if !ok {
		e = s.create(id, now)
	}

	if e.terminal() {
		if !(e.job.Cancelled && pct == Cancelled && !e.closed) {
			return false
		}
	}
	if pct == Cancelled {
		e.job.Cancelled = true
		e.closed = true
	}

	s.recordLocked(e, pct, msg, now)
	return true
}

func (s *Store) recordLocked(e *entry, pct int, msg string, now time.Time) {
	e.job.Percentage = pct
	e.job.Message = msg
	e.job.Timestamp = now
	e.job.History = append(e.job.History, Record{Percentage: pct, Message: msg, Timestamp: now})
}

// Cancel flags the job as cancelled. Producers observe the flag at their
// next checkpoint. Unknown and already finished jobs return false.
func (s *Store) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[id]
	if !ok || e.terminal() {
		return false
	}
	e.job.Cancelled = true
	return true
}

// IsCancelled reports the cancellation flag
func (s *Store) IsCancelled(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	return ok && e.job.Cancelled
}

// Fail records a terminal error. It is ignored for jobs that already ended.
func (s *Store) Fail(id string, err error) bool {
	if err == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.jobs[id]
	if !ok {
		e = s.create(id, now)
	}
	if e.terminal() {
		return false
	}
	e.job.Error = err.Error()
	s.recordLocked(e, e.job.Percentage, "Error: "+err.Error(), now)
	return true
}

// Complete stores the finished document and moves the job to 100%.
func (s *Store) Complete(id string, artifact []byte, msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.jobs[id]
	if !ok {
		e = s.create(id, now)
	}
	if e.terminal() {
		return false
	}
	e.artifact = artifact
	e.job.HasResult = len(artifact) > 0
	s.recordLocked(e, 100, msg, now)
	return true
}

// SetServer records which dashboard server the job runs against
func (s *Store) SetServer(id, serverRef string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		e = s.create(id, s.now())
	}
	e.job.ServerRef = serverRef
}

// Get returns a snapshot of the job. found is false for unknown ids, which
// callers treat as "not started yet".
func (s *Store) Get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	snap := e.job
	snap.History = append([]Record(nil), e.job.History...)
	return snap, true
}

// Artifact returns the finished document of a completed job
func (s *Store) Artifact(id string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	if !ok || len(e.artifact) == 0 {
		return nil, false
	}
	return e.artifact, true
}

// Sweep removes every entry whose last update is at least TTL before now and
// returns how many were removed.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(now)
}

func (s *Store) sweepLocked(now time.Time) int {
	removed := 0
	for id, e := range s.jobs {
		if now.Sub(e.job.Timestamp) >= TTL {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of live entries
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Sink binds the store to one job id. It is what the capture pipeline
// reports progress into.
type Sink struct {
	store *Store
	id    string
}

// SinkFor returns the progress sink of a job
func (s *Store) SinkFor(id string) *Sink {
	return &Sink{store: s, id: id}
}

// Update forwards to Store.Update
func (k *Sink) Update(pct int, msg string) bool {
	return k.store.Update(k.id, pct, msg)
}

// IsCancelled forwards to Store.IsCancelled
func (k *Sink) IsCancelled() bool {
	return k.store.IsCancelled(k.id)
}

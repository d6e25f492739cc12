package queue

import (
	"errors"
	"sort"
	"sync"

	"github.com/emanuelef/yt-batch-go/internal/domain"
)

// errSkip aborts an update without reporting a failure.
var errSkip = errors.New("skip")

// Store is the job arena, keyed by job ID. Callers receive copies; all
// mutation goes through Update so critical sections stay short.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
	seq  map[string]uint64
	next uint64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		jobs: make(map[string]*domain.Job),
		seq:  make(map[string]uint64),
	}
}

// Insert adds a job or replaces one with the same ID. A running job is never
// replaced. The store keeps the pointer; callers pass a copy they no longer touch.
func (s *Store) Insert(job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.jobs[job.ID]
	if ok && old.State.IsActive() {
		return domain.ErrJobRunning
	}
	if !ok {
		s.next++
		s.seq[job.ID] = s.next
	}
	s.jobs[job.ID] = job
	return nil
}

// Get returns a copy of a job.
func (s *Store) Get(id string) (domain.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, false
	}
	return j.Clone(), true
}

// Update applies fn to a job under the write lock and returns the updated copy.
func (s *Store) Update(id string, fn func(j *domain.Job) error) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	if err := fn(j); err != nil {
		return j.Clone(), err
	}
	return j.Clone(), nil
}

// UpdateWhere applies fn to every job matching pred and returns the changed copies.
func (s *Store) UpdateWhere(pred func(j *domain.Job) bool, fn func(j *domain.Job)) []domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []domain.Job
	for _, id := range s.orderedIDsLocked() {
		j := s.jobs[id]
		if pred(j) {
			fn(j)
			changed = append(changed, j.Clone())
		}
	}
	return changed
}

// Delete removes a job if pred allows it.
func (s *Store) Delete(id string, pred func(j *domain.Job) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if pred != nil {
		if err := pred(j); err != nil {
			return err
		}
	}
	delete(s.jobs, id)
	delete(s.seq, id)
	return nil
}

// DeleteWhere removes all jobs matching pred and returns how many were removed.
func (s *Store) DeleteWhere(pred func(j *domain.Job) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if pred(j) {
			delete(s.jobs, id)
			delete(s.seq, id)
			n++
		}
	}
	return n
}

// List returns copies of all jobs ordered by AddedAt, then insertion order.
func (s *Store) List() []domain.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.orderedIDsLocked()
	out := make([]domain.Job, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.jobs[id].Clone())
	}
	return out
}

// Len returns the number of jobs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

func (s *Store) orderedIDsLocked() []string {
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool {
		ja, jb := s.jobs[ids[a]], s.jobs[ids[b]]
		if !ja.AddedAt.Equal(jb.AddedAt) {
			return ja.AddedAt.Before(jb.AddedAt)
		}
		return s.seq[ids[a]] < s.seq[ids[b]]
	})
	return ids
}

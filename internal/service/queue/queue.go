package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emanuelef/yt-batch-go/internal/domain"
	"github.com/emanuelef/yt-batch-go/internal/service/downloader"
)

// JobRunner runs one job to a terminal state.
type JobRunner interface {
	Run(ctx context.Context, job domain.Job, settings domain.BatchSettings, rep downloader.Reporter) downloader.Result
}

// TitleResolver looks up a display title for a URL.
type TitleResolver interface {
	Title(ctx context.Context, url string) (string, error)
}

// BatchSummary counts the outcomes of one Start call.
type BatchSummary struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Skipped    int `json:"skipped"`
	NotStarted int `json:"not_started"`
}

// Queue owns the job collection and runs batches over it.
type Queue struct {
	store  *Store
	runner JobRunner
	titles TitleResolver
	obs    observers

	// emitMu pairs each job update with its event, so observers see one
	// job's states in the order they were stored.
	emitMu sync.Mutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc

	now func() time.Time
}

// New creates a Queue. titles may be nil.
func New(runner JobRunner, titles TitleResolver) *Queue {
	return &Queue{
		store:  NewStore(),
		runner: runner,
		titles: titles,
		now:    time.Now,
	}
}

// Subscribe registers an observer and returns a function that removes it.
func (q *Queue) Subscribe(obs Observer) func() {
	return q.obs.add(obs)
}

// Enqueue stores a copy of job as Pending. Missing IDs and timestamps are
// filled in; unset format fields take the batch defaults when it runs.
// Replacing a job that is running fails with ErrJobRunning.
func (q *Queue) Enqueue(job *domain.Job) (domain.Job, error) {
	j := job.Clone()
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.AddedAt.IsZero() {
		j.AddedAt = q.now().UTC()
	}
	j.URL = strings.TrimSpace(j.URL)
	j.State = domain.JobStatePending

	q.emitMu.Lock()
	defer q.emitMu.Unlock()
	if err := q.store.Insert(&j); err != nil {
		return domain.Job{}, err
	}
	c := j.Clone()
	q.obs.emit(jobEvent(EventJobState, c))
	return c, nil
}

// Add creates a selected Pending job for url with the settings' defaults.
func (q *Queue) Add(url string, settings domain.BatchSettings) domain.Job {
	job := &domain.Job{URL: url, Selected: true}
	job.ApplyDefaults(settings)
	// A fresh ID never collides.
	c, _ := q.Enqueue(job)
	return c
}

// Remove deletes a job that is not currently running.
func (q *Queue) Remove(id string) error {
	return q.store.Delete(id, func(j *domain.Job) error {
		if j.State.IsActive() {
			return domain.ErrJobRunning
		}
		return nil
	})
}

// Clear removes every job that is not running and returns how many were removed.
func (q *Queue) Clear() int {
	return q.store.DeleteWhere(func(j *domain.Job) bool {
		return !j.State.IsActive()
	})
}

// RemoveCompleted removes Completed jobs and returns how many were removed.
func (q *Queue) RemoveCompleted() int {
	return q.store.DeleteWhere(func(j *domain.Job) bool {
		return j.State == domain.JobStateCompleted
	})
}

// SetSelected marks a job for inclusion in the next batch. Running jobs
// cannot be toggled.
func (q *Queue) SetSelected(id string, selected bool) error {
	_, err := q.update(id, EventJobState, func(j *domain.Job) error {
		if j.State.IsActive() {
			return domain.ErrJobRunning
		}
		j.Selected = selected
		return nil
	})
	return err
}

// SelectAll selects every job.
func (q *Queue) SelectAll() int {
	return q.setAllSelected(true)
}

// DeselectAll deselects every job.
func (q *Queue) DeselectAll() int {
	return q.setAllSelected(false)
}

func (q *Queue) setAllSelected(selected bool) int {
	changed := q.updateWhere(
		func(j *domain.Job) bool { return j.Selected != selected && !j.State.IsActive() },
		func(j *domain.Job) { j.Selected = selected },
	)
	return len(changed)
}

// RetryFailed resets Error jobs that are still under the retry limit.
func (q *Queue) RetryFailed(settings domain.BatchSettings) int {
	changed := q.updateWhere(
		func(j *domain.Job) bool {
			return j.State == domain.JobStateError && j.RetryCount < settings.RetryLimit
		},
		func(j *domain.Job) { j.Reset(true) },
	)
	if len(changed) > 0 {
		slog.Info("Retrying failed jobs", "count", len(changed))
	}
	return len(changed)
}

// RequeueCancelled returns Cancelled jobs to Pending without counting a retry.
func (q *Queue) RequeueCancelled() int {
	changed := q.updateWhere(
		func(j *domain.Job) bool { return j.State == domain.JobStateCancelled },
		func(j *domain.Job) { j.Reset(false) },
	)
	return len(changed)
}

// Jobs returns copies of all jobs in queue order.
func (q *Queue) Jobs() []domain.Job {
	return q.store.List()
}

// Job returns a copy of one job.
func (q *Queue) Job(id string) (domain.Job, error) {
	j, ok := q.store.Get(id)
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return j, nil
}

// Running reports whether a batch is in progress.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Restore loads previously exported jobs and returns how many were loaded.
// Jobs that were mid-run when exported are reset to Pending with an
// "interrupted" note. Entries whose ID belongs to a running job are skipped.
func (q *Queue) Restore(jobs []domain.Job) int {
	q.emitMu.Lock()
	defer q.emitMu.Unlock()

	n := 0
	for i := range jobs {
		j := jobs[i].Clone()
		if j.ID == "" {
			j.ID = uuid.New().String()
		}
		if j.State.IsActive() || j.State == "" {
			j.Reset(false)
			j.Error = "interrupted"
		}
		if err := q.store.Insert(&j); err != nil {
			slog.Warn("Skipping restored job", "job_id", j.ID, "error", err)
			continue
		}
		q.obs.emit(jobEvent(EventJobState, j.Clone()))
		n++
	}
	return n
}

// ResolveTitles fills in missing titles of Pending jobs via metadata lookup.
// Lookup failures are logged and skipped; it returns how many titles were set.
func (q *Queue) ResolveTitles(ctx context.Context) (int, error) {
	if q.titles == nil {
		return 0, nil
	}

	var pending []domain.Job
	for _, j := range q.store.List() {
		if j.State == domain.JobStatePending && j.Title == "" {
			pending = append(pending, j)
		}
	}

	resolved := 0
	for _, j := range pending {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}
		title, err := q.titles.Title(ctx, j.URL)
		if err != nil {
			slog.Warn("Failed to resolve title", "job_id", j.ID, "url", j.URL, "error", err)
			q.logEvent(slog.LevelWarn, fmt.Sprintf("Title lookup failed for %s: %v", j.URL, err))
			continue
		}
		_, err = q.update(j.ID, EventJobState, func(job *domain.Job) error {
			if job.Title != "" {
				return errSkip
			}
			job.Title = title
			return nil
		})
		if err != nil {
			continue
		}
		resolved++
	}
	return resolved, nil
}

// update applies fn to one job and emits t with the result, both under
// emitMu. Nothing is emitted when fn fails.
func (q *Queue) update(id string, t EventType, fn func(j *domain.Job) error) (domain.Job, error) {
	q.emitMu.Lock()
	defer q.emitMu.Unlock()
	job, err := q.store.Update(id, fn)
	if err != nil {
		return job, err
	}
	q.obs.emit(jobEvent(t, job))
	return job, nil
}

func (q *Queue) updateWhere(pred func(j *domain.Job) bool, fn func(j *domain.Job)) []domain.Job {
	q.emitMu.Lock()
	defer q.emitMu.Unlock()
	changed := q.store.UpdateWhere(pred, fn)
	for _, j := range changed {
		q.obs.emit(jobEvent(EventJobState, j))
	}
	return changed
}

func (q *Queue) logEvent(level slog.Level, msg string) {
	q.obs.emit(Event{Type: EventLog, Level: strings.ToLower(level.String()), Message: msg})
}

// Log emits a log event to observers on behalf of a collaborator.
func (q *Queue) Log(level slog.Level, msg string) {
	q.logEvent(level, msg)
}

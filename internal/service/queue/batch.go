package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/emanuelef/yt-batch-go/internal/domain"
	"github.com/emanuelef/yt-batch-go/internal/service/downloader"
)

// Start runs one batch over the selected Pending jobs and blocks until every
// worker is done. Only programmer errors are returned; job failures are
// recorded on the jobs themselves.
func (q *Queue) Start(ctx context.Context, settings domain.BatchSettings) (BatchSummary, error) {
	if err := settings.Validate(); err != nil {
		return BatchSummary{}, err
	}

	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return BatchSummary{}, domain.ErrBatchRunning
	}
	batchCtx, cancel := context.WithCancel(ctx)
	q.running = true
	q.cancel = cancel
	q.mu.Unlock()

	defer func() {
		cancel()
		q.mu.Lock()
		q.running = false
		q.cancel = nil
		q.mu.Unlock()
	}()

	var ids []string
	for _, j := range q.store.List() {
		if j.Selected && j.State == domain.JobStatePending {
			ids = append(ids, j.ID)
		}
	}

	b := &batch{
		q:        q,
		settings: settings,
		total:    len(ids),
		outcomes: make(map[string]outcome, len(ids)),
	}

	slog.Info("Starting batch",
		"total", b.total,
		"workers", settings.MaxConcurrentDownloads,
		"output_dir", settings.OutputDir,
	)
	q.obs.emit(Event{Type: EventBatchProgress, Completed: 0, Total: b.total})

	if b.total > 0 {
		d := NewDispatcher("batch", settings.MaxConcurrentDownloads, b.total, b.process)
		d.Start(batchCtx)
		for _, id := range ids {
			if err := d.Enqueue(id); err != nil {
				// Capacity equals the batch size, so this is unreachable.
				slog.Error("Failed to enqueue job", "job_id", id, "error", err)
			}
		}
		d.Drain()
	}

	summary := b.summary()
	slog.Info("Batch finished",
		"total", summary.Total,
		"completed", summary.Completed,
		"failed", summary.Failed,
		"cancelled", summary.Cancelled,
		"skipped", summary.Skipped,
		"not_started", summary.NotStarted,
	)
	q.logEvent(slog.LevelInfo, fmt.Sprintf("Batch finished: %d completed, %d failed, %d cancelled, %d skipped, %d not started",
		summary.Completed, summary.Failed, summary.Cancelled, summary.Skipped, summary.NotStarted))
	return summary, nil
}

// Pause stops the running batch. In-flight jobs end Cancelled; jobs not yet
// dispatched stay Pending.
func (q *Queue) Pause() {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		slog.Info("Pausing batch")
		cancel()
	}
}

// CancelAll stops the running batch and marks every in-flight job Cancelled
// right away. It is idempotent and safe to call concurrently.
func (q *Queue) CancelAll() int {
	q.Pause()

	changed := q.updateWhere(
		func(j *domain.Job) bool { return j.State.IsActive() },
		func(j *domain.Job) { _ = j.MarkCancelled() },
	)
	if len(changed) > 0 {
		slog.Info("Cancelled running jobs", "count", len(changed))
	}
	return len(changed)
}

type outcome int

const (
	outcomeCompleted outcome = iota + 1
	outcomeSkipped
	outcomeFailed
	outcomeCancelled
)

type batch struct {
	q        *Queue
	settings domain.BatchSettings
	total    int
	finished atomic.Int32

	mu       sync.Mutex
	outcomes map[string]outcome
}

func (b *batch) process(ctx context.Context, id string) {
	q := b.q
	if ctx.Err() != nil {
		return
	}

	snapshot, ok := q.store.Get(id)
	if !ok || snapshot.State != domain.JobStatePending {
		return
	}

	snapshot.ApplyDefaults(b.settings)

	var existing string
	if b.settings.SkipExisting {
		path := downloader.PredictFilename(b.settings, snapshot.Title, snapshot.Format, q.now())
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			existing = path
		}
	}

	// Claim under the lock so a job is never dispatched twice.
	job, err := q.update(id, EventJobState, func(j *domain.Job) error {
		if j.State != domain.JobStatePending {
			return errSkip
		}
		j.ApplyDefaults(b.settings)
		if existing != "" {
			return j.MarkCompleted(existing)
		}
		return j.Transition(domain.JobStateDownloading)
	})
	if err != nil {
		return
	}

	if existing != "" {
		slog.Info("Skipping existing file", "job_id", id, "file", existing)
		q.logEvent(slog.LevelInfo, fmt.Sprintf("Skipped %s: %s already exists", job.URL, existing))
		b.finish(id, outcomeSkipped)
		return
	}

	res := q.runner.Run(ctx, job, b.settings, &jobReporter{q: q, id: id})

	final, _ := q.update(id, EventJobState, func(j *domain.Job) error {
		if j.State.IsTerminal() {
			// CancelAll got there first.
			return errSkip
		}
		switch res.State {
		case domain.JobStateCompleted:
			return j.MarkCompleted(res.FilePath)
		case domain.JobStateCancelled:
			return j.MarkCancelled()
		default:
			kind := res.Kind
			if kind == "" {
				kind = domain.ErrorKindInternal
			}
			return j.MarkError(kind, res.Message)
		}
	})

	switch final.State {
	case domain.JobStateCompleted:
		b.finish(id, outcomeCompleted)
	case domain.JobStateError:
		slog.Warn("Job failed", "job_id", id, "url", final.URL, "kind", final.ErrorKind, "error", final.Error)
		q.logEvent(slog.LevelError, fmt.Sprintf("Failed %s: %s", final.URL, final.Error))
		b.finish(id, outcomeFailed)
		if b.settings.StopOnError {
			slog.Info("Stopping batch after error", "job_id", id)
			q.Pause()
		}
	default:
		b.finish(id, outcomeCancelled)
	}
}

func (b *batch) finish(id string, o outcome) {
	b.mu.Lock()
	b.outcomes[id] = o
	b.mu.Unlock()

	done := int(b.finished.Add(1))
	b.q.obs.emit(Event{Type: EventBatchProgress, Completed: done, Total: b.total})
}

func (b *batch) summary() BatchSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := BatchSummary{Total: b.total}
	for _, o := range b.outcomes {
		switch o {
		case outcomeCompleted:
			s.Completed++
		case outcomeSkipped:
			s.Skipped++
		case outcomeFailed:
			s.Failed++
		case outcomeCancelled:
			s.Cancelled++
		}
	}
	s.NotStarted = s.Total - len(b.outcomes)
	return s
}

// jobReporter applies pipeline updates to the arena.
type jobReporter struct {
	q  *Queue
	id string
}

func (r *jobReporter) Progress(snap domain.ProgressSnapshot) {
	_, _ = r.q.update(r.id, EventJobProgress, func(j *domain.Job) error {
		if !j.State.IsActive() {
			return errSkip
		}
		j.UpdateProgress(snap)
		return nil
	})
}

func (r *jobReporter) StageChanged(state domain.JobState) {
	_, _ = r.q.update(r.id, EventJobState, func(j *domain.Job) error {
		if j.State == state {
			return errSkip
		}
		if err := j.Transition(state); err != nil {
			return err
		}
		j.Progress = 0
		j.Speed, j.ETA = "", ""
		return nil
	})
}

func (r *jobReporter) Log(message string) {
	r.q.logEvent(slog.LevelInfo, message)
}

// Package publish uploads completed downloads to remote object storage.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emanuelef/yt-batch-go/internal/domain"
	"github.com/emanuelef/yt-batch-go/internal/service/queue"
)

// Uploader stores a local file remotely and hands out download links.
type Uploader interface {
	ObjectKey(jobID, filePath string) string
	Upload(ctx context.Context, filePath, key string) error
	GeneratePresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Notifier receives user-facing log lines.
type Notifier interface {
	Log(level slog.Level, msg string)
}

// Config controls the upload pool.
type Config struct {
	Workers       int
	QueueSize     int
	LinkExpiry    time.Duration
	UploadTimeout time.Duration
}

// DefaultConfig returns a small pool suitable for a desktop batch.
func DefaultConfig() Config {
	return Config{
		Workers:       2,
		QueueSize:     100,
		LinkExpiry:    24 * time.Hour,
		UploadTimeout: 10 * time.Minute,
	}
}

// Stats counts publisher outcomes.
type Stats struct {
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// Publisher watches queue events and uploads every completed file once.
type Publisher struct {
	up         Uploader
	note       Notifier
	cfg        Config
	dispatcher *queue.Dispatcher[domain.Job]

	mu    sync.Mutex
	seen  map[string]bool
	since time.Time

	published atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// New creates a Publisher. note may be nil.
func New(up Uploader, note Notifier, cfg Config) *Publisher {
	def := DefaultConfig()
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.LinkExpiry <= 0 {
		cfg.LinkExpiry = def.LinkExpiry
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = def.UploadTimeout
	}

	p := &Publisher{
		up:   up,
		note: note,
		cfg:  cfg,
		seen: make(map[string]bool),
	}
	p.dispatcher = queue.NewDispatcher("publish", cfg.Workers, cfg.QueueSize, p.publish)
	return p
}

// Start starts the upload workers. Jobs completed before Start are ignored.
func (p *Publisher) Start(ctx context.Context) {
	p.mu.Lock()
	p.since = time.Now()
	p.mu.Unlock()
	p.dispatcher.Start(ctx)
}

// Stop waits for queued uploads to finish.
func (p *Publisher) Stop() {
	p.dispatcher.Drain()
}

// Observe is a queue.Observer. Completed jobs with a file are queued for upload.
func (p *Publisher) Observe(e queue.Event) {
	if e.Type != queue.EventJobState || e.Job == nil {
		return
	}
	job := *e.Job
	if job.State != domain.JobStateCompleted || job.FilePath == "" {
		return
	}

	key := job.ID + "\x00" + job.FilePath
	p.mu.Lock()
	if p.seen[key] || (job.CompletedAt != nil && job.CompletedAt.Before(p.since)) {
		p.mu.Unlock()
		return
	}
	p.seen[key] = true
	p.mu.Unlock()

	if err := p.dispatcher.Enqueue(job); err != nil {
		p.dropped.Add(1)
		p.mu.Lock()
		delete(p.seen, key)
		p.mu.Unlock()
		if errors.Is(err, queue.ErrQueueFull) {
			slog.Warn("Publish queue full, upload skipped", "job_id", job.ID, "file", job.FilePath)
		}
		return
	}
	slog.Debug("Upload queued", "job_id", job.ID, "file", job.FilePath)
}

// Stats returns the current counters.
func (p *Publisher) Stats() Stats {
	return Stats{
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
	}
}

func (p *Publisher) publish(ctx context.Context, job domain.Job) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.UploadTimeout)
	defer cancel()

	key := p.up.ObjectKey(job.ID, job.FilePath)
	start := time.Now()

	if err := p.up.Upload(ctx, job.FilePath, key); err != nil {
		p.failed.Add(1)
		slog.Error("Upload failed", "job_id", job.ID, "key", key, "error", err)
		p.notify(slog.LevelWarn, fmt.Sprintf("Upload failed for %s: %v", job.URL, err))
		return
	}

	link, err := p.up.GeneratePresignedURL(ctx, key, p.cfg.LinkExpiry)
	if err != nil {
		// The object is stored even if the link could not be signed.
		p.published.Add(1)
		slog.Warn("Uploaded without link", "job_id", job.ID, "key", key, "error", err)
		p.notify(slog.LevelInfo, fmt.Sprintf("Uploaded %s", key))
		return
	}

	p.published.Add(1)
	slog.Info("Upload completed",
		"job_id", job.ID,
		"key", key,
		"duration", time.Since(start),
	)
	p.notify(slog.LevelInfo, fmt.Sprintf("Uploaded %s: %s", key, link))
}

func (p *Publisher) notify(level slog.Level, msg string) {
	if p.note != nil {
		p.note.Log(level, msg)
	}
}

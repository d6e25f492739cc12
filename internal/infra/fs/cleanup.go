// Package fs provides filesystem cleanup operations.
package fs

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// TempPrefix marks converter temp outputs in the output directory.
const TempPrefix = ".transcode-"

// RemoteSweeper deletes remote objects older than a max age.
type RemoteSweeper interface {
	DeleteOlderThan(ctx context.Context, maxAge time.Duration) (int, error)
}

// Cleaner removes stale partial and temp files left behind by interrupted
// runs, and optionally expires published objects.
type Cleaner struct {
	localDir      string
	localMaxAge   time.Duration
	localInterval time.Duration

	remote         RemoteSweeper
	remoteMaxAge   time.Duration
	remoteInterval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
}

// CleanerConfig holds configuration for the cleaner.
type CleanerConfig struct {
	LocalDir      string
	LocalMaxAge   time.Duration
	LocalInterval time.Duration

	Remote         RemoteSweeper
	RemoteMaxAge   time.Duration
	RemoteInterval time.Duration
}

// NewCleaner creates a new Cleaner.
func NewCleaner(cfg *CleanerConfig) *Cleaner {
	return &Cleaner{
		localDir:       cfg.LocalDir,
		localMaxAge:    cfg.LocalMaxAge,
		localInterval:  cfg.LocalInterval,
		remote:         cfg.Remote,
		remoteMaxAge:   cfg.RemoteMaxAge,
		remoteInterval: cfg.RemoteInterval,
		stopCh:         make(chan struct{}),
	}
}

// Start starts the cleanup goroutines.
func (c *Cleaner) Start(ctx context.Context) {
	if c.localDir != "" && c.localInterval > 0 {
		go c.startLocalCleanup(ctx)
	}

	if c.remote != nil && c.remoteInterval > 0 {
		go c.startRemoteCleanup(ctx)
	}
}

// Stop stops the cleanup goroutines. Safe to call more than once.
func (c *Cleaner) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Cleaner) startLocalCleanup(ctx context.Context) {
	slog.Info("Starting temp file cleanup",
		"dir", c.localDir,
		"max_age", c.localMaxAge,
		"interval", c.localInterval,
	)

	ticker := time.NewTicker(c.localInterval)
	defer ticker.Stop()

	c.CleanupLocalNow()

	for {
		select {
		case <-ticker.C:
			c.CleanupLocalNow()
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		}
	}
}

// IsTempFile reports whether name is a partial download or converter temp file.
func IsTempFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, TempPrefix) ||
		strings.HasSuffix(base, ".part") ||
		strings.HasSuffix(base, ".ytdl") ||
		strings.Contains(base, ".part-Frag")
}

// CleanupLocalNow removes stale temp files from the top level of the output
// directory and returns how many were deleted. Finished downloads are never touched.
func (c *Cleaner) CleanupLocalNow() int {
	threshold := time.Now().Add(-c.localMaxAge)
	deleted := 0

	entries, err := os.ReadDir(c.localDir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("Temp cleanup error", "dir", c.localDir, "error", err)
		}
		return 0
	}

	for _, entry := range entries {
		if !entry.Type().IsRegular() || !IsTempFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(threshold) {
			continue
		}
		path := filepath.Join(c.localDir, entry.Name())
		if err := os.Remove(path); err != nil {
			slog.Warn("Failed to delete temp file",
				"path", path,
				"error", err,
			)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		slog.Info("Temp cleanup completed",
			"deleted", deleted,
			"max_age", c.localMaxAge,
		)
	}
	return deleted
}

func (c *Cleaner) startRemoteCleanup(ctx context.Context) {
	slog.Info("Starting remote cleanup",
		"max_age", c.remoteMaxAge,
		"interval", c.remoteInterval,
	)

	ticker := time.NewTicker(c.remoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CleanupRemoteNow(ctx)
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		}
	}
}

// CleanupRemoteNow performs an immediate remote cleanup.
func (c *Cleaner) CleanupRemoteNow(ctx context.Context) {
	if c.remote == nil {
		return
	}
	deleted, err := c.remote.DeleteOlderThan(ctx, c.remoteMaxAge)
	if err != nil {
		slog.Error("Remote cleanup error", "error", err)
		return
	}

	if deleted > 0 {
		slog.Info("Remote cleanup completed",
			"deleted", deleted,
			"max_age", c.remoteMaxAge,
		)
	}
}

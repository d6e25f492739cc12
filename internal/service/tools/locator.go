// Package tools resolves the external fetcher and converter executables.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/emanuelef/yt-batch-go/internal/domain"
	"github.com/emanuelef/yt-batch-go/internal/infra/process"
)

const (
	FetcherName   = "yt-dlp"
	ConverterName = "ffmpeg"
)

// ErrToolNotFound is returned when a tool is neither bundled nor on PATH.
var ErrToolNotFound = errors.New("tool not found")

// Config holds locator options.
type Config struct {
	BundledDir    string // searched before PATH
	FetcherPath   string // explicit override
	ConverterPath string // explicit override
}

// Locator finds tools and caches their availability until Refresh.
type Locator struct {
	config Config

	mu     sync.Mutex
	cached *domain.ToolAvailability
}

// NewLocator creates a Locator.
func NewLocator(cfg Config) *Locator {
	return &Locator{config: cfg}
}

// Resolve returns the absolute path of a tool by name.
func (l *Locator) Resolve(name string) (string, error) {
	if override := l.override(name); override != "" {
		if path, err := lookPath(override); err == nil {
			return path, nil
		}
	}

	if l.config.BundledDir != "" {
		candidate := filepath.Join(l.config.BundledDir, executableName(name))
		if isExecutableFile(candidate) {
			if abs, err := filepath.Abs(candidate); err == nil {
				return abs, nil
			}
			return candidate, nil
		}
	}

	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return path, nil
}

// Availability returns the cached tool availability, computing it once.
func (l *Locator) Availability() domain.ToolAvailability {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cached == nil {
		a := l.compute()
		l.cached = &a
	}
	return *l.cached
}

// Refresh discards the cached availability and recomputes it.
func (l *Locator) Refresh() domain.ToolAvailability {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.compute()
	l.cached = &a
	return a
}

func (l *Locator) compute() domain.ToolAvailability {
	var a domain.ToolAvailability
	if p, err := l.Resolve(FetcherName); err == nil {
		a.FetcherFound, a.FetcherPath = true, p
	}
	if p, err := l.Resolve(ConverterName); err == nil {
		a.ConverterFound, a.ConverterPath = true, p
	}
	return a
}

// Version runs "<tool> --version" (ffmpeg uses "-version") and returns the first line.
func Version(ctx context.Context, runner process.Executor, path string) (string, error) {
	flag := "--version"
	if strings.Contains(strings.ToLower(filepath.Base(path)), ConverterName) {
		flag = "-version"
	}

	res := runner.Run(ctx, process.Command{
		Path:    path,
		Args:    []string{flag},
		Timeout: 15 * time.Second,
	})
	if !res.Success {
		return "", fmt.Errorf("%s not executable: %w", path, res.Err)
	}
	line, _, _ := strings.Cut(strings.TrimSpace(res.Stdout), "\n")
	return strings.TrimSpace(line), nil
}

// LogPreflight logs a warning for each missing tool.
func LogPreflight(a domain.ToolAvailability) {
	if !a.FetcherFound {
		slog.Warn("Fetcher not found, downloads will fail", "tool", FetcherName)
	} else {
		slog.Info("Fetcher found", "tool", FetcherName, "path", a.FetcherPath)
	}
	if !a.ConverterFound {
		slog.Warn("Converter not found, video downloads and transcoding will fail", "tool", ConverterName)
	} else {
		slog.Info("Converter found", "tool", ConverterName, "path", a.ConverterPath)
	}
}

func (l *Locator) override(name string) string {
	switch name {
	case FetcherName:
		return l.config.FetcherPath
	case ConverterName:
		return l.config.ConverterPath
	}
	return ""
}

func lookPath(p string) (string, error) {
	if strings.ContainsRune(p, os.PathSeparator) || strings.Contains(p, "/") {
		if isExecutableFile(p) {
			return filepath.Abs(p)
		}
		return "", ErrToolNotFound
	}
	return exec.LookPath(p)
}

func executableName(name string) string {
	if runtime.GOOS == "windows" && !strings.HasSuffix(strings.ToLower(name), ".exe") {
		return name + ".exe"
	}
	return name
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}

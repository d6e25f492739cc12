// Package downloader drives the fetcher and converter for a single job.
package downloader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/emanuelef/yt-batch-go/internal/domain"
	"github.com/emanuelef/yt-batch-go/internal/infra/cache"
	"github.com/emanuelef/yt-batch-go/internal/infra/process"
	"github.com/emanuelef/yt-batch-go/internal/service/progress"
	"github.com/emanuelef/yt-batch-go/internal/service/tools"
)

// ToolResolver resolves tool names to executable paths.
type ToolResolver interface {
	Resolve(name string) (string, error)
}

// buildFetchArgs constructs the fetcher arguments for one job.
func buildFetchArgs(job domain.Job, settings domain.BatchSettings, outputTemplate, converterPath string) []string {
	args := []string{
		"--newline",
		"--progress",
		"--no-playlist",
		"--force-ipv4",
		"-o", outputTemplate,
	}

	if job.Format.IsAudioOnly() {
		args = append(args,
			"-x",
			"--audio-format", job.Format.Extension(),
			"--audio-quality", strconv.Itoa(int(job.AudioBitrate))+"K",
		)
	} else {
		args = append(args,
			"-f", "bestvideo+bestaudio/best",
			"--merge-output-format", job.Format.Extension(),
			"--embed-metadata",
		)
	}

	if converterPath != "" {
		args = append(args, "--ffmpeg-location", converterPath)
	}

	if settings.Naming.RestrictFilenames {
		args = append(args, "--restrict-filenames")
	}

	return append(args, job.URL)
}

// OutputTemplate returns the fetcher output template for the naming policy.
func OutputTemplate(dir string, naming domain.NamingPolicy, now time.Time) string {
	return filepath.Join(dir, datePrefix(naming, now)+"%(title)s.%(ext)s")
}

// PredictFilename guesses the final path of a job from its title.
// It mirrors OutputTemplate but cannot reproduce every fetcher sanitization rule.
func PredictFilename(settings domain.BatchSettings, title string, format domain.Format, now time.Time) string {
	stem := domain.SanitizeFilename(datePrefix(settings.Naming, now)+title, settings.Naming.RestrictFilenames)
	return filepath.Join(settings.OutputDir, stem+"."+format.Extension())
}

func datePrefix(naming domain.NamingPolicy, now time.Time) string {
	if !naming.AddDate {
		return ""
	}
	return now.Format("2006-01-02") + "_"
}

// MetadataClient resolves video metadata through the fetcher's JSON dump.
type MetadataClient struct {
	exec    process.Executor
	tools   ToolResolver
	cache   *cache.MetadataCache
	timeout time.Duration
}

// NewMetadataClient creates a MetadataClient. cache may be nil.
func NewMetadataClient(exec process.Executor, resolver ToolResolver, c *cache.MetadataCache) *MetadataClient {
	return &MetadataClient{
		exec:    exec,
		tools:   resolver,
		cache:   c,
		timeout: 30 * time.Second,
	}
}

// Info retrieves video metadata without downloading.
func (m *MetadataClient) Info(ctx context.Context, url string) (*domain.VideoInfo, error) {
	if err := domain.ValidateURL(url); err != nil {
		return nil, domain.NewJobError(domain.ErrorKindValidation, "invalid_url", err.Error())
	}

	if m.cache != nil {
		if info, ok := m.cache.Get(url); ok {
			return info, nil
		}
	}

	fetcher, err := m.tools.Resolve(tools.FetcherName)
	if err != nil {
		return nil, domain.NewJobError(domain.ErrorKindToolMissing, tools.FetcherName, err.Error())
	}

	var out strings.Builder
	errLog := progress.NewErrorLog()
	res := m.exec.Run(ctx, process.Command{
		Path: fetcher,
		Args: []string{
			"--dump-json",
			"--skip-download",
			"--no-playlist",
			"--no-warnings",
			url,
		},
		Timeout: m.timeout,
		OnStdout: func(line string) {
			out.WriteString(line)
			out.WriteByte('\n')
		},
		OnStderr: func(line string) { errLog.Observe(line) },
	})

	switch {
	case res.Cancelled:
		return nil, domain.NewJobError(domain.ErrorKindCancelled, "", "metadata lookup cancelled")
	case res.TimedOut:
		return nil, domain.NewJobError(domain.ErrorKindTimeout, "metadata", "metadata lookup timed out")
	case !res.Success:
		if c, ok := errLog.First(); ok {
			return nil, c.Err()
		}
		return nil, domain.NewJobError(domain.ErrorKindFetch, "metadata", failureMessage("failed to get video info", res))
	}

	info, err := parseVideoInfo(out.String())
	if err != nil {
		return nil, fmt.Errorf("failed to parse video info: %w", err)
	}

	if m.cache != nil {
		m.cache.Set(url, info)
	}
	return info, nil
}

// Title resolves only the video title.
func (m *MetadataClient) Title(ctx context.Context, url string) (string, error) {
	info, err := m.Info(ctx, url)
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

func parseVideoInfo(output string) (*domain.VideoInfo, error) {
	// Warnings can precede the JSON document.
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var info domain.VideoInfo
		if err := json.Unmarshal([]byte(line), &info); err != nil {
			return nil, err
		}
		return &info, nil
	}
	return nil, errors.New("no JSON document in fetcher output")
}

// failureMessage summarizes a failed run with the tail of its stderr.
func failureMessage(prefix string, res process.Result) string {
	tail := lastLines(res.Stderr, 3, 500)
	if tail == "" {
		return fmt.Sprintf("%s (exit code %d)", prefix, res.ExitCode)
	}
	return fmt.Sprintf("%s (exit code %d): %s", prefix, res.ExitCode, tail)
}

func lastLines(s string, n, maxLen int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := strings.TrimSpace(strings.Join(lines, "\n"))
	if len(out) > maxLen {
		out = out[len(out)-maxLen:]
	}
	return out
}

package downloader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/emanuelef/yt-batch-go/internal/domain"
	"github.com/emanuelef/yt-batch-go/internal/infra/fs"
	"github.com/emanuelef/yt-batch-go/internal/infra/process"
	"github.com/emanuelef/yt-batch-go/internal/service/progress"
	"github.com/emanuelef/yt-batch-go/internal/service/tools"
)

// Reporter receives updates from a running pipeline. Calls for one job
// are never concurrent.
type Reporter interface {
	Progress(snap domain.ProgressSnapshot)
	StageChanged(state domain.JobState)
	Log(message string)
}

// NopReporter discards all updates.
type NopReporter struct{}

func (NopReporter) Progress(domain.ProgressSnapshot) {}
func (NopReporter) StageChanged(domain.JobState)     {}
func (NopReporter) Log(string)                       {}

// Result is the terminal outcome of one pipeline run.
type Result struct {
	State    domain.JobState
	FilePath string
	Kind     domain.ErrorKind
	Reason   string
	Message  string
}

func completed(path string) Result {
	return Result{State: domain.JobStateCompleted, FilePath: path}
}

func cancelled() Result {
	return Result{State: domain.JobStateCancelled, Kind: domain.ErrorKindCancelled, Message: "cancelled"}
}

func failed(kind domain.ErrorKind, reason, message string) Result {
	return Result{State: domain.JobStateError, Kind: kind, Reason: reason, Message: message}
}

// Pipeline runs the fetch stage and the optional transcode stage for one job.
type Pipeline struct {
	exec  process.Executor
	tools ToolResolver
	now   func() time.Time
}

// NewPipeline creates a Pipeline.
func NewPipeline(exec process.Executor, resolver ToolResolver) *Pipeline {
	return &Pipeline{
		exec:  exec,
		tools: resolver,
		now:   time.Now,
	}
}

// Run drives the job to a terminal state. It never panics; faults become
// an Error result.
func (p *Pipeline) Run(ctx context.Context, job domain.Job, settings domain.BatchSettings, rep Reporter) (res Result) {
	if rep == nil {
		rep = NopReporter{}
	}
	logger := slog.With("job_id", job.ID, "url", job.URL)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Pipeline panic", "panic", r)
			res = failed(domain.ErrorKindInternal, "panic", fmt.Sprintf("internal error: %v", r))
		}
	}()

	if ctx.Err() != nil {
		return cancelled()
	}

	if err := domain.ValidateURL(job.URL); err != nil {
		return failed(domain.ErrorKindValidation, "invalid_url", err.Error())
	}
	outputDir, err := prepareOutputDir(settings.OutputDir)
	if err != nil {
		return failed(domain.ErrorKindValidation, "output_dir", err.Error())
	}

	fetcher, err := p.tools.Resolve(tools.FetcherName)
	if err != nil {
		return failed(domain.ErrorKindToolMissing, tools.FetcherName, err.Error())
	}
	converter, err := p.tools.Resolve(tools.ConverterName)
	if err != nil {
		if !job.Format.IsAudioOnly() {
			return failed(domain.ErrorKindToolMissing, tools.ConverterName, err.Error())
		}
		converter = ""
	}

	fetched, result, ok := p.fetch(ctx, job, settings, outputDir, fetcher, converter, rep, logger)
	if !ok {
		return result
	}

	if job.EncodingMode != domain.EncodingModeTranscode || job.Format.IsAudioOnly() {
		logger.Info("Job completed", "file", fetched)
		return completed(fetched)
	}

	rep.StageChanged(domain.JobStateTranscoding)
	return p.transcode(ctx, job, settings, outputDir, fetched, converter, rep, logger)
}

func (p *Pipeline) fetch(
	ctx context.Context,
	job domain.Job,
	settings domain.BatchSettings,
	outputDir, fetcher, converter string,
	rep Reporter,
	logger *slog.Logger,
) (string, Result, bool) {
	var snap domain.ProgressSnapshot
	errLog := progress.NewErrorLog()
	onLine := func(line string) {
		if ctx.Err() != nil {
			return
		}
		if progress.ParseFetchLine(line, &snap) {
			rep.Progress(snap)
		}
	}

	template := OutputTemplate(outputDir, settings.Naming, p.now())
	args := buildFetchArgs(job, settings, template, converter)
	logger.Debug("Starting fetch", "args", args)

	started := p.now()
	run := p.exec.Run(ctx, process.Command{
		Path:     fetcher,
		Args:     args,
		Dir:      outputDir,
		Timeout:  settings.FetchTimeout,
		OnStdout: onLine,
		OnStderr: func(line string) {
			if _, ok := errLog.Observe(line); !ok {
				onLine(line)
			}
		},
	})

	switch {
	case run.Cancelled || ctx.Err() != nil:
		logger.Info("Fetch cancelled")
		return "", cancelled(), false
	case run.TimedOut:
		logger.Warn("Fetch timed out", "timeout", settings.FetchTimeout)
		return "", failed(domain.ErrorKindTimeout, "fetch", fmt.Sprintf("fetch timed out after %s", settings.FetchTimeout)), false
	case !run.Success:
		if c, ok := errLog.First(); ok {
			logger.Warn("Fetch failed", "kind", c.Kind, "reason", c.Reason, "error", c.Message)
			return "", failed(c.Kind, c.Reason, c.Message), false
		}
		msg := failureMessage("fetch failed", run)
		logger.Warn("Fetch failed", "exit_code", run.ExitCode, "error", msg)
		return "", failed(domain.ErrorKindFetch, "exit_status", msg), false
	}

	path := resolveOutput(snap.Filename, outputDir, started)
	if path == "" {
		return "", failed(domain.ErrorKindFetch, "no_output", "could not determine downloaded file path"), false
	}
	return path, Result{}, true
}

func (p *Pipeline) transcode(
	ctx context.Context,
	job domain.Job,
	settings domain.BatchSettings,
	outputDir, input, converter string,
	rep Reporter,
	logger *slog.Logger,
) Result {
	if input == "" || !isRegularFile(input) {
		return failed(domain.ErrorKindTranscode, "input_missing", "no input file for transcoding")
	}

	temp := tempTranscodePath(outputDir, job.Format)
	final := finalTranscodePath(input, job.Format)

	parser := progress.NewTranscodeParser()
	errLog := progress.NewErrorLog()
	snap := domain.ProgressSnapshot{Stage: domain.StageTranscode}
	onLine := func(line string) {
		if ctx.Err() != nil {
			return
		}
		if parser.Parse(line, &snap) {
			rep.Progress(snap)
		}
	}

	args := buildTranscodeArgs(job, input, temp)
	logger.Debug("Starting transcode", "args", args)

	run := p.exec.Run(ctx, process.Command{
		Path:     converter,
		Args:     args,
		Dir:      outputDir,
		Timeout:  settings.TranscodeTimeout,
		OnStdout: onLine,
		OnStderr: func(line string) {
			errLog.Observe(line)
			onLine(line)
		},
	})

	if !run.Success || ctx.Err() != nil {
		removeQuietly(temp)
		switch {
		case run.Cancelled || ctx.Err() != nil:
			logger.Info("Transcode cancelled")
			return cancelled()
		case run.TimedOut:
			logger.Warn("Transcode timed out", "timeout", settings.TranscodeTimeout)
			return failed(domain.ErrorKindTimeout, "transcode", fmt.Sprintf("transcode timed out after %s", settings.TranscodeTimeout))
		}
		msg := failureMessage("transcode failed", run)
		reason := "exit_status"
		if c, ok := errLog.First(); ok {
			msg, reason = c.Message, c.Reason
		}
		logger.Warn("Transcode failed", "exit_code", run.ExitCode, "error", msg)
		return failed(domain.ErrorKindTranscode, reason, msg)
	}

	if !isRegularFile(temp) {
		return failed(domain.ErrorKindTranscode, "output_missing", "converter produced no output")
	}

	if isRegularFile(final) {
		if err := os.Remove(final); err != nil {
			removeQuietly(temp)
			return failed(domain.ErrorKindInternal, "replace", fmt.Sprintf("failed to replace %s: %v", final, err))
		}
	}
	if err := os.Rename(temp, final); err != nil {
		removeQuietly(temp)
		return failed(domain.ErrorKindInternal, "rename", fmt.Sprintf("failed to move transcoded file: %v", err))
	}
	if input != final {
		if err := os.Remove(input); err != nil && !os.IsNotExist(err) {
			logger.Warn("Failed to remove transcode input", "path", input, "error", err)
		}
	}

	logger.Info("Job completed", "file", final, "transcoded", true)
	return completed(final)
}

func prepareOutputDir(dir string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("output directory is empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("invalid output directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("output directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("output path %s is not a directory", abs)
	}
	return abs, nil
}

// resolveOutput prefers the filename reported by the fetcher and falls back
// to the newest finished file written since the run started.
func resolveOutput(reported, dir string, since time.Time) string {
	if reported != "" {
		if !filepath.IsAbs(reported) {
			reported = filepath.Join(dir, reported)
		}
		if isRegularFile(reported) {
			return reported
		}
	}
	return newestFile(dir, since.Add(-2*time.Second))
}

func newestFile(dir string, notBefore time.Time) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var newest string
	var newestMod time.Time
	for _, e := range entries {
		if !e.Type().IsRegular() || fs.IsTempFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().Before(notBefore) {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest, newestMod = filepath.Join(dir, e.Name()), info.ModTime()
		}
	}
	return newest
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func removeQuietly(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove temp file", "path", path, "error", err)
	}
}

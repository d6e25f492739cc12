// Package cli implements the batch command line.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/emanuelef/yt-batch-go/internal/config"
	"github.com/emanuelef/yt-batch-go/internal/domain"
	"github.com/emanuelef/yt-batch-go/internal/infra/cache"
	"github.com/emanuelef/yt-batch-go/internal/infra/process"
	"github.com/emanuelef/yt-batch-go/internal/infra/sqlite"
	"github.com/emanuelef/yt-batch-go/internal/service/downloader"
	"github.com/emanuelef/yt-batch-go/internal/service/importer"
	"github.com/emanuelef/yt-batch-go/internal/service/queue"
	"github.com/emanuelef/yt-batch-go/internal/service/tools"
	"github.com/emanuelef/yt-batch-go/pkg/logger"
)

// ErrJobsFailed is returned by "run" when at least one job ended in Error.
var ErrJobsFailed = errors.New("some jobs failed")

// Run dispatches a subcommand.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		printUsage(stdout)
		return nil
	}

	switch args[0] {
	case "run":
		return runBatch(ctx, args[1:], stdout, stderr)
	case "tools", "doctor":
		return runTools(ctx, args[1:], stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		printUsage(stderr)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `Usage: yt-batch <command> [flags]

Commands:
  run     import a batch file and download every URL in it
  tools   report where yt-dlp and ffmpeg were found
  help    show this message

Run "yt-batch <command> -h" for command flags.`)
}

type toolFlags struct {
	dir       string
	fetcher   string
	converter string
}

func (t *toolFlags) register(fs *flag.FlagSet, cfg *config.Config) {
	fs.StringVar(&t.dir, "tools-dir", cfg.ToolsDir, "directory searched for bundled tools before PATH")
	fs.StringVar(&t.fetcher, "yt-dlp", cfg.FetcherPath, "explicit yt-dlp path")
	fs.StringVar(&t.converter, "ffmpeg", cfg.ConverterPath, "explicit ffmpeg path")
}

func (t *toolFlags) locator() *tools.Locator {
	return tools.NewLocator(tools.Config{
		BundledDir:    t.dir,
		FetcherPath:   t.fetcher,
		ConverterPath: t.converter,
	})
}

func runTools(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("tools", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var tf toolFlags
	tf.register(fs, cfg)
	if err := fs.Parse(args); err != nil {
		return err
	}

	locator := tf.locator()
	avail := locator.Availability()
	runner := process.NewRunner()

	report := func(name string, found bool, path string) {
		if !found {
			fmt.Fprintf(stdout, "%-8s missing\n", name)
			return
		}
		version, err := tools.Version(ctx, runner, path)
		if err != nil {
			version = "unknown version"
		}
		fmt.Fprintf(stdout, "%-8s %s (%s)\n", name, path, version)
	}
	report(tools.FetcherName, avail.FetcherFound, avail.FetcherPath)
	report(tools.ConverterName, avail.ConverterFound, avail.ConverterPath)

	if !avail.FetcherFound {
		return fmt.Errorf("%s: %w", tools.FetcherName, tools.ErrToolNotFound)
	}
	return nil
}

type runOptions struct {
	file             string
	kind             string
	column           string
	field            string
	output           string
	format           string
	encoding         string
	audio            string
	video            int
	max              int
	retry            int
	stop             bool
	skip             bool
	addDate          bool
	restrict         bool
	titles           bool
	autoRetry        bool
	fetchTimeout     time.Duration
	transcodeTimeout time.Duration
	restore          string
	export           string
	logLevel         string
	quiet            bool
}

func runBatch(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var o runOptions
	var tf toolFlags
	tf.register(fs, cfg)
	fs.StringVar(&o.file, "file", "", "batch file (txt, csv, json, yaml)")
	fs.StringVar(&o.kind, "kind", "", "batch file format; detected from the extension when empty")
	fs.StringVar(&o.column, "column", "", "CSV column name or index holding the URL")
	fs.StringVar(&o.field, "field", "", "JSON/YAML object key holding the URL")
	fs.StringVar(&o.output, "output", cfg.OutputDir, "output directory")
	fs.StringVar(&o.format, "format", string(cfg.DefaultFormat), "mp4, mkv, webm, mp3 or m4a")
	fs.StringVar(&o.encoding, "encoding", string(cfg.DefaultEncodingMode), "none or transcode")
	fs.StringVar(&o.audio, "audio-bitrate", fmt.Sprint(int(cfg.DefaultAudioBitrate)), "audio bitrate in kbps")
	fs.IntVar(&o.video, "video-bitrate", cfg.DefaultVideoBitrate, "video bitrate in kbps for transcoding; 0 keeps the source")
	fs.IntVar(&o.max, "max", cfg.MaxConcurrentDownloads, "maximum concurrent downloads")
	fs.IntVar(&o.retry, "retry-limit", cfg.RetryLimit, "maximum retries per failed job")
	fs.BoolVar(&o.autoRetry, "auto-retry", false, "retry failed jobs until the retry limit is reached")
	fs.BoolVar(&o.stop, "stop-on-error", cfg.StopOnError, "stop the batch at the first failure")
	fs.BoolVar(&o.skip, "skip-existing", cfg.SkipExisting, "skip jobs whose output file already exists")
	fs.BoolVar(&o.addDate, "add-date", cfg.AddDateToFilename, "prefix file names with the download date")
	fs.BoolVar(&o.restrict, "restrict-filenames", cfg.RestrictFilenames, "ASCII-only file names without spaces")
	fs.BoolVar(&o.titles, "resolve-titles", false, "look up titles before downloading")
	fs.DurationVar(&o.fetchTimeout, "fetch-timeout", cfg.FetchTimeout, "per-job download timeout; 0 disables")
	fs.DurationVar(&o.transcodeTimeout, "transcode-timeout", cfg.TranscodeTimeout, "per-job transcode timeout; 0 disables")
	fs.StringVar(&o.restore, "restore", "", "load jobs from an exported session file first")
	fs.StringVar(&o.export, "export", "", "export the final job list to this session file")
	fs.StringVar(&o.logLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.BoolVar(&o.quiet, "quiet", false, "print only the summary")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if o.file == "" && fs.NArg() > 0 {
		o.file = fs.Arg(0)
	}
	if o.file == "" && o.restore == "" {
		return errors.New("a batch file or -restore is required")
	}

	logger.Setup(&logger.Config{Level: o.logLevel, Format: cfg.LogFormat, Output: stderr})

	settings, err := o.settings()
	if err != nil {
		return err
	}

	locator := tf.locator()
	tools.LogPreflight(locator.Availability())

	runner := process.NewRunner()
	metadata := downloader.NewMetadataClient(runner, locator, cache.NewMetadataCache(cfg.MetadataCacheTTL, 10*time.Minute))
	q := queue.New(downloader.NewPipeline(runner, locator), metadata)

	printer := &progressPrinter{w: stdout, quiet: o.quiet}
	defer q.Subscribe(printer.observe)()

	if o.restore != "" {
		n, err := restoreSession(ctx, q, o.restore)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Restored %d jobs from %s\n", n, o.restore)
	}

	if o.file != "" {
		kind, err := importer.ParseKind(o.kind)
		if err != nil {
			return err
		}
		res, err := importer.ParseFile(o.file, importer.Options{Kind: kind, CSVColumn: o.column, Field: o.field})
		if err != nil {
			return err
		}
		for _, u := range res.URLs {
			q.Add(u, settings)
		}
		fmt.Fprintf(stdout, "Imported %d URLs from %s (%d skipped)\n", len(res.URLs), o.file, res.Skipped)
	}

	if o.titles {
		n, err := q.ResolveTitles(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Resolved %d titles\n", n)
	}

	var summary queue.BatchSummary
	for round := 0; ; round++ {
		s, err := q.Start(ctx, settings)
		if err != nil {
			return err
		}
		if round == 0 {
			summary = s
		} else {
			summary.Completed += s.Completed
			summary.Failed = s.Failed
			summary.Cancelled += s.Cancelled
		}
		if !o.autoRetry || ctx.Err() != nil {
			break
		}
		n := q.RetryFailed(settings)
		if n == 0 {
			break
		}
		fmt.Fprintf(stdout, "Retrying %d failed jobs\n", n)
	}

	fmt.Fprintf(stdout, "Done: %d completed, %d failed, %d cancelled, %d skipped, %d not started\n",
		summary.Completed, summary.Failed, summary.Cancelled, summary.Skipped, summary.NotStarted)

	if o.export != "" {
		if err := exportSession(ctx, q, o.export); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Exported %d jobs to %s\n", len(q.Jobs()), o.export)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	for _, j := range q.Jobs() {
		if j.State == domain.JobStateError {
			return ErrJobsFailed
		}
	}
	return nil
}

func (o *runOptions) settings() (domain.BatchSettings, error) {
	format, err := domain.ParseFormat(o.format)
	if err != nil {
		return domain.BatchSettings{}, err
	}
	mode, err := domain.ParseEncodingMode(o.encoding)
	if err != nil {
		return domain.BatchSettings{}, err
	}
	bitrate, err := domain.ParseAudioBitrate(o.audio)
	if err != nil {
		return domain.BatchSettings{}, err
	}

	s := domain.BatchSettings{
		OutputDir:              o.output,
		DefaultFormat:          format,
		DefaultAudioBitrate:    bitrate,
		DefaultEncodingMode:    mode,
		MaxConcurrentDownloads: o.max,
		RetryLimit:             o.retry,
		StopOnError:            o.stop,
		SkipExisting:           o.skip,
		Naming: domain.NamingPolicy{
			AddDate:           o.addDate,
			RestrictFilenames: o.restrict,
		},
		FetchTimeout:     o.fetchTimeout,
		TranscodeTimeout: o.transcodeTimeout,
	}
	if o.video > 0 {
		v := o.video
		s.DefaultVideoBitrate = &v
	}
	return s, s.Validate()
}

func restoreSession(ctx context.Context, q *queue.Queue, path string) (int, error) {
	if _, err := os.Stat(path); err != nil {
		return 0, fmt.Errorf("session file: %w", err)
	}
	repo, err := sqlite.NewRepository(path)
	if err != nil {
		return 0, err
	}
	defer repo.Close()

	jobs, err := repo.ListJobs(ctx)
	if err != nil {
		return 0, err
	}
	return q.Restore(jobs), nil
}

func exportSession(ctx context.Context, q *queue.Queue, path string) error {
	repo, err := sqlite.NewRepository(path)
	if err != nil {
		return err
	}
	defer repo.Close()
	return repo.SaveJobs(ctx, q.Jobs())
}

// progressPrinter writes one line per job state change and batch step.
type progressPrinter struct {
	mu    sync.Mutex
	w     io.Writer
	quiet bool
	last  map[string]domain.JobState
}

func (p *progressPrinter) observe(e queue.Event) {
	if p.quiet {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch e.Type {
	case queue.EventJobState:
		if e.Job == nil {
			return
		}
		if p.last == nil {
			p.last = make(map[string]domain.JobState)
		}
		if p.last[e.Job.ID] == e.Job.State {
			return
		}
		p.last[e.Job.ID] = e.Job.State
		fmt.Fprintln(p.w, describe(*e.Job))
	case queue.EventBatchProgress:
		if e.Total > 0 && e.Completed > 0 {
			fmt.Fprintf(p.w, "[%d/%d]\n", e.Completed, e.Total)
		}
	case queue.EventLog:
		if e.Level == strings.ToLower(slog.LevelWarn.String()) || e.Level == strings.ToLower(slog.LevelError.String()) {
			fmt.Fprintf(p.w, "%s: %s\n", e.Level, e.Message)
		}
	}
}

func describe(j domain.Job) string {
	name := j.URL
	if j.Title != "" {
		name = j.Title
	}
	switch j.State {
	case domain.JobStateCompleted:
		return fmt.Sprintf("completed   %s -> %s", name, j.FilePath)
	case domain.JobStateError:
		return fmt.Sprintf("error       %s: %s", name, j.Error)
	default:
		return fmt.Sprintf("%-11s %s", j.State, name)
	}
}

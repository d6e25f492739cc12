package downloader

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emanuelef/yt-batch-go/internal/domain"
	"github.com/emanuelef/yt-batch-go/internal/infra/cache"
	"github.com/emanuelef/yt-batch-go/internal/infra/process"
	"github.com/emanuelef/yt-batch-go/internal/testutil"
)

type recordingReporter struct {
	mu        sync.Mutex
	snapshots []domain.ProgressSnapshot
	stages    []domain.JobState
}

func (r *recordingReporter) Progress(s domain.ProgressSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s)
}

func (r *recordingReporter) StageChanged(s domain.JobState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, s)
}

func (r *recordingReporter) Log(string) {}

func newSettings(t *testing.T) domain.BatchSettings {
	s := domain.DefaultBatchSettings()
	s.OutputDir = t.TempDir()
	return s
}

func newJob(url string, format domain.Format, mode domain.EncodingMode) domain.Job {
	j := domain.NewJob(url, format)
	j.EncodingMode = mode
	return *j
}

func TestPipelineFetchOnly(t *testing.T) {
	fake := testutil.NewFakeTools(t, testutil.ConverterOK)
	settings := newSettings(t)
	rep := &recordingReporter{}

	p := NewPipeline(process.NewRunner(), fake)
	res := p.Run(context.Background(), newJob("https://example.com/clip1", domain.FormatMP4, domain.EncodingModeNone), settings, rep)

	require.Equal(t, domain.JobStateCompleted, res.State, res.Message)
	assert.Equal(t, filepath.Join(settings.OutputDir, "clip1.mp4"), res.FilePath)
	assert.FileExists(t, res.FilePath)

	require.NotEmpty(t, rep.snapshots)
	var sawHalf bool
	for _, s := range rep.snapshots {
		assert.GreaterOrEqual(t, s.Percentage, 0.0)
		assert.LessOrEqual(t, s.Percentage, 100.0)
		if s.Percentage == 50 {
			sawHalf = true
			assert.Equal(t, "1.00 MiB/s", s.Speed)
		}
	}
	assert.True(t, sawHalf)
	assert.Empty(t, rep.stages)
}

func TestPipelineAudioOnlyDoesNotNeedConverter(t *testing.T) {
	fake := testutil.NewFakeTools(t, testutil.ConverterMissing)
	settings := newSettings(t)

	p := NewPipeline(process.NewRunner(), fake)
	res := p.Run(context.Background(), newJob("https://example.com/song", domain.FormatMP3, domain.EncodingModeTranscode), settings, nil)

	require.Equal(t, domain.JobStateCompleted, res.State, res.Message)
	assert.Equal(t, filepath.Join(settings.OutputDir, "song.mp3"), res.FilePath)
}

func TestPipelineFetchWithoutOutputFails(t *testing.T) {
	testutil.RequireShell(t)
	dir := t.TempDir()
	fetcher := filepath.Join(dir, "yt-dlp")
	require.NoError(t, os.WriteFile(fetcher, []byte("#!/bin/sh\necho '[youtube] nothing downloaded'\n"), 0o755))
	tools := &testutil.FakeTools{Dir: dir, Fetcher: fetcher}

	p := NewPipeline(process.NewRunner(), tools)
	res := p.Run(context.Background(), newJob("https://example.com/ghost", domain.FormatMP3, domain.EncodingModeNone), newSettings(t), nil)

	assert.Equal(t, domain.JobStateError, res.State)
	assert.Equal(t, domain.ErrorKindFetch, res.Kind)
	assert.Equal(t, "no_output", res.Reason)
	assert.Empty(t, res.FilePath)
}

func TestPipelineVideoRequiresConverter(t *testing.T) {
	fake := testutil.NewFakeTools(t, testutil.ConverterMissing)

	p := NewPipeline(process.NewRunner(), fake)
	res := p.Run(context.Background(), newJob("https://example.com/clip", domain.FormatMKV, domain.EncodingModeNone), newSettings(t), nil)

	assert.Equal(t, domain.JobStateError, res.State)
	assert.Equal(t, domain.ErrorKindToolMissing, res.Kind)
}

func TestPipelineValidation(t *testing.T) {
	fake := testutil.NewFakeTools(t, testutil.ConverterOK)
	p := NewPipeline(process.NewRunner(), fake)

	res := p.Run(context.Background(), newJob("ftp://example.com/x", domain.FormatMP4, domain.EncodingModeNone), newSettings(t), nil)
	assert.Equal(t, domain.JobStateError, res.State)
	assert.Equal(t, domain.ErrorKindValidation, res.Kind)

	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	settings := newSettings(t)
	settings.OutputDir = file
	res = p.Run(context.Background(), newJob("https://example.com/x", domain.FormatMP4, domain.EncodingModeNone), settings, nil)
	assert.Equal(t, domain.JobStateError, res.State)
	assert.Equal(t, domain.ErrorKindValidation, res.Kind)
}

func TestPipelineExtractionError(t *testing.T) {
	fake := testutil.NewFakeTools(t, testutil.ConverterOK)
	p := NewPipeline(process.NewRunner(), fake)

	res := p.Run(context.Background(), newJob("https://example.com/unavailable", domain.FormatMP4, domain.EncodingModeNone), newSettings(t), nil)
	assert.Equal(t, domain.JobStateError, res.State)
	assert.Equal(t, domain.ErrorKindExtraction, res.Kind)
	assert.Equal(t, "unavailable", res.Reason)
	assert.Contains(t, res.Message, "This video is unavailable")
}

func TestPipelineTranscodeSuccess(t *testing.T) {
	fake := testutil.NewFakeTools(t, testutil.ConverterOK)
	settings := newSettings(t)
	rep := &recordingReporter{}
	vb := 800
	job := newJob("https://example.com/movie", domain.FormatMKV, domain.EncodingModeTranscode)
	job.VideoBitrate = &vb

	p := NewPipeline(process.NewRunner(), fake)
	res := p.Run(context.Background(), job, settings, rep)

	require.Equal(t, domain.JobStateCompleted, res.State, res.Message)
	assert.Equal(t, filepath.Join(settings.OutputDir, "movie.mkv"), res.FilePath)
	assert.FileExists(t, res.FilePath)
	assert.Equal(t, []domain.JobState{domain.JobStateTranscoding}, rep.stages)

	var sawTranscode bool
	for _, s := range rep.snapshots {
		if s.Stage == domain.StageTranscode && s.Percentage == 50 {
			sawTranscode = true
		}
	}
	assert.True(t, sawTranscode)

	entries, err := os.ReadDir(settings.OutputDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".transcode-"), "temp file left behind: %s", e.Name())
	}
}

func TestPipelineTranscodeSameExtensionReplacesInput(t *testing.T) {
	fake := testutil.NewFakeTools(t, testutil.ConverterOK)
	settings := newSettings(t)

	p := NewPipeline(process.NewRunner(), fake)
	res := p.Run(context.Background(), newJob("https://example.com/same", domain.FormatMP4, domain.EncodingModeTranscode), settings, nil)

	require.Equal(t, domain.JobStateCompleted, res.State, res.Message)
	assert.Equal(t, filepath.Join(settings.OutputDir, "same.mp4"), res.FilePath)
	assert.FileExists(t, res.FilePath)
}

func TestPipelineTranscodeFailureKeepsOriginal(t *testing.T) {
	fake := testutil.NewFakeTools(t, testutil.ConverterFail)
	settings := newSettings(t)

	p := NewPipeline(process.NewRunner(), fake)
	res := p.Run(context.Background(), newJob("https://example.com/broken", domain.FormatMKV, domain.EncodingModeTranscode), settings, nil)

	assert.Equal(t, domain.JobStateError, res.State)
	assert.Equal(t, domain.ErrorKindTranscode, res.Kind)
	assert.Contains(t, res.Message, "Conversion failed!")

	original := filepath.Join(settings.OutputDir, "broken.mkv")
	assert.FileExists(t, original)
	data, err := os.ReadFile(original)
	require.NoError(t, err)
	assert.Equal(t, "media", string(data))

	entries, err := os.ReadDir(settings.OutputDir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "only the original file should remain")
}

func TestPipelineCancellation(t *testing.T) {
	fake := testutil.NewFakeTools(t, testutil.ConverterOK)
	ctx, cancel := context.WithCancel(context.Background())

	settings := newSettings(t)
	done := make(chan Result, 1)
	rep := &progressSignal{ch: make(chan struct{})}
	go func() {
		p := NewPipeline(process.NewRunner(), fake)
		done <- p.Run(ctx, newJob("https://example.com/hang", domain.FormatMP4, domain.EncodingModeTranscode), settings, rep)
	}()

	<-rep.ch
	cancel()

	select {
	case res := <-done:
		assert.Equal(t, domain.JobStateCancelled, res.State)
		assert.Equal(t, domain.ErrorKindCancelled, res.Kind)
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not observe cancellation")
	}
}

func TestPipelineFetchTimeout(t *testing.T) {
	fake := testutil.NewFakeTools(t, testutil.ConverterOK)
	settings := newSettings(t)
	settings.FetchTimeout = 200 * time.Millisecond

	p := NewPipeline(process.NewRunner(), fake)
	res := p.Run(context.Background(), newJob("https://example.com/hang", domain.FormatMP4, domain.EncodingModeNone), settings, nil)

	assert.Equal(t, domain.JobStateError, res.State)
	assert.Equal(t, domain.ErrorKindTimeout, res.Kind)
}

func TestPipelineAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewPipeline(process.NewRunner(), &testutil.FakeTools{})
	res := p.Run(ctx, newJob("https://example.com/x", domain.FormatMP4, domain.EncodingModeNone), domain.DefaultBatchSettings(), nil)
	assert.Equal(t, domain.JobStateCancelled, res.State)
}

type progressSignal struct {
	once sync.Once
	ch   chan struct{}
}

func (p *progressSignal) Progress(domain.ProgressSnapshot) { p.once.Do(func() { close(p.ch) }) }
func (p *progressSignal) StageChanged(domain.JobState)     {}
func (p *progressSignal) Log(string)                       {}

func TestMetadataClientCachesInfo(t *testing.T) {
	fake := testutil.NewFakeTools(t, testutil.ConverterOK)
	c := cache.NewMetadataCache(time.Minute, time.Minute)
	m := NewMetadataClient(process.NewRunner(), fake, c)

	info, err := m.Info(context.Background(), "https://example.com/trailer")
	require.NoError(t, err)
	assert.Equal(t, "trailer", info.Title)
	assert.Equal(t, 10.0, info.Duration)
	assert.Equal(t, 1, c.ItemCount())

	// Served from cache once the fetcher is gone.
	fake.Fetcher = ""
	title, err := m.Title(context.Background(), "https://example.com/trailer")
	require.NoError(t, err)
	assert.Equal(t, "trailer", title)

	_, err = m.Info(context.Background(), "https://example.com/other")
	assert.Equal(t, domain.ErrorKindToolMissing, domain.KindOf(err))
}

func TestBuildFetchArgs(t *testing.T) {
	settings := domain.DefaultBatchSettings()
	settings.Naming.RestrictFilenames = true

	audio := newJob("https://example.com/a", domain.FormatMP3, domain.EncodingModeNone)
	audio.AudioBitrate = domain.AudioBitrate320
	args := buildFetchArgs(audio, settings, "/out/%(title)s.%(ext)s", "")
	assert.Equal(t, []string{
		"--newline", "--progress", "--no-playlist", "--force-ipv4",
		"-o", "/out/%(title)s.%(ext)s",
		"-x", "--audio-format", "mp3", "--audio-quality", "320K",
		"--restrict-filenames",
		"https://example.com/a",
	}, args)

	video := newJob("https://example.com/v", domain.FormatWebM, domain.EncodingModeNone)
	args = buildFetchArgs(video, domain.DefaultBatchSettings(), "t", "/bin/ffmpeg")
	assert.Contains(t, args, "bestvideo+bestaudio/best")
	assert.Contains(t, args, "--embed-metadata")
	assert.Contains(t, args, "/bin/ffmpeg")
	assert.Equal(t, "https://example.com/v", args[len(args)-1])
}

func TestBuildTranscodeArgs(t *testing.T) {
	job := newJob("https://example.com/v", domain.FormatMKV, domain.EncodingModeTranscode)
	assert.Equal(t, []string{
		"-hide_banner", "-i", "in.mp4",
		"-b:a", "192k",
		"-max_muxing_queue_size", "1024",
		"-progress", "pipe:1",
		"-nostats", "-y", "out.mkv",
	}, buildTranscodeArgs(job, "in.mp4", "out.mkv"))

	vb := 1200
	job.VideoBitrate = &vb
	args := buildTranscodeArgs(job, "in.mp4", "out.mkv")
	assert.Equal(t, []string{"-b:v", "1200k"}, args[3:5])
}

func TestPredictFilename(t *testing.T) {
	settings := domain.DefaultBatchSettings()
	settings.OutputDir = "/out"
	now := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, filepath.Join("/out", "My_Clip.mp4"), PredictFilename(settings, "My/Clip", domain.FormatMP4, now))
	assert.Equal(t, filepath.Join("/out", "video.mp3"), PredictFilename(settings, "", domain.FormatMP3, now))

	settings.Naming.AddDate = true
	assert.Equal(t, filepath.Join("/out", "2024-03-09_Clip.mkv"), PredictFilename(settings, "Clip", domain.FormatMKV, now))
	assert.Equal(t, filepath.Join("/out", "2024-03-09_%(title)s.%(ext)s"), OutputTemplate("/out", settings.Naming, now))
}

package domain

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from JobState
		to   JobState
		want bool
	}{
		{JobStatePending, JobStateDownloading, true},
		{JobStatePending, JobStateCompleted, true},
		{JobStatePending, JobStateCancelled, true},
		{JobStatePending, JobStateTranscoding, false},
		{JobStateDownloading, JobStateTranscoding, true},
		{JobStateDownloading, JobStateCompleted, true},
		{JobStateDownloading, JobStateCancelled, true},
		{JobStateDownloading, JobStateError, true},
		{JobStateDownloading, JobStatePending, false},
		{JobStateTranscoding, JobStateCompleted, true},
		{JobStateTranscoding, JobStateDownloading, false},
		{JobStateCompleted, JobStatePending, false},
		{JobStateCancelled, JobStateDownloading, false},
		{JobStateError, JobStateCompleted, false},
		{JobState("bogus"), JobStatePending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestJobLifecycle(t *testing.T) {
	job := NewJob("https://example.com/watch?v=1", FormatMP4)
	require.Equal(t, JobStatePending, job.State)
	assert.True(t, job.Selected)
	assert.NotEmpty(t, job.ID)

	require.NoError(t, job.Transition(JobStateDownloading))
	require.NotNil(t, job.StartedAt)

	job.UpdateProgress(ProgressSnapshot{Percentage: 150, Speed: "1.00 MiB/s"})
	assert.Equal(t, 100.0, job.Progress)
	assert.Equal(t, "1.00 MiB/s", job.Speed)

	require.NoError(t, job.MarkCompleted("/tmp/out.mp4"))
	assert.Equal(t, JobStateCompleted, job.State)
	assert.Equal(t, "/tmp/out.mp4", job.FilePath)
	require.NotNil(t, job.CompletedAt)

	err := job.MarkError(ErrorKindFetch, "late failure")
	require.Error(t, err)
	assert.Equal(t, JobStateCompleted, job.State, "terminal state must not change")
}

func TestJobResetCountsRetries(t *testing.T) {
	job := NewJob("https://example.com/v", FormatMP3)
	require.NoError(t, job.Transition(JobStateDownloading))
	job.UpdateProgress(ProgressSnapshot{Percentage: 40, ETA: "00:10"})
	require.NoError(t, job.MarkError(ErrorKindExtraction, "unavailable"))

	job.Reset(true)
	assert.Equal(t, JobStatePending, job.State)
	assert.Equal(t, 1, job.RetryCount)
	assert.Zero(t, job.Progress)
	assert.Empty(t, job.Error)
	assert.Empty(t, job.ErrorKind)
	assert.Empty(t, job.ETA)
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.CompletedAt)

	job.Reset(false)
	assert.Equal(t, 1, job.RetryCount)
}

func TestUpdateProgressIndeterminateKeepsPercent(t *testing.T) {
	job := NewJob("https://example.com/v", FormatMP4)
	job.UpdateProgress(ProgressSnapshot{Percentage: 30})
	job.UpdateProgress(ProgressSnapshot{Indeterminate: true, Percentage: 99})
	assert.Equal(t, 30.0, job.Progress)
}

func TestClampPercent(t *testing.T) {
	assert.Equal(t, 0.0, ClampPercent(-3))
	assert.Equal(t, 0.0, ClampPercent(math.NaN()))
	assert.Equal(t, 100.0, ClampPercent(101))
	assert.Equal(t, 55.5, ClampPercent(55.5))
}

func TestCloneIsDeep(t *testing.T) {
	v := 800
	job := NewJob("https://example.com/v", FormatMKV)
	job.VideoBitrate = &v
	c := job.Clone()
	*c.VideoBitrate = 1
	assert.Equal(t, 800, *job.VideoBitrate)
}

func TestApplyDefaults(t *testing.T) {
	vb := 1500
	s := DefaultBatchSettings()
	s.DefaultFormat = FormatWebM
	s.DefaultVideoBitrate = &vb

	job := &Job{URL: "https://example.com/v"}
	job.ApplyDefaults(s)
	assert.Equal(t, FormatWebM, job.Format)
	assert.Equal(t, EncodingModeNone, job.EncodingMode)
	assert.Equal(t, AudioBitrate192, job.AudioBitrate)
	require.NotNil(t, job.VideoBitrate)
	assert.Equal(t, 1500, *job.VideoBitrate)
}

func TestBatchSettingsValidate(t *testing.T) {
	s := DefaultBatchSettings()
	require.NoError(t, s.Validate())

	s.MaxConcurrentDownloads = 0
	assert.True(t, errors.Is(s.Validate(), ErrInvalidSettings))

	s = DefaultBatchSettings()
	s.RetryLimit = -1
	assert.ErrorIs(t, s.Validate(), ErrInvalidSettings)

	s = DefaultBatchSettings()
	s.DefaultFormat = "avi"
	assert.ErrorIs(t, s.Validate(), ErrInvalidSettings)
}

func TestParseHelpers(t *testing.T) {
	f, err := ParseFormat(" MP3 ")
	require.NoError(t, err)
	assert.True(t, f.IsAudioOnly())
	assert.False(t, FormatMKV.IsAudioOnly())

	_, err = ParseFormat("flac")
	assert.Error(t, err)

	b, err := ParseAudioBitrate("320k")
	require.NoError(t, err)
	assert.Equal(t, AudioBitrate320, b)

	_, err = ParseAudioBitrate("100")
	assert.Error(t, err)

	m, err := ParseEncodingMode("Transcode")
	require.NoError(t, err)
	assert.Equal(t, EncodingModeTranscode, m)
}

func TestJobErrorKind(t *testing.T) {
	err := NewJobError(ErrorKindExtraction, "unavailable", "This video is unavailable")
	wrapped := errors.Join(errors.New("outer"), err)
	assert.Equal(t, ErrorKindExtraction, KindOf(wrapped))
	assert.Equal(t, ErrorKindInternal, KindOf(errors.New("plain")))
	assert.Contains(t, err.Error(), "unavailable")
}

// Package domain contains the core business entities and types.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobState represents the lifecycle state of a batch job.
type JobState string

const (
	JobStatePending     JobState = "pending"
	JobStateDownloading JobState = "downloading"
	JobStateTranscoding JobState = "transcoding"
	JobStateCompleted   JobState = "completed"
	JobStateCancelled   JobState = "cancelled"
	JobStateError       JobState = "error"
)

// IsTerminal reports whether the state ends a run.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateCancelled || s == JobStateError
}

// IsActive reports whether a pipeline is currently driving the job.
func (s JobState) IsActive() bool {
	return s == JobStateDownloading || s == JobStateTranscoding
}

var allowedTransitions = map[JobState]map[JobState]bool{
	JobStatePending: {
		JobStateDownloading: true,
		JobStateCompleted:   true, // skip-existing short circuit
		JobStateCancelled:   true,
		JobStateError:       true,
	},
	JobStateDownloading: {
		JobStateTranscoding: true,
		JobStateCompleted:   true,
		JobStateCancelled:   true,
		JobStateError:       true,
	},
	JobStateTranscoding: {
		JobStateCompleted: true,
		JobStateCancelled: true,
		JobStateError:     true,
	},
	JobStateCompleted: {},
	JobStateCancelled: {},
	JobStateError:     {},
}

// CanTransition reports whether a job may move from one state to another.
// Terminal states are only left through Reset.
func CanTransition(from, to JobState) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// Job represents one requested media acquisition tracked through its lifecycle.
type Job struct {
	ID           string       `json:"id"`
	URL          string       `json:"url"`
	Title        string       `json:"title,omitempty"`
	Format       Format       `json:"format"`
	EncodingMode EncodingMode `json:"encoding_mode"`
	AudioBitrate AudioBitrate `json:"audio_bitrate"`
	VideoBitrate *int         `json:"video_bitrate,omitempty"` // kbps, transcode only
	Selected     bool         `json:"selected"`

	State      JobState  `json:"state"`
	Progress   float64   `json:"progress"` // 0-100
	Error      string    `json:"error,omitempty"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	RetryCount int       `json:"retry_count"`

	AddedAt     time.Time  `json:"added_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	FilePath       string `json:"file_path,omitempty"`
	Speed          string `json:"speed,omitempty"`
	ETA            string `json:"eta,omitempty"`
	DownloadedSize string `json:"downloaded_size,omitempty"`
	TotalSize      string `json:"total_size,omitempty"`
}

// NewJob creates a selected, pending job for the given URL.
func NewJob(url string, format Format) *Job {
	return &Job{
		ID:           uuid.New().String(),
		URL:          url,
		Format:       format,
		EncodingMode: EncodingModeNone,
		AudioBitrate: AudioBitrate192,
		Selected:     true,
		State:        JobStatePending,
		AddedAt:      time.Now().UTC(),
	}
}

// Clone returns a deep copy safe to hand to observers.
func (j *Job) Clone() Job {
	c := *j
	if j.VideoBitrate != nil {
		v := *j.VideoBitrate
		c.VideoBitrate = &v
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// ApplyDefaults fills unset per-job options from the batch settings.
func (j *Job) ApplyDefaults(s BatchSettings) {
	if j.Format == "" {
		j.Format = s.DefaultFormat
	}
	if j.EncodingMode == "" {
		j.EncodingMode = s.DefaultEncodingMode
	}
	if j.AudioBitrate == 0 {
		j.AudioBitrate = s.DefaultAudioBitrate
	}
	if j.VideoBitrate == nil && s.DefaultVideoBitrate != nil {
		v := *s.DefaultVideoBitrate
		j.VideoBitrate = &v
	}
}

// Transition moves the job to a new state if the state graph allows it.
func (j *Job) Transition(to JobState) error {
	if !CanTransition(j.State, to) {
		return fmt.Errorf("invalid job state transition: %q -> %q (job_id=%s)", j.State, to, j.ID)
	}
	j.State = to
	now := time.Now().UTC()
	switch {
	case to == JobStateDownloading:
		j.StartedAt = &now
	case to.IsTerminal():
		j.CompletedAt = &now
	}
	return nil
}

// MarkCompleted finalizes a successful run.
func (j *Job) MarkCompleted(filePath string) error {
	if err := j.Transition(JobStateCompleted); err != nil {
		return err
	}
	j.Progress = 100
	j.FilePath = filePath
	j.Error = ""
	j.ErrorKind = ""
	return nil
}

// MarkCancelled finalizes a run interrupted by the user.
func (j *Job) MarkCancelled() error {
	if err := j.Transition(JobStateCancelled); err != nil {
		return err
	}
	j.ErrorKind = ErrorKindCancelled
	return nil
}

// MarkError finalizes a failed run.
func (j *Job) MarkError(kind ErrorKind, message string) error {
	if err := j.Transition(JobStateError); err != nil {
		return err
	}
	j.ErrorKind = kind
	j.Error = message
	return nil
}

// UpdateProgress merges a progress snapshot into the job.
func (j *Job) UpdateProgress(s ProgressSnapshot) {
	if !s.Indeterminate {
		j.Progress = ClampPercent(s.Percentage)
	}
	if s.Speed != "" {
		j.Speed = s.Speed
	}
	if s.ETA != "" {
		j.ETA = s.ETA
	}
	if s.DownloadedSize != "" {
		j.DownloadedSize = s.DownloadedSize
	}
	if s.TotalSize != "" {
		j.TotalSize = s.TotalSize
	}
	if s.ErrorMessage != "" {
		j.Error = s.ErrorMessage
	}
}

// Reset returns a finished job to Pending, clearing run data.
// countRetry increments RetryCount.
func (j *Job) Reset(countRetry bool) {
	j.State = JobStatePending
	if countRetry {
		j.RetryCount++
	}
	j.Progress = 0
	j.Error = ""
	j.ErrorKind = ""
	j.StartedAt = nil
	j.CompletedAt = nil
	j.Speed = ""
	j.ETA = ""
	j.DownloadedSize = ""
	j.TotalSize = ""
}

// ClampPercent bounds a percentage to [0, 100].
func ClampPercent(p float64) float64 {
	if p < 0 || p != p {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// VideoInfo contains metadata about a video.
type VideoInfo struct {
	ID          string  `json:"id,omitempty"`
	Title       string  `json:"title"`
	Duration    float64 `json:"duration"` // in seconds
	Thumbnail   string  `json:"thumbnail,omitempty"`
	Filesize    int64   `json:"filesize,omitempty"`
	Filename    string  `json:"filename,omitempty"`
	Extractor   string  `json:"extractor,omitempty"`
	WebpageURL  string  `json:"webpage_url,omitempty"`
	Description string  `json:"description,omitempty"`
}

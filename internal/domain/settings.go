package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Format is the target container or audio format.
type Format string

const (
	FormatMP4  Format = "mp4"
	FormatMKV  Format = "mkv"
	FormatWebM Format = "webm"
	FormatMP3  Format = "mp3"
	FormatM4A  Format = "m4a"
)

// ParseFormat parses a case-insensitive format name.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case FormatMP4, FormatMKV, FormatWebM, FormatMP3, FormatM4A:
		return f, nil
	}
	return "", fmt.Errorf("unknown format %q", s)
}

// IsAudioOnly reports whether the format extracts audio only.
func (f Format) IsAudioOnly() bool {
	return f == FormatMP3 || f == FormatM4A
}

// Extension returns the file extension without the leading dot.
func (f Format) Extension() string {
	return string(f)
}

// EncodingMode selects whether fetched video is re-encoded.
type EncodingMode string

const (
	EncodingModeNone      EncodingMode = "none"
	EncodingModeTranscode EncodingMode = "transcode"
)

// ParseEncodingMode parses an encoding mode name.
func ParseEncodingMode(s string) (EncodingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "copy":
		return EncodingModeNone, nil
	case "transcode":
		return EncodingModeTranscode, nil
	}
	return "", fmt.Errorf("unknown encoding mode %q", s)
}

// AudioBitrate is an audio bitrate in kbps.
type AudioBitrate int

const (
	AudioBitrate96  AudioBitrate = 96
	AudioBitrate128 AudioBitrate = 128
	AudioBitrate192 AudioBitrate = 192
	AudioBitrate256 AudioBitrate = 256
	AudioBitrate320 AudioBitrate = 320
)

// ParseAudioBitrate parses "192", "192k" or "192K".
func ParseAudioBitrate(s string) (AudioBitrate, error) {
	s = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "k")
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid audio bitrate %q", s)
	}
	switch b := AudioBitrate(v); b {
	case AudioBitrate96, AudioBitrate128, AudioBitrate192, AudioBitrate256, AudioBitrate320:
		return b, nil
	}
	return 0, fmt.Errorf("unsupported audio bitrate %d", v)
}

// NamingPolicy controls the output file name template.
type NamingPolicy struct {
	AddDate           bool // prefix names with the download date (YYYY-MM-DD)
	RestrictFilenames bool // ASCII-only, no spaces
}

// BatchSettings is the immutable configuration snapshot for one batch run.
type BatchSettings struct {
	OutputDir              string
	DefaultFormat          Format
	DefaultAudioBitrate    AudioBitrate
	DefaultVideoBitrate    *int
	DefaultEncodingMode    EncodingMode
	MaxConcurrentDownloads int
	RetryLimit             int
	StopOnError            bool
	SkipExisting           bool
	Naming                 NamingPolicy
	FetchTimeout           time.Duration // 0 = no limit
	TranscodeTimeout       time.Duration // 0 = no limit
}

// DefaultBatchSettings returns the default batch configuration.
func DefaultBatchSettings() BatchSettings {
	return BatchSettings{
		OutputDir:              "./downloads",
		DefaultFormat:          FormatMP4,
		DefaultAudioBitrate:    AudioBitrate192,
		DefaultEncodingMode:    EncodingModeNone,
		MaxConcurrentDownloads: 2,
		RetryLimit:             3,
	}
}

// Validate reports programmer errors in the settings.
func (s BatchSettings) Validate() error {
	if s.MaxConcurrentDownloads < 1 {
		return fmt.Errorf("%w: max concurrent downloads must be >= 1, got %d", ErrInvalidSettings, s.MaxConcurrentDownloads)
	}
	if s.RetryLimit < 0 {
		return fmt.Errorf("%w: retry limit must be >= 0, got %d", ErrInvalidSettings, s.RetryLimit)
	}
	if s.FetchTimeout < 0 || s.TranscodeTimeout < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalidSettings)
	}
	if s.DefaultFormat != "" {
		if _, err := ParseFormat(string(s.DefaultFormat)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
		}
	}
	return nil
}

// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/emanuelef/yt-batch-go/internal/domain"
)

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port      string
	Env       string
	LogLevel  string
	LogFormat string

	// CORS
	AllowedOrigins []string

	// Rate Limiting
	RateLimitRPM   int
	RateLimitBurst int

	// Tools
	ToolsDir      string
	FetcherPath   string
	ConverterPath string

	// Batch defaults
	OutputDir              string
	DefaultFormat          domain.Format
	DefaultAudioBitrate    domain.AudioBitrate
	DefaultVideoBitrate    int // 0 = keep source bitrate
	DefaultEncodingMode    domain.EncodingMode
	MaxConcurrentDownloads int
	RetryLimit             int
	StopOnError            bool
	SkipExisting           bool
	AddDateToFilename      bool
	RestrictFilenames      bool
	FetchTimeout           time.Duration
	TranscodeTimeout       time.Duration

	// Metadata
	MetadataCacheTTL time.Duration

	// R2 Storage
	R2AccountID        string
	R2AccessKeyID      string
	R2SecretAccessKey  string
	R2BucketName       string
	R2PublicURL        string
	R2Prefix           string
	PresignedURLExpiry time.Duration

	// Cleanup
	CleanupInterval   time.Duration
	TempMaxAge        time.Duration
	R2CleanupInterval time.Duration
	R2MaxFileAge      time.Duration

	// Paths
	DataDir          string
	ExportOnShutdown bool
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	format, err := domain.ParseFormat(getEnv("DEFAULT_FORMAT", "mp4"))
	if err != nil {
		return nil, fmt.Errorf("DEFAULT_FORMAT: %w", err)
	}
	bitrate, err := domain.ParseAudioBitrate(getEnv("DEFAULT_AUDIO_BITRATE", "192"))
	if err != nil {
		return nil, fmt.Errorf("DEFAULT_AUDIO_BITRATE: %w", err)
	}
	mode, err := domain.ParseEncodingMode(getEnv("DEFAULT_ENCODING_MODE", "none"))
	if err != nil {
		return nil, fmt.Errorf("DEFAULT_ENCODING_MODE: %w", err)
	}

	cfg := &Config{
		// Server
		Port:      getEnv("PORT", "8080"),
		Env:       getEnv("ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		// CORS
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),

		// Rate Limiting
		RateLimitRPM:   getEnvInt("RATE_LIMIT_RPM", 60),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 10),

		// Tools
		ToolsDir:      getEnv("TOOLS_DIR", ""),
		FetcherPath:   getEnv("YTDLP_PATH", ""),
		ConverterPath: getEnv("FFMPEG_PATH", ""),

		// Batch defaults
		OutputDir:              getEnv("OUTPUT_DIR", "./downloads"),
		DefaultFormat:          format,
		DefaultAudioBitrate:    bitrate,
		DefaultVideoBitrate:    getEnvInt("DEFAULT_VIDEO_BITRATE", 0),
		DefaultEncodingMode:    mode,
		MaxConcurrentDownloads: getEnvInt("MAX_CONCURRENT_DOWNLOADS", 2),
		RetryLimit:             getEnvInt("RETRY_LIMIT", 3),
		StopOnError:            getEnvBool("STOP_ON_ERROR", false),
		SkipExisting:           getEnvBool("SKIP_EXISTING", true),
		AddDateToFilename:      getEnvBool("ADD_DATE_TO_FILENAME", false),
		RestrictFilenames:      getEnvBool("RESTRICT_FILENAMES", false),
		FetchTimeout:           getEnvDuration("FETCH_TIMEOUT", 0),
		TranscodeTimeout:       getEnvDuration("TRANSCODE_TIMEOUT", 0),

		// Metadata
		MetadataCacheTTL: getEnvDuration("METADATA_CACHE_TTL", time.Hour),

		// R2 Storage
		R2AccountID:        getEnv("R2_ACCOUNT_ID", ""),
		R2AccessKeyID:      getEnv("R2_ACCESS_KEY_ID", ""),
		R2SecretAccessKey:  getEnv("R2_SECRET_ACCESS_KEY", ""),
		R2BucketName:       getEnv("R2_BUCKET_NAME", ""),
		R2PublicURL:        getEnv("R2_PUBLIC_URL", ""),
		R2Prefix:           getEnv("R2_PREFIX", ""),
		PresignedURLExpiry: getEnvDuration("PRESIGNED_URL_EXPIRY", 24*time.Hour),

		// Cleanup
		CleanupInterval:   getEnvDuration("CLEANUP_INTERVAL", 5*time.Minute),
		TempMaxAge:        getEnvDuration("TEMP_MAX_AGE", time.Hour),
		R2CleanupInterval: getEnvDuration("R2_CLEANUP_INTERVAL", 30*time.Minute),
		R2MaxFileAge:      getEnvDuration("R2_MAX_FILE_AGE", 7*24*time.Hour),

		// Paths
		DataDir:          getEnv("DATA_DIR", "./data"),
		ExportOnShutdown: getEnvBool("EXPORT_ON_SHUTDOWN", false),
	}

	if cfg.MaxConcurrentDownloads < 1 {
		return nil, fmt.Errorf("MAX_CONCURRENT_DOWNLOADS must be >= 1, got %d", cfg.MaxConcurrentDownloads)
	}
	if cfg.RetryLimit < 0 {
		return nil, fmt.Errorf("RETRY_LIMIT must be >= 0, got %d", cfg.RetryLimit)
	}

	return cfg, nil
}

// R2Enabled reports whether every R2 credential is set.
func (c *Config) R2Enabled() bool {
	return c.R2AccountID != "" && c.R2AccessKeyID != "" && c.R2SecretAccessKey != "" && c.R2BucketName != ""
}

// ExportPath is the SQLite file used for session export.
func (c *Config) ExportPath() string {
	return filepath.Join(c.DataDir, "session.db")
}

// BatchSettings builds the settings snapshot a batch runs with.
func (c *Config) BatchSettings() domain.BatchSettings {
	s := domain.BatchSettings{
		OutputDir:              c.OutputDir,
		DefaultFormat:          c.DefaultFormat,
		DefaultAudioBitrate:    c.DefaultAudioBitrate,
		DefaultEncodingMode:    c.DefaultEncodingMode,
		MaxConcurrentDownloads: c.MaxConcurrentDownloads,
		RetryLimit:             c.RetryLimit,
		StopOnError:            c.StopOnError,
		SkipExisting:           c.SkipExisting,
		Naming: domain.NamingPolicy{
			AddDate:           c.AddDateToFilename,
			RestrictFilenames: c.RestrictFilenames,
		},
		FetchTimeout:     c.FetchTimeout,
		TranscodeTimeout: c.TranscodeTimeout,
	}
	if c.DefaultVideoBitrate > 0 {
		v := c.DefaultVideoBitrate
		s.DefaultVideoBitrate = &v
	}
	return s
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s", "2h") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	slog.Warn("Invalid duration, using default", "key", key, "value", value)
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

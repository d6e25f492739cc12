// Package r2 publishes finished downloads to Cloudflare R2.
package r2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrIncompleteConfig is returned when any required R2 setting is empty.
var ErrIncompleteConfig = errors.New("incomplete R2 configuration")

// Config holds configuration for R2 client.
type Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
	// Prefix is prepended to every object key.
	Prefix string
}

// Enabled reports whether every required setting is present.
func (c Config) Enabled() bool {
	return c.AccountID != "" && c.AccessKeyID != "" && c.SecretAccessKey != "" && c.BucketName != ""
}

// Client uploads and expires objects in one bucket.
type Client struct {
	s3Client   *s3.Client
	bucketName string
	publicURL  string
	prefix     string
}

// NewClient creates a new R2 client.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	if !cfg.Enabled() {
		return nil, ErrIncompleteConfig
	}

	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		config.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	slog.Info("R2 client initialized",
		"bucket", cfg.BucketName,
		"endpoint", endpoint,
		"prefix", cfg.Prefix,
	)

	return &Client{
		s3Client:   s3Client,
		bucketName: cfg.BucketName,
		publicURL:  strings.TrimRight(cfg.PublicURL, "/"),
		prefix:     strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// ObjectKey builds the key a job's output file is stored under.
func (c *Client) ObjectKey(jobID, filePath string) string {
	return ObjectKey(c.prefix, jobID, filePath)
}

// ObjectKey joins prefix, job id and the file's base name.
func ObjectKey(prefix, jobID, filePath string) string {
	name := filepath.Base(filePath)
	if prefix == "" {
		return path.Join(jobID, name)
	}
	return path.Join(prefix, jobID, name)
}

// PublicObjectURL returns the public URL for key, or "" when no public URL is configured.
func (c *Client) PublicObjectURL(key string) string {
	if c.publicURL == "" {
		return ""
	}
	return c.publicURL + "/" + key
}

// Upload uploads a local file under key.
func (c *Client) Upload(ctx context.Context, filePath, key string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	fileInfo, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	contentType := ContentType(filePath)

	_, err = c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucketName),
		Key:           aws.String(key),
		Body:          file,
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(fileInfo.Size()),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to R2: %w", err)
	}

	slog.Info("File uploaded to R2",
		"key", key,
		"size", fileInfo.Size(),
		"content_type", contentType,
	)

	return nil
}

// GeneratePresignedURL returns a time-limited download link for key.
func (c *Client) GeneratePresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	presignClient := s3.NewPresignClient(c.s3Client)

	request, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expiry
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}

	slog.Debug("Generated presigned URL", "key", key, "expires_in", expiry)

	return request.URL, nil
}

// Delete deletes a file from R2.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete from R2: %w", err)
	}

	slog.Debug("File deleted from R2", "key", key)

	return nil
}

// ListOlderThan returns keys under the client prefix last modified before now-age.
func (c *Client) ListOlderThan(ctx context.Context, age time.Duration) ([]string, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(c.bucketName)}
	if c.prefix != "" {
		input.Prefix = aws.String(c.prefix + "/")
	}

	threshold := time.Now().Add(-age)
	var oldKeys []string

	paginator := s3.NewListObjectsV2Paginator(c.s3Client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil && obj.LastModified != nil && obj.LastModified.Before(threshold) {
				oldKeys = append(oldKeys, *obj.Key)
			}
		}
	}

	return oldKeys, nil
}

// DeleteOlderThan deletes published files older than age and returns how many went.
func (c *Client) DeleteOlderThan(ctx context.Context, age time.Duration) (int, error) {
	keys, err := c.ListOlderThan(ctx, age)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, key := range keys {
		if err := c.Delete(ctx, key); err != nil {
			slog.Warn("Failed to delete old file", "key", key, "error", err)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		slog.Info("Deleted old files from R2", "count", deleted, "age", age)
	}

	return deleted, nil
}

// ContentType returns the MIME type for a media file extension.
func ContentType(filePath string) string {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	case ".m4a":
		return "audio/mp4"
	case ".mp3":
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}

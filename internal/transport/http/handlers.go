// Package http provides HTTP handlers and router configuration.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/emanuelef/yt-batch-go/internal/domain"
	"github.com/emanuelef/yt-batch-go/internal/service/importer"
	"github.com/emanuelef/yt-batch-go/internal/service/queue"
	"github.com/emanuelef/yt-batch-go/internal/transport/http/middleware"
)

const maxImportSize = 10 << 20

// ToolStatus reports external tool availability.
type ToolStatus interface {
	Availability() domain.ToolAvailability
}

// SessionStore persists explicit snapshots of the queue.
type SessionStore interface {
	SaveJobs(ctx context.Context, jobs []domain.Job) error
	ListJobs(ctx context.Context) ([]domain.Job, error)
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	baseCtx  context.Context
	queue    *queue.Queue
	tools    ToolStatus
	session  SessionStore
	defaults domain.BatchSettings

	batches sync.WaitGroup
	mu      sync.Mutex
	last    *queue.BatchSummary

	heartbeat time.Duration
}

// NewHandlers creates a new Handlers instance. Batches started over HTTP run
// under ctx rather than the request context. session may be nil.
func NewHandlers(ctx context.Context, q *queue.Queue, tools ToolStatus, session SessionStore, defaults domain.BatchSettings) *Handlers {
	return &Handlers{
		baseCtx:   ctx,
		queue:     q,
		tools:     tools,
		session:   session,
		defaults:  defaults,
		heartbeat: 15 * time.Second,
	}
}

// Wait blocks until background batches started by StartBatchHandler return.
func (h *Handlers) Wait() {
	h.batches.Wait()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Running bool   `json:"running"`
	Jobs    int    `json:"jobs"`
	Ready   bool   `json:"ready"`
}

type addJobsRequest struct {
	URL          string   `json:"url"`
	URLs         []string `json:"urls"`
	Format       string   `json:"format"`
	EncodingMode string   `json:"encoding_mode"`
	AudioBitrate int      `json:"audio_bitrate"`
	VideoBitrate *int     `json:"video_bitrate"`
}

type rejectedURL struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

type addJobsResponse struct {
	Jobs     []domain.Job  `json:"jobs"`
	Rejected []rejectedURL `json:"rejected,omitempty"`
	Skipped  int           `json:"skipped,omitempty"`
}

type selectionRequest struct {
	Selected *bool `json:"selected"`
}

// settingsPatch overrides the configured defaults for one batch.
type settingsPatch struct {
	OutputDir              *string `json:"output_dir"`
	Format                 *string `json:"format"`
	EncodingMode           *string `json:"encoding_mode"`
	MaxConcurrentDownloads *int    `json:"max_concurrent_downloads"`
	RetryLimit             *int    `json:"retry_limit"`
	StopOnError            *bool   `json:"stop_on_error"`
	SkipExisting           *bool   `json:"skip_existing"`
	AddDate                *bool   `json:"add_date"`
	RestrictFilenames      *bool   `json:"restrict_filenames"`
}

type batchStatusResponse struct {
	Running     bool                `json:"running"`
	LastSummary *queue.BatchSummary `json:"last_summary,omitempty"`
}

type countResponse struct {
	Count int `json:"count"`
}

// HealthHandler handles GET /api/health requests.
func (h *Handlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &healthResponse{
		Status:  "ok",
		Running: h.queue.Running(),
		Jobs:    len(h.queue.Jobs()),
		Ready:   h.tools.Availability().FetcherFound,
	})
}

// ToolsHandler handles GET /api/tools requests.
func (h *Handlers) ToolsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.tools.Availability())
}

// ListJobsHandler handles GET /api/jobs requests.
func (h *Handlers) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	jobs := h.queue.Jobs()
	if state := r.URL.Query().Get("state"); state != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if string(j.State) == state {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// GetJobHandler handles GET /api/jobs/{id} requests.
func (h *Handlers) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	job, err := h.queue.Job(chi.URLParam(r, "id"))
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// AddJobsHandler handles POST /api/jobs requests.
func (h *Handlers) AddJobsHandler(w http.ResponseWriter, r *http.Request) {
	var req addJobsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_BODY")
		return
	}

	urls := req.URLs
	if req.URL != "" {
		urls = append([]string{req.URL}, urls...)
	}
	if len(urls) == 0 {
		writeError(w, http.StatusBadRequest, "url or urls is required", "MISSING_URL")
		return
	}

	template, err := h.jobTemplate(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_OPTIONS")
		return
	}

	resp := h.addURLs(urls, template)
	if len(resp.Jobs) == 0 {
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	slog.Info("Jobs added", "count", len(resp.Jobs), "rejected", len(resp.Rejected), "ip", middleware.ClientIP(r))
	writeJSON(w, http.StatusCreated, resp)
}

// ImportJobsHandler handles POST /api/jobs/import requests. The document is
// either the raw body or a multipart "file" field.
func (h *Handlers) ImportJobsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind, err := importer.ParseKind(q.Get("kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_KIND")
		return
	}
	opts := importer.Options{Kind: kind, CSVColumn: q.Get("column"), Field: q.Get("field")}

	r.Body = http.MaxBytesReader(w, r.Body, maxImportSize)

	var body io.Reader = r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "file field is required", "MISSING_FILE")
			return
		}
		defer file.Close()
		body = file
		if opts.Kind == importer.KindAuto {
			opts.Kind = importer.DetectKind(fileName(header))
		}
	}

	res, err := importer.Parse(body, opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_DOCUMENT")
		return
	}

	template := &domain.Job{Selected: true}
	template.ApplyDefaults(h.defaults)
	resp := h.addURLs(res.URLs, template)
	resp.Skipped = res.Skipped
	if resp.Jobs == nil {
		resp.Jobs = []domain.Job{}
	}

	slog.Info("Batch file imported", "added", len(resp.Jobs), "skipped", res.Skipped, "kind", opts.Kind)
	writeJSON(w, http.StatusCreated, resp)
}

// DeleteJobHandler handles DELETE /api/jobs/{id} requests.
func (h *Handlers) DeleteJobHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Remove(chi.URLParam(r, "id")); err != nil {
		writeQueueError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearJobsHandler handles DELETE /api/jobs requests.
func (h *Handlers) ClearJobsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &countResponse{Count: h.queue.Clear()})
}

// RemoveCompletedHandler handles DELETE /api/jobs/completed requests.
func (h *Handlers) RemoveCompletedHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &countResponse{Count: h.queue.RemoveCompleted()})
}

// SelectJobHandler handles PATCH /api/jobs/{id}/selection requests.
func (h *Handlers) SelectJobHandler(w http.ResponseWriter, r *http.Request) {
	selected, ok := decodeSelection(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.queue.SetSelected(id, selected); err != nil {
		writeQueueError(w, err)
		return
	}
	job, err := h.queue.Job(id)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// SelectAllHandler handles PATCH /api/jobs/selection requests.
func (h *Handlers) SelectAllHandler(w http.ResponseWriter, r *http.Request) {
	selected, ok := decodeSelection(w, r)
	if !ok {
		return
	}
	var n int
	if selected {
		n = h.queue.SelectAll()
	} else {
		n = h.queue.DeselectAll()
	}
	writeJSON(w, http.StatusOK, &countResponse{Count: n})
}

// ResolveTitlesHandler handles POST /api/jobs/titles requests.
func (h *Handlers) ResolveTitlesHandler(w http.ResponseWriter, r *http.Request) {
	n, err := h.queue.ResolveTitles(r.Context())
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("Title resolution interrupted", "error", err, "resolved", n)
	}
	writeJSON(w, http.StatusOK, &countResponse{Count: n})
}

// BatchStatusHandler handles GET /api/batch requests.
func (h *Handlers) BatchStatusHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	last := h.last
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, &batchStatusResponse{Running: h.queue.Running(), LastSummary: last})
}

// StartBatchHandler handles POST /api/batch/start requests. The batch runs in
// the background; progress is reported on the event stream.
func (h *Handlers) StartBatchHandler(w http.ResponseWriter, r *http.Request) {
	var patch settingsPatch
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&patch); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_BODY")
			return
		}
	}

	settings, err := h.applyPatch(patch)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	if h.queue.Running() {
		writeQueueError(w, domain.ErrBatchRunning)
		return
	}

	h.batches.Add(1)
	go func() {
		defer h.batches.Done()
		summary, err := h.queue.Start(h.baseCtx, settings)
		if err != nil {
			slog.Warn("Batch did not start", "error", err)
			return
		}
		h.mu.Lock()
		h.last = &summary
		h.mu.Unlock()
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// PauseBatchHandler handles POST /api/batch/pause requests.
func (h *Handlers) PauseBatchHandler(w http.ResponseWriter, r *http.Request) {
	h.queue.Pause()
	w.WriteHeader(http.StatusNoContent)
}

// CancelBatchHandler handles POST /api/batch/cancel requests.
func (h *Handlers) CancelBatchHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &countResponse{Count: h.queue.CancelAll()})
}

// RetryFailedHandler handles POST /api/batch/retry requests.
func (h *Handlers) RetryFailedHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &countResponse{Count: h.queue.RetryFailed(h.defaults)})
}

// RequeueCancelledHandler handles POST /api/batch/requeue requests.
func (h *Handlers) RequeueCancelledHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &countResponse{Count: h.queue.RequeueCancelled()})
}

// ExportSessionHandler handles POST /api/session/export requests.
func (h *Handlers) ExportSessionHandler(w http.ResponseWriter, r *http.Request) {
	if h.session == nil {
		writeError(w, http.StatusNotImplemented, "session export is not configured", "NOT_CONFIGURED")
		return
	}
	jobs := h.queue.Jobs()
	if err := h.session.SaveJobs(r.Context(), jobs); err != nil {
		slog.Error("Failed to export session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to export session", "DB_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, &countResponse{Count: len(jobs)})
}

// ImportSessionHandler handles POST /api/session/import requests.
func (h *Handlers) ImportSessionHandler(w http.ResponseWriter, r *http.Request) {
	if h.session == nil {
		writeError(w, http.StatusNotImplemented, "session export is not configured", "NOT_CONFIGURED")
		return
	}
	if h.queue.Running() {
		writeQueueError(w, domain.ErrBatchRunning)
		return
	}
	jobs, err := h.session.ListJobs(r.Context())
	if err != nil {
		slog.Error("Failed to read session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read session", "DB_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, &countResponse{Count: h.queue.Restore(jobs)})
}

// EventsHandler handles GET /api/events as a server-sent event stream.
// Slow clients drop events rather than block the queue.
func (h *Handlers) EventsHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "NO_STREAMING")
		return
	}

	events := make(chan queue.Event, 64)
	unsubscribe := h.queue.Subscribe(func(e queue.Event) {
		select {
		case events <- e:
		default:
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case e := <-events:
			data, err := json.Marshal(e)
			if err != nil {
				slog.Error("Failed to encode event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
			flusher.Flush()
		}
	}
}

func (h *Handlers) jobTemplate(req addJobsRequest) (*domain.Job, error) {
	job := &domain.Job{Selected: true, VideoBitrate: req.VideoBitrate}
	if req.Format != "" {
		f, err := domain.ParseFormat(req.Format)
		if err != nil {
			return nil, err
		}
		job.Format = f
	}
	if req.EncodingMode != "" {
		m, err := domain.ParseEncodingMode(req.EncodingMode)
		if err != nil {
			return nil, err
		}
		job.EncodingMode = m
	}
	if req.AudioBitrate != 0 {
		b, err := domain.ParseAudioBitrate(strconv.Itoa(req.AudioBitrate))
		if err != nil {
			return nil, err
		}
		job.AudioBitrate = b
	}
	if req.VideoBitrate != nil && *req.VideoBitrate <= 0 {
		return nil, errors.New("video_bitrate must be positive")
	}
	job.ApplyDefaults(h.defaults)
	return job, nil
}

func (h *Handlers) addURLs(urls []string, template *domain.Job) addJobsResponse {
	resp := addJobsResponse{}
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if err := domain.ValidateURL(u); err != nil {
			resp.Rejected = append(resp.Rejected, rejectedURL{URL: u, Error: err.Error()})
			continue
		}
		job := template.Clone()
		job.ID = ""
		job.URL = u
		added, err := h.queue.Enqueue(&job)
		if err != nil {
			resp.Rejected = append(resp.Rejected, rejectedURL{URL: u, Error: err.Error()})
			continue
		}
		resp.Jobs = append(resp.Jobs, added)
	}
	return resp
}

func (h *Handlers) applyPatch(p settingsPatch) (domain.BatchSettings, error) {
	s := h.defaults
	if p.OutputDir != nil {
		s.OutputDir = *p.OutputDir
	}
	if p.Format != nil {
		f, err := domain.ParseFormat(*p.Format)
		if err != nil {
			return s, fmt.Errorf("%w: %v", domain.ErrInvalidSettings, err)
		}
		s.DefaultFormat = f
	}
	if p.EncodingMode != nil {
		m, err := domain.ParseEncodingMode(*p.EncodingMode)
		if err != nil {
			return s, fmt.Errorf("%w: %v", domain.ErrInvalidSettings, err)
		}
		s.DefaultEncodingMode = m
	}
	if p.MaxConcurrentDownloads != nil {
		s.MaxConcurrentDownloads = *p.MaxConcurrentDownloads
	}
	if p.RetryLimit != nil {
		s.RetryLimit = *p.RetryLimit
	}
	if p.StopOnError != nil {
		s.StopOnError = *p.StopOnError
	}
	if p.SkipExisting != nil {
		s.SkipExisting = *p.SkipExisting
	}
	if p.AddDate != nil {
		s.Naming.AddDate = *p.AddDate
	}
	if p.RestrictFilenames != nil {
		s.Naming.RestrictFilenames = *p.RestrictFilenames
	}
	return s, s.Validate()
}

func decodeSelection(w http.ResponseWriter, r *http.Request) (bool, bool) {
	var req selectionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil || req.Selected == nil {
		writeError(w, http.StatusBadRequest, "selected is required", "INVALID_BODY")
		return false, false
	}
	return *req.Selected, true
}

func fileName(h *multipart.FileHeader) string {
	if h == nil {
		return ""
	}
	return h.Filename
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, &errorResponse{
		Error: message,
		Code:  code,
	})
}

func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
	case errors.Is(err, domain.ErrJobRunning):
		writeError(w, http.StatusConflict, "job is running", "JOB_RUNNING")
	case errors.Is(err, domain.ErrBatchRunning):
		writeError(w, http.StatusConflict, "a batch is already running", "BATCH_RUNNING")
	case errors.Is(err, domain.ErrInvalidSettings):
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_SETTINGS")
	default:
		slog.Error("Unexpected queue error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL")
	}
}

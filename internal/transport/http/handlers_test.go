package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emanuelef/yt-batch-go/internal/domain"
	"github.com/emanuelef/yt-batch-go/internal/service/downloader"
	"github.com/emanuelef/yt-batch-go/internal/service/queue"
	"github.com/emanuelef/yt-batch-go/internal/transport/http/middleware"
)

type stubRunner struct {
	fail map[string]bool
}

func (s stubRunner) Run(ctx context.Context, job domain.Job, _ domain.BatchSettings, rep downloader.Reporter) downloader.Result {
	rep.Progress(domain.ProgressSnapshot{Percentage: 100})
	if s.fail[job.URL] {
		return downloader.Result{State: domain.JobStateError, Kind: domain.ErrorKindExtraction, Message: "This video is unavailable"}
	}
	return downloader.Result{State: domain.JobStateCompleted, FilePath: "/downloads/" + job.ID + ".mp4"}
}

type stubTools struct{}

func (stubTools) Availability() domain.ToolAvailability {
	return domain.ToolAvailability{FetcherFound: true, FetcherPath: "/usr/bin/yt-dlp"}
}

type memorySession struct {
	mu   sync.Mutex
	jobs []domain.Job
	err  error
}

func (m *memorySession) SaveJobs(_ context.Context, jobs []domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.jobs = append([]domain.Job(nil), jobs...)
	return nil
}

func (m *memorySession) ListJobs(context.Context) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Job(nil), m.jobs...), m.err
}

type testAPI struct {
	t       *testing.T
	queue   *queue.Queue
	h       *Handlers
	router  http.Handler
	session *memorySession
}

func newTestAPI(t *testing.T, runner stubRunner, writeRPM int) *testAPI {
	t.Helper()
	q := queue.New(runner, nil)
	settings := domain.DefaultBatchSettings()
	settings.OutputDir = t.TempDir()
	settings.SkipExisting = false

	session := &memorySession{}
	h := NewHandlers(context.Background(), q, stubTools{}, session, settings)
	h.heartbeat = 20 * time.Millisecond

	write := &middleware.RateLimitConfig{RequestsPerMinute: 6000, Burst: 100}
	if writeRPM > 0 {
		write = &middleware.RateLimitConfig{RequestsPerMinute: writeRPM, Burst: 1}
	}
	limiters := &RateLimiters{
		Write: middleware.NewRateLimiter(write),
		Read:  middleware.NewRateLimiter(&middleware.RateLimitConfig{RequestsPerMinute: 6000, Burst: 100}),
	}
	t.Cleanup(func() {
		limiters.Write.Stop()
		limiters.Read.Stop()
	})

	router := NewRouter(RouterConfig{AllowedOrigins: []string{"*"}}, h, limiters)
	return &testAPI{t: t, queue: q, h: h, router: router, session: session}
}

func (a *testAPI) do(method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(a.t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "127.0.0.1:40000"
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthAndTools(t *testing.T) {
	api := newTestAPI(t, stubRunner{}, 0)

	rec := api.do(http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[healthResponse](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.True(t, health.Ready)
	assert.False(t, health.Running)

	rec = api.do(http.MethodGet, "/api/tools", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tools := decode[domain.ToolAvailability](t, rec)
	assert.Equal(t, "/usr/bin/yt-dlp", tools.FetcherPath)

	rec = api.do(http.MethodGet, "/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "NOT_FOUND")
}

func TestAddJobs(t *testing.T) {
	api := newTestAPI(t, stubRunner{}, 0)

	rec := api.do(http.MethodPost, "/api/jobs", map[string]any{
		"urls":          []string{"https://example.com/a", "ftp://example.com/b", "https://example.com/c"},
		"format":        "MP3",
		"audio_bitrate": 320,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[addJobsResponse](t, rec)
	require.Len(t, resp.Jobs, 2)
	require.Len(t, resp.Rejected, 1)
	assert.Equal(t, "ftp://example.com/b", resp.Rejected[0].URL)
	assert.Equal(t, domain.FormatMP3, resp.Jobs[0].Format)
	assert.Equal(t, domain.AudioBitrate320, resp.Jobs[0].AudioBitrate)
	assert.Equal(t, domain.JobStatePending, resp.Jobs[0].State)
	assert.True(t, resp.Jobs[0].Selected)
	assert.NotEqual(t, resp.Jobs[0].ID, resp.Jobs[1].ID)

	rec = api.do(http.MethodPost, "/api/jobs", map[string]any{"url": "https://example.com/d"})
	require.Equal(t, http.StatusCreated, rec.Code)
	single := decode[addJobsResponse](t, rec)
	assert.Equal(t, domain.FormatMP4, single.Jobs[0].Format)

	tests := []struct {
		name string
		body any
		code int
	}{
		{"all invalid", map[string]any{"url": "not a url"}, http.StatusBadRequest},
		{"missing url", map[string]any{}, http.StatusBadRequest},
		{"bad format", map[string]any{"url": "https://example.com/x", "format": "avi"}, http.StatusBadRequest},
		{"bad bitrate", map[string]any{"url": "https://example.com/x", "audio_bitrate": 100}, http.StatusBadRequest},
		{"bad body", "{", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, api.do(http.MethodPost, "/api/jobs", tt.body).Code)
		})
	}

	rec = api.do(http.MethodGet, "/api/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.Job](t, rec), 3)
}

func TestJobLifecycleEndpoints(t *testing.T) {
	api := newTestAPI(t, stubRunner{}, 0)
	job := api.queue.Add("https://example.com/a", api.h.defaults)
	other := api.queue.Add("https://example.com/b", api.h.defaults)

	rec := api.do(http.MethodGet, "/api/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, job.URL, decode[domain.Job](t, rec).URL)
	assert.Equal(t, http.StatusNotFound, api.do(http.MethodGet, "/api/jobs/missing", nil).Code)

	rec = api.do(http.MethodPatch, "/api/jobs/"+job.ID+"/selection", map[string]bool{"selected": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[domain.Job](t, rec).Selected)
	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodPatch, "/api/jobs/"+job.ID+"/selection", "{}").Code)
	assert.Equal(t, http.StatusNotFound, api.do(http.MethodPatch, "/api/jobs/missing/selection", map[string]bool{"selected": true}).Code)

	rec = api.do(http.MethodPatch, "/api/jobs/selection", map[string]bool{"selected": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[countResponse](t, rec).Count)

	assert.Equal(t, http.StatusNoContent, api.do(http.MethodDelete, "/api/jobs/"+job.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, api.do(http.MethodDelete, "/api/jobs/"+job.ID, nil).Code)

	rec = api.do(http.MethodDelete, "/api/jobs/completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[countResponse](t, rec).Count)

	rec = api.do(http.MethodDelete, "/api/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[countResponse](t, rec).Count)
	_, err := api.queue.Job(other.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestImportJobs(t *testing.T) {
	api := newTestAPI(t, stubRunner{}, 0)

	rec := api.do(http.MethodPost, "/api/jobs/import?kind=csv", "title,url\nA,https://example.com/a\nB,nope\n")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[addJobsResponse](t, rec)
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, 1, resp.Skipped)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "list.json")
	require.NoError(t, err)
	_, err = fw.Write([]byte(`{"urls":["https://example.com/b","https://example.com/c"]}`))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/jobs/import", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec = httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Len(t, decode[addJobsResponse](t, rec).Jobs, 2)

	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodPost, "/api/jobs/import?kind=xml", "x").Code)
	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodPost, "/api/jobs/import?kind=json", "{broken").Code)
	assert.Len(t, api.queue.Jobs(), 3)
}

func TestBatchEndpoints(t *testing.T) {
	api := newTestAPI(t, stubRunner{fail: map[string]bool{"https://example.com/bad": true}}, 0)
	api.queue.Add("https://example.com/good", api.h.defaults)
	bad := api.queue.Add("https://example.com/bad", api.h.defaults)

	assert.Equal(t, http.StatusBadRequest,
		api.do(http.MethodPost, "/api/batch/start", map[string]int{"max_concurrent_downloads": 0}).Code)

	rec := api.do(http.MethodPost, "/api/batch/start", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	api.h.Wait()

	rec = api.do(http.MethodGet, "/api/batch", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[batchStatusResponse](t, rec)
	assert.False(t, status.Running)
	require.NotNil(t, status.LastSummary)
	assert.Equal(t, 2, status.LastSummary.Total)
	assert.Equal(t, 1, status.LastSummary.Completed)
	assert.Equal(t, 1, status.LastSummary.Failed)

	rec = api.do(http.MethodGet, "/api/jobs?state=error", nil)
	failed := decode[[]domain.Job](t, rec)
	require.Len(t, failed, 1)
	assert.Equal(t, bad.ID, failed[0].ID)

	rec = api.do(http.MethodPost, "/api/batch/retry", nil)
	assert.Equal(t, 1, decode[countResponse](t, rec).Count)

	rec = api.do(http.MethodPost, "/api/batch/cancel", nil)
	assert.Equal(t, 0, decode[countResponse](t, rec).Count)
	rec = api.do(http.MethodPost, "/api/batch/requeue", nil)
	assert.Equal(t, 0, decode[countResponse](t, rec).Count)
	assert.Equal(t, http.StatusNoContent, api.do(http.MethodPost, "/api/batch/pause", nil).Code)

	rec = api.do(http.MethodDelete, "/api/jobs/completed", nil)
	assert.Equal(t, 1, decode[countResponse](t, rec).Count)
}

func TestSessionEndpoints(t *testing.T) {
	api := newTestAPI(t, stubRunner{}, 0)
	api.queue.Add("https://example.com/a", api.h.defaults)

	rec := api.do(http.MethodPost, "/api/session/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[countResponse](t, rec).Count)
	require.Len(t, api.session.jobs, 1)

	api.queue.Clear()
	rec = api.do(http.MethodPost, "/api/session/import", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[countResponse](t, rec).Count)
	assert.Len(t, api.queue.Jobs(), 1)

	api.session.err = errors.New("disk full")
	assert.Equal(t, http.StatusInternalServerError, api.do(http.MethodPost, "/api/session/export", nil).Code)

	api.h.session = nil
	assert.Equal(t, http.StatusNotImplemented, api.do(http.MethodPost, "/api/session/export", nil).Code)
}

func TestWriteRateLimit(t *testing.T) {
	api := newTestAPI(t, stubRunner{}, 1)

	assert.Equal(t, http.StatusCreated, api.do(http.MethodPost, "/api/jobs", map[string]string{"url": "https://example.com/a"}).Code)
	assert.Equal(t, http.StatusTooManyRequests, api.do(http.MethodPost, "/api/jobs", map[string]string{"url": "https://example.com/b"}).Code)
	assert.Equal(t, http.StatusOK, api.do(http.MethodGet, "/api/jobs", nil).Code)
}

func TestEventStream(t *testing.T) {
	api := newTestAPI(t, stubRunner{}, 0)
	srv := httptest.NewServer(api.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	job := api.queue.Add("https://example.com/live", api.h.defaults)

	var data string
	for data == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(strings.TrimSpace(line), "data: ")
		}
	}

	var e queue.Event
	require.NoError(t, json.Unmarshal([]byte(data), &e))
	assert.Equal(t, queue.EventJobState, e.Type)
	require.NotNil(t, e.Job)
	assert.Equal(t, job.ID, e.Job.ID)
}

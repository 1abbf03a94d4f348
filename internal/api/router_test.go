package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nonprofitsuite/storagecore/internal/cache"
	"github.com/nonprofitsuite/storagecore/internal/config"
	"github.com/nonprofitsuite/storagecore/internal/discovery"
	"github.com/nonprofitsuite/storagecore/internal/models"
	"github.com/nonprofitsuite/storagecore/internal/registry"
	"github.com/nonprofitsuite/storagecore/internal/store/memory"
	"github.com/nonprofitsuite/storagecore/internal/syncqueue"
	"github.com/nonprofitsuite/storagecore/internal/tier"
)

type stubClassifier struct {
	analysis discovery.Analysis
}

func (c *stubClassifier) Classify(context.Context, discovery.Document) (*discovery.Analysis, error) {
	a := c.analysis
	return &a, nil
}

type apiFixture struct {
	srv        *httptest.Server
	pipeline   *discovery.Pipeline
	classifier *stubClassifier
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memory.New()

	tiers := tier.NewRegistry()
	for _, tr := range []models.Tier{models.TierLocal, models.TierCloud, models.TierCDN} {
		a, err := tier.NewLocal(tr, t.TempDir(), 0)
		require.NoError(t, err)
		tiers.Register(a)
	}

	classifier := &stubClassifier{}
	layer := cache.NewLayer(st, tiers, cache.Config{TTL: time.Hour}, logger)
	pipeline := discovery.NewPipeline(st, tiers, classifier, nil, discovery.Config{
		Thresholds:       models.DefaultThresholds(),
		AutoAccept:       true,
		MaxContentTokens: 1000,
	}, logger, discovery.WithFileChangeHook(layer.Invalidate))
	queue := syncqueue.NewService(st, logger)
	reg := registry.New(st, tiers, queue, pipeline, registry.Config{
		Ingest:   models.TierLocal,
		Replicas: []models.Tier{models.TierCloud},
		PublicTo: models.TierCDN,
	}, logger, registry.WithFileChangeHook(layer.Invalidate))

	cfg := &config.Config{
		Server: config.ServerConfig{CORSOrigins: []string{"*"}},
		Queue:  config.QueueConfig{VisibilityTimeout: 10 * time.Minute},
		Cache:  config.CacheConfig{WarmLimit: 50},
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	router := NewRouter(Services{
		Store:     st,
		Registry:  reg,
		Queue:     queue,
		Cache:     layer,
		Discovery: pipeline,
	}, cfg, logger)
	srv := httptest.NewServer(router.Setup(ctx))
	t.Cleanup(srv.Close)

	return &apiFixture{srv: srv, pipeline: pipeline, classifier: classifier}
}

type response struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (f *apiFixture) do(t *testing.T, method, path string, body io.Reader, contentType string) (int, response) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (f *apiFixture) upload(t *testing.T, filename, content string, fields map[string]string) models.FileRecord {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	status, resp := f.do(t, http.MethodPost, "/api/v1/files", &buf, mw.FormDataContentType())
	require.Equal(t, http.StatusCreated, status, resp.Message)
	require.True(t, resp.Success)

	var rec models.FileRecord
	require.NoError(t, json.Unmarshal(resp.Data, &rec))
	return rec
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)

	status, resp := f.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Success)

	status, resp = f.do(t, http.MethodGet, "/readyz", nil, "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"database":"ok"}`, string(resp.Data))
}

func TestUploadGetAndSearch(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.upload(t, "minutes.txt", "board meeting minutes", map[string]string{
		"category":    "meeting-minutes",
		"visibility":  "public",
		"description": "March board meeting",
		"tags":        "board, 2026",
	})
	assert.Equal(t, models.CategoryMeetingMinutes, rec.Category)
	assert.Equal(t, []string{"board", "2026"}, rec.Tags)

	status, resp := f.do(t, http.MethodGet, "/api/v1/files/"+rec.ID.String(), nil, "")
	require.Equal(t, http.StatusOK, status)
	var detail struct {
		File      models.FileRecord     `json:"file"`
		Locations []models.FileLocation `json:"locations"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &detail))
	assert.Equal(t, rec.ID, detail.File.ID)
	require.Len(t, detail.Locations, 1)
	assert.Equal(t, models.TierLocal, detail.Locations[0].Tier)

	status, resp = f.do(t, http.MethodGet, "/api/v1/files?category=meeting-minutes&q=minutes", nil, "")
	require.Equal(t, http.StatusOK, status)
	var page models.Page[models.FileRecord]
	require.NoError(t, json.Unmarshal(resp.Data, &page))
	assert.Equal(t, 1, page.Total)

	// public upload schedules the cdn copy and the cloud replica
	status, resp = f.do(t, http.MethodGet, "/api/v1/sync-queue/stats", nil, "")
	require.Equal(t, http.StatusOK, status)
	var stats models.SyncStats
	require.NoError(t, json.Unmarshal(resp.Data, &stats))
	assert.Equal(t, 2, stats.Pending)
}

func TestUploadRejectsUnknownCategory(t *testing.T) {
	f := newAPIFixture(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "x.txt")
	require.NoError(t, err)
	_, _ = part.Write([]byte("x"))
	require.NoError(t, mw.WriteField("category", "recipes"))
	require.NoError(t, mw.Close())

	status, resp := f.do(t, http.MethodPost, "/api/v1/files", &buf, mw.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, status)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "Error: ")
}

func TestErrorMapping(t *testing.T) {
	f := newAPIFixture(t)

	status, resp := f.do(t, http.MethodGet, "/api/v1/files/"+uuid.NewString(), nil, "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.False(t, resp.Success)

	status, _ = f.do(t, http.MethodGet, "/api/v1/files/not-a-uuid", nil, "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodGet, "/api/v1/files?per_page=1000", nil, "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodGet, "/api/v1/sync-queue?status=bogus", nil, "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodPost, "/api/v1/discovery/"+uuid.NewString()+"/accept", nil, "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestUpdateAndPhysicalCopy(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.upload(t, "policy.txt", "whistleblower policy", nil)

	status, resp := f.do(t, http.MethodPatch, "/api/v1/files/"+rec.ID.String(),
		bytes.NewBufferString(`{"category":"policy","document_status":"final"}`), "application/json")
	require.Equal(t, http.StatusOK, status, resp.Message)
	var got models.FileRecord
	require.NoError(t, json.Unmarshal(resp.Data, &got))
	assert.Equal(t, models.CategoryPolicy, got.Category)
	assert.Equal(t, models.DocStatusFinal, got.DocumentStatus)

	status, _ = f.do(t, http.MethodPost, "/api/v1/files/"+rec.ID.String()+"/physical-copy",
		bytes.NewBufferString(`{}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, status)

	status, resp = f.do(t, http.MethodPost, "/api/v1/files/"+rec.ID.String()+"/physical-copy",
		bytes.NewBufferString(`{"has_physical_copy":true}`), "application/json")
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(resp.Data, &got))
	assert.True(t, got.HasPhysicalCopy)
}

func TestDeleteHidesFile(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.upload(t, "old.txt", "stale", nil)

	status, resp := f.do(t, http.MethodDelete, "/api/v1/files/"+rec.ID.String(), nil, "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"file_id":"`+rec.ID.String()+`","delete_jobs":1}`, string(resp.Data))

	status, _ = f.do(t, http.MethodGet, "/api/v1/files/"+rec.ID.String(), nil, "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = f.do(t, http.MethodDelete, "/api/v1/files/"+rec.ID.String(), nil, "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestContentStreamsThroughCache(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.upload(t, "notes.txt", "quarterly notes", nil)

	resp, err := http.Get(f.srv.URL + "/api/v1/files/" + rec.ID.String() + "/content")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "quarterly notes", string(body))
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))
}

func TestDiscoveryReviewFlow(t *testing.T) {
	f := newAPIFixture(t)
	f.classifier.analysis = discovery.Analysis{
		Category:   "financial",
		Tags:       []string{"budget"},
		Summary:    "FY2026 operating budget",
		Confidence: 0.42,
	}
	rec := f.upload(t, "budget.txt", "operating budget for fiscal year 2026", nil)

	_, err := f.pipeline.Process(context.Background(), rec.ID)
	require.NoError(t, err)

	status, resp := f.do(t, http.MethodGet, "/api/v1/discovery?needs_review=true", nil, "")
	require.Equal(t, http.StatusOK, status)
	var page models.Page[models.DiscoveryView]
	require.NoError(t, json.Unmarshal(resp.Data, &page))
	require.Equal(t, 1, page.Total)
	assert.Equal(t, models.BandLow, page.Items[0].ConfidenceBand)

	status, _ = f.do(t, http.MethodPost, "/api/v1/discovery/"+rec.ID.String()+"/accept", nil, "")
	require.Equal(t, http.StatusOK, status)

	status, resp = f.do(t, http.MethodGet, "/api/v1/files/"+rec.ID.String(), nil, "")
	require.Equal(t, http.StatusOK, status)
	var detail struct {
		File models.FileRecord `json:"file"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &detail))
	assert.Equal(t, models.CategoryFinancial, detail.File.Category)

	status, resp = f.do(t, http.MethodPost, "/api/v1/discovery/"+rec.ID.String()+"/reject", nil, "")
	assert.Equal(t, http.StatusConflict, status)
	assert.False(t, resp.Success)
}

func TestDiscoveryProcessIsAccepted(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.upload(t, "letter.txt", "dear donor", nil)

	status, resp := f.do(t, http.MethodPost, "/api/v1/discovery/"+rec.ID.String()+"/process", nil, "")
	require.Equal(t, http.StatusAccepted, status)
	var view models.DiscoveryView
	require.NoError(t, json.Unmarshal(resp.Data, &view))
	assert.Equal(t, models.DiscoveryPending, view.Status)
}

func TestCacheAndStorageEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	f.upload(t, "a.txt", "alpha", nil)

	status, resp := f.do(t, http.MethodPost, "/api/v1/cache/warm?limit=0", nil, "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.False(t, resp.Success)

	status, _ = f.do(t, http.MethodPost, "/api/v1/cache/clean", nil, "")
	assert.Equal(t, http.StatusOK, status)

	status, resp = f.do(t, http.MethodGet, "/api/v1/cache/stats", nil, "")
	require.Equal(t, http.StatusOK, status)
	var stats models.CacheStats
	require.NoError(t, json.Unmarshal(resp.Data, &stats))
	assert.Zero(t, stats.HitRate)

	status, resp = f.do(t, http.MethodGet, "/api/v1/storage/usage", nil, "")
	require.Equal(t, http.StatusOK, status)
	var usage []registry.TierUsage
	require.NoError(t, json.Unmarshal(resp.Data, &usage))
	assert.Len(t, usage, 3)

	status, resp = f.do(t, http.MethodPost, "/api/v1/sync-queue/reap", nil, "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"released":0}`, string(resp.Data))
}

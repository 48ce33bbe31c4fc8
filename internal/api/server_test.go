package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"sketchy-comics/internal/admission"
	"sketchy-comics/internal/config"
	"sketchy-comics/internal/keys"
	"sketchy-comics/internal/models"
	"sketchy-comics/internal/notify"
	"sketchy-comics/internal/ratelimit"
	"sketchy-comics/internal/storage"
	"sketchy-comics/internal/store"
)

// fakeBackend implements admission.Store and JobReader in memory.
type fakeBackend struct {
	mu     sync.Mutex
	seq    int
	jobs   map[string]models.Job
	panels map[string][]models.Panel
	counts map[string]int
	limit  int
	purged int64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		jobs:   make(map[string]models.Job),
		panels: make(map[string][]models.Panel),
		counts: make(map[string]int),
	}
}

func (f *fakeBackend) SubmitJob(_ context.Context, p store.SubmitParams) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.Limit > 0 && f.counts[p.APIKeyID] >= p.Limit {
		return models.Job{}, store.ErrRateLimited
	}
	f.counts[p.APIKeyID]++
	f.seq++
	job := models.Job{
		ID:        fmt.Sprintf("job-%d", f.seq),
		APIKeyID:  p.APIKeyID,
		Request:   p.Request,
		State:     models.StatePending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeBackend) WindowUsage(_ context.Context, apiKeyID string, _ time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[apiKeyID], nil
}

func (f *fakeBackend) GetJob(_ context.Context, id string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	return job, nil
}

func (f *fakeBackend) GetPanels(_ context.Context, jobID string) ([]models.Panel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.panels[jobID], nil
}

func (f *fakeBackend) PurgeTerminal(_ context.Context, _ time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.purged, nil
}

func (f *fakeBackend) put(job models.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
}

type serverFixture struct {
	backend *fakeBackend
	local   *storage.Local
	ts      *httptest.Server
}

func newFixture(t *testing.T, keySpec string, limiter *ratelimit.TokenBucket) *serverFixture {
	t.Helper()
	cfg := config.Config{
		MinPanels:       1,
		MaxPanels:       12,
		DefaultStyle:    "editorial cartoon style",
		RateLimitFree:   2,
		RateLimitPro:    50,
		RateLimitWindow: time.Hour,
	}
	backend := newFakeBackend()
	local, err := storage.NewLocal(t.TempDir(), "http://localhost:8080/files")
	if err != nil {
		t.Fatalf("local storage: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(cfg, admission.New(cfg, backend), backend, nil, limiter,
		keys.Parse(keySpec), local, notify.New(time.Second, 0, time.Millisecond, logger), logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &serverFixture{backend: backend, local: local, ts: ts}
}

func (f *serverFixture) do(t *testing.T, method, path, apiKey string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, data
}

func TestSubmitAndFetch(t *testing.T) {
	f := newFixture(t, "k1:free", nil)

	resp, body := f.do(t, http.MethodPost, "/api/v1/comic", "k1", map[string]any{
		"article_text": "Mayor unveils statue of himself unveiling a statue.",
		"panels":       4,
		"tone":         "savage",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d, body %s", resp.StatusCode, body)
	}
	var accepted submitResponse
	if err := json.Unmarshal(body, &accepted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if accepted.ID == "" || accepted.Status != models.StatePending {
		t.Fatalf("unexpected submit response %+v", accepted)
	}

	resp, body = f.do(t, http.MethodGet, "/api/v1/comic/"+accepted.ID, "k1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, body %s", resp.StatusCode, body)
	}
	var got jobResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != models.StatePending || got.PanelsRequested != 4 || got.Tone != "savage" {
		t.Fatalf("unexpected job response %+v", got)
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, "k1:free", nil)

	cases := []map[string]any{
		{},                                   // neither source
		{"article_text": "x", "article_url": "http://a.example/b"}, // both
		{"article_text": "x", "tone": "smug"},
		{"article_text": "x", "panels": 13},
		{"article_text": "x", "language": "de"},
		{"article_url": "ftp://a.example/b"},
	}
	for i, c := range cases {
		resp, body := f.do(t, http.MethodPost, "/api/v1/comic", "k1", c)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("case %d: status = %d, body %s", i, resp.StatusCode, body)
		}
	}
	if f.backend.counts["k1"] != 0 {
		t.Fatalf("rejected submissions charged quota: %d", f.backend.counts["k1"])
	}
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, "k1:free", nil)

	resp, _ := f.do(t, http.MethodGet, "/api/v1/balance", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing key status = %d, want 401", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodGet, "/api/v1/balance", "wrong", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unknown key status = %d, want 401", resp.StatusCode)
	}
}

func TestDevModeAcceptsAnyKey(t *testing.T) {
	f := newFixture(t, "", nil)

	resp, body := f.do(t, http.MethodGet, "/api/v1/balance", "anything", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dev mode status = %d, body %s", resp.StatusCode, body)
	}
	var balance models.Balance
	if err := json.Unmarshal(body, &balance); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if balance.Tier != models.TierPro {
		t.Fatalf("dev mode tier = %q, want pro", balance.Tier)
	}
}

func TestQuotaExhaustedReturns429(t *testing.T) {
	f := newFixture(t, "k1:free", nil)

	submit := func() *http.Response {
		resp, _ := f.do(t, http.MethodPost, "/api/v1/comic", "k1", map[string]any{
			"article_text": "text",
		})
		return resp
	}
	// Free limit in the fixture is 2.
	for i := 0; i < 2; i++ {
		if resp := submit(); resp.StatusCode != http.StatusAccepted {
			t.Fatalf("submit %d status = %d", i, resp.StatusCode)
		}
	}
	resp := submit()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("over-quota status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}

	resp, body := f.do(t, http.MethodGet, "/api/v1/balance", "k1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("balance status = %d", resp.StatusCode)
	}
	var balance models.Balance
	if err := json.Unmarshal(body, &balance); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if balance.RequestsUsed != 2 || balance.RequestsRemaining != 0 {
		t.Fatalf("balance = %+v, want 2 used 0 remaining", balance)
	}
}

func TestBurstLimiter(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	limiter := ratelimit.NewTokenBucket(client, 1, 0.001, time.Minute)

	f := newFixture(t, "k1:pro", limiter)

	body := map[string]any{"article_text": "text"}
	resp, _ := f.do(t, http.MethodPost, "/api/v1/comic", "k1", body)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first submit status = %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodPost, "/api/v1/comic", "k1", body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("burst status = %d, want 429", resp.StatusCode)
	}
}

func TestJobOwnership(t *testing.T) {
	f := newFixture(t, "k1:free,k2:free", nil)

	resp, body := f.do(t, http.MethodPost, "/api/v1/comic", "k1", map[string]any{
		"article_text": "text",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	var accepted submitResponse
	_ = json.Unmarshal(body, &accepted)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/comic/"+accepted.ID, "k2", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign key status = %d, want 404", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodGet, "/api/v1/comic/nope", "k1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown job status = %d, want 404", resp.StatusCode)
	}
}

func TestCombinedDownload(t *testing.T) {
	f := newFixture(t, "k1:free", nil)

	key := "job-done/combined.png"
	pngBytes := []byte("\x89PNG\r\n\x1a\nfake")
	if _, err := f.local.Put(context.Background(), key, pngBytes, "image/png"); err != nil {
		t.Fatalf("put: %v", err)
	}
	f.backend.put(models.Job{
		ID:       "job-done",
		APIKeyID: "k1",
		State:    models.StateDone,
		Result:   &models.Result{Title: "t", CombinedKey: key},
	})
	f.backend.put(models.Job{
		ID:       "job-wip",
		APIKeyID: "k1",
		State:    models.StateRendering,
	})

	resp, body := f.do(t, http.MethodGet, "/api/v1/comic/job-done/combined", "k1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("combined status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content type = %q", ct)
	}
	if !bytes.Equal(body, pngBytes) {
		t.Fatal("combined bytes mismatch")
	}

	resp, _ = f.do(t, http.MethodGet, "/api/v1/comic/job-wip/combined", "k1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unassembled status = %d, want 404", resp.StatusCode)
	}
}

func TestPanelDownload(t *testing.T) {
	f := newFixture(t, "k1:free", nil)

	key := "job-r/panels/panel_02.png"
	if _, err := f.local.Put(context.Background(), key, []byte("img"), "image/png"); err != nil {
		t.Fatalf("put: %v", err)
	}
	f.backend.put(models.Job{ID: "job-r", APIKeyID: "k1", State: models.StateRendering})
	f.backend.mu.Lock()
	f.backend.panels["job-r"] = []models.Panel{
		{Index: 1, Dialogue: "a"},
		{Index: 2, Dialogue: "b", ArtifactKey: &key},
	}
	f.backend.mu.Unlock()

	resp, body := f.do(t, http.MethodGet, "/api/v1/comic/job-r/panels/2", "k1", nil)
	if resp.StatusCode != http.StatusOK || string(body) != "img" {
		t.Fatalf("panel 2: status %d body %q", resp.StatusCode, body)
	}
	resp, _ = f.do(t, http.MethodGet, "/api/v1/comic/job-r/panels/1", "k1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unrendered panel status = %d, want 404", resp.StatusCode)
	}
}

func TestWebhookTest(t *testing.T) {
	received := make(chan string, 1)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		received <- string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	f := newFixture(t, "k1:free", nil)

	resp, body := f.do(t, http.MethodPost, "/api/v1/webhook/test", "k1", map[string]string{"url": hook.URL})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), `"delivered":true`) {
		t.Fatalf("body = %s, want delivered true", body)
	}
	select {
	case payload := <-received:
		if !strings.Contains(payload, `"event":"test"`) {
			t.Fatalf("payload = %s", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("webhook not received")
	}

	resp, _ = f.do(t, http.MethodPost, "/api/v1/webhook/test", "k1", map[string]string{"url": "not-a-url"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad url status = %d, want 400", resp.StatusCode)
	}
}

func TestPurgeRequiresEnterprise(t *testing.T) {
	f := newFixture(t, "k1:free,admin:enterprise", nil)
	f.backend.purged = 7

	resp, _ := f.do(t, http.MethodPost, "/api/v1/admin/purge", "k1", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("free key status = %d, want 403", resp.StatusCode)
	}

	resp, body := f.do(t, http.MethodPost, "/api/v1/admin/purge", "admin", map[string]int{"older_than_hours": 48})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enterprise status = %d, body %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), `"purged":7`) {
		t.Fatalf("body = %s", body)
	}
}

func TestFileTraversalRejected(t *testing.T) {
	f := newFixture(t, "k1:free", nil)
	resp, _ := f.do(t, http.MethodGet, "/files/../secrets", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("traversal status = %d, want 404", resp.StatusCode)
	}
}

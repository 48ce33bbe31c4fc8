package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"sketchy-comics/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifyRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	var delivered atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var payload models.WebhookPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if payload.Event != models.EventCompleted || payload.JobID != "job-1" {
			t.Errorf("payload = %+v", payload)
		}
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(time.Second, 3, 5*time.Millisecond, testLogger())
	ok := n.Notify(context.Background(), srv.URL, models.WebhookPayload{
		Event: models.EventCompleted,
		JobID: "job-1",
		State: models.StateDone,
	})
	if !ok {
		t.Fatalf("expected eventual delivery")
	}
	if calls.Load() != 3 || delivered.Load() != 1 {
		t.Fatalf("calls=%d delivered=%d, want 3 and 1", calls.Load(), delivered.Load())
	}
}

func TestNotifyDropsAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := New(time.Second, 2, time.Millisecond, testLogger())
	ok := n.Notify(context.Background(), srv.URL, models.WebhookPayload{JobID: "job-1"})
	if ok {
		t.Fatalf("expected delivery to fail")
	}
	// First attempt plus two retries.
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestPayloadFor(t *testing.T) {
	errMsg := "script generation failed"
	failed := models.Job{ID: "j1", State: models.StateFailed, LastError: &errMsg}
	p := PayloadFor(failed)
	if p.Event != models.EventFailed || p.Error != errMsg {
		t.Fatalf("failed payload = %+v", p)
	}

	done := models.Job{
		ID:    "j2",
		State: models.StateDone,
		Result: &models.Result{
			Title:       "The Gravity Hearings",
			CombinedURL: "http://example/combined.png",
			Panels:      make([]models.Panel, 4),
		},
	}
	p = PayloadFor(done)
	if p.Event != models.EventCompleted || p.PanelsCount != 4 || p.CombinedImageURL == "" {
		t.Fatalf("done payload = %+v", p)
	}
}

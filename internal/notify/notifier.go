// Package notify delivers webhook callbacks on terminal job transitions.
// Delivery is best-effort: the job row is the source of truth and polling
// always works, so exhausted retries are logged and dropped.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"sketchy-comics/internal/models"
)

// Notifier posts webhook payloads with bounded retry and backoff.
type Notifier struct {
	client     *http.Client
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
}

// New builds a notifier. maxRetries counts deliveries after the first
// attempt; backoff doubles between attempts.
func New(timeout time.Duration, maxRetries int, backoff time.Duration, logger *slog.Logger) *Notifier {
	return &Notifier{
		client:     &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		backoff:    backoff,
		logger:     logger,
	}
}

// Notify delivers the payload to url, retrying transient failures. Returns
// whether delivery eventually succeeded.
func (n *Notifier) Notify(ctx context.Context, url string, payload models.WebhookPayload) bool {
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.ErrorContext(ctx, "marshal webhook payload", slog.String("job_id", payload.JobID), slog.Any("error", err))
		return false
	}

	wait := n.backoff
	for attempt := 1; ; attempt++ {
		err := n.deliver(ctx, url, body)
		if err == nil {
			n.logger.InfoContext(ctx, "webhook delivered",
				slog.String("job_id", payload.JobID),
				slog.String("event", payload.Event),
				slog.Int("attempt", attempt))
			return true
		}
		if attempt > n.maxRetries {
			n.logger.WarnContext(ctx, "webhook dropped after retries",
				slog.String("job_id", payload.JobID),
				slog.String("url", url),
				slog.Int("attempts", attempt),
				slog.Any("error", err))
			return false
		}
		n.logger.DebugContext(ctx, "webhook attempt failed",
			slog.String("job_id", payload.JobID),
			slog.Int("attempt", attempt),
			slog.Any("error", err))

		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
		wait *= 2
	}
}

func (n *Notifier) deliver(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// PayloadFor builds the terminal payload for a job.
func PayloadFor(job models.Job) models.WebhookPayload {
	p := models.WebhookPayload{
		JobID: job.ID,
		State: job.State,
	}
	switch job.State {
	case models.StateDone:
		p.Event = models.EventCompleted
		if job.Result != nil {
			p.CombinedImageURL = job.Result.CombinedURL
			p.Title = job.Result.Title
			p.PanelsCount = len(job.Result.Panels)
		}
	case models.StateFailed:
		p.Event = models.EventFailed
		if job.LastError != nil {
			p.Error = *job.LastError
		}
	}
	return p
}

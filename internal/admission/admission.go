package admission

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"sketchy-comics/internal/config"
	"sketchy-comics/internal/keys"
	"sketchy-comics/internal/models"
	"sketchy-comics/internal/store"
)

// ErrInvalidInput marks validation failures rejected before any side effects.
var ErrInvalidInput = errors.New("invalid input")

// Store is the slice of persistence the controller needs.
type Store interface {
	SubmitJob(ctx context.Context, p store.SubmitParams) (models.Job, error)
	WindowUsage(ctx context.Context, apiKeyID string, windowStart time.Time) (int, error)
}

// Controller validates and rate-limits submissions before they become jobs.
// The quota charge and the job insert are one atomic unit inside the store:
// a rejected request leaves nothing behind.
type Controller struct {
	cfg   config.Config
	store Store
}

// New builds an admission controller.
func New(cfg config.Config, st Store) *Controller {
	return &Controller{cfg: cfg, store: st}
}

// Submit validates the request, charges the key's window, and creates the job
// in pending state. Returns store.ErrRateLimited when the tier quota for the
// current window is exhausted.
func (c *Controller) Submit(ctx context.Context, key keys.KeyInfo, req models.ComicRequest) (models.Job, error) {
	normalized, err := c.validate(req)
	if err != nil {
		return models.Job{}, err
	}
	return c.store.SubmitJob(ctx, store.SubmitParams{
		APIKeyID:    key.ID,
		Request:     normalized,
		WindowStart: c.windowStart(time.Now()),
		Limit:       c.cfg.LimitForTier(key.Tier),
	})
}

// Balance reports the key's usage for the current window.
func (c *Controller) Balance(ctx context.Context, key keys.KeyInfo) (models.Balance, error) {
	windowStart := c.windowStart(time.Now())
	used, err := c.store.WindowUsage(ctx, key.ID, windowStart)
	if err != nil {
		return models.Balance{}, err
	}
	limit := c.cfg.LimitForTier(key.Tier)
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return models.Balance{
		Tier:              key.Tier,
		RequestsUsed:      used,
		RequestsLimit:     limit,
		RequestsRemaining: remaining,
		ResetAt:           windowStart.Add(c.cfg.RateLimitWindow),
	}, nil
}

func (c *Controller) windowStart(now time.Time) time.Time {
	return now.UTC().Truncate(c.cfg.RateLimitWindow)
}

func (c *Controller) validate(req models.ComicRequest) (models.ComicRequest, error) {
	hasURL := strings.TrimSpace(req.ArticleURL) != ""
	hasText := strings.TrimSpace(req.ArticleText) != ""
	if hasURL == hasText {
		return req, fmt.Errorf("%w: provide exactly one of article_url or article_text", ErrInvalidInput)
	}
	if hasURL {
		u, err := url.Parse(req.ArticleURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return req, fmt.Errorf("%w: article_url must be an http(s) URL", ErrInvalidInput)
		}
	}

	if req.PanelCount == 0 {
		req.PanelCount = 6
	}
	if req.PanelCount < c.cfg.MinPanels || req.PanelCount > c.cfg.MaxPanels {
		return req, fmt.Errorf("%w: panels must be between %d and %d", ErrInvalidInput, c.cfg.MinPanels, c.cfg.MaxPanels)
	}

	if req.Tone == "" {
		req.Tone = models.ToneSharp
	}
	switch req.Tone {
	case models.ToneGentle, models.ToneSharp, models.ToneSavage, models.ToneAbsurd:
	default:
		return req, fmt.Errorf("%w: unknown tone %q", ErrInvalidInput, req.Tone)
	}

	if req.Language == "" {
		req.Language = "en"
	}
	if req.Language != "en" && req.Language != "fr" {
		return req, fmt.Errorf("%w: unsupported language %q", ErrInvalidInput, req.Language)
	}

	if req.Style == "" {
		req.Style = c.cfg.DefaultStyle
	}

	if req.WebhookURL != "" {
		u, err := url.Parse(req.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return req, fmt.Errorf("%w: webhook_url must be an http(s) URL", ErrInvalidInput)
		}
	}
	return req, nil
}

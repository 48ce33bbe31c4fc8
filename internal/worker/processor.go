package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"sketchy-comics/internal/assemble"
	"sketchy-comics/internal/config"
	"sketchy-comics/internal/imagegen"
	"sketchy-comics/internal/models"
	"sketchy-comics/internal/notify"
	"sketchy-comics/internal/scriptgen"
	"sketchy-comics/internal/storage"
	"sketchy-comics/internal/store"
	"sketchy-comics/internal/telemetry"
)

// JobStore is the slice of persistence the processor needs. All mutations are
// fenced by the attempt token issued at claim time; a stale worker's writes
// fail with store.ErrLeaseLost and the attempt is abandoned silently.
type JobStore interface {
	ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*models.Job, error)
	ClaimByID(ctx context.Context, jobID, workerID string, lease time.Duration) (*models.Job, error)
	Heartbeat(ctx context.Context, jobID, token string, extension time.Duration) error
	SetProgress(ctx context.Context, jobID, token, progress string, panelsDone int) error
	CommitScript(ctx context.Context, jobID, token string, panels []models.Panel) error
	GetPanels(ctx context.Context, jobID string) ([]models.Panel, error)
	CompletePanel(ctx context.Context, jobID string, idx int, artifactKey string) error
	BumpPanelAttempts(ctx context.Context, jobID string, idx int) (int, error)
	AdvanceStage(ctx context.Context, jobID, token, fromState, toState string) error
	ReleaseForRetry(ctx context.Context, jobID, token, stage string, nextAttempt time.Time, lastErr string) error
	MarkDone(ctx context.Context, jobID, token string, result models.Result) (bool, error)
	MarkFailed(ctx context.Context, jobID, token, lastErr string) (bool, error)
	ClaimableCount(ctx context.Context) (int64, error)
}

// Dispatch is the optional Redis wake-up channel.
type Dispatch interface {
	Pop(ctx context.Context) (string, error)
	Schedule(ctx context.Context, jobID string, runAt time.Time) error
	PromoteDue(ctx context.Context, now time.Time, limit int64) (int, error)
	Depth(ctx context.Context) (int64, error)
}

// Processor drives claimed jobs through the pipeline:
// scripting -> rendering (per panel) -> assembling -> done, with bounded
// per-stage retries and terminal webhook notification.
type Processor struct {
	cfg      config.Config
	store    JobStore
	dispatch Dispatch
	scripts  scriptgen.Generator
	images   imagegen.Generator
	storage  storage.Backend
	notifier *notify.Notifier
	fetcher  *scriptgen.ArticleFetcher
	logger   *slog.Logger
	workerID string
}

// Deps collects the processor's collaborators.
type Deps struct {
	Store    JobStore
	Dispatch Dispatch
	Scripts  scriptgen.Generator
	Images   imagegen.Generator
	Storage  storage.Backend
	Notifier *notify.Notifier
	Fetcher  *scriptgen.ArticleFetcher
	Logger   *slog.Logger
}

// New creates a processor for one worker identity.
func New(cfg config.Config, workerID string, deps Deps) *Processor {
	return &Processor{
		cfg:      cfg,
		store:    deps.Store,
		dispatch: deps.Dispatch,
		scripts:  deps.Scripts,
		images:   deps.Images,
		storage:  deps.Storage,
		notifier: deps.Notifier,
		fetcher:  deps.Fetcher,
		logger:   deps.Logger,
		workerID: workerID,
	}
}

// Run polls for claimable jobs until context cancellation. A single job's
// failure never escapes the loop.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if p.dispatch != nil {
			_, _ = p.dispatch.PromoteDue(ctx, time.Now(), 100)
		}
		if depth, err := p.store.ClaimableCount(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		job, err := p.claim(ctx)
		if err != nil {
			p.logger.WarnContext(ctx, "claim failed", slog.Any("error", err))
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}

		telemetry.InFlightGauge.Inc()
		p.process(ctx, *job)
		telemetry.InFlightGauge.Dec()
	}
}

// claim prefers Redis hints and falls back to a direct store scan, so the
// worker keeps draining jobs when Redis is empty or down.
func (p *Processor) claim(ctx context.Context) (*models.Job, error) {
	if p.dispatch != nil {
		if id, err := p.dispatch.Pop(ctx); err == nil && id != "" {
			if job, err := p.store.ClaimByID(ctx, id, p.workerID, p.cfg.LeaseDuration); err != nil {
				return nil, err
			} else if job != nil {
				return job, nil
			}
			// Hint was stale (already claimed or not yet due); fall through.
		}
	}
	return p.store.ClaimNext(ctx, p.workerID, p.cfg.LeaseDuration)
}

// process drives one claimed job as far as it can go in this attempt.
func (p *Processor) process(ctx context.Context, job models.Job) {
	token := ""
	if job.AttemptToken != nil {
		token = *job.AttemptToken
	}
	logger := p.logger.With(slog.String("job_id", job.ID), slog.String("worker", p.workerID))

	// Heartbeat for the duration of the attempt. Losing the lease cancels
	// stage work so a reclaiming worker runs alone.
	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go p.heartbeat(hbCtx, job.ID, token, cancel)

	for !models.IsTerminal(job.State) {
		var err error
		switch job.State {
		case models.StateScripting:
			err = p.runScripting(hbCtx, &job, token, logger)
		case models.StateRendering:
			err = p.runRendering(hbCtx, &job, token, logger)
		case models.StateAssembling:
			err = p.runAssembling(hbCtx, &job, token, logger)
		default:
			logger.Error("claimed job in unexpected state", slog.String("state", job.State))
			return
		}
		if err == nil {
			continue
		}
		if errors.Is(err, store.ErrLeaseLost) || hbCtx.Err() != nil {
			logger.Info("lease lost, abandoning attempt")
			return
		}
		p.handleStageFailure(ctx, &job, token, err, logger)
		return
	}

	if job.State == models.StateDone {
		telemetry.JobsCompleted.Inc()
		logger.Info("job completed")
	}
	p.notifyTerminal(ctx, job, logger)
}

func (p *Processor) heartbeat(ctx context.Context, jobID, token string, cancel context.CancelFunc) {
	ticker := time.NewTicker(p.cfg.LeaseDuration / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.Heartbeat(ctx, jobID, token, p.cfg.LeaseDuration); err != nil {
				if errors.Is(err, store.ErrLeaseLost) {
					cancel()
					return
				}
				p.logger.Warn("heartbeat failed", slog.String("job_id", jobID), slog.Any("error", err))
			}
		}
	}
}

// panelError carries which panel failed so retry budgets apply per panel.
type panelError struct {
	idx int
	err error
}

func (e *panelError) Error() string { return fmt.Sprintf("panel %d: %v", e.idx, e.err) }
func (e *panelError) Unwrap() error { return e.err }

// handleStageFailure applies the bounded-retry policy for the failing stage.
func (p *Processor) handleStageFailure(ctx context.Context, job *models.Job, token string, stageErr error, logger *slog.Logger) {
	var stage string
	var attempt int

	var pe *panelError
	if errors.As(stageErr, &pe) {
		// Panels carry their own budget, independent of the stage counter.
		attempts, err := p.store.BumpPanelAttempts(ctx, job.ID, pe.idx)
		if err != nil {
			logger.Error("record panel failure", slog.Any("error", err))
			attempts = p.cfg.PanelMaxAttempts
		}
		if attempts >= p.cfg.PanelMaxAttempts {
			p.fail(ctx, job, token, stageErr, logger)
			return
		}
		stage, attempt = store.StageRender, attempts
	} else {
		switch job.State {
		case models.StateScripting:
			stage, attempt = store.StageScript, job.ScriptAttempts+1
		case models.StateRendering:
			stage, attempt = store.StageRender, job.RenderAttempts+1
		case models.StateAssembling:
			stage, attempt = store.StageAssemble, job.AssembleAttempts+1
		}
		if attempt >= p.cfg.MaxAttempts {
			p.fail(ctx, job, token, stageErr, logger)
			return
		}
	}

	backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempt)
	nextAttempt := time.Now().Add(backoff)
	if err := p.store.ReleaseForRetry(ctx, job.ID, token, stage, nextAttempt, stageErr.Error()); err != nil {
		if !errors.Is(err, store.ErrLeaseLost) {
			logger.Error("release for retry", slog.Any("error", err))
		}
		return
	}
	if p.dispatch != nil {
		_ = p.dispatch.Schedule(ctx, job.ID, nextAttempt)
	}
	telemetry.StageRetries.Inc()
	logger.Info("stage released for retry",
		slog.String("stage", stage),
		slog.Int("attempt", attempt),
		slog.Duration("backoff", backoff),
		slog.String("error", stageErr.Error()))
}

func (p *Processor) fail(ctx context.Context, job *models.Job, token string, stageErr error, logger *slog.Logger) {
	committed, err := p.store.MarkFailed(ctx, job.ID, token, summarize(stageErr))
	if err != nil {
		logger.Error("mark failed", slog.Any("error", err))
		return
	}
	if !committed {
		return
	}
	telemetry.JobsFailed.Inc()
	logger.Warn("job failed", slog.String("error", stageErr.Error()))

	job.State = models.StateFailed
	msg := summarize(stageErr)
	job.LastError = &msg
	p.notifyTerminal(ctx, *job, logger)
}

// notifyTerminal fires the webhook once for the worker that committed the
// terminal transition.
func (p *Processor) notifyTerminal(ctx context.Context, job models.Job, logger *slog.Logger) {
	if job.Request.WebhookURL == "" || p.notifier == nil {
		return
	}
	if p.notifier.Notify(ctx, job.Request.WebhookURL, notify.PayloadFor(job)) {
		telemetry.WebhookDelivered.Inc()
	} else {
		telemetry.WebhookDropped.Inc()
	}
}

// runScripting produces the panel script and commits it together with the
// transition into rendering, so the LLM call never repeats after a reclaim.
func (p *Processor) runScripting(ctx context.Context, job *models.Job, token string, logger *slog.Logger) error {
	if err := p.store.SetProgress(ctx, job.ID, token, "Writing satirical script...", 0); err != nil {
		return err
	}

	req := job.Request
	articleText := req.ArticleText
	if articleText == "" && req.ArticleURL != "" {
		text, err := p.fetcher.Fetch(ctx, req.ArticleURL)
		if err != nil {
			return fmt.Errorf("fetch article: %w", err)
		}
		articleText = text
	}

	script, err := p.scripts.Generate(ctx, scriptgen.Request{
		ArticleText: articleText,
		ArticleURL:  req.ArticleURL,
		Title:       req.Title,
		PanelCount:  req.PanelCount,
		Tone:        req.Tone,
		Style:       req.Style,
		Language:    req.Language,
	})
	if err != nil {
		return fmt.Errorf("generate script: %w", err)
	}

	if script.PromptOnly {
		committed, err := p.store.MarkDone(ctx, job.ID, token, models.Result{
			Title:        script.Title,
			SystemPrompt: script.SystemPrompt,
			UserPrompt:   script.UserPrompt,
		})
		if err != nil {
			return err
		}
		if !committed {
			return store.ErrLeaseLost
		}
		job.State = models.StateDone
		job.Result = &models.Result{Title: script.Title, SystemPrompt: script.SystemPrompt, UserPrompt: script.UserPrompt}
		return nil
	}

	scriptJSON, err := json.Marshal(script)
	if err != nil {
		return fmt.Errorf("marshal script: %w", err)
	}
	if _, err := p.storage.Put(ctx, job.ID+"/script.json", scriptJSON, "application/json"); err != nil {
		return fmt.Errorf("store script: %w", err)
	}

	count := req.PanelCount
	if len(script.Panels) < count {
		count = len(script.Panels)
	}
	panels := make([]models.Panel, 0, count)
	for i := 0; i < count; i++ {
		sp := script.Panels[i]
		panels = append(panels, models.Panel{
			JobID:       job.ID,
			Index:       i + 1,
			Character:   sp.Character,
			Dialogue:    sp.Dialogue,
			ScenePrompt: sp.ScenePrompt,
		})
	}
	if len(panels) == 0 {
		return errors.New("script produced no panels")
	}

	if err := p.store.CommitScript(ctx, job.ID, token, panels); err != nil {
		return err
	}
	job.State = models.StateRendering
	logger.Info("script committed", slog.Int("panels", len(panels)), slog.String("title", script.Title))
	return nil
}

// runRendering renders every panel that does not yet have an artifact.
// Finished panels survive retries and reclaims, so only missing work is
// repeated.
func (p *Processor) runRendering(ctx context.Context, job *models.Job, token string, logger *slog.Logger) error {
	panels, err := p.store.GetPanels(ctx, job.ID)
	if err != nil {
		return err
	}
	total := len(panels)
	done := 0
	for _, panel := range panels {
		if panel.ArtifactKey != nil {
			done++
		}
	}

	for _, panel := range panels {
		if panel.ArtifactKey != nil {
			continue
		}
		progress := fmt.Sprintf("Generating panel %d/%d...", panel.Index, total)
		if err := p.store.SetProgress(ctx, job.ID, token, progress, done); err != nil {
			return err
		}

		data, err := p.images.Render(ctx, panel.ScenePrompt)
		if err != nil {
			return &panelError{idx: panel.Index, err: err}
		}
		key := fmt.Sprintf("%s/panels/panel_%02d.png", job.ID, panel.Index)
		if _, err := p.storage.Put(ctx, key, data, "image/png"); err != nil {
			return &panelError{idx: panel.Index, err: err}
		}
		if err := p.store.CompletePanel(ctx, job.ID, panel.Index, key); err != nil {
			return err
		}
		done++
		telemetry.PanelsRendered.Inc()
		logger.Debug("panel rendered", slog.Int("panel", panel.Index), slog.Int("of", total))
	}

	if err := p.store.AdvanceStage(ctx, job.ID, token, models.StateRendering, models.StateAssembling); err != nil {
		return err
	}
	job.State = models.StateAssembling
	job.PanelsDone = done
	return nil
}

// runAssembling composes the final comic and commits the terminal result.
func (p *Processor) runAssembling(ctx context.Context, job *models.Job, token string, logger *slog.Logger) error {
	if err := p.store.SetProgress(ctx, job.ID, token, "Assembling comic...", job.PanelsDone); err != nil {
		return err
	}

	panels, err := p.store.GetPanels(ctx, job.ID)
	if err != nil {
		return err
	}

	title := job.Request.Title
	if scriptJSON, err := p.storage.Get(ctx, job.ID+"/script.json"); err == nil {
		var script scriptgen.Script
		if err := json.Unmarshal(scriptJSON, &script); err == nil && script.Title != "" {
			title = script.Title
		}
	}
	if title == "" {
		title = "Untitled"
	}

	parts := make([]assemble.Panel, 0, len(panels))
	resultPanels := make([]models.Panel, 0, len(panels))
	for _, panel := range panels {
		if panel.ArtifactKey == nil {
			return fmt.Errorf("panel %d has no artifact", panel.Index)
		}
		data, err := p.storage.Get(ctx, *panel.ArtifactKey)
		if err != nil {
			return fmt.Errorf("load panel %d: %w", panel.Index, err)
		}
		parts = append(parts, assemble.Panel{Image: data, Dialogue: panel.Dialogue})
		resultPanels = append(resultPanels, models.Panel{
			Index:     panel.Index,
			Character: panel.Character,
			Dialogue:  panel.Dialogue,
			ImageURL:  p.storage.URL(*panel.ArtifactKey),
		})
	}

	combined, err := assemble.Comic(parts, title)
	if err != nil {
		return fmt.Errorf("assemble comic: %w", err)
	}
	combinedKey := job.ID + "/combined.png"
	combinedURL, err := p.storage.Put(ctx, combinedKey, combined, "image/png")
	if err != nil {
		return fmt.Errorf("store combined comic: %w", err)
	}

	result := models.Result{
		Title:       title,
		CombinedKey: combinedKey,
		CombinedURL: combinedURL,
		Panels:      resultPanels,
	}
	committed, err := p.store.MarkDone(ctx, job.ID, token, result)
	if err != nil {
		return err
	}
	if !committed {
		return store.ErrLeaseLost
	}
	job.State = models.StateDone
	job.Result = &result
	return nil
}

// summarize keeps last_error readable for clients without internal detail.
func summarize(err error) string {
	msg := err.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"sketchy-comics/internal/models"
)

// Sentinel errors surfaced by store operations.
var (
	// ErrNotFound means no job exists with the given id.
	ErrNotFound = errors.New("job not found")
	// ErrRateLimited means the tier quota for the current window is exhausted.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrLeaseLost means the caller's attempt token no longer owns the job.
	// It is an internal reclamation signal, not a user-visible failure.
	ErrLeaseLost = errors.New("lease lost")
)

// Working states a worker can hold a lease in.
const workingStates = "('scripting', 'rendering', 'assembling')"

// Store wraps pgxpool for Postgres persistence. It is the single source of
// truth for job ownership: claims, leases, and state transitions are all
// single atomic statements here.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// SubmitParams collects inputs required to admit a job.
type SubmitParams struct {
	APIKeyID    string
	Request     models.ComicRequest
	WindowStart time.Time
	Limit       int // <= 0 means unlimited
}

// SubmitJob charges the key's rate-limit window and inserts the job in one
// transaction. Either both happen or neither does: a rejected submission
// leaves no counter charge and no job row.
func (s *Store) SubmitJob(ctx context.Context, p SubmitParams) (models.Job, error) {
	reqJSON, err := json.Marshal(p.Request)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal request: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if p.Limit > 0 {
		var count int
		err := tx.QueryRow(ctx, `
			INSERT INTO rate_limits (api_key_id, window_start, count)
			VALUES ($1, $2, 1)
			ON CONFLICT (api_key_id, window_start)
			DO UPDATE SET count = rate_limits.count + 1
			WHERE rate_limits.count < $3
			RETURNING count
		`, p.APIKeyID, p.WindowStart, p.Limit).Scan(&count)
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrRateLimited
		}
		if err != nil {
			return models.Job{}, fmt.Errorf("charge rate limit: %w", err)
		}
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, api_key_id, request, state, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5, $5)
	`, id, p.APIKeyID, reqJSON, models.StatePending, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		ID:            id,
		APIKeyID:      p.APIKeyID,
		Request:       p.Request,
		State:         models.StatePending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// WindowUsage returns the committed count for a key's window.
func (s *Store) WindowUsage(ctx context.Context, apiKeyID string, windowStart time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count FROM rate_limits WHERE api_key_id = $1 AND window_start = $2
	`, apiKeyID, windowStart).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query rate limit window: %w", err)
	}
	return count, nil
}

const jobColumns = `
	id, api_key_id, request, state,
	script_attempts, render_attempts, assemble_attempts, panels_done,
	progress, last_error, result,
	lease_owner, lease_expires_at, attempt_token, next_attempt_at,
	created_at, updated_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var reqJSON, resultJSON []byte
	var progress, lastErr, leaseOwner, token pgtype.Text
	var leaseExpires pgtype.Timestamptz

	err := row.Scan(
		&job.ID, &job.APIKeyID, &reqJSON, &job.State,
		&job.ScriptAttempts, &job.RenderAttempts, &job.AssembleAttempts, &job.PanelsDone,
		&progress, &lastErr, &resultJSON,
		&leaseOwner, &leaseExpires, &token, &job.NextAttemptAt,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return models.Job{}, err
	}

	if err := json.Unmarshal(reqJSON, &job.Request); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal request: %w", err)
	}
	if len(resultJSON) > 0 {
		var result models.Result
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
		job.Result = &result
	}
	job.Progress = textPtr(progress)
	job.LastError = textPtr(lastErr)
	job.LeaseOwner = textPtr(leaseOwner)
	job.AttemptToken = textPtr(token)
	if leaseExpires.Valid {
		t := leaseExpires.Time
		job.LeaseExpiresAt = &t
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT`+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ClaimNext atomically claims the next runnable job for a worker: the oldest
// pending or retry-due job, with abandoned leases reclaimed first to bound
// staleness. A fresh attempt token fences out any worker that previously held
// the job. Returns nil when nothing is claimable.
func (s *Store) ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*models.Job, error) {
	return s.claim(ctx, workerID, lease, "")
}

// ClaimByID claims a specific job if it is currently claimable. Used for
// Redis dispatch hints; the store remains the authority on ownership.
func (s *Store) ClaimByID(ctx context.Context, jobID, workerID string, lease time.Duration) (*models.Job, error) {
	return s.claim(ctx, workerID, lease, jobID)
}

func (s *Store) claim(ctx context.Context, workerID string, lease time.Duration, jobID string) (*models.Job, error) {
	token := uuid.New().String()
	deadline := time.Now().UTC().Add(lease)

	filter := ""
	args := []any{workerID, token, deadline}
	if jobID != "" {
		filter = "AND id = $4"
		args = append(args, jobID)
	}

	query := fmt.Sprintf(`
		WITH candidate AS (
			SELECT id FROM jobs
			WHERE next_attempt_at <= NOW()
			  AND (
			        (state = 'pending' AND lease_expires_at IS NULL)
			     OR (state IN %s AND (lease_expires_at IS NULL OR lease_expires_at < NOW()))
			  )
			  %s
			ORDER BY (lease_expires_at IS NOT NULL) DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j SET
			state = CASE WHEN j.state = 'pending' THEN 'scripting' ELSE j.state END,
			lease_owner = $1,
			lease_expires_at = $3,
			attempt_token = $2,
			updated_at = NOW()
		FROM candidate
		WHERE j.id = candidate.id
		RETURNING`+jobColumnsPrefixed, workingStates, filter)

	job, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &job, nil
}

// jobColumns qualified with the update alias, for RETURNING inside UPDATE ... FROM.
const jobColumnsPrefixed = `
	j.id, j.api_key_id, j.request, j.state,
	j.script_attempts, j.render_attempts, j.assemble_attempts, j.panels_done,
	j.progress, j.last_error, j.result,
	j.lease_owner, j.lease_expires_at, j.attempt_token, j.next_attempt_at,
	j.created_at, j.updated_at`

// Heartbeat extends the lease for the holder of the attempt token.
func (s *Store) Heartbeat(ctx context.Context, jobID, token string, extension time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET lease_expires_at = $3, updated_at = NOW()
		WHERE id = $1 AND attempt_token = $2 AND state IN `+workingStates+`
	`, jobID, token, time.Now().UTC().Add(extension))
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// SetProgress updates the human-readable progress line and panel tally.
func (s *Store) SetProgress(ctx context.Context, jobID, token, progress string, panelsDone int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET progress = $3, panels_done = $4, updated_at = NOW()
		WHERE id = $1 AND attempt_token = $2
	`, jobID, token, progress, panelsDone)
	if err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// CommitScript stores the generated panel rows and moves the job from
// scripting to rendering in one transaction, so a reclaimed job never
// repeats the script stage once it has committed.
func (s *Store) CommitScript(ctx context.Context, jobID, token string, panels []models.Panel) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE jobs SET state = $3, progress = NULL, updated_at = NOW()
		WHERE id = $1 AND attempt_token = $2 AND state = $4
	`, jobID, token, models.StateRendering, models.StateScripting)
	if err != nil {
		return fmt.Errorf("advance to rendering: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}

	// Re-commit after a reclaim replaces any partial panel set.
	if _, err := tx.Exec(ctx, `DELETE FROM panels WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("clear panels: %w", err)
	}
	for _, p := range panels {
		_, err := tx.Exec(ctx, `
			INSERT INTO panels (job_id, idx, character_id, dialogue, scene_prompt)
			VALUES ($1, $2, $3, $4, $5)
		`, jobID, p.Index, p.Character, p.Dialogue, p.ScenePrompt)
		if err != nil {
			return fmt.Errorf("insert panel %d: %w", p.Index, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetPanels returns the panel rows for a job ordered by index.
func (s *Store) GetPanels(ctx context.Context, jobID string) ([]models.Panel, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, idx, character_id, dialogue, scene_prompt, attempts, artifact_key
		FROM panels WHERE job_id = $1 ORDER BY idx
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query panels: %w", err)
	}
	defer rows.Close()

	var panels []models.Panel
	for rows.Next() {
		var p models.Panel
		var key pgtype.Text
		if err := rows.Scan(&p.JobID, &p.Index, &p.Character, &p.Dialogue, &p.ScenePrompt, &p.Attempts, &key); err != nil {
			return nil, fmt.Errorf("scan panel: %w", err)
		}
		p.ArtifactKey = textPtr(key)
		panels = append(panels, p)
	}
	return panels, rows.Err()
}

// CompletePanel records a rendered panel's artifact key.
func (s *Store) CompletePanel(ctx context.Context, jobID string, idx int, artifactKey string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE panels SET artifact_key = $3 WHERE job_id = $1 AND idx = $2
	`, jobID, idx, artifactKey)
	if err != nil {
		return fmt.Errorf("complete panel: %w", err)
	}
	return nil
}

// BumpPanelAttempts increments a panel's attempt count and returns the new value.
func (s *Store) BumpPanelAttempts(ctx context.Context, jobID string, idx int) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE panels SET attempts = attempts + 1 WHERE job_id = $1 AND idx = $2
		RETURNING attempts
	`, jobID, idx).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("bump panel attempts: %w", err)
	}
	return attempts, nil
}

// AdvanceStage moves a job between working states, keeping the lease.
func (s *Store) AdvanceStage(ctx context.Context, jobID, token, fromState, toState string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $4, progress = NULL, updated_at = NOW()
		WHERE id = $1 AND attempt_token = $2 AND state = $3
	`, jobID, token, fromState, toState)
	if err != nil {
		return fmt.Errorf("advance stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Stage names for ReleaseForRetry attempt accounting.
const (
	StageScript   = "script"
	StageRender   = "render"
	StageAssemble = "assemble"
)

// ReleaseForRetry returns a job to the claimable pool after a stage failure:
// the stage's attempt counter is bumped, the lease cleared, and the job held
// back until nextAttempt. State is unchanged so the retried claim resumes the
// same stage.
func (s *Store) ReleaseForRetry(ctx context.Context, jobID, token, stage string, nextAttempt time.Time, lastErr string) error {
	var col string
	switch stage {
	case StageScript:
		col = "script_attempts"
	case StageRender:
		col = "render_attempts"
	case StageAssemble:
		col = "assemble_attempts"
	default:
		return fmt.Errorf("unknown stage %q", stage)
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE jobs SET
			%s = %s + 1,
			lease_owner = NULL,
			lease_expires_at = NULL,
			attempt_token = NULL,
			next_attempt_at = $3,
			last_error = $4,
			updated_at = NOW()
		WHERE id = $1 AND attempt_token = $2
	`, col, col), jobID, token, nextAttempt.UTC(), lastErr)
	if err != nil {
		return fmt.Errorf("release for retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// MarkDone commits the terminal done state with the result. The boolean
// reports whether this call performed the transition; only the committer
// triggers notification.
func (s *Store) MarkDone(ctx context.Context, jobID, token string, result models.Result) (bool, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			state = $3, result = $4, progress = NULL, last_error = NULL,
			lease_owner = NULL, lease_expires_at = NULL, attempt_token = NULL,
			updated_at = NOW()
		WHERE id = $1 AND attempt_token = $2
	`, jobID, token, models.StateDone, resultJSON)
	if err != nil {
		return false, fmt.Errorf("mark done: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed commits the terminal failed state with a human-readable summary.
func (s *Store) MarkFailed(ctx context.Context, jobID, token, lastErr string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			state = $3, last_error = $4, progress = NULL,
			lease_owner = NULL, lease_expires_at = NULL, attempt_token = NULL,
			updated_at = NOW()
		WHERE id = $1 AND attempt_token = $2
	`, jobID, token, models.StateFailed, lastErr)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ClaimableCount returns how many jobs are ready to be claimed, for telemetry.
func (s *Store) ClaimableCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE next_attempt_at <= NOW()
		  AND (
		        (state = 'pending' AND lease_expires_at IS NULL)
		     OR (state IN `+workingStates+` AND (lease_expires_at IS NULL OR lease_expires_at < NOW()))
		  )
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count claimable: %w", err)
	}
	return n, nil
}

// PurgeTerminal deletes terminal jobs updated before the cutoff. This is the
// only path that removes jobs; retention policy itself lives outside the core.
func (s *Store) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs WHERE state IN ('done', 'failed') AND updated_at < $1
	`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge terminal jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

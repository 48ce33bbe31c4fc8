package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	StatePending    = "pending"
	StateScripting  = "scripting"
	StateRendering  = "rendering"
	StateAssembling = "assembling"
	StateDone       = "done"
	StateFailed     = "failed"
)

// Satirical tones accepted on submission.
const (
	ToneGentle = "gentle"
	ToneSharp  = "sharp"
	ToneSavage = "savage"
	ToneAbsurd = "absurd"
)

// API key tiers.
const (
	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// IsTerminal reports whether no further transitions can occur.
func IsTerminal(state string) bool {
	return state == StateDone || state == StateFailed
}

// ComicRequest is the client-supplied input stored on the job.
// Exactly one of ArticleURL and ArticleText must be set.
type ComicRequest struct {
	ArticleURL  string `json:"article_url,omitempty"`
	ArticleText string `json:"article_text,omitempty"`
	Title       string `json:"title,omitempty"`
	PanelCount  int    `json:"panels"`
	Tone        string `json:"tone"`
	Style       string `json:"style,omitempty"`
	Language    string `json:"language,omitempty"`
	WebhookURL  string `json:"webhook_url,omitempty"`
}

// Job is a comic generation job persisted in Postgres.
type Job struct {
	ID               string       `json:"id"`
	APIKeyID         string       `json:"-"`
	Request          ComicRequest `json:"request"`
	State            string       `json:"state"`
	ScriptAttempts   int          `json:"script_attempts"`
	RenderAttempts   int          `json:"render_attempts"`
	AssembleAttempts int          `json:"assemble_attempts"`
	PanelsDone       int          `json:"panels_completed"`
	Progress         *string      `json:"progress,omitempty"`
	LastError        *string      `json:"last_error,omitempty"`
	Result           *Result      `json:"result,omitempty"`
	LeaseOwner       *string      `json:"-"`
	LeaseExpiresAt   *time.Time   `json:"-"`
	AttemptToken     *string      `json:"-"`
	NextAttemptAt    time.Time    `json:"-"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Panel is one unit of rendering work belonging to a job.
type Panel struct {
	JobID       string  `json:"-"`
	Index       int     `json:"index"`
	Character   string  `json:"character"`
	Dialogue    string  `json:"dialogue"`
	ScenePrompt string  `json:"-"`
	Attempts    int     `json:"-"`
	ArtifactKey *string `json:"-"`
	ImageURL    string  `json:"image_url,omitempty"`
}

// Result is stored as jsonb once a job completes.
type Result struct {
	Title       string  `json:"title"`
	CombinedKey string  `json:"combined_key,omitempty"`
	CombinedURL string  `json:"combined_image_url,omitempty"`
	Panels      []Panel `json:"panels,omitempty"`
	// Set by the prompt-only script backend instead of rendered output.
	SystemPrompt string `json:"system_prompt,omitempty"`
	UserPrompt   string `json:"user_prompt,omitempty"`
}

// Balance reports quota usage for the current rate-limit window.
type Balance struct {
	Tier              string    `json:"tier"`
	RequestsUsed      int       `json:"requests_used"`
	RequestsLimit     int       `json:"requests_limit"`
	RequestsRemaining int       `json:"requests_remaining"`
	ResetAt           time.Time `json:"reset_at"`
}

// WebhookPayload is posted to the client's webhook on terminal transitions.
type WebhookPayload struct {
	Event            string `json:"event"`
	JobID            string `json:"job_id"`
	State            string `json:"status"`
	CombinedImageURL string `json:"combined_image_url,omitempty"`
	PanelsCount      int    `json:"panels_count"`
	Title            string `json:"title,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Webhook event names.
const (
	EventCompleted = "comic.completed"
	EventFailed    = "comic.failed"
	EventTest      = "test"
)

// Package scriptgen turns article text into an ordered satirical comic
// script. Backends are selected by configuration; callers never branch on
// backend identity.
package scriptgen

import (
	"context"
	"fmt"
	"log/slog"

	"sketchy-comics/internal/config"
)

// Request carries everything a backend needs to write a script.
type Request struct {
	ArticleText string
	ArticleURL  string
	Title       string
	PanelCount  int
	Tone        string
	Style       string
	Language    string
	Category    string
}

// ScriptPanel is one panel of a generated script.
type ScriptPanel struct {
	Panel       int    `json:"panel"`
	Character   string `json:"character"`
	ScenePrompt string `json:"scene_prompt"`
	Dialogue    string `json:"dialogue"`
}

// Script is the structured output of a backend.
type Script struct {
	Title     string        `json:"title"`
	Slug      string        `json:"slug"`
	Source    string        `json:"source"`
	SourceURL string        `json:"sourceUrl"`
	Context   string        `json:"context"`
	Category  string        `json:"category"`
	Panels    []ScriptPanel `json:"panels"`

	// PromptOnly scripts carry the prompts instead of panels, for callers
	// that orchestrate their own LLM.
	PromptOnly   bool   `json:"_prompt_only,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	UserPrompt   string `json:"user_prompt,omitempty"`
}

// Generator writes a comic script for a request.
type Generator interface {
	Generate(ctx context.Context, req Request) (Script, error)
}

// New selects a backend from configuration.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (Generator, error) {
	switch cfg.ScriptBackend {
	case "stub":
		return &Stub{}, nil
	case "prompt_only":
		return &PromptOnly{}, nil
	case "gemini":
		return NewGemini(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown script backend %q", cfg.ScriptBackend)
	}
}

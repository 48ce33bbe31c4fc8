package scriptgen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"sketchy-comics/internal/config"
)

// Gemini writes scripts with Google's Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

// NewGemini builds the Gemini backend from configuration.
func NewGemini(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Gemini, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, errors.New("gemini backend requires GEMINI_API_KEY")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{client: client, model: cfg.GeminiModel, logger: logger}, nil
}

func (g *Gemini) Generate(ctx context.Context, req Request) (Script, error) {
	g.logger.DebugContext(ctx, "requesting script",
		slog.String("model", g.model),
		slog.Int("panels", req.PanelCount),
		slog.String("tone", req.Tone))

	resp, err := g.client.Models.GenerateContent(ctx, g.model,
		genai.Text(userPrompt(req)),
		&genai.GenerateContentConfig{
			SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: systemPrompt(req.Style)}}},
			ResponseMIMEType:  "application/json",
		})
	if err != nil {
		return Script{}, fmt.Errorf("gemini generate: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return Script{}, errors.New("gemini returned empty response")
	}
	// Models sometimes wrap JSON in a markdown fence despite the MIME hint.
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var script Script
	if err := json.Unmarshal([]byte(text), &script); err != nil {
		return Script{}, fmt.Errorf("parse script json: %w", err)
	}
	if len(script.Panels) == 0 {
		return Script{}, errors.New("script has no panels")
	}
	return script, nil
}

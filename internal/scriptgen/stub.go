package scriptgen

import (
	"context"
	"fmt"
)

// Stub returns a placeholder script, for development without an LLM.
type Stub struct{}

func (s *Stub) Generate(_ context.Context, req Request) (Script, error) {
	panels := make([]ScriptPanel, 0, req.PanelCount)
	for i := 1; i <= req.PanelCount; i++ {
		character := "politician"
		if i == 1 {
			character = "anchor"
		}
		panels = append(panels, ScriptPanel{
			Panel:       i,
			Character:   character,
			ScenePrompt: fmt.Sprintf("News anchor caricature at desk with BREAKING NEWS graphic, panel %d, %s", i, req.Style),
			Dialogue:    fmt.Sprintf("Panel %d: placeholder dialogue, configure a real script backend for actual satire!", i),
		})
	}
	title := req.Title
	if title == "" {
		title = "Stub Comic"
	}
	category := req.Category
	if category == "" {
		category = "WTF News"
	}
	return Script{
		Title:     title,
		Slug:      "stub-comic",
		Source:    "StubWriter",
		SourceURL: req.ArticleURL,
		Context:   "Placeholder script. Set SCRIPT_BACKEND and GEMINI_API_KEY to enable real generation.",
		Category:  category,
		Panels:    panels,
	}, nil
}

// PromptOnly returns the prompts that would be sent to an LLM, for callers
// that run the model themselves.
type PromptOnly struct{}

func (p *PromptOnly) Generate(_ context.Context, req Request) (Script, error) {
	return Script{
		PromptOnly:   true,
		SystemPrompt: systemPrompt(req.Style),
		UserPrompt:   userPrompt(req),
	}, nil
}

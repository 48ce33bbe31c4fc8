package scriptgen

import (
	"fmt"
	"strings"
)

const systemPromptTemplate = `You are a satirical cartoonist for SketchyNews. You write comic scripts that transform news articles into biting political satire in the style of MAD Magazine.

Rules:
- Every scene_prompt MUST end with: %s
- Use HUMAN CARICATURES of real people, NO anthropomorphic animals
- Each panel must be a VISUAL GAG, not just someone talking
- Dialogue must be sharp, witty, and at least 5 words per panel
- Build a narrative arc: setup, escalation, punchline
- Include sourceUrl, context, and originalArticle fields`

func systemPrompt(style string) string {
	return fmt.Sprintf(systemPromptTemplate, style)
}

func userPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a %d-panel satirical comic script about this article.\n\n", req.PanelCount)
	fmt.Fprintf(&b, "Tone: %s\n", req.Tone)
	fmt.Fprintf(&b, "Style suffix for every prompt: %s\n", req.Style)
	if req.Language == "fr" {
		b.WriteString("Write ALL dialogue in French. Title in French.\n")
	}
	category := req.Category
	if category == "" {
		category = "auto-detect"
	}
	fmt.Fprintf(&b, "Category: %s\n\n", category)

	articleURL := req.ArticleURL
	if articleURL == "" {
		articleURL = "N/A"
	}
	fmt.Fprintf(&b, "Article URL: %s\n", articleURL)
	fmt.Fprintf(&b, "Article text:\n%s\n\n", truncate(req.ArticleText, 4000))

	fmt.Fprintf(&b, `Respond with ONLY valid JSON in this exact format:
{
  "title": "...",
  "slug": "kebab-case-slug",
  "source": "Source Name",
  "sourceUrl": "%s",
  "context": "2-3 sentence summary for readers",
  "category": "%s",
  "panels": [
    {
      "panel": 1,
      "character": "character_id",
      "scene_prompt": "detailed visual scene description, %s",
      "dialogue": "Sharp witty dialogue (min 5 words)"
    }
  ]
}
`, req.ArticleURL, category, req.Style)
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

package scriptgen

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

var (
	blockTagRe   = regexp.MustCompile(`(?is)<(script|style|nav|footer|aside)[^>]*>.*?</(script|style|nav|footer|aside)>`)
	anyTagRe     = regexp.MustCompile(`<[^>]+>`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// ArticleFetcher downloads an article URL and reduces it to plain text for
// the script prompt.
type ArticleFetcher struct {
	client   *http.Client
	maxChars int
}

// NewArticleFetcher builds a fetcher with the given timeout and text cap.
func NewArticleFetcher(timeout time.Duration, maxChars int) *ArticleFetcher {
	if maxChars <= 0 {
		maxChars = 4000
	}
	return &ArticleFetcher{
		client:   &http.Client{Timeout: timeout},
		maxChars: maxChars,
	}
}

// Fetch downloads the URL and strips markup.
func (f *ArticleFetcher) Fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build article request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch article: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch article: unexpected status %d", resp.StatusCode)
	}

	// Cap the read well above the text budget; markup inflates pages.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return "", fmt.Errorf("read article body: %w", err)
	}
	text := StripHTML(string(body), f.maxChars)
	if text == "" {
		return "", fmt.Errorf("article at %s produced no text", url)
	}
	return text, nil
}

// StripHTML removes script/style/nav blocks and all tags, collapses
// whitespace, and truncates to maxChars.
func StripHTML(html string, maxChars int) string {
	text := blockTagRe.ReplaceAllString(html, "")
	text = anyTagRe.ReplaceAllString(text, " ")
	text = whitespaceRe.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)
	if maxChars > 0 && len(text) > maxChars {
		text = text[:maxChars]
	}
	return text
}

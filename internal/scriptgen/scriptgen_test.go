package scriptgen

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestStubPanelCount(t *testing.T) {
	script, err := (&Stub{}).Generate(context.Background(), Request{
		PanelCount: 6,
		Tone:       "savage",
		Style:      "editorial cartoon style",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(script.Panels) != 6 {
		t.Fatalf("panels = %d, want 6", len(script.Panels))
	}
	for i, p := range script.Panels {
		if p.Panel != i+1 {
			t.Fatalf("panel %d numbered %d", i, p.Panel)
		}
		if !strings.HasSuffix(p.ScenePrompt, "editorial cartoon style") {
			t.Fatalf("scene prompt missing style suffix: %q", p.ScenePrompt)
		}
	}
}

func TestPromptOnly(t *testing.T) {
	script, err := (&PromptOnly{}).Generate(context.Background(), Request{
		ArticleText: "Mayor declares war on pigeons",
		PanelCount:  3,
		Tone:        "absurd",
		Style:       "bold ink outlines",
		Language:    "fr",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !script.PromptOnly {
		t.Fatalf("expected prompt-only script")
	}
	if !strings.Contains(script.UserPrompt, "3-panel") {
		t.Fatalf("user prompt missing panel count: %q", script.UserPrompt)
	}
	if !strings.Contains(script.UserPrompt, "French") {
		t.Fatalf("user prompt missing language instruction")
	}
	if !strings.Contains(script.SystemPrompt, "bold ink outlines") {
		t.Fatalf("system prompt missing style suffix")
	}
}

func TestStripHTML(t *testing.T) {
	html := `<html><head><style>body{color:red}</style><script>alert(1)</script></head>
	<body><nav>menu</nav><h1>Big   News</h1><p>Something <b>happened</b> today.</p>
	<footer>contact us</footer></body></html>`

	got := StripHTML(html, 100)
	if strings.Contains(got, "alert") || strings.Contains(got, "menu") || strings.Contains(got, "contact") {
		t.Fatalf("block tags not removed: %q", got)
	}
	if !strings.Contains(got, "Big News") || !strings.Contains(got, "Something happened today.") {
		t.Fatalf("text lost: %q", got)
	}
}

func TestArticleFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html><body><p>City council bans sarcasm.</p></body></html>"))
	}))
	defer srv.Close()

	f := NewArticleFetcher(2*time.Second, 1000)
	text, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if text != "City council bans sarcasm." {
		t.Fatalf("text = %q", text)
	}
}

func TestArticleFetcherErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewArticleFetcher(2*time.Second, 1000)
	if _, err := f.Fetch(context.Background(), srv.URL); err == nil {
		t.Fatalf("expected error for 404")
	}
}

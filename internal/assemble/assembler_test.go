package assemble

import (
	"bytes"
	"context"
	"image"
	"testing"

	"golang.org/x/image/font/basicfont"

	"sketchy-comics/internal/imagegen"
)

func fixturePanels(t *testing.T, n int) []Panel {
	t.Helper()
	stub := &imagegen.Stub{}
	panels := make([]Panel, 0, n)
	for i := 0; i < n; i++ {
		data, err := stub.Render(context.Background(), string(rune('a'+i)))
		if err != nil {
			t.Fatalf("fixture panel: %v", err)
		}
		panels = append(panels, Panel{Image: data, Dialogue: "At least five words of biting satire here"})
	}
	return panels
}

func TestGrid(t *testing.T) {
	cases := []struct {
		n, cols, rows int
	}{
		{3, 2, 3},
		{6, 2, 3},
		{9, 3, 3},
		{12, 3, 4},
		{15, 3, 5},
	}
	for _, tc := range cases {
		cols, rows := Grid(tc.n)
		if cols != tc.cols || rows != tc.rows {
			t.Fatalf("Grid(%d) = %d,%d want %d,%d", tc.n, cols, rows, tc.cols, tc.rows)
		}
	}
}

func TestComicDimensions(t *testing.T) {
	panels := fixturePanels(t, 6)
	data, err := Comic(panels, "The Gravity Hearings")
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode comic: %v", err)
	}

	cols, rows := Grid(6)
	pw := panelW + 2*border
	ph := panelH + 2*border
	wantW := cols*pw + (cols-1)*margin + 2*padding
	wantH := titleH + rows*ph + (rows-1)*margin + 2*padding
	if img.Bounds().Dx() != wantW || img.Bounds().Dy() != wantH {
		t.Fatalf("size = %dx%d, want %dx%d", img.Bounds().Dx(), img.Bounds().Dy(), wantW, wantH)
	}
}

func TestComicEmpty(t *testing.T) {
	if _, err := Comic(nil, "title"); err == nil {
		t.Fatalf("expected error for zero panels")
	}
}

func TestComicBadPanelBytes(t *testing.T) {
	_, err := Comic([]Panel{{Image: []byte("not an image")}}, "title")
	if err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestWrap(t *testing.T) {
	lines := wrap(basicfont.Face7x13, "one two three four five six seven eight nine ten", 120)
	if len(lines) < 2 {
		t.Fatalf("expected wrapping, got %d lines: %v", len(lines), lines)
	}
}

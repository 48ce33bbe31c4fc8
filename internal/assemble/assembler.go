// Package assemble composes rendered panels and their dialogue into a single
// comic image. Assembly is a pure function of its inputs; failures are
// treated as retryable by the worker.
package assemble

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strings"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Panel pairs rendered image bytes with the dialogue drawn onto it.
type Panel struct {
	Image    []byte
	Dialogue string
}

const (
	panelW, panelH = 512, 512
	border         = 4
	margin         = 8
	padding        = 20
	titleH         = 80
	bubbleH        = 110
)

var (
	pageColor   = color.RGBA{24, 24, 27, 255}
	borderColor = color.RGBA{0, 0, 0, 255}
	bubbleColor = color.RGBA{255, 255, 255, 245}
	textColor   = color.RGBA{0, 0, 0, 255}
	titleColor  = color.RGBA{255, 255, 255, 255}
)

// Grid returns the column/row layout for a panel count.
func Grid(n int) (cols, rows int) {
	switch {
	case n <= 6:
		return 2, 3
	case n <= 9:
		return 3, 3
	case n <= 12:
		return 3, 4
	default:
		return 3, (n + 2) / 3
	}
}

// Comic composes the panels into a titled grid and returns PNG bytes.
func Comic(panels []Panel, title string) ([]byte, error) {
	if len(panels) == 0 {
		return nil, fmt.Errorf("no panels to assemble")
	}
	cols, rows := Grid(len(panels))

	pw := panelW + 2*border
	ph := panelH + 2*border
	cw := cols*pw + (cols-1)*margin + 2*padding
	ch := titleH + rows*ph + (rows-1)*margin + 2*padding

	page := image.NewRGBA(image.Rect(0, 0, cw, ch))
	draw.Draw(page, page.Bounds(), image.NewUniform(pageColor), image.Point{}, draw.Src)

	drawCentered(page, title, cw, 40, titleColor)

	for i, p := range panels {
		img, err := imaging.Decode(bytes.NewReader(p.Image))
		if err != nil {
			return nil, fmt.Errorf("decode panel %d: %w", i+1, err)
		}
		resized := imaging.Resize(img, panelW, panelH, imaging.Lanczos)

		col, row := i%cols, i/cols
		x := padding + col*(pw+margin)
		y := titleH + padding + row*(ph+margin)

		// Black border behind the panel.
		borderRect := image.Rect(x, y, x+pw, y+ph)
		draw.Draw(page, borderRect, image.NewUniform(borderColor), image.Point{}, draw.Src)
		draw.Draw(page, image.Rect(x+border, y+border, x+border+panelW, y+border+panelH), resized, resized.Bounds().Min, draw.Src)

		if p.Dialogue != "" {
			drawBubble(page, p.Dialogue, x+border, y+border)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, page); err != nil {
		return nil, fmt.Errorf("encode comic: %w", err)
	}
	return buf.Bytes(), nil
}

func drawCentered(dst *image.RGBA, text string, width, baseline int, c color.Color) {
	face := basicfont.Face7x13
	w := font.MeasureString(face, text).Ceil()
	d := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P((width-w)/2, baseline),
	}
	d.DrawString(text)
}

// drawBubble paints a white dialogue strip at the bottom of a panel with
// word-wrapped text.
func drawBubble(dst *image.RGBA, text string, panelX, panelY int) {
	face := basicfont.Face7x13
	maxW := panelW - 30
	lines := wrap(face, text, maxW)
	if len(lines) == 0 {
		return
	}

	x := panelX + 10
	y := panelY + panelH - bubbleH - 10
	bw := panelW - 20
	draw.Draw(dst, image.Rect(x, y, x+bw, y+bubbleH), image.NewUniform(bubbleColor), image.Point{}, draw.Over)

	lineH := face.Metrics().Height.Ceil() + 4
	totalH := len(lines) * lineH
	startY := y + (bubbleH-totalH)/2 + face.Metrics().Ascent.Ceil()
	for i, line := range lines {
		d := font.Drawer{
			Dst:  dst,
			Src:  image.NewUniform(textColor),
			Face: face,
			Dot:  fixed.P(x+10, startY+i*lineH),
		}
		d.DrawString(line)
	}
}

func wrap(face font.Face, text string, maxW int) []string {
	var lines []string
	var cur string
	for _, word := range strings.Fields(text) {
		candidate := word
		if cur != "" {
			candidate = cur + " " + word
		}
		if font.MeasureString(face, candidate).Ceil() <= maxW {
			cur = candidate
			continue
		}
		if cur != "" {
			lines = append(lines, cur)
		}
		cur = word
	}
	if cur != "" {
		lines = append(lines, cur)
	}
	return lines
}

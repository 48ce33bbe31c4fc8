package imagegen

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
)

// Stub renders a flat-color placeholder panel, for development without a
// render server. The color is derived from the prompt so panels differ.
type Stub struct{}

func (s *Stub) Render(_ context.Context, scenePrompt string) ([]byte, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(scenePrompt))
	sum := h.Sum32()

	c := color.RGBA{
		R: uint8(sum >> 16),
		G: uint8(sum >> 8),
		B: uint8(sum),
		A: 255,
	}
	img := image.NewRGBA(image.Rect(0, 0, 512, 512))
	for y := 0; y < 512; y++ {
		for x := 0; x < 512; x++ {
			img.Set(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode stub panel: %w", err)
	}
	return buf.Bytes(), nil
}

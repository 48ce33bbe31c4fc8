// Package imagegen renders comic panels from scene descriptions.
package imagegen

import (
	"context"
	"fmt"

	"sketchy-comics/internal/config"
)

// Generator renders one panel image and returns the encoded bytes.
type Generator interface {
	Render(ctx context.Context, scenePrompt string) ([]byte, error)
}

// New selects a backend from configuration.
func New(cfg config.Config) (Generator, error) {
	switch cfg.ImageBackend {
	case "stub":
		return &Stub{}, nil
	case "comfyui":
		return NewComfyUI(cfg), nil
	default:
		return nil, fmt.Errorf("unknown image backend %q", cfg.ImageBackend)
	}
}

package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"sketchy-comics/internal/config"
)

const negativePrompt = "photograph, photo, realistic, 3d render, animal, cat, dog, bear, lion, eagle, wolf, fox, owl, bird, furry, anthropomorphic, cartoon animal, animal character, blurry, deformed, ugly, watermark, signature, black and white, grayscale, monochrome, sepia, desaturated"

// ComfyUI submits a text-to-image workflow to a ComfyUI server and polls its
// history endpoint until the output image is available.
type ComfyUI struct {
	baseURL    string
	checkpoint string
	steps      int
	timeout    time.Duration
	httpClient *http.Client
	pollEvery  time.Duration
}

// NewComfyUI builds the client from configuration.
func NewComfyUI(cfg config.Config) *ComfyUI {
	return &ComfyUI{
		baseURL:    cfg.ComfyUIURL,
		checkpoint: cfg.ComfyUICheckpoint,
		steps:      cfg.ComfyUISteps,
		timeout:    cfg.ComfyUITimeout,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		pollEvery:  time.Second,
	}
}

// Render submits the workflow and waits for the rendered panel.
func (c *ComfyUI) Render(ctx context.Context, scenePrompt string) ([]byte, error) {
	workflow := c.workflow(scenePrompt, rand.Int31n(1<<30)+1)
	body, err := json.Marshal(map[string]any{"prompt": workflow})
	if err != nil {
		return nil, fmt.Errorf("marshal workflow: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build prompt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit workflow: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("submit workflow: unexpected status %d", resp.StatusCode)
	}

	var submitted struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		return nil, fmt.Errorf("decode submit response: %w", err)
	}
	if submitted.PromptID == "" {
		return nil, fmt.Errorf("submit workflow: empty prompt_id")
	}

	return c.waitForImage(ctx, submitted.PromptID)
}

type historyEntry struct {
	Outputs map[string]struct {
		Images []struct {
			Filename  string `json:"filename"`
			Subfolder string `json:"subfolder"`
		} `json:"images"`
	} `json:"outputs"`
}

func (c *ComfyUI) waitForImage(ctx context.Context, promptID string) ([]byte, error) {
	deadline := time.Now().Add(c.timeout)
	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()

	for {
		entry, ok, err := c.history(ctx, promptID)
		if err != nil {
			return nil, err
		}
		if ok {
			out, found := entry.Outputs[saveImageNode]
			if found && len(out.Images) > 0 {
				return c.view(ctx, out.Images[0].Filename, out.Images[0].Subfolder)
			}
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("comfyui generation timed out after %s", c.timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *ComfyUI) history(ctx context.Context, promptID string) (historyEntry, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+promptID, nil)
	if err != nil {
		return historyEntry{}, false, fmt.Errorf("build history request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return historyEntry{}, false, fmt.Errorf("fetch history: %w", err)
	}
	defer resp.Body.Close()

	var hist map[string]historyEntry
	if err := json.NewDecoder(resp.Body).Decode(&hist); err != nil {
		return historyEntry{}, false, fmt.Errorf("decode history: %w", err)
	}
	entry, ok := hist[promptID]
	return entry, ok, nil
}

func (c *ComfyUI) view(ctx context.Context, filename, subfolder string) ([]byte, error) {
	params := url.Values{}
	params.Set("filename", filename)
	params.Set("subfolder", subfolder)
	params.Set("type", "output")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build view request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch image: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return data, nil
}

const saveImageNode = "9"

// workflow builds the fixed text-to-image graph the server executes.
func (c *ComfyUI) workflow(prompt string, seed int32) map[string]any {
	return map[string]any{
		"4": map[string]any{"class_type": "CheckpointLoaderSimple", "inputs": map[string]any{"ckpt_name": c.checkpoint}},
		"5": map[string]any{"class_type": "EmptyLatentImage", "inputs": map[string]any{"width": 512, "height": 512, "batch_size": 1}},
		"6": map[string]any{"class_type": "CLIPTextEncode", "inputs": map[string]any{"text": prompt, "clip": []any{"4", 1}}},
		"7": map[string]any{"class_type": "CLIPTextEncode", "inputs": map[string]any{"text": negativePrompt, "clip": []any{"4", 1}}},
		"10": map[string]any{"class_type": "FluxGuidance", "inputs": map[string]any{"guidance": 3.5, "conditioning": []any{"6", 0}}},
		"3": map[string]any{"class_type": "KSampler", "inputs": map[string]any{
			"seed": seed, "steps": c.steps, "cfg": 1.0, "sampler_name": "euler",
			"scheduler": "simple", "denoise": 1, "model": []any{"4", 0},
			"positive": []any{"10", 0}, "negative": []any{"7", 0}, "latent_image": []any{"5", 0},
		}},
		"8":           map[string]any{"class_type": "VAEDecode", "inputs": map[string]any{"samples": []any{"3", 0}, "vae": []any{"4", 2}}},
		saveImageNode: map[string]any{"class_type": "SaveImage", "inputs": map[string]any{"filename_prefix": "api_panel", "images": []any{"8", 0}}},
	}
}

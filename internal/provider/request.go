package provider

import (
	"errors"
	"fmt"
	"strings"

	"github.com/digkill/TGVideoBot/internal/models"
)

var ErrUnsupportedRequest = errors.New("unsupported generation request")

// Request is one generation job as the provider sees it.
type Request struct {
	Model         models.ModelType
	Mode          models.Mode
	Resolution    string
	Duration      int
	AspectRatio   string
	GenerateAudio bool
	Prompt        string
	ImageURL      string
}

var seedanceResolutions = map[string]bool{"480p": true, "720p": true, "1080p": true}

// route returns the submit path and JSON payload for r.
func (r Request) route() (string, map[string]any, error) {
	if strings.TrimSpace(r.Prompt) == "" && r.Mode != models.ModeImageToVideo {
		return "", nil, fmt.Errorf("%w: empty prompt", ErrUnsupportedRequest)
	}
	if r.Mode == models.ModeImageToVideo && r.ImageURL == "" {
		return "", nil, fmt.Errorf("%w: image-to-video without image", ErrUnsupportedRequest)
	}

	switch r.Model.Family() {
	case models.FamilySeedance:
		tier := "lite"
		if r.Model == models.ModelSeedancePro {
			tier = "pro"
		}
		if !seedanceResolutions[r.Resolution] {
			return "", nil, fmt.Errorf("%w: resolution %q", ErrUnsupportedRequest, r.Resolution)
		}
		mode := "t2v"
		if r.Mode == models.ModeImageToVideo {
			mode = "i2v"
		}
		payload := map[string]any{
			"prompt":   r.Prompt,
			"duration": r.Duration,
			"seed":     -1,
		}
		if r.AspectRatio != "" && r.Mode != models.ModeImageToVideo {
			payload["aspect_ratio"] = r.AspectRatio
		}
		if r.ImageURL != "" {
			payload["image"] = r.ImageURL
		}
		return fmt.Sprintf("/api/v3/bytedance/seedance-v1-%s-%s-%s", tier, mode, r.Resolution), payload, nil

	case models.FamilyVeo3:
		path := "/api/v3/google/" + string(r.Model)
		payload := map[string]any{
			"prompt":         r.Prompt,
			"duration":       models.Veo3Duration,
			"generate_audio": r.GenerateAudio,
		}
		if r.AspectRatio != "" {
			payload["aspect_ratio"] = r.AspectRatio
		}
		if r.Mode == models.ModeImageToVideo {
			path += "/image-to-video"
			payload["image"] = r.ImageURL
		}
		return path, payload, nil

	default:
		return "", nil, fmt.Errorf("%w: model %q", ErrUnsupportedRequest, r.Model)
	}
}

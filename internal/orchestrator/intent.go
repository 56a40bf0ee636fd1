package orchestrator

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/digkill/TGVideoBot/internal/models"
	"github.com/digkill/TGVideoBot/internal/provider"
)

// MaxPromptLength bounds the prompt in characters.
const MaxPromptLength = 2000

// Intent is a validated generation request handed over by the chat front-end.
type Intent struct {
	UserID        int64
	Mode          models.Mode
	Model         models.ModelType
	Resolution    string
	Duration      int
	AspectRatio   string
	GenerateAudio bool
	Prompt        string
	ImageURL      string
}

// normalize applies model defaults and rejects malformed requests.
func (i *Intent) normalize() error {
	i.Prompt = strings.TrimSpace(i.Prompt)
	switch {
	case i.UserID <= 0:
		return fmt.Errorf("missing user")
	case i.Model.Family() == "":
		return fmt.Errorf("unknown model %q", i.Model)
	case i.Mode != models.ModeTextToVideo && i.Mode != models.ModeImageToVideo:
		return fmt.Errorf("unknown mode %q", i.Mode)
	case i.Mode == models.ModeImageToVideo && i.ImageURL == "":
		return fmt.Errorf("image-to-video needs an input image")
	case i.Mode == models.ModeTextToVideo && i.Prompt == "":
		return fmt.Errorf("prompt is empty")
	case utf8.RuneCountInString(i.Prompt) > MaxPromptLength:
		return fmt.Errorf("prompt longer than %d characters", MaxPromptLength)
	}

	if i.Model.Family() == models.FamilyVeo3 {
		i.Duration = models.Veo3Duration
		if i.Resolution == "" {
			i.Resolution = "720p"
		}
	} else {
		i.GenerateAudio = false
		if i.Resolution == "" {
			i.Resolution = "720p"
		}
		if i.Duration <= 0 {
			i.Duration = 5
		}
	}
	if i.AspectRatio == "" {
		i.AspectRatio = "16:9"
	}
	return nil
}

func (i Intent) generation(cost int64) *models.Generation {
	return &models.Generation{
		Mode:          i.Mode,
		Model:         i.Model,
		Resolution:    i.Resolution,
		Duration:      i.Duration,
		AspectRatio:   i.AspectRatio,
		GenerateAudio: i.GenerateAudio,
		Prompt:        i.Prompt,
		InputImageURL: i.ImageURL,
		Cost:          cost,
	}
}

func (i Intent) request() provider.Request {
	return provider.Request{
		Model:         i.Model,
		Mode:          i.Mode,
		Resolution:    i.Resolution,
		Duration:      i.Duration,
		AspectRatio:   i.AspectRatio,
		GenerateAudio: i.GenerateAudio,
		Prompt:        i.Prompt,
		ImageURL:      i.ImageURL,
	}
}

package telegram

import (
	"sync"

	"github.com/digkill/TGVideoBot/internal/models"
	"github.com/digkill/TGVideoBot/internal/orchestrator"
)

type SessionState int

const (
	StateIdle SessionState = iota
	StateAwaitingModel
	StateAwaitingOptions
	StateAwaitingPrompt
)

type Session struct {
	State         SessionState
	Model         models.ModelType
	Duration      int
	GenerateAudio bool
	AspectRatio   string
}

func newSession() *Session {
	return &Session{State: StateIdle, AspectRatio: "16:9"}
}

// SelectModel records the model with its default clip length and moves on to the options step.
func (s *Session) SelectModel(model models.ModelType) {
	s.Model = model
	s.GenerateAudio = false
	if model.Family() == models.FamilyVeo3 {
		s.Duration = models.Veo3Duration
	} else {
		s.Duration = 5
	}
	s.State = StateAwaitingOptions
}

func defaultResolution(model models.ModelType) string {
	if model == models.ModelSeedancePro {
		return "1080p"
	}
	return "720p"
}

// Intent turns the session into a generation request. An image URL switches to image-to-video.
func (s *Session) Intent(userID int64, prompt, imageURL string) orchestrator.Intent {
	mode := models.ModeTextToVideo
	if imageURL != "" {
		mode = models.ModeImageToVideo
	}
	return orchestrator.Intent{
		UserID:        userID,
		Mode:          mode,
		Model:         s.Model,
		Resolution:    defaultResolution(s.Model),
		Duration:      s.Duration,
		AspectRatio:   s.AspectRatio,
		GenerateAudio: s.GenerateAudio,
		Prompt:        prompt,
		ImageURL:      imageURL,
	}
}

type StateManager struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
}

func NewStateManager() *StateManager {
	return &StateManager{
		sessions: make(map[int64]*Session),
	}
}

// Get returns a copy of the chat session so callers can mutate it and Set it back.
func (m *StateManager) Get(chatID int64) *Session {
	m.mu.RLock()
	session, ok := m.sessions[chatID]
	m.mu.RUnlock()
	if ok {
		cp := *session
		return &cp
	}
	return newSession()
}

func (m *StateManager) Set(chatID int64, session *Session) {
	m.mu.Lock()
	m.sessions[chatID] = session
	m.mu.Unlock()
}

func (m *StateManager) Reset(chatID int64) {
	m.mu.Lock()
	delete(m.sessions, chatID)
	m.mu.Unlock()
}

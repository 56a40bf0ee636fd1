package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/TGVideoBot/internal/config"
	"github.com/digkill/TGVideoBot/internal/ledger"
	"github.com/digkill/TGVideoBot/internal/models"
	"github.com/digkill/TGVideoBot/internal/notify"
	"github.com/digkill/TGVideoBot/internal/orchestrator"
	"github.com/digkill/TGVideoBot/internal/progress"
	"github.com/digkill/TGVideoBot/pkg/logger"
)

type fakeSender struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	failFor  func(tgbotapi.Chattable) bool
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor != nil && f.failFor(c) {
		return tgbotapi.Message{}, errors.New("telegram: bad request")
	}
	f.sent = append(f.sent, c)
	msg := tgbotapi.Message{MessageID: len(f.sent)}
	if _, ok := c.(tgbotapi.VideoConfig); ok {
		msg.Video = &tgbotapi.Video{FileID: "cached-file"}
	}
	return msg, nil
}

func (f *fakeSender) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, m.Text)
		}
	}
	return out
}

type fakeLedger struct{}

func (fakeLedger) EnsureUser(_ context.Context, p ledger.Profile) (*models.User, bool, error) {
	return &models.User{ID: p.TelegramID * 10, TelegramID: p.TelegramID, FirstName: p.FirstName, Balance: 10}, false, nil
}

type fakeOrchestrator struct {
	mu         sync.Mutex
	cancelled  []int64
	deliveries map[int64]string
}

func (f *fakeOrchestrator) Submit(context.Context, orchestrator.Intent) (*orchestrator.Job, error) {
	return nil, &orchestrator.JobError{Kind: models.ErrorUnavailable}
}

func (f *fakeOrchestrator) Cancel(generationID, _ int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, generationID)
	return true
}

func (f *fakeOrchestrator) ActiveForUser(int64) []*orchestrator.Job { return nil }

func (f *fakeOrchestrator) RecordDelivery(_ context.Context, generationID int64, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deliveries == nil {
		f.deliveries = map[int64]string{}
	}
	f.deliveries[generationID] = fileID
	return nil
}

func newTestBot(out *fakeSender) (*Bot, *fakeOrchestrator) {
	orch := &fakeOrchestrator{}
	b := NewBot(config.Config{}, nil, logger.Discard(), fakeLedger{}, orch, nil, nil)
	b.out = out
	b.broadcastPause = 0
	return b, orch
}

func callback(chatID int64, data string) *tgbotapi.CallbackQuery {
	return &tgbotapi.CallbackQuery{
		ID:      "cb",
		From:    &tgbotapi.User{ID: chatID},
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: chatID}},
		Data:    data,
	}
}

func TestRenderProgress(t *testing.T) {
	text := renderProgress(progress.Update{Percent: 42, Status: "rendering"})
	assert.Contains(t, text, "▓▓▓▓░░░░░░ 42%")
	assert.Contains(t, text, "рендеринг")

	assert.Contains(t, renderProgress(progress.Update{Percent: 150, Status: "?"}), "▓▓▓▓▓▓▓▓▓▓ 100%")
	assert.Contains(t, renderProgress(progress.Update{Percent: 0, Status: "queued"}), "░░░░░░░░░░ 0%")
}

func TestSessionIntent(t *testing.T) {
	s := newSession()
	s.SelectModel(models.ModelSeedancePro)
	in := s.Intent(7, "a cat", "")
	assert.Equal(t, models.ModeTextToVideo, in.Mode)
	assert.Equal(t, "1080p", in.Resolution)
	assert.Equal(t, 5, in.Duration)
	assert.Equal(t, "16:9", in.AspectRatio)

	s.SelectModel(models.ModelVeo3Fast)
	in = s.Intent(7, "", "https://cdn/in.png")
	assert.Equal(t, models.ModeImageToVideo, in.Mode)
	assert.Equal(t, models.Veo3Duration, in.Duration)
	assert.Equal(t, "https://cdn/in.png", in.ImageURL)
}

func TestStateManagerReturnsCopies(t *testing.T) {
	m := NewStateManager()
	s := m.Get(1)
	s.State = StateAwaitingPrompt
	assert.Equal(t, StateIdle, m.Get(1).State)

	m.Set(1, s)
	assert.Equal(t, StateAwaitingPrompt, m.Get(1).State)
	m.Reset(1)
	assert.Equal(t, StateIdle, m.Get(1).State)
}

func TestSeedanceSelectionFlow(t *testing.T) {
	out := &fakeSender{}
	b, _ := newTestBot(out)
	ctx := context.Background()

	b.promptModelSelection(5)
	assert.Equal(t, StateAwaitingModel, b.state.Get(5).State)

	b.handleCallback(ctx, callback(5, callbackModel+string(models.ModelSeedancePro)))
	s := b.state.Get(5)
	assert.Equal(t, StateAwaitingOptions, s.State)
	assert.Equal(t, models.ModelSeedancePro, s.Model)

	b.handleCallback(ctx, callback(5, callbackDuration+"10"))
	s = b.state.Get(5)
	assert.Equal(t, StateAwaitingPrompt, s.State)
	assert.Equal(t, 10, s.Duration)

	texts := out.texts()
	require.NotEmpty(t, texts)
	assert.Equal(t, "Отправьте текстовый промпт.", texts[len(texts)-1])
}

func TestVeo3AudioFlow(t *testing.T) {
	b, _ := newTestBot(&fakeSender{})
	ctx := context.Background()

	b.handleCallback(ctx, callback(5, callbackModel+string(models.ModelVeo3)))
	b.handleCallback(ctx, callback(5, callbackDuration+"10"))
	assert.Equal(t, StateAwaitingOptions, b.state.Get(5).State, "veo3 has no duration choice")

	b.handleCallback(ctx, callback(5, callbackAudio+"on"))
	s := b.state.Get(5)
	assert.Equal(t, StateAwaitingPrompt, s.State)
	assert.True(t, s.GenerateAudio)
	assert.Equal(t, models.Veo3Duration, s.Duration)
}

func TestUnknownModelCallback(t *testing.T) {
	b, _ := newTestBot(&fakeSender{})
	b.handleCallback(context.Background(), callback(5, callbackModel+"sora"))
	assert.Equal(t, StateIdle, b.state.Get(5).State)
}

func TestCancelCallback(t *testing.T) {
	b, orch := newTestBot(&fakeSender{})
	b.handleCallback(context.Background(), callback(5, callbackCancel+"42"))
	assert.Equal(t, []int64{42}, orch.cancelled)
}

func TestAdmissionRefusalKeepsSession(t *testing.T) {
	out := &fakeSender{}
	b, _ := newTestBot(out)
	ctx := context.Background()
	b.handleCallback(ctx, callback(5, callbackModel+string(models.ModelSeedanceLite)))
	b.handleCallback(ctx, callback(5, callbackDuration+"5"))

	b.handleMessage(ctx, &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 5}, From: &tgbotapi.User{ID: 5}, Text: "a robot dancing"})
	texts := out.texts()
	assert.Equal(t, "Сервис генерации временно недоступен. Попробуйте позже.", texts[len(texts)-1])
	assert.Equal(t, StateAwaitingPrompt, b.state.Get(5).State)
}

func TestAdmissionAndFailureTexts(t *testing.T) {
	rate := &orchestrator.JobError{Kind: models.ErrorRateLimited, RetryAfter: 41400 * time.Millisecond}
	assert.Equal(t, "Слишком много запросов. Попробуйте через 41 сек.", admissionText(rate))
	assert.Contains(t, admissionText(&orchestrator.JobError{Kind: models.ErrorInsufficientCredits}), "Недостаточно кредитов")
	assert.Contains(t, failureText(&orchestrator.JobError{Kind: models.ErrorContentRejected}), "модерацией")
	assert.Contains(t, failureText(&orchestrator.JobError{Kind: models.ErrorTimeout}), "я пришлю его")
	assert.Contains(t, failureText(errors.New("boom")), "внутренняя ошибка")
}

func TestNotifyBalanceAlerts(t *testing.T) {
	out := &fakeSender{}
	b, _ := newTestBot(out)
	ctx := context.Background()

	require.NoError(t, b.Notify(ctx, 1, notify.KindBalanceLow, notify.Payload{Balance: 8.5}))
	require.NoError(t, b.Notify(ctx, 1, notify.KindBalanceCritical, notify.Payload{Balance: 1}))
	require.NoError(t, b.Notify(ctx, 1, notify.KindBalanceRestored, notify.Payload{Balance: 50}))
	assert.Error(t, b.Notify(ctx, 1, notify.Kind("unknown"), notify.Payload{}))

	texts := out.texts()
	require.Len(t, texts, 3)
	assert.Contains(t, texts[0], "$8.50")
	assert.Contains(t, texts[1], "приостановлены")
	assert.Contains(t, texts[2], "восстановлен")
}

func TestNotifyRecoveredVideo(t *testing.T) {
	out := &fakeSender{}
	b, orch := newTestBot(out)

	require.NoError(t, b.Notify(context.Background(), 9, notify.KindVideoRecovered,
		notify.Payload{GenerationID: 3, VideoURL: "https://cdn/late.mp4"}))
	require.Len(t, out.sent, 1)
	video, ok := out.sent[0].(tgbotapi.VideoConfig)
	require.True(t, ok)
	assert.Equal(t, tgbotapi.FileURL("https://cdn/late.mp4"), video.File)
	assert.Equal(t, "cached-file", orch.deliveries[3])
}

func TestNotifyRecoveredFallsBackToLink(t *testing.T) {
	out := &fakeSender{failFor: func(c tgbotapi.Chattable) bool {
		_, isVideo := c.(tgbotapi.VideoConfig)
		return isVideo
	}}
	b, orch := newTestBot(out)

	require.NoError(t, b.Notify(context.Background(), 9, notify.KindVideoRecovered,
		notify.Payload{GenerationID: 3, VideoURL: "https://cdn/late.mp4"}))
	texts := out.texts()
	require.Len(t, texts, 1)
	assert.True(t, strings.HasSuffix(texts[0], "https://cdn/late.mp4"))
	assert.Empty(t, orch.deliveries)
}

func TestBroadcastCountsFailures(t *testing.T) {
	out := &fakeSender{failFor: func(c tgbotapi.Chattable) bool {
		m, ok := c.(tgbotapi.MessageConfig)
		return ok && m.ChatID == 13
	}}
	b, _ := newTestBot(out)

	ids := make([]int64, 250)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	res, err := b.Broadcast(context.Background(), ids, "новая модель!")
	require.NoError(t, err)
	assert.Equal(t, 250, res.Total)
	assert.Equal(t, 249, res.Sent)
}

func TestBroadcastStopsBetweenBatches(t *testing.T) {
	b, _ := newTestBot(&fakeSender{})
	b.broadcastPause = time.Hour

	ids := make([]int64, 150)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := b.Broadcast(ctx, ids, "hi")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, broadcastBatchSize, res.Sent)
}

package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/TGVideoBot/internal/config"
	"github.com/digkill/TGVideoBot/internal/ledger"
	"github.com/digkill/TGVideoBot/internal/models"
	"github.com/digkill/TGVideoBot/internal/orchestrator"
	"github.com/digkill/TGVideoBot/internal/service"
)

const (
	callbackModel    = "model:"
	callbackDuration = "dur:"
	callbackAudio    = "audio:"
	callbackCancel   = "cancel:"
)

var errNotImage = errors.New("not an image")

type Ledger interface {
	EnsureUser(ctx context.Context, p ledger.Profile) (*models.User, bool, error)
}

type Orchestrator interface {
	Submit(ctx context.Context, intent orchestrator.Intent) (*orchestrator.Job, error)
	Cancel(generationID, userID int64) bool
	ActiveForUser(userID int64) []*orchestrator.Job
	RecordDelivery(ctx context.Context, generationID int64, fileID string) error
}

type PromoService interface {
	Apply(ctx context.Context, userID int64, code string) (*models.Transaction, error)
}

type ImageStorage interface {
	UploadImage(ctx context.Context, userID int64, data []byte) (string, error)
}

// sender is the part of the Bot API used for outgoing messages.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type Bot struct {
	cfg     config.Config
	api     *tgbotapi.BotAPI
	out     sender
	log     *slog.Logger
	ledger  Ledger
	orch    Orchestrator
	promo   PromoService
	storage ImageStorage
	state   *StateManager

	httpClient     *http.Client
	editInterval   time.Duration
	broadcastPause time.Duration
	now            func() time.Time

	wg sync.WaitGroup
}

// NewBot wires the chat front-end. storage may be nil, which disables image-to-video.
func NewBot(cfg config.Config, api *tgbotapi.BotAPI, log *slog.Logger, l Ledger, orch Orchestrator, promo PromoService, storage ImageStorage) *Bot {
	b := &Bot{
		cfg:            cfg,
		api:            api,
		log:            log.With("component", "telegram"),
		ledger:         l,
		orch:           orch,
		promo:          promo,
		storage:        storage,
		state:          NewStateManager(),
		httpClient:     &http.Client{Timeout: 60 * time.Second},
		editInterval:   1500 * time.Millisecond,
		broadcastPause: time.Second,
		now:            time.Now,
	}
	if api != nil {
		b.out = api
	}
	return b
}

func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.log.Info("telegram bot started", "username", b.api.Self.UserName)

	for {
		select {
		case update := <-updates:
			if update.Message != nil {
				b.handleMessage(ctx, update.Message)
			} else if update.CallbackQuery != nil {
				b.handleCallback(ctx, update.CallbackQuery)
			}
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.wg.Wait()
			return nil
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if len(msg.Photo) > 0 || msg.Document != nil {
		b.handleImage(ctx, msg)
		return
	}

	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}

	session := b.state.Get(msg.Chat.ID)
	switch session.State {
	case StateAwaitingPrompt:
		b.handlePrompt(ctx, msg, session)
	case StateAwaitingModel, StateAwaitingOptions:
		b.sendText(msg.Chat.ID, "Сначала выберите параметры кнопками выше.")
	default:
		b.sendText(msg.Chat.ID, "Нажмите /video, чтобы начать генерацию.")
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start":
		user, created, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
		if err != nil {
			b.log.Error("ensure user", "err", err)
			return
		}
		greeting := fmt.Sprintf("Привет, %s!", user.FirstName)
		if created && user.WelcomeBonus > 0 {
			greeting += fmt.Sprintf(" Вам начислено %d приветственных кредитов.", user.WelcomeBonus)
		}
		text := greeting + "\n\nЯ генерирую короткие видео по тексту или по фото.\n\nКоманды:\n/video — новая генерация\n/cancel — отменить текущую генерацию\n/balance — баланс кредитов\n/promo <код> — активировать промокод"
		b.sendText(msg.Chat.ID, text)
	case "video", "generate":
		if _, _, err := b.ensureUser(ctx, msg.From, msg.Chat.ID); err != nil {
			b.log.Error("ensure user", "err", err)
			return
		}
		b.promptModelSelection(msg.Chat.ID)
	case "cancel":
		b.handleCancel(ctx, msg)
	case "promo":
		b.handlePromo(ctx, msg)
	case "balance":
		b.handleBalance(ctx, msg)
	default:
		b.sendText(msg.Chat.ID, "Неизвестная команда. Используйте /video.")
	}
}

func (b *Bot) handlePromo(ctx context.Context, msg *tgbotapi.Message) {
	user, _, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error("ensure user promo", "err", err)
		return
	}
	code := strings.TrimSpace(msg.CommandArguments())
	if code == "" {
		b.sendText(msg.Chat.ID, "Формат: /promo КОД")
		return
	}
	entry, err := b.promo.Apply(ctx, user.ID, code)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPromoInvalid):
			b.sendText(msg.Chat.ID, "Промокод недействителен.")
		case errors.Is(err, service.ErrPromoAlreadyRedeemed):
			b.sendText(msg.Chat.ID, "Этот промокод уже использован.")
		case errors.Is(err, service.ErrPromoExhausted):
			b.sendText(msg.Chat.ID, "Лимит активаций промокода исчерпан.")
		default:
			b.log.Error("apply promo", "err", err)
			b.sendText(msg.Chat.ID, "Не удалось применить промокод, попробуйте позже.")
		}
		return
	}
	b.sendText(msg.Chat.ID, fmt.Sprintf("Промокод активирован! +%d кредитов. Баланс: %d.", entry.Amount, entry.BalanceAfter))
}

func (b *Bot) handleBalance(ctx context.Context, msg *tgbotapi.Message) {
	user, _, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error("ensure user balance", "err", err)
		return
	}
	text := fmt.Sprintf("Баланс: %d кредитов\nПотрачено: %d\nПолучено бонусов: %d", user.Balance, user.CreditsSpent, user.BonusCreditsReceived)
	b.sendText(msg.Chat.ID, text)
}

func (b *Bot) handleCancel(ctx context.Context, msg *tgbotapi.Message) {
	user, _, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error("ensure user cancel", "err", err)
		return
	}
	b.state.Reset(msg.Chat.ID)
	jobs := b.orch.ActiveForUser(user.ID)
	if len(jobs) == 0 {
		b.sendText(msg.Chat.ID, "Нет активных генераций.")
		return
	}
	for _, job := range jobs {
		job.Cancel()
	}
	b.sendText(msg.Chat.ID, fmt.Sprintf("Отменяю генераций: %d. Кредиты вернутся автоматически.", len(jobs)))
}

func modelKeyboard() tgbotapi.InlineKeyboardMarkup {
	row := func(label string, model models.ModelType) []tgbotapi.InlineKeyboardButton {
		return tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(label, callbackModel+string(model)))
	}
	return tgbotapi.NewInlineKeyboardMarkup(
		row("Seedance Lite · от 10 кр.", models.ModelSeedanceLite),
		row("Seedance Pro · от 25 кр.", models.ModelSeedancePro),
		row("Veo 3 Fast · 60 кр.", models.ModelVeo3Fast),
		row("Veo 3 · 100 кр.", models.ModelVeo3),
	)
}

func optionsKeyboard(model models.ModelType) tgbotapi.InlineKeyboardMarkup {
	if model.Family() == models.FamilyVeo3 {
		return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Со звуком", callbackAudio+"on"),
			tgbotapi.NewInlineKeyboardButtonData("Без звука", callbackAudio+"off"),
		))
	}
	five, _ := orchestrator.Cost(model, 5)
	ten, _ := orchestrator.Cost(model, 10)
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("5 сек · %d кр.", five), callbackDuration+"5"),
		tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("10 сек · %d кр.", ten), callbackDuration+"10"),
	))
}

func (b *Bot) promptModelSelection(chatID int64) {
	session := newSession()
	session.State = StateAwaitingModel
	b.state.Set(chatID, session)

	msg := tgbotapi.NewMessage(chatID, "Выберите модель:")
	msg.ReplyMarkup = modelKeyboard()
	if _, err := b.out.Send(msg); err != nil {
		b.log.Error("send keyboard", "err", err)
	}
}

func (b *Bot) answer(cb *tgbotapi.CallbackQuery, text string) {
	if _, err := b.out.Request(tgbotapi.NewCallback(cb.ID, text)); err != nil {
		b.log.Error("callback ack", "err", err)
	}
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil {
		b.answer(cb, "")
		return
	}
	chatID := cb.Message.Chat.ID
	session := b.state.Get(chatID)

	switch data := cb.Data; {
	case strings.HasPrefix(data, callbackModel):
		model := models.ModelType(strings.TrimPrefix(data, callbackModel))
		if model.Family() == "" {
			b.answer(cb, "Неизвестная модель")
			return
		}
		session.SelectModel(model)
		b.state.Set(chatID, session)
		b.answer(cb, "Модель выбрана")

		prompt := "Выберите длительность:"
		if model.Family() == models.FamilyVeo3 {
			prompt = "Ролик длится 8 секунд. Генерировать звук?"
		}
		msg := tgbotapi.NewMessage(chatID, prompt)
		msg.ReplyMarkup = optionsKeyboard(model)
		if _, err := b.out.Send(msg); err != nil {
			b.log.Error("send options keyboard", "err", err)
		}

	case strings.HasPrefix(data, callbackDuration):
		seconds, err := strconv.Atoi(strings.TrimPrefix(data, callbackDuration))
		if err != nil || session.State != StateAwaitingOptions || session.Model.Family() != models.FamilySeedance {
			b.answer(cb, "Начните заново: /video")
			return
		}
		session.Duration = seconds
		b.awaitPrompt(chatID, session)
		b.answer(cb, fmt.Sprintf("%d сек", seconds))

	case strings.HasPrefix(data, callbackAudio):
		if session.State != StateAwaitingOptions || session.Model.Family() != models.FamilyVeo3 {
			b.answer(cb, "Начните заново: /video")
			return
		}
		session.GenerateAudio = strings.TrimPrefix(data, callbackAudio) == "on"
		b.awaitPrompt(chatID, session)
		b.answer(cb, "Готово")

	case strings.HasPrefix(data, callbackCancel):
		generationID, err := strconv.ParseInt(strings.TrimPrefix(data, callbackCancel), 10, 64)
		if err != nil {
			b.answer(cb, "")
			return
		}
		user, _, err := b.ensureUser(ctx, cb.From, chatID)
		if err != nil {
			b.log.Error("ensure user cancel", "err", err)
			b.answer(cb, "")
			return
		}
		if b.orch.Cancel(generationID, user.ID) {
			b.answer(cb, "Отменяю…")
		} else {
			b.answer(cb, "Генерация уже завершена")
		}

	default:
		b.answer(cb, "Неизвестный выбор")
	}
}

func (b *Bot) awaitPrompt(chatID int64, session *Session) {
	session.State = StateAwaitingPrompt
	b.state.Set(chatID, session)
	text := "Отправьте текстовый промпт."
	if b.storage != nil {
		text += " Или пришлите фото с подписью, чтобы оживить изображение."
	}
	b.sendText(chatID, text)
}

func (b *Bot) handlePrompt(ctx context.Context, msg *tgbotapi.Message, session *Session) {
	prompt := strings.TrimSpace(msg.Text)
	if prompt == "" {
		b.sendText(msg.Chat.ID, "Промпт не может быть пустым.")
		return
	}
	b.submit(ctx, msg, session, prompt, "")
}

func (b *Bot) handleImage(ctx context.Context, msg *tgbotapi.Message) {
	session := b.state.Get(msg.Chat.ID)
	if session.State != StateAwaitingPrompt {
		b.sendText(msg.Chat.ID, "Сначала выберите модель через /video.")
		return
	}
	if b.storage == nil {
		b.sendText(msg.Chat.ID, "Генерация по фото сейчас недоступна. Отправьте текстовый промпт.")
		return
	}
	user, _, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error("ensure user image", "err", err)
		return
	}

	url, err := b.uploadImage(ctx, user.ID, msg)
	if err != nil {
		if errors.Is(err, errNotImage) {
			b.sendText(msg.Chat.ID, "Это не изображение. Пришлите фото или картинку.")
			return
		}
		b.log.Error("input image upload failed", "err", err)
		b.sendText(msg.Chat.ID, "Не удалось сохранить изображение, попробуйте снова.")
		return
	}
	b.submit(ctx, msg, session, strings.TrimSpace(msg.Caption), url)
}

func (b *Bot) submit(ctx context.Context, msg *tgbotapi.Message, session *Session, prompt, imageURL string) {
	user, _, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error("ensure user prompt", "err", err)
		return
	}

	job, err := b.orch.Submit(ctx, session.Intent(user.ID, prompt, imageURL))
	if err != nil {
		if orchestrator.KindOf(err) == models.ErrorInternal {
			b.log.Error("submit generation", "user_id", user.ID, "err", err)
		}
		b.sendText(msg.Chat.ID, admissionText(err))
		return
	}
	b.state.Reset(msg.Chat.ID)

	status := tgbotapi.NewMessage(msg.Chat.ID, fmt.Sprintf("Генерация запущена, списано %d кредитов.", job.Cost()))
	status.ReplyMarkup = cancelKeyboard(job.GenerationID())
	sent, err := b.out.Send(status)
	if err != nil {
		b.log.Error("send status message", "err", err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.follow(ctx, msg.Chat.ID, sent.MessageID, job)
	}()
}

func (b *Bot) uploadImage(ctx context.Context, userID int64, msg *tgbotapi.Message) (string, error) {
	var fileID string
	switch {
	case len(msg.Photo) > 0:
		fileID = msg.Photo[len(msg.Photo)-1].FileID
	case msg.Document != nil:
		if mt := strings.ToLower(msg.Document.MimeType); mt != "" && !strings.HasPrefix(mt, "image/") {
			return "", errNotImage
		}
		fileID = msg.Document.FileID
	}

	data, err := b.downloadFile(ctx, fileID)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(http.DetectContentType(data), "image/") {
		return "", errNotImage
	}
	return b.storage.UploadImage(ctx, userID, data)
}

func (b *Bot) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("telegram file status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read file body: %w", err)
	}
	return body, nil
}

func (b *Bot) ensureUser(ctx context.Context, from *tgbotapi.User, chatID int64) (*models.User, bool, error) {
	p := ledger.Profile{TelegramID: chatID}
	if from != nil {
		p = ledger.Profile{
			TelegramID: from.ID,
			Username:   from.UserName,
			FirstName:  from.FirstName,
			LastName:   from.LastName,
			Language:   from.LanguageCode,
		}
	}
	user, created, err := b.ledger.EnsureUser(ctx, p)
	if err != nil {
		return nil, false, fmt.Errorf("ensure user: %w", err)
	}
	return user, created, nil
}

func (b *Bot) sendText(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.out.Send(msg); err != nil {
		b.log.Error("send text", "err", err)
	}
}

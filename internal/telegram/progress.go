package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/TGVideoBot/internal/models"
	"github.com/digkill/TGVideoBot/internal/orchestrator"
	"github.com/digkill/TGVideoBot/internal/progress"
)

const progressBarWidth = 10

var statusLabels = map[string]string{
	"pending":    "в очереди",
	"created":    "в очереди",
	"queued":     "в очереди",
	"starting":   "запуск",
	"processing": "генерация",
	"running":    "генерация",
	"rendering":  "рендеринг",
	"finalizing": "финализация",
	"completed":  "готово",
}

func statusLabel(status string) string {
	if label, ok := statusLabels[strings.ToLower(status)]; ok {
		return label
	}
	return "генерация"
}

func renderProgress(u progress.Update) string {
	pct := min(max(u.Percent, 0), 100)
	filled := pct * progressBarWidth / 100
	bar := strings.Repeat("▓", filled) + strings.Repeat("░", progressBarWidth-filled)
	return fmt.Sprintf("🎬 Генерация видео\n%s %d%%\nСтатус: %s", bar, pct, statusLabel(u.Status))
}

// admissionText explains why a submission was refused. Nothing was charged.
func admissionText(err error) string {
	switch orchestrator.KindOf(err) {
	case models.ErrorForbidden:
		return "Доступ к генерации ограничен."
	case models.ErrorRateLimited:
		var jerr *orchestrator.JobError
		if errors.As(err, &jerr) && jerr.RetryAfter > 0 {
			return fmt.Sprintf("Слишком много запросов. Попробуйте через %d сек.", int(jerr.RetryAfter.Round(time.Second).Seconds()))
		}
		return "Слишком много запросов. Попробуйте позже."
	case models.ErrorUnavailable:
		return "Сервис генерации временно недоступен. Попробуйте позже."
	case models.ErrorInsufficientCredits:
		return "Недостаточно кредитов. Используйте /promo, чтобы активировать промокод."
	case models.ErrorInvalidIntent:
		return "Некорректный запрос: проверьте промпт (до 2000 символов) и параметры."
	default:
		return "Не удалось запустить генерацию, попробуйте позже."
	}
}

// failureText explains why an admitted job ended without a video. Its credits are back.
func failureText(err error) string {
	switch orchestrator.KindOf(err) {
	case models.ErrorContentRejected:
		return "Запрос отклонён модерацией. Измените промпт или изображение. Кредиты возвращены."
	case models.ErrorTimeout:
		return "Генерация заняла слишком много времени. Кредиты возвращены. Если видео всё же будет готово, я пришлю его."
	case models.ErrorCancelled:
		return "Генерация отменена. Кредиты возвращены."
	case models.ErrorUpstream:
		return "Сервис генерации вернул ошибку. Кредиты возвращены, попробуйте ещё раз."
	case models.ErrorUnavailable:
		return "Сервис генерации временно недоступен. Кредиты возвращены."
	default:
		return "Произошла внутренняя ошибка. Кредиты возвращены."
	}
}

func cancelKeyboard(generationID int64) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("Отменить", fmt.Sprintf("%s%d", callbackCancel, generationID)),
	))
}

// follow mirrors job progress into one status message, then delivers the outcome.
func (b *Bot) follow(ctx context.Context, chatID int64, messageID int, job *orchestrator.Job) {
	keyboard := cancelKeyboard(job.GenerationID())
	lastText := ""
	var lastEdit time.Time

	for u := range job.Progress() {
		text := renderProgress(u)
		if text == lastText {
			continue
		}
		if u.Percent < 100 && b.now().Sub(lastEdit) < b.editInterval {
			continue
		}
		edit := tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, text, keyboard)
		if _, err := b.out.Request(edit); err != nil {
			b.log.Debug("edit progress", "chat_id", chatID, "err", err)
		}
		lastText = text
		lastEdit = b.now()
	}

	res, err := job.Wait(context.WithoutCancel(ctx))
	if err != nil {
		b.editText(chatID, messageID, failureText(err))
		return
	}
	b.editText(chatID, messageID, renderProgress(progress.Update{Percent: 100, Status: "completed"}))
	b.deliverVideo(ctx, chatID, res)
}

func (b *Bot) deliverVideo(ctx context.Context, chatID int64, res *orchestrator.Result) {
	var video tgbotapi.VideoConfig
	if len(res.Video) > 0 {
		video = tgbotapi.NewVideo(chatID, tgbotapi.FileBytes{
			Name:  fmt.Sprintf("video_%d.mp4", res.GenerationID),
			Bytes: res.Video,
		})
	} else {
		video = tgbotapi.NewVideo(chatID, tgbotapi.FileURL(res.ArtifactURL))
	}
	video.Caption = "Готово! Ваше видео."

	msg, err := b.out.Send(video)
	if err != nil {
		b.log.Error("send video", "chat_id", chatID, "generation_id", res.GenerationID, "err", err)
		b.sendText(chatID, "Не удалось отправить файл, вот ссылка на видео:\n"+res.ArtifactURL)
		return
	}
	if msg.Video != nil {
		if err := b.orch.RecordDelivery(context.WithoutCancel(ctx), res.GenerationID, msg.Video.FileID); err != nil {
			b.log.Warn("record delivery", "generation_id", res.GenerationID, "err", err)
		}
	}
}

func (b *Bot) editText(chatID int64, messageID int, text string) {
	if _, err := b.out.Request(tgbotapi.NewEditMessageText(chatID, messageID, text)); err != nil {
		b.log.Debug("edit message", "chat_id", chatID, "err", err)
	}
}

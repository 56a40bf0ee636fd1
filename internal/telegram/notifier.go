package telegram

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/TGVideoBot/internal/notify"
)

const broadcastBatchSize = 100

var _ notify.Notifier = (*Bot)(nil)

// Notify delivers core notifications: recovered videos to users, balance alerts to admins.
func (b *Bot) Notify(ctx context.Context, chatID int64, kind notify.Kind, p notify.Payload) error {
	var text string
	switch kind {
	case notify.KindVideoRecovered:
		return b.sendRecovered(ctx, chatID, p)
	case notify.KindBalanceLow:
		text = fmt.Sprintf("⚠️ Баланс провайдера низкий: $%.2f", p.Balance)
	case notify.KindBalanceCritical:
		text = fmt.Sprintf("🚨 Баланс провайдера критический: $%.2f. Новые генерации приостановлены.", p.Balance)
	case notify.KindBalanceRestored:
		text = fmt.Sprintf("✅ Баланс провайдера восстановлен: $%.2f", p.Balance)
	}
	if p.Text != "" {
		text = p.Text
	}
	if text == "" {
		return fmt.Errorf("notify %s: empty message", kind)
	}
	if _, err := b.out.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("notify %s: %w", kind, err)
	}
	return nil
}

func (b *Bot) sendRecovered(ctx context.Context, chatID int64, p notify.Payload) error {
	const caption = "Ваше видео всё-таки готово! Кредиты за него уже были возвращены, так что оно бесплатно."

	video := tgbotapi.NewVideo(chatID, tgbotapi.FileURL(p.VideoURL))
	video.Caption = caption
	video.SupportsStreaming = true
	msg, err := b.out.Send(video)
	if err != nil {
		b.log.Warn("send recovered video, falling back to link", "chat_id", chatID, "err", err)
		if _, err := b.out.Send(tgbotapi.NewMessage(chatID, caption+"\n"+p.VideoURL)); err != nil {
			return fmt.Errorf("notify recovered video: %w", err)
		}
		return nil
	}
	if msg.Video != nil && p.GenerationID != 0 {
		if err := b.orch.RecordDelivery(ctx, p.GenerationID, msg.Video.FileID); err != nil {
			b.log.Warn("record delivery", "generation_id", p.GenerationID, "err", err)
		}
	}
	return nil
}

type BroadcastResult struct {
	Sent  int `json:"sent"`
	Total int `json:"total"`
}

// Broadcast sends text to every chat in batches, pausing between batches to stay
// under the platform flood limits.
func (b *Bot) Broadcast(ctx context.Context, chatIDs []int64, text string) (BroadcastResult, error) {
	res := BroadcastResult{Total: len(chatIDs)}
	for i, id := range chatIDs {
		if i > 0 && i%broadcastBatchSize == 0 {
			timer := time.NewTimer(b.broadcastPause)
			select {
			case <-ctx.Done():
				timer.Stop()
				return res, ctx.Err()
			case <-timer.C:
			}
		}
		if _, err := b.out.Send(tgbotapi.NewMessage(id, text)); err != nil {
			b.log.Error("send broadcast", "user", id, "err", err)
			continue
		}
		res.Sent++
	}
	b.log.Info("broadcast finished", "sent", res.Sent, "total", res.Total)
	return res, nil
}

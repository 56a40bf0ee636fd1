// Package notify is the boundary between the core and whatever delivers messages to people.
package notify

import (
	"context"
	"log/slog"
)

type Kind string

const (
	KindVideoRecovered  Kind = "video_recovered"
	KindBalanceLow      Kind = "balance_low"
	KindBalanceCritical Kind = "balance_critical"
	KindBalanceRestored Kind = "balance_restored"
)

type Payload struct {
	GenerationID int64
	VideoURL     string
	Balance      float64
	Text         string
}

// Notifier delivers one message to a chat.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, kind Kind, payload Payload) error
}

// LogNotifier writes notifications to the log; used by the CLI when no chat transport runs.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, chatID int64, kind Kind, payload Payload) error {
	n.Log.InfoContext(ctx, "notification", "chat_id", chatID, "kind", kind,
		"generation_id", payload.GenerationID, "balance", payload.Balance, "text", payload.Text)
	return nil
}

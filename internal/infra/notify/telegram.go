// Package notify sends best-effort ops alerts to the admin Telegram chat.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/contentpilot/tokenmeter/internal/domain/costs"
	"github.com/contentpilot/tokenmeter/internal/domain/plans"
)

type Telegram struct {
	api    *tgbotapi.BotAPI
	chatID int64
	log    *slog.Logger
}

func NewTelegram(token string, chatID int64, log *slog.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return &Telegram{api: api, chatID: chatID, log: log}, nil
}

func (t *Telegram) send(text string) {
	if _, err := t.api.Send(tgbotapi.NewMessage(t.chatID, text)); err != nil {
		t.log.Warn("telegram alert failed", "err", err)
	}
}

// BudgetExhausted is called when a debit is rejected for lack of tokens.
func (t *Telegram) BudgetExhausted(_ context.Context, accountID string, action costs.ActionKind, tokens int64) {
	t.send(fmt.Sprintf("account %s rejected: %s needs %d tokens over budget", accountID, action, tokens))
}

// PlanChanged is called after an admin plan switch.
func (t *Telegram) PlanChanged(_ context.Context, accountID string, kind plans.Kind) {
	t.send(fmt.Sprintf("account %s moved to plan %s", accountID, kind))
}

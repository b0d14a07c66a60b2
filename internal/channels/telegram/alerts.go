package telegram

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// Alerts forwards log lines to the operators' chat. It implements
// logx.AlertSender.
type Alerts struct {
	bot *tele.Bot
	to  chat
}

func NewAlerts(apiURL, token, chatID string) (*Alerts, error) {
	if strings.TrimSpace(token) == "" || strings.TrimSpace(chatID) == "" {
		return nil, errors.New("telegram alerts: token and chat id are required")
	}
	b, err := newBot(apiURL, token, nil)
	if err != nil {
		return nil, err
	}
	return &Alerts{bot: b, to: chat(chatID)}, nil
}

func (a *Alerts) SendAlert(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := a.bot.Send(a.to, text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}

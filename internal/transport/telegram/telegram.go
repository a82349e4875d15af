// Package telegram is a reference Transport adapter that delivers
// notifications as Telegram messages. The destination token is the
// chat id.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"notifyd/internal/transport"
)

type Config struct {
	Token string
}

type Adapter struct {
	bot *tele.Bot
}

func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	// Send-only: no poller, we never consume updates.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Synchronous: true})
	if err != nil {
		return nil, err
	}
	return &Adapter{bot: b}, nil
}

func (a *Adapter) Send(ctx context.Context, msg transport.Message) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(msg.Token), 10, 64)
	if err != nil {
		return transport.Terminal(fmt.Errorf("destination token %q is not a chat id: %w", msg.Token, err))
	}

	text := msg.Body
	if msg.Title != "" {
		text = "*" + msg.Title + "*\n" + msg.Body
	}
	opts := &tele.SendOptions{
		ParseMode:             tele.ModeMarkdown,
		DisableWebPagePreview: true,
	}
	if msg.Priority >= 8 {
		// High-priority deliveries should make the device ring.
		opts.DisableNotification = false
	}

	_, err = a.bot.Send(tele.ChatID(chatID), text, opts)
	if err == nil {
		return nil
	}
	return classify(err)
}

// classify maps telebot errors to the dispatcher's retry taxonomy.
func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return transport.RetryAfter(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	var fe *tele.Error
	if errors.As(err, &fe) {
		switch {
		case fe.Code >= 500:
			return err // gateway-side, retryable
		case fe.Code >= 400:
			// Bad chat id, blocked bot, malformed message: retrying cannot help.
			return transport.Terminal(err)
		}
	}
	return err
}

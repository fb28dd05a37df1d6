package delivery

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramMessenger sends messages through the Telegram bot API.
// Recipients are chat IDs.
type TelegramMessenger struct {
	bot *tgbotapi.BotAPI
}

func NewTelegramMessenger(bot *tgbotapi.BotAPI) *TelegramMessenger {
	return &TelegramMessenger{bot: bot}
}

func parseChatID(recipient string) (int64, error) {
	id, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("Invalid chat ID '%v'", recipient)
	}
	return id, nil
}

// The bot API has no context support, so ctx is only checked before sending
func (m *TelegramMessenger) SendText(ctx context.Context, recipient, text string) error {
	chatID, err := parseChatID(recipient)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err = m.bot.Send(tgbotapi.NewMessage(chatID, text))
	return err
}

func (m *TelegramMessenger) SendPhoto(ctx context.Context, recipient, filename string, jpeg []byte) error {
	chatID, err := parseChatID(recipient)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: filename, Bytes: jpeg})
	_, err = m.bot.Send(photo)
	return err
}

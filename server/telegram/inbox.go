package telegram

// Package telegram runs a bot that saves the images people send it into the inbox directory.
// Each image is accompanied by a sidecar file holding the chat ID, so that results can be sent back.

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/snapdetect/pkg/iox"
	"github.com/cyclopcam/snapdetect/server/delivery"
	"github.com/cyclopcam/snapdetect/server/sources"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	ReceivedText    = "Image received. Open the web page and click 'Check for new images' to run detection."
	NotAnImageText  = "Please send a photo, or an image file (jpg, png, bmp, webp)."
	DownloadErrText = "Sorry, I could not download that image."
)

// Maximum size of an image file that we'll download
const maxDownloadBytes = 20 * 1024 * 1024

// Seconds that a getUpdates long poll waits for new messages
const pollTimeout = 30

type InboxBot struct {
	log          logs.Log
	bot          *tgbotapi.BotAPI
	inboxDir     string
	client       *http.Client
	fileEndpoint string // Sprintf format of a file download URL, taking the token and the file path
}

func NewInboxBot(log logs.Log, bot *tgbotapi.BotAPI, inboxDir string) *InboxBot {
	return &InboxBot{
		log:          logs.NewPrefixLogger(log, "telegram:"),
		bot:          bot,
		inboxDir:     inboxDir,
		client:       &http.Client{Timeout: 60 * time.Second},
		fileEndpoint: tgbotapi.FileEndpoint,
	}
}

// Run long-polls for updates until ctx is cancelled.
// Run returns as soon as ctx is cancelled. The receiver goroutine inside the bot API
// may still be waiting on its last poll, and exits when that poll returns.
func (b *InboxBot) Run(ctx context.Context) {
	b.log.Infof("Polling for messages to @%v", b.bot.Self.UserName)
	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	updates := b.bot.GetUpdatesChan(u)
	defer b.bot.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			b.log.Infof("Polling stopped")
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			b.handleUpdate(ctx, upd)
		}
	}
}

func (b *InboxBot) handleUpdate(ctx context.Context, upd tgbotapi.Update) {
	msg := upd.Message
	if msg == nil {
		return
	}
	fileID, ok := imageFileID(msg)
	if !ok {
		if msg.Text != "" {
			b.send(msg.Chat.ID, NotAnImageText)
		}
		return
	}
	name, err := b.acceptImage(ctx, msg.Chat.ID, fileID)
	if err != nil {
		b.log.Errorf("Failed to accept image from chat %v: %v", msg.Chat.ID, err)
		b.send(msg.Chat.ID, DownloadErrText)
		return
	}
	b.log.Infof("Saved image from chat %v as %v", msg.Chat.ID, name)
	b.send(msg.Chat.ID, ReceivedText)
}

// Return the file ID of the image in a message, if any.
// For photos we pick the largest size.
func imageFileID(msg *tgbotapi.Message) (string, bool) {
	if len(msg.Photo) != 0 {
		return msg.Photo[len(msg.Photo)-1].FileID, true
	}
	if msg.Document != nil && sources.IsSupportedExtension(msg.Document.FileName) {
		return msg.Document.FileID, true
	}
	return "", false
}

func (b *InboxBot) acceptImage(ctx context.Context, chatID int64, fileID string) (string, error) {
	file, err := b.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return "", err
	}
	url := fmt.Sprintf(b.fileEndpoint, b.bot.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP error %v", resp.Status)
	}
	ext := filepath.Ext(file.FilePath)
	if !sources.IsSupportedExtension(file.FilePath) {
		ext = ".jpg"
	}
	return SaveInboxImage(b.inboxDir, chatID, ext, io.LimitReader(resp.Body, maxDownloadBytes), time.Now())
}

// SaveInboxImage writes an image into the inbox directory, as <unix nanoseconds><ext>.
// The chat ID sidecar is written first, so that anybody who sees the image can also see its sidecar.
func SaveInboxImage(inboxDir string, chatID int64, ext string, r io.Reader, now time.Time) (string, error) {
	name := strconv.FormatInt(now.UnixNano(), 10) + ext
	path := filepath.Join(inboxDir, name)
	if err := delivery.WriteRecipient(path, strconv.FormatInt(chatID, 10)); err != nil {
		return "", err
	}
	if err := iox.WriteStreamAtomic(path, r); err != nil {
		return "", err
	}
	return name, nil
}

func (b *InboxBot) send(chatID int64, text string) {
	if _, err := b.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.log.Warnf("Failed to send message to chat %v: %v", chatID, err)
	}
}

package delivery

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cyclopcam/logs"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/require"
)

type botCall struct {
	method string
	chatID string
	text   string
	photo  int // size of the uploaded photo
}

func fakeBotAPI(t *testing.T) (*tgbotapi.BotAPI, func() []botCall) {
	var lock sync.Mutex
	calls := []botCall{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := path.Base(r.URL.Path)
		result := `{"message_id":2,"date":0,"chat":{"id":42,"type":"private"}}`
		switch method {
		case "getMe":
			result = `{"id":1,"is_bot":true,"first_name":"Snap","username":"snapbot"}`
		case "sendMessage", "sendPhoto":
			c := botCall{method: method, chatID: r.FormValue("chat_id"), text: r.FormValue("text")}
			if f, h, err := r.FormFile("photo"); err == nil {
				c.photo = int(h.Size)
				f.Close()
			}
			lock.Lock()
			calls = append(calls, c)
			lock.Unlock()
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"ok":true,"result":%s}`, result)
	}))
	t.Cleanup(srv.Close)
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint("123:abc", srv.URL+"/bot%s/%s")
	require.NoError(t, err)
	return bot, func() []botCall {
		lock.Lock()
		defer lock.Unlock()
		return append([]botCall{}, calls...)
	}
}

func TestTelegramMessenger(t *testing.T) {
	bot, calls := fakeBotAPI(t)
	source := filepath.Join(t.TempDir(), "1700000000.jpg")
	require.NoError(t, WriteRecipient(source, "42\n"))

	d := NewDeliverer(logs.NewTestingLog(t), NewTelegramMessenger(bot))
	recipient, err := d.Deliver(context.Background(), source, "job-1.jpg", []byte("result jpeg"))
	require.NoError(t, err)
	require.Equal(t, "42", recipient)
	require.Equal(t, []botCall{
		{method: "sendMessage", chatID: "42", text: NoticeText},
		{method: "sendPhoto", chatID: "42", photo: len("result jpeg")},
	}, calls())

	m := NewTelegramMessenger(bot)
	require.Error(t, m.SendText(context.Background(), "not-a-chat", "hi"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, m.SendPhoto(ctx, "42", "job-1.jpg", []byte("x")), context.Canceled)
	require.Len(t, calls(), 2)
}

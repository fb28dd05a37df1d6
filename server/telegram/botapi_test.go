package telegram

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	Method string
	ChatID string
	Text   string
}

// fakeBotAPI is a minimal Telegram Bot API server.
// getUpdates hands out queued updates, and otherwise long-polls until the test ends.
type fakeBotAPI struct {
	srv      *httptest.Server
	release  chan struct{}
	polls    atomic.Int32
	fileData []byte

	lock    sync.Mutex
	pending []string // JSON of updates for the next getUpdates
	sent    []sentMessage
}

func newFakeBotAPI(t *testing.T) *fakeBotAPI {
	api := &fakeBotAPI{
		release:  make(chan struct{}),
		fileData: []byte("fake png"),
	}
	api.srv = httptest.NewServer(http.HandlerFunc(api.serve))
	t.Cleanup(func() {
		close(api.release)
		api.srv.Close()
	})
	return api
}

func reply(w http.ResponseWriter, result string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"ok":true,"result":%s}`, result)
}

func (api *fakeBotAPI) serve(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/file/") {
		w.Write(api.fileData)
		return
	}
	switch path.Base(r.URL.Path) {
	case "getMe":
		reply(w, `{"id":1,"is_bot":true,"first_name":"Snap","username":"snapbot"}`)
	case "getUpdates":
		api.polls.Add(1)
		api.lock.Lock()
		pending := api.pending
		api.pending = nil
		api.lock.Unlock()
		if len(pending) != 0 {
			reply(w, "["+strings.Join(pending, ",")+"]")
			return
		}
		select {
		case <-api.release:
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
		reply(w, "[]")
	case "getFile":
		reply(w, `{"file_id":"big","file_unique_id":"b","file_path":"photos/file_1.png"}`)
	case "sendMessage", "sendPhoto":
		api.lock.Lock()
		api.sent = append(api.sent, sentMessage{Method: path.Base(r.URL.Path), ChatID: r.FormValue("chat_id"), Text: r.FormValue("text")})
		api.lock.Unlock()
		reply(w, `{"message_id":2,"date":0,"chat":{"id":42,"type":"private"}}`)
	default:
		http.Error(w, `{"ok":false,"description":"unknown method"}`, http.StatusNotFound)
	}
}

func (api *fakeBotAPI) queueUpdate(update string) {
	api.lock.Lock()
	defer api.lock.Unlock()
	api.pending = append(api.pending, update)
}

func (api *fakeBotAPI) sentMessages() []sentMessage {
	api.lock.Lock()
	defer api.lock.Unlock()
	return append([]sentMessage{}, api.sent...)
}

func (api *fakeBotAPI) newBot(t *testing.T) *tgbotapi.BotAPI {
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint("123:abc", api.srv.URL+"/bot%s/%s")
	require.NoError(t, err)
	return bot
}

package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/aibotto/pkg/aibotto/channels"
)

// fakeAPI records Bot API calls and serves canned responses.
type fakeAPI struct {
	mu       sync.Mutex
	calls    []apiRequest
	updates  []tgUpdate
	served   bool
	reject   map[string]string // method -> description
	rejectMD bool
}

type apiRequest struct {
	Method  string
	Payload map[string]any
}

func (f *fakeAPI) handler(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	var payload map[string]any
	_ = json.NewDecoder(r.Body).Decode(&payload)

	f.mu.Lock()
	f.calls = append(f.calls, apiRequest{Method: method, Payload: payload})
	desc, rejected := f.reject[method]
	_, hasMarkdown := payload["parse_mode"]
	rejectMD := f.rejectMD && hasMarkdown
	var updates []tgUpdate
	if method == "getUpdates" && !f.served {
		updates = f.updates
		f.served = true
	}
	f.mu.Unlock()

	reply := func(result any) {
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
	}
	fail := func(d string) {
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": d})
	}

	switch {
	case rejected:
		fail(desc)
	case rejectMD:
		fail("Bad Request: can't parse entities: unexpected end")
	case method == "getMe":
		reply(tgUser{ID: 42, Username: "aibotto_bot", IsBot: true})
	case method == "getUpdates":
		if updates == nil {
			select {
			case <-r.Context().Done():
			case <-time.After(20 * time.Millisecond):
			}
			updates = []tgUpdate{}
		}
		reply(updates)
	case method == "sendMessage":
		reply(map[string]any{"message_id": 777})
	default:
		reply(true)
	}
}

func (f *fakeAPI) callsTo(method string) []apiRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []apiRequest
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func newTestTelegram(t *testing.T, api *fakeAPI, mutate func(*Config)) *Telegram {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(api.handler))
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.Token = "TEST"
	cfg.APIBaseURL = srv.URL
	cfg.PollTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	tg := New(cfg, nil)
	if err := tg.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { tg.Disconnect() })
	return tg
}

func textUpdate(id, chatID int64, chatType, text string) tgUpdate {
	return tgUpdate{
		UpdateID: id,
		Message: &tgMessage{
			MessageID: id * 10,
			From:      &tgUser{ID: 1001, FirstName: "Ada", LastName: "L"},
			Chat:      tgChat{ID: chatID, Type: chatType},
			Date:      1700000000,
			Text:      text,
		},
	}
}

func TestConnect_RequiresToken(t *testing.T) {
	t.Parallel()
	tg := New(DefaultConfig(), nil)
	if err := tg.Connect(context.Background()); err == nil {
		t.Fatal("expected error without token")
	}
}

func TestConnect_DropsPendingUpdates(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	tg := newTestTelegram(t, api, nil)
	if !tg.IsConnected() {
		t.Fatal("not connected")
	}
	calls := api.callsTo("deleteWebhook")
	if len(calls) != 1 || calls[0].Payload["drop_pending_updates"] != true {
		t.Errorf("deleteWebhook calls = %+v", calls)
	}
}

func TestPolling_DeliversTextMessages(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{updates: []tgUpdate{
		{UpdateID: 1, Message: &tgMessage{MessageID: 5, Chat: tgChat{ID: 9, Type: "private"}}}, // no text
		textUpdate(2, 9, "private", "hello"),
		textUpdate(3, 555, "private", "not allowed"),
		textUpdate(4, -77, "supergroup", "group hi"),
	}}
	tg := newTestTelegram(t, api, func(c *Config) {
		c.AllowedChats = []int64{9, -77}
		c.RespondToGroups = false
	})

	select {
	case msg := <-tg.Receive():
		if msg.Content != "hello" || msg.ChatID != "9" || msg.From != "1001" || msg.FromName != "Ada L" {
			t.Errorf("msg = %+v", msg)
		}
		if msg.ID != "20" || msg.Channel != "telegram" || msg.IsGroup {
			t.Errorf("msg meta = %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	select {
	case msg := <-tg.Receive():
		t.Errorf("unexpected message %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}

	if tg.Health().LastMessageAt.IsZero() {
		t.Error("health did not record last message")
	}
}

func TestSendTracked(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	tg := newTestTelegram(t, api, nil)

	id, err := tg.SendTracked(context.Background(), "9", &channels.OutgoingMessage{Content: "hi", ReplyTo: "20"})
	if err != nil {
		t.Fatalf("SendTracked: %v", err)
	}
	if id != "777" {
		t.Errorf("id = %q", id)
	}
	calls := api.callsTo("sendMessage")
	if len(calls) != 1 {
		t.Fatalf("sendMessage calls = %d", len(calls))
	}
	p := calls[0].Payload
	if p["chat_id"] != float64(9) || p["text"] != "hi" || p["parse_mode"] != nil {
		t.Errorf("payload = %+v", p)
	}
	if p["reply_parameters"] == nil {
		t.Error("reply_parameters missing")
	}
}

func TestSend_MarkdownFallsBackToPlain(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{rejectMD: true}
	tg := newTestTelegram(t, api, nil)

	if err := tg.Send(context.Background(), "9", &channels.OutgoingMessage{Content: "*broken", Markdown: true}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	calls := api.callsTo("sendMessage")
	if len(calls) != 2 {
		t.Fatalf("sendMessage calls = %d, want 2", len(calls))
	}
	if calls[0].Payload["parse_mode"] != "Markdown" || calls[1].Payload["parse_mode"] != nil {
		t.Errorf("parse modes = %v, %v", calls[0].Payload["parse_mode"], calls[1].Payload["parse_mode"])
	}
}

func TestSend_Errors(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{reject: map[string]string{"sendMessage": "Forbidden: bot was blocked by the user"}}
	tg := newTestTelegram(t, api, nil)

	err := tg.Send(context.Background(), "9", &channels.OutgoingMessage{Content: "hi"})
	if !errors.Is(err, channels.ErrSendFailed) || !strings.Contains(err.Error(), "blocked by the user") {
		t.Errorf("err = %v", err)
	}
	if err := tg.Send(context.Background(), "abc", &channels.OutgoingMessage{Content: "hi"}); err == nil {
		t.Error("expected error for invalid chat id")
	}

	off := New(DefaultConfig(), nil)
	if err := off.Send(context.Background(), "9", &channels.OutgoingMessage{Content: "hi"}); !errors.Is(err, channels.ErrChannelDisconnected) {
		t.Errorf("disconnected err = %v", err)
	}
}

func TestEditAndDelete(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	tg := newTestTelegram(t, api, nil)
	ctx := context.Background()

	if err := tg.EditMessage(ctx, "9", "777", "final answer"); err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	edits := api.callsTo("editMessageText")
	if len(edits) != 1 || edits[0].Payload["message_id"] != float64(777) || edits[0].Payload["text"] != "final answer" {
		t.Errorf("edits = %+v", edits)
	}

	if err := tg.DeleteMessage(ctx, "9", "777"); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if dels := api.callsTo("deleteMessage"); len(dels) != 1 {
		t.Errorf("deletes = %+v", dels)
	}
}

func TestEditMessage_NotModifiedIsNoop(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{reject: map[string]string{"editMessageText": "Bad Request: message is not modified"}}
	tg := newTestTelegram(t, api, nil)
	if err := tg.EditMessage(context.Background(), "9", "1", "same"); err != nil {
		t.Errorf("err = %v", err)
	}
}

func TestSendTyping(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	tg := newTestTelegram(t, api, nil)
	if err := tg.SendTyping(context.Background(), "9"); err != nil {
		t.Fatalf("SendTyping: %v", err)
	}
	calls := api.callsTo("sendChatAction")
	if len(calls) != 1 || calls[0].Payload["action"] != "typing" {
		t.Errorf("calls = %+v", calls)
	}

	quiet := newTestTelegram(t, &fakeAPI{}, func(c *Config) { c.SendTyping = false })
	if err := quiet.SendTyping(context.Background(), "9"); err != nil {
		t.Errorf("disabled typing err = %v", err)
	}
}

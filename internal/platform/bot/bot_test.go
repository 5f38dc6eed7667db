package bot

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Fake Bot API
// ---------------------------------------------------------------------------

type fakeAPI struct {
	mu        sync.Mutex
	sent      []tgbotapi.Chattable
	requests  []tgbotapi.Chattable
	made      map[string]tgbotapi.Params
	fileURL   string
	updates   chan tgbotapi.Update
	stopped   int
	sendError error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{made: map[string]tgbotapi.Params{}, updates: make(chan tgbotapi.Update, 10)}
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendError != nil {
		return tgbotapi.Message{}, f.sendError
	}
	f.sent = append(f.sent, c)
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.made[endpoint] = params
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetFileDirectURL(string) (string, error) {
	if f.fileURL == "" {
		return "", errors.New("file not found")
	}
	return f.fileURL, nil
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeAPI) StopReceivingUpdates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

func newTestGateway(api *fakeAPI) *TelegramGateway {
	return &TelegramGateway{api: api, http: http.DefaultClient, logger: zerolog.Nop()}
}

// ---------------------------------------------------------------------------
// Classification
// ---------------------------------------------------------------------------

func TestClassify(t *testing.T) {
	chat := &tgbotapi.Chat{ID: 42}
	from := &tgbotapi.User{ID: 7, UserName: "maria", FirstName: "Maria", LanguageCode: "es"}

	tests := []struct {
		name     string
		msg      *tgbotapi.Message
		wantType MessageType
		wantFile string
	}{
		{"text", &tgbotapi.Message{Chat: chat, From: from, Text: "hola"}, TypeText, ""},
		{"photo picks largest", &tgbotapi.Message{Chat: chat, Photo: []tgbotapi.PhotoSize{{FileID: "small"}, {FileID: "large"}}}, TypePhoto, "large"},
		{"voice", &tgbotapi.Message{Chat: chat, Voice: &tgbotapi.Voice{FileID: "v1", MimeType: "audio/ogg"}}, TypeVoice, "v1"},
		{"audio", &tgbotapi.Message{Chat: chat, Audio: &tgbotapi.Audio{FileID: "a1"}}, TypeAudio, "a1"},
		{"video", &tgbotapi.Message{Chat: chat, Video: &tgbotapi.Video{FileID: "vid"}}, TypeVideo, "vid"},
		{"document", &tgbotapi.Message{Chat: chat, Document: &tgbotapi.Document{FileID: "d1", FileName: "labs.PDF"}}, TypeDocument, "d1"},
		{"sticker", &tgbotapi.Message{Chat: chat, Sticker: &tgbotapi.Sticker{FileID: "s1"}}, TypeSticker, "s1"},
		{"location", &tgbotapi.Message{Chat: chat, Location: &tgbotapi.Location{Latitude: 18.5, Longitude: -72.3}}, TypeLocation, ""},
		{"other", &tgbotapi.Message{Chat: chat, Contact: &tgbotapi.Contact{PhoneNumber: "+1"}}, TypeOther, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := Classify(tgbotapi.Update{UpdateID: 1, Message: tt.msg})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if in.Type != tt.wantType {
				t.Errorf("type = %s, want %s", in.Type, tt.wantType)
			}
			if in.FileID != tt.wantFile {
				t.Errorf("file id = %q, want %q", in.FileID, tt.wantFile)
			}
			if in.ChatID != 42 {
				t.Errorf("chat id = %d", in.ChatID)
			}
		})
	}
}

func TestClassify_Command(t *testing.T) {
	msg := &tgbotapi.Message{
		Chat:     &tgbotapi.Chat{ID: 1},
		Text:     "/start 3f2b1c4e-0000-4000-8000-000000000001",
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 6}},
	}
	in, err := Classify(tgbotapi.Update{Message: msg})
	if err != nil {
		t.Fatal(err)
	}
	if in.Command != "start" || in.CommandArgs != "3f2b1c4e-0000-4000-8000-000000000001" {
		t.Errorf("command = %q args = %q", in.Command, in.CommandArgs)
	}
}

func TestClassify_NoMessage(t *testing.T) {
	if _, err := Classify(tgbotapi.Update{EditedMessage: &tgbotapi.Message{}}); !errors.Is(err, ErrNoMessage) {
		t.Errorf("expected ErrNoMessage, got %v", err)
	}
}

func TestParseUpdate(t *testing.T) {
	body := `{"update_id":10,"message":{"message_id":5,"date":1700000000,"chat":{"id":99,"type":"private"},"from":{"id":3,"first_name":"Oleh","language_code":"uk"},"text":"hello"}}`
	in, err := ParseUpdate(strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if in.ChatID != 99 || in.MessageID != 5 || in.LanguageCode != "uk" || in.Text != "hello" {
		t.Errorf("unexpected incoming: %+v", in)
	}
	if !in.SentAt.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("sent at = %s", in.SentAt)
	}

	if _, err := ParseUpdate(strings.NewReader("{")); err == nil {
		t.Error("expected decode error")
	}
}

func TestIncoming_Extension(t *testing.T) {
	tests := []struct {
		in   Incoming
		want string
	}{
		{Incoming{Type: TypePhoto}, ".jpg"},
		{Incoming{Type: TypeVoice}, ".ogg"},
		{Incoming{Type: TypeDocument, FileName: "labs.PDF"}, ".pdf"},
		{Incoming{Type: TypeDocument, MimeType: "application/pdf"}, ".pdf"},
		{Incoming{Type: TypeDocument}, ".bin"},
	}
	for _, tt := range tests {
		if got := tt.in.Extension(); got != tt.want {
			t.Errorf("Extension(%+v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Gateway
// ---------------------------------------------------------------------------

func TestNewTelegramGateway_RequiresToken(t *testing.T) {
	if _, err := NewTelegramGateway("", zerolog.Nop()); err == nil {
		t.Error("expected error for empty token")
	}
}

func TestGateway_SendText(t *testing.T) {
	api := newFakeAPI()
	g := newTestGateway(api)
	id, err := g.SendText(context.Background(), 42, "hola")
	if err != nil {
		t.Fatal(err)
	}
	if id != 1 {
		t.Errorf("message id = %d", id)
	}
	msg, ok := api.sent[0].(tgbotapi.MessageConfig)
	if !ok || msg.ChatID != 42 || msg.Text != "hola" {
		t.Errorf("unexpected chattable: %#v", api.sent[0])
	}
}

func TestGateway_SendPhoto(t *testing.T) {
	api := newFakeAPI()
	g := newTestGateway(api)
	if _, err := g.SendPhoto(context.Background(), 42, "rx.png", []byte{1, 2}, "your prescription"); err != nil {
		t.Fatal(err)
	}
	photo, ok := api.sent[0].(tgbotapi.PhotoConfig)
	if !ok || photo.Caption != "your prescription" {
		t.Errorf("unexpected chattable: %#v", api.sent[0])
	}
}

func TestGateway_SendError(t *testing.T) {
	api := newFakeAPI()
	api.sendError = errors.New("Forbidden: bot was blocked by the user")
	if _, err := newTestGateway(api).SendText(context.Background(), 1, "x"); err == nil {
		t.Error("expected error")
	}
}

func TestGateway_DownloadFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("voice-bytes"))
	}))
	defer srv.Close()

	api := newFakeAPI()
	api.fileURL = srv.URL + "/file"
	g := newTestGateway(api)

	data, err := g.DownloadFile(context.Background(), "v1")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "voice-bytes" {
		t.Errorf("data = %q", data)
	}

	api.fileURL = srv.URL + "/missing"
	if _, err := g.DownloadFile(context.Background(), "v2"); err == nil {
		t.Error("expected error for 404")
	}
}

func TestGateway_RegisterWebhook(t *testing.T) {
	api := newFakeAPI()
	if err := newTestGateway(api).RegisterWebhook("https://api.medflow.example.org/api/telegram-bot/webhook", "s3cret"); err != nil {
		t.Fatal(err)
	}
	p := api.made["setWebhook"]
	if p["secret_token"] != "s3cret" || !strings.HasSuffix(p["url"], "/webhook") {
		t.Errorf("unexpected params: %v", p)
	}
}

func TestGateway_Poll(t *testing.T) {
	api := newFakeAPI()
	g := newTestGateway(api)

	api.updates <- tgbotapi.Update{UpdateID: 1, Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 5}, Text: "one"}}
	api.updates <- tgbotapi.Update{UpdateID: 2, EditedMessage: &tgbotapi.Message{}}
	api.updates <- tgbotapi.Update{UpdateID: 3, Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 5}, Text: "two"}}

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var got []string
	handle := func(_ context.Context, in *Incoming) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, in.Text)
		if len(got) == 2 {
			cancel()
		}
		return errors.New("handler errors are logged")
	}

	err := g.Poll(ctx, 30, handle)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Errorf("handled = %v", got)
	}
	if _, ok := api.requests[0].(tgbotapi.DeleteWebhookConfig); !ok {
		t.Error("expected webhook to be removed before polling")
	}
	if api.stopped != 1 {
		t.Errorf("expected StopReceivingUpdates once, got %d", api.stopped)
	}
}

func TestMockGateway(t *testing.T) {
	m := NewMockGateway()
	m.Files["f1"] = []byte("x")
	if _, err := m.SendText(context.Background(), 1, "hi"); err != nil {
		t.Fatal(err)
	}
	if data, err := m.DownloadFile(context.Background(), "f1"); err != nil || string(data) != "x" {
		t.Errorf("download = %q, %v", data, err)
	}
	if _, err := m.DownloadFile(context.Background(), "nope"); err == nil {
		t.Error("expected error")
	}
	m.ShouldFail = true
	if _, err := m.SendText(context.Background(), 1, "hi"); err == nil {
		t.Error("expected failure")
	}
	if len(m.Sent()) != 1 {
		t.Errorf("sent = %d", len(m.Sent()))
	}
}

// Package bot connects MedFlow to the Telegram Bot API. It turns raw updates
// into Incoming messages, sends text and photos, downloads media, and runs the
// long-poll update loop.
package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// MessageType classifies an inbound Telegram message.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypePhoto    MessageType = "photo"
	TypeAudio    MessageType = "audio"
	TypeVoice    MessageType = "voice"
	TypeVideo    MessageType = "video"
	TypeDocument MessageType = "document"
	TypeSticker  MessageType = "sticker"
	TypeLocation MessageType = "location"
	TypeOther    MessageType = "other"
)

// Incoming is a Telegram message reduced to what the messaging service needs.
type Incoming struct {
	UpdateID     int
	MessageID    int
	ChatID       int64
	FromID       int64
	Username     string
	FirstName    string
	LanguageCode string
	Type         MessageType
	Text         string
	Command      string
	CommandArgs  string
	FileID       string
	FileName     string
	MimeType     string
	Latitude     float64
	Longitude    float64
	SentAt       time.Time
}

// HasMedia reports whether the message carries a downloadable file.
func (in *Incoming) HasMedia() bool {
	return in.FileID != ""
}

// Extension returns the file extension to store the media under.
func (in *Incoming) Extension() string {
	if ext := path.Ext(in.FileName); ext != "" {
		return strings.ToLower(ext)
	}
	switch in.Type {
	case TypePhoto:
		return ".jpg"
	case TypeVoice:
		return ".ogg"
	case TypeAudio:
		return ".mp3"
	case TypeVideo:
		return ".mp4"
	case TypeSticker:
		return ".webp"
	}
	if ext, ok := mimeExtensions[in.MimeType]; ok {
		return ext
	}
	return ".bin"
}

var mimeExtensions = map[string]string{
	"application/pdf": ".pdf",
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"audio/ogg":       ".ogg",
	"audio/mpeg":      ".mp3",
	"video/mp4":       ".mp4",
}

var ErrNoMessage = errors.New("update carries no message")

// ParseUpdate decodes a webhook body.
func ParseUpdate(r io.Reader) (*Incoming, error) {
	var upd tgbotapi.Update
	if err := json.NewDecoder(r).Decode(&upd); err != nil {
		return nil, fmt.Errorf("decode update: %w", err)
	}
	return Classify(upd)
}

// Classify extracts an Incoming from an update. Edited messages and other
// update kinds are rejected with ErrNoMessage.
func Classify(upd tgbotapi.Update) (*Incoming, error) {
	m := upd.Message
	if m == nil || m.Chat == nil {
		return nil, ErrNoMessage
	}

	in := &Incoming{
		UpdateID:  upd.UpdateID,
		MessageID: m.MessageID,
		ChatID:    m.Chat.ID,
		Text:      m.Text,
		SentAt:    m.Time().UTC(),
	}
	if m.From != nil {
		in.FromID = m.From.ID
		in.Username = m.From.UserName
		in.FirstName = m.From.FirstName
		in.LanguageCode = m.From.LanguageCode
	}

	switch {
	case len(m.Photo) > 0:
		in.Type = TypePhoto
		// Sizes are ordered smallest first.
		in.FileID = m.Photo[len(m.Photo)-1].FileID
		in.Text = m.Caption
	case m.Voice != nil:
		in.Type = TypeVoice
		in.FileID = m.Voice.FileID
		in.MimeType = m.Voice.MimeType
	case m.Audio != nil:
		in.Type = TypeAudio
		in.FileID = m.Audio.FileID
		in.FileName = m.Audio.FileName
		in.MimeType = m.Audio.MimeType
		in.Text = m.Caption
	case m.Video != nil:
		in.Type = TypeVideo
		in.FileID = m.Video.FileID
		in.FileName = m.Video.FileName
		in.MimeType = m.Video.MimeType
		in.Text = m.Caption
	case m.Document != nil:
		in.Type = TypeDocument
		in.FileID = m.Document.FileID
		in.FileName = m.Document.FileName
		in.MimeType = m.Document.MimeType
		in.Text = m.Caption
	case m.Sticker != nil:
		in.Type = TypeSticker
		in.FileID = m.Sticker.FileID
	case m.Location != nil:
		in.Type = TypeLocation
		in.Latitude = m.Location.Latitude
		in.Longitude = m.Location.Longitude
	case m.Text != "":
		in.Type = TypeText
		if m.IsCommand() {
			in.Command = m.Command()
			in.CommandArgs = strings.TrimSpace(m.CommandArguments())
		}
	default:
		in.Type = TypeOther
	}
	return in, nil
}

// ---------------------------------------------------------------------------
// Gateway
// ---------------------------------------------------------------------------

// Gateway is the outbound side of the bot.
type Gateway interface {
	SendText(ctx context.Context, chatID int64, text string) (int, error)
	SendPhoto(ctx context.Context, chatID int64, fileName string, data []byte, caption string) (int, error)
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
}

// botAPI is the subset of *tgbotapi.BotAPI used here.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// MaxDownloadSize caps media downloads; the Bot API serves at most 20 MB.
const MaxDownloadSize = 20 * 1024 * 1024

// TelegramGateway talks to the Bot API.
type TelegramGateway struct {
	api    botAPI
	http   *http.Client
	logger zerolog.Logger
}

// NewTelegramGateway validates the token with getMe.
func NewTelegramGateway(token string, logger zerolog.Logger) (*TelegramGateway, error) {
	if token == "" {
		return nil, errors.New("telegram bot token is required")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}
	logger.Info().Str("bot", api.Self.UserName).Msg("telegram bot authorized")
	return &TelegramGateway{
		api:    api,
		http:   &http.Client{Timeout: 60 * time.Second},
		logger: logger,
	}, nil
}

func (g *TelegramGateway) SendText(ctx context.Context, chatID int64, text string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	msg, err := g.api.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return 0, fmt.Errorf("telegram send message: %w", err)
	}
	return msg.MessageID, nil
}

func (g *TelegramGateway) SendPhoto(ctx context.Context, chatID int64, fileName string, data []byte, caption string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: fileName, Bytes: data})
	photo.Caption = caption
	msg, err := g.api.Send(photo)
	if err != nil {
		return 0, fmt.Errorf("telegram send photo: %w", err)
	}
	return msg.MessageID, nil
}

// DownloadFile resolves the file path with getFile and fetches the bytes.
func (g *TelegramGateway) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	url, err := g.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("get file url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram returned status %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxDownloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(data) > MaxDownloadSize {
		return nil, fmt.Errorf("telegram file %s exceeds %d bytes", fileID, MaxDownloadSize)
	}
	return data, nil
}

// RegisterWebhook points Telegram at url. The secret is echoed back by
// Telegram in the X-Telegram-Bot-Api-Secret-Token header.
func (g *TelegramGateway) RegisterWebhook(url, secret string) error {
	params := tgbotapi.Params{"url": url}
	params.AddNonEmpty("secret_token", secret)
	if _, err := g.api.MakeRequest("setWebhook", params); err != nil {
		return fmt.Errorf("telegram set webhook: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Update loop
// ---------------------------------------------------------------------------

// HandlerFunc processes one inbound message.
type HandlerFunc func(ctx context.Context, in *Incoming) error

// Poll removes any webhook and long-polls for updates until ctx is done.
// Handler errors are logged and do not stop the loop.
func (g *TelegramGateway) Poll(ctx context.Context, timeoutSec int, handle HandlerFunc) error {
	if _, err := g.api.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("telegram delete webhook: %w", err)
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = timeoutSec
	updates := g.api.GetUpdatesChan(u)

	var stop sync.Once
	defer stop.Do(g.api.StopReceivingUpdates)

	g.logger.Info().Int("timeout_sec", timeoutSec).Msg("telegram polling started")
	for {
		select {
		case <-ctx.Done():
			stop.Do(g.api.StopReceivingUpdates)
			g.logger.Info().Msg("telegram polling stopped")
			return ctx.Err()
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			in, err := Classify(upd)
			if err != nil {
				continue
			}
			if err := handle(ctx, in); err != nil {
				g.logger.Error().Err(err).
					Int64("chat_id", in.ChatID).
					Int("update_id", in.UpdateID).
					Msg("telegram update failed")
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Mock gateway (test double)
// ---------------------------------------------------------------------------

// SentMessage is one call recorded by MockGateway.
type SentMessage struct {
	ChatID   int64
	Text     string
	FileName string
	Data     []byte
	Caption  string
}

// MockGateway records sends and serves downloads from Files.
type MockGateway struct {
	mu         sync.Mutex
	sent       []SentMessage
	nextID     int
	Files      map[string][]byte
	ShouldFail bool
}

func NewMockGateway() *MockGateway {
	return &MockGateway{Files: map[string][]byte{}, nextID: 100}
}

func (m *MockGateway) SendText(_ context.Context, chatID int64, text string) (int, error) {
	return m.record(SentMessage{ChatID: chatID, Text: text})
}

func (m *MockGateway) SendPhoto(_ context.Context, chatID int64, fileName string, data []byte, caption string) (int, error) {
	return m.record(SentMessage{ChatID: chatID, FileName: fileName, Data: data, Caption: caption})
}

func (m *MockGateway) DownloadFile(_ context.Context, fileID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.Files[fileID]
	if !ok {
		return nil, fmt.Errorf("file %s not found", fileID)
	}
	return data, nil
}

func (m *MockGateway) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *MockGateway) record(s SentMessage) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ShouldFail {
		return 0, errors.New("telegram unavailable")
	}
	m.sent = append(m.sent, s)
	m.nextID++
	return m.nextID, nil
}

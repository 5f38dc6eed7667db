package messaging

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medflow/medflow/internal/domain/patient"
	"github.com/medflow/medflow/internal/platform/blobstore"
	"github.com/medflow/medflow/internal/platform/bot"
	"github.com/medflow/medflow/internal/platform/events"
	"github.com/medflow/medflow/internal/platform/telemetry"
)

// PatientLinker attaches a Telegram chat to a patient record.
// *patient.Service satisfies it.
type PatientLinker interface {
	LinkTelegram(ctx context.Context, patientID uuid.UUID, chatID int64) (*patient.Patient, error)
}

var (
	linkedGreeting = map[string]string{
		patient.LangEnglish:   "Hello %s! You are now connected to your MedFlow care team. You can send us messages and photos here at any time.",
		patient.LangSpanish:   "¡Hola %s! Ahora está conectado con su equipo de atención de MedFlow. Puede enviarnos mensajes y fotos aquí en cualquier momento.",
		patient.LangUkrainian: "Вітаємо, %s! Тепер ви на зв'язку зі своєю командою MedFlow. Ви можете будь-коли надсилати нам повідомлення та фото.",
	}
	welcome = map[string]string{
		patient.LangEnglish:   "Welcome to MedFlow. Please open the link your care team gave you to connect this chat.",
		patient.LangSpanish:   "Bienvenido a MedFlow. Abra el enlace que le dio su equipo de atención para conectar este chat.",
		patient.LangUkrainian: "Ласкаво просимо до MedFlow. Відкрийте посилання від вашої команди, щоб під'єднати цей чат.",
	}
	unknownPatient = map[string]string{
		patient.LangEnglish:   "We could not find your record. Please ask your care team for a new link.",
		patient.LangSpanish:   "No pudimos encontrar su expediente. Pida a su equipo de atención un nuevo enlace.",
		patient.LangUkrainian: "Ми не знайшли ваш запис. Попросіть у вашої команди нове посилання.",
	}
)

// localize picks the text for lang, falling back to English. Telegram
// language codes may carry a region ("es-MX").
func localize(texts map[string]string, lang string) string {
	lang, _, _ = strings.Cut(strings.ToLower(lang), "-")
	if t, ok := texts[lang]; ok {
		return t
	}
	return texts[patient.LangEnglish]
}

// Service relays messages between patients on Telegram and clinicians.
type Service struct {
	threads  ThreadRepository
	patients PatientLinker
	logger   zerolog.Logger

	gateway       bot.Gateway
	blobs         blobstore.BlobStore
	presignTTL    time.Duration
	webhookSecret string
	publisher     events.Publisher
	metrics       *telemetry.Metrics
	now           func() time.Time
}

func NewService(threads ThreadRepository, patients PatientLinker, logger zerolog.Logger) *Service {
	return &Service{
		threads:    threads,
		patients:   patients,
		logger:     logger.With().Str("component", "messaging").Logger(),
		presignTTL: 15 * time.Minute,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetGateway enables outbound delivery and media downloads.
func (s *Service) SetGateway(g bot.Gateway) { s.gateway = g }

func (s *Service) SetBlobStore(store blobstore.BlobStore, ttl time.Duration) {
	s.blobs = store
	if ttl > 0 {
		s.presignTTL = ttl
	}
}

func (s *Service) SetWebhookSecret(secret string)  { s.webhookSecret = secret }
func (s *Service) SetEvents(p events.Publisher)    { s.publisher = p }
func (s *Service) SetMetrics(m *telemetry.Metrics) { s.metrics = m }

// VerifyWebhookSecret compares the X-Telegram-Bot-Api-Secret-Token header
// with the configured secret. An unset secret accepts every request.
func (s *Service) VerifyWebhookSecret(got string) error {
	if s.webhookSecret == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.webhookSecret)) != 1 {
		return ErrInvalidSecret
	}
	return nil
}

func mediaKey(chatID int64, ext string) string {
	return fmt.Sprintf("telegram/%d/%s%s", chatID, uuid.NewString(), ext)
}

// -- Inbound --

// HandleIncoming records an inbound message, storing its media, and
// answers /start commands.
func (s *Service) HandleIncoming(ctx context.Context, in *bot.Incoming) error {
	msg := Message{
		ID:                uuid.New(),
		Direction:         Inbound,
		Type:              in.Type,
		Text:              in.Text,
		TelegramMessageID: in.MessageID,
		SentAt:            in.SentAt,
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = s.now()
	}
	if in.Type == bot.TypeLocation {
		msg.Text = fmt.Sprintf("%.6f,%.6f", in.Latitude, in.Longitude)
	}
	if in.HasMedia() {
		key, err := s.storeInboundMedia(ctx, in)
		if err != nil {
			s.logger.Error().Err(err).Int64("chat_id", in.ChatID).Str("type", string(in.Type)).Msg("telegram media not stored")
		}
		msg.MediaKey = key
	}

	who := Participant{ChatID: in.ChatID, Username: in.Username, FirstName: in.FirstName, Language: in.LanguageCode}
	if _, err := s.threads.AppendMessage(ctx, who, msg); err != nil {
		return fmt.Errorf("append inbound message: %w", err)
	}
	s.metrics.TelegramMessage(Inbound, string(in.Type))
	s.logger.Info().
		Int64("chat_id", in.ChatID).
		Str("type", string(in.Type)).
		Bool("media", msg.MediaKey != "").
		Msg("telegram message received")

	if in.Command == "start" {
		return s.handleStart(ctx, in)
	}
	return nil
}

func (s *Service) storeInboundMedia(ctx context.Context, in *bot.Incoming) (string, error) {
	if s.gateway == nil || s.blobs == nil {
		return "", ErrChannelUnavailable
	}
	data, err := s.gateway.DownloadFile(ctx, in.FileID)
	if err != nil {
		return "", err
	}
	contentType := in.MimeType
	if contentType == "" {
		if in.Type == bot.TypePhoto {
			contentType = "image/jpeg"
		} else {
			contentType = http.DetectContentType(data)
		}
	}
	key := mediaKey(in.ChatID, in.Extension())
	if _, err := s.blobs.Upload(ctx, key, contentType, bytes.NewReader(data)); err != nil {
		return "", err
	}
	return key, nil
}

// handleStart links the chat to the patient named in "/start <patientId>"
// and greets them in their language.
func (s *Service) handleStart(ctx context.Context, in *bot.Incoming) error {
	arg := strings.TrimSpace(in.CommandArgs)
	if arg == "" {
		return s.reply(ctx, in.ChatID, localize(welcome, in.LanguageCode))
	}
	patientID, err := uuid.Parse(arg)
	if err != nil {
		return s.reply(ctx, in.ChatID, localize(unknownPatient, in.LanguageCode))
	}

	p, err := s.patients.LinkTelegram(ctx, patientID, in.ChatID)
	if errors.Is(err, patient.ErrNotFound) {
		return s.reply(ctx, in.ChatID, localize(unknownPatient, in.LanguageCode))
	}
	if err != nil {
		return fmt.Errorf("link patient: %w", err)
	}
	if err := s.threads.LinkPatient(ctx, in.ChatID, p.ID); err != nil {
		return fmt.Errorf("link thread: %w", err)
	}

	s.logger.Info().Int64("chat_id", in.ChatID).Str("patient_id", p.ID.String()).Msg("telegram chat linked")
	events.Emit(ctx, s.publisher, s.logger, events.New(events.TelegramLinked, p.ID.String(), uuid.Nil, map[string]string{
		"chat_id": fmt.Sprint(in.ChatID),
	}))

	name := p.FirstName
	if name == "" {
		name = in.FirstName
	}
	return s.reply(ctx, in.ChatID, fmt.Sprintf(localize(linkedGreeting, p.Language), name))
}

// reply sends an automated message. Without a gateway there is nobody to
// reply through, which is not an error for inbound handling.
func (s *Service) reply(ctx context.Context, chatID int64, text string) error {
	if s.gateway == nil {
		return nil
	}
	_, err := s.SendText(ctx, chatID, text, nil)
	return err
}

// -- Outbound --

// SendText delivers text to the chat and records it on the thread.
// sender is nil for automated messages.
func (s *Service) SendText(ctx context.Context, chatID int64, text string, sender *uuid.UUID) (*Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: text is required", ErrValidation)
	}
	if s.gateway == nil {
		return nil, ErrChannelUnavailable
	}
	tgID, err := s.gateway.SendText(ctx, chatID, text)
	if err != nil {
		return nil, err
	}
	msg := Message{
		ID:                uuid.New(),
		Direction:         Outbound,
		Type:              bot.TypeText,
		Text:              text,
		SenderID:          sender,
		TelegramMessageID: tgID,
		SentAt:            s.now(),
	}
	return s.recordOutbound(ctx, chatID, msg)
}

// SendPhoto stores the image, delivers it to the chat and records it.
func (s *Service) SendPhoto(ctx context.Context, chatID int64, fileName, contentType string, data []byte, caption string, sender *uuid.UUID) (*Message, error) {
	ext, ok := blobstore.ImageContentTypes[contentType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", blobstore.ErrInvalidContentType, contentType)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: photo is empty", ErrValidation)
	}
	if len(data) > blobstore.MaxFileSize {
		return nil, blobstore.ErrFileTooLarge
	}
	if s.gateway == nil {
		return nil, ErrChannelUnavailable
	}

	var key string
	if s.blobs != nil {
		key = mediaKey(chatID, ext)
		if _, err := s.blobs.Upload(ctx, key, contentType, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("store photo: %w", err)
		}
	}
	if fileName == "" {
		fileName = "photo" + ext
	}
	tgID, err := s.gateway.SendPhoto(ctx, chatID, fileName, data, strings.TrimSpace(caption))
	if err != nil {
		return nil, err
	}
	msg := Message{
		ID:                uuid.New(),
		Direction:         Outbound,
		Type:              bot.TypePhoto,
		Text:              strings.TrimSpace(caption),
		MediaKey:          key,
		SenderID:          sender,
		TelegramMessageID: tgID,
		SentAt:            s.now(),
	}
	return s.recordOutbound(ctx, chatID, msg)
}

func (s *Service) recordOutbound(ctx context.Context, chatID int64, msg Message) (*Message, error) {
	if _, err := s.threads.AppendMessage(ctx, Participant{ChatID: chatID}, msg); err != nil {
		return nil, fmt.Errorf("append outbound message: %w", err)
	}
	s.metrics.TelegramMessage(Outbound, string(msg.Type))
	return &msg, nil
}

// NotifyChat sends an automated text to a linked chat.
func (s *Service) NotifyChat(ctx context.Context, chatID int64, text string) error {
	_, err := s.SendText(ctx, chatID, text, nil)
	return err
}

// -- Reads --

func (s *Service) ListThreads(ctx context.Context, limit, offset int) ([]*Thread, int, error) {
	return s.threads.List(ctx, limit, offset)
}

func (s *Service) GetThread(ctx context.Context, chatID int64) (*Thread, error) {
	return s.threads.GetByChatID(ctx, chatID)
}

// MediaURL presigns a stored Telegram media object.
func (s *Service) MediaURL(ctx context.Context, key string) (*MediaURL, error) {
	if !strings.HasPrefix(key, "telegram/") {
		return nil, blobstore.ErrInvalidKey
	}
	if err := blobstore.ValidateKey(key); err != nil {
		return nil, err
	}
	if s.blobs == nil {
		return nil, blobstore.ErrBlobNotFound
	}
	url, err := s.blobs.PresignGet(ctx, key, s.presignTTL)
	if err != nil {
		return nil, err
	}
	return &MediaURL{Key: key, URL: url, ExpiresAt: s.now().Add(s.presignTTL)}, nil
}

package patient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medflow/medflow/internal/platform/blobstore"
	"github.com/medflow/medflow/internal/platform/events"
	"github.com/medflow/medflow/internal/platform/notification"
)

// MaxPhotoSize caps a single patient photo upload.
const MaxPhotoSize = 10 << 20

// Messenger delivers a prepared notification. *notification.Manager
// satisfies it.
type Messenger interface {
	Send(ctx context.Context, n *notification.Notification) error
}

type Service struct {
	repo   Repository
	logger zerolog.Logger

	blobs      blobstore.BlobStore
	presignTTL time.Duration
	messenger  Messenger
	publisher  events.Publisher
	now        func() time.Time
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{
		repo:       repo,
		logger:     logger.With().Str("component", "patient").Logger(),
		presignTTL: 15 * time.Minute,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetBlobStore enables photo uploads. ttl bounds the presigned URLs.
func (s *Service) SetBlobStore(store blobstore.BlobStore, ttl time.Duration) {
	s.blobs = store
	if ttl > 0 {
		s.presignTTL = ttl
	}
}

func (s *Service) SetMessenger(m Messenger)     { s.messenger = m }
func (s *Service) SetEvents(p events.Publisher) { s.publisher = p }

// Repository exposes the store to the services that work on embedded
// patient data.
func (s *Service) Repository() Repository { return s.repo }

// -- Patient --

func (s *Service) Create(ctx context.Context, author Author, req *CreateRequest) (*Patient, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	p := &Patient{
		ID:             uuid.New(),
		FirstName:      strings.TrimSpace(req.FirstName),
		LastName:       strings.TrimSpace(req.LastName),
		DateOfBirth:    req.DateOfBirth,
		Gender:         strings.TrimSpace(req.Gender),
		Phone:          strings.TrimSpace(req.Phone),
		Email:          strings.TrimSpace(req.Email),
		Location:       strings.TrimSpace(req.Location),
		Language:       req.Language,
		Status:         req.Status,
		ChiefComplaint: strings.TrimSpace(req.ChiefComplaint),
		PhotoKeys:      []string{},
		Notes:          []Note{},
		RxOrders:       []RxOrder{},
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if p.Language == "" {
		p.Language = LangEnglish
	}
	if p.Status == "" {
		p.Status = StatusIntake
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create patient: %w", err)
	}
	s.logger.Info().Str("patient_id", p.ID.String()).Str("author_id", author.ID.String()).Msg("patient created")
	events.Emit(ctx, s.publisher, s.logger, events.New(events.PatientCreated, p.ID.String(), author.ID, map[string]string{
		"status": p.Status,
	}))
	return p, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Patient, int, error) {
	if filter.Status != "" && !slices.Contains(ValidStatuses, filter.Status) {
		return nil, 0, fmt.Errorf("%w: invalid status %q", ErrValidation, filter.Status)
	}
	return s.repo.List(ctx, filter, limit, offset)
}

func (s *Service) Update(ctx context.Context, id uuid.UUID, req *UpdateRequest) (*Patient, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.repo.Mutate(ctx, id, func(p *Patient) error {
		req.apply(p)
		return nil
	})
}

// Delete removes the patient and, best-effort, their stored photos.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	if s.blobs != nil {
		for _, key := range p.PhotoKeys {
			if err := s.blobs.Delete(ctx, key); err != nil && !errors.Is(err, blobstore.ErrBlobNotFound) {
				s.logger.Error().Err(err).Str("key", key).Msg("photo cleanup failed")
			}
		}
	}
	return nil
}

// -- Notes --

func (s *Service) AddNote(ctx context.Context, patientID uuid.UUID, author Author, req *NoteRequest) (*Note, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	note := Note{
		ID:         uuid.New(),
		Type:       req.Type,
		AuthorID:   author.ID,
		AuthorName: author.Name,
		Content:    strings.TrimSpace(req.Content),
		CreatedAt:  s.now(),
	}
	if _, err := s.repo.Mutate(ctx, patientID, func(p *Patient) error {
		p.Notes = append(p.Notes, note)
		return nil
	}); err != nil {
		return nil, err
	}
	return &note, nil
}

func (s *Service) ListNotes(ctx context.Context, patientID uuid.UUID) ([]Note, error) {
	p, err := s.repo.GetByID(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if p.Notes == nil {
		return []Note{}, nil
	}
	return p.Notes, nil
}

// -- Photos --

// UploadPhoto stores an image under patients/{id}/photos/ and records its key.
func (s *Service) UploadPhoto(ctx context.Context, patientID uuid.UUID, contentType string, size int64, content io.Reader) (string, error) {
	if s.blobs == nil {
		return "", errors.New("photo storage is not configured")
	}
	ext, ok := blobstore.ImageContentTypes[contentType]
	if !ok {
		return "", fmt.Errorf("%w: %s", blobstore.ErrInvalidContentType, contentType)
	}
	if size > MaxPhotoSize {
		return "", blobstore.ErrFileTooLarge
	}
	if _, err := s.repo.GetByID(ctx, patientID); err != nil {
		return "", err
	}

	// Read one byte past the cap so an understated size is still caught.
	data, err := io.ReadAll(io.LimitReader(content, MaxPhotoSize+1))
	if err != nil {
		return "", fmt.Errorf("read photo: %w", err)
	}
	if len(data) > MaxPhotoSize {
		return "", blobstore.ErrFileTooLarge
	}

	key := fmt.Sprintf("patients/%s/photos/%s%s", patientID, uuid.NewString(), ext)
	if _, err := s.blobs.Upload(ctx, key, contentType, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("upload photo: %w", err)
	}
	if _, err := s.repo.Mutate(ctx, patientID, func(p *Patient) error {
		p.PhotoKeys = append(p.PhotoKeys, key)
		return nil
	}); err != nil {
		_ = s.blobs.Delete(context.WithoutCancel(ctx), key)
		return "", err
	}
	return key, nil
}

// PhotoURLs presigns every stored photo of the patient.
func (s *Service) PhotoURLs(ctx context.Context, patientID uuid.UUID) ([]PhotoURL, error) {
	p, err := s.repo.GetByID(ctx, patientID)
	if err != nil {
		return nil, err
	}
	out := make([]PhotoURL, 0, len(p.PhotoKeys))
	if s.blobs == nil {
		return out, nil
	}
	for _, key := range p.PhotoKeys {
		url, err := s.blobs.PresignGet(ctx, key, s.presignTTL)
		if err != nil {
			return nil, fmt.Errorf("presign %s: %w", key, err)
		}
		out = append(out, PhotoURL{Key: key, URL: url})
	}
	return out, nil
}

// -- Messaging --

// SendWhatsApp sends body to the patient's phone number.
func (s *Service) SendWhatsApp(ctx context.Context, patientID uuid.UUID, req *WhatsAppRequest) (*notification.Notification, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	p, err := s.repo.GetByID(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if p.Phone == "" {
		return nil, ErrNoPhone
	}
	if s.messenger == nil {
		return nil, notification.ErrNoSender
	}
	n := &notification.Notification{
		Channel:   notification.ChannelWhatsApp,
		Recipient: p.Phone,
		Body:      strings.TrimSpace(req.Body),
	}
	if err := s.messenger.Send(ctx, n); err != nil {
		return n, err
	}
	return n, nil
}

// LinkTelegram records chatID as the patient's Telegram chat.
func (s *Service) LinkTelegram(ctx context.Context, patientID uuid.UUID, chatID int64) (*Patient, error) {
	return s.repo.Mutate(ctx, patientID, func(p *Patient) error {
		p.TelegramChatID = &chatID
		return nil
	})
}

package patient

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Workflow states of a patient record.
const (
	StatusIntake         = "intake"
	StatusTriage         = "triage"
	StatusAwaitingDoctor = "awaiting-doctor"
	StatusInTreatment    = "in-treatment"
	StatusEvacRequested  = "evac-requested"
	StatusClosed         = "closed"
)

var ValidStatuses = []string{
	StatusIntake, StatusTriage, StatusAwaitingDoctor,
	StatusInTreatment, StatusEvacRequested, StatusClosed,
}

// Note types.
const (
	NoteTriage  = "triage"
	NoteDoctor  = "doctor"
	NoteEvac    = "evac"
	NoteGeneral = "general"
)

var ValidNoteTypes = []string{NoteTriage, NoteDoctor, NoteEvac, NoteGeneral}

// Languages patients can be greeted in.
const (
	LangEnglish   = "en"
	LangSpanish   = "es"
	LangUkrainian = "uk"
)

var SupportedLanguages = []string{LangEnglish, LangSpanish, LangUkrainian}

// RxStatus is the lifecycle state of a prescription order. Pending orders
// move to exactly one of the two terminal states.
type RxStatus string

const (
	RxPending     RxStatus = "pending"
	RxFulfilled   RxStatus = "fulfilled"
	RxInvalidated RxStatus = "invalidated"
)

// Pickup locations.
const (
	PickupPharmacy = "pharmacy"
	PickupClinic   = "clinic"
)

// Patient is the clinical record. Notes and RX orders live inside it.
type Patient struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	FirstName      string     `db:"first_name" json:"firstName"`
	LastName       string     `db:"last_name" json:"lastName"`
	DateOfBirth    *time.Time `db:"date_of_birth" json:"dateOfBirth,omitempty"`
	Gender         string     `db:"gender" json:"gender,omitempty"`
	Phone          string     `db:"phone" json:"phone,omitempty"`
	Email          string     `db:"email" json:"email,omitempty"`
	Location       string     `db:"location" json:"location,omitempty"`
	Language       string     `db:"language" json:"language"`
	Status         string     `db:"status" json:"status"`
	ChiefComplaint string     `db:"chief_complaint" json:"chiefComplaint,omitempty"`
	TelegramChatID *int64     `db:"telegram_chat_id" json:"telegramChatId,omitempty"`
	PhotoKeys      []string   `db:"photo_keys" json:"photoKeys"`
	Notes          []Note     `db:"notes" json:"notes"`
	RxOrders       []RxOrder  `db:"rx_orders" json:"rxOrders"`
	Version        int        `db:"version" json:"version"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updatedAt"`
}

func (p *Patient) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// TruncatedID is the short patient reference embedded in RX order URLs.
func (p *Patient) TruncatedID() string {
	return TruncateID(p.ID)
}

// TruncateID returns the first eight hex characters of id.
func TruncateID(id uuid.UUID) string {
	return id.String()[:8]
}

// RxOrder returns the order with the given id, or nil.
func (p *Patient) RxOrder(orderID uuid.UUID) *RxOrder {
	for i := range p.RxOrders {
		if p.RxOrders[i].ID == orderID {
			return &p.RxOrders[i]
		}
	}
	return nil
}

// Summary is the patient view shown alongside an RX order.
type Summary struct {
	ID          uuid.UUID  `json:"id"`
	TruncatedID string     `json:"truncatedId"`
	FirstName   string     `json:"firstName"`
	LastName    string     `json:"lastName"`
	DateOfBirth *time.Time `json:"dateOfBirth,omitempty"`
	Language    string     `json:"language"`
}

func (p *Patient) Summary() Summary {
	return Summary{
		ID:          p.ID,
		TruncatedID: p.TruncatedID(),
		FirstName:   p.FirstName,
		LastName:    p.LastName,
		DateOfBirth: p.DateOfBirth,
		Language:    p.Language,
	}
}

type Note struct {
	ID         uuid.UUID `json:"id"`
	Type       string    `json:"type"`
	AuthorID   uuid.UUID `json:"authorId"`
	AuthorName string    `json:"authorName"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}

// RxContent is what the prescriber wrote.
type RxContent struct {
	Diagnosis    string `json:"diagnosis,omitempty"`
	Medication   string `json:"medication"`
	Dosage       string `json:"dosage"`
	Frequency    string `json:"frequency"`
	Duration     string `json:"duration,omitempty"`
	Pickup       string `json:"pickup"`
	PharmacyName string `json:"pharmacyName,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

func (c *RxContent) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Medication) == "" {
		missing = append(missing, "medication")
	}
	if strings.TrimSpace(c.Dosage) == "" {
		missing = append(missing, "dosage")
	}
	if strings.TrimSpace(c.Frequency) == "" {
		missing = append(missing, "frequency")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s required", ErrValidation, strings.Join(missing, ", "))
	}
	if c.Pickup != PickupPharmacy && c.Pickup != PickupClinic {
		return fmt.Errorf("%w: pickup must be %q or %q", ErrValidation, PickupPharmacy, PickupClinic)
	}
	return nil
}

type RxOrder struct {
	ID                 uuid.UUID  `json:"id"`
	RxURL              string     `json:"rxUrl"`
	PharmacyQRURL      string     `json:"pharmacyQrUrl"`
	Status             RxStatus   `json:"status"`
	Content            RxContent  `json:"content"`
	QRCode             string     `json:"qrCode"`
	PharmacyQRCode     string     `json:"pharmacyQrCode"`
	PrescriberID       uuid.UUID  `json:"prescriberId"`
	PrescriberName     string     `json:"prescriberName"`
	CreatedAt          time.Time  `json:"createdAt"`
	StatusChangedAt    *time.Time `json:"statusChangedAt,omitempty"`
	InvalidationReason string     `json:"invalidationReason,omitempty"`
	PharmacyTokenHash  string     `json:"pharmacyTokenHash,omitempty"`
}

// SetPharmacyToken stores the hash of the secret carried by the pharmacy link.
func (o *RxOrder) SetPharmacyToken(token string) {
	o.PharmacyTokenHash = hashPharmacyToken(token)
}

// PharmacyTokenMatches reports whether token is the order's pharmacy secret.
// Orders without a stored hash match nothing.
func (o *RxOrder) PharmacyTokenMatches(token string) bool {
	token = strings.TrimSpace(token)
	if o.PharmacyTokenHash == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hashPharmacyToken(token)), []byte(o.PharmacyTokenHash)) == 1
}

// Redacted returns the order as shown to a QR holder, without the pharmacy
// link and its secret.
func (o RxOrder) Redacted() RxOrder {
	o.PharmacyQRURL = ""
	o.PharmacyQRCode = ""
	o.PharmacyTokenHash = ""
	return o
}

func hashPharmacyToken(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

// checkPending reports the conflict for a terminal order.
func (o *RxOrder) checkPending() error {
	switch o.Status {
	case RxFulfilled:
		return ErrAlreadyFulfilled
	case RxInvalidated:
		return ErrAlreadyInvalidated
	}
	return nil
}

// Fulfill moves a pending order to fulfilled.
func (o *RxOrder) Fulfill(now time.Time) error {
	if err := o.checkPending(); err != nil {
		return err
	}
	o.Status = RxFulfilled
	o.StatusChangedAt = &now
	return nil
}

// Invalidate moves a pending order to invalidated.
func (o *RxOrder) Invalidate(now time.Time, reason string) error {
	if err := o.checkPending(); err != nil {
		return err
	}
	o.Status = RxInvalidated
	o.StatusChangedAt = &now
	o.InvalidationReason = strings.TrimSpace(reason)
	return nil
}

// Author identifies the clinician behind a note or order.
type Author struct {
	ID   uuid.UUID
	Name string
}

// ListFilter narrows patient listings.
type ListFilter struct {
	Status string
	Query  string
}

// -- Requests --

type CreateRequest struct {
	FirstName      string     `json:"firstName"`
	LastName       string     `json:"lastName"`
	DateOfBirth    *time.Time `json:"dateOfBirth"`
	Gender         string     `json:"gender"`
	Phone          string     `json:"phone"`
	Email          string     `json:"email"`
	Location       string     `json:"location"`
	Language       string     `json:"language"`
	Status         string     `json:"status"`
	ChiefComplaint string     `json:"chiefComplaint"`
}

func (r *CreateRequest) Validate() error {
	if strings.TrimSpace(r.FirstName) == "" {
		return fmt.Errorf("%w: firstName is required", ErrValidation)
	}
	if r.Status != "" && !slices.Contains(ValidStatuses, r.Status) {
		return fmt.Errorf("%w: invalid status %q", ErrValidation, r.Status)
	}
	if r.Language != "" && !slices.Contains(SupportedLanguages, r.Language) {
		return fmt.Errorf("%w: unsupported language %q", ErrValidation, r.Language)
	}
	return nil
}

// UpdateRequest is a partial update; nil fields are left unchanged.
type UpdateRequest struct {
	FirstName      *string    `json:"firstName"`
	LastName       *string    `json:"lastName"`
	DateOfBirth    *time.Time `json:"dateOfBirth"`
	Gender         *string    `json:"gender"`
	Phone          *string    `json:"phone"`
	Email          *string    `json:"email"`
	Location       *string    `json:"location"`
	Language       *string    `json:"language"`
	Status         *string    `json:"status"`
	ChiefComplaint *string    `json:"chiefComplaint"`
}

func (r *UpdateRequest) Validate() error {
	if r.FirstName != nil && strings.TrimSpace(*r.FirstName) == "" {
		return fmt.Errorf("%w: firstName cannot be empty", ErrValidation)
	}
	if r.Status != nil && !slices.Contains(ValidStatuses, *r.Status) {
		return fmt.Errorf("%w: invalid status %q", ErrValidation, *r.Status)
	}
	if r.Language != nil && !slices.Contains(SupportedLanguages, *r.Language) {
		return fmt.Errorf("%w: unsupported language %q", ErrValidation, *r.Language)
	}
	return nil
}

func (r *UpdateRequest) apply(p *Patient) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}
	set(&p.FirstName, r.FirstName)
	set(&p.LastName, r.LastName)
	set(&p.Gender, r.Gender)
	set(&p.Phone, r.Phone)
	set(&p.Email, r.Email)
	set(&p.Location, r.Location)
	set(&p.Language, r.Language)
	set(&p.Status, r.Status)
	set(&p.ChiefComplaint, r.ChiefComplaint)
	if r.DateOfBirth != nil {
		p.DateOfBirth = r.DateOfBirth
	}
}

type NoteRequest struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

func (r *NoteRequest) Validate() error {
	if !slices.Contains(ValidNoteTypes, r.Type) {
		return fmt.Errorf("%w: note type must be one of %s", ErrValidation, strings.Join(ValidNoteTypes, ", "))
	}
	if strings.TrimSpace(r.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrValidation)
	}
	return nil
}

type WhatsAppRequest struct {
	Body string `json:"body"`
}

func (r *WhatsAppRequest) Validate() error {
	if strings.TrimSpace(r.Body) == "" {
		return fmt.Errorf("%w: body is required", ErrValidation)
	}
	return nil
}

// PhotoURL is a presigned link to one patient photo.
type PhotoURL struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

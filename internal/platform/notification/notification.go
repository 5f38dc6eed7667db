// Package notification renders MedFlow message templates and delivers them by
// email or WhatsApp.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Channel is the delivery channel of a notification.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
)

// Template ids used by the services.
const (
	TplAccountApproved   = "account-approved"
	TplAccountDenied     = "account-denied"
	TplPasswordResetLink = "password-reset-link"
	TplTempResetCode     = "temp-reset-code"
	TplRxOrderIssued     = "rx-order-issued"
)

// Notification is a single outbound message and its delivery result.
type Notification struct {
	ID         string     `json:"id"`
	Channel    Channel    `json:"channel"`
	Recipient  string     `json:"recipient"`
	Subject    string     `json:"subject,omitempty"`
	Body       string     `json:"body"`
	TemplateID string     `json:"template_id,omitempty"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
}

type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// WhatsAppSender delivers a text message to an E.164 phone number.
type WhatsAppSender interface {
	SendWhatsApp(ctx context.Context, to, body string) error
}

// Recorder receives one observation per delivery attempt.
type Recorder interface {
	Notification(channel, result string)
}

// ---------------------------------------------------------------------------
// Templates
// ---------------------------------------------------------------------------

type Template struct {
	ID      string  `json:"id"`
	Subject string  `json:"subject"`
	Body    string  `json:"body"`
	Channel Channel `json:"channel"`
}

// TemplateEngine renders {{key}} placeholders.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	for _, t := range builtInTemplates {
		e.templates[t.ID] = t
	}
	return e
}

var builtInTemplates = []Template{
	{
		ID:      TplAccountApproved,
		Subject: "Your MedFlow account has been approved",
		Body:    "Hello {{name}},\n\nAn administrator approved your MedFlow {{account_type}} account. You can now sign in at {{login_url}}.",
		Channel: ChannelEmail,
	},
	{
		ID:      TplAccountDenied,
		Subject: "Your MedFlow account request",
		Body:    "Hello {{name}},\n\nAn administrator reviewed your MedFlow account request and did not approve it. Reply to this email if you believe this is a mistake.",
		Channel: ChannelEmail,
	},
	{
		ID:      TplPasswordResetLink,
		Subject: "Reset your MedFlow password",
		Body:    "Hello {{name}},\n\nUse the following link to choose a new password. It expires in {{expires_in}}.\n\n{{reset_link}}",
		Channel: ChannelEmail,
	},
	{
		ID:      TplTempResetCode,
		Subject: "Your MedFlow verification code",
		Body:    "Hello {{name}},\n\nYour verification code is {{code}}. It expires in {{expires_in}}.",
		Channel: ChannelEmail,
	},
	{
		ID:      TplRxOrderIssued,
		Body:    "Hello {{name}}, a prescription for {{medication}} was issued for you. Show this link at the {{pickup}}: {{rx_url}}",
		Channel: ChannelWhatsApp,
	},
}

func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t
}

// Render substitutes data into the template. Placeholders without a value are
// left untouched.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (Template, error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return Template{}, fmt.Errorf("template %q not found", templateID)
	}

	for k, v := range data {
		placeholder := "{{" + k + "}}"
		t.Subject = strings.ReplaceAll(t.Subject, placeholder, v)
		t.Body = strings.ReplaceAll(t.Body, placeholder, v)
	}
	return t, nil
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

// Manager routes notifications to the configured senders. Each send is a
// single attempt; callers decide whether a failure matters.
type Manager struct {
	email     EmailSender
	whatsapp  WhatsAppSender
	templates *TemplateEngine
	logger    zerolog.Logger
	recorder  Recorder
}

func NewManager(email EmailSender, whatsapp WhatsAppSender, tpl *TemplateEngine, logger zerolog.Logger, recorder Recorder) *Manager {
	if tpl == nil {
		tpl = NewTemplateEngine()
	}
	return &Manager{
		email:     email,
		whatsapp:  whatsapp,
		templates: tpl,
		logger:    logger,
		recorder:  recorder,
	}
}

var ErrNoSender = errors.New("no sender configured for channel")

// Send delivers n and fills in its id, status and timestamps.
func (m *Manager) Send(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.CreatedAt = time.Now().UTC()

	var err error
	switch n.Channel {
	case ChannelEmail:
		if m.email == nil {
			err = ErrNoSender
		} else {
			err = m.email.SendEmail(ctx, n.Recipient, n.Subject, n.Body)
		}
	case ChannelWhatsApp:
		if m.whatsapp == nil {
			err = ErrNoSender
		} else {
			err = m.whatsapp.SendWhatsApp(ctx, n.Recipient, n.Body)
		}
	default:
		err = fmt.Errorf("unsupported notification channel: %s", n.Channel)
	}

	if err != nil {
		n.Status = "failed"
		n.Error = err.Error()
		m.observe(n.Channel, "failed")
		m.logger.Error().Err(err).
			Str("notification_id", n.ID).
			Str("channel", string(n.Channel)).
			Str("template", n.TemplateID).
			Msg("notification delivery failed")
		return fmt.Errorf("send %s notification: %w", n.Channel, err)
	}

	sentAt := time.Now().UTC()
	n.Status = "sent"
	n.SentAt = &sentAt
	m.observe(n.Channel, "sent")
	m.logger.Info().
		Str("notification_id", n.ID).
		Str("channel", string(n.Channel)).
		Str("template", n.TemplateID).
		Msg("notification sent")
	return nil
}

// SendTemplate renders templateID with data and sends it to recipient over
// the template's channel.
func (m *Manager) SendTemplate(ctx context.Context, templateID, recipient string, data map[string]string) (*Notification, error) {
	t, err := m.templates.Render(templateID, data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	n := &Notification{
		Channel:    t.Channel,
		Recipient:  recipient,
		Subject:    t.Subject,
		Body:       t.Body,
		TemplateID: templateID,
	}
	return n, m.Send(ctx, n)
}

func (m *Manager) observe(channel Channel, result string) {
	if m.recorder != nil {
		m.recorder.Notification(string(channel), result)
	}
}

// ---------------------------------------------------------------------------
// Logging senders
// ---------------------------------------------------------------------------

// LogSender stands in for email and WhatsApp delivery when no provider is
// configured. Message bodies are not logged since they may carry codes.
type LogSender struct {
	Logger zerolog.Logger
}

func (s LogSender) SendEmail(_ context.Context, to, subject, _ string) error {
	s.Logger.Warn().Str("to", to).Str("subject", subject).Msg("email provider not configured; message dropped")
	return nil
}

func (s LogSender) SendWhatsApp(_ context.Context, to, _ string) error {
	s.Logger.Warn().Str("to", to).Msg("whatsapp provider not configured; message dropped")
	return nil
}

// ---------------------------------------------------------------------------
// Mock senders (test doubles)
// ---------------------------------------------------------------------------

type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender records calls and optionally fails them.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
	FailError  string
}

func (m *MockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}

type WhatsAppCall struct {
	To   string
	Body string
}

// MockWhatsAppSender records calls and optionally fails them.
type MockWhatsAppSender struct {
	mu         sync.Mutex
	calls      []WhatsAppCall
	ShouldFail bool
	FailError  string
}

func (m *MockWhatsAppSender) SendWhatsApp(_ context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, WhatsAppCall{To: to, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

func (m *MockWhatsAppSender) Calls() []WhatsAppCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WhatsAppCall, len(m.calls))
	copy(out, m.calls)
	return out
}

package notification

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
)

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *countingRecorder) Notification(channel, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = map[string]int{}
	}
	r.counts[channel+"/"+result]++
}

func TestTemplateEngine_RegisterAndRender(t *testing.T) {
	eng := NewTemplateEngine()
	eng.RegisterTemplate(Template{
		ID:      "test-tpl",
		Subject: "Hello {{name}}",
		Body:    "Dear {{name}}, your code is {{code}}.",
		Channel: ChannelEmail,
	})

	tpl, err := eng.Render("test-tpl", map[string]string{"name": "Alice", "code": "1234"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tpl.Subject != "Hello Alice" {
		t.Errorf("subject = %q, want %q", tpl.Subject, "Hello Alice")
	}
	if tpl.Body != "Dear Alice, your code is 1234." {
		t.Errorf("body = %q", tpl.Body)
	}
}

func TestTemplateEngine_RenderMissing(t *testing.T) {
	if _, err := NewTemplateEngine().Render("nonexistent", nil); err == nil {
		t.Fatal("expected error for missing template, got nil")
	}
}

func TestTemplateEngine_BuiltInTemplates(t *testing.T) {
	eng := NewTemplateEngine()
	for _, id := range []string{TplAccountApproved, TplAccountDenied, TplPasswordResetLink, TplTempResetCode, TplRxOrderIssued} {
		if _, err := eng.Render(id, nil); err != nil {
			t.Errorf("built-in template %q missing: %v", id, err)
		}
	}
}

func TestTemplateEngine_LeavesUnknownPlaceholders(t *testing.T) {
	tpl, _ := NewTemplateEngine().Render(TplTempResetCode, map[string]string{"code": "123456"})
	if !strings.Contains(tpl.Body, "123456") {
		t.Errorf("expected code in body, got %q", tpl.Body)
	}
	if !strings.Contains(tpl.Body, "{{name}}") {
		t.Errorf("expected unresolved placeholder kept, got %q", tpl.Body)
	}
}

func TestManager_SendTemplateEmail(t *testing.T) {
	email := &MockEmailSender{}
	rec := &countingRecorder{}
	m := NewManager(email, nil, nil, zerolog.Nop(), rec)

	n, err := m.SendTemplate(context.Background(), TplAccountApproved, "doc@example.org", map[string]string{
		"name":         "Ana",
		"account_type": "Doctor",
		"login_url":    "https://medflow.example.org/login",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Status != "sent" || n.SentAt == nil || n.ID == "" {
		t.Errorf("unexpected notification state: %+v", n)
	}

	calls := email.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 email, got %d", len(calls))
	}
	if calls[0].To != "doc@example.org" || !strings.Contains(calls[0].Body, "Doctor") {
		t.Errorf("unexpected email: %+v", calls[0])
	}
	if rec.counts["email/sent"] != 1 {
		t.Errorf("expected sent observation, got %v", rec.counts)
	}
}

func TestManager_SendFailure(t *testing.T) {
	var buf bytes.Buffer
	email := &MockEmailSender{ShouldFail: true, FailError: "smtp unreachable"}
	rec := &countingRecorder{}
	m := NewManager(email, nil, nil, zerolog.New(&buf), rec)

	n, err := m.SendTemplate(context.Background(), TplAccountDenied, "doc@example.org", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if n.Status != "failed" || n.Error != "smtp unreachable" {
		t.Errorf("unexpected notification state: %+v", n)
	}
	if rec.counts["email/failed"] != 1 {
		t.Errorf("expected failed observation, got %v", rec.counts)
	}
	if !strings.Contains(buf.String(), "notification delivery failed") {
		t.Error("expected failure to be logged")
	}
}

func TestManager_WhatsApp(t *testing.T) {
	wa := &MockWhatsAppSender{}
	m := NewManager(nil, wa, nil, zerolog.Nop(), nil)

	err := m.Send(context.Background(), &Notification{Channel: ChannelWhatsApp, Recipient: "+15550001", Body: "hola"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls := wa.Calls(); len(calls) != 1 || calls[0].Body != "hola" {
		t.Errorf("unexpected whatsapp calls: %+v", calls)
	}
}

func TestManager_MissingSender(t *testing.T) {
	m := NewManager(nil, nil, nil, zerolog.Nop(), nil)
	err := m.Send(context.Background(), &Notification{Channel: ChannelEmail, Recipient: "a@x.com"})
	if !errors.Is(err, ErrNoSender) {
		t.Errorf("expected ErrNoSender, got %v", err)
	}
	err = m.Send(context.Background(), &Notification{Channel: "pigeon"})
	if err == nil {
		t.Error("expected unsupported channel error")
	}
}

func TestLogSender(t *testing.T) {
	var buf bytes.Buffer
	s := LogSender{Logger: zerolog.New(&buf)}
	if err := s.SendEmail(context.Background(), "a@x.com", "Code", "secret 123456"); err != nil {
		t.Fatal(err)
	}
	if err := s.SendWhatsApp(context.Background(), "+1555", "secret"); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(buf.String(), "123456") {
		t.Error("message body must not be logged")
	}
}

func TestNewSMTPEmailSender(t *testing.T) {
	if _, err := NewSMTPEmailSender(SMTPConfig{Host: "smtp.office365.com"}); err == nil {
		t.Error("expected error without credentials")
	}
	s, err := NewSMTPEmailSender(SMTPConfig{Host: "smtp.office365.com", Username: "ops@example.org", Password: "pw"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.cfg.Port != 587 || s.cfg.From != "ops@example.org" {
		t.Errorf("unexpected defaults: %+v", s.cfg)
	}
	if _, err := s.message("not an address", "s", "b"); err == nil {
		t.Error("expected invalid recipient error")
	}
	if _, err := s.message("doc@example.org", "s", "b"); err != nil {
		t.Errorf("unexpected error building message: %v", err)
	}
}

type fakeMessageAPI struct {
	params []*twilioapi.CreateMessageParams
	err    error
}

func (f *fakeMessageAPI) CreateMessage(params *twilioapi.CreateMessageParams) (*twilioapi.ApiV2010Message, error) {
	f.params = append(f.params, params)
	return &twilioapi.ApiV2010Message{}, f.err
}

func TestTwilioWhatsAppSender(t *testing.T) {
	if _, err := NewTwilioWhatsAppSender("", "", ""); err == nil {
		t.Error("expected error without credentials")
	}

	api := &fakeMessageAPI{}
	s := &TwilioWhatsAppSender{api: api, from: whatsAppAddress("+15550000")}
	if err := s.SendWhatsApp(context.Background(), "+15551111", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := api.params[0]
	if *p.To != "whatsapp:+15551111" || *p.From != "whatsapp:+15550000" || *p.Body != "hello" {
		t.Errorf("unexpected params: to=%s from=%s body=%s", *p.To, *p.From, *p.Body)
	}

	if err := s.SendWhatsApp(context.Background(), " ", "x"); err == nil {
		t.Error("expected error for empty recipient")
	}

	api.err = errors.New("21211 invalid number")
	if err := s.SendWhatsApp(context.Background(), "+1", "x"); err == nil {
		t.Error("expected provider error")
	}
}

package middleware

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medflow/medflow/internal/platform/auth"
)

type mockRecorder struct {
	mu      sync.Mutex
	entries []AuditEntry
	err     error
}

func (m *mockRecorder) RecordAccess(entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return m.err
}

func (m *mockRecorder) last() AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[len(m.entries)-1]
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func newTestContext(method, path string, opts ...func(*http.Request) *http.Request) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, path, nil)
	for _, opt := range opts {
		req = opt(req)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func withClaims(userID string, admin bool) func(*http.Request) *http.Request {
	return func(req *http.Request) *http.Request {
		claims := &auth.Claims{IsAdmin: admin}
		claims.Subject = userID
		return req.WithContext(auth.WithClaims(req.Context(), claims))
	}
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestAudit_PatientRead(t *testing.T) {
	rec := &mockRecorder{}
	userID := uuid.NewString()
	patientID := uuid.NewString()

	c, _ := newTestContext(http.MethodGet, "/api/patient/"+patientID+"/notes", withClaims(userID, false))
	c.Set("request_id", "req-42")

	if err := Audit(zerolog.Nop(), rec)(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("expected 1 audit entry, got %d", rec.count())
	}
	entry := rec.last()
	if entry.UserID != userID {
		t.Errorf("expected user %s, got %s", userID, entry.UserID)
	}
	if entry.PatientID != patientID {
		t.Errorf("expected patient %s, got %s", patientID, entry.PatientID)
	}
	if entry.Resource != "patient" || entry.Action != "read" {
		t.Errorf("unexpected resource/action: %s/%s", entry.Resource, entry.Action)
	}
	if entry.RequestID != "req-42" || entry.StatusCode != http.StatusOK {
		t.Errorf("unexpected request id/status: %s/%d", entry.RequestID, entry.StatusCode)
	}
}

func TestAudit_AdminDelete(t *testing.T) {
	rec := &mockRecorder{}
	c, _ := newTestContext(http.MethodDelete, "/api/admin/users/"+uuid.NewString(), withClaims(uuid.NewString(), true))

	_ = Audit(zerolog.Nop(), rec)(okHandler)(c)

	entry := rec.last()
	if entry.Action != "delete" || entry.Resource != "admin" || !entry.IsAdmin {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.PatientID != "" {
		t.Errorf("expected no patient id, got %s", entry.PatientID)
	}
}

func TestAudit_CapturesErrorStatus(t *testing.T) {
	rec := &mockRecorder{}
	c, _ := newTestContext(http.MethodPost, "/api/rx-order-qr-code/abc/validate")

	handler := func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "already fulfilled")
	}
	err := Audit(zerolog.Nop(), rec)(handler)(c)
	if err == nil {
		t.Fatal("expected handler error to propagate")
	}
	if got := rec.last().StatusCode; got != http.StatusConflict {
		t.Errorf("expected 409 in audit entry, got %d", got)
	}
	if rec.last().UserID != "" {
		t.Errorf("expected anonymous access, got %s", rec.last().UserID)
	}
}

func TestAudit_SkipsNonAuditablePaths(t *testing.T) {
	rec := &mockRecorder{}
	for _, path := range []string{"/health", "/metrics", "/api/auth/login", "/api/patients-export"} {
		c, _ := newTestContext(http.MethodGet, path)
		_ = Audit(zerolog.Nop(), rec)(okHandler)(c)
	}
	if rec.count() != 0 {
		t.Errorf("expected no audit entries, got %d", rec.count())
	}
}

func TestAudit_RecorderErrorDoesNotBreakRequest(t *testing.T) {
	var buf bytes.Buffer
	rec := &mockRecorder{err: errors.New("disk full")}
	c, _ := newTestContext(http.MethodGet, "/api/patient")

	if err := Audit(zerolog.New(&buf), rec)(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "failed to record audit entry") {
		t.Error("expected recorder failure to be logged")
	}
	if !strings.Contains(buf.String(), `"type":"phi_access"`) {
		t.Error("expected phi_access log line")
	}
}

func TestIsAuditablePath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/api/patient", true},
		{"/api/patient/123", true},
		{"/api/rx-order-qr-code", true},
		{"/api/telegram-bot/threads", true},
		{"/api/admin/pending-users", true},
		{"/api/user/me", false},
		{"/api/patientsx", false},
		{"/health", false},
	}
	for _, tt := range tests {
		if got := isAuditablePath(tt.path); got != tt.want {
			t.Errorf("isAuditablePath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestHttpMethodToAction(t *testing.T) {
	tests := map[string]string{
		http.MethodGet:    "read",
		http.MethodHead:   "read",
		http.MethodPost:   "create",
		http.MethodPut:    "update",
		http.MethodPatch:  "update",
		http.MethodDelete: "delete",
	}
	for method, want := range tests {
		if got := httpMethodToAction(method); got != want {
			t.Errorf("httpMethodToAction(%s) = %s, want %s", method, got, want)
		}
	}
}

func TestExtractResource(t *testing.T) {
	tests := map[string]string{
		"/api/patient/1":        "patient",
		"/api/telegram-bot":     "telegram-bot",
		"/api/":                 "unknown",
		"/health":               "unknown",
		"/api/rx-order-qr-code": "rx-order-qr-code",
	}
	for path, want := range tests {
		if got := extractResource(path); got != want {
			t.Errorf("extractResource(%q) = %s, want %s", path, got, want)
		}
	}
}

func TestAuditRecorderFunc(t *testing.T) {
	called := false
	var r AuditRecorder = AuditRecorderFunc(func(entry AuditEntry) error {
		called = true
		return nil
	})
	_ = r.RecordAccess(AuditEntry{})
	if !called {
		t.Error("expected func to be called")
	}
}

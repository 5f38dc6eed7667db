package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medflow/medflow/internal/domain/identity"
	"github.com/medflow/medflow/internal/platform/auth"
)

var testSecret = []byte("test-secret-test-secret-test-secret")

type adminVerifier struct {
	admins *mockAdminRepo
}

func (v adminVerifier) IsAdmin(ctx context.Context, userID uuid.UUID) (bool, error) {
	_, err := v.admins.GetByUserID(ctx, userID)
	if errors.Is(err, identity.ErrAdminNotFound) {
		return false, nil
	}
	return err == nil, err
}

// newTestServer mounts the admin routes behind the same middleware chain as
// the server.
func newTestServer() (*echo.Echo, *testEnv) {
	env := newTestEnv()
	e := echo.New()
	g := e.Group("/api/admin", auth.JWTMiddleware(testSecret), auth.RequireAdmin(adminVerifier{env.admins}))
	NewHandler(env.svc).RegisterRoutes(g)
	return e, env
}

func tokenFor(t *testing.T, u *identity.User, isAdmin bool) string {
	t.Helper()
	tok, _, err := auth.NewTokenIssuer(testSecret, time.Hour).Issue(auth.Subject{
		UserID:      u.ID,
		Email:       u.Email,
		AccountType: u.AccountType,
		IsAdmin:     isAdmin,
		Authorized:  u.Authorized,
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func do(e *echo.Echo, method, target, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestAdminRoutes_RequireToken(t *testing.T) {
	e, _ := newTestServer()
	rec := do(e, http.MethodGet, "/api/admin/pending-users", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
	rec = do(e, http.MethodGet, "/api/admin/pending-users", "garbage", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for invalid token, got %d", rec.Code)
	}
}

func TestAdminRoutes_RejectNonAdmin(t *testing.T) {
	e, env := newTestServer()
	doctor := env.addUser("doc@x.com", identity.StatusApproved)

	rec := do(e, http.MethodGet, "/api/admin/pending-users", tokenFor(t, doctor, false), "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "admin privileges required") {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}

	// A stale token that still claims admin is refused once the record is gone.
	rec = do(e, http.MethodGet, "/api/admin/pending-users", tokenFor(t, doctor, true), "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for demoted admin, got %d", rec.Code)
	}
}

func TestAdminRoutes_ApproveFlow(t *testing.T) {
	e, env := newTestServer()
	token := tokenFor(t, env.root, true)
	p := env.addUser("p@x.com", identity.StatusPending)

	rec := do(e, http.MethodGet, "/api/admin/pending-users", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var page struct {
		Data  []map[string]any `json:"data"`
		Total int              `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 1 || page.Data[0]["email"] != "p@x.com" || page.Data[0]["status"] != "pending" {
		t.Errorf("unexpected pending page: %s", rec.Body.String())
	}

	rec = do(e, http.MethodPost, "/api/admin/approve", token, `{"userIds":["`+p.ID.String()+`","missing"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res BulkResult
	json.Unmarshal(rec.Body.Bytes(), &res)
	if len(res.Updated) != 1 || len(res.Skipped) != 1 || res.Skipped[0] != "missing" {
		t.Errorf("unexpected result: %s", rec.Body.String())
	}

	rec = do(e, http.MethodGet, "/api/admin/pending-users", token, "")
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 0 {
		t.Errorf("expected empty pending list, got %d", page.Total)
	}

	rec = do(e, http.MethodPost, "/api/admin/approve", token, `{"userIds":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty ids, got %d", rec.Code)
	}
}

func TestAdminRoutes_DenyReapproveDelete(t *testing.T) {
	e, env := newTestServer()
	token := tokenFor(t, env.root, true)
	u := env.addUser("u@x.com", identity.StatusPending)

	rec := do(e, http.MethodPost, "/api/admin/reapprove", token, `{"userId":"`+u.ID.String()+`"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for reapproving a pending user, got %d", rec.Code)
	}

	rec = do(e, http.MethodPost, "/api/admin/deny", token, `{"userIds":["`+u.ID.String()+`"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec = do(e, http.MethodGet, "/api/admin/denied-users", token, "")
	if !strings.Contains(rec.Body.String(), "u@x.com") {
		t.Errorf("expected denied list to contain user: %s", rec.Body.String())
	}

	rec = do(e, http.MethodPost, "/api/admin/reapprove", token, `{"userId":"`+u.ID.String()+`"}`)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	rec = do(e, http.MethodPost, "/api/admin/reapprove", token, `{"userId":"bad"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}

	rec = do(e, http.MethodDelete, "/api/admin/users/"+u.ID.String(), token, "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	rec = do(e, http.MethodDelete, "/api/admin/users/"+u.ID.String(), token, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestAdminRoutes_AdminRecords(t *testing.T) {
	e, env := newTestServer()
	token := tokenFor(t, env.root, true)
	a := env.addUser("a@x.com", identity.StatusApproved)

	rec := do(e, http.MethodPost, "/api/admin/admins", token, `{"userId":"`+a.ID.String()+`"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	rec = do(e, http.MethodPost, "/api/admin/admins", token, `{"userId":"`+a.ID.String()+`"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}

	rec = do(e, http.MethodGet, "/api/admin/admins", token, "")
	if !strings.Contains(rec.Body.String(), `"total":2`) {
		t.Errorf("expected two admins: %s", rec.Body.String())
	}

	rec = do(e, http.MethodDelete, "/api/admin/admins/"+a.ID.String(), token, "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	rec = do(e, http.MethodDelete, "/api/admin/admins/"+env.root.ID.String(), token, "")
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for last admin, got %d", rec.Code)
	}
}

func TestAdminRoutes_ResetLinkAndExport(t *testing.T) {
	e, env := newTestServer()
	token := tokenFor(t, env.root, true)
	a := env.addUser("a@x.com", identity.StatusApproved)

	rec := do(e, http.MethodPost, "/api/admin/users/"+a.ID.String()+"/reset-link", token, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "reset-password?token=") {
		t.Errorf("unexpected reset link response %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodGet, "/api/admin/users/export", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get(echo.HeaderContentType); got != ExportContentType {
		t.Errorf("unexpected content type %q", got)
	}
	if !strings.Contains(rec.Header().Get(echo.HeaderContentDisposition), ".xlsx") {
		t.Error("expected xlsx attachment")
	}
	if !strings.HasPrefix(rec.Body.String(), "PK") {
		t.Error("expected zip container")
	}
}

package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type stubVerifier struct {
	admin bool
	err   error
}

func (s stubVerifier) IsAdmin(ctx context.Context, userID uuid.UUID) (bool, error) {
	return s.admin, s.err
}

func contextWith(claims *Claims) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if claims != nil {
		req = req.WithContext(WithClaims(req.Context(), claims))
	}
	return e.NewContext(req, httptest.NewRecorder())
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestRequireAdmin(t *testing.T) {
	sub := uuid.NewString()
	tests := []struct {
		name     string
		claims   *Claims
		verifier AdminVerifier
		wantCode int
	}{
		{"no claims", nil, nil, http.StatusUnauthorized},
		{"not admin", &Claims{IsAdmin: false}, nil, http.StatusForbidden},
		{"admin claim", &Claims{IsAdmin: true}, nil, 0},
		{"admin verified", &Claims{IsAdmin: true}, stubVerifier{admin: true}, 0},
		{"admin revoked", &Claims{IsAdmin: true}, stubVerifier{admin: false}, http.StatusForbidden},
		{"verifier error", &Claims{IsAdmin: true}, stubVerifier{err: errors.New("db down")}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.claims != nil {
				tt.claims.Subject = sub
			}
			err := RequireAdmin(tt.verifier)(okHandler)(contextWith(tt.claims))
			if tt.wantCode == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			expectHTTPError(t, err, tt.wantCode, "")
		})
	}
}

func TestRequireAdmin_ForbiddenMessage(t *testing.T) {
	err := RequireAdmin(nil)(okHandler)(contextWith(&Claims{}))
	expectHTTPError(t, err, http.StatusForbidden, "admin privileges required")
}

type stubAuthorized struct {
	ok  bool
	err error
}

func (s stubAuthorized) IsAuthorized(ctx context.Context, userID uuid.UUID) (bool, error) {
	return s.ok, s.err
}

func TestRequireAuthorized(t *testing.T) {
	if err := RequireAuthorized(nil)(okHandler)(contextWith(&Claims{Authorized: true})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := RequireAuthorized(nil)(okHandler)(contextWith(&Claims{Authorized: false}))
	expectHTTPError(t, err, http.StatusForbidden, "account pending approval")

	err = RequireAuthorized(nil)(okHandler)(contextWith(nil))
	expectHTTPError(t, err, http.StatusUnauthorized, "")
}

func TestRequireAuthorized_RechecksStore(t *testing.T) {
	tests := []struct {
		name     string
		verifier AuthorizedVerifier
		wantCode int
	}{
		{"still approved", stubAuthorized{ok: true}, 0},
		{"denied after token issued", stubAuthorized{ok: false}, http.StatusForbidden},
		{"verifier error", stubAuthorized{err: errors.New("db down")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RequireAuthorized(tt.verifier)(okHandler)(contextWith(&Claims{Authorized: true}))
			if tt.wantCode == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			expectHTTPError(t, err, tt.wantCode, "")
		})
	}
}

func TestRequireAccountType(t *testing.T) {
	mw := RequireAccountType("Doctor")
	if err := mw(okHandler)(contextWith(&Claims{AccountType: "Doctor"})); err != nil {
		t.Fatalf("expected doctor to pass: %v", err)
	}
	if err := mw(okHandler)(contextWith(&Claims{AccountType: "Triage", IsAdmin: true})); err != nil {
		t.Fatalf("expected admin bypass: %v", err)
	}
	err := mw(okHandler)(contextWith(&Claims{AccountType: "Evac"}))
	expectHTTPError(t, err, http.StatusForbidden, "required account type: Doctor")
}

func TestHashSecret(t *testing.T) {
	hash, err := HashSecret("correct horse")
	if err != nil {
		t.Fatalf("HashSecret() error: %v", err)
	}
	if hash == "correct horse" {
		t.Fatal("expected hash to differ from plaintext")
	}
	if err := CheckSecret(hash, "correct horse"); err != nil {
		t.Errorf("expected match, got %v", err)
	}
	if err := CheckSecret(hash, "wrong"); !errors.Is(err, ErrMismatch) {
		t.Errorf("expected ErrMismatch, got %v", err)
	}
	if err := CheckSecret("", "anything"); !errors.Is(err, ErrMismatch) {
		t.Errorf("expected ErrMismatch for empty hash, got %v", err)
	}
}

package identity

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("user not found")
	ErrEmailTaken     = errors.New("email already registered")
	ErrAdminNotFound  = errors.New("user is not an admin")
	ErrAlreadyAdmin   = errors.New("user is already an admin")
	ErrSettingsAbsent = errors.New("settings not initialized")

	ErrValidation         = errors.New("validation failed")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDenied      = errors.New("account denied")
	ErrAccountPending     = errors.New("account pending approval")
	ErrAnswersMismatch    = errors.New("security answers do not match")
	ErrNoQuestions        = errors.New("no security questions configured")
	ErrInvalidCode        = errors.New("invalid or expired code")
	ErrInvalidResetToken  = errors.New("invalid or expired reset link")
)

// UserFilter selects users by review state.
type UserFilter string

const (
	FilterAll      UserFilter = ""
	FilterPending  UserFilter = StatusPending
	FilterApproved UserFilter = StatusApproved
	FilterDenied   UserFilter = StatusDenied
)

// UserRepository defines the persistence interface for users.
type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByResetToken(ctx context.Context, tokenHash string) (*User, error)
	Update(ctx context.Context, u *User) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, filter UserFilter, limit, offset int) ([]*User, int, error)
}

// AdminRepository defines the persistence interface for admin projections.
type AdminRepository interface {
	Create(ctx context.Context, a *Admin) error
	GetByUserID(ctx context.Context, userID uuid.UUID) (*Admin, error)
	DeleteByUserID(ctx context.Context, userID uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]*Admin, int, error)
	Count(ctx context.Context) (int, error)
}

// SettingsRepository guards the first-admin bootstrap.
type SettingsRepository interface {
	Get(ctx context.Context) (*Settings, error)
	// ClaimAdminCreation atomically flips IsAdminCreated from false to true
	// and reports whether this caller made the change.
	ClaimAdminCreation(ctx context.Context) (bool, error)
	ReleaseAdminCreation(ctx context.Context) error
}

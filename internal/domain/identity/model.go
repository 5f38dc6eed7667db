package identity

import (
	"fmt"
	"net/mail"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Account types. New signups choose one of the clinical types; Pending is
// the placeholder for accounts created without one.
const (
	AccountDoctor  = "Doctor"
	AccountTriage  = "Triage"
	AccountEvac    = "Evac"
	AccountPending = "Pending"
)

// ValidAccountTypes lists the types a user may sign up with.
var ValidAccountTypes = []string{AccountDoctor, AccountTriage, AccountEvac}

// Review states derived from Authorized and DenialDate.
const (
	StatusApproved = "approved"
	StatusDenied   = "denied"
	StatusPending  = "pending"
)

// MaxSecurityQuestions caps the recovery questions per user.
const MaxSecurityQuestions = 3

// SecurityQuestion is a recovery question with its bcrypt-hashed answer.
type SecurityQuestion struct {
	Question   string `db:"question" json:"question"`
	AnswerHash string `db:"answer_hash" json:"-"`
}

// User maps to the users table.
type User struct {
	ID                uuid.UUID          `db:"id" json:"id"`
	Email             string             `db:"email" json:"email"`
	PasswordHash      string             `db:"password_hash" json:"-"`
	FirstName         string             `db:"first_name" json:"firstName"`
	LastName          string             `db:"last_name" json:"lastName"`
	AccountType       string             `db:"account_type" json:"accountType"`
	Authorized        bool               `db:"authorized" json:"authorized"`
	ApprovalDate      *time.Time         `db:"approval_date" json:"approvalDate,omitempty"`
	DenialDate        *time.Time         `db:"denial_date" json:"denialDate,omitempty"`
	SecurityQuestions []SecurityQuestion `db:"security_questions" json:"securityQuestions"`
	AdminResetToken   string             `db:"admin_reset_token" json:"-"`
	AdminResetExpiry  *time.Time         `db:"admin_reset_expiry" json:"-"`
	TempResetCode     string             `db:"temp_reset_code" json:"-"`
	TempCodeExpiry    *time.Time         `db:"temp_code_expiry" json:"-"`
	CreatedAt         time.Time          `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time          `db:"updated_at" json:"updatedAt"`
}

// Status returns approved, denied or pending.
func (u *User) Status() string {
	switch {
	case u.Authorized:
		return StatusApproved
	case u.DenialDate != nil:
		return StatusDenied
	default:
		return StatusPending
	}
}

func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Approve marks the user authorized as of now and clears any denial.
func (u *User) Approve(now time.Time) {
	u.Authorized = true
	u.ApprovalDate = &now
	u.DenialDate = nil
	u.UpdatedAt = now
}

// Deny revokes authorization as of now.
func (u *User) Deny(now time.Time) {
	u.Authorized = false
	u.DenialDate = &now
	u.ApprovalDate = nil
	u.UpdatedAt = now
}

// Questions returns the question texts without answers.
func (u *User) Questions() []string {
	out := make([]string, len(u.SecurityQuestions))
	for i, q := range u.SecurityQuestions {
		out[i] = q.Question
	}
	return out
}

// Admin maps to the admins table. It is a projection of a User that marks
// elevated privilege.
type Admin struct {
	ID        uuid.UUID `db:"id" json:"id"`
	UserID    uuid.UUID `db:"user_id" json:"userId"`
	FirstName string    `db:"first_name" json:"firstName"`
	LastName  string    `db:"last_name" json:"lastName"`
	Email     string    `db:"email" json:"email"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// NewAdmin copies the user's name and email into a new projection.
func NewAdmin(u *User) *Admin {
	return &Admin{
		ID:        uuid.New(),
		UserID:    u.ID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Email:     u.Email,
		CreatedAt: time.Now().UTC(),
	}
}

// Settings is the singleton settings row.
type Settings struct {
	IsAdminCreated bool      `db:"is_admin_created" json:"isAdminCreated"`
	UpdatedAt      time.Time `db:"updated_at" json:"updatedAt"`
}

// NormalizeEmail lowercases and trims an address for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeAnswer is applied to security answers before hashing and checking.
func NormalizeAnswer(answer string) string {
	return strings.ToLower(strings.Join(strings.Fields(answer), " "))
}

// -- Requests --

// SecurityQuestionInput is a question with its plaintext answer as submitted.
type SecurityQuestionInput struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

func validateQuestions(qs []SecurityQuestionInput) error {
	if len(qs) > MaxSecurityQuestions {
		return fmt.Errorf("%w: at most %d security questions", ErrValidation, MaxSecurityQuestions)
	}
	for i, q := range qs {
		if strings.TrimSpace(q.Question) == "" || NormalizeAnswer(q.Answer) == "" {
			return fmt.Errorf("%w: security question %d needs a question and an answer", ErrValidation, i+1)
		}
	}
	return nil
}

type SignupRequest struct {
	Email             string                  `json:"email"`
	Password          string                  `json:"password"`
	FirstName         string                  `json:"firstName"`
	LastName          string                  `json:"lastName"`
	AccountType       string                  `json:"accountType"`
	SecurityQuestions []SecurityQuestionInput `json:"securityQuestions"`
}

func (r *SignupRequest) Validate() error {
	if _, err := mail.ParseAddress(r.Email); err != nil || strings.ContainsAny(strings.TrimSpace(r.Email), " <>") {
		return fmt.Errorf("%w: a valid email is required", ErrValidation)
	}
	if r.Password == "" {
		return fmt.Errorf("%w: password is required", ErrValidation)
	}
	if !slices.Contains(ValidAccountTypes, r.AccountType) {
		return fmt.Errorf("%w: accountType must be one of %s", ErrValidation, strings.Join(ValidAccountTypes, ", "))
	}
	return validateQuestions(r.SecurityQuestions)
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r *LoginRequest) Validate() error {
	if strings.TrimSpace(r.Email) == "" || r.Password == "" {
		return fmt.Errorf("%w: email and password are required", ErrValidation)
	}
	return nil
}

type VerifyAnswersRequest struct {
	Email   string   `json:"email"`
	Answers []string `json:"answers"`
}

func (r *VerifyAnswersRequest) Validate() error {
	if strings.TrimSpace(r.Email) == "" {
		return fmt.Errorf("%w: email is required", ErrValidation)
	}
	if len(r.Answers) == 0 {
		return fmt.Errorf("%w: answers are required", ErrValidation)
	}
	return nil
}

type ResetWithCodeRequest struct {
	Email    string `json:"email"`
	Code     string `json:"code"`
	Password string `json:"password"`
}

func (r *ResetWithCodeRequest) Validate() error {
	if strings.TrimSpace(r.Email) == "" || strings.TrimSpace(r.Code) == "" {
		return fmt.Errorf("%w: email and code are required", ErrValidation)
	}
	if r.Password == "" {
		return fmt.Errorf("%w: password is required", ErrValidation)
	}
	return nil
}

type ResetWithLinkRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (r *ResetWithLinkRequest) Validate() error {
	if strings.TrimSpace(r.Token) == "" {
		return fmt.Errorf("%w: token is required", ErrValidation)
	}
	if r.Password == "" {
		return fmt.Errorf("%w: password is required", ErrValidation)
	}
	return nil
}

type UpdateSecurityQuestionsRequest struct {
	SecurityQuestions []SecurityQuestionInput `json:"securityQuestions"`
}

func (r *UpdateSecurityQuestionsRequest) Validate() error {
	if len(r.SecurityQuestions) == 0 {
		return fmt.Errorf("%w: at least one security question is required", ErrValidation)
	}
	return validateQuestions(r.SecurityQuestions)
}

// -- Results --

type SignupResult struct {
	User           *User `json:"user"`
	BootstrapAdmin bool  `json:"bootstrapAdmin"`
}

type LoginResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	User      *User     `json:"user"`
	IsAdmin   bool      `json:"isAdmin"`
}

// Profile is the caller's own account view.
type Profile struct {
	User    *User `json:"user"`
	IsAdmin bool  `json:"isAdmin"`
}

// TempCode is the short-lived code issued after security answers check out.
type TempCode struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ResetLink is an admin-issued password reset link.
type ResetLink struct {
	UserID    uuid.UUID `json:"userId"`
	Link      string    `json:"link"`
	ExpiresAt time.Time `json:"expiresAt"`
}

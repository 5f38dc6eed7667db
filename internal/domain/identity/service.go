package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medflow/medflow/internal/platform/auth"
	"github.com/medflow/medflow/internal/platform/db"
	"github.com/medflow/medflow/internal/platform/events"
	"github.com/medflow/medflow/internal/platform/notification"
)

const (
	TempCodeTTL  = 15 * time.Minute
	ResetLinkTTL = 24 * time.Hour
)

// Notifier delivers templated messages. *notification.Manager satisfies it.
type Notifier interface {
	SendTemplate(ctx context.Context, templateID, recipient string, data map[string]string) (*notification.Notification, error)
}

type Service struct {
	users    UserRepository
	admins   AdminRepository
	settings SettingsRepository
	tx       db.Transactor
	tokens   *auth.TokenIssuer
	logger   zerolog.Logger

	notifier      Notifier
	publisher     events.Publisher
	publicBaseURL string
	now           func() time.Time
}

func NewService(users UserRepository, admins AdminRepository, settings SettingsRepository, tx db.Transactor, tokens *auth.TokenIssuer, logger zerolog.Logger) *Service {
	if tx == nil {
		tx = db.NoopTransactor{}
	}
	return &Service{
		users:    users,
		admins:   admins,
		settings: settings,
		tx:       tx,
		tokens:   tokens,
		logger:   logger.With().Str("component", "identity").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetNotifier(n Notifier)          { s.notifier = n }
func (s *Service) SetEvents(p events.Publisher)    { s.publisher = p }
func (s *Service) SetPublicBaseURL(baseURL string) { s.publicBaseURL = strings.TrimRight(baseURL, "/") }

// -- Signup --

// Signup registers a user. The first signup on a fresh store wins the
// bootstrap claim and is created approved with an Admin record; everyone
// after that waits for review.
func (s *Service) Signup(ctx context.Context, req *SignupRequest) (*SignupResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	email := NormalizeEmail(req.Email)

	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	hash, err := auth.HashSecret(req.Password)
	if err != nil {
		return nil, err
	}
	questions, err := hashQuestions(req.SecurityQuestions)
	if err != nil {
		return nil, err
	}

	now := s.now()
	u := &User{
		ID:                uuid.New(),
		Email:             email,
		PasswordHash:      hash,
		FirstName:         strings.TrimSpace(req.FirstName),
		LastName:          strings.TrimSpace(req.LastName),
		AccountType:       req.AccountType,
		SecurityQuestions: questions,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	claimed, err := s.settings.ClaimAdminCreation(ctx)
	if err != nil {
		return nil, fmt.Errorf("claim admin bootstrap: %w", err)
	}
	if claimed {
		u.Approve(now)
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.users.Create(ctx, u); err != nil {
			return err
		}
		if claimed {
			return s.admins.Create(ctx, NewAdmin(u))
		}
		return nil
	})
	if err != nil {
		if claimed {
			s.releaseBootstrap(ctx, u.ID)
		}
		if errors.Is(err, ErrEmailTaken) {
			return nil, err
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	s.logger.Info().
		Str("user_id", u.ID.String()).
		Str("account_type", u.AccountType).
		Bool("bootstrap_admin", claimed).
		Msg("user signed up")
	s.emit(ctx, events.New(events.UserRegistered, u.ID.String(), u.ID, map[string]string{
		"accountType":    u.AccountType,
		"bootstrapAdmin": strconv.FormatBool(claimed),
	}))

	return &SignupResult{User: u, BootstrapAdmin: claimed}, nil
}

// releaseBootstrap undoes a bootstrap claim whose signup failed. On stores
// without transactions the half-created user is removed as well.
func (s *Service) releaseBootstrap(ctx context.Context, userID uuid.UUID) {
	ctx = context.WithoutCancel(ctx)
	if err := s.users.Delete(ctx, userID); err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Error().Err(err).Str("user_id", userID.String()).Msg("bootstrap cleanup failed")
	}
	if err := s.settings.ReleaseAdminCreation(ctx); err != nil {
		s.logger.Error().Err(err).Msg("bootstrap claim release failed")
	}
}

func hashQuestions(in []SecurityQuestionInput) ([]SecurityQuestion, error) {
	out := make([]SecurityQuestion, 0, len(in))
	for _, q := range in {
		hash, err := auth.HashSecret(NormalizeAnswer(q.Answer))
		if err != nil {
			return nil, err
		}
		out = append(out, SecurityQuestion{Question: strings.TrimSpace(q.Question), AnswerHash: hash})
	}
	return out, nil
}

// -- Login --

func (s *Service) Login(ctx context.Context, req *LoginRequest) (*LoginResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	u, err := s.users.GetByEmail(ctx, NormalizeEmail(req.Email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if err := auth.CheckSecret(u.PasswordHash, req.Password); err != nil {
		if errors.Is(err, auth.ErrMismatch) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	switch u.Status() {
	case StatusDenied:
		return nil, ErrAccountDenied
	case StatusPending:
		return nil, ErrAccountPending
	}

	isAdmin, err := s.IsAdmin(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	token, exp, err := s.tokens.Issue(auth.Subject{
		UserID:      u.ID,
		Email:       u.Email,
		FirstName:   u.FirstName,
		LastName:    u.LastName,
		AccountType: u.AccountType,
		IsAdmin:     isAdmin,
		Authorized:  u.Authorized,
	})
	if err != nil {
		return nil, err
	}
	return &LoginResult{Token: token, ExpiresAt: exp, User: u, IsAdmin: isAdmin}, nil
}

// IsAdmin reports whether the user has an Admin record.
func (s *Service) IsAdmin(ctx context.Context, userID uuid.UUID) (bool, error) {
	_, err := s.admins.GetByUserID(ctx, userID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrAdminNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("lookup admin: %w", err)
}

// IsAuthorized reports whether the user still exists and is approved.
func (s *Service) IsAuthorized(ctx context.Context, userID uuid.UUID) (bool, error) {
	u, err := s.users.GetByID(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup user: %w", err)
	}
	return u.Authorized, nil
}

// -- Account --

func (s *Service) Me(ctx context.Context, userID uuid.UUID) (*Profile, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	isAdmin, err := s.IsAdmin(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Profile{User: u, IsAdmin: isAdmin}, nil
}

func (s *Service) UpdateSecurityQuestions(ctx context.Context, userID uuid.UUID, req *UpdateSecurityQuestionsRequest) (*User, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	questions, err := hashQuestions(req.SecurityQuestions)
	if err != nil {
		return nil, err
	}
	u.SecurityQuestions = questions
	u.UpdatedAt = s.now()
	if err := s.users.Update(ctx, u); err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}
	return u, nil
}

// -- Recovery --

// SecurityQuestions returns the question texts configured for email.
func (s *Service) SecurityQuestions(ctx context.Context, email string) ([]string, error) {
	if strings.TrimSpace(email) == "" {
		return nil, fmt.Errorf("%w: email is required", ErrValidation)
	}
	u, err := s.users.GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return nil, err
	}
	if len(u.SecurityQuestions) == 0 {
		return nil, ErrNoQuestions
	}
	return u.Questions(), nil
}

// VerifySecurityAnswers checks every answer in order and, when all match,
// issues a temporary reset code. The code is emailed and also returned.
func (s *Service) VerifySecurityAnswers(ctx context.Context, req *VerifyAnswersRequest) (*TempCode, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	u, err := s.users.GetByEmail(ctx, NormalizeEmail(req.Email))
	if err != nil {
		return nil, err
	}
	if len(u.SecurityQuestions) == 0 {
		return nil, ErrNoQuestions
	}
	if len(req.Answers) != len(u.SecurityQuestions) {
		return nil, ErrAnswersMismatch
	}
	for i, q := range u.SecurityQuestions {
		if err := auth.CheckSecret(q.AnswerHash, NormalizeAnswer(req.Answers[i])); err != nil {
			if errors.Is(err, auth.ErrMismatch) {
				return nil, ErrAnswersMismatch
			}
			return nil, err
		}
	}

	code, err := generateCode()
	if err != nil {
		return nil, err
	}
	hash, err := auth.HashSecret(code)
	if err != nil {
		return nil, err
	}
	now := s.now()
	exp := now.Add(TempCodeTTL)
	u.TempResetCode = hash
	u.TempCodeExpiry = &exp
	u.UpdatedAt = now
	if err := s.users.Update(ctx, u); err != nil {
		return nil, fmt.Errorf("store reset code: %w", err)
	}

	s.notify(ctx, notification.TplTempResetCode, u, map[string]string{
		"code":       code,
		"expires_in": "15 minutes",
	})
	return &TempCode{Code: code, ExpiresAt: exp}, nil
}

func (s *Service) ResetWithCode(ctx context.Context, req *ResetWithCodeRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	u, err := s.users.GetByEmail(ctx, NormalizeEmail(req.Email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidCode
		}
		return err
	}
	now := s.now()
	if u.TempResetCode == "" || u.TempCodeExpiry == nil || now.After(*u.TempCodeExpiry) {
		return ErrInvalidCode
	}
	if err := auth.CheckSecret(u.TempResetCode, strings.TrimSpace(req.Code)); err != nil {
		if errors.Is(err, auth.ErrMismatch) {
			return ErrInvalidCode
		}
		return err
	}

	if err := s.setPassword(u, req.Password, now); err != nil {
		return err
	}
	u.TempResetCode = ""
	u.TempCodeExpiry = nil
	if err := s.users.Update(ctx, u); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	s.logger.Info().Str("user_id", u.ID.String()).Str("method", "code").Msg("password reset")
	return nil
}

func (s *Service) ResetWithLink(ctx context.Context, req *ResetWithLinkRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	u, err := s.users.GetByResetToken(ctx, hashToken(req.Token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidResetToken
		}
		return err
	}
	now := s.now()
	if u.AdminResetExpiry == nil || now.After(*u.AdminResetExpiry) {
		return ErrInvalidResetToken
	}

	if err := s.setPassword(u, req.Password, now); err != nil {
		return err
	}
	u.AdminResetToken = ""
	u.AdminResetExpiry = nil
	if err := s.users.Update(ctx, u); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	s.logger.Info().Str("user_id", u.ID.String()).Str("method", "link").Msg("password reset")
	return nil
}

// IssueResetLink creates a single-use reset token for userID, stores its
// hash and emails the link to the user.
func (s *Service) IssueResetLink(ctx context.Context, userID uuid.UUID) (*ResetLink, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	token := uuid.NewString()
	now := s.now()
	exp := now.Add(ResetLinkTTL)
	u.AdminResetToken = hashToken(token)
	u.AdminResetExpiry = &exp
	u.UpdatedAt = now
	if err := s.users.Update(ctx, u); err != nil {
		return nil, fmt.Errorf("store reset token: %w", err)
	}

	link := s.publicBaseURL + "/reset-password?token=" + url.QueryEscape(token)
	s.notify(ctx, notification.TplPasswordResetLink, u, map[string]string{
		"expires_in": "24 hours",
		"reset_link": link,
	})
	return &ResetLink{UserID: u.ID, Link: link, ExpiresAt: exp}, nil
}

func (s *Service) setPassword(u *User, password string, now time.Time) error {
	hash, err := auth.HashSecret(password)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	u.UpdatedAt = now
	return nil
}

// generateCode returns a zero-padded six digit code.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

// -- Side effects --

func (s *Service) notify(ctx context.Context, templateID string, u *User, data map[string]string) {
	if s.notifier == nil {
		return
	}
	name := u.FullName()
	if name == "" {
		name = u.Email
	}
	data["name"] = name
	if _, err := s.notifier.SendTemplate(ctx, templateID, u.Email, data); err != nil {
		s.logger.Error().Err(err).
			Str("template", templateID).
			Str("user_id", u.ID.String()).
			Msg("notification failed")
	}
}

func (s *Service) emit(ctx context.Context, ev events.Event) {
	events.Emit(ctx, s.publisher, s.logger, ev)
}

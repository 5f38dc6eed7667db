package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medflow/medflow/internal/domain/identity"
	"github.com/medflow/medflow/internal/platform/db"
	"github.com/medflow/medflow/internal/platform/events"
	"github.com/medflow/medflow/internal/platform/notification"
	"github.com/medflow/medflow/internal/platform/telemetry"
)

// ResetLinkIssuer creates admin-initiated password reset links.
// *identity.Service satisfies it.
type ResetLinkIssuer interface {
	IssueResetLink(ctx context.Context, userID uuid.UUID) (*identity.ResetLink, error)
}

type Service struct {
	users  identity.UserRepository
	admins identity.AdminRepository
	resets ResetLinkIssuer
	tx     db.Transactor
	logger zerolog.Logger

	notifier  identity.Notifier
	publisher events.Publisher
	metrics   *telemetry.Metrics
	loginURL  string
	now       func() time.Time
}

func NewService(users identity.UserRepository, admins identity.AdminRepository, resets ResetLinkIssuer, tx db.Transactor, logger zerolog.Logger) *Service {
	if tx == nil {
		tx = db.NoopTransactor{}
	}
	return &Service{
		users:  users,
		admins: admins,
		resets: resets,
		tx:     tx,
		logger: logger.With().Str("component", "admin").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetNotifier(n identity.Notifier) { s.notifier = n }
func (s *Service) SetEvents(p events.Publisher)    { s.publisher = p }
func (s *Service) SetMetrics(m *telemetry.Metrics) { s.metrics = m }
func (s *Service) SetPublicBaseURL(baseURL string) {
	s.loginURL = strings.TrimRight(baseURL, "/") + "/login"
}

// -- Decisions --

// Approve authorizes every known user in ids. Requests are applied one at a
// time; unknown or malformed ids are skipped.
func (s *Service) Approve(ctx context.Context, actor uuid.UUID, ids []string) (*BulkResult, error) {
	return s.bulk(ctx, ids, func(u *identity.User) error {
		return s.approve(ctx, actor, u, DecisionApproved)
	})
}

// Deny revokes authorization for every known user in ids and removes any
// admin record they hold. The actor and the last admin are skipped.
func (s *Service) Deny(ctx context.Context, actor uuid.UUID, ids []string) (*BulkResult, error) {
	return s.bulk(ctx, ids, func(u *identity.User) error {
		if u.ID == actor {
			return errSkip
		}
		return s.deny(ctx, actor, u)
	})
}

// errSkip reports a user that bulk leaves untouched.
var errSkip = errors.New("skipped")

func (s *Service) bulk(ctx context.Context, ids []string, apply func(u *identity.User) error) (*BulkResult, error) {
	req := BulkUsersRequest{UserIDs: ids}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	res := &BulkResult{Updated: []*identity.User{}, Skipped: []string{}}
	for _, raw := range ids {
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			res.Skipped = append(res.Skipped, raw)
			continue
		}
		u, err := s.users.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, identity.ErrNotFound) {
				res.Skipped = append(res.Skipped, raw)
				continue
			}
			return nil, fmt.Errorf("load user %s: %w", id, err)
		}
		if err := apply(u); err != nil {
			if errors.Is(err, errSkip) {
				res.Skipped = append(res.Skipped, raw)
				continue
			}
			return nil, err
		}
		res.Updated = append(res.Updated, u)
	}
	return res, nil
}

func (s *Service) approve(ctx context.Context, actor uuid.UUID, u *identity.User, decision string) error {
	u.Approve(s.now())
	if err := s.users.Update(ctx, u); err != nil {
		return fmt.Errorf("approve user %s: %w", u.ID, err)
	}
	s.logger.Info().
		Str("user_id", u.ID.String()).
		Str("actor_id", actor.String()).
		Str("decision", decision).
		Msg("account approved")
	s.metrics.AccountDecision(decision)
	s.notify(ctx, notification.TplAccountApproved, u, map[string]string{
		"account_type": u.AccountType,
		"login_url":    s.loginURL,
	})
	s.emit(ctx, events.New(events.UserApproved, u.ID.String(), actor, map[string]string{"decision": decision}))
	return nil
}

func (s *Service) deny(ctx context.Context, actor uuid.UUID, u *identity.User) error {
	demoted := false
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.ensureNotLastAdmin(ctx, u.ID); err != nil {
			if errors.Is(err, ErrLastAdmin) {
				return errSkip
			}
			return err
		}
		switch err := s.admins.DeleteByUserID(ctx, u.ID); {
		case err == nil:
			demoted = true
		case !errors.Is(err, identity.ErrAdminNotFound):
			return fmt.Errorf("demote user %s: %w", u.ID, err)
		}
		u.Deny(s.now())
		if err := s.users.Update(ctx, u); err != nil {
			return fmt.Errorf("deny user %s: %w", u.ID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info().
		Str("user_id", u.ID.String()).
		Str("actor_id", actor.String()).
		Bool("demoted", demoted).
		Msg("account denied")
	if demoted {
		s.emit(ctx, events.New(events.AdminDemoted, u.ID.String(), actor, nil))
	}
	s.metrics.AccountDecision(DecisionDenied)
	s.notify(ctx, notification.TplAccountDenied, u, map[string]string{})
	s.emit(ctx, events.New(events.UserDenied, u.ID.String(), actor, nil))
	return nil
}

// Reapprove restores a denied account. Admins cannot reapprove themselves.
func (s *Service) Reapprove(ctx context.Context, actor, userID uuid.UUID) (*identity.User, error) {
	if actor == userID {
		return nil, ErrSelfAction
	}
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.Status() != identity.StatusDenied {
		return nil, ErrNotDenied
	}
	if err := s.approve(ctx, actor, u, DecisionReapproved); err != nil {
		return nil, err
	}
	return u, nil
}

// DenyAndDelete removes the user and any admin record for them.
func (s *Service) DenyAndDelete(ctx context.Context, actor, userID uuid.UUID) error {
	if actor == userID {
		return ErrSelfAction
	}
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.ensureNotLastAdmin(ctx, userID); err != nil {
			return err
		}
		if err := s.admins.DeleteByUserID(ctx, userID); err != nil && !errors.Is(err, identity.ErrAdminNotFound) {
			return err
		}
		return s.users.Delete(ctx, userID)
	})
	if err != nil {
		return err
	}

	s.logger.Info().
		Str("user_id", userID.String()).
		Str("actor_id", actor.String()).
		Msg("account denied and deleted")
	s.metrics.AccountDecision(DecisionDeleted)
	s.notify(ctx, notification.TplAccountDenied, u, map[string]string{})
	s.emit(ctx, events.New(events.UserDeleted, userID.String(), actor, nil))
	return nil
}

// ensureNotLastAdmin fails when userID holds the only admin record.
func (s *Service) ensureNotLastAdmin(ctx context.Context, userID uuid.UUID) error {
	if _, err := s.admins.GetByUserID(ctx, userID); err != nil {
		if errors.Is(err, identity.ErrAdminNotFound) {
			return nil
		}
		return err
	}
	n, err := s.admins.Count(ctx)
	if err != nil {
		return err
	}
	if n <= 1 {
		return ErrLastAdmin
	}
	return nil
}

// -- Admin Records --

// Promote grants admin privileges to an approved user. The user's
// authorization is left as is.
func (s *Service) Promote(ctx context.Context, actor, userID uuid.UUID) (*identity.Admin, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !u.Authorized {
		return nil, ErrNotApproved
	}
	a := identity.NewAdmin(u)
	if err := s.admins.Create(ctx, a); err != nil {
		return nil, err
	}
	s.logger.Info().Str("user_id", userID.String()).Str("actor_id", actor.String()).Msg("admin promoted")
	s.emit(ctx, events.New(events.AdminPromoted, userID.String(), actor, nil))
	return a, nil
}

// Demote removes the admin record for userID. The last admin cannot be
// demoted.
func (s *Service) Demote(ctx context.Context, actor, userID uuid.UUID) error {
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.admins.GetByUserID(ctx, userID); err != nil {
			return err
		}
		if err := s.ensureNotLastAdmin(ctx, userID); err != nil {
			return err
		}
		return s.admins.DeleteByUserID(ctx, userID)
	})
	if err != nil {
		return err
	}
	s.logger.Info().Str("user_id", userID.String()).Str("actor_id", actor.String()).Msg("admin demoted")
	s.emit(ctx, events.New(events.AdminDemoted, userID.String(), actor, nil))
	return nil
}

// -- Listings --

func (s *Service) ListUsers(ctx context.Context, filter identity.UserFilter, limit, offset int) ([]UserSummary, int, error) {
	users, total, err := s.users.List(ctx, filter, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return summarize(users), total, nil
}

func (s *Service) ListAdmins(ctx context.Context, limit, offset int) ([]*identity.Admin, int, error) {
	return s.admins.List(ctx, limit, offset)
}

// IssueResetLink emails userID a password reset link and returns it to the
// calling admin.
func (s *Service) IssueResetLink(ctx context.Context, actor, userID uuid.UUID) (*identity.ResetLink, error) {
	link, err := s.resets.IssueResetLink(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("user_id", userID.String()).Str("actor_id", actor.String()).Msg("reset link issued")
	return link, nil
}

// -- Side effects --

func (s *Service) notify(ctx context.Context, templateID string, u *identity.User, data map[string]string) {
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

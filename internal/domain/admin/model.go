package admin

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/medflow/medflow/internal/domain/identity"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrLastAdmin    = errors.New("cannot remove the last admin")
	ErrSelfAction   = errors.New("cannot perform this action on your own account")
	ErrNotDenied    = errors.New("user is not denied")
	ErrNotApproved  = errors.New("user must be approved first")
	ErrUserNotFound = identity.ErrNotFound
)

// Decisions recorded on the account decision counter.
const (
	DecisionApproved   = "approved"
	DecisionDenied     = "denied"
	DecisionDeleted    = "deleted"
	DecisionReapproved = "reapproved"
)

// BulkUsersRequest carries the ids of a bulk approve or deny.
type BulkUsersRequest struct {
	UserIDs []string `json:"userIds"`
}

func (r *BulkUsersRequest) Validate() error {
	if len(r.UserIDs) == 0 {
		return fmt.Errorf("%w: userIds is required", ErrValidation)
	}
	return nil
}

// UserRequest names a single target user.
type UserRequest struct {
	UserID string `json:"userId"`
}

// ID parses UserID.
func (r *UserRequest) ID() (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(r.UserID))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: userId must be a valid id", ErrValidation)
	}
	return id, nil
}

// BulkResult reports the outcome of a bulk decision. Ids that are malformed
// or do not name a user are listed in Skipped.
type BulkResult struct {
	Updated []*identity.User `json:"updated"`
	Skipped []string         `json:"skipped"`
}

// UserSummary is a user row in the admin listings.
type UserSummary struct {
	*identity.User
	Status string `json:"status"`
}

func summarize(users []*identity.User) []UserSummary {
	out := make([]UserSummary, len(users))
	for i, u := range users {
		out[i] = UserSummary{User: u, Status: u.Status()}
	}
	return out
}

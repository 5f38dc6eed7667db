package messaging

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrThreadNotFound     = errors.New("thread not found")
	ErrValidation         = errors.New("validation failed")
	ErrChannelUnavailable = errors.New("telegram channel is not configured")
	ErrInvalidSecret      = errors.New("invalid webhook secret")
)

// ThreadRepository persists Telegram conversations. Threads are created
// on first use, keyed by chat id.
type ThreadRepository interface {
	GetByChatID(ctx context.Context, chatID int64) (*Thread, error)
	List(ctx context.Context, limit, offset int) ([]*Thread, int, error)

	// AppendMessage adds msg to the chat's thread, creating the thread when
	// it does not exist yet.
	AppendMessage(ctx context.Context, who Participant, msg Message) (*Thread, error)

	// LinkPatient records the patient behind the chat, creating the thread
	// when needed.
	LinkPatient(ctx context.Context, chatID int64, patientID uuid.UUID) error
}

package patient

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound           = errors.New("patient not found")
	ErrValidation         = errors.New("validation failed")
	ErrRxOrderNotFound    = errors.New("rx order not found")
	ErrAlreadyFulfilled   = errors.New("already fulfilled")
	ErrAlreadyInvalidated = errors.New("already invalidated")
	ErrNoPhone            = errors.New("patient has no phone number")
	ErrConcurrentUpdate   = errors.New("patient was modified concurrently")
)

// MutateFunc changes a loaded patient in place. Returning an error aborts
// the update and the error is passed back to the caller unchanged.
type MutateFunc func(p *Patient) error

// Repository defines the persistence interface for patients.
type Repository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Patient, int, error)

	// Mutate applies fn to the current state of the patient and saves the
	// result atomically. Concurrent mutations of one patient are serialized,
	// so fn always sees the latest committed version.
	Mutate(ctx context.Context, id uuid.UUID, fn MutateFunc) (*Patient, error)

	// FindByRxOrder returns the patient holding the order with orderID.
	FindByRxOrder(ctx context.Context, orderID uuid.UUID) (*Patient, error)
	GetByTelegramChat(ctx context.Context, chatID int64) (*Patient, error)
}

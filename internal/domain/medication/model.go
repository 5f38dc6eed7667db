package medication

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/medflow/medflow/internal/domain/patient"
)

// ErrInvalidRef is returned for order references that are not a UUID,
// optionally prefixed with the eight-character patient reference.
var ErrInvalidRef = errors.New("invalid rx order reference")

// ErrPharmacyToken is returned when a fulfilment or invalidation does not
// carry the order's pharmacy token.
var ErrPharmacyToken = errors.New("invalid pharmacy token")

// CreateRequest is the prescriber's order.
type CreateRequest struct {
	patient.RxContent
}

type InvalidateRequest struct {
	Reason string `json:"reason"`
}

// Ref identifies an order from a scanned QR link: the order UUID, and the
// truncated patient id when the link carries one.
type Ref struct {
	TruncatedID string
	OrderID     uuid.UUID
}

const truncatedLen = 8

// ParseRef accepts "{uuid}" or "{truncatedId}-{uuid}".
func ParseRef(ref string) (Ref, error) {
	ref = strings.TrimSpace(ref)
	if id, err := uuid.Parse(ref); err == nil {
		return Ref{OrderID: id}, nil
	}
	if len(ref) > truncatedLen+1 && ref[truncatedLen] == '-' {
		return NewRef(ref[:truncatedLen], ref[truncatedLen+1:])
	}
	return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, ref)
}

// NewRef builds a reference from the truncatedId/uuid query pair.
// truncatedID may be empty.
func NewRef(truncatedID, orderID string) (Ref, error) {
	id, err := uuid.Parse(strings.TrimSpace(orderID))
	if err != nil {
		return Ref{}, fmt.Errorf("%w: malformed uuid %q", ErrInvalidRef, orderID)
	}
	truncatedID = strings.ToLower(strings.TrimSpace(truncatedID))
	if truncatedID != "" {
		if _, err := hex.DecodeString(truncatedID); err != nil || len(truncatedID) != truncatedLen {
			return Ref{}, fmt.Errorf("%w: malformed patient reference %q", ErrInvalidRef, truncatedID)
		}
	}
	return Ref{TruncatedID: truncatedID, OrderID: id}, nil
}

// String formats the reference the way it appears in order URLs.
func (r Ref) String() string {
	if r.TruncatedID == "" {
		return r.OrderID.String()
	}
	return r.TruncatedID + "-" + r.OrderID.String()
}

// matches reports whether p is the patient the reference points at.
func (r Ref) matches(p *patient.Patient) bool {
	return r.TruncatedID == "" || p.TruncatedID() == r.TruncatedID
}

// LookupResult is what a QR holder sees: who the order is for and the order.
type LookupResult struct {
	Patient patient.Summary `json:"patient"`
	Order   patient.RxOrder `json:"rxOrder"`
}

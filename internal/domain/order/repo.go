package order

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no order matches the given identifier.
	ErrNotFound = errors.New("order not found")

	// ErrDuplicateOrder is returned by Insert when the storage-level
	// uniqueness backstop rejects a draft with an already-present
	// fingerprint. Callers re-resolve and take the merge path.
	ErrDuplicateOrder = errors.New("duplicate draft order")
)

// OrderRepository is the engine's view of the order persistence store.
// Update applies a partial field merge, never a full overwrite.
type OrderRepository interface {
	Insert(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	Update(ctx context.Context, id uuid.UUID, fields map[string]interface{}) (*Order, error)
	Delete(ctx context.Context, id uuid.UUID) error

	// Query returns the patient's orders filtered by type (empty = all
	// types), status set, and optionally encounter. Results are in creation
	// order; the sweeper's first-seen-wins pass depends on that.
	Query(ctx context.Context, patientID uuid.UUID, orderType OrderType, statuses []string, encounterID *uuid.UUID) ([]*Order, error)

	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Order, int, error)
}

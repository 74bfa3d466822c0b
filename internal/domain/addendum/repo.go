package addendum

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

// Repository has no update or delete: the ledger is append-only.
type Repository interface {
	// GetEncounter loads the owning encounter with a shared row lock so its
	// status cannot change before the addendum commits.
	GetEncounter(ctx context.Context, id uuid.UUID) (*Encounter, error)
	Create(ctx context.Context, a *Addendum) error
	ListByEncounter(ctx context.Context, encounterID uuid.UUID) ([]*Addendum, error)
}

package charting

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a row does not exist or is hidden by the
	// clinic row-level security policy.
	ErrNotFound = errors.New("charting: not found")
	// ErrVersionConflict is returned when a versioned update matched no row.
	ErrVersionConflict = errors.New("charting: version conflict")
)

// Repository persists records. Get* methods with lock=true take a row lock
// for the rest of the surrounding transaction. Update methods compare the
// Version they are given, increment it on success, and return
// ErrVersionConflict otherwise.
type Repository interface {
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)

	CreateEncounter(ctx context.Context, enc *Encounter) error
	GetEncounter(ctx context.Context, id uuid.UUID, lock bool) (*Encounter, error)
	UpdateEncounter(ctx context.Context, enc *Encounter) error

	CreateChart(ctx context.Context, c *Chart) error
	GetChart(ctx context.Context, id uuid.UUID, lock bool) (*Chart, error)
	UpdateChart(ctx context.Context, c *Chart) error

	// Treatment cards are returned ordered by sort_order.
	ListTreatmentCards(ctx context.Context, chartID uuid.UUID) ([]*TreatmentCard, error)
	GetTreatmentCard(ctx context.Context, id uuid.UUID) (*TreatmentCard, error)
	CreateTreatmentCard(ctx context.Context, card *TreatmentCard) error
	UpdateTreatmentCard(ctx context.Context, card *TreatmentCard) error

	ListPhotos(ctx context.Context, chartID uuid.UUID) ([]*Photo, error)
	GetPhoto(ctx context.Context, id uuid.UUID) (*Photo, error)
	CreatePhoto(ctx context.Context, p *Photo) error
	UpdatePhotoAnnotations(ctx context.Context, id uuid.UUID, annotations json.RawMessage, now time.Time) error
}

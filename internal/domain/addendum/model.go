package addendum

import (
	"time"

	"github.com/google/uuid"
)

// MaxTextLength bounds one addendum's text.
const MaxTextLength = 20000

const (
	MsgTextRequired = "Addendum text is required"
	MsgNotFinalized = "Addenda can only be added to finalized encounters"
	MsgTextTooLong  = "Addendum text is too long"
	encounterEntity = "Encounter"
	statusFinalized = "Finalized"
)

// Addendum is a permanent note attached to a finalized encounter. Rows are
// inserted once and never updated or deleted.
type Addendum struct {
	ID          uuid.UUID `json:"id"`
	ClinicID    uuid.UUID `json:"clinic_id"`
	EncounterID uuid.UUID `json:"encounter_id"`
	AuthorID    uuid.UUID `json:"author_id"`
	AuthorName  string    `json:"author_name,omitempty"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"created_at"`
}

// Encounter is the subset of the owning encounter the ledger checks.
type Encounter struct {
	ID        uuid.UUID
	ClinicID  uuid.UUID
	PatientID uuid.UUID
	Status    string
}

type CreateRequest struct {
	Text string `json:"text"`
}

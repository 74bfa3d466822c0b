package auditlog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action names one kind of audited read or mutation.
type Action string

const (
	ActionEncounterStarted       Action = "EncounterStarted"
	ActionChartViewed            Action = "ChartViewed"
	ActionChartUpdated           Action = "ChartUpdated"
	ActionTreatmentCardUpdated   Action = "TreatmentCardUpdated"
	ActionMediaUploaded          Action = "MediaUploaded"
	ActionAiDraftApplied         Action = "AiDraftApplied"
	ActionPhotoAnnotationUpdated Action = "PhotoAnnotationUpdated"
	ActionChartProviderSign      Action = "ChartProviderSign"
	ActionMDCoSign               Action = "MDCoSign"
	ActionAddendumCreated        Action = "AddendumCreated"
	ActionAddendaViewed          Action = "AddendaViewed"
	ActionRecordHashVerified     Action = "RecordHashVerified"
)

// Entity types recorded in EntityType.
const (
	EntityEncounter     = "Encounter"
	EntityChart         = "Chart"
	EntityTreatmentCard = "TreatmentCard"
	EntityPhoto         = "Photo"
	EntityAddendum      = "Addendum"
)

// Entry is one audit_log row. Entries are never updated or deleted.
type Entry struct {
	ID         uuid.UUID              `json:"id"`
	ClinicID   uuid.UUID              `json:"clinic_id"`
	UserID     uuid.UUID              `json:"user_id"`
	Action     Action                 `json:"action"`
	EntityType string                 `json:"entity_type"`
	EntityID   uuid.UUID              `json:"entity_id"`
	Details    map[string]interface{} `json:"details"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Sink accepts audit entries. Append must join the transaction carried by
// ctx so that an entry commits or rolls back with the mutation it documents.
type Sink interface {
	Append(ctx context.Context, e *Entry) error
}

// prepare fills defaults and rejects entries that cannot be attributed.
func (e *Entry) prepare() error {
	if e.ClinicID == uuid.Nil {
		return fmt.Errorf("audit entry %s: clinic_id is required", e.Action)
	}
	if e.UserID == uuid.Nil {
		return fmt.Errorf("audit entry %s: user_id is required", e.Action)
	}
	if e.Action == "" {
		return fmt.Errorf("audit entry: action is required")
	}
	if e.EntityType == "" || e.EntityID == uuid.Nil {
		return fmt.Errorf("audit entry %s: entity is required", e.Action)
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	return nil
}

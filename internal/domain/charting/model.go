package charting

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/medspa/chartkeeper/internal/platform/apperr"
	"github.com/medspa/chartkeeper/internal/platform/cardcheck"
	"github.com/medspa/chartkeeper/internal/platform/recordhash"
)

// Status is the lifecycle state of a record. An Encounter stores it
// directly; a standalone Chart stores the legacy ChartStatus equivalent.
type Status string

const (
	StatusDraft         Status = "Draft"
	StatusPendingReview Status = "PendingReview"
	StatusFinalized     Status = "Finalized"
)

// ChartStatus is the legacy per-chart status column.
type ChartStatus string

const (
	ChartDraft        ChartStatus = "Draft"
	ChartNeedsSignOff ChartStatus = "NeedsSignOff"
	ChartMDSigned     ChartStatus = "MDSigned"
)

// Chart returns the legacy status mirroring s.
func (s Status) Chart() ChartStatus {
	switch s {
	case StatusPendingReview:
		return ChartNeedsSignOff
	case StatusFinalized:
		return ChartMDSigned
	default:
		return ChartDraft
	}
}

// Lifecycle returns the lifecycle status a legacy chart status stands for.
func (s ChartStatus) Lifecycle() Status {
	switch s {
	case ChartNeedsSignOff:
		return StatusPendingReview
	case ChartMDSigned:
		return StatusFinalized
	default:
		return StatusDraft
	}
}

// Error messages callers match on.
const (
	MsgFinalized          = "Encounter finalized. Changes require addendum."
	MsgChartNotDraft      = "Cannot edit a non-draft chart"
	MsgCardNotDraft       = "Cannot edit treatment cards on a non-draft chart"
	MsgNotPendingReview   = "Chart is not pending review"
	MsgNotProviderSigned  = "Chart has not been provider-signed yet"
	MsgAlreadyFinalized   = "Chart is already finalized"
	MsgAlreadyPending     = "Chart is already pending review"
	MsgNotSigned          = "Chart has not been signed"
	MsgHighRiskMissing    = "Treatment cards are missing required high-risk fields"
	MsgInvalidStructured  = "Structured data must be valid JSON"
	MsgInvalidAnnotations = "Annotations must be a JSON array"
)

// Roles known to the clinic user table.
const (
	RoleOwner           = "Owner"
	RoleAdmin           = "Admin"
	RoleProvider        = "Provider"
	RoleMedicalDirector = "MedicalDirector"
	RoleFrontDesk       = "FrontDesk"
	RoleBilling         = "Billing"
)

type User struct {
	ID               uuid.UUID `json:"id"`
	ClinicID         uuid.UUID `json:"clinic_id"`
	DisplayName      string    `json:"display_name"`
	Role             string    `json:"role"`
	RequiresMDReview bool      `json:"requires_md_review"`
}

type Encounter struct {
	ID          uuid.UUID  `json:"id"`
	ClinicID    uuid.UUID  `json:"clinic_id"`
	PatientID   uuid.UUID  `json:"patient_id"`
	ProviderID  uuid.UUID  `json:"provider_id"`
	Status      Status     `json:"status"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
	Version     int        `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type Chart struct {
	ID                 uuid.UUID   `json:"id"`
	ClinicID           uuid.UUID   `json:"clinic_id"`
	PatientID          uuid.UUID   `json:"patient_id"`
	EncounterID        *uuid.UUID  `json:"encounter_id,omitempty"`
	Status             ChartStatus `json:"status"`
	ChiefComplaint     *string     `json:"chief_complaint,omitempty"`
	AreasTreated       *string     `json:"areas_treated,omitempty"`
	ProductsUsed       *string     `json:"products_used,omitempty"`
	DosageUnits        *string     `json:"dosage_units,omitempty"`
	AftercareNotes     *string     `json:"aftercare_notes,omitempty"`
	AdditionalNotes    *string     `json:"additional_notes,omitempty"`
	ProviderSignedAt   *time.Time  `json:"provider_signed_at,omitempty"`
	ProviderSignedByID *uuid.UUID  `json:"provider_signed_by_id,omitempty"`
	SignedByID         *uuid.UUID  `json:"signed_by_id,omitempty"`
	SignedByName       *string     `json:"signed_by_name,omitempty"`
	SignedAt           *time.Time  `json:"signed_at,omitempty"`
	RecordHash         *string     `json:"record_hash,omitempty"`
	Version            int         `json:"version"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

type TreatmentCard struct {
	ID             uuid.UUID       `json:"id"`
	ClinicID       uuid.UUID       `json:"clinic_id"`
	ChartID        uuid.UUID       `json:"chart_id"`
	TemplateType   string          `json:"template_type"`
	Title          string          `json:"title"`
	NarrativeText  string          `json:"narrative_text"`
	StructuredData json.RawMessage `json:"structured_data"`
	SortOrder      int             `json:"sort_order"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type Photo struct {
	ID           uuid.UUID       `json:"id"`
	ClinicID     uuid.UUID       `json:"clinic_id"`
	ChartID      uuid.UUID       `json:"chart_id"`
	StorageKey   string          `json:"storage_key"`
	FileName     string          `json:"file_name"`
	ContentType  string          `json:"content_type"`
	SizeBytes    int64           `json:"size_bytes"`
	SHA256       string          `json:"sha256"`
	Annotations  json.RawMessage `json:"annotations"`
	UploadedByID uuid.UUID       `json:"uploaded_by_id"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Record is a chart together with the encounter that owns it, if any.
// Status fields on both are written only through transition.
type Record struct {
	Chart     *Chart
	Encounter *Encounter
}

// EffectiveStatus is the encounter status when an encounter exists and the
// chart's legacy status otherwise.
func (r *Record) EffectiveStatus() Status {
	if r.Encounter != nil {
		return r.Encounter.Status
	}
	return r.Chart.Status.Lifecycle()
}

// Drifted reports a chart whose legacy status disagrees with its encounter.
func (r *Record) Drifted() bool {
	return r.Encounter != nil && r.Chart.Status != r.Encounter.Status.Chart()
}

func (r *Record) transition(target Status, now time.Time) {
	if r.Encounter != nil {
		r.Encounter.Status = target
		r.Encounter.UpdatedAt = now
		if target == StatusFinalized {
			r.Encounter.FinalizedAt = &now
		}
	}
	r.Chart.Status = target.Chart()
	r.Chart.UpdatedAt = now
}

// checkEditable guards every Draft-only mutation.
func (r *Record) checkEditable(cardLevel bool) error {
	switch r.EffectiveStatus() {
	case StatusDraft:
		return nil
	case StatusFinalized:
		return apperr.InvalidTransition(MsgFinalized)
	default:
		if cardLevel {
			return apperr.InvalidTransition(MsgCardNotDraft)
		}
		return apperr.InvalidTransition(MsgChartNotDraft)
	}
}

// hashContent maps the chart and its cards onto the hashed fields.
func (r *Record) hashContent(cards []*TreatmentCard) recordhash.Content {
	c := r.Chart
	content := recordhash.Content{
		ID:              c.ID.String(),
		ChiefComplaint:  c.ChiefComplaint,
		AreasTreated:    c.AreasTreated,
		ProductsUsed:    c.ProductsUsed,
		DosageUnits:     c.DosageUnits,
		AftercareNotes:  c.AftercareNotes,
		AdditionalNotes: c.AdditionalNotes,
		TreatmentCards:  make([]recordhash.Card, 0, len(cards)),
	}
	for _, card := range cards {
		content.TreatmentCards = append(content.TreatmentCards, recordhash.Card{
			SortOrder:      card.SortOrder,
			NarrativeText:  card.NarrativeText,
			StructuredData: card.StructuredData,
		})
	}
	return content
}

// ChartView is the read model returned to callers.
type ChartView struct {
	Chart           *Chart           `json:"chart"`
	Encounter       *Encounter       `json:"encounter,omitempty"`
	EffectiveStatus Status           `json:"effective_status"`
	TreatmentCards  []*TreatmentCard `json:"treatment_cards,omitempty"`
	Photos          []*Photo         `json:"photos,omitempty"`
}

func (r *Record) view() *ChartView {
	return &ChartView{Chart: r.Chart, Encounter: r.Encounter, EffectiveStatus: r.EffectiveStatus()}
}

// ChartPatch updates the clinical text fields. Nil fields are unchanged.
type ChartPatch struct {
	ChiefComplaint  *string `json:"chief_complaint" validate:"omitempty,max=20000"`
	AreasTreated    *string `json:"areas_treated" validate:"omitempty,max=20000"`
	ProductsUsed    *string `json:"products_used" validate:"omitempty,max=20000"`
	DosageUnits     *string `json:"dosage_units" validate:"omitempty,max=20000"`
	AftercareNotes  *string `json:"aftercare_notes" validate:"omitempty,max=20000"`
	AdditionalNotes *string `json:"additional_notes" validate:"omitempty,max=20000"`
}

// apply writes the patch onto c and returns the names of the fields set.
func (p ChartPatch) apply(c *Chart) []string {
	var changed []string
	set := func(name string, dst **string, v *string) {
		if v == nil {
			return
		}
		val := *v
		*dst = &val
		changed = append(changed, name)
	}
	set("chiefComplaint", &c.ChiefComplaint, p.ChiefComplaint)
	set("areasTreated", &c.AreasTreated, p.AreasTreated)
	set("productsUsed", &c.ProductsUsed, p.ProductsUsed)
	set("dosageUnits", &c.DosageUnits, p.DosageUnits)
	set("aftercareNotes", &c.AftercareNotes, p.AftercareNotes)
	set("additionalNotes", &c.AdditionalNotes, p.AdditionalNotes)
	return changed
}

func (p ChartPatch) empty() bool {
	return p.ChiefComplaint == nil && p.AreasTreated == nil && p.ProductsUsed == nil &&
		p.DosageUnits == nil && p.AftercareNotes == nil && p.AdditionalNotes == nil
}

type CardPatch struct {
	Title          *string         `json:"title" validate:"omitempty,max=200"`
	NarrativeText  *string         `json:"narrative_text" validate:"omitempty,max=50000"`
	StructuredData json.RawMessage `json:"structured_data"`
}

type NewCard struct {
	TemplateType   string          `json:"template_type" validate:"max=64"`
	Title          string          `json:"title" validate:"max=200"`
	NarrativeText  string          `json:"narrative_text" validate:"max=50000"`
	StructuredData json.RawMessage `json:"structured_data"`
}

// AiDraft is a reviewed draft produced by the documentation assistant.
type AiDraft struct {
	Fields         ChartPatch `json:"fields"`
	TreatmentCards []NewCard  `json:"treatment_cards" validate:"max=50,dive"`
}

type StartEncounterInput struct {
	PatientID  uuid.UUID `json:"patient_id" validate:"required"`
	ProviderID uuid.UUID `json:"provider_id" validate:"required"`
}

// CardResult is a card returned with its current validation outcome.
type CardResult struct {
	Card       *TreatmentCard   `json:"card"`
	Validation cardcheck.Result `json:"validation"`
}

// IntegrityReport is the outcome of recomputing a chart's record hash.
type IntegrityReport struct {
	ChartID      uuid.UUID `json:"chart_id"`
	StoredHash   string    `json:"stored_hash"`
	ComputedHash string    `json:"computed_hash"`
	Matches      bool      `json:"matches"`
}

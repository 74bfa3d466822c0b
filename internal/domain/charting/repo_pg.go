package charting

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medspa/chartkeeper/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFrom(ctx, r.pool)
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func lockClause(lock bool) string {
	if lock {
		return " FOR UPDATE"
	}
	return ""
}

func (r *repoPG) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, clinic_id, display_name, role, requires_md_review
		FROM app_user WHERE id = $1`, id,
	).Scan(&u.ID, &u.ClinicID, &u.DisplayName, &u.Role, &u.RequiresMDReview)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// -- Encounters --

const encCols = `id, clinic_id, patient_id, provider_id, status, finalized_at, version, created_at, updated_at`

func scanEnc(row pgx.Row) (*Encounter, error) {
	var e Encounter
	var status string
	if err := row.Scan(&e.ID, &e.ClinicID, &e.PatientID, &e.ProviderID, &status,
		&e.FinalizedAt, &e.Version, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	e.Status = Status(status)
	return &e, nil
}

func (r *repoPG) CreateEncounter(ctx context.Context, enc *Encounter) error {
	if enc.ID == uuid.Nil {
		enc.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO encounter (id, clinic_id, patient_id, provider_id, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING version, created_at, updated_at`,
		enc.ID, enc.ClinicID, enc.PatientID, enc.ProviderID, string(enc.Status),
	).Scan(&enc.Version, &enc.CreatedAt, &enc.UpdatedAt)
}

func (r *repoPG) GetEncounter(ctx context.Context, id uuid.UUID, lock bool) (*Encounter, error) {
	return scanEnc(r.conn(ctx).QueryRow(ctx,
		`SELECT `+encCols+` FROM encounter WHERE id = $1`+lockClause(lock), id))
}

func (r *repoPG) UpdateEncounter(ctx context.Context, enc *Encounter) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE encounter SET status = $3, finalized_at = $4, updated_at = $5, version = version + 1
		WHERE id = $1 AND version = $2`,
		enc.ID, enc.Version, string(enc.Status), enc.FinalizedAt, enc.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	enc.Version++
	return nil
}

// -- Charts --

const chartCols = `id, clinic_id, patient_id, encounter_id, status,
	chief_complaint, areas_treated, products_used, dosage_units, aftercare_notes, additional_notes,
	provider_signed_at, provider_signed_by_id, signed_by_id, signed_by_name, signed_at,
	record_hash, version, created_at, updated_at`

func scanChart(row pgx.Row) (*Chart, error) {
	var c Chart
	var status string
	if err := row.Scan(&c.ID, &c.ClinicID, &c.PatientID, &c.EncounterID, &status,
		&c.ChiefComplaint, &c.AreasTreated, &c.ProductsUsed, &c.DosageUnits, &c.AftercareNotes, &c.AdditionalNotes,
		&c.ProviderSignedAt, &c.ProviderSignedByID, &c.SignedByID, &c.SignedByName, &c.SignedAt,
		&c.RecordHash, &c.Version, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	c.Status = ChartStatus(status)
	return &c, nil
}

func (r *repoPG) CreateChart(ctx context.Context, c *Chart) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO chart (id, clinic_id, patient_id, encounter_id, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING version, created_at, updated_at`,
		c.ID, c.ClinicID, c.PatientID, c.EncounterID, string(c.Status),
	).Scan(&c.Version, &c.CreatedAt, &c.UpdatedAt)
}

func (r *repoPG) GetChart(ctx context.Context, id uuid.UUID, lock bool) (*Chart, error) {
	return scanChart(r.conn(ctx).QueryRow(ctx,
		`SELECT `+chartCols+` FROM chart WHERE id = $1`+lockClause(lock), id))
}

func (r *repoPG) UpdateChart(ctx context.Context, c *Chart) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE chart SET
			status = $3,
			chief_complaint = $4, areas_treated = $5, products_used = $6,
			dosage_units = $7, aftercare_notes = $8, additional_notes = $9,
			provider_signed_at = $10, provider_signed_by_id = $11,
			signed_by_id = $12, signed_by_name = $13, signed_at = $14,
			record_hash = $15, updated_at = $16, version = version + 1
		WHERE id = $1 AND version = $2`,
		c.ID, c.Version, string(c.Status),
		c.ChiefComplaint, c.AreasTreated, c.ProductsUsed,
		c.DosageUnits, c.AftercareNotes, c.AdditionalNotes,
		c.ProviderSignedAt, c.ProviderSignedByID,
		c.SignedByID, c.SignedByName, c.SignedAt,
		c.RecordHash, c.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	c.Version++
	return nil
}

// -- Treatment cards --

const cardCols = `id, clinic_id, chart_id, template_type, title, narrative_text, structured_data, sort_order, created_at, updated_at`

func scanCard(row pgx.Row) (*TreatmentCard, error) {
	var c TreatmentCard
	var data []byte
	if err := row.Scan(&c.ID, &c.ClinicID, &c.ChartID, &c.TemplateType, &c.Title, &c.NarrativeText,
		&data, &c.SortOrder, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	c.StructuredData = json.RawMessage(data)
	return &c, nil
}

func (r *repoPG) ListTreatmentCards(ctx context.Context, chartID uuid.UUID) ([]*TreatmentCard, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+cardCols+` FROM treatment_card WHERE chart_id = $1 ORDER BY sort_order, created_at, id`, chartID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cards []*TreatmentCard
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

func (r *repoPG) GetTreatmentCard(ctx context.Context, id uuid.UUID) (*TreatmentCard, error) {
	return scanCard(r.conn(ctx).QueryRow(ctx, `SELECT `+cardCols+` FROM treatment_card WHERE id = $1`, id))
}

func (r *repoPG) CreateTreatmentCard(ctx context.Context, card *TreatmentCard) error {
	if card.ID == uuid.Nil {
		card.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO treatment_card (id, clinic_id, chart_id, template_type, title, narrative_text, structured_data, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		card.ID, card.ClinicID, card.ChartID, card.TemplateType, card.Title, card.NarrativeText,
		jsonbArg(card.StructuredData, "{}"), card.SortOrder,
	).Scan(&card.CreatedAt, &card.UpdatedAt)
}

func (r *repoPG) UpdateTreatmentCard(ctx context.Context, card *TreatmentCard) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE treatment_card SET title = $2, narrative_text = $3, structured_data = $4, updated_at = $5
		WHERE id = $1`,
		card.ID, card.Title, card.NarrativeText, jsonbArg(card.StructuredData, "{}"), card.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// -- Photos --

const photoCols = `id, clinic_id, chart_id, storage_key, file_name, content_type, size_bytes, sha256,
	annotations, uploaded_by_id, created_at, updated_at`

func scanPhoto(row pgx.Row) (*Photo, error) {
	var p Photo
	var annotations []byte
	if err := row.Scan(&p.ID, &p.ClinicID, &p.ChartID, &p.StorageKey, &p.FileName, &p.ContentType,
		&p.SizeBytes, &p.SHA256, &annotations, &p.UploadedByID, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	p.Annotations = json.RawMessage(annotations)
	return &p, nil
}

func (r *repoPG) ListPhotos(ctx context.Context, chartID uuid.UUID) ([]*Photo, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+photoCols+` FROM photo WHERE chart_id = $1 ORDER BY created_at, id`, chartID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var photos []*Photo
	for rows.Next() {
		p, err := scanPhoto(rows)
		if err != nil {
			return nil, err
		}
		photos = append(photos, p)
	}
	return photos, rows.Err()
}

func (r *repoPG) GetPhoto(ctx context.Context, id uuid.UUID) (*Photo, error) {
	return scanPhoto(r.conn(ctx).QueryRow(ctx, `SELECT `+photoCols+` FROM photo WHERE id = $1`, id))
}

func (r *repoPG) CreatePhoto(ctx context.Context, p *Photo) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO photo (id, clinic_id, chart_id, storage_key, file_name, content_type, size_bytes, sha256, annotations, uploaded_by_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`,
		p.ID, p.ClinicID, p.ChartID, p.StorageKey, p.FileName, p.ContentType, p.SizeBytes, p.SHA256,
		jsonbArg(p.Annotations, "[]"), p.UploadedByID,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *repoPG) UpdatePhotoAnnotations(ctx context.Context, id uuid.UUID, annotations json.RawMessage, now time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE photo SET annotations = $2, updated_at = $3 WHERE id = $1`,
		id, jsonbArg(annotations, "[]"), now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// jsonbArg passes raw JSON as text so pgx does not re-encode it.
func jsonbArg(raw json.RawMessage, empty string) string {
	if len(raw) == 0 {
		return empty
	}
	return string(raw)
}

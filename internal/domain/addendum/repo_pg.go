package addendum

import (
	"context"
	"errors"
	"fmt"

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

func (r *repoPG) GetEncounter(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	var e Encounter
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, clinic_id, patient_id, status
		FROM encounter WHERE id = $1 FOR SHARE`, id,
	).Scan(&e.ID, &e.ClinicID, &e.PatientID, &e.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *repoPG) Create(ctx context.Context, a *Addendum) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO addendum (id, clinic_id, encounter_id, author_id, text)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		a.ID, a.ClinicID, a.EncounterID, a.AuthorID, a.Text,
	).Scan(&a.CreatedAt)
}

func (r *repoPG) ListByEncounter(ctx context.Context, encounterID uuid.UUID) ([]*Addendum, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT a.id, a.clinic_id, a.encounter_id, a.author_id, COALESCE(u.display_name, ''), a.text, a.created_at
		FROM addendum a
		LEFT JOIN app_user u ON u.id = a.author_id
		WHERE a.encounter_id = $1
		ORDER BY a.created_at, a.id`, encounterID)
	if err != nil {
		return nil, fmt.Errorf("query addenda: %w", err)
	}
	defer rows.Close()

	var out []*Addendum
	for rows.Next() {
		var a Addendum
		if err := rows.Scan(&a.ID, &a.ClinicID, &a.EncounterID, &a.AuthorID, &a.AuthorName, &a.Text, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

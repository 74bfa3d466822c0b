package auditlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medspa/chartkeeper/internal/platform/db"
)

// PGSink writes entries to the audit_log table. It uses the transaction or
// clinic-scoped connection from context when available, falling back to the
// pool.
type PGSink struct {
	pool *pgxpool.Pool
}

func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool}
}

func (s *PGSink) Append(ctx context.Context, e *Entry) error {
	if err := e.prepare(); err != nil {
		return err
	}
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("audit log: encode details: %w", err)
	}

	const query = `
		INSERT INTO audit_log (id, clinic_id, user_id, action, entity_type, entity_id, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`

	err = db.QuerierFrom(ctx, s.pool).QueryRow(ctx, query,
		e.ID, e.ClinicID, e.UserID, string(e.Action), e.EntityType, e.EntityID, details,
	).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("audit log: append %s: %w", e.Action, err)
	}
	return nil
}

// ListForEntity returns the trail of one entity in append order. It backs
// compliance exports; the lifecycle services never read the log.
func (s *PGSink) ListForEntity(ctx context.Context, clinicID uuid.UUID, entityType string, entityID uuid.UUID) ([]*Entry, error) {
	rows, err := db.QuerierFrom(ctx, s.pool).Query(ctx, `
		SELECT id, clinic_id, user_id, action, entity_type, entity_id, details, created_at
		FROM audit_log
		WHERE clinic_id = $1 AND entity_type = $2 AND entity_id = $3
		ORDER BY created_at, id`, clinicID, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("audit log: list: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var (
			e       Entry
			action  string
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.ClinicID, &e.UserID, &action, &e.EntityType, &e.EntityID, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit log: scan: %w", err)
		}
		e.Action = Action(action)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("audit log: decode details: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

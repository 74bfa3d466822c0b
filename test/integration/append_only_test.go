package integration

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/medspa/chartkeeper/internal/domain/charting"
)

// finalizedEncounter drives one encounter to Finalized and adds an addendum.
func finalizedEncounter(t *testing.T, clinic *clinicFixture, svc *services) (encounterID, addendumID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	view, err := svc.charting.StartEncounter(ctx, clinic.Licensed, charting.StartEncounterInput{
		PatientID:  uuid.New(),
		ProviderID: clinic.Licensed.UserID,
	})
	if err != nil {
		t.Fatalf("StartEncounter: %v", err)
	}
	if _, err := svc.charting.ProviderSign(ctx, clinic.Licensed, view.Chart.ID); err != nil {
		t.Fatalf("ProviderSign: %v", err)
	}
	a, err := svc.addendum.CreateAddendum(ctx, clinic.Licensed, view.Encounter.ID, "Late entry.")
	if err != nil {
		t.Fatalf("CreateAddendum: %v", err)
	}
	return view.Encounter.ID, a.ID
}

func expectInsufficientPrivilege(t *testing.T, err error) {
	t.Helper()
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected a postgres error, got %v", err)
	}
	if pgErr.Code != "42501" {
		t.Errorf("expected SQLSTATE 42501, got %s (%s)", pgErr.Code, pgErr.Message)
	}
}

func TestAppendOnly_AddendumRejectsUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	clinic := seedClinic(t)
	svc := newServices(t)
	_, addendumID := finalizedEncounter(t, clinic, svc)

	_, err := globalDB.Pool.Exec(ctx, `UPDATE addendum SET text = 'rewritten' WHERE id = $1`, addendumID)
	expectInsufficientPrivilege(t, err)

	_, err = globalDB.Pool.Exec(ctx, `DELETE FROM addendum WHERE id = $1`, addendumID)
	expectInsufficientPrivilege(t, err)

	var text string
	if err := globalDB.Pool.QueryRow(ctx, `SELECT text FROM addendum WHERE id = $1`, addendumID).Scan(&text); err != nil {
		t.Fatalf("read addendum: %v", err)
	}
	if text != "Late entry." {
		t.Errorf("expected original text, got %q", text)
	}
}

func TestAppendOnly_AuditLogRejectsUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	clinic := seedClinic(t)
	svc := newServices(t)
	encounterID, _ := finalizedEncounter(t, clinic, svc)

	_, err := globalDB.Pool.Exec(ctx,
		`UPDATE audit_log SET action = 'Tampered' WHERE clinic_id = $1`, clinic.ID)
	expectInsufficientPrivilege(t, err)

	_, err = globalDB.Pool.Exec(ctx, `DELETE FROM audit_log WHERE clinic_id = $1`, clinic.ID)
	expectInsufficientPrivilege(t, err)

	var n int
	if err := globalDB.Pool.QueryRow(ctx,
		`SELECT count(*) FROM audit_log WHERE clinic_id = $1 AND entity_id = $2`, clinic.ID, encounterID,
	).Scan(&n); err != nil {
		t.Fatalf("count audit rows: %v", err)
	}
	if n != 1 {
		t.Errorf("expected the EncounterStarted entry to survive, got %d rows", n)
	}
}

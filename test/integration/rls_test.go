package integration

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/medspa/chartkeeper/internal/domain/charting"
	"github.com/medspa/chartkeeper/internal/platform/db"
)

// rlsProbeRole is a non-superuser role; superusers bypass row-level security.
const rlsProbeRole = "chartkeeper_rls_probe"

func ensureProbeRole(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	stmts := []string{
		`DO $$ BEGIN
			IF NOT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = '` + rlsProbeRole + `') THEN
				CREATE ROLE ` + rlsProbeRole + ` NOLOGIN;
			END IF;
		END $$`,
		`GRANT USAGE ON SCHEMA public TO ` + rlsProbeRole,
		`GRANT SELECT ON ALL TABLES IN SCHEMA public TO ` + rlsProbeRole,
	}
	for _, s := range stmts {
		if _, err := globalDB.Pool.Exec(ctx, s); err != nil {
			t.Fatalf("prepare probe role: %v", err)
		}
	}
}

// scopedContext pins a connection to clinicID the way the clinic scope
// middleware does, running as the probe role.
func scopedContext(t *testing.T, clinicID uuid.UUID) context.Context {
	t.Helper()
	ctx := context.Background()
	conn, err := globalDB.Pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	t.Cleanup(func() {
		conn.Exec(context.Background(), "RESET ROLE")
		conn.Exec(context.Background(), "SELECT set_config('app.clinic_id', '', false)")
		conn.Release()
	})
	if _, err := conn.Exec(ctx, "SET ROLE "+rlsProbeRole); err != nil {
		t.Fatalf("set role: %v", err)
	}
	if _, err := conn.Exec(ctx, "SELECT set_config('app.clinic_id', $1, false)", clinicID.String()); err != nil {
		t.Fatalf("set clinic: %v", err)
	}
	ctx = db.WithClinic(ctx, clinicID)
	return context.WithValue(ctx, db.DBConnKey, conn)
}

func TestRLS_HidesOtherClinicRows(t *testing.T) {
	ensureProbeRole(t)
	home := seedClinic(t)
	away := seedClinic(t)
	svc := newServices(t)

	start := func(c *clinicFixture) uuid.UUID {
		view, err := svc.charting.StartEncounter(context.Background(), c.Licensed, charting.StartEncounterInput{
			PatientID:  uuid.New(),
			ProviderID: c.Licensed.UserID,
		})
		if err != nil {
			t.Fatalf("StartEncounter: %v", err)
		}
		return view.Chart.ID
	}
	homeChart := start(home)
	awayChart := start(away)

	ctx := scopedContext(t, home.ID)
	repo := charting.NewRepo(globalDB.Pool)

	if _, err := repo.GetChart(ctx, homeChart, false); err != nil {
		t.Fatalf("expected own chart to be visible, got %v", err)
	}
	if _, err := repo.GetChart(ctx, awayChart, false); !errors.Is(err, charting.ErrNotFound) {
		t.Errorf("expected other clinic's chart to be hidden, got %v", err)
	}
	if _, err := repo.GetUser(ctx, away.MD.UserID); !errors.Is(err, charting.ErrNotFound) {
		t.Errorf("expected other clinic's user to be hidden, got %v", err)
	}

	var audits int
	if err := db.QuerierFrom(ctx, globalDB.Pool).QueryRow(ctx,
		`SELECT count(*) FROM audit_log WHERE clinic_id = $1`, away.ID,
	).Scan(&audits); err != nil {
		t.Fatalf("count audit rows: %v", err)
	}
	if audits != 0 {
		t.Errorf("expected no visible audit rows for the other clinic, got %d", audits)
	}
}

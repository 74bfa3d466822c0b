package integration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medspa/chartkeeper/internal/domain/addendum"
	"github.com/medspa/chartkeeper/internal/domain/auditlog"
	"github.com/medspa/chartkeeper/internal/domain/charting"
	"github.com/medspa/chartkeeper/internal/platform/auth"
	"github.com/medspa/chartkeeper/internal/platform/cardcheck"
	"github.com/medspa/chartkeeper/internal/platform/db"
	"github.com/medspa/chartkeeper/internal/platform/mediastore"
	"github.com/medspa/chartkeeper/internal/platform/permission"
	"github.com/medspa/chartkeeper/migrations"
)

// testDB holds the shared database infrastructure for integration tests.
type testDB struct {
	Pool    *pgxpool.Pool
	ConnStr string
}

// globalDB is the package-level test database, initialized once in TestMain.
var globalDB *testDB

var errDockerUnavailable = errors.New("docker not available")

func TestMain(m *testing.M) {
	ctx := context.Background()

	tdb, cleanup, err := setupDatabase(ctx)
	if errors.Is(err, errDockerUnavailable) {
		fmt.Fprintln(os.Stderr, "skipping integration tests: set INTEGRATION_DATABASE_URL or install docker")
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup integration database: %v\n", err)
		os.Exit(1)
	}

	globalDB = tdb
	code := m.Run()
	cleanup()
	os.Exit(code)
}

// setupDatabase connects to INTEGRATION_DATABASE_URL when set and otherwise
// starts a throwaway postgres container. Migrations run into public.
func setupDatabase(ctx context.Context) (*testDB, func(), error) {
	connStr := os.Getenv("INTEGRATION_DATABASE_URL")
	stop := func() {}
	if connStr == "" {
		var err error
		connStr, stop, err = startPostgresContainer(ctx)
		if err != nil {
			return nil, nil, err
		}
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		stop()
		return nil, nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		stop()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.NewMigrator(pool, migrations.FS).Up(ctx, "public"); err != nil {
		pool.Close()
		stop()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}

	return &testDB{Pool: pool, ConnStr: connStr}, func() {
		pool.Close()
		stop()
	}, nil
}

// clinicFixture is one seeded clinic with a user per role.
type clinicFixture struct {
	ID       uuid.UUID
	Owner    auth.Actor
	Provider auth.Actor // requires MD review
	Licensed auth.Actor // finalizes directly
	MD       auth.Actor
	Front    auth.Actor
}

func seedClinic(t *testing.T) *clinicFixture {
	t.Helper()
	ctx := context.Background()

	f := &clinicFixture{ID: uuid.New()}
	if _, err := globalDB.Pool.Exec(ctx,
		`INSERT INTO clinic (id, name) VALUES ($1, $2)`, f.ID, "Clinic "+f.ID.String()[:8]); err != nil {
		t.Fatalf("seed clinic: %v", err)
	}
	f.Owner = seedUser(t, f.ID, "Olivia Owner", charting.RoleOwner, false)
	f.Provider = seedUser(t, f.ID, "Nina NP", charting.RoleProvider, true)
	f.Licensed = seedUser(t, f.ID, "Dr. Lee", charting.RoleProvider, false)
	f.MD = seedUser(t, f.ID, "Dr. Medina", charting.RoleMedicalDirector, false)
	f.Front = seedUser(t, f.ID, "Frank Desk", charting.RoleFrontDesk, false)
	return f
}

func seedUser(t *testing.T, clinicID uuid.UUID, name, role string, requiresReview bool) auth.Actor {
	t.Helper()
	id := uuid.New()
	_, err := globalDB.Pool.Exec(context.Background(), `
		INSERT INTO app_user (id, clinic_id, display_name, email, role, requires_md_review)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, clinicID, name, id.String()+"@example.test", role, requiresReview)
	if err != nil {
		t.Fatalf("seed user %s: %v", name, err)
	}
	return auth.Actor{UserID: id, Role: role, ClinicID: clinicID}
}

// services bundles the lifecycle services wired to the real repositories.
type services struct {
	charting *charting.Service
	addendum *addendum.Service
	audit    *auditlog.PGSink
	media    *mediastore.MemoryStore
}

func newServices(t *testing.T) *services {
	t.Helper()
	gate, err := permission.NewGate()
	if err != nil {
		t.Fatalf("NewGate() error: %v", err)
	}
	validator, err := cardcheck.New()
	if err != nil {
		t.Fatalf("cardcheck.New() error: %v", err)
	}

	pool := globalDB.Pool
	tx := db.NewTransactor(pool)
	sink := auditlog.NewPGSink(pool)
	media := mediastore.NewMemoryStore()
	return &services{
		charting: charting.NewService(charting.NewRepo(pool), tx, sink, gate, validator, media),
		addendum: addendum.NewService(addendum.NewRepo(pool), tx, sink, gate),
		audit:    sink,
		media:    media,
	}
}

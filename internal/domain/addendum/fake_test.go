package addendum

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/medspa/chartkeeper/internal/domain/auditlog"
	"github.com/medspa/chartkeeper/internal/platform/auth"
	"github.com/medspa/chartkeeper/internal/platform/permission"
)

// fakeStore implements Repository, db.Transactor and auditlog.Sink over
// in-memory slices. A failed transaction restores the prior state.
type fakeStore struct {
	encounters map[uuid.UUID]Encounter
	authors    map[uuid.UUID]string
	addenda    []Addendum
	audit      []auditlog.Entry
	auditErr   error
	clock      time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		encounters: map[uuid.UUID]Encounter{},
		authors:    map[uuid.UUID]string{},
		clock:      time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC),
	}
}

func (f *fakeStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	addenda := append([]Addendum(nil), f.addenda...)
	audit := append([]auditlog.Entry(nil), f.audit...)
	if err := fn(ctx); err != nil {
		f.addenda, f.audit = addenda, audit
		return err
	}
	return nil
}

func (f *fakeStore) Append(_ context.Context, e *auditlog.Entry) error {
	if f.auditErr != nil {
		return f.auditErr
	}
	f.audit = append(f.audit, *e)
	return nil
}

func (f *fakeStore) GetEncounter(_ context.Context, id uuid.UUID) (*Encounter, error) {
	e, ok := f.encounters[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (f *fakeStore) Create(_ context.Context, a *Addendum) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	f.clock = f.clock.Add(time.Second)
	a.CreatedAt = f.clock
	f.addenda = append(f.addenda, *a)
	return nil
}

func (f *fakeStore) ListByEncounter(_ context.Context, encounterID uuid.UUID) ([]*Addendum, error) {
	var out []*Addendum
	for _, a := range f.addenda {
		if a.EncounterID == encounterID {
			a := a
			a.AuthorName = f.authors[a.AuthorID]
			out = append(out, &a)
		}
	}
	return out, nil
}

type fixture struct {
	store  *fakeStore
	svc    *Service
	clinic uuid.UUID
	md     auth.Actor
	front  auth.Actor
	other  auth.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gate, err := permission.NewGate()
	if err != nil {
		t.Fatalf("NewGate() error: %v", err)
	}
	f := &fixture{store: newFakeStore(), clinic: uuid.New()}
	f.svc = NewService(f.store, f.store, f.store, gate)
	f.md = f.addUser(f.clinic, "Dr. Medina", "MedicalDirector")
	f.front = f.addUser(f.clinic, "Frank Desk", "FrontDesk")
	f.other = f.addUser(uuid.New(), "Dr. Elsewhere", "Owner")
	return f
}

func (f *fixture) addUser(clinic uuid.UUID, name, role string) auth.Actor {
	a := auth.Actor{UserID: uuid.New(), Role: role, ClinicID: clinic}
	f.store.authors[a.UserID] = name
	return a
}

func (f *fixture) addEncounter(status string) uuid.UUID {
	e := Encounter{ID: uuid.New(), ClinicID: f.clinic, PatientID: uuid.New(), Status: status}
	f.store.encounters[e.ID] = e
	return e.ID
}

var errBoom = errors.New("boom")

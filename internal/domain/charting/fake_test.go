package charting

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/medspa/chartkeeper/internal/domain/auditlog"
	"github.com/medspa/chartkeeper/internal/platform/auth"
	"github.com/medspa/chartkeeper/internal/platform/cardcheck"
	"github.com/medspa/chartkeeper/internal/platform/mediastore"
	"github.com/medspa/chartkeeper/internal/platform/permission"
)

// -- Fake store: Repository + db.Transactor + auditlog.Sink --

type fakeState struct {
	users      map[uuid.UUID]User
	encounters map[uuid.UUID]Encounter
	charts     map[uuid.UUID]Chart
	cards      map[uuid.UUID]TreatmentCard
	photos     map[uuid.UUID]Photo
	audit      []auditlog.Entry
}

func (s fakeState) clone() fakeState {
	out := fakeState{
		users:      make(map[uuid.UUID]User, len(s.users)),
		encounters: make(map[uuid.UUID]Encounter, len(s.encounters)),
		charts:     make(map[uuid.UUID]Chart, len(s.charts)),
		cards:      make(map[uuid.UUID]TreatmentCard, len(s.cards)),
		photos:     make(map[uuid.UUID]Photo, len(s.photos)),
		audit:      append([]auditlog.Entry(nil), s.audit...),
	}
	for k, v := range s.users {
		out.users[k] = v
	}
	for k, v := range s.encounters {
		out.encounters[k] = v
	}
	for k, v := range s.charts {
		out.charts[k] = v
	}
	for k, v := range s.cards {
		out.cards[k] = v
	}
	for k, v := range s.photos {
		out.photos[k] = v
	}
	return out
}

type fakeStore struct {
	fakeState

	// reads counts every Get/List call so tests can assert nothing was loaded.
	reads int
	// auditErr fails Append for the given action.
	auditErr map[auditlog.Action]error
	// bumpChartVersion simulates a concurrent writer before the next chart update.
	bumpChartVersion bool
	commits          int
	rollbacks        int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		fakeState: fakeState{
			users:      map[uuid.UUID]User{},
			encounters: map[uuid.UUID]Encounter{},
			charts:     map[uuid.UUID]Chart{},
			cards:      map[uuid.UUID]TreatmentCard{},
			photos:     map[uuid.UUID]Photo{},
		},
		auditErr: map[auditlog.Action]error{},
	}
}

func (f *fakeStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	snapshot := f.fakeState.clone()
	if err := fn(ctx); err != nil {
		f.fakeState = snapshot
		f.rollbacks++
		return err
	}
	f.commits++
	return nil
}

func (f *fakeStore) Append(_ context.Context, e *auditlog.Entry) error {
	if err := f.auditErr[e.Action]; err != nil {
		return err
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = time.Now()
	f.audit = append(f.audit, *e)
	return nil
}

func (f *fakeStore) GetUser(_ context.Context, id uuid.UUID) (*User, error) {
	f.reads++
	u, ok := f.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (f *fakeStore) CreateEncounter(_ context.Context, enc *Encounter) error {
	if enc.ID == uuid.Nil {
		enc.ID = uuid.New()
	}
	enc.Version = 1
	enc.CreatedAt = time.Now()
	enc.UpdatedAt = enc.CreatedAt
	f.encounters[enc.ID] = *enc
	return nil
}

func (f *fakeStore) GetEncounter(_ context.Context, id uuid.UUID, _ bool) (*Encounter, error) {
	f.reads++
	e, ok := f.encounters[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (f *fakeStore) UpdateEncounter(_ context.Context, enc *Encounter) error {
	cur, ok := f.encounters[enc.ID]
	if !ok || cur.Version != enc.Version {
		return ErrVersionConflict
	}
	enc.Version++
	f.encounters[enc.ID] = *enc
	return nil
}

func (f *fakeStore) CreateChart(_ context.Context, c *Chart) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.Version = 1
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	f.charts[c.ID] = *c
	return nil
}

func (f *fakeStore) GetChart(_ context.Context, id uuid.UUID, _ bool) (*Chart, error) {
	f.reads++
	c, ok := f.charts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (f *fakeStore) UpdateChart(_ context.Context, c *Chart) error {
	cur, ok := f.charts[c.ID]
	if !ok {
		return ErrNotFound
	}
	if f.bumpChartVersion {
		f.bumpChartVersion = false
		cur.Version++
		f.charts[c.ID] = cur
	}
	if cur.Version != c.Version {
		return ErrVersionConflict
	}
	c.Version++
	f.charts[c.ID] = *c
	return nil
}

func (f *fakeStore) ListTreatmentCards(_ context.Context, chartID uuid.UUID) ([]*TreatmentCard, error) {
	f.reads++
	var out []*TreatmentCard
	for _, c := range f.cards {
		if c.ChartID == chartID {
			c := c
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out, nil
}

func (f *fakeStore) GetTreatmentCard(_ context.Context, id uuid.UUID) (*TreatmentCard, error) {
	f.reads++
	c, ok := f.cards[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (f *fakeStore) CreateTreatmentCard(_ context.Context, card *TreatmentCard) error {
	if card.ID == uuid.Nil {
		card.ID = uuid.New()
	}
	f.cards[card.ID] = *card
	return nil
}

func (f *fakeStore) UpdateTreatmentCard(_ context.Context, card *TreatmentCard) error {
	if _, ok := f.cards[card.ID]; !ok {
		return ErrNotFound
	}
	f.cards[card.ID] = *card
	return nil
}

func (f *fakeStore) ListPhotos(_ context.Context, chartID uuid.UUID) ([]*Photo, error) {
	f.reads++
	var out []*Photo
	for _, p := range f.photos {
		if p.ChartID == chartID {
			p := p
			out = append(out, &p)
		}
	}
	return out, nil
}

func (f *fakeStore) GetPhoto(_ context.Context, id uuid.UUID) (*Photo, error) {
	f.reads++
	p, ok := f.photos[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (f *fakeStore) CreatePhoto(_ context.Context, p *Photo) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	f.photos[p.ID] = *p
	return nil
}

func (f *fakeStore) UpdatePhotoAnnotations(_ context.Context, id uuid.UUID, annotations json.RawMessage, now time.Time) error {
	p, ok := f.photos[id]
	if !ok {
		return ErrNotFound
	}
	p.Annotations = annotations
	p.UpdatedAt = now
	f.photos[id] = p
	return nil
}

func (f *fakeStore) auditActions() []auditlog.Action {
	out := make([]auditlog.Action, 0, len(f.audit))
	for _, e := range f.audit {
		out = append(out, e.Action)
	}
	return out
}

func (f *fakeStore) lastAudit(t *testing.T) auditlog.Entry {
	t.Helper()
	if len(f.audit) == 0 {
		t.Fatal("expected an audit entry, got none")
	}
	return f.audit[len(f.audit)-1]
}

// -- Fixtures --

type fixture struct {
	store  *fakeStore
	media  *mediastore.MemoryStore
	svc    *Service
	clinic uuid.UUID
	now    time.Time

	owner    auth.Actor
	provider auth.Actor // requires MD review
	licensed auth.Actor // finalizes directly
	md       auth.Actor
	front    auth.Actor
	outsider auth.Actor // MedicalDirector at another clinic
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gate, err := permission.NewGate()
	if err != nil {
		t.Fatalf("NewGate() error: %v", err)
	}
	validator, err := cardcheck.New()
	if err != nil {
		t.Fatalf("cardcheck.New() error: %v", err)
	}

	f := &fixture{
		store:  newFakeStore(),
		media:  mediastore.NewMemoryStore(),
		clinic: uuid.New(),
		now:    time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(f.store, f.store, f.store, gate, validator, f.media)
	f.svc.now = func() time.Time { return f.now }

	f.owner = f.addUser(f.clinic, "Olivia Owner", RoleOwner, false)
	f.provider = f.addUser(f.clinic, "Nina NP", RoleProvider, true)
	f.licensed = f.addUser(f.clinic, "Dr. Lee", RoleProvider, false)
	f.md = f.addUser(f.clinic, "Dr. Medina", RoleMedicalDirector, false)
	f.front = f.addUser(f.clinic, "Frank Desk", RoleFrontDesk, false)
	f.outsider = f.addUser(uuid.New(), "Dr. Elsewhere", RoleMedicalDirector, false)
	return f
}

func (f *fixture) addUser(clinic uuid.UUID, name, role string, requiresReview bool) auth.Actor {
	u := User{ID: uuid.New(), ClinicID: clinic, DisplayName: name, Role: role, RequiresMDReview: requiresReview}
	f.store.users[u.ID] = u
	return auth.Actor{UserID: u.ID, Role: role, ClinicID: clinic}
}

// newRecord seeds an encounter-backed chart in the given status, owned by
// f.provider.
func (f *fixture) newRecord(status Status) (chartID, encounterID uuid.UUID) {
	return f.newRecordFor(status, f.provider)
}

// newRecordFor seeds an encounter-backed chart whose responsible provider is
// provider. Non-draft records are marked provider-signed by that provider.
func (f *fixture) newRecordFor(status Status, provider auth.Actor) (chartID, encounterID uuid.UUID) {
	enc := Encounter{
		ID: uuid.New(), ClinicID: f.clinic, PatientID: uuid.New(), ProviderID: provider.UserID,
		Status: status, Version: 1,
	}
	f.store.encounters[enc.ID] = enc
	chart := Chart{
		ID: uuid.New(), ClinicID: f.clinic, PatientID: enc.PatientID, EncounterID: &enc.ID,
		Status: status.Chart(), Version: 1,
	}
	if status != StatusDraft {
		at := f.now.Add(-time.Hour)
		chart.ProviderSignedAt = &at
		chart.ProviderSignedByID = &provider.UserID
	}
	f.store.charts[chart.ID] = chart
	return chart.ID, enc.ID
}

// newLegacyChart seeds a chart with no encounter.
func (f *fixture) newLegacyChart(status ChartStatus) uuid.UUID {
	chart := Chart{ID: uuid.New(), ClinicID: f.clinic, PatientID: uuid.New(), Status: status, Version: 1}
	f.store.charts[chart.ID] = chart
	return chart.ID
}

func (f *fixture) addCard(chartID uuid.UUID, templateType string, sortOrder int, data string) uuid.UUID {
	card := TreatmentCard{
		ID: uuid.New(), ClinicID: f.clinic, ChartID: chartID, TemplateType: templateType,
		Title: templateType, NarrativeText: "narrative " + templateType,
		StructuredData: json.RawMessage(data), SortOrder: sortOrder,
	}
	f.store.cards[card.ID] = card
	return card.ID
}

func (f *fixture) addPhoto(chartID uuid.UUID) uuid.UUID {
	p := Photo{
		ID: uuid.New(), ClinicID: f.clinic, ChartID: chartID, StorageKey: "k", FileName: "before.png",
		ContentType: "image/png", Annotations: json.RawMessage("[]"), UploadedByID: f.provider.UserID,
	}
	f.store.photos[p.ID] = p
	return p.ID
}

const completeInjectable = `{"productName":"Botox","lotNumber":"C1234","totalUnits":40,"injectionSites":[{"site":"glabella","units":20},{"site":"forehead","units":20}]}`

var errBoom = errors.New("boom")

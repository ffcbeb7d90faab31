package ehrsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicops/ehrsync/internal/domain/clinic"
	"github.com/clinicops/ehrsync/internal/ehr"
)

// -- Mock clinic repositories --

type mockPatientRepo struct {
	mu    sync.Mutex
	store map[string]*clinic.Patient
}

func newMockPatientRepo() *mockPatientRepo {
	return &mockPatientRepo{store: make(map[string]*clinic.Patient)}
}

func (m *mockPatientRepo) GetByID(_ context.Context, tenantID, patientID string) (*clinic.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.store[tenantID+"/"+patientID]
	if !ok {
		return nil, clinic.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *mockPatientRepo) Create(_ context.Context, p *clinic.Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := p.TenantID + "/" + p.PatientID
	if _, ok := m.store[key]; ok {
		return fmt.Errorf("duplicate patient %s", p.PatientID)
	}
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	m.store[key] = &cp
	return nil
}

func (m *mockPatientRepo) UpdateFields(_ context.Context, tenantID, patientID string, f clinic.PatientFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.store[tenantID+"/"+patientID]
	if !ok {
		return clinic.ErrNotFound
	}
	f.Apply(p)
	return nil
}

func (m *mockPatientRepo) put(p clinic.Patient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[p.TenantID+"/"+p.PatientID] = &p
}

type mockIntakeRepo struct {
	mu     sync.Mutex
	rows   []*clinic.Intake
	nextID int64
	failOn string
}

func (m *mockIntakeRepo) Latest(_ context.Context, tenantID, patientID string) (*clinic.Intake, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *clinic.Intake
	for _, r := range m.rows {
		if r.TenantID == tenantID && r.PatientID == patientID {
			if latest == nil || !r.CreatedAt.Before(latest.CreatedAt) {
				latest = r
			}
		}
	}
	if latest == nil {
		return nil, clinic.ErrNotFound
	}
	return latest, nil
}

func (m *mockIntakeRepo) ListWithNotes(_ context.Context, tenantID, patientID string) ([]*clinic.Intake, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*clinic.Intake
	for _, r := range m.rows {
		if r.TenantID == tenantID && r.PatientID == patientID && r.Note != nil {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockIntakeRepo) NoteExists(_ context.Context, tenantID, patientID, note string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.TenantID == tenantID && r.PatientID == patientID && r.Note != nil && *r.Note == note {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockIntakeRepo) CreateNote(_ context.Context, tenantID, patientID, note string) (*clinic.Intake, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn != "" && note == m.failOn {
		return nil, errors.New("insert failed")
	}
	m.nextID++
	status := clinic.IntakeStatusImported
	in := &clinic.Intake{ID: m.nextID, TenantID: tenantID, PatientID: patientID, Note: &note, Status: &status, CreatedAt: time.Now()}
	m.rows = append(m.rows, in)
	return in, nil
}

func (m *mockIntakeRepo) add(in *clinic.Intake) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	in.ID = m.nextID
	m.rows = append(m.rows, in)
}

func (m *mockIntakeRepo) notes(tenantID, patientID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.rows {
		if r.TenantID == tenantID && r.PatientID == patientID && r.Note != nil {
			out = append(out, *r.Note)
		}
	}
	return out
}

// -- Mock ehrsync repositories --

// mockMappingRepo enforces both uniqueness constraints of the mapping table.
type mockMappingRepo struct {
	mu   sync.Mutex
	rows []*PatientMapping
}

func (m *mockMappingRepo) find(match func(*PatientMapping) bool) (*PatientMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if match(r) {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrMappingNotFound
}

func (m *mockMappingRepo) GetByPatient(_ context.Context, tenantID string, provider ehr.Provider, patientID string) (*PatientMapping, error) {
	return m.find(func(r *PatientMapping) bool {
		return r.TenantID == tenantID && r.Provider == provider && r.PatientID == patientID
	})
}

func (m *mockMappingRepo) GetByExternal(_ context.Context, tenantID string, provider ehr.Provider, externalID string) (*PatientMapping, error) {
	return m.find(func(r *PatientMapping) bool {
		return r.TenantID == tenantID && r.Provider == provider && r.ExternalID == externalID
	})
}

func (m *mockMappingRepo) Upsert(_ context.Context, pm *PatientMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.TenantID == pm.TenantID && r.Provider == pm.Provider && r.ExternalID == pm.ExternalID && r.PatientID != pm.PatientID {
			return errors.New("duplicate key value violates unique constraint on external_id")
		}
	}
	now := time.Now()
	for _, r := range m.rows {
		if r.TenantID == pm.TenantID && r.Provider == pm.Provider && r.PatientID == pm.PatientID {
			r.ExternalID = pm.ExternalID
			r.LastSyncedAt = now
			*pm = *r
			return nil
		}
	}
	pm.ID = uuid.New()
	pm.LastSyncedAt = now
	pm.CreatedAt = now
	cp := *pm
	m.rows = append(m.rows, &cp)
	return nil
}

func (m *mockMappingRepo) Touch(_ context.Context, tenantID string, provider ehr.Provider, patientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.TenantID == tenantID && r.Provider == provider && r.PatientID == patientID {
			r.LastSyncedAt = time.Now()
			return nil
		}
	}
	return ErrMappingNotFound
}

func (m *mockMappingRepo) List(_ context.Context, tenantID string, provider ehr.Provider, limit, offset int) ([]*PatientMapping, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*PatientMapping
	for _, r := range m.rows {
		if r.TenantID == tenantID && (provider == "" || r.Provider == provider) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return page(out, limit, offset), len(out), nil
}

func (m *mockMappingRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

type mockSyncLogRepo struct {
	mu    sync.Mutex
	rows  []*SyncLog
	clock time.Time
	err   error
}

func newMockSyncLogRepo() *mockSyncLogRepo {
	return &mockSyncLogRepo{clock: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (m *mockSyncLogRepo) Create(_ context.Context, l *SyncLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.clock = m.clock.Add(time.Second)
	l.ID = uuid.New()
	l.CreatedAt = m.clock
	cp := *l
	m.rows = append(m.rows, &cp)
	return nil
}

func (m *mockSyncLogRepo) List(_ context.Context, f LogFilter) ([]*SyncLog, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*SyncLog
	for _, r := range m.rows {
		if r.TenantID != f.TenantID {
			continue
		}
		if f.Provider != "" && r.Provider != f.Provider {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.PatientID != "" && (r.PatientID == nil || *r.PatientID != f.PatientID) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, f.Limit, f.Offset), len(out), nil
}

func (m *mockSyncLogRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// -- Mock adapter --

// mockAdapter behaves like a remote server that assigns ids on create.
type mockAdapter struct {
	mu           sync.Mutex
	provider     ehr.Provider
	patients     map[string]ehr.Patient
	kartes       map[string][]ehr.Karte
	pushedKartes []ehr.Karte
	nextID       int
	fixedID      string
	pushErr      error
	searchErr    error
	panicOnPush  bool
	calls        []string
}

func newMockAdapter(provider ehr.Provider) *mockAdapter {
	return &mockAdapter{
		provider: provider,
		patients: make(map[string]ehr.Patient),
		kartes:   make(map[string][]ehr.Karte),
	}
}

func (a *mockAdapter) call(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, name)
}

func (a *mockAdapter) Provider() ehr.Provider { return a.provider }

func (a *mockAdapter) TestConnection(context.Context) (ehr.ConnectionResult, error) {
	a.call("TestConnection")
	if a.pushErr != nil {
		return ehr.ConnectionResult{}, a.pushErr
	}
	return ehr.ConnectionResult{OK: true, Message: "ok"}, nil
}

func (a *mockAdapter) GetPatient(_ context.Context, externalID string) (*ehr.Patient, error) {
	a.call("GetPatient " + externalID)
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.patients[externalID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (a *mockAdapter) SearchPatients(_ context.Context, q ehr.SearchQuery) ([]ehr.Patient, error) {
	a.call("SearchPatients " + q.Name)
	if a.searchErr != nil {
		return nil, a.searchErr
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := []ehr.Patient{}
	for _, p := range a.patients {
		if q.Name != "" && strings.Contains(p.Name, q.Name) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (a *mockAdapter) PushPatient(_ context.Context, p ehr.Patient) (ehr.PushResult, error) {
	a.call("PushPatient " + p.ExternalID)
	if a.panicOnPush {
		panic("remote exploded")
	}
	if a.pushErr != nil {
		return ehr.PushResult{}, a.pushErr
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	id := p.ExternalID
	switch {
	case a.fixedID != "":
		id = a.fixedID
	case id == "":
		a.nextID++
		id = fmt.Sprintf("R%03d", a.nextID)
	}
	p.ExternalID = id
	a.patients[id] = p
	return ehr.PushResult{ExternalID: id}, nil
}

func (a *mockAdapter) GetKarteList(_ context.Context, patientExternalID string) ([]ehr.Karte, error) {
	a.call("GetKarteList " + patientExternalID)
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ehr.Karte{}, a.kartes[patientExternalID]...), nil
}

func (a *mockAdapter) PushKarte(_ context.Context, k ehr.Karte) error {
	a.call("PushKarte " + k.PatientExternalID)
	if a.pushErr != nil {
		return a.pushErr
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pushedKartes = append(a.pushedKartes, k)
	return nil
}

func (a *mockAdapter) remoteCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.patients)
}

// -- Helpers --

type testEnv struct {
	svc      *Service
	patients *mockPatientRepo
	intake   *mockIntakeRepo
	mappings *mockMappingRepo
	logs     *mockSyncLogRepo
}

func newTestEnv() *testEnv {
	env := &testEnv{
		patients: newMockPatientRepo(),
		intake:   &mockIntakeRepo{},
		mappings: &mockMappingRepo{},
		logs:     newMockSyncLogRepo(),
	}
	env.svc = NewService(env.patients, env.intake, env.mappings, env.logs, zerolog.Nop())
	return env
}

func strPtr(s string) *string { return &s }

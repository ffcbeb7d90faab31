package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clinicops/ehrsync/internal/domain/clinic"
)

func TestPatientRepo_UpdateFieldsLeavesNilColumns(t *testing.T) {
	ctx := context.Background()
	tenant := newTenant(t)
	repo := clinic.NewPatientRepo(globalPool)

	p := &clinic.Patient{PatientID: "pat-1", TenantID: tenant, Name: "山田太郎", NameKana: ptrStr("ヤマダタロウ"), Tel: ptrStr("09012345678")}
	if err := repo.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := repo.UpdateFields(ctx, tenant, "pat-1", clinic.PatientFields{Name: ptrStr("山田花子"), Sex: ptrStr("女")}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := repo.GetByID(ctx, tenant, "pat-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "山田花子" || got.Sex == nil || *got.Sex != "女" {
		t.Errorf("expected name and sex updated, got %+v", got)
	}
	if got.NameKana == nil || *got.NameKana != "ヤマダタロウ" || got.Tel == nil || *got.Tel != "09012345678" {
		t.Errorf("expected kana and tel kept, got kana=%v tel=%v", got.NameKana, got.Tel)
	}
	if got.Birthday != nil {
		t.Errorf("expected birthday still null, got %q", *got.Birthday)
	}
	if got.UpdatedAt.Before(got.CreatedAt) {
		t.Errorf("updated_at %v before created_at %v", got.UpdatedAt, got.CreatedAt)
	}
}

func TestPatientRepo_TenantScoped(t *testing.T) {
	ctx := context.Background()
	tenant, other := newTenant(t), newTenant(t)
	repo := clinic.NewPatientRepo(globalPool)

	if err := repo.Create(ctx, &clinic.Patient{PatientID: "pat-1", TenantID: tenant, Name: "山田太郎"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.GetByID(ctx, other, "pat-1"); !errors.Is(err, clinic.ErrNotFound) {
		t.Errorf("expected ErrNotFound from other tenant, got %v", err)
	}
	if err := repo.UpdateFields(ctx, other, "pat-1", clinic.PatientFields{Name: ptrStr("x")}); !errors.Is(err, clinic.ErrNotFound) {
		t.Errorf("expected ErrNotFound updating other tenant, got %v", err)
	}
	if err := repo.Create(ctx, &clinic.Patient{PatientID: "pat-1", TenantID: tenant, Name: "重複"}); err == nil {
		t.Error("expected duplicate patient id rejected")
	}
}

func TestIntakeRepo_LatestAndNotes(t *testing.T) {
	ctx := context.Background()
	tenant := newTenant(t)
	repo := clinic.NewIntakeRepo(globalPool)

	if _, err := repo.Latest(ctx, tenant, "pat-1"); !errors.Is(err, clinic.ErrNotFound) {
		t.Fatalf("expected ErrNotFound with no intake, got %v", err)
	}

	insertIntake(t, ctx, tenant, "pat-1", ptrStr("頭痛あり\n"), `{"電話番号": "09011112222"}`)
	time.Sleep(5 * time.Millisecond)
	insertIntake(t, ctx, tenant, "pat-1", nil, `{"性別": "男"}`)

	latest, err := repo.Latest(ctx, tenant, "pat-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Note != nil || latest.Answers["性別"] != "男" {
		t.Errorf("expected newest row with answers, got %+v", latest)
	}

	notes, err := repo.ListWithNotes(ctx, tenant, "pat-1")
	if err != nil {
		t.Fatalf("list notes: %v", err)
	}
	if len(notes) != 1 || *notes[0].Note != "頭痛あり\n" {
		t.Fatalf("expected the one note verbatim, got %+v", notes)
	}

	exists, err := repo.NoteExists(ctx, tenant, "pat-1", "頭痛あり\n")
	if err != nil || !exists {
		t.Errorf("expected exact note found, got %v %v", exists, err)
	}
	exists, err = repo.NoteExists(ctx, tenant, "pat-1", "頭痛あり")
	if err != nil || exists {
		t.Errorf("expected trimmed note not to match, got %v %v", exists, err)
	}

	created, err := repo.CreateNote(ctx, tenant, "pat-1", "再診")
	if err != nil {
		t.Fatalf("create note: %v", err)
	}
	if created.ID == 0 || created.Status == nil || *created.Status != clinic.IntakeStatusImported {
		t.Errorf("unexpected created row %+v", created)
	}
}

func TestSettingsStore_MissingKeyIsEmpty(t *testing.T) {
	ctx := context.Background()
	tenant := newTenant(t)
	store := clinic.NewSettingsStore(globalPool)

	if v, err := store.GetSetting(ctx, "ehr", "provider", tenant); err != nil || v != "" {
		t.Fatalf("expected empty value, got %q %v", v, err)
	}
	if _, err := globalPool.Exec(ctx,
		`INSERT INTO tenant_settings (tenant_id, category, key, value) VALUES ($1, 'ehr', 'provider', 'fhir')`, tenant); err != nil {
		t.Fatalf("insert setting: %v", err)
	}
	if v, err := store.GetSetting(ctx, "ehr", "provider", tenant); err != nil || v != "fhir" {
		t.Errorf("expected fhir, got %q %v", v, err)
	}
}

func TestSettingsStore_SetSettingUpserts(t *testing.T) {
	ctx := context.Background()
	tenant := newTenant(t)
	store := clinic.NewSettingsStore(globalPool)

	if err := store.SetSetting(ctx, "ehr", "provider", tenant, "orca"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := store.SetSetting(ctx, "ehr", "provider", tenant, "fhir"); err != nil {
		t.Fatalf("SetSetting again: %v", err)
	}
	if v, err := store.GetSetting(ctx, "ehr", "provider", tenant); err != nil || v != "fhir" {
		t.Errorf("expected fhir, got %q %v", v, err)
	}

	var n int
	if err := globalPool.QueryRow(ctx,
		`SELECT count(*) FROM tenant_settings WHERE tenant_id = $1`, tenant).Scan(&n); err != nil {
		t.Fatalf("count settings: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 settings row, got %d", n)
	}
}

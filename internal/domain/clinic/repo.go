package clinic

import (
	"context"
)

type PatientRepository interface {
	GetByID(ctx context.Context, tenantID, patientID string) (*Patient, error)
	Create(ctx context.Context, p *Patient) error
	UpdateFields(ctx context.Context, tenantID, patientID string, f PatientFields) error
}

type IntakeRepository interface {
	// Latest returns the newest intake row for the patient, or ErrNotFound.
	Latest(ctx context.Context, tenantID, patientID string) (*Intake, error)
	// ListWithNotes returns rows with a non-null note, oldest first.
	ListWithNotes(ctx context.Context, tenantID, patientID string) ([]*Intake, error)
	NoteExists(ctx context.Context, tenantID, patientID, note string) (bool, error)
	CreateNote(ctx context.Context, tenantID, patientID, note string) (*Intake, error)
}

// SettingsStore is the per-tenant key/value settings store. A missing key
// yields an empty string and a nil error.
type SettingsStore interface {
	GetSetting(ctx context.Context, category, key, tenantID string) (string, error)
	SetSetting(ctx context.Context, category, key, tenantID, value string) error
}

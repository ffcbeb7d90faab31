package ehrsync

import (
	"context"

	"github.com/clinicops/ehrsync/internal/ehr"
)

type MappingRepository interface {
	// GetByPatient and GetByExternal return ErrMappingNotFound when no row
	// matches.
	GetByPatient(ctx context.Context, tenantID string, provider ehr.Provider, patientID string) (*PatientMapping, error)
	GetByExternal(ctx context.Context, tenantID string, provider ehr.Provider, externalID string) (*PatientMapping, error)
	// Upsert inserts the mapping or, when the patient is already mapped for
	// the provider, replaces its external id and refreshes LastSyncedAt.
	Upsert(ctx context.Context, m *PatientMapping) error
	// Touch refreshes LastSyncedAt.
	Touch(ctx context.Context, tenantID string, provider ehr.Provider, patientID string) error
	// List returns mappings for the tenant, most recently synced first. An
	// empty provider lists every provider.
	List(ctx context.Context, tenantID string, provider ehr.Provider, limit, offset int) ([]*PatientMapping, int, error)
}

type SyncLogRepository interface {
	Create(ctx context.Context, l *SyncLog) error
	// List returns rows newest first.
	List(ctx context.Context, f LogFilter) ([]*SyncLog, int, error)
}

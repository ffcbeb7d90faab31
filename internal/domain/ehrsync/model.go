package ehrsync

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/clinicops/ehrsync/internal/ehr"
)

// ErrMappingNotFound is returned by MappingRepository lookups that match no
// row.
var ErrMappingNotFound = errors.New("patient mapping not found")

// ErrEmptySearch is returned by SearchPatients when no criterion is given.
var ErrEmptySearch = errors.New("search needs a name, tel or birthday")

type Direction string

const (
	DirectionPush Direction = "push"
	DirectionPull Direction = "pull"
)

func (d Direction) Valid() bool {
	return d == DirectionPush || d == DirectionPull
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

type ResourceType string

const (
	ResourcePatient ResourceType = "patient"
	ResourceKarte   ResourceType = "karte"
)

// PatientMapping links an internal patient to its record in one external
// system. Each side of the link is unique per tenant and provider.
type PatientMapping struct {
	ID           uuid.UUID    `db:"id" json:"id"`
	TenantID     string       `db:"tenant_id" json:"tenant_id"`
	Provider     ehr.Provider `db:"provider" json:"provider"`
	ExternalID   string       `db:"external_id" json:"external_id"`
	PatientID    string       `db:"patient_id" json:"patient_id"`
	LastSyncedAt time.Time    `db:"last_synced_at" json:"last_synced_at"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
}

// PatientMatch is a remote search hit. PatientID is the linked internal
// patient, empty when the remote record is not mapped yet.
type PatientMatch struct {
	ehr.Patient
	PatientID string `json:"patient_id,omitempty"`
}

// SyncResult is the outcome of one sync operation.
type SyncResult struct {
	Provider     ehr.Provider `json:"provider"`
	Direction    Direction    `json:"direction"`
	ResourceType ResourceType `json:"resource_type"`
	PatientID    string       `json:"patient_id,omitempty"`
	ExternalID   string       `json:"external_id,omitempty"`
	Status       Status       `json:"status"`
	Detail       string       `json:"detail,omitempty"`
}

func (r *SyncResult) succeed(detail string) {
	r.Status = StatusSuccess
	r.Detail = detail
}

func (r *SyncResult) skip(reason string) {
	r.Status = StatusSkipped
	r.Detail = reason
}

func (r *SyncResult) fail(err error) {
	r.Status = StatusError
	r.Detail = err.Error()
}

// SyncLog is a persisted SyncResult. Rows are never updated or deleted.
type SyncLog struct {
	ID           uuid.UUID    `db:"id" json:"id"`
	TenantID     string       `db:"tenant_id" json:"tenant_id"`
	Provider     ehr.Provider `db:"provider" json:"provider"`
	Direction    Direction    `db:"direction" json:"direction"`
	ResourceType ResourceType `db:"resource_type" json:"resource_type"`
	PatientID    *string      `db:"patient_id" json:"patient_id,omitempty"`
	ExternalID   *string      `db:"external_id" json:"external_id,omitempty"`
	Status       Status       `db:"status" json:"status"`
	Detail       *string      `db:"detail" json:"detail,omitempty"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
}

func newSyncLog(tenantID string, r SyncResult) *SyncLog {
	return &SyncLog{
		TenantID:     tenantID,
		Provider:     r.Provider,
		Direction:    r.Direction,
		ResourceType: r.ResourceType,
		PatientID:    optional(r.PatientID),
		ExternalID:   optional(r.ExternalID),
		Status:       r.Status,
		Detail:       optional(r.Detail),
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// LogFilter selects sync log rows. Zero-valued fields are not applied except
// TenantID, which is required.
type LogFilter struct {
	TenantID  string
	Provider  ehr.Provider
	Status    Status
	PatientID string
	Limit     int
	Offset    int
}

// BatchSummary counts batch results by status.
type BatchSummary struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Error   int `json:"error"`
	Skipped int `json:"skipped"`
}

func Summarize(results []SyncResult) BatchSummary {
	s := BatchSummary{Total: len(results)}
	for _, r := range results {
		switch r.Status {
		case StatusSuccess:
			s.Success++
		case StatusError:
			s.Error++
		case StatusSkipped:
			s.Skipped++
		}
	}
	return s
}

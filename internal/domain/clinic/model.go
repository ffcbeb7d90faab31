package clinic

import (
	"errors"
	"time"
)

// ErrNotFound is returned by repositories when a row does not exist.
var ErrNotFound = errors.New("not found")

// Patient maps to the patients table.
type Patient struct {
	PatientID string    `db:"patient_id" json:"patient_id"`
	TenantID  string    `db:"tenant_id" json:"tenant_id"`
	Name      string    `db:"name" json:"name"`
	NameKana  *string   `db:"name_kana" json:"name_kana,omitempty"`
	Sex       *string   `db:"sex" json:"sex,omitempty"`
	Birthday  *string   `db:"birthday" json:"birthday,omitempty"`
	Tel       *string   `db:"tel" json:"tel,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// PatientFields is a partial patient update. Nil fields are left untouched.
type PatientFields struct {
	Name     *string `json:"name,omitempty"`
	NameKana *string `json:"name_kana,omitempty"`
	Sex      *string `json:"sex,omitempty"`
	Birthday *string `json:"birthday,omitempty"`
	Tel      *string `json:"tel,omitempty"`
}

// Apply copies the present fields onto p.
func (f PatientFields) Apply(p *Patient) {
	if f.Name != nil {
		p.Name = *f.Name
	}
	if f.NameKana != nil {
		p.NameKana = f.NameKana
	}
	if f.Sex != nil {
		p.Sex = f.Sex
	}
	if f.Birthday != nil {
		p.Birthday = f.Birthday
	}
	if f.Tel != nil {
		p.Tel = f.Tel
	}
}

// Intake maps to the intake table. Note holds the encounter note; Answers
// holds the questionnaire answers keyed by their Japanese labels.
type Intake struct {
	ID        int64          `db:"id" json:"id"`
	TenantID  string         `db:"tenant_id" json:"tenant_id"`
	PatientID string         `db:"patient_id" json:"patient_id"`
	Note      *string        `db:"note" json:"note,omitempty"`
	Status    *string        `db:"status" json:"status,omitempty"`
	Answers   map[string]any `db:"answers" json:"answers,omitempty"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}

// IntakeStatusImported marks intake rows created from an external EHR.
const IntakeStatusImported = "ehr_imported"

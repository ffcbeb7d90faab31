// Package mapper converts between the canonical EHR shapes, internal clinic
// rows and the CSV interchange format.
package mapper

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/clinicops/ehrsync/internal/domain/clinic"
	"github.com/clinicops/ehrsync/internal/ehr"
)

// Intake answer labels used to backfill patient fields.
const (
	AnswerNameKana   = "氏名カナ"
	AnswerSex        = "性別"
	AnswerBirthday   = "生年月日"
	AnswerPostalCode = "郵便番号"
	AnswerAddress    = "住所"
)

var jst = time.FixedZone("Asia/Tokyo", 9*60*60)

// ToEhrPatient builds the canonical patient from the internal row. Structured
// columns win; blank fields are filled from the latest intake answers.
func ToEhrPatient(p clinic.Patient, latest *clinic.Intake) ehr.Patient {
	out := ehr.Patient{
		Name:     p.Name,
		NameKana: deref(p.NameKana),
		Sex:      deref(p.Sex),
		Birthday: deref(p.Birthday),
		Tel:      deref(p.Tel),
	}
	if latest == nil || len(latest.Answers) == 0 {
		return out
	}

	a := latest.Answers
	if out.NameKana == "" {
		out.NameKana = answer(a, AnswerNameKana)
	}
	if out.Sex == "" {
		out.Sex = answer(a, AnswerSex)
	}
	if out.Birthday == "" {
		out.Birthday = ehr.NormalizeDate(answer(a, AnswerBirthday))
	}
	if out.PostalCode == "" {
		out.PostalCode = answer(a, AnswerPostalCode)
	}
	if out.Address == "" {
		out.Address = answer(a, AnswerAddress)
	}
	return out
}

// FromEhrPatient returns the internal columns present on p. The phone number
// is normalized here and nowhere else.
func FromEhrPatient(p ehr.Patient) clinic.PatientFields {
	var f clinic.PatientFields
	if p.Name != "" {
		f.Name = ptr(p.Name)
	}
	if p.NameKana != "" {
		f.NameKana = ptr(p.NameKana)
	}
	if p.Sex != "" {
		f.Sex = ptr(p.Sex)
	}
	if p.Birthday != "" {
		f.Birthday = ptr(p.Birthday)
	}
	if p.Tel != "" {
		f.Tel = ptr(NormalizePhone(p.Tel))
	}
	return f
}

func answer(answers map[string]any, label string) string {
	v, ok := answers[label]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, " ")
	default:
		return fmt.Sprint(t)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func ptr(s string) *string { return &s }

package mapper

import (
	"strings"

	"github.com/clinicops/ehrsync/internal/domain/clinic"
	"github.com/clinicops/ehrsync/internal/ehr"
)

// Section headings used when a karte is flattened into an intake note.
const (
	DiagnosisHeading    = "【診断】"
	PrescriptionHeading = "【処方】"
)

// ToEhrKarte converts one intake row into a karte for the given remote
// patient. The encounter date is the row's creation date in Japan time.
func ToEhrKarte(in clinic.Intake, patientExternalID string) ehr.Karte {
	return ehr.Karte{
		PatientExternalID: patientExternalID,
		Date:              in.CreatedAt.In(jst).Format("2006-01-02"),
		Content:           deref(in.Note),
	}
}

// ToEhrKartes converts every row with a non-null note.
func ToEhrKartes(rows []*clinic.Intake, patientExternalID string) []ehr.Karte {
	out := make([]ehr.Karte, 0, len(rows))
	for _, in := range rows {
		if in == nil || in.Note == nil {
			continue
		}
		out = append(out, ToEhrKarte(*in, patientExternalID))
	}
	return out
}

// FromEhrKarte flattens a karte into the internal note text: content, then
// the diagnosis block, then the prescription block. Empty sections are
// omitted. Section text is kept verbatim so a pushed note pulls back as the
// same string.
func FromEhrKarte(k ehr.Karte) string {
	var sections []string
	if !blank(k.Content) {
		sections = append(sections, k.Content)
	}
	if !blank(k.Diagnosis) {
		sections = append(sections, DiagnosisHeading+"\n"+k.Diagnosis)
	}
	if !blank(k.Prescription) {
		sections = append(sections, PrescriptionHeading+"\n"+k.Prescription)
	}
	return strings.Join(sections, "\n\n")
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }

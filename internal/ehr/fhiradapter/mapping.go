package fhiradapter

import (
	"encoding/base64"
	"strings"
	"unicode/utf8"

	"github.com/clinicops/ehrsync/internal/ehr"
	"github.com/clinicops/ehrsync/internal/platform/fhir"
)

// Attachment titles for the karte sections carried on a DocumentReference.
const (
	TitleContent      = "内容"
	TitleDiagnosis    = "診断"
	TitlePrescription = "処方"
)

const descriptionMaxRunes = 200

var progressNoteType = &fhir.CodeableConcept{
	Coding: []fhir.Coding{{System: "http://loinc.org", Code: "11506-3", Display: "Progress note"}},
	Text:   "診療記録",
}

func genderToFHIR(sex string) string {
	switch sex {
	case ehr.SexMale:
		return "male"
	case ehr.SexFemale:
		return "female"
	default:
		return "unknown"
	}
}

func genderFromFHIR(g string) string {
	switch g {
	case "male":
		return ehr.SexMale
	case "female":
		return ehr.SexFemale
	default:
		return ""
	}
}

func toEhrPatient(fp fhir.Patient) ehr.Patient {
	p := ehr.Patient{
		ExternalID: fp.ID,
		Sex:        genderFromFHIR(fp.Gender),
		Birthday:   fp.BirthDate,
	}

	// The display name is always name[0]; kana comes from the first
	// syllabic (SYL) entry wherever it sits.
	if len(fp.Name) > 0 {
		p.Name = fp.Name[0].Display()
	}
	for _, n := range fp.Name {
		if n.Representation() == fhir.RepresentationSYL {
			p.NameKana = n.Display()
			break
		}
	}

	for _, cp := range fp.Telecom {
		if cp.System == "phone" && cp.Value != "" {
			p.Tel = cp.Value
			break
		}
	}

	if len(fp.Address) > 0 {
		addr := fp.Address[0]
		p.PostalCode = addr.PostalCode
		p.Address = addr.Text
		if p.Address == "" {
			p.Address = addr.State + addr.City + strings.Join(addr.Line, "")
		}
	}
	return p
}

func fromEhrPatient(p ehr.Patient) fhir.Patient {
	fp := fhir.Patient{
		ResourceType: "Patient",
		ID:           p.ExternalID,
		Gender:       genderToFHIR(p.Sex),
		BirthDate:    p.Birthday,
	}

	name := fhir.HumanName{Use: "official", Text: p.Name}
	if family, given, ok := splitName(p.Name); ok {
		name.Family = family
		name.Given = []string{given}
	}
	name.Extension = []fhir.Extension{{URL: fhir.ExtENRepresentation, ValueCode: fhir.RepresentationIDE}}
	fp.Name = []fhir.HumanName{name}

	if p.NameKana != "" {
		kana := fhir.HumanName{
			Use:       "official",
			Text:      p.NameKana,
			Extension: []fhir.Extension{{URL: fhir.ExtENRepresentation, ValueCode: fhir.RepresentationSYL}},
		}
		if family, given, ok := splitName(p.NameKana); ok {
			kana.Family = family
			kana.Given = []string{given}
		}
		fp.Name = append(fp.Name, kana)
	}

	if p.Tel != "" {
		fp.Telecom = []fhir.ContactPoint{{System: "phone", Value: p.Tel, Use: "mobile"}}
	}
	if p.Address != "" || p.PostalCode != "" {
		fp.Address = []fhir.Address{{Use: "home", Text: p.Address, PostalCode: p.PostalCode}}
	}
	return fp
}

// splitName splits "山田 太郎" (ASCII or ideographic space) into family and
// given names.
func splitName(s string) (family, given string, ok bool) {
	fields := strings.Fields(strings.ReplaceAll(s, "　", " "))
	if len(fields) < 2 {
		return "", "", false
	}
	return fields[0], strings.Join(fields[1:], " "), true
}

func toEhrKarte(doc fhir.DocumentReference, patientExternalID string) ehr.Karte {
	k := ehr.Karte{
		ExternalID:        doc.ID,
		PatientExternalID: patientExternalID,
		Date:              doc.Date,
	}
	if len(k.Date) > 10 {
		k.Date = k.Date[:10]
	}
	if doc.Subject != nil {
		if _, id, ok := fhir.ParseReference(doc.Subject.Reference); ok {
			k.PatientExternalID = id
		}
	}

	contentFound := false
	for _, c := range doc.Content {
		text, ok := decodeAttachment(c.Attachment)
		if !ok {
			continue
		}
		switch c.Attachment.Title {
		case TitleDiagnosis:
			k.Diagnosis = text
		case TitlePrescription:
			k.Prescription = text
		default:
			if !contentFound {
				k.Content = text
				contentFound = true
			}
		}
	}
	if !contentFound {
		k.Content = doc.Description
	}
	return k
}

func fromEhrKarte(k ehr.Karte) fhir.DocumentReference {
	doc := fhir.DocumentReference{
		ResourceType: "DocumentReference",
		Status:       "current",
		Type:         progressNoteType,
		Subject:      &fhir.Reference{Reference: fhir.FormatReference("Patient", k.PatientExternalID)},
		Date:         documentDate(k.Date),
		Description:  truncateRunes(k.Content, descriptionMaxRunes),
		Content:      []fhir.DocumentReferenceContent{{Attachment: textAttachment(TitleContent, k.Content)}},
	}
	if k.Diagnosis != "" {
		doc.Content = append(doc.Content, fhir.DocumentReferenceContent{Attachment: textAttachment(TitleDiagnosis, k.Diagnosis)})
	}
	if k.Prescription != "" {
		doc.Content = append(doc.Content, fhir.DocumentReferenceContent{Attachment: textAttachment(TitlePrescription, k.Prescription)})
	}
	return doc
}

func textAttachment(title, text string) fhir.Attachment {
	return fhir.Attachment{
		ContentType: "text/plain; charset=utf-8",
		Language:    "ja",
		Data:        base64.StdEncoding.EncodeToString([]byte(text)),
		Title:       title,
	}
}

func decodeAttachment(att fhir.Attachment) (string, bool) {
	if att.Data == "" || (att.ContentType != "" && !strings.HasPrefix(att.ContentType, "text/plain")) {
		return "", false
	}
	raw, err := base64.StdEncoding.DecodeString(att.Data)
	if err != nil || !utf8.Valid(raw) {
		return "", false
	}
	return string(raw), true
}

// documentDate renders a YYYY-MM-DD date as a FHIR instant at midnight Japan
// time. Other shapes are sent unchanged.
func documentDate(date string) string {
	if len(date) == 10 {
		return date + "T00:00:00+09:00"
	}
	return date
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

package orcaadapter

import (
	"strings"

	"github.com/clinicops/ehrsync/internal/ehr"
)

// ORCA sex codes.
const (
	sexCodeMale   = "1"
	sexCodeFemale = "2"
)

func sexFromORCA(code string) string {
	switch code {
	case sexCodeMale:
		return ehr.SexMale
	case sexCodeFemale:
		return ehr.SexFemale
	default:
		return code
	}
}

// sexToORCA maps anything other than 男/女 to "".
func sexToORCA(sex string) string {
	switch sex {
	case ehr.SexMale:
		return sexCodeMale
	case ehr.SexFemale:
		return sexCodeFemale
	default:
		return ""
	}
}

// birthdateFromORCA accepts YYYYMMDD and YYYY-MM-DD. Anything else is
// returned as received.
func birthdateFromORCA(s string) string {
	s = strings.TrimSpace(s)
	if len(s) != 8 && len(s) != 10 {
		return s
	}
	return ehr.NormalizeDate(s)
}

// parsePatient reads one Patient_Information record.
func parsePatient(block string) ehr.Patient {
	p := ehr.Patient{
		ExternalID: extractTag(block, "Patient_ID"),
		Name:       extractTag(block, "WholeName"),
		NameKana:   extractTag(block, "WholeName_inKana"),
		Sex:        sexFromORCA(extractTag(block, "Sex")),
		Birthday:   birthdateFromORCA(extractTag(block, "BirthDate")),
		Tel:        extractTag(block, "PhoneNumber1"),
		PostalCode: extractTag(block, "Address_ZipCode"),
		Address:    extractTag(block, "WholeAddress1") + extractTag(block, "WholeAddress2"),
	}
	if p.Tel == "" {
		p.Tel = extractTag(block, "PhoneNumber2")
	}

	var insurers []string
	for _, ins := range extractBlocks(block, "HealthInsurance_Information_child") {
		if name := extractTag(ins, "InsuranceProvider_WholeName"); name != "" {
			insurers = append(insurers, name)
		}
	}
	p.InsuranceInfo = strings.Join(insurers, "、")
	return p
}

// parseKarte reads one Medical_List_Information record.
func parseKarte(block, patientExternalID string) ehr.Karte {
	k := ehr.Karte{
		ExternalID:        extractTag(block, "Medical_Uid"),
		PatientExternalID: patientExternalID,
		Date:              birthdateFromORCA(extractTag(block, "Perform_Date")),
		Content:           extractTag(block, "Karte_Content"),
		Diagnosis:         strings.Join(extractAll(block, "Disease_Name"), "、"),
		Prescription:      strings.Join(extractAll(block, "Medication_Name"), "\n"),
	}
	return k
}

func patientRequest(p ehr.Patient) string {
	id := p.ExternalID
	if id == "" {
		id = "*"
	}

	var b strings.Builder
	b.WriteString(`<data><patientmodreq type="record">`)
	element(&b, "Patient_ID", id)
	element(&b, "WholeName", p.Name)
	element(&b, "WholeName_inKana", p.NameKana)
	element(&b, "BirthDate", p.Birthday)
	element(&b, "Sex", sexToORCA(p.Sex))
	if p.PostalCode != "" || p.Address != "" || p.Tel != "" {
		b.WriteString(`<Home_Address_Information type="record">`)
		element(&b, "Address_ZipCode", strings.ReplaceAll(p.PostalCode, "-", ""))
		element(&b, "WholeAddress1", p.Address)
		element(&b, "PhoneNumber1", p.Tel)
		b.WriteString(`</Home_Address_Information>`)
	}
	b.WriteString(`</patientmodreq></data>`)
	return b.String()
}

func patientSearchRequest(name string) string {
	var b strings.Builder
	b.WriteString(`<data><patientlst1req type="record">`)
	element(&b, "WholeName", name)
	b.WriteString(`</patientlst1req></data>`)
	return b.String()
}

func medicalGetRequest(patientExternalID string) string {
	var b strings.Builder
	b.WriteString(`<data><medicalgetreq type="record">`)
	element(&b, "Patient_ID", patientExternalID)
	b.WriteString(`</medicalgetreq></data>`)
	return b.String()
}

func medicalModRequest(k ehr.Karte) string {
	var b strings.Builder
	b.WriteString(`<data><medicalreq type="record">`)
	element(&b, "Patient_ID", k.PatientExternalID)
	element(&b, "Perform_Date", k.Date)
	b.WriteString(`<Medical_Information type="record">`)
	element(&b, "Karte_Content", k.Content)
	if k.Diagnosis != "" {
		b.WriteString(`<Disease_Information type="array"><Disease_Information_child type="record">`)
		element(&b, "Disease_Name", k.Diagnosis)
		b.WriteString(`</Disease_Information_child></Disease_Information>`)
	}
	if k.Prescription != "" {
		b.WriteString(`<Medication_Information type="array"><Medication_Information_child type="record">`)
		element(&b, "Medication_Name", k.Prescription)
		b.WriteString(`</Medication_Information_child></Medication_Information>`)
	}
	b.WriteString(`</Medical_Information></medicalreq></data>`)
	return b.String()
}

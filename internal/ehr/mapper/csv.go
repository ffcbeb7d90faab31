package mapper

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"

	"github.com/clinicops/ehrsync/internal/ehr"
)

var (
	PatientCSVHeader = []string{"患者ID", "氏名", "氏名カナ", "性別", "生年月日", "電話番号", "郵便番号", "住所"}
	KarteCSVHeader   = []string{"患者ID", "日付", "内容", "診断", "処方"}
)

const csvRowSeparator = "\r\n"

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// EhrPatientToCSVRow renders p in PatientCSVHeader column order.
func EhrPatientToCSVRow(p ehr.Patient) []string {
	return []string{p.ExternalID, p.Name, p.NameKana, p.Sex, p.Birthday, p.Tel, p.PostalCode, p.Address}
}

// CSVRowToEhrPatient parses a patient row. Rows with fewer than two columns
// yield nil; missing trailing columns are empty.
func CSVRowToEhrPatient(row []string) *ehr.Patient {
	if len(row) < 2 {
		return nil
	}
	return &ehr.Patient{
		ExternalID: cell(row, 0),
		Name:       cell(row, 1),
		NameKana:   cell(row, 2),
		Sex:        cell(row, 3),
		Birthday:   cell(row, 4),
		Tel:        cell(row, 5),
		PostalCode: cell(row, 6),
		Address:    cell(row, 7),
	}
}

// EhrKarteToCSVRow renders k in KarteCSVHeader column order.
func EhrKarteToCSVRow(k ehr.Karte) []string {
	return []string{k.PatientExternalID, k.Date, k.Content, k.Diagnosis, k.Prescription}
}

// CSVRowToEhrKarte parses a karte row. Rows with fewer than three columns
// yield nil.
func CSVRowToEhrKarte(row []string) *ehr.Karte {
	if len(row) < 3 {
		return nil
	}
	return &ehr.Karte{
		PatientExternalID: cell(row, 0),
		Date:              cell(row, 1),
		Content:           cell(row, 2),
		Diagnosis:         cell(row, 3),
		Prescription:      cell(row, 4),
	}
}

// FormatCSVRow quotes every cell and doubles embedded quotes. Newlines inside
// a cell are written as-is, so such a cell splits the row when read back.
func FormatCSVRow(cells []string) string {
	quoted := make([]string, len(cells))
	for i, c := range cells {
		quoted[i] = `"` + strings.ReplaceAll(c, `"`, `""`) + `"`
	}
	return strings.Join(quoted, ",")
}

// ParseCSVRow splits a single line into cells, honouring double quotes.
func ParseCSVRow(line string) []string {
	var (
		cells    []string
		cur      strings.Builder
		inQuotes bool
	)
	runes := []rune(line)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case inQuotes && r == '"':
			if i+1 < len(runes) && runes[i+1] == '"' {
				cur.WriteRune('"')
				i++
			} else {
				inQuotes = false
			}
		case inQuotes:
			cur.WriteRune(r)
		case r == '"':
			inQuotes = true
		case r == ',':
			cells = append(cells, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	return append(cells, cur.String())
}

// ParseCSV splits text into rows line by line. Blank lines are dropped and the
// first non-blank row is treated as a header only when its first cell is 患者ID.
func ParseCSV(text string) [][]string {
	text = strings.TrimPrefix(text, string(utf8BOM))

	var rows [][]string
	first := true
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		row := ParseCSVRow(line)
		if first {
			first = false
			if len(row) > 0 && strings.TrimSpace(row[0]) == PatientCSVHeader[0] {
				continue
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// WriteCSV renders a header and rows separated by CRLF.
func WriteCSV(header []string, rows [][]string) string {
	var b strings.Builder
	b.WriteString(FormatCSVRow(header))
	b.WriteString(csvRowSeparator)
	for _, row := range rows {
		b.WriteString(FormatCSVRow(row))
		b.WriteString(csvRowSeparator)
	}
	return b.String()
}

func PatientsToCSV(patients []ehr.Patient) string {
	rows := make([][]string, len(patients))
	for i, p := range patients {
		rows[i] = EhrPatientToCSVRow(p)
	}
	return WriteCSV(PatientCSVHeader, rows)
}

func KartesToCSV(kartes []ehr.Karte) string {
	rows := make([][]string, len(kartes))
	for i, k := range kartes {
		rows[i] = EhrKarteToCSVRow(k)
	}
	return WriteCSV(KarteCSVHeader, rows)
}

// CSVToPatients parses patient CSV text, skipping rows that are too short.
func CSVToPatients(text string) []ehr.Patient {
	var out []ehr.Patient
	for _, row := range ParseCSV(text) {
		if p := CSVRowToEhrPatient(row); p != nil {
			out = append(out, *p)
		}
	}
	return out
}

// CSVToKartes parses karte CSV text, skipping rows that are too short.
func CSVToKartes(text string) []ehr.Karte {
	var out []ehr.Karte
	for _, row := range ParseCSV(text) {
		if k := CSVRowToEhrKarte(row); k != nil {
			out = append(out, *k)
		}
	}
	return out
}

// DecodeCSV returns the file contents as UTF-8 text. Input that is not valid
// UTF-8 is decoded as Shift_JIS, the usual encoding of Japanese EHR exports.
func DecodeCSV(b []byte) string {
	b = bytes.TrimPrefix(b, utf8BOM)
	if utf8.Valid(b) {
		return string(b)
	}
	decoded, _, err := transform.Bytes(japanese.ShiftJIS.NewDecoder(), b)
	if err != nil {
		return string(b)
	}
	return string(decoded)
}

func cell(row []string, i int) string {
	if i < len(row) {
		return row[i]
	}
	return ""
}

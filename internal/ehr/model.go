// Package ehr holds the provider-neutral shapes that every EHR adapter speaks,
// the closed set of supported providers, and the adapter contract the sync
// orchestrator depends on.
package ehr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSyncDisabled is returned by the adapter factory when a tenant has no
	// provider configured.
	ErrSyncDisabled = errors.New("ehr sync is not configured for this tenant")

	// ErrUnknownProvider is returned when a provider string is not one of the
	// supported values.
	ErrUnknownProvider = errors.New("unknown ehr provider")
)

// Provider identifies one external EHR system family.
type Provider string

const (
	ProviderORCA Provider = "orca"
	ProviderCSV  Provider = "csv"
	ProviderFHIR Provider = "fhir"
)

// ParseProvider converts a settings value into a Provider.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderORCA, ProviderCSV, ProviderFHIR:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
	}
}

func (p Provider) String() string { return string(p) }

// Patient is the canonical patient shape. Optional fields are empty when the
// source system did not supply them.
type Patient struct {
	ExternalID    string `json:"external_id"`
	Name          string `json:"name"`
	NameKana      string `json:"name_kana,omitempty"`
	Sex           string `json:"sex,omitempty"`
	Birthday      string `json:"birthday,omitempty"` // YYYY-MM-DD
	Tel           string `json:"tel,omitempty"`
	PostalCode    string `json:"postal_code,omitempty"`
	Address       string `json:"address,omitempty"`
	InsuranceInfo string `json:"insurance_info,omitempty"`
}

// Karte is one clinical encounter note.
type Karte struct {
	ExternalID        string `json:"external_id,omitempty"`
	PatientExternalID string `json:"patient_external_id"`
	Date              string `json:"date"` // YYYY-MM-DD
	Content           string `json:"content"`
	Diagnosis         string `json:"diagnosis,omitempty"`
	Prescription      string `json:"prescription,omitempty"`
}

// SearchQuery filters SearchPatients. Empty fields are not applied.
type SearchQuery struct {
	Name     string `json:"name,omitempty"`
	Tel      string `json:"tel,omitempty"`
	Birthday string `json:"birthday,omitempty"`
}

// ConnectionResult reports the outcome of an adapter connectivity check.
type ConnectionResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// PushResult carries the identifier the remote system assigned (or kept) for
// a pushed patient.
type PushResult struct {
	ExternalID string `json:"external_id"`
}

// Adapter is implemented by the csv, fhir and orca adapters. The set is
// closed: adapters are only constructed by the factory from a Provider.
//
// Read methods degrade to nil/empty on remote failure. PushPatient, PushKarte
// and TestConnection report failures as errors.
type Adapter interface {
	Provider() Provider
	TestConnection(ctx context.Context) (ConnectionResult, error)
	GetPatient(ctx context.Context, externalID string) (*Patient, error)
	SearchPatients(ctx context.Context, q SearchQuery) ([]Patient, error)
	PushPatient(ctx context.Context, p Patient) (PushResult, error)
	GetKarteList(ctx context.Context, patientExternalID string) ([]Karte, error)
	PushKarte(ctx context.Context, k Karte) error
}

// Sex values used by the canonical model.
const (
	SexMale   = "男"
	SexFemale = "女"
)

// NormalizeDate converts YYYYMMDD and YYYY/MM/DD into YYYY-MM-DD. Any other
// shape is returned unchanged.
func NormalizeDate(s string) string {
	s = strings.TrimSpace(s)
	switch {
	case len(s) == 8 && isDigits(s):
		return s[0:4] + "-" + s[4:6] + "-" + s[6:8]
	case len(s) == 10 && (s[4] == '/' || s[4] == '-') && s[7] == s[4]:
		return s[0:4] + "-" + s[5:7] + "-" + s[8:10]
	}
	return s
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

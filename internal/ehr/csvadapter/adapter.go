// Package csvadapter implements an in-memory EHR adapter fed by CSV files.
// State lives only in the process and is filled by explicit Load calls.
package csvadapter

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/clinicops/ehrsync/internal/ehr"
	"github.com/clinicops/ehrsync/internal/ehr/mapper"
)

// Adapter holds the loaded patients and kartes. It is safe for concurrent
// use.
type Adapter struct {
	mu       sync.RWMutex
	patients []ehr.Patient
	kartes   []ehr.Karte
}

var _ ehr.Adapter = (*Adapter)(nil)

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Provider() ehr.Provider { return ehr.ProviderCSV }

// LoadPatients replaces the patient list.
func (a *Adapter) LoadPatients(patients []ehr.Patient) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.patients = append([]ehr.Patient(nil), patients...)
}

// LoadKartes replaces the karte list.
func (a *Adapter) LoadKartes(kartes []ehr.Karte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.kartes = append([]ehr.Karte(nil), kartes...)
}

// LoadPatientsCSV parses text and replaces the patient list. It returns the
// number of rows loaded.
func (a *Adapter) LoadPatientsCSV(text string) int {
	patients := mapper.CSVToPatients(text)
	a.LoadPatients(patients)
	return len(patients)
}

// LoadKartesCSV parses text and replaces the karte list.
func (a *Adapter) LoadKartesCSV(text string) int {
	kartes := mapper.CSVToKartes(text)
	a.LoadKartes(kartes)
	return len(kartes)
}

func (a *Adapter) ExportPatientsCSV() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return mapper.PatientsToCSV(a.patients)
}

func (a *Adapter) ExportKartesCSV() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return mapper.KartesToCSV(a.kartes)
}

// Counts returns the number of loaded patients and kartes.
func (a *Adapter) Counts() (patients, kartes int) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.patients), len(a.kartes)
}

func (a *Adapter) TestConnection(_ context.Context) (ehr.ConnectionResult, error) {
	p, k := a.Counts()
	return ehr.ConnectionResult{
		OK:      true,
		Message: fmt.Sprintf("CSV adapter ready: %d patients, %d kartes loaded", p, k),
	}, nil
}

func (a *Adapter) GetPatient(_ context.Context, externalID string) (*ehr.Patient, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, p := range a.patients {
		if p.ExternalID == externalID {
			found := p
			return &found, nil
		}
	}
	return nil, nil
}

// SearchPatients matches name by substring and tel/birthday exactly. Every
// non-empty filter must match.
func (a *Adapter) SearchPatients(_ context.Context, q ehr.SearchQuery) ([]ehr.Patient, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := []ehr.Patient{}
	for _, p := range a.patients {
		if q.Name != "" && !strings.Contains(p.Name, q.Name) {
			continue
		}
		if q.Tel != "" && p.Tel != q.Tel {
			continue
		}
		if q.Birthday != "" && p.Birthday != q.Birthday {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// PushPatient replaces the patient with the same ExternalID or appends it.
// The caller supplies the id; none is generated.
func (a *Adapter) PushPatient(_ context.Context, p ehr.Patient) (ehr.PushResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.patients {
		if a.patients[i].ExternalID == p.ExternalID {
			a.patients[i] = p
			return ehr.PushResult{ExternalID: p.ExternalID}, nil
		}
	}
	a.patients = append(a.patients, p)
	return ehr.PushResult{ExternalID: p.ExternalID}, nil
}

func (a *Adapter) GetKarteList(_ context.Context, patientExternalID string) ([]ehr.Karte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := []ehr.Karte{}
	for _, k := range a.kartes {
		if k.PatientExternalID == patientExternalID {
			out = append(out, k)
		}
	}
	return out, nil
}

// PushKarte replaces a karte with the same ExternalID when one is given,
// otherwise appends.
func (a *Adapter) PushKarte(_ context.Context, k ehr.Karte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if k.ExternalID != "" {
		for i := range a.kartes {
			if a.kartes[i].ExternalID == k.ExternalID {
				a.kartes[i] = k
				return nil
			}
		}
	}
	a.kartes = append(a.kartes, k)
	return nil
}

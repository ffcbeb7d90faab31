// Package orcaadapter talks to the ORCA API (api01rv2) over XML. Requests are
// assembled by hand and responses are read with tolerant tag extraction.
package orcaadapter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/clinicops/ehrsync/internal/ehr"
)

// Config holds the connection settings for one ORCA server. WebORCA serves
// the same API under an /api prefix.
type Config struct {
	BaseURL  string
	Username string
	Password string
	WebORCA  bool
}

// connectionProbeID is the patient id looked up by TestConnection.
const connectionProbeID = "00001"

// patientmodv2 request classes.
const (
	classCreate = "01"
	classUpdate = "02"
)

// Adapter implements ehr.Adapter against ORCA. Reads degrade to nil or empty
// results on failure; writes and TestConnection return errors.
type Adapter struct {
	client *resty.Client
	prefix string
	logger zerolog.Logger
}

var _ ehr.Adapter = (*Adapter)(nil)

func New(cfg Config, logger zerolog.Logger) *Adapter {
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetBasicAuth(cfg.Username, cfg.Password).
		SetHeader("Accept", "application/xml").
		SetHeader("Content-Type", "application/xml; charset=UTF-8")

	prefix := ""
	if cfg.WebORCA {
		prefix = "/api"
	}
	return &Adapter{
		client: client,
		prefix: prefix,
		logger: logger.With().Str("provider", string(ehr.ProviderORCA)).Logger(),
	}
}

func (a *Adapter) Provider() ehr.Provider { return ehr.ProviderORCA }

func (a *Adapter) path(api string) string {
	return a.prefix + "/api01rv2/" + api
}

// get and post return the response body of a 2xx response.
func (a *Adapter) get(ctx context.Context, api string, query map[string]string) (string, error) {
	resp, err := a.client.R().SetContext(ctx).SetQueryParams(query).Get(a.path(api))
	return body(api, resp, err)
}

func (a *Adapter) post(ctx context.Context, api string, query map[string]string, xml string) (string, error) {
	resp, err := a.client.R().SetContext(ctx).SetQueryParams(query).SetBody(xml).Post(a.path(api))
	return body(api, resp, err)
}

func body(api string, resp *resty.Response, err error) (string, error) {
	if err != nil {
		return "", fmt.Errorf("orca %s: %w", api, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("orca %s: HTTP %d", api, resp.StatusCode())
	}
	return string(resp.Body()), nil
}

// APIError is an ORCA response whose Api_Result is not all zeros.
type APIError struct {
	API     string
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("orca %s: Api_Result %s: %s", e.API, e.Code, e.Message)
}

// checkResult reports a non-zero Api_Result as an *APIError. A response
// without Api_Result is accepted.
func checkResult(api, xml string) error {
	code := extractTag(xml, "Api_Result")
	if code == "" || strings.Trim(code, "0") == "" {
		return nil
	}
	return &APIError{API: api, Code: code, Message: extractTag(xml, "Api_Result_Message")}
}

func (a *Adapter) TestConnection(ctx context.Context) (ehr.ConnectionResult, error) {
	xml, err := a.get(ctx, "patientgetv2", map[string]string{"id": connectionProbeID})
	if err != nil {
		return ehr.ConnectionResult{OK: false, Message: err.Error()}, err
	}
	msg := "ORCA reachable"
	if m := extractTag(xml, "Api_Result_Message"); m != "" {
		msg += ": " + m
	}
	return ehr.ConnectionResult{OK: true, Message: msg}, nil
}

func (a *Adapter) GetPatient(ctx context.Context, externalID string) (*ehr.Patient, error) {
	xml, err := a.get(ctx, "patientgetv2", map[string]string{"id": externalID})
	if err != nil {
		a.logger.Warn().Err(err).Str("external_id", externalID).Msg("orca get patient failed")
		return nil, nil
	}

	block := xml
	if blocks := extractBlocks(xml, "Patient_Information"); len(blocks) > 0 {
		block = blocks[0]
	}
	p := parsePatient(block)
	if p.ExternalID == "" {
		return nil, nil
	}
	return &p, nil
}

// SearchPatients looks patients up by name on the server. Birthday and tel
// are applied to the result set locally. Without a name nothing is returned.
func (a *Adapter) SearchPatients(ctx context.Context, q ehr.SearchQuery) ([]ehr.Patient, error) {
	out := []ehr.Patient{}
	if strings.TrimSpace(q.Name) == "" {
		return out, nil
	}

	xml, err := a.post(ctx, "patientlst1v2", map[string]string{"class": "01"}, patientSearchRequest(q.Name))
	if err != nil {
		a.logger.Warn().Err(err).Msg("orca patient search failed")
		return out, nil
	}

	for _, block := range extractBlocks(xml, "Patient_Information_child") {
		p := parsePatient(block)
		if p.ExternalID == "" {
			continue
		}
		if q.Birthday != "" && p.Birthday != q.Birthday {
			continue
		}
		if q.Tel != "" && p.Tel != q.Tel {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// PushPatient registers a new patient (class 01) or updates the one named by
// ExternalID (class 02).
func (a *Adapter) PushPatient(ctx context.Context, p ehr.Patient) (ehr.PushResult, error) {
	class := classCreate
	if p.ExternalID != "" {
		class = classUpdate
	}

	xml, err := a.post(ctx, "patientmodv2", map[string]string{"class": class}, patientRequest(p))
	if err != nil {
		return ehr.PushResult{}, err
	}
	if err := checkResult("patientmodv2", xml); err != nil {
		return ehr.PushResult{}, err
	}

	id := extractTag(xml, "Patient_ID")
	if id == "" {
		id = p.ExternalID
	}
	if id == "" {
		return ehr.PushResult{}, errors.New("orca patientmodv2: response carries no Patient_ID")
	}
	return ehr.PushResult{ExternalID: id}, nil
}

func (a *Adapter) GetKarteList(ctx context.Context, patientExternalID string) ([]ehr.Karte, error) {
	out := []ehr.Karte{}
	xml, err := a.post(ctx, "medicalgetv2", map[string]string{"class": "01"}, medicalGetRequest(patientExternalID))
	if err != nil {
		a.logger.Warn().Err(err).Str("external_id", patientExternalID).Msg("orca medical get failed")
		return out, nil
	}

	blocks := extractBlocks(xml, "Medical_List_Information_child")
	if len(blocks) == 0 {
		blocks = extractBlocks(xml, "Medical_Information_child")
	}
	for _, block := range blocks {
		out = append(out, parseKarte(block, patientExternalID))
	}
	return out, nil
}

// PushKarte registers one medical record. ORCA assigns a new record on every
// call.
func (a *Adapter) PushKarte(ctx context.Context, k ehr.Karte) error {
	xml, err := a.post(ctx, "medicalmodv2", map[string]string{"class": "01"}, medicalModRequest(k))
	if err != nil {
		return err
	}
	return checkResult("medicalmodv2", xml)
}

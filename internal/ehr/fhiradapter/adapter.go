// Package fhiradapter talks to a generic FHIR R4 server over JSON, mapping
// Patient and DocumentReference resources to the canonical EHR shapes.
package fhiradapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/clinicops/ehrsync/internal/ehr"
	"github.com/clinicops/ehrsync/internal/platform/fhir"
)

// Auth types accepted in Config.AuthType.
const (
	AuthBearer = "bearer"
	AuthBasic  = "basic"
)

// Config holds the connection settings for one FHIR server.
type Config struct {
	BaseURL  string
	AuthType string
	Token    string
	Username string
	Password string
}

// Adapter implements ehr.Adapter against a FHIR R4 server. Reads degrade to
// nil or empty results on failure; writes return errors.
type Adapter struct {
	client *resty.Client
	logger zerolog.Logger
}

var _ ehr.Adapter = (*Adapter)(nil)

func New(cfg Config, logger zerolog.Logger) *Adapter {
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetHeader("Accept", fhir.ContentType).
		SetHeader("Content-Type", fhir.ContentType)

	switch strings.ToLower(cfg.AuthType) {
	case AuthBearer:
		if cfg.Token != "" {
			client.SetAuthToken(cfg.Token)
		}
	case AuthBasic:
		client.SetBasicAuth(cfg.Username, cfg.Password)
	}

	return &Adapter{
		client: client,
		logger: logger.With().Str("provider", string(ehr.ProviderFHIR)).Logger(),
	}
}

func (a *Adapter) Provider() ehr.Provider { return ehr.ProviderFHIR }

func (a *Adapter) TestConnection(ctx context.Context) (ehr.ConnectionResult, error) {
	resp, err := a.client.R().SetContext(ctx).Get("/metadata")
	if err := checkResponse("GET /metadata", resp, err); err != nil {
		return ehr.ConnectionResult{OK: false, Message: err.Error()}, err
	}

	var cs fhir.CapabilityStatement
	if err := json.Unmarshal(resp.Body(), &cs); err != nil || cs.ResourceType != "CapabilityStatement" {
		err = fmt.Errorf("GET /metadata: response is not a CapabilityStatement")
		return ehr.ConnectionResult{OK: false, Message: err.Error()}, err
	}

	msg := "FHIR server reachable"
	if cs.FHIRVersion != "" {
		msg += " (FHIR " + cs.FHIRVersion + ")"
	}
	if cs.Software != nil && cs.Software.Name != "" {
		msg += ": " + strings.TrimSpace(cs.Software.Name+" "+cs.Software.Version)
	}
	return ehr.ConnectionResult{OK: true, Message: msg}, nil
}

func (a *Adapter) GetPatient(ctx context.Context, externalID string) (*ehr.Patient, error) {
	resp, err := a.client.R().
		SetContext(ctx).
		SetPathParam("id", externalID).
		Get("/Patient/{id}")
	if err := checkResponse("GET Patient", resp, err); err != nil {
		a.logger.Warn().Err(err).Str("external_id", externalID).Msg("fhir get patient failed")
		return nil, nil
	}

	var fp fhir.Patient
	if err := json.Unmarshal(resp.Body(), &fp); err != nil || fp.ResourceType != "Patient" {
		a.logger.Warn().Str("external_id", externalID).Msg("fhir get patient: unexpected payload")
		return nil, nil
	}
	p := toEhrPatient(fp)
	return &p, nil
}

func (a *Adapter) SearchPatients(ctx context.Context, q ehr.SearchQuery) ([]ehr.Patient, error) {
	params := map[string]string{}
	if q.Name != "" {
		params["name"] = q.Name
	}
	if q.Tel != "" {
		params["telecom"] = q.Tel
	}
	if q.Birthday != "" {
		params["birthdate"] = q.Birthday
	}

	resp, err := a.client.R().SetContext(ctx).SetQueryParams(params).Get("/Patient")
	if err := checkResponse("search Patient", resp, err); err != nil {
		a.logger.Warn().Err(err).Msg("fhir patient search failed")
		return []ehr.Patient{}, nil
	}

	var bundle fhir.Bundle
	if err := json.Unmarshal(resp.Body(), &bundle); err != nil {
		a.logger.Warn().Err(err).Msg("fhir patient search: invalid bundle")
		return []ehr.Patient{}, nil
	}

	found := fhir.EntryResources[fhir.Patient](&bundle, "Patient")
	out := make([]ehr.Patient, 0, len(found))
	for _, fp := range found {
		out = append(out, toEhrPatient(fp))
	}
	return out, nil
}

// PushPatient updates the patient with PUT when it carries an ExternalID and
// creates it with POST otherwise. The id in the server's response is
// returned in both cases.
func (a *Adapter) PushPatient(ctx context.Context, p ehr.Patient) (ehr.PushResult, error) {
	req := a.client.R().
		SetContext(ctx).
		SetHeader("Prefer", "return=representation").
		SetBody(fromEhrPatient(p))

	var (
		resp *resty.Response
		err  error
		op   string
	)
	if p.ExternalID != "" {
		op = "PUT Patient"
		resp, err = req.SetPathParam("id", p.ExternalID).Put("/Patient/{id}")
	} else {
		op = "POST Patient"
		resp, err = req.Post("/Patient")
	}
	if err := checkResponse(op, resp, err); err != nil {
		return ehr.PushResult{}, err
	}

	id := responseID(resp)
	if id == "" {
		id = p.ExternalID
	}
	if id == "" {
		return ehr.PushResult{}, fmt.Errorf("%s: server returned no resource id", op)
	}
	return ehr.PushResult{ExternalID: id}, nil
}

func (a *Adapter) GetKarteList(ctx context.Context, patientExternalID string) ([]ehr.Karte, error) {
	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParam("subject", fhir.FormatReference("Patient", patientExternalID)).
		Get("/DocumentReference")
	if err := checkResponse("search DocumentReference", resp, err); err != nil {
		a.logger.Warn().Err(err).Str("external_id", patientExternalID).Msg("fhir document search failed")
		return []ehr.Karte{}, nil
	}

	var bundle fhir.Bundle
	if err := json.Unmarshal(resp.Body(), &bundle); err != nil {
		a.logger.Warn().Err(err).Str("external_id", patientExternalID).Msg("fhir document search: invalid bundle")
		return []ehr.Karte{}, nil
	}

	docs := fhir.EntryResources[fhir.DocumentReference](&bundle, "DocumentReference")
	out := make([]ehr.Karte, 0, len(docs))
	for _, doc := range docs {
		out = append(out, toEhrKarte(doc, patientExternalID))
	}
	return out, nil
}

// PushKarte always creates a new DocumentReference.
func (a *Adapter) PushKarte(ctx context.Context, k ehr.Karte) error {
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(fromEhrKarte(k)).
		Post("/DocumentReference")
	return checkResponse("POST DocumentReference", resp, err)
}

func checkResponse(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.IsError() {
		if oo := fhir.ParseOperationOutcome(resp.Body()); oo != nil {
			return fmt.Errorf("%s: HTTP %d: %s", op, resp.StatusCode(), oo.Summary())
		}
		return fmt.Errorf("%s: HTTP %d", op, resp.StatusCode())
	}
	return nil
}

// responseID reads the resource id from the body, falling back to the
// Location header.
func responseID(resp *resty.Response) string {
	var head fhir.Resource
	if err := json.Unmarshal(resp.Body(), &head); err == nil && head.ID != "" {
		return head.ID
	}
	if _, id, ok := fhir.ParseReference(resp.Header().Get("Location")); ok {
		return id
	}
	return ""
}

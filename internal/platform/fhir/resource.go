// Package fhir holds the subset of FHIR R4 wire types the sync engine reads
// and writes.
package fhir

import (
	"encoding/json"
	"strings"
	"time"
)

// ContentType is the media type for FHIR JSON payloads.
const ContentType = "application/fhir+json"

// Extension URL and codes for alternate name representations. Japanese
// servers carry the phonetic (kana) name as a HumanName tagged SYL.
const (
	ExtENRepresentation = "http://hl7.org/fhir/StructureDefinition/iso21090-EN-representation"
	RepresentationSYL   = "SYL"
	RepresentationIDE   = "IDE"
)

// Resource is the base FHIR resource representation.
type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Meta         *Meta  `json:"meta,omitempty"`
}

type Meta struct {
	VersionID   string     `json:"versionId,omitempty"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

type HumanName struct {
	Use       string      `json:"use,omitempty"`
	Text      string      `json:"text,omitempty"`
	Family    string      `json:"family,omitempty"`
	Given     []string    `json:"given,omitempty"`
	Extension []Extension `json:"extension,omitempty"`
}

// Representation returns the iso21090-EN-representation code of the name,
// or "" when the extension is absent.
func (n HumanName) Representation() string {
	for _, ext := range n.Extension {
		if ext.URL == ExtENRepresentation {
			return ext.ValueCode
		}
	}
	return ""
}

// Display returns text when present, else family and given names joined by
// a space.
func (n HumanName) Display() string {
	if n.Text != "" {
		return n.Text
	}
	parts := make([]string, 0, 1+len(n.Given))
	if n.Family != "" {
		parts = append(parts, n.Family)
	}
	for _, g := range n.Given {
		if g != "" {
			parts = append(parts, g)
		}
	}
	return strings.Join(parts, " ")
}

type Address struct {
	Use        string   `json:"use,omitempty"`
	Text       string   `json:"text,omitempty"`
	Line       []string `json:"line,omitempty"`
	City       string   `json:"city,omitempty"`
	State      string   `json:"state,omitempty"`
	PostalCode string   `json:"postalCode,omitempty"`
	Country    string   `json:"country,omitempty"`
}

type ContactPoint struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
	Use    string `json:"use,omitempty"`
}

type Extension struct {
	URL         string `json:"url"`
	ValueString string `json:"valueString,omitempty"`
	ValueCode   string `json:"valueCode,omitempty"`
}

// Patient is the FHIR Patient resource.
type Patient struct {
	ResourceType string         `json:"resourceType"`
	ID           string         `json:"id,omitempty"`
	Meta         *Meta          `json:"meta,omitempty"`
	Name         []HumanName    `json:"name,omitempty"`
	Telecom      []ContactPoint `json:"telecom,omitempty"`
	Gender       string         `json:"gender,omitempty"`
	BirthDate    string         `json:"birthDate,omitempty"`
	Address      []Address      `json:"address,omitempty"`
}

// DocumentReference is the FHIR DocumentReference resource. Each clinical
// note travels as one DocumentReference.
type DocumentReference struct {
	ResourceType string                     `json:"resourceType"`
	ID           string                     `json:"id,omitempty"`
	Status       string                     `json:"status"`
	Type         *CodeableConcept           `json:"type,omitempty"`
	Subject      *Reference                 `json:"subject,omitempty"`
	Date         string                     `json:"date,omitempty"`
	Description  string                     `json:"description,omitempty"`
	Content      []DocumentReferenceContent `json:"content"`
}

type DocumentReferenceContent struct {
	Attachment Attachment `json:"attachment"`
}

// Attachment carries inline base64 data.
type Attachment struct {
	ContentType string `json:"contentType,omitempty"`
	Language    string `json:"language,omitempty"`
	Data        string `json:"data,omitempty"`
	Title       string `json:"title,omitempty"`
}

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
}

// Summary joins the diagnostics of every issue.
func (o *OperationOutcome) Summary() string {
	var msgs []string
	for _, is := range o.Issue {
		switch {
		case is.Diagnostics != "":
			msgs = append(msgs, is.Diagnostics)
		case is.Details != nil && is.Details.Text != "":
			msgs = append(msgs, is.Details.Text)
		default:
			msgs = append(msgs, is.Code)
		}
	}
	return strings.Join(msgs, "; ")
}

// ParseOperationOutcome decodes body as an OperationOutcome. It returns nil
// when body is some other resource or not JSON.
func ParseOperationOutcome(body []byte) *OperationOutcome {
	var oo OperationOutcome
	if err := json.Unmarshal(body, &oo); err != nil || oo.ResourceType != "OperationOutcome" {
		return nil
	}
	return &oo
}

// CapabilityStatement is the subset of the server's /metadata response used
// for connectivity checks.
type CapabilityStatement struct {
	ResourceType string              `json:"resourceType"`
	Status       string              `json:"status,omitempty"`
	FHIRVersion  string              `json:"fhirVersion,omitempty"`
	Software     *CapabilitySoftware `json:"software,omitempty"`
	Format       []string            `json:"format,omitempty"`
}

type CapabilitySoftware struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

package fhiradapter

import (
	"encoding/json"
	"testing"

	"github.com/clinicops/ehrsync/internal/platform/fhir"
)

// searchBundle wraps resources in a searchset Bundle the way a FHIR server
// answers a search.
func searchBundle(t *testing.T, resources []any, baseURL string) *fhir.Bundle {
	t.Helper()
	entries := make([]fhir.BundleEntry, len(resources))
	for i, r := range resources {
		raw, err := json.Marshal(r)
		if err != nil {
			t.Fatalf("marshal bundle entry %d: %v", i, err)
		}
		var head fhir.Resource
		json.Unmarshal(raw, &head)
		entries[i] = fhir.BundleEntry{
			FullURL:  baseURL + "/" + fhir.FormatReference(head.ResourceType, head.ID),
			Resource: raw,
			Search:   &fhir.BundleSearch{Mode: "match"},
		}
	}
	total := len(resources)
	return &fhir.Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Link:         []fhir.BundleLink{{Relation: "self", URL: baseURL}},
		Entry:        entries,
	}
}

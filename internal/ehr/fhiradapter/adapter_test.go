package fhiradapter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/clinicops/ehrsync/internal/ehr"
	"github.com/clinicops/ehrsync/internal/platform/fhir"
)

// fakeServer is a minimal in-memory FHIR server.
type fakeServer struct {
	mu        sync.Mutex
	patients  map[string]fhir.Patient
	docs      []fhir.DocumentReference
	nextID    int
	lastQuery string
	lastAuth  string
	lastCT    string
	methods   []string
	noBody    bool
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	fs := &fakeServer{patients: map[string]fhir.Patient{}, nextID: 100}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /metadata", func(w http.ResponseWriter, r *http.Request) {
		fs.record(r)
		writeJSON(w, http.StatusOK, fhir.CapabilityStatement{
			ResourceType: "CapabilityStatement",
			Status:       "active",
			FHIRVersion:  "4.0.1",
			Software:     &fhir.CapabilitySoftware{Name: "TestFHIR", Version: "1.0"},
		})
	})
	mux.HandleFunc("GET /Patient/{id}", func(w http.ResponseWriter, r *http.Request) {
		fs.record(r)
		fs.mu.Lock()
		p, ok := fs.patients[r.PathValue("id")]
		fs.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusNotFound, fhir.OperationOutcome{
				ResourceType: "OperationOutcome",
				Issue:        []fhir.OperationOutcomeIssue{{Severity: "error", Code: "not-found"}},
			})
			return
		}
		writeJSON(w, http.StatusOK, p)
	})
	mux.HandleFunc("GET /Patient", func(w http.ResponseWriter, r *http.Request) {
		fs.record(r)
		fs.mu.Lock()
		var all []any
		for _, p := range fs.patients {
			if name := r.URL.Query().Get("name"); name != "" && !strings.Contains(p.Name[0].Text, name) {
				continue
			}
			all = append(all, p)
		}
		fs.mu.Unlock()
		b := searchBundle(t, all, "http://fhir.test")
		writeJSON(w, http.StatusOK, b)
	})
	mux.HandleFunc("POST /Patient", func(w http.ResponseWriter, r *http.Request) {
		fs.record(r)
		var p fhir.Patient
		json.NewDecoder(r.Body).Decode(&p)
		fs.mu.Lock()
		fs.nextID++
		p.ID = strconv.Itoa(fs.nextID)
		fs.patients[p.ID] = p
		noBody := fs.noBody
		fs.mu.Unlock()
		w.Header().Set("Location", "http://fhir.test/Patient/"+p.ID+"/_history/1")
		if noBody {
			w.WriteHeader(http.StatusCreated)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	})
	mux.HandleFunc("PUT /Patient/{id}", func(w http.ResponseWriter, r *http.Request) {
		fs.record(r)
		var p fhir.Patient
		json.NewDecoder(r.Body).Decode(&p)
		p.ID = r.PathValue("id")
		fs.mu.Lock()
		fs.patients[p.ID] = p
		fs.mu.Unlock()
		writeJSON(w, http.StatusOK, p)
	})
	mux.HandleFunc("GET /DocumentReference", func(w http.ResponseWriter, r *http.Request) {
		fs.record(r)
		fs.mu.Lock()
		var all []any
		for _, d := range fs.docs {
			if d.Subject != nil && d.Subject.Reference == r.URL.Query().Get("subject") {
				all = append(all, d)
			}
		}
		fs.mu.Unlock()
		b := searchBundle(t, all, "http://fhir.test")
		writeJSON(w, http.StatusOK, b)
	})
	mux.HandleFunc("POST /DocumentReference", func(w http.ResponseWriter, r *http.Request) {
		fs.record(r)
		var d fhir.DocumentReference
		json.NewDecoder(r.Body).Decode(&d)
		fs.mu.Lock()
		fs.nextID++
		d.ID = strconv.Itoa(fs.nextID)
		fs.docs = append(fs.docs, d)
		fs.mu.Unlock()
		writeJSON(w, http.StatusCreated, d)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return fs, srv
}

func (fs *fakeServer) record(r *http.Request) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.lastQuery = r.URL.RawQuery
	fs.lastAuth = r.Header.Get("Authorization")
	fs.lastCT = r.Header.Get("Content-Type")
	fs.methods = append(fs.methods, r.Method+" "+r.URL.Path)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", fhir.ContentType)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newAdapter(url string) *Adapter {
	return New(Config{BaseURL: url, AuthType: AuthBearer, Token: "secret"}, zerolog.Nop())
}

func TestTestConnection(t *testing.T) {
	fs, srv := newFakeServer(t)
	a := newAdapter(srv.URL)

	res, err := a.TestConnection(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK || !strings.Contains(res.Message, "4.0.1") {
		t.Errorf("unexpected result %+v", res)
	}
	if fs.lastAuth != "Bearer secret" {
		t.Errorf("expected bearer auth, got %q", fs.lastAuth)
	}
}

func TestTestConnection_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	res, err := newAdapter(srv.URL).TestConnection(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if res.OK {
		t.Error("expected OK=false")
	}
}

func TestBasicAuth(t *testing.T) {
	fs, srv := newFakeServer(t)
	a := New(Config{BaseURL: srv.URL, AuthType: AuthBasic, Username: "u", Password: "p"}, zerolog.Nop())
	a.TestConnection(context.Background())

	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("u:p"))
	if fs.lastAuth != want {
		t.Errorf("expected %q, got %q", want, fs.lastAuth)
	}
}

func TestGetPatient(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.patients["123"] = fhir.Patient{
		ResourceType: "Patient",
		ID:           "123",
		Name: []fhir.HumanName{
			{Family: "山田", Given: []string{"太郎"}},
			{Text: "ヤマダ タロウ", Extension: []fhir.Extension{{URL: fhir.ExtENRepresentation, ValueCode: "SYL"}}},
		},
		Gender:    "female",
		BirthDate: "1980-01-02",
		Telecom: []fhir.ContactPoint{
			{System: "email", Value: "a@example.com"},
			{System: "phone", Value: "0312345678"},
			{System: "phone", Value: "09000000000"},
		},
		Address: []fhir.Address{
			{PostalCode: "100-0001", State: "東京都", City: "千代田区", Line: []string{"1-1"}},
			{Text: "second"},
		},
	}
	a := newAdapter(srv.URL)

	p, err := a.GetPatient(context.Background(), "123")
	if err != nil || p == nil {
		t.Fatalf("expected patient, got %v, %v", p, err)
	}
	want := ehr.Patient{
		ExternalID: "123",
		Name:       "山田 太郎",
		NameKana:   "ヤマダ タロウ",
		Sex:        ehr.SexFemale,
		Birthday:   "1980-01-02",
		Tel:        "0312345678",
		PostalCode: "100-0001",
		Address:    "東京都千代田区1-1",
	}
	if *p != want {
		t.Errorf("got %+v, want %+v", *p, want)
	}
}

func TestGetPatient_NameIsFirstEntry(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.patients["7"] = fhir.Patient{
		ResourceType: "Patient",
		ID:           "7",
		Name: []fhir.HumanName{
			{Text: "ヤマダ タロウ", Extension: []fhir.Extension{{URL: fhir.ExtENRepresentation, ValueCode: "SYL"}}},
			{Text: "山田 太郎"},
		},
	}

	p, err := newAdapter(srv.URL).GetPatient(context.Background(), "7")
	if err != nil || p == nil {
		t.Fatalf("expected patient, got %v, %v", p, err)
	}
	if p.Name != "ヤマダ タロウ" {
		t.Errorf("expected name[0] text, got %q", p.Name)
	}
	if p.NameKana != "ヤマダ タロウ" {
		t.Errorf("expected kana from the SYL entry, got %q", p.NameKana)
	}
}

func TestGetPatient_NotFoundIsNil(t *testing.T) {
	_, srv := newFakeServer(t)
	p, err := newAdapter(srv.URL).GetPatient(context.Background(), "missing")
	if p != nil || err != nil {
		t.Errorf("expected nil, nil, got %+v, %v", p, err)
	}
}

func TestGetPatient_NetworkFailureIsNil(t *testing.T) {
	_, srv := newFakeServer(t)
	srv.Close()
	p, err := newAdapter(srv.URL).GetPatient(context.Background(), "123")
	if p != nil || err != nil {
		t.Errorf("expected nil, nil, got %+v, %v", p, err)
	}
}

func TestGenderRoundTrip(t *testing.T) {
	_, srv := newFakeServer(t)
	a := newAdapter(srv.URL)
	ctx := context.Background()

	tests := []struct {
		sex  string
		want string
	}{
		{ehr.SexMale, ehr.SexMale},
		{ehr.SexFemale, ehr.SexFemale},
		{"その他", ""},
		{"", ""},
	}
	for _, tt := range tests {
		res, err := a.PushPatient(ctx, ehr.Patient{Name: "テスト", Sex: tt.sex})
		if err != nil {
			t.Fatalf("push: %v", err)
		}
		p, _ := a.GetPatient(ctx, res.ExternalID)
		if p == nil {
			t.Fatalf("expected pushed patient %s", res.ExternalID)
		}
		if p.Sex != tt.want {
			t.Errorf("sex %q: got %q after round trip, want %q", tt.sex, p.Sex, tt.want)
		}
	}
}

func TestPushPatient_PostThenPut(t *testing.T) {
	fs, srv := newFakeServer(t)
	a := newAdapter(srv.URL)
	ctx := context.Background()

	res, err := a.PushPatient(ctx, ehr.Patient{Name: "山田 太郎", NameKana: "ヤマダ タロウ", Tel: "09012345678", Address: "東京都", PostalCode: "100-0001"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExternalID != "101" {
		t.Errorf("expected server id 101, got %q", res.ExternalID)
	}
	if fs.lastCT != fhir.ContentType {
		t.Errorf("expected fhir content type, got %q", fs.lastCT)
	}

	stored := fs.patients["101"]
	if len(stored.Name) != 2 || stored.Name[0].Family != "山田" || stored.Name[1].Representation() != fhir.RepresentationSYL {
		t.Errorf("unexpected names %+v", stored.Name)
	}
	if len(stored.Telecom) != 1 || stored.Telecom[0].Use != "mobile" || stored.Telecom[0].System != "phone" {
		t.Errorf("unexpected telecom %+v", stored.Telecom)
	}
	if len(stored.Address) != 1 || stored.Address[0].Use != "home" || stored.Address[0].Text != "東京都" {
		t.Errorf("unexpected address %+v", stored.Address)
	}

	res2, err := a.PushPatient(ctx, ehr.Patient{ExternalID: "101", Name: "山田 太郎"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res2.ExternalID != "101" {
		t.Errorf("expected stable id, got %q", res2.ExternalID)
	}
	if last := fs.methods[len(fs.methods)-1]; last != "PUT /Patient/101" {
		t.Errorf("expected PUT, got %s", last)
	}
	if len(fs.patients) != 1 {
		t.Errorf("expected one remote patient, got %d", len(fs.patients))
	}
}

func TestPushPatient_LocationFallback(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.noBody = true

	res, err := newAdapter(srv.URL).PushPatient(context.Background(), ehr.Patient{Name: "A"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExternalID != "101" {
		t.Errorf("expected id from Location header, got %q", res.ExternalID)
	}
}

func TestPushPatient_ErrorCarriesOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		writeJSON(w, http.StatusUnprocessableEntity, fhir.OperationOutcome{
			ResourceType: "OperationOutcome",
			Issue:        []fhir.OperationOutcomeIssue{{Severity: "error", Code: "invalid", Diagnostics: "birthDate invalid"}},
		})
	}))
	defer srv.Close()

	_, err := newAdapter(srv.URL).PushPatient(context.Background(), ehr.Patient{Name: "A"})
	if err == nil || !strings.Contains(err.Error(), "birthDate invalid") {
		t.Errorf("expected outcome in error, got %v", err)
	}
}

func TestSearchPatients(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.patients["1"] = fhir.Patient{ResourceType: "Patient", ID: "1", Name: []fhir.HumanName{{Text: "山田太郎"}}}
	fs.patients["2"] = fhir.Patient{ResourceType: "Patient", ID: "2", Name: []fhir.HumanName{{Text: "佐藤花子"}}}
	a := newAdapter(srv.URL)

	got, err := a.SearchPatients(context.Background(), ehr.SearchQuery{Name: "山田", Tel: "0312345678", Birthday: "1980-01-02"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ExternalID != "1" {
		t.Errorf("expected patient 1, got %+v", got)
	}
	for _, p := range []string{"name=", "telecom=0312345678", "birthdate=1980-01-02"} {
		if !strings.Contains(fs.lastQuery, p) {
			t.Errorf("expected query to contain %q, got %q", p, fs.lastQuery)
		}
	}
}

func TestSearchPatients_FailureIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	got, err := newAdapter(srv.URL).SearchPatients(context.Background(), ehr.SearchQuery{Name: "x"})
	if err != nil || got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil result, got %v, %v", got, err)
	}
}

func TestKarteRoundTrip(t *testing.T) {
	fs, srv := newFakeServer(t)
	a := newAdapter(srv.URL)
	ctx := context.Background()

	long := strings.Repeat("あ", 250)
	k := ehr.Karte{PatientExternalID: "123", Date: "2026-04-01", Content: long, Diagnosis: "感冒", Prescription: "カロナール"}
	if err := a.PushKarte(ctx, k); err != nil {
		t.Fatalf("push karte: %v", err)
	}
	if err := a.PushKarte(ctx, k); err != nil {
		t.Fatalf("push karte: %v", err)
	}
	if len(fs.docs) != 2 {
		t.Errorf("expected create-only pushes to produce 2 documents, got %d", len(fs.docs))
	}

	doc := fs.docs[0]
	if utf8.RuneCountInString(doc.Description) != 200 {
		t.Errorf("expected 200-rune description, got %d", utf8.RuneCountInString(doc.Description))
	}
	if doc.Subject == nil || doc.Subject.Reference != "Patient/123" {
		t.Errorf("unexpected subject %+v", doc.Subject)
	}

	kartes, err := a.GetKarteList(ctx, "123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(kartes) != 2 {
		t.Fatalf("expected 2 kartes, got %d", len(kartes))
	}
	got := kartes[0]
	if got.Content != long {
		t.Error("expected full content from attachment, not the truncated description")
	}
	if got.Diagnosis != "感冒" || got.Prescription != "カロナール" {
		t.Errorf("unexpected sections %+v", got)
	}
	if got.Date != "2026-04-01" || got.PatientExternalID != "123" || got.ExternalID == "" {
		t.Errorf("unexpected karte header %+v", got)
	}
}

func TestToEhrKarte_FallsBackToDescription(t *testing.T) {
	k := toEhrKarte(fhir.DocumentReference{
		ID:          "d1",
		Description: "要約",
		Content:     []fhir.DocumentReferenceContent{{Attachment: fhir.Attachment{ContentType: "application/pdf", Data: "AAAA"}}},
	}, "p1")
	if k.Content != "要約" {
		t.Errorf("expected description fallback, got %q", k.Content)
	}
	if k.PatientExternalID != "p1" {
		t.Errorf("expected caller patient id, got %q", k.PatientExternalID)
	}
}

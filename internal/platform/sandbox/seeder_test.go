package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/admission/internal/domain/admission"
)

// ---------------------------------------------------------------------------
// DataGenerator
// ---------------------------------------------------------------------------

func TestDataGenerator_GeneratePatient(t *testing.T) {
	gen := NewDataGenerator(42)
	p := gen.GeneratePatient(DefaultHospitals, 2)

	if !p.Status().IsNew() {
		t.Fatalf("expected a new patient, got %s", p.Status())
	}
	if p.HasID() {
		t.Fatal("expected no id before storing")
	}
	if len(strings.Fields(p.Name())) != 2 {
		t.Fatalf("expected first and last name, got %q", p.Name())
	}
	if n := len(p.DisallowedHospitals()); n > 2 {
		t.Fatalf("expected at most 2 exclusions, got %d", n)
	}
}

func TestDataGenerator_ExclusionsComeFromHospitals(t *testing.T) {
	gen := NewDataGenerator(7)
	known := map[string]bool{}
	for _, h := range DefaultHospitals {
		known[h] = true
	}
	for i := 0; i < 200; i++ {
		for _, h := range gen.GeneratePatient(DefaultHospitals, 5).DisallowedHospitals() {
			if !known[h] {
				t.Fatalf("unexpected exclusion %q", h)
			}
		}
	}
}

func TestDataGenerator_NoExclusions(t *testing.T) {
	gen := NewDataGenerator(1)
	for i := 0; i < 20; i++ {
		if n := len(gen.GeneratePatient(DefaultHospitals, 0).DisallowedHospitals()); n != 0 {
			t.Fatalf("expected no exclusions, got %d", n)
		}
	}
}

func TestDataGenerator_Deterministic(t *testing.T) {
	a := NewDataGenerator(99)
	b := NewDataGenerator(99)
	for i := 0; i < 10; i++ {
		pa := a.GeneratePatient(DefaultHospitals, 3)
		pb := b.GeneratePatient(DefaultHospitals, 3)
		if pa.Name() != pb.Name() {
			t.Fatalf("iteration %d: names differ: %q vs %q", i, pa.Name(), pb.Name())
		}
		if strings.Join(pa.DisallowedHospitals(), ",") != strings.Join(pb.DisallowedHospitals(), ",") {
			t.Fatalf("iteration %d: exclusions differ", i)
		}
	}
}

// ---------------------------------------------------------------------------
// Seeder
// ---------------------------------------------------------------------------

func TestSeeder_HospitalsOnly(t *testing.T) {
	store := admission.NewMemoryStore()
	result, err := NewSeeder(store, DefaultSeedConfig(), zerolog.Nop()).Seed(context.Background())
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if result.Hospitals != 5 || result.TotalPatients != 0 {
		t.Fatalf("unexpected result %+v", result)
	}

	hospitals, _ := store.GetAllHospitals(context.Background())
	var names []string
	for _, h := range hospitals {
		names = append(names, h.Name)
	}
	if got := strings.Join(names, ","); got != "Atascadero,Coalinga,Metropolitan,Napa,Patton" {
		t.Fatalf("unexpected hospitals %s", got)
	}
}

func TestSeeder_DemoPatientsAdmitted(t *testing.T) {
	store := admission.NewMemoryStore()
	cfg := DefaultSeedConfig()
	cfg.DemoPatients = true

	result, err := NewSeeder(store, cfg, zerolog.Nop()).Seed(context.Background())
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if result.DemoPatients != 3 {
		t.Fatalf("expected 3 demo patients, got %d", result.DemoPatients)
	}

	atascadero, _ := store.GetHospital(context.Background(), "Atascadero")
	if len(atascadero.Patients) != 2 {
		t.Fatalf("expected 2 patients at Atascadero, got %d", len(atascadero.Patients))
	}
	coalinga, _ := store.GetHospital(context.Background(), "Coalinga")
	if len(coalinga.Patients) != 1 || coalinga.Patients[0].Name() != "Bob Smith" {
		t.Fatalf("expected Bob Smith at Coalinga, got %+v", coalinga.Patients)
	}
	waitlist, _ := store.GetWaitlistedPatients(context.Background())
	if len(waitlist) != 0 {
		t.Fatalf("expected empty waitlist, got %d", len(waitlist))
	}
}

func TestSeeder_Idempotent(t *testing.T) {
	store := admission.NewMemoryStore()
	cfg := DefaultSeedConfig()
	cfg.DemoPatients = true

	for i := 0; i < 2; i++ {
		if _, err := NewSeeder(store, cfg, zerolog.Nop()).Seed(context.Background()); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}

	hospitals, _ := store.GetAllHospitals(context.Background())
	if len(hospitals) != 5 {
		t.Fatalf("expected 5 hospitals after reseeding, got %d", len(hospitals))
	}
	patients, _ := store.GetAllPatients(context.Background())
	if len(patients) != 3 {
		t.Fatalf("expected 3 patients after reseeding, got %d", len(patients))
	}
}

func TestSeeder_SyntheticWaitlist(t *testing.T) {
	store := admission.NewMemoryStore()
	cfg := DefaultSeedConfig()
	cfg.SyntheticPatients = 25
	cfg.Seed = 42

	result, err := NewSeeder(store, cfg, zerolog.Nop()).Seed(context.Background())
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if result.Waitlisted != 25 || result.TotalPatients != 25 {
		t.Fatalf("unexpected result %+v", result)
	}
	waitlist, _ := store.GetWaitlistedPatients(context.Background())
	if len(waitlist) != 25 {
		t.Fatalf("expected 25 waitlisted, got %d", len(waitlist))
	}
	for _, p := range waitlist {
		if !p.HasID() {
			t.Fatal("expected stored patients to have ids")
		}
	}
}

func TestSeeder_ExportNDJSON(t *testing.T) {
	store := admission.NewMemoryStore()
	cfg := DefaultSeedConfig()
	cfg.DemoPatients = true
	seeder := NewSeeder(store, cfg, zerolog.Nop())
	if _, err := seeder.Seed(context.Background()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var buf bytes.Buffer
	if err := seeder.ExportNDJSON(context.Background(), &buf); err != nil {
		t.Fatalf("export: %v", err)
	}

	lines := 0
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var p map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &p); err != nil {
			t.Fatalf("line %d is not JSON: %v", lines, err)
		}
		if p["admittedTo"] == nil {
			t.Errorf("expected demo patient %v to be admitted", p["name"])
		}
		lines++
	}
	if lines != 3 {
		t.Fatalf("expected 3 lines, got %d", lines)
	}
}

// ---------------------------------------------------------------------------
// SeedHandler
// ---------------------------------------------------------------------------

func TestSeedHandler_Seed(t *testing.T) {
	store := admission.NewMemoryStore()
	e := echo.New()
	NewSeedHandler(store, zerolog.Nop()).RegisterRoutes(e.Group("/sandbox"))

	body := `{"demoPatients":true,"syntheticPatients":4,"seed":3}`
	req := httptest.NewRequest(http.MethodPost, "/sandbox/seed", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result SeedResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Hospitals != 5 || result.DemoPatients != 3 || result.Waitlisted != 4 || result.TotalPatients != 7 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestSeedHandler_RejectsHugeRequest(t *testing.T) {
	e := echo.New()
	NewSeedHandler(admission.NewMemoryStore(), zerolog.Nop()).RegisterRoutes(e.Group("/sandbox"))

	req := httptest.NewRequest(http.MethodPost, "/sandbox/seed", strings.NewReader(`{"syntheticPatients":1000000}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSeedHandler_ExportNDJSON(t *testing.T) {
	store := admission.NewMemoryStore()
	cfg := DefaultSeedConfig()
	cfg.SyntheticPatients = 2
	if _, err := NewSeeder(store, cfg, zerolog.Nop()).Seed(context.Background()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	e := echo.New()
	NewSeedHandler(store, zerolog.Nop()).RegisterRoutes(e.Group("/sandbox"))
	req := httptest.NewRequest(http.MethodGet, "/sandbox/export/ndjson", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "application/x-ndjson" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if n := strings.Count(rec.Body.String(), "\n"); n != 2 {
		t.Fatalf("expected 2 lines, got %d", n)
	}
}

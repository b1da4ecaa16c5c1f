package admission

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestPatient_WithDisallowedHospitals(t *testing.T) {
	p := NewPatient("John Doe").WithDisallowedHospitals([]string{" Napa ", "", "Atascadero", "Napa"})

	got := p.DisallowedHospitals()
	if len(got) != 2 || got[0] != "Atascadero" || got[1] != "Napa" {
		t.Fatalf("expected [Atascadero Napa], got %v", got)
	}
	if !p.IsDisallowed("Napa") {
		t.Error("expected Napa to be disallowed")
	}
	if p.IsDisallowed("napa") {
		t.Error("expected exclusion lookup to be case-sensitive")
	}
}

func TestPatient_Excludes(t *testing.T) {
	p := NewPatient("John Doe").WithDisallowedHospitals([]string{"napa"})
	if !p.Excludes("Napa") || !p.Excludes("NAPA") {
		t.Error("expected case-insensitive exclusion")
	}
	if p.Excludes("Patton") {
		t.Error("expected Patton to be allowed")
	}
	if err := checkAdmission(p, "Napa"); !errors.Is(err, ErrHospitalExcluded) {
		t.Errorf("expected ErrHospitalExcluded, got %v", err)
	}
	if err := checkAdmission(p, "Patton"); err != nil {
		t.Errorf("expected admission to Patton allowed, got %v", err)
	}
}

func TestPatient_IsImmutable(t *testing.T) {
	names := []string{"Napa"}
	p := NewPatient("Jane Doe").WithDisallowedHospitals(names)
	names[0] = "Patton"

	if !p.IsDisallowed("Napa") || p.IsDisallowed("Patton") {
		t.Error("expected exclusion set to be copied on the way in")
	}

	out := p.DisallowedHospitals()
	out[0] = "Coalinga"
	if !p.IsDisallowed("Napa") {
		t.Error("expected exclusion set to be copied on the way out")
	}

	withID := p.WithRandomID()
	if p.HasID() {
		t.Error("expected WithRandomID to leave the receiver untouched")
	}
	if !withID.HasID() {
		t.Error("expected copy to have an id")
	}
}

func TestPatient_AdmitTo(t *testing.T) {
	p := NewPatient("John Doe").WithRandomID().WithStatus(OnWaitlist())
	admitted := p.AdmitTo("Napa")

	if h, ok := admitted.Status().Hospital(); !ok || h != "Napa" {
		t.Fatalf("expected admitted to Napa, got %s", admitted.Status())
	}
	if !p.Status().IsWaitlisted() {
		t.Error("expected original to stay waitlisted")
	}
	if admitted.ID() != p.ID() {
		t.Error("expected id to carry over")
	}

	back := admitted.Waitlisted()
	if !back.Status().IsWaitlisted() {
		t.Errorf("expected waitlisted, got %s", back.Status())
	}
}

func TestPatient_AdmitToRequiresWaitlist(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected AdmitTo to panic for a new patient")
		}
	}()
	NewPatient("John Doe").AdmitTo("Napa")
}

func TestPatient_WaitlistedRequiresAdmission(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected Waitlisted to panic for a waitlisted patient")
		}
	}()
	NewPatient("John Doe").WithRandomID().WithStatus(OnWaitlist()).Waitlisted()
}

func TestPatient_MarshalJSON(t *testing.T) {
	id := uuid.MustParse("3f2b8c1e-4a5d-4e6f-8a9b-0c1d2e3f4a5b")
	p := NewPatient("Jane Doe").
		WithDisallowedHospitals([]string{"Patton", "Napa"}).
		WithID(id).
		WithStatus(AdmittedTo("Atascadero"))

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"id":"3f2b8c1e-4a5d-4e6f-8a9b-0c1d2e3f4a5b","name":"Jane Doe","disallowAdmissionTo":["Napa","Patton"],"admittedTo":"Atascadero"}`
	if string(data) != want {
		t.Errorf("unexpected JSON\n got: %s\nwant: %s", data, want)
	}
}

func TestPatient_MarshalJSON_NewPatient(t *testing.T) {
	data, err := json.Marshal(NewPatient("John Doe"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(data)
	if strings.Contains(s, `"id"`) || strings.Contains(s, `"admittedTo"`) {
		t.Errorf("expected no id or admittedTo, got %s", s)
	}
	if !strings.Contains(s, `"disallowAdmissionTo":[]`) {
		t.Errorf("expected empty exclusion array, got %s", s)
	}
}

func TestPatient_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantKind   StatusKind
		wantID     bool
		wantHosp   string
		disallowed int
	}{
		{"new", `{"name":"John Doe","disallowAdmissionTo":["Napa"]}`, StatusNew, false, "", 1},
		{"waitlisted", `{"id":"3f2b8c1e-4a5d-4e6f-8a9b-0c1d2e3f4a5b","name":"John Doe"}`, StatusOnWaitlist, true, "", 0},
		{"admitted", `{"id":"3f2b8c1e-4a5d-4e6f-8a9b-0c1d2e3f4a5b","name":"John Doe","admittedTo":"Napa"}`, StatusAdmitted, true, "Napa", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Patient
			if err := json.Unmarshal([]byte(tt.body), &p); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if p.Status().Kind() != tt.wantKind {
				t.Errorf("expected kind %v, got %v", tt.wantKind, p.Status().Kind())
			}
			if p.HasID() != tt.wantID {
				t.Errorf("expected HasID=%v", tt.wantID)
			}
			if h, _ := p.Status().Hospital(); h != tt.wantHosp {
				t.Errorf("expected hospital %q, got %q", tt.wantHosp, h)
			}
			if n := len(p.DisallowedHospitals()); n != tt.disallowed {
				t.Errorf("expected %d exclusions, got %d", tt.disallowed, n)
			}
		})
	}
}

func TestHospital_HasPatient(t *testing.T) {
	p := NewPatient("Bob Smith").WithRandomID().WithStatus(AdmittedTo("Coalinga"))
	h := Hospital{ID: 1, Name: "Coalinga", Patients: []Patient{p}}

	if !h.HasPatient(p.ID()) {
		t.Error("expected roster to contain patient")
	}
	if h.HasPatient(uuid.New()) {
		t.Error("expected unknown id to be absent")
	}
}

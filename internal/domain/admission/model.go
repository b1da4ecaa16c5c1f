package admission

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrPatientExists        = errors.New("patient already exists")
	ErrPatientNotFound      = errors.New("patient not found")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrInvalidHospitalName  = errors.New("invalid hospital name")
	ErrHospitalExcluded     = errors.New("hospital is excluded for patient")
)

// Patient is an immutable value. Every With* method returns a modified copy;
// the exclusion set is copied on the way in and on the way out.
type Patient struct {
	id         uuid.UUID
	name       string
	disallowed map[string]struct{}
	status     Status
}

// NewPatient returns an unstored patient with an empty exclusion set.
func NewPatient(name string) Patient {
	return Patient{name: name, status: New()}
}

func (p Patient) ID() uuid.UUID  { return p.id }
func (p Patient) HasID() bool    { return p.id != uuid.Nil }
func (p Patient) Name() string   { return p.name }
func (p Patient) Status() Status { return p.status }

// DisallowedHospitals returns a sorted copy of the exclusion set.
func (p Patient) DisallowedHospitals() []string {
	names := make([]string, 0, len(p.disallowed))
	for n := range p.disallowed {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// IsDisallowed reports whether hospital is in the exclusion set.
func (p Patient) IsDisallowed(hospital string) bool {
	_, ok := p.disallowed[hospital]
	return ok
}

// Excludes is IsDisallowed ignoring case, for comparing against a hospital's
// stored spelling.
func (p Patient) Excludes(hospital string) bool {
	for n := range p.disallowed {
		if strings.EqualFold(n, hospital) {
			return true
		}
	}
	return false
}

// checkAdmission fails when p may not be admitted to hospital.
func checkAdmission(p Patient, hospital string) error {
	if p.Excludes(hospital) {
		return fmt.Errorf("admit patient %s to %s: %w", p.ID(), hospital, ErrHospitalExcluded)
	}
	return nil
}

func (p Patient) WithID(id uuid.UUID) Patient {
	p.id = id
	p.disallowed = copySet(p.disallowed)
	return p
}

func (p Patient) WithRandomID() Patient {
	return p.WithID(uuid.New())
}

func (p Patient) WithDisallowedHospitals(names []string) Patient {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			set[n] = struct{}{}
		}
	}
	p.disallowed = set
	return p
}

func (p Patient) WithStatus(s Status) Patient {
	p.status = s
	p.disallowed = copySet(p.disallowed)
	return p
}

// AdmitTo returns a copy admitted to hospital. Only waitlisted patients can be
// admitted; calling it for any other status is a bug in the caller.
func (p Patient) AdmitTo(hospital string) Patient {
	if !p.status.IsWaitlisted() {
		panic(fmt.Sprintf("admission: AdmitTo called for patient %s with status %q", p.id, p.status))
	}
	return p.WithStatus(AdmittedTo(hospital))
}

// Waitlisted returns a copy moved back to the waitlist. Only admitted patients
// can be sent back.
func (p Patient) Waitlisted() Patient {
	if !p.status.IsAdmitted() {
		panic(fmt.Sprintf("admission: Waitlisted called for patient %s with status %q", p.id, p.status))
	}
	return p.WithStatus(OnWaitlist())
}

func copySet(in map[string]struct{}) map[string]struct{} {
	if in == nil {
		return nil
	}
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

// patientJSON is the wire shape. A missing admittedTo means waitlisted.
type patientJSON struct {
	ID                  *uuid.UUID `json:"id,omitempty"`
	Name                string     `json:"name"`
	DisallowAdmissionTo []string   `json:"disallowAdmissionTo"`
	AdmittedTo          *string    `json:"admittedTo,omitempty"`
}

func (p Patient) MarshalJSON() ([]byte, error) {
	out := patientJSON{
		Name:                p.name,
		DisallowAdmissionTo: p.DisallowedHospitals(),
	}
	if p.HasID() {
		id := p.id
		out.ID = &id
	}
	if h, ok := p.status.Hospital(); ok {
		out.AdmittedTo = &h
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the wire shape. A decoded patient without an id is
// New; with an id it is OnWaitlist or AdmittedTo depending on admittedTo.
func (p *Patient) UnmarshalJSON(data []byte) error {
	var in patientJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	out := NewPatient(in.Name).WithDisallowedHospitals(in.DisallowAdmissionTo)
	if in.ID != nil && *in.ID != uuid.Nil {
		out = out.WithID(*in.ID).WithStatus(OnWaitlist())
	}
	if in.AdmittedTo != nil && *in.AdmittedTo != "" {
		out = out.WithStatus(AdmittedTo(*in.AdmittedTo))
	}
	*p = out
	return nil
}

// Hospital is a reference hospital. Patients is the roster resolved at read
// time from patients admitted to this hospital; it is never stored with the
// hospital record.
type Hospital struct {
	ID       int       `json:"id"`
	Name     string    `json:"name"`
	Patients []Patient `json:"patients"`
}

// HasPatient reports whether the roster contains the given patient.
func (h Hospital) HasPatient(id uuid.UUID) bool {
	for _, p := range h.Patients {
		if p.ID() == id {
			return true
		}
	}
	return false
}

// HospitalNames is the body of GET /hospital-names.
type HospitalNames struct {
	HospitalNames []string `json:"hospitalNames"`
}

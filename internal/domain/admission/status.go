package admission

import "fmt"

// StatusKind enumerates the admission lifecycle states.
type StatusKind int

const (
	// StatusNew is a patient that has never been persisted.
	StatusNew StatusKind = iota
	// StatusOnWaitlist is a persisted patient with no hospital.
	StatusOnWaitlist
	// StatusAdmitted is a patient assigned to a hospital.
	StatusAdmitted
)

// Status is the admission state of a patient. The zero value is New.
type Status struct {
	kind     StatusKind
	hospital string
}

// New returns the status of a patient that has not been stored yet.
func New() Status { return Status{kind: StatusNew} }

// OnWaitlist returns the status of a stored patient without a hospital.
func OnWaitlist() Status { return Status{kind: StatusOnWaitlist} }

// AdmittedTo returns the status of a patient admitted to the named hospital.
func AdmittedTo(hospital string) Status {
	return Status{kind: StatusAdmitted, hospital: hospital}
}

func (s Status) Kind() StatusKind { return s.kind }

// Hospital returns the hospital name and whether the patient is admitted.
func (s Status) Hospital() (string, bool) {
	if s.kind != StatusAdmitted {
		return "", false
	}
	return s.hospital, true
}

func (s Status) IsNew() bool        { return s.kind == StatusNew }
func (s Status) IsWaitlisted() bool { return s.kind == StatusOnWaitlist }
func (s Status) IsAdmitted() bool   { return s.kind == StatusAdmitted }

func (s Status) String() string {
	switch s.kind {
	case StatusOnWaitlist:
		return "on waitlist"
	case StatusAdmitted:
		return fmt.Sprintf("admitted to %s", s.hospital)
	default:
		return "new patient"
	}
}

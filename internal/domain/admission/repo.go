package admission

import (
	"context"

	"github.com/google/uuid"
)

// PatientRepository defines the persistence interface for patients.
type PatientRepository interface {
	// StorePatient assigns an id and the waitlist status to a New patient and
	// persists every other patient as-is. An admitted patient whose exclusion
	// set names its hospital, in any case, fails with ErrHospitalExcluded.
	StorePatient(ctx context.Context, p Patient) (Patient, error)
	GetAllPatients(ctx context.Context) ([]Patient, error)
	GetWaitlistedPatients(ctx context.Context) ([]Patient, error)
	// GetPatientByID returns nil, nil when no such patient exists.
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	// UpdatePatientHospital persists the hospital of an admitted patient and
	// fails with ErrUnsupportedOperation for any other status. The stored
	// exclusion set is authoritative: admitting to an excluded hospital fails
	// with ErrHospitalExcluded.
	UpdatePatientHospital(ctx context.Context, p Patient) (Patient, error)
}

// HospitalRepository defines the persistence interface for hospitals.
// Hospitals themselves are a fixed reference set; only rosters change.
type HospitalRepository interface {
	GetAllHospitals(ctx context.Context) ([]Hospital, error)
	// GetHospital looks a hospital up by case-insensitive name and returns
	// nil, nil when it does not exist.
	GetHospital(ctx context.Context, name string) (*Hospital, error)
	// RemovePatientFromHospital sends the patient back to the waitlist if it
	// is admitted to the hospital. It is idempotent.
	RemovePatientFromHospital(ctx context.Context, patientID uuid.UUID, hospitalName string) (Hospital, error)
}

// Store is a backing store that serves both repositories and can be seeded
// with the reference hospitals.
type Store interface {
	PatientRepository
	HospitalRepository
	SeedHospitals(ctx context.Context, names []string) error
}

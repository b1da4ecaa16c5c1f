package admission

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/admission/internal/platform/events"
	"github.com/ehr/admission/pkg/pagination"
)

// ErrInvalidPatient marks a rejected waitlist submission.
var ErrInvalidPatient = errors.New("invalid patient")

type PatientService struct {
	patients  PatientRepository
	hospitals HospitalRepository
	events    events.Publisher
	logger    zerolog.Logger
}

func NewPatientService(patients PatientRepository, hospitals HospitalRepository, publisher events.Publisher, logger zerolog.Logger) *PatientService {
	return &PatientService{patients: patients, hospitals: hospitals, events: publisher, logger: logger}
}

// AddPatientToWaitlist stores a new patient on the waitlist. Exclusions that
// name a known hospital in a different case are stored with the hospital's
// own spelling so that complement lookups match them.
func (s *PatientService) AddPatientToWaitlist(ctx context.Context, p Patient) (Patient, error) {
	if p.HasID() {
		return Patient{}, fmt.Errorf("patient %s: %w", p.ID(), ErrPatientExists)
	}
	name := strings.TrimSpace(p.Name())
	if name == "" {
		return Patient{}, fmt.Errorf("%w: name is required", ErrInvalidPatient)
	}

	hospitals, err := s.hospitals.GetAllHospitals(ctx)
	if err != nil {
		return Patient{}, fmt.Errorf("load hospitals: %w", err)
	}
	known := make(map[string]string, len(hospitals))
	for _, h := range hospitals {
		known[strings.ToLower(h.Name)] = h.Name
	}
	excluded := p.DisallowedHospitals()
	for i, n := range excluded {
		if canonical, ok := known[strings.ToLower(n)]; ok {
			excluded[i] = canonical
		}
	}

	stored, err := s.patients.StorePatient(ctx, NewPatient(name).WithDisallowedHospitals(excluded))
	if err != nil {
		return Patient{}, err
	}
	publish(ctx, s.events, s.logger, events.Event{
		Type:        events.TypePatientWaitlisted,
		PatientID:   stored.ID().String(),
		PatientName: stored.Name(),
	})
	return stored, nil
}

func (s *PatientService) GetWaitlist(ctx context.Context) ([]Patient, error) {
	return s.patients.GetWaitlistedPatients(ctx)
}

func (s *PatientService) ListPatients(ctx context.Context, page pagination.Params) ([]Patient, int, error) {
	all, err := s.patients.GetAllPatients(ctx)
	if err != nil {
		return nil, 0, err
	}
	return pagination.Slice(all, page), len(all), nil
}

func (s *PatientService) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := s.patients.GetPatientByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("patient %s: %w", id, ErrPatientNotFound)
	}
	return p, nil
}

type HospitalService struct {
	hospitals HospitalRepository
	events    events.Publisher
	logger    zerolog.Logger
}

func NewHospitalService(hospitals HospitalRepository, publisher events.Publisher, logger zerolog.Logger) *HospitalService {
	return &HospitalService{hospitals: hospitals, events: publisher, logger: logger}
}

func (s *HospitalService) GetAllHospitals(ctx context.Context) ([]Hospital, error) {
	return s.hospitals.GetAllHospitals(ctx)
}

func (s *HospitalService) GetHospital(ctx context.Context, name string) (*Hospital, error) {
	h, err := s.hospitals.GetHospital(ctx, name)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidHospitalName, name)
	}
	return h, nil
}

// HospitalNames returns the universe of hospital names sorted ascending.
func (s *HospitalService) HospitalNames(ctx context.Context) ([]string, error) {
	hospitals, err := s.hospitals.GetAllHospitals(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(hospitals))
	for i, h := range hospitals {
		names[i] = h.Name
	}
	slices.Sort(names)
	return names, nil
}

// UnadmitPatient sends the patient back to the waitlist if it is admitted to
// the named hospital. Repeating the call changes nothing.
func (s *HospitalService) UnadmitPatient(ctx context.Context, hospitalName string, patientID uuid.UUID) (Hospital, error) {
	before, err := s.GetHospital(ctx, hospitalName)
	if err != nil {
		return Hospital{}, err
	}
	after, err := s.hospitals.RemovePatientFromHospital(ctx, patientID, before.Name)
	if err != nil {
		return Hospital{}, err
	}
	if before.HasPatient(patientID) && !after.HasPatient(patientID) {
		publish(ctx, s.events, s.logger, events.Event{
			Type:      events.TypePatientDischarged,
			PatientID: patientID.String(),
			Hospital:  after.Name,
		})
	}
	return after, nil
}

// publishTimeout bounds a single publish. The request context is detached so
// a slow sink never eats into the caller's deadline or cancellation.
var publishTimeout = 2 * time.Second

func publish(ctx context.Context, p events.Publisher, logger zerolog.Logger, ev events.Event) {
	if p == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := p.Publish(ctx, ev); err != nil {
		logger.Warn().Err(err).Str("event_type", ev.Type).Str("patient_id", ev.PatientID).Msg("publish event")
	}
}

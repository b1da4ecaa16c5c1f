package admission

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps patients and hospitals in flat maps keyed by id. Rosters
// are resolved on every read. Patients are returned in insertion order.
type MemoryStore struct {
	mu        sync.RWMutex
	hospitals []memHospital
	patients  map[uuid.UUID]memPatient
	order     []uuid.UUID
}

type memHospital struct {
	id   int
	name string
}

type memPatient struct {
	name       string
	disallowed []string
	hospitalID int // 0 means waitlisted
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{patients: make(map[uuid.UUID]memPatient)}
}

func (s *MemoryStore) SeedHospitals(_ context.Context, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		if s.hospitalByNameLocked(name) != nil {
			continue
		}
		s.hospitals = append(s.hospitals, memHospital{id: len(s.hospitals) + 1, name: name})
	}
	return nil
}

func (s *MemoryStore) hospitalByNameLocked(name string) *memHospital {
	for i := range s.hospitals {
		if strings.EqualFold(s.hospitals[i].name, name) {
			return &s.hospitals[i]
		}
	}
	return nil
}

// hospitalIDLocked is the stored hospital id for status; 0 is the waitlist.
func (s *MemoryStore) hospitalIDLocked(status Status) int {
	name, ok := status.Hospital()
	if !ok {
		return 0
	}
	if h := s.hospitalByNameLocked(name); h != nil {
		return h.id
	}
	return 0
}

func (s *MemoryStore) hospitalByIDLocked(id int) *memHospital {
	for i := range s.hospitals {
		if s.hospitals[i].id == id {
			return &s.hospitals[i]
		}
	}
	return nil
}

// -- Patients --

func (s *MemoryStore) StorePatient(_ context.Context, p Patient) (Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Status().IsNew() {
		p = p.WithRandomID().WithStatus(OnWaitlist())
	}
	if !p.HasID() {
		return Patient{}, fmt.Errorf("store patient %q: %w", p.Name(), ErrUnsupportedOperation)
	}
	if _, exists := s.patients[p.ID()]; exists {
		return Patient{}, fmt.Errorf("store patient %s: %w", p.ID(), ErrPatientExists)
	}

	rec := memPatient{name: p.Name(), disallowed: p.DisallowedHospitals()}
	if name, ok := p.Status().Hospital(); ok {
		h := s.hospitalByNameLocked(name)
		if h == nil {
			return Patient{}, fmt.Errorf("store patient %s: %w: %s", p.ID(), ErrInvalidHospitalName, name)
		}
		if err := checkAdmission(p, h.name); err != nil {
			return Patient{}, err
		}
		rec.hospitalID = h.id
	}
	s.patients[p.ID()] = rec
	s.order = append(s.order, p.ID())
	return s.toPatientLocked(p.ID(), rec), nil
}

func (s *MemoryStore) GetAllPatients(_ context.Context) ([]Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Patient, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.toPatientLocked(id, s.patients[id]))
	}
	return out, nil
}

func (s *MemoryStore) GetWaitlistedPatients(_ context.Context) ([]Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Patient
	for _, id := range s.order {
		rec := s.patients[id]
		if rec.hospitalID == 0 {
			out = append(out, s.toPatientLocked(id, rec))
		}
	}
	return out, nil
}

func (s *MemoryStore) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.patients[id]
	if !ok {
		return nil, nil
	}
	p := s.toPatientLocked(id, rec)
	return &p, nil
}

func (s *MemoryStore) UpdatePatientHospital(_ context.Context, p Patient) (Patient, error) {
	name, ok := p.Status().Hospital()
	if !ok {
		return Patient{}, fmt.Errorf("update hospital of patient %s (%s): %w", p.ID(), p.Status(), ErrUnsupportedOperation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, exists := s.patients[p.ID()]
	if !exists {
		return Patient{}, fmt.Errorf("update hospital of patient %s: %w", p.ID(), ErrPatientNotFound)
	}
	h := s.hospitalByNameLocked(name)
	if h == nil {
		return Patient{}, fmt.Errorf("update hospital of patient %s: %w: %s", p.ID(), ErrInvalidHospitalName, name)
	}
	if err := checkAdmission(s.toPatientLocked(p.ID(), rec), h.name); err != nil {
		return Patient{}, err
	}
	rec.hospitalID = h.id
	s.patients[p.ID()] = rec
	return s.toPatientLocked(p.ID(), rec), nil
}

func (s *MemoryStore) toPatientLocked(id uuid.UUID, rec memPatient) Patient {
	p := NewPatient(rec.name).WithDisallowedHospitals(rec.disallowed).WithID(id)
	if h := s.hospitalByIDLocked(rec.hospitalID); h != nil {
		return p.WithStatus(AdmittedTo(h.name))
	}
	return p.WithStatus(OnWaitlist())
}

// -- Hospitals --

func (s *MemoryStore) GetAllHospitals(_ context.Context) ([]Hospital, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Hospital, 0, len(s.hospitals))
	for _, h := range s.hospitals {
		out = append(out, s.toHospitalLocked(h))
	}
	return out, nil
}

func (s *MemoryStore) GetHospital(_ context.Context, name string) (*Hospital, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.hospitalByNameLocked(name)
	if h == nil {
		return nil, nil
	}
	out := s.toHospitalLocked(*h)
	return &out, nil
}

func (s *MemoryStore) RemovePatientFromHospital(_ context.Context, patientID uuid.UUID, hospitalName string) (Hospital, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hospitalByNameLocked(hospitalName)
	if h == nil {
		return Hospital{}, fmt.Errorf("%w: %s", ErrInvalidHospitalName, hospitalName)
	}
	if rec, ok := s.patients[patientID]; ok && rec.hospitalID == h.id {
		back := s.toPatientLocked(patientID, rec).Waitlisted()
		rec.hospitalID = s.hospitalIDLocked(back.Status())
		s.patients[patientID] = rec
	}
	return s.toHospitalLocked(*h), nil
}

func (s *MemoryStore) toHospitalLocked(h memHospital) Hospital {
	out := Hospital{ID: h.id, Name: h.name, Patients: []Patient{}}
	for _, id := range s.order {
		rec := s.patients[id]
		if rec.hospitalID == h.id {
			out.Patients = append(out.Patients, s.toPatientLocked(id, rec))
		}
	}
	return out
}

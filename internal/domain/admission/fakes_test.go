package admission

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/ehr/admission/internal/domain/complement"
	"github.com/ehr/admission/internal/platform/events"
)

// recordingPublisher collects published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) ofType(typ string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, ev := range p.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// providerFunc adapts a function to complement.Provider.
type providerFunc func(ctx context.Context, excluded complement.Set) (complement.Set, error)

func (f providerFunc) ComputeComplement(ctx context.Context, excluded complement.Set) (complement.Set, error) {
	return f(ctx, excluded)
}

// staticUniverse returns a provider computing complements against names.
func staticUniverse(names ...string) complement.Provider {
	return providerFunc(func(_ context.Context, excluded complement.Set) (complement.Set, error) {
		return complement.NewSet(names...).Difference(excluded), nil
	})
}

var errBrokenStore = errors.New("store offline")

// failingPatients wraps a PatientRepository and fails selected calls.
type failingPatients struct {
	PatientRepository
	failWaitlist bool
	failUpdateOf map[uuid.UUID]bool
	onReread     func(id uuid.UUID)
}

func (f *failingPatients) GetWaitlistedPatients(ctx context.Context) ([]Patient, error) {
	if f.failWaitlist {
		return nil, errBrokenStore
	}
	return f.PatientRepository.GetWaitlistedPatients(ctx)
}

func (f *failingPatients) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	if f.onReread != nil {
		f.onReread(id)
	}
	return f.PatientRepository.GetPatientByID(ctx, id)
}

func (f *failingPatients) UpdatePatientHospital(ctx context.Context, p Patient) (Patient, error) {
	if f.failUpdateOf[p.ID()] {
		return Patient{}, errBrokenStore
	}
	return f.PatientRepository.UpdatePatientHospital(ctx, p)
}

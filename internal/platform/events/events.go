// Package events publishes admission lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

const (
	TypePatientWaitlisted = "patient.waitlisted"
	TypePatientAdmitted   = "patient.admitted"
	TypePatientDischarged = "patient.discharged"
)

// Event is a single admission lifecycle change.
type Event struct {
	Type        string    `json:"type"`
	PatientID   string    `json:"patientId"`
	PatientName string    `json:"patientName,omitempty"`
	Hospital    string    `json:"hospital,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Publisher defines the interface for publishing events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// LogPublisher writes events to the structured log. It is used when no
// broker is configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	p.logger.Info().
		Str("event_type", event.Type).
		RawJSON("event", data).
		Msg("admission event")
	return nil
}

// Fanout publishes every event to each of its publishers in order. All
// publishers are attempted; the errors are joined.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

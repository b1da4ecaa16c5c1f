package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/admission/internal/domain/complement"
	"github.com/ehr/admission/internal/platform/events"
	"github.com/ehr/admission/internal/platform/lock"
)

// Outcome is what a matching pass did with one waitlisted patient.
type Outcome string

const (
	OutcomeAdmitted   Outcome = "admitted"
	OutcomeIneligible Outcome = "ineligible" // no hospital left after exclusions
	OutcomeSkipped    Outcome = "skipped"    // left the waitlist during the pass
	OutcomeFailed     Outcome = "failed"
)

// Result is the per-patient entry of a Report.
type Result struct {
	Patient  Patient `json:"patient"`
	Outcome  Outcome `json:"outcome"`
	Hospital string  `json:"hospital,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// Report lists one Result per patient that was on the waitlist when the pass
// started, in waitlist order.
type Report struct {
	Results []Result        `json:"results"`
	Counts  map[Outcome]int `json:"counts"`
}

// Admitted returns the patients admitted by the pass, as persisted.
func (r Report) Admitted() []Patient {
	out := []Patient{}
	for _, res := range r.Results {
		if res.Outcome == OutcomeAdmitted {
			out = append(out, res.Patient)
		}
	}
	return out
}

func (r Report) Count(o Outcome) int {
	return r.Counts[o]
}

// MatchRecorder receives matcher metrics.
type MatchRecorder interface {
	RecordAdmission(outcome string)
	ObserveMatchPass(start time.Time)
}

type nopMatchRecorder struct{}

func (nopMatchRecorder) RecordAdmission(string)     {}
func (nopMatchRecorder) ObserveMatchPass(time.Time) {}

type MatcherConfig struct {
	Concurrency int    // parallel complement lookups
	LockKey     string // name of the admission lock
}

func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{Concurrency: 4, LockKey: "admission"}
}

// Matcher assigns waitlisted patients to hospitals. Complement lookups run
// concurrently and unlocked; each assignment is persisted under the admission
// lock after re-reading the patient.
type Matcher struct {
	patients PatientRepository
	provider complement.Provider
	locker   lock.Locker
	events   events.Publisher
	metrics  MatchRecorder
	logger   zerolog.Logger
	tracer   trace.Tracer
	cfg      MatcherConfig
}

func NewMatcher(
	patients PatientRepository,
	provider complement.Provider,
	locker lock.Locker,
	publisher events.Publisher,
	metrics MatchRecorder,
	logger zerolog.Logger,
	cfg MatcherConfig,
) *Matcher {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.LockKey == "" {
		cfg.LockKey = DefaultMatcherConfig().LockKey
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	if metrics == nil {
		metrics = nopMatchRecorder{}
	}
	return &Matcher{
		patients: patients,
		provider: provider,
		locker:   locker,
		events:   publisher,
		metrics:  metrics,
		logger:   logger,
		tracer:   otel.Tracer("github.com/ehr/admission/internal/domain/admission"),
		cfg:      cfg,
	}
}

type choice struct {
	hospital string
	err      error
}

// AdmitPatientsFromWaitlist runs one first-fit pass over the waitlist. Each
// patient goes to the alphabetically first hospital not in its exclusion set.
// Per-patient failures are recorded in the report and do not stop the pass;
// only failing to read the waitlist returns an error.
func (m *Matcher) AdmitPatientsFromWaitlist(ctx context.Context) (Report, error) {
	start := time.Now()
	defer m.metrics.ObserveMatchPass(start)

	ctx, span := m.tracer.Start(ctx, "admission.match")
	defer span.End()

	waitlist, err := m.patients.GetWaitlistedPatients(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read waitlist")
		return Report{}, fmt.Errorf("read waitlist: %w", err)
	}
	span.SetAttributes(attribute.Int("admission.waitlist_size", len(waitlist)))

	choices := m.choose(ctx, waitlist)

	report := Report{Results: make([]Result, 0, len(waitlist)), Counts: map[Outcome]int{}}
	for i, p := range waitlist {
		res := m.settle(ctx, p, choices[i])
		report.Results = append(report.Results, res)
		report.Counts[res.Outcome]++
		m.metrics.RecordAdmission(string(res.Outcome))

		ev := m.logger.Debug()
		if res.Outcome == OutcomeFailed {
			ev = m.logger.Warn()
		}
		ev.Str("patient_id", p.ID().String()).
			Str("outcome", string(res.Outcome)).
			Str("hospital", res.Hospital).
			Str("error", res.Error).
			Msg("waitlist match")
	}

	span.SetAttributes(
		attribute.Int("admission.admitted", report.Count(OutcomeAdmitted)),
		attribute.Int("admission.failed", report.Count(OutcomeFailed)),
	)
	m.logger.Info().
		Int("waitlist", len(waitlist)).
		Int("admitted", report.Count(OutcomeAdmitted)).
		Int("ineligible", report.Count(OutcomeIneligible)).
		Int("skipped", report.Count(OutcomeSkipped)).
		Int("failed", report.Count(OutcomeFailed)).
		Dur("duration", time.Since(start)).
		Msg("waitlist matching pass")
	return report, nil
}

// choose computes every patient's hospital concurrently. Errors are kept per
// patient; the group itself never fails.
func (m *Matcher) choose(ctx context.Context, waitlist []Patient) []choice {
	choices := make([]choice, len(waitlist))
	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)
	for i, p := range waitlist {
		g.Go(func() error {
			eligible, err := m.provider.ComputeComplement(ctx, complement.NewSet(p.DisallowedHospitals()...))
			if err != nil {
				choices[i] = choice{err: fmt.Errorf("compute eligible hospitals: %w", err)}
				return nil
			}
			choices[i] = choice{hospital: selectHospital(p, eligible)}
			return nil
		})
	}
	g.Wait()
	return choices
}

// selectHospital picks the alphabetically first eligible hospital, or "" when
// none is left. Exclusions are re-checked against the patient.
func selectHospital(p Patient, eligible complement.Set) string {
	for _, name := range eligible.Sorted() {
		if !p.IsDisallowed(name) {
			return name
		}
	}
	return ""
}

func (m *Matcher) settle(ctx context.Context, p Patient, c choice) Result {
	switch {
	case c.err != nil:
		return Result{Patient: p, Outcome: OutcomeFailed, Error: c.err.Error()}
	case c.hospital == "":
		return Result{Patient: p, Outcome: OutcomeIneligible}
	}

	res := m.persist(ctx, p, c.hospital)
	if res.Outcome == OutcomeAdmitted {
		publish(ctx, m.events, m.logger, events.Event{
			Type:        events.TypePatientAdmitted,
			PatientID:   res.Patient.ID().String(),
			PatientName: res.Patient.Name(),
			Hospital:    res.Hospital,
		})
	}
	return res
}

func (m *Matcher) persist(ctx context.Context, p Patient, hospital string) Result {
	release, err := m.locker.Acquire(ctx, m.cfg.LockKey)
	if err != nil {
		return Result{Patient: p, Outcome: OutcomeFailed, Hospital: hospital, Error: fmt.Sprintf("acquire admission lock: %v", err)}
	}
	defer release()

	current, err := m.patients.GetPatientByID(ctx, p.ID())
	if err != nil {
		return Result{Patient: p, Outcome: OutcomeFailed, Hospital: hospital, Error: fmt.Sprintf("re-read patient: %v", err)}
	}
	if current == nil || !current.Status().IsWaitlisted() {
		if current != nil {
			p = *current
		}
		return Result{Patient: p, Outcome: OutcomeSkipped}
	}

	updated, err := m.patients.UpdatePatientHospital(ctx, current.AdmitTo(hospital))
	if err != nil {
		return Result{Patient: *current, Outcome: OutcomeFailed, Hospital: hospital, Error: err.Error()}
	}
	admittedTo, _ := updated.Status().Hospital()
	return Result{Patient: updated, Outcome: OutcomeAdmitted, Hospital: admittedTo}
}

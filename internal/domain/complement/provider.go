// Package complement computes the hospitals a patient may still be admitted
// to: the set of all hospitals minus the patient's exclusions.
package complement

import (
	"context"
	"errors"
	"time"
)

// ErrComplementUnavailable wraps every failure to obtain a complement from a
// remote service.
var ErrComplementUnavailable = errors.New("complement service unavailable")

// Provider computes universe − excluded. Implementations must not mutate the
// argument.
type Provider interface {
	ComputeComplement(ctx context.Context, excluded Set) (Set, error)
}

// NameSource supplies the universe of hospital names.
type NameSource interface {
	HospitalNames(ctx context.Context) ([]string, error)
}

// Recorder receives one call per complement lookup.
type Recorder interface {
	RecordComplementRequest(provider, status string, start time.Time)
}

type nopRecorder struct{}

func (nopRecorder) RecordComplementRequest(string, string, time.Time) {}

// LocalProvider computes the complement in-process from a NameSource, which
// is re-read on every call.
type LocalProvider struct {
	names   NameSource
	metrics Recorder
}

func NewLocalProvider(names NameSource, metrics Recorder) *LocalProvider {
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &LocalProvider{names: names, metrics: metrics}
}

func (p *LocalProvider) ComputeComplement(ctx context.Context, excluded Set) (Set, error) {
	start := time.Now()
	names, err := p.names.HospitalNames(ctx)
	if err != nil {
		p.metrics.RecordComplementRequest("local", "error", start)
		return nil, err
	}
	p.metrics.RecordComplementRequest("local", "ok", start)
	return NewSet(names...).Difference(excluded), nil
}

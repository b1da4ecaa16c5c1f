package complement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const maxResponseBytes = 1 << 20

// Names is the wire shape used in both directions: the exclusion set on the
// way in, the complement on the way out.
type Names struct {
	HospitalNames []string `json:"hospitalNames"`
}

// TokenSource supplies bearer tokens for outgoing calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// RemoteConfig configures the RemoteProvider.
type RemoteConfig struct {
	URL             string
	Timeout         time.Duration // per attempt
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRemoteConfig returns sensible defaults for the remote provider.
func DefaultRemoteConfig(url string) RemoteConfig {
	return RemoteConfig{
		URL:             url,
		Timeout:         5 * time.Second,
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// RemoteProvider asks the complement service over HTTP. Transport errors and
// 5xx responses are retried with exponential backoff; 4xx responses are not.
type RemoteProvider struct {
	cfg     RemoteConfig
	client  *http.Client
	tokens  TokenSource
	metrics Recorder
	tracer  trace.Tracer
}

func NewRemoteProvider(cfg RemoteConfig, client *http.Client, tokens TokenSource, metrics Recorder) *RemoteProvider {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if metrics == nil {
		metrics = nopRecorder{}
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &RemoteProvider{
		cfg:     cfg,
		client:  client,
		tokens:  tokens,
		metrics: metrics,
		tracer:  otel.Tracer("github.com/ehr/admission/internal/domain/complement"),
	}
}

func (p *RemoteProvider) ComputeComplement(ctx context.Context, excluded Set) (Set, error) {
	ctx, span := p.tracer.Start(ctx, "complement.remote",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("complement.excluded", len(excluded))))
	defer span.End()

	start := time.Now()
	body, err := json.Marshal(Names{HospitalNames: excluded.Sorted()})
	if err != nil {
		return nil, fmt.Errorf("encode exclusion set: %w", err)
	}

	var result Set
	attempts := 0
	op := func() error {
		attempts++
		s, err := p.attempt(ctx, body)
		if err != nil {
			return err
		}
		result = s
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), uint64(p.cfg.MaxAttempts-1)), ctx)
	err = backoff.Retry(op, b)
	span.SetAttributes(attribute.Int("complement.attempts", attempts))
	if err != nil {
		p.metrics.RecordComplementRequest("remote", "error", start)
		span.RecordError(err)
		span.SetStatus(codes.Error, "complement lookup failed")
		return nil, fmt.Errorf("%w: after %d attempt(s): %w", ErrComplementUnavailable, attempts, err)
	}
	p.metrics.RecordComplementRequest("remote", "ok", start)
	return result, nil
}

func (p *RemoteProvider) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.cfg.InitialInterval > 0 {
		eb.InitialInterval = p.cfg.InitialInterval
	}
	if p.cfg.MaxInterval > 0 {
		eb.MaxInterval = p.cfg.MaxInterval
	}
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

func (p *RemoteProvider) attempt(ctx context.Context, body []byte) (Set, error) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL+"/complement", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	if p.tokens != nil {
		token, err := p.tokens.Token(ctx)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("service token: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil, fmt.Errorf("complement service returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(fmt.Errorf("complement service returned %d", resp.StatusCode))
	}

	var out Names
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode complement response: %w", err))
	}
	return NewSet(out.HospitalNames...), nil
}

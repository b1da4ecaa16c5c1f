package complement

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// HTTPNameSource reads the hospital universe from the admission service's
// GET /api/v1/hospital-names.
type HTTPNameSource struct {
	baseURL string
	client  *http.Client
	tokens  TokenSource
}

func NewHTTPNameSource(baseURL string, client *http.Client, tokens TokenSource) *HTTPNameSource {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPNameSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		tokens:  tokens,
	}
}

func (s *HTTPNameSource) HospitalNames(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/v1/hospital-names", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	if s.tokens != nil {
		token, err := s.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("service token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch hospital names: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch hospital names: admission service returned %d", resp.StatusCode)
	}

	var out Names
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode hospital names: %w", err)
	}
	return out.HospitalNames, nil
}

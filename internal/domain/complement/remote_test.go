package complement

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"
)

type fixedToken string

func (f fixedToken) Token(context.Context) (string, error) { return string(f), nil }

func testRemoteConfig(url string) RemoteConfig {
	return RemoteConfig{
		URL:             url,
		Timeout:         time.Second,
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}
}

func TestRemoteProvider_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/complement" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer svc-token" {
			t.Errorf("expected bearer token, got %q", got)
		}
		var in Names
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if !reflect.DeepEqual(in.HospitalNames, []string{"Coalinga", "Napa"}) {
			t.Errorf("unexpected exclusions %v", in.HospitalNames)
		}
		json.NewEncoder(w).Encode(Names{HospitalNames: []string{"Atascadero", "Patton"}})
	}))
	defer srv.Close()

	p := NewRemoteProvider(testRemoteConfig(srv.URL+"/"), srv.Client(), fixedToken("svc-token"), nil)
	got, err := p.ComputeComplement(context.Background(), NewSet("Napa", "Coalinga"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got.Sorted(), []string{"Atascadero", "Patton"}) {
		t.Errorf("unexpected complement %v", got.Sorted())
	}
}

func TestRemoteProvider_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(Names{HospitalNames: []string{"Napa"}})
	}))
	defer srv.Close()

	p := NewRemoteProvider(testRemoteConfig(srv.URL), srv.Client(), nil, nil)
	got, err := p.ComputeComplement(context.Background(), NewSet())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if !got.Contains("Napa") {
		t.Errorf("unexpected complement %v", got.Sorted())
	}
}

func TestRemoteProvider_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewRemoteProvider(testRemoteConfig(srv.URL), srv.Client(), nil, nil)
	_, err := p.ComputeComplement(context.Background(), NewSet())
	if !errors.Is(err, ErrComplementUnavailable) {
		t.Fatalf("expected ErrComplementUnavailable, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRemoteProvider_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewRemoteProvider(testRemoteConfig(srv.URL), srv.Client(), nil, nil)
	_, err := p.ComputeComplement(context.Background(), NewSet())
	if !errors.Is(err, ErrComplementUnavailable) {
		t.Fatalf("expected ErrComplementUnavailable, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected exactly 1 call, got %d", calls)
	}
}

func TestRemoteProvider_PerAttemptTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	cfg := testRemoteConfig(srv.URL)
	cfg.Timeout = 20 * time.Millisecond
	cfg.MaxAttempts = 2
	p := NewRemoteProvider(cfg, srv.Client(), nil, nil)

	start := time.Now()
	_, err := p.ComputeComplement(context.Background(), NewSet())
	if !errors.Is(err, ErrComplementUnavailable) {
		t.Fatalf("expected ErrComplementUnavailable, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("stalled call was not bounded, took %v", elapsed)
	}
}

func TestRemoteProvider_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewRemoteProvider(testRemoteConfig(srv.URL), srv.Client(), nil, nil)
	if _, err := p.ComputeComplement(ctx, NewSet()); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

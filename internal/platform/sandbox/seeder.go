// Package sandbox seeds admission stores for local development, demos and
// load experiments. It writes the reference hospitals, the fixed demo
// patients and, optionally, reproducible synthetic waitlist entries.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/admission/internal/domain/admission"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// DefaultHospitals is the reference hospital set.
var DefaultHospitals = []string{"Atascadero", "Coalinga", "Metropolitan", "Napa", "Patton"}

// SeedConfig controls what a Seeder writes.
type SeedConfig struct {
	Hospitals         []string `json:"hospitals,omitempty"`
	DemoPatients      bool     `json:"demoPatients"`
	SyntheticPatients int      `json:"syntheticPatients"`
	MaxExclusions     int      `json:"maxExclusions"`
	Seed              int64    `json:"seed"`
}

// DefaultSeedConfig seeds the reference hospitals only.
func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		Hospitals:     DefaultHospitals,
		MaxExclusions: 2,
	}
}

// DemoPatient is one of the fixed demo records.
type DemoPatient struct {
	Name     string
	Hospital string
}

// DemoPatients are stored already admitted.
var DemoPatients = []DemoPatient{
	{Name: "John Doe", Hospital: "Atascadero"},
	{Name: "Jane Doe", Hospital: "Atascadero"},
	{Name: "Bob Smith", Hospital: "Coalinga"},
}

// SeedResult summarizes a seed run.
type SeedResult struct {
	Hospitals     int           `json:"hospitals"`
	DemoPatients  int           `json:"demoPatients"`
	Waitlisted    int           `json:"waitlisted"`
	TotalPatients int           `json:"totalPatients"`
	Duration      time.Duration `json:"duration"`
}

// ---------------------------------------------------------------------------
// Name pools
// ---------------------------------------------------------------------------

var (
	firstNames = []string{
		"James", "Robert", "John", "Michael", "David", "William", "Richard",
		"Joseph", "Thomas", "Christopher", "Charles", "Daniel", "Matthew",
		"Mary", "Patricia", "Jennifer", "Linda", "Barbara", "Elizabeth",
		"Susan", "Jessica", "Sarah", "Karen", "Lisa", "Nancy", "Betty",
		"Margaret", "Sandra", "Ashley", "Dorothy", "Kimberly", "Emily",
	}
	lastNames = []string{
		"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia",
		"Miller", "Davis", "Rodriguez", "Martinez", "Hernandez", "Lopez",
		"Gonzalez", "Wilson", "Anderson", "Thomas", "Taylor", "Moore",
		"Jackson", "Martin", "Lee", "Perez", "Thompson", "White", "Harris",
	}
)

// ---------------------------------------------------------------------------
// DataGenerator
// ---------------------------------------------------------------------------

// DataGenerator produces deterministic synthetic waitlist patients.
type DataGenerator struct {
	rng *rand.Rand
}

// NewDataGenerator returns a generator seeded for reproducibility. If seed is
// 0 a time-based seed is chosen.
func NewDataGenerator(seed int64) *DataGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &DataGenerator{
		rng: rand.New(rand.NewSource(seed)),
	}
}

func (g *DataGenerator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

// GeneratePatient returns a New patient with a random name and up to
// maxExclusions hospitals drawn from hospitals.
func (g *DataGenerator) GeneratePatient(hospitals []string, maxExclusions int) admission.Patient {
	name := g.pick(firstNames) + " " + g.pick(lastNames)
	if maxExclusions > len(hospitals) {
		maxExclusions = len(hospitals)
	}
	var excluded []string
	if maxExclusions > 0 {
		n := g.rng.Intn(maxExclusions + 1)
		for _, i := range g.rng.Perm(len(hospitals))[:n] {
			excluded = append(excluded, hospitals[i])
		}
	}
	return admission.NewPatient(name).WithDisallowedHospitals(excluded)
}

// ---------------------------------------------------------------------------
// Seeder
// ---------------------------------------------------------------------------

// Seeder writes reference and demo data into a store.
type Seeder struct {
	store     admission.Store
	generator *DataGenerator
	config    SeedConfig
	logger    zerolog.Logger
}

// NewSeeder creates a Seeder for store with the given config.
func NewSeeder(store admission.Store, config SeedConfig, logger zerolog.Logger) *Seeder {
	if len(config.Hospitals) == 0 {
		config.Hospitals = DefaultHospitals
	}
	return &Seeder{
		store:     store,
		generator: NewDataGenerator(config.Seed),
		config:    config,
		logger:    logger,
	}
}

// Seed inserts the hospitals, then the demo patients when enabled, then the
// synthetic waitlist. Hospitals and demo patients already present are left
// alone, so Seed can run against an initialised store.
func (s *Seeder) Seed(ctx context.Context) (*SeedResult, error) {
	start := time.Now()
	result := &SeedResult{}

	if err := s.store.SeedHospitals(ctx, s.config.Hospitals); err != nil {
		return nil, fmt.Errorf("seed hospitals: %w", err)
	}
	result.Hospitals = len(s.config.Hospitals)

	if s.config.DemoPatients {
		n, err := s.seedDemoPatients(ctx)
		if err != nil {
			return nil, err
		}
		result.DemoPatients = n
	}

	for i := 0; i < s.config.SyntheticPatients; i++ {
		p := s.generator.GeneratePatient(s.config.Hospitals, s.config.MaxExclusions)
		if _, err := s.store.StorePatient(ctx, p); err != nil {
			return nil, fmt.Errorf("store synthetic patient %q: %w", p.Name(), err)
		}
		result.Waitlisted++
	}

	all, err := s.store.GetAllPatients(ctx)
	if err != nil {
		return nil, fmt.Errorf("count patients: %w", err)
	}
	result.TotalPatients = len(all)
	result.Duration = time.Since(start)

	s.logger.Info().
		Int("hospitals", result.Hospitals).
		Int("demo_patients", result.DemoPatients).
		Int("waitlisted", result.Waitlisted).
		Dur("duration", result.Duration).
		Msg("store seeded")
	return result, nil
}

func (s *Seeder) seedDemoPatients(ctx context.Context) (int, error) {
	existing, err := s.store.GetAllPatients(ctx)
	if err != nil {
		return 0, fmt.Errorf("load patients: %w", err)
	}
	present := make(map[string]bool, len(existing))
	for _, p := range existing {
		present[p.Name()] = true
	}

	added := 0
	for _, d := range DemoPatients {
		if present[d.Name] {
			continue
		}
		p := admission.NewPatient(d.Name).WithRandomID().WithStatus(admission.AdmittedTo(d.Hospital))
		if _, err := s.store.StorePatient(ctx, p); err != nil {
			return added, fmt.Errorf("store demo patient %q: %w", d.Name, err)
		}
		added++
	}
	return added, nil
}

// ExportNDJSON writes every patient in the store as newline-delimited JSON.
func (s *Seeder) ExportNDJSON(ctx context.Context, w io.Writer) error {
	patients, err := s.store.GetAllPatients(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, p := range patients {
		if err := enc.Encode(p); err != nil {
			return fmt.Errorf("encoding patient %s: %w", p.ID(), err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// SeedHandler
// ---------------------------------------------------------------------------

// SeedHandler exposes seeding over HTTP. It is only mounted in development.
type SeedHandler struct {
	store  admission.Store
	logger zerolog.Logger
	mu     sync.Mutex
}

func NewSeedHandler(store admission.Store, logger zerolog.Logger) *SeedHandler {
	return &SeedHandler{store: store, logger: logger}
}

// RegisterRoutes registers sandbox routes on the given Echo group.
func (h *SeedHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/seed", h.handleSeed)
	g.GET("/export/ndjson", h.handleExportNDJSON)
}

func (h *SeedHandler) handleSeed(c echo.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cfg := DefaultSeedConfig()
	if err := c.Bind(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if cfg.SyntheticPatients < 0 || cfg.SyntheticPatients > 10000 {
		return echo.NewHTTPError(http.StatusBadRequest, "syntheticPatients must be between 0 and 10000")
	}

	result, err := NewSeeder(h.store, cfg, h.logger).Seed(c.Request().Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("sandbox seed failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "seed failed")
	}
	return c.JSON(http.StatusOK, result)
}

func (h *SeedHandler) handleExportNDJSON(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderContentType, "application/x-ndjson")
	c.Response().WriteHeader(http.StatusOK)
	return NewSeeder(h.store, DefaultSeedConfig(), h.logger).ExportNDJSON(c.Request().Context(), c.Response().Writer)
}

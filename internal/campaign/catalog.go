// Package campaign holds the catalog of IVR dialogue scripts: per
// campaign, a map of step name to action spec. The catalog lives on an
// external server and is refreshed periodically; a local JSON file can
// seed it at startup.
package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"
)

// DefaultRefreshInterval is how often the catalog is re-fetched.
const DefaultRefreshInterval = 5 * time.Minute

// StepSpec is one step of a campaign dialogue.
type StepSpec struct {
	Audio       string `json:"audio"`
	Next        string `json:"next,omitempty"`
	Digits      int    `json:"dgts,omitempty"`
	FinishOnKey string `json:"finishOnKey,omitempty"`
	Method      string `json:"method,omitempty"`
	Timeout     int    `json:"timeout"`
}

// Catalog maps campaign name to step name to spec.
type Catalog map[string]map[string]StepSpec

// Store serves catalog lookups from an atomically swapped snapshot.
type Store struct {
	url      string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger

	mu      sync.RWMutex
	catalog Catalog
}

// NewStore creates a catalog store fetching from url. An empty url
// disables remote refresh; the catalog then comes from LoadFile or
// Replace.
func NewStore(url string, logger *slog.Logger) *Store {
	return &Store{
		url:      url,
		interval: DefaultRefreshInterval,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger.With("subsystem", "campaign_catalog"),
		catalog:  Catalog{},
	}
}

// LoadFile seeds the catalog from a local JSON file.
func (s *Store) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading catalog file: %w", err)
	}
	var catalog Catalog
	if err := json.Unmarshal(data, &catalog); err != nil {
		return fmt.Errorf("parsing catalog file %s: %w", path, err)
	}
	s.Replace(catalog)
	s.logger.Info("catalog loaded from file", "path", path, "campaigns", len(catalog))
	return nil
}

// Replace swaps the whole catalog.
func (s *Store) Replace(catalog Catalog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalog = catalog
}

// Reload fetches the catalog once and swaps it in.
func (s *Store) Reload(ctx context.Context) error {
	if s.url == "" {
		return fmt.Errorf("no catalog url configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("creating catalog request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		return fmt.Errorf("catalog server returned status %d", resp.StatusCode)
	}

	var catalog Catalog
	if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
		return fmt.Errorf("decoding catalog: %w", err)
	}

	s.Replace(catalog)
	s.logger.Info("catalog refreshed", "campaigns", len(catalog))
	return nil
}

// Run refreshes immediately and then on the refresh interval until the
// context is cancelled. A failed refresh keeps the previous snapshot.
func (s *Store) Run(ctx context.Context) {
	if s.url == "" {
		return
	}
	if err := s.Reload(ctx); err != nil {
		s.logger.Error("initial catalog fetch failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reload(ctx); err != nil {
				s.logger.Error("catalog refresh failed", "error", err)
			}
		}
	}
}

// Lookup returns the spec for a campaign step.
func (s *Store) Lookup(campaign, step string) (StepSpec, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	steps, ok := s.catalog[campaign]
	if !ok {
		return StepSpec{}, false
	}
	spec, ok := steps[step]
	return spec, ok
}

// HasStep reports whether the campaign defines the step. Campaigns with
// a "gather1" step run the two-gather flow.
func (s *Store) HasStep(campaign, step string) bool {
	_, ok := s.Lookup(campaign, step)
	return ok
}

// HasCampaign reports whether the campaign exists at all.
func (s *Store) HasCampaign(campaign string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.catalog[campaign]
	return ok
}

// Campaigns returns the sorted campaign names.
func (s *Store) Campaigns() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.catalog))
	for name := range s.catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a copy of the catalog for the debug listing.
func (s *Store) Snapshot() Catalog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(Catalog, len(s.catalog))
	for campaign, steps := range s.catalog {
		copied := make(map[string]StepSpec, len(steps))
		for step, spec := range steps {
			copied[step] = spec
		}
		out[campaign] = copied
	}
	return out
}

package call

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweeper cadence and entry lifetime. A call that sees no activity for
// MaxAge is assumed leaked (hangup event lost) and is removed.
const (
	SweepInterval = 60 * time.Second
	MaxAge        = 15 * time.Minute
)

// Gather stages for two-gather campaigns.
const (
	StageFirst  = "first"
	StageSecond = "second"
)

// Data is the per-call metadata mutated by the action engine and the
// OTP validation endpoint over the call's life.
type Data struct {
	CallID         string
	State          string
	Campaign       string
	CreatedAt      time.Time
	SelectedOption string // "1" or "2" after a menu split, else ""
	GatherStage    string // StageFirst / StageSecond for two-gather campaigns
}

// Partial is a merge-update; nil fields are left untouched.
type Partial struct {
	State          *string
	SelectedOption *string
	GatherStage    *string
}

// Store is a keyed in-memory store of call metadata with a background
// sweeper for abandoned entries.
type Store struct {
	mu     sync.Mutex
	calls  map[string]*Data
	logger *slog.Logger
}

// NewStore creates an empty call store. Call Run to start the sweeper.
func NewStore(logger *slog.Logger) *Store {
	return &Store{
		calls:  make(map[string]*Data),
		logger: logger.With("subsystem", "call_store"),
	}
}

// Save creates or overwrites the record for a call.
func (s *Store) Save(callID, state, campaign string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[callID] = &Data{
		CallID:    callID,
		State:     state,
		Campaign:  campaign,
		CreatedAt: time.Now(),
	}
}

// Update merges the partial into an existing record. Unknown ids are a no-op.
func (s *Store) Update(callID string, p Partial) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.calls[callID]
	if !ok {
		return
	}
	if p.State != nil {
		d.State = *p.State
	}
	if p.SelectedOption != nil {
		d.SelectedOption = *p.SelectedOption
	}
	if p.GatherStage != nil {
		d.GatherStage = *p.GatherStage
	}
}

// Get returns a snapshot of the call record, or nil if absent.
func (s *Store) Get(callID string) *Data {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.calls[callID]
	if !ok {
		return nil
	}
	snap := *d
	return &snap
}

// Delete removes the record for a finished call.
func (s *Store) Delete(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.calls, callID)
}

// Count returns the number of tracked calls.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Run sweeps stale entries every SweepInterval until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-ctx.Done():
			return
		}
	}
}

// sweep removes entries older than MaxAge.
func (s *Store) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-MaxAge)
	removed := 0
	for id, d := range s.calls {
		if d.CreatedAt.Before(cutoff) {
			delete(s.calls, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("swept stale calls", "removed", removed, "remaining", len(s.calls))
	}
}

// String pointer helper for Partial literals.
func Str(s string) *string { return &s }

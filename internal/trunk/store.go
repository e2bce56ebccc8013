package trunk

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AssignmentTTL is the sliding reservation lifetime. Every KeepAlive
// re-arms the expiry for this long again.
const AssignmentTTL = 120 * time.Second

// Usage caps by trunk kind. A custom or Telnyx trunk carries more
// concurrent reservations once its number is verified with the carrier.
const (
	capVerified   = 9
	capUnverified = 4
)

// ErrAssignmentNotFound is returned for operations on an unknown assignment id.
var ErrAssignmentNotFound = errors.New("assignment not found")

// ErrNoTrunkAvailable is returned when every trunk of a user is at its cap.
var ErrNoTrunkAvailable = errors.New("no trunk available")

// Kind classifies a trunk by the provisioning route its id encodes.
type Kind int

const (
	// KindOther is any trunk not provisioned through the custom or Telnyx flow.
	KindOther Kind = iota
	// KindCustomOrTelnyx is a trunk with a "custom_" or "telnyx_" id prefix.
	KindCustomOrTelnyx
)

// Trunk is an outbound SIP route with caller-id numbers and a capacity cap.
type Trunk struct {
	ID           string
	PhoneNumbers []string
	Verified     bool
}

// Kind derives the trunk kind from its id prefix.
func (t *Trunk) Kind() Kind {
	if strings.HasPrefix(t.ID, "telnyx_") || strings.HasPrefix(t.ID, "custom_") {
		return KindCustomOrTelnyx
	}
	return KindOther
}

// UsageCap returns the maximum concurrent assignments for this trunk.
// A negative value means unlimited.
func (t *Trunk) UsageCap() int {
	if t.Kind() != KindCustomOrTelnyx {
		return -1
	}
	if t.Verified {
		return capVerified
	}
	return capUnverified
}

// RandomNumber picks one of the trunk's phone numbers uniformly at random.
// Returns "" when the trunk carries no numbers.
func (t *Trunk) RandomNumber() string {
	if len(t.PhoneNumbers) == 0 {
		return ""
	}
	return t.PhoneNumbers[rand.IntN(len(t.PhoneNumbers))]
}

// clone returns a deep copy so callers can hold snapshots without
// sharing the PhoneNumbers backing array.
func (t *Trunk) clone() Trunk {
	c := *t
	c.PhoneNumbers = append([]string(nil), t.PhoneNumbers...)
	return c
}

// ParsePhoneNumbers splits a comma-separated source string into
// individual numbers, dropping empties.
func ParsePhoneNumbers(s string) []string {
	var nums []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			nums = append(nums, p)
		}
	}
	return nums
}

// Assignment is a time-limited reservation of one trunk for one tenant.
// Trunk is a snapshot taken at assignment time and refreshed on each
// inventory update while the underlying trunk still exists.
type Assignment struct {
	ID         string
	TrunkID    string
	Trunk      Trunk
	AssignedAt time.Time
	ExpiresAt  time.Time

	timer *time.Timer
}

// Store holds the trunk inventory, per-trunk usage counters and live
// assignments. All methods are safe for concurrent use.
type Store struct {
	mu           sync.Mutex
	trunksByUser map[string][]Trunk
	usage        map[string]int
	assignments  map[string]*Assignment
	ttl          time.Duration
	logger       *slog.Logger
}

// NewStore creates an empty trunk store with the default assignment TTL.
func NewStore(logger *slog.Logger) *Store {
	return &Store{
		trunksByUser: make(map[string][]Trunk),
		usage:        make(map[string]int),
		assignments:  make(map[string]*Assignment),
		ttl:          AssignmentTTL,
		logger:       logger.With("subsystem", "trunk_store"),
	}
}

// normalizeToken strips all dashes from a user token. Callers pass raw
// tokens; storage and lookup always use the normalized form.
func normalizeToken(token string) string {
	return strings.ReplaceAll(token, "-", "")
}

// UpdateInventory replaces the trunk inventory wholesale. Live assignments
// whose trunk survives get their snapshot refreshed; assignments whose
// trunk vanished are logged and left in place (a later origination against
// them will fail at the PBX). Usage counters for vanished trunks are removed.
func (s *Store) UpdateInventory(trunksByUser map[string][]Trunk) {
	s.mu.Lock()
	defer s.mu.Unlock()

	replacement := make(map[string][]Trunk, len(trunksByUser))
	present := make(map[string]*Trunk)
	for token, trunks := range trunksByUser {
		copied := make([]Trunk, len(trunks))
		for i := range trunks {
			copied[i] = trunks[i].clone()
		}
		replacement[normalizeToken(token)] = copied
		for i := range copied {
			present[copied[i].ID] = &copied[i]
		}
	}
	s.trunksByUser = replacement

	for id, a := range s.assignments {
		if tr, ok := present[a.TrunkID]; ok {
			a.Trunk = tr.clone()
			continue
		}
		s.logger.Warn("assignment invalidated, trunk gone from inventory",
			"assignment_id", id,
			"trunk_id", a.TrunkID,
		)
	}

	for trunkID := range s.usage {
		if _, ok := present[trunkID]; !ok {
			delete(s.usage, trunkID)
		}
	}

	s.logger.Debug("trunk inventory updated",
		"users", len(replacement),
		"trunks", len(present),
	)
}

// findAvailableLocked scans the user's trunks in inventory order and
// returns the first whose usage is under its cap. Caller holds s.mu.
func (s *Store) findAvailableLocked(token string) *Trunk {
	for i := range s.trunksByUser[token] {
		t := &s.trunksByUser[token][i]
		limit := t.UsageCap()
		if limit < 0 || s.usage[t.ID] < limit {
			return t
		}
	}
	return nil
}

// FindAvailable returns a snapshot of the first trunk with spare capacity
// for the user, without reserving it.
func (s *Store) FindAvailable(userToken string) (*Trunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.findAvailableLocked(normalizeToken(userToken))
	if t == nil {
		return nil, ErrNoTrunkAvailable
	}
	snap := t.clone()
	return &snap, nil
}

// Assign reserves a trunk for the user: the first one under its cap, in
// inventory order. Usage is incremented and an expiry timer armed for the
// store TTL. The returned assignment holds a deep snapshot of the trunk.
func (s *Store) Assign(userToken string) (*Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.findAvailableLocked(normalizeToken(userToken))
	if t == nil {
		return nil, ErrNoTrunkAvailable
	}

	now := time.Now()
	a := &Assignment{
		ID:         uuid.NewString(),
		TrunkID:    t.ID,
		Trunk:      t.clone(),
		AssignedAt: now,
		ExpiresAt:  now.Add(s.ttl),
	}
	s.usage[t.ID]++
	s.assignments[a.ID] = a
	a.timer = s.armExpiry(a.ID)

	s.logger.Info("trunk assigned",
		"assignment_id", a.ID,
		"trunk_id", t.ID,
		"usage", s.usage[t.ID],
	)

	snap := *a
	snap.Trunk = a.Trunk.clone()
	snap.timer = nil
	return &snap, nil
}

// KeepAlive re-arms the assignment's expiry timer for a full TTL from now
// and refreshes AssignedAt.
func (s *Store) KeepAlive(assignmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[assignmentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAssignmentNotFound, assignmentID)
	}

	now := time.Now()
	a.AssignedAt = now
	a.ExpiresAt = now.Add(s.ttl)
	a.timer.Stop()
	a.timer = s.armExpiry(assignmentID)
	return nil
}

// armExpiry starts a TTL timer whose callback only releases while it is
// still the assignment's current timer. Stop cannot prevent a callback
// that has already fired and is waiting on the mutex; the identity check
// keeps such a stale callback from releasing a renewed assignment.
func (s *Store) armExpiry(assignmentID string) *time.Timer {
	var t *time.Timer
	t = time.AfterFunc(s.ttl, func() { s.expire(assignmentID, t) })
	return t
}

// Release drops the assignment: usage is decremented (clamped at zero),
// the expiry timer stopped, the record removed. Releasing an unknown id
// returns ErrAssignmentNotFound, which makes explicit release and TTL
// auto-release idempotent with respect to each other.
func (s *Store) Release(assignmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseLocked(assignmentID, "released")
}

// expire is the timer-fired auto-release path.
func (s *Store) expire(assignmentID string, t *time.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[assignmentID]
	if !ok || a.timer != t {
		// Explicit release or a keep-alive re-arm won the race.
		return
	}
	_ = s.releaseLocked(assignmentID, "expired")
}

func (s *Store) releaseLocked(assignmentID, reason string) error {
	a, ok := s.assignments[assignmentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAssignmentNotFound, assignmentID)
	}
	a.timer.Stop()
	delete(s.assignments, assignmentID)
	if s.usage[a.TrunkID] > 0 {
		s.usage[a.TrunkID]--
	}
	s.logger.Info("trunk assignment "+reason,
		"assignment_id", assignmentID,
		"trunk_id", a.TrunkID,
		"usage", s.usage[a.TrunkID],
	)
	return nil
}

// Lookup returns a snapshot of the assignment, or ErrAssignmentNotFound.
func (s *Store) Lookup(assignmentID string) (*Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[assignmentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAssignmentNotFound, assignmentID)
	}
	snap := *a
	snap.Trunk = a.Trunk.clone()
	snap.timer = nil
	return &snap, nil
}

// TrunkUsage is one row of the aggregate usage report.
type TrunkUsage struct {
	TrunkID  string `json:"trunk_id"`
	Usage    int    `json:"usage"`
	Cap      int    `json:"cap"` // -1 means unlimited
	Verified bool   `json:"verified"`
}

// Stats is the aggregate usage report for the trunk listing endpoint.
type Stats struct {
	TotalTrunks     int          `json:"total_trunks"`
	LiveAssignments int          `json:"live_assignments"`
	Trunks          []TrunkUsage `json:"trunks"`
}

// Stats reports per-trunk usage against caps plus live assignment totals.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{LiveAssignments: len(s.assignments)}
	for _, trunks := range s.trunksByUser {
		for i := range trunks {
			t := &trunks[i]
			st.TotalTrunks++
			st.Trunks = append(st.Trunks, TrunkUsage{
				TrunkID:  t.ID,
				Usage:    s.usage[t.ID],
				Cap:      t.UsageCap(),
				Verified: t.Verified,
			})
		}
	}
	return st
}

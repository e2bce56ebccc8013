package trunk

import (
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore() *Store {
	return NewStore(testLogger())
}

func inventory(token string, trunks ...Trunk) map[string][]Trunk {
	return map[string][]Trunk{token: trunks}
}

func TestKindAndCap(t *testing.T) {
	tests := []struct {
		id       string
		verified bool
		wantKind Kind
		wantCap  int
	}{
		{"custom_A", false, KindCustomOrTelnyx, 4},
		{"custom_A", true, KindCustomOrTelnyx, 9},
		{"telnyx_7", false, KindCustomOrTelnyx, 4},
		{"telnyx_7", true, KindCustomOrTelnyx, 9},
		{"vendor_X", true, KindOther, -1},
		{"plain", false, KindOther, -1},
	}
	for _, tt := range tests {
		tr := Trunk{ID: tt.id, Verified: tt.verified}
		if got := tr.Kind(); got != tt.wantKind {
			t.Errorf("Kind(%s) = %v, want %v", tt.id, got, tt.wantKind)
		}
		if got := tr.UsageCap(); got != tt.wantCap {
			t.Errorf("UsageCap(%s, verified=%v) = %d, want %d", tt.id, tt.verified, got, tt.wantCap)
		}
	}
}

func TestParsePhoneNumbers(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"15551234567", 1},
		{"15551234567,15557654321", 2},
		{" 1555 , ,1556 ", 2},
		{"", 0},
	}
	for _, tt := range tests {
		if got := ParsePhoneNumbers(tt.in); len(got) != tt.want {
			t.Errorf("ParsePhoneNumbers(%q) = %v, want %d numbers", tt.in, got, tt.want)
		}
	}
}

func TestUnverifiedCap(t *testing.T) {
	s := newTestStore()
	s.UpdateInventory(inventory("U", Trunk{ID: "custom_A", PhoneNumbers: []string{"1555"}}))

	var first *Assignment
	for i := 0; i < 4; i++ {
		a, err := s.Assign("U")
		if err != nil {
			t.Fatalf("assignment %d failed: %v", i+1, err)
		}
		if i == 0 {
			first = a
		}
	}

	if _, err := s.Assign("U"); !errors.Is(err, ErrNoTrunkAvailable) {
		t.Fatalf("5th assign: got %v, want ErrNoTrunkAvailable", err)
	}

	// Releasing one slot lets the next assignment through.
	if err := s.Release(first.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := s.Assign("U"); err != nil {
		t.Fatalf("assign after release: %v", err)
	}
}

func TestVerifiedCap(t *testing.T) {
	s := newTestStore()
	s.UpdateInventory(inventory("U", Trunk{ID: "custom_V", Verified: true}))

	for i := 0; i < 9; i++ {
		if _, err := s.Assign("U"); err != nil {
			t.Fatalf("assignment %d failed: %v", i+1, err)
		}
	}
	if _, err := s.Assign("U"); !errors.Is(err, ErrNoTrunkAvailable) {
		t.Fatalf("10th assign: got %v, want ErrNoTrunkAvailable", err)
	}
}

func TestOtherKindUnlimited(t *testing.T) {
	s := newTestStore()
	s.UpdateInventory(inventory("U", Trunk{ID: "vendor_X"}))

	for i := 0; i < 20; i++ {
		if _, err := s.Assign("U"); err != nil {
			t.Fatalf("assignment %d failed: %v", i+1, err)
		}
	}
}

func TestTokenNormalization(t *testing.T) {
	s := newTestStore()
	s.UpdateInventory(inventory("ab-cd-ef", Trunk{ID: "custom_A"}))

	if _, err := s.Assign("abcdef"); err != nil {
		t.Errorf("assign with pre-normalized token: %v", err)
	}
	if _, err := s.Assign("ab-cd-ef"); err != nil {
		t.Errorf("assign with dashed token: %v", err)
	}
}

func TestAssignScansInOrder(t *testing.T) {
	s := newTestStore()
	s.UpdateInventory(inventory("U",
		Trunk{ID: "custom_A"},
		Trunk{ID: "custom_B"},
	))

	// Fill custom_A; the 5th assignment must land on custom_B.
	for i := 0; i < 4; i++ {
		a, err := s.Assign("U")
		if err != nil {
			t.Fatalf("assign %d: %v", i+1, err)
		}
		if a.TrunkID != "custom_A" {
			t.Fatalf("assign %d landed on %s, want custom_A", i+1, a.TrunkID)
		}
	}
	a, err := s.Assign("U")
	if err != nil {
		t.Fatalf("overflow assign: %v", err)
	}
	if a.TrunkID != "custom_B" {
		t.Errorf("overflow assign landed on %s, want custom_B", a.TrunkID)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	s := newTestStore()
	s.UpdateInventory(inventory("U", Trunk{ID: "custom_A"}))

	a, err := s.Assign("U")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Release(a.ID); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := s.Release(a.ID); !errors.Is(err, ErrAssignmentNotFound) {
		t.Fatalf("second release: got %v, want ErrAssignmentNotFound", err)
	}
	if got := s.usage["custom_A"]; got != 0 {
		t.Errorf("usage after double release = %d, want 0", got)
	}
}

func TestTTLExpiry(t *testing.T) {
	s := newTestStore()
	s.ttl = 50 * time.Millisecond
	s.UpdateInventory(inventory("U", Trunk{ID: "custom_A"}))

	a, err := s.Assign("U")
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(120 * time.Millisecond)

	if _, err := s.Lookup(a.ID); !errors.Is(err, ErrAssignmentNotFound) {
		t.Errorf("lookup after TTL: got %v, want ErrAssignmentNotFound", err)
	}
	if got := s.usage["custom_A"]; got != 0 {
		t.Errorf("usage after TTL expiry = %d, want 0", got)
	}
}

func TestKeepAliveSlidesTTL(t *testing.T) {
	s := newTestStore()
	s.ttl = 80 * time.Millisecond
	s.UpdateInventory(inventory("U", Trunk{ID: "custom_A"}))

	a, err := s.Assign("U")
	if err != nil {
		t.Fatal(err)
	}

	// Keep the assignment alive past two original TTL windows.
	for i := 0; i < 4; i++ {
		time.Sleep(50 * time.Millisecond)
		if err := s.KeepAlive(a.ID); err != nil {
			t.Fatalf("keep-alive %d: %v", i+1, err)
		}
	}

	if _, err := s.Lookup(a.ID); err != nil {
		t.Errorf("lookup after keep-alives: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if _, err := s.Lookup(a.ID); !errors.Is(err, ErrAssignmentNotFound) {
		t.Errorf("lookup after letting TTL lapse: got %v, want ErrAssignmentNotFound", err)
	}
}

func TestKeepAliveWinsExpiryRace(t *testing.T) {
	s := newTestStore()
	s.ttl = 2 * time.Millisecond
	s.UpdateInventory(inventory("U", Trunk{ID: "custom_A"}))

	a, err := s.Assign("U")
	if err != nil {
		t.Fatal(err)
	}

	// Renew well inside the TTL, long enough for many timer firings to
	// land while KeepAlive holds the lock. A stale expiry callback must
	// never release a just-renewed assignment.
	for i := 0; i < 300; i++ {
		time.Sleep(time.Millisecond)
		if err := s.KeepAlive(a.ID); err != nil {
			t.Fatalf("keep-alive %d: assignment was auto-released: %v", i+1, err)
		}
	}

	if _, err := s.Lookup(a.ID); err != nil {
		t.Errorf("lookup after constant keep-alives: %v", err)
	}
}

func TestInventoryRefreshKeepsAssignments(t *testing.T) {
	s := newTestStore()
	s.UpdateInventory(inventory("U",
		Trunk{ID: "custom_A", PhoneNumbers: []string{"1555"}},
		Trunk{ID: "custom_B"},
	))

	a, err := s.Assign("U")
	if err != nil {
		t.Fatal(err)
	}

	// custom_A survives with a new number set; custom_B vanishes.
	s.UpdateInventory(inventory("U", Trunk{ID: "custom_A", PhoneNumbers: []string{"1999", "1888"}}))

	got, err := s.Lookup(a.ID)
	if err != nil {
		t.Fatalf("lookup after refresh: %v", err)
	}
	if len(got.Trunk.PhoneNumbers) != 2 {
		t.Errorf("snapshot not refreshed: numbers = %v", got.Trunk.PhoneNumbers)
	}
	if _, ok := s.usage["custom_B"]; ok {
		t.Error("usage counter for vanished trunk custom_B not removed")
	}
}

func TestInventoryRefreshInvalidatedAssignmentStays(t *testing.T) {
	s := newTestStore()
	s.UpdateInventory(inventory("U", Trunk{ID: "custom_A"}))

	a, err := s.Assign("U")
	if err != nil {
		t.Fatal(err)
	}

	// Trunk disappears entirely. Assignment stays; its usage counter goes.
	s.UpdateInventory(map[string][]Trunk{})

	if _, err := s.Lookup(a.ID); err != nil {
		t.Errorf("invalidated assignment should remain until released: %v", err)
	}
	if _, ok := s.usage["custom_A"]; ok {
		t.Error("usage counter for vanished trunk should be removed")
	}

	// Releasing must not drive any counter negative.
	if err := s.Release(a.ID); err != nil {
		t.Fatalf("release invalidated assignment: %v", err)
	}
	for id, n := range s.usage {
		if n < 0 {
			t.Errorf("usage[%s] = %d, negative", id, n)
		}
	}
}

func TestUsageInvariant(t *testing.T) {
	s := newTestStore()
	s.UpdateInventory(inventory("U",
		Trunk{ID: "custom_A"},
		Trunk{ID: "vendor_X"},
	))

	var ids []string
	for i := 0; i < 6; i++ {
		a, err := s.Assign("U")
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, a.ID)
	}
	for _, id := range ids[:3] {
		if err := s.Release(id); err != nil {
			t.Fatal(err)
		}
	}

	total := 0
	s.mu.Lock()
	for _, n := range s.usage {
		total += n
	}
	live := len(s.assignments)
	s.mu.Unlock()

	if total != live {
		t.Errorf("sum(usage) = %d, live assignments = %d; want equal", total, live)
	}
}

func TestStats(t *testing.T) {
	s := newTestStore()
	s.UpdateInventory(inventory("U", Trunk{ID: "custom_A"}, Trunk{ID: "vendor_X"}))
	if _, err := s.Assign("U"); err != nil {
		t.Fatal(err)
	}

	st := s.Stats()
	if st.TotalTrunks != 2 {
		t.Errorf("TotalTrunks = %d, want 2", st.TotalTrunks)
	}
	if st.LiveAssignments != 1 {
		t.Errorf("LiveAssignments = %d, want 1", st.LiveAssignments)
	}
}

func TestInventoryFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"success": true,
			"trunks": {
				"user-1": [
					{"sip_id": "custom_A", "sip_phone": "15551234567,15557654321", "sip_verified": true},
					{"sip_id": "vendor_X", "sip_phone": "15550000000", "sip_verified": false}
				]
			}
		}`))
	}))
	defer srv.Close()

	s := newTestStore()
	f := NewInventoryFetcher(srv.URL, s, testLogger())
	if err := f.FetchOnce(t.Context()); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	a, err := s.Assign("user1")
	if err != nil {
		t.Fatalf("assign after fetch: %v", err)
	}
	if a.TrunkID != "custom_A" {
		t.Errorf("TrunkID = %s, want custom_A", a.TrunkID)
	}
	if len(a.Trunk.PhoneNumbers) != 2 {
		t.Errorf("PhoneNumbers = %v, want 2 entries", a.Trunk.PhoneNumbers)
	}
	if !a.Trunk.Verified {
		t.Error("Verified = false, want true")
	}
}

func TestInventoryFetcherFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewInventoryFetcher(srv.URL, newTestStore(), testLogger())
	if err := f.FetchOnce(t.Context()); err == nil {
		t.Fatal("expected error on 500 from inventory server")
	}
}

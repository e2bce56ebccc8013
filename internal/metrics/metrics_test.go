package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/callflux/callflux/internal/trunk"
)

type stubCounter int

func (s stubCounter) Count() int        { return int(s) }
func (s stubCounter) PendingTotal() int { return int(s) }
func (s stubCounter) ActiveCount() int  { return int(s) }

type stubTrunks struct{ stats trunk.Stats }

func (s stubTrunks) Stats() trunk.Stats { return s.stats }

func gather(t *testing.T, c *Collector) map[string]float64 {
	t.Helper()
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("registering collector: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gathering: %v", err)
	}

	// Flatten to name{labels} -> value for single-sample assertions.
	out := make(map[string]float64)
	for _, fam := range families {
		for _, m := range fam.Metric {
			key := fam.GetName()
			for _, lp := range m.Label {
				key += "/" + lp.GetName() + "=" + lp.GetValue()
			}
			out[key] = m.GetGauge().GetValue()
		}
	}
	return out
}

func TestCollectorGathersProviderState(t *testing.T) {
	c := NewCollector(
		stubCounter(3),
		stubTrunks{stats: trunk.Stats{
			TotalTrunks:     2,
			LiveAssignments: 5,
			Trunks: []trunk.TrunkUsage{
				{TrunkID: "custom_A", Usage: 4, Cap: -1, Verified: true},
				{TrunkID: "trial_B", Usage: 1, Cap: 1, Verified: false},
			},
		}},
		stubCounter(7),
		stubCounter(2),
		stubCounter(3),
		time.Now().Add(-time.Minute),
	)

	got := gather(t, c)

	want := map[string]float64{
		"callflux_active_calls":                                3,
		"callflux_channel_sessions":                            3,
		"callflux_push_sessions":                               2,
		"callflux_queue_pending":                               7,
		"callflux_trunks_total":                                2,
		"callflux_assignments_live":                            5,
		"callflux_trunk_usage/trunk_id=custom_A/verified=true": 4,
		"callflux_trunk_usage/trunk_id=trial_B/verified=false": 1,
		"callflux_trunk_usage_cap/trunk_id=custom_A":           -1,
		"callflux_trunk_usage_cap/trunk_id=trial_B":            1,
	}
	for key, val := range want {
		if got[key] != val {
			t.Errorf("%s = %v, want %v", key, got[key], val)
		}
	}

	if got["callflux_uptime_seconds"] < 59 {
		t.Errorf("uptime = %v, want at least a minute", got["callflux_uptime_seconds"])
	}
}

func TestCollectorToleratesNilProviders(t *testing.T) {
	c := NewCollector(nil, nil, nil, nil, nil, time.Now())
	got := gather(t, c)

	if len(got) != 1 {
		t.Errorf("gathered %d metrics, want uptime only: %v", len(got), got)
	}
	if _, ok := got["callflux_uptime_seconds"]; !ok {
		t.Error("uptime metric missing")
	}
}

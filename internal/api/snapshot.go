package api

import (
	"time"

	"futures-keeper/internal/engine"
	"futures-keeper/internal/ratelimit"
)

// Snapshot is the /api/snapshot response.
type Snapshot struct {
	Timestamp time.Time          `json:"timestamp"`
	Loop      engine.State       `json:"loop"`
	HotRates  []ratelimit.Status `json:"hotRates"` // buckets near or past their limit
}

// BuildSnapshot aggregates loop state and the rate buckets worth attention.
func BuildSnapshot(ctrl Controller, rates RateTable, now time.Time) Snapshot {
	snap := Snapshot{Timestamp: now, Loop: ctrl.State(), HotRates: []ratelimit.Status{}}
	if rates == nil {
		return snap
	}
	for _, st := range rates.Statuses() {
		if st.Near || st.Exceeded {
			snap.HotRates = append(snap.HotRates, st)
		}
	}
	return snap
}

// Package features turns events into the fixed-order numeric vectors the
// anomaly model is trained and scored on.
package features

import (
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/lucid-vigil/healthguard/pkg/events"
)

// Dimension is the length of every Vector. Changing the layout requires
// bumping the model codec version.
const Dimension = 13

// Vector is a feature vector in the order documented on Extract.
type Vector []float64

// HistoricalContext holds the windowed statistics for a user/host pair.
type HistoricalContext struct {
	FailedLoginCount1h    int64 `json:"failed_login_count_1h"`
	UserEventCount1h      int64 `json:"user_event_count_1h"`
	HostEventCount1h      int64 `json:"host_event_count_1h"`
	UniqueHostsForUser24h int64 `json:"unique_hosts_for_user_24h"`
	UniqueUsersForHost24h int64 `json:"unique_users_for_host_24h"`
}

// Extractor is stateless; the zero value is not usable, use NewExtractor.
type Extractor struct {
	buckets  uint64
	maxCount int64
}

// NewExtractor creates an extractor hashing strings into buckets and capping
// history counters at maxCount. Non-positive values fall back to 1000 and
// 10000.
func NewExtractor(buckets int, maxCount int64) *Extractor {
	if buckets <= 0 {
		buckets = 1000
	}
	if maxCount <= 0 {
		maxCount = 10000
	}
	return &Extractor{buckets: uint64(buckets), maxCount: maxCount}
}

// Extract builds the vector for ev. A nil hc means no history is known.
//
// Layout:
//
//	0  hour of day (UTC)
//	1  weekday, Monday=0
//	2  event_type bucket
//	3  user bucket
//	4  host bucket
//	5  failed logins for user, 1h
//	6  events for user, 1h
//	7  events for host, 1h
//	8  distinct hosts for user, 24h
//	9  distinct users for host, 24h
//	10 details.success is false
//	11 details mention "failed"
//	12 details mention "error"
func (x *Extractor) Extract(ev *events.Event, hc *HistoricalContext) Vector {
	v := make(Vector, 0, Dimension)

	ts := ev.Timestamp.UTC()
	v = append(v,
		float64(ts.Hour()),
		float64((int(ts.Weekday())+6)%7),
		float64(x.Bucket(ev.EventType)),
		float64(x.Bucket(ev.User)),
		float64(x.Bucket(ev.Host)),
	)

	if hc != nil {
		v = append(v,
			x.capped(hc.FailedLoginCount1h),
			x.capped(hc.UserEventCount1h),
			x.capped(hc.HostEventCount1h),
			x.capped(hc.UniqueHostsForUser24h),
			x.capped(hc.UniqueUsersForHost24h),
		)
	} else {
		v = append(v, 0, 0, 0, 1, 1)
	}

	blob := ev.DetailsBlob()
	v = append(v,
		flag(ev.ExplicitFailure()),
		flag(strings.Contains(blob, "failed")),
		flag(strings.Contains(blob, "error")),
	)
	return v
}

// Bucket maps s to a stable bucket id.
func (x *Extractor) Bucket(s string) uint64 {
	return xxhash.Sum64String(s) % x.buckets
}

func (x *Extractor) capped(n int64) float64 {
	switch {
	case n < 0:
		return 0
	case n > x.maxCount:
		return float64(x.maxCount)
	}
	return float64(n)
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Package risk aggregates an endpoint's recent alert history into a bounded
// risk score and level.
package risk

import (
	"context"
	"math"
	"time"

	"github.com/lucid-vigil/healthguard/pkg/alerts"
	engerrors "github.com/lucid-vigil/healthguard/pkg/errors"
	"github.com/lucid-vigil/healthguard/pkg/storage"
)

type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

const (
	MaxScore = 100.0

	recentAlertWeight   = 5.0
	recentAlertCap      = 30.0
	criticalAlertWeight = 20.0
	criticalAlertCap    = 40.0
	anomalyWeight       = 10.0
	anomalyCap          = 30.0
)

// Inputs are the alert counts a score is derived from.
type Inputs struct {
	AlertCount7d       int64
	AlertCount30d      int64
	CriticalAlertCount int64
	AnomalyCount7d     int64
}

// Score applies the capped weighted sum and clamps the result to [0, 100].
// Negative counts are treated as zero.
func Score(in Inputs) float64 {
	score := math.Min(float64(nonNegative(in.AlertCount7d))*recentAlertWeight, recentAlertCap) +
		math.Min(float64(nonNegative(in.CriticalAlertCount))*criticalAlertWeight, criticalAlertCap) +
		math.Min(float64(nonNegative(in.AnomalyCount7d))*anomalyWeight, anomalyCap)
	return math.Max(0, math.Min(score, MaxScore))
}

// LevelFor maps a score onto its level; higher scores never map to a lower
// level.
func LevelFor(score float64) Level {
	switch {
	case score >= 75:
		return LevelCritical
	case score >= 50:
		return LevelHigh
	case score >= 25:
		return LevelMedium
	default:
		return LevelLow
	}
}

func nonNegative(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

// Record is the persisted risk posture of one endpoint.
type Record struct {
	TenantID           string    `json:"tenant_id"`
	Host               string    `json:"host"`
	RiskLevel          Level     `json:"risk_level"`
	RiskScore          float64   `json:"risk_score"`
	AlertCount7d       int64     `json:"alert_count_7d"`
	AlertCount30d      int64     `json:"alert_count_30d"`
	AnomalyCount7d     int64     `json:"anomaly_count_7d"`
	CriticalAlertCount int64     `json:"critical_alert_count"`
	LastUpdated        time.Time `json:"last_updated"`
	LastSeen           time.Time `json:"last_seen"`
	IPAddress          string    `json:"ip_address,omitempty"`
	OSType             string    `json:"os_type,omitempty"`
}

// riskFields returns the fields owned by the scorer; identity fields written
// at ingestion are left alone.
func (r Record) riskFields() storage.Document {
	return storage.Document{
		"risk_level":           string(r.RiskLevel),
		"risk_score":           r.RiskScore,
		"alert_count_7d":       r.AlertCount7d,
		"alert_count_30d":      r.AlertCount30d,
		"anomaly_count_7d":     r.AnomalyCount7d,
		"critical_alert_count": r.CriticalAlertCount,
		"last_updated":         r.LastUpdated.UTC(),
	}
}

// FromDocument rebuilds a record from an endpoint document.
func FromDocument(doc storage.Document) Record {
	var r Record
	r.TenantID, _ = doc[storage.TenantField].(string)
	r.Host, _ = doc["host"].(string)
	r.IPAddress, _ = doc["ip_address"].(string)
	r.OSType, _ = doc["os_type"].(string)
	if s, ok := doc["risk_level"].(string); ok {
		r.RiskLevel = Level(s)
	} else {
		r.RiskLevel = LevelLow
	}
	r.RiskScore = toFloat(doc["risk_score"])
	r.AlertCount7d = int64(toFloat(doc["alert_count_7d"]))
	r.AlertCount30d = int64(toFloat(doc["alert_count_30d"]))
	r.AnomalyCount7d = int64(toFloat(doc["anomaly_count_7d"]))
	r.CriticalAlertCount = int64(toFloat(doc["critical_alert_count"]))
	if ts, ok := doc["last_updated"].(time.Time); ok {
		r.LastUpdated = ts.UTC()
	}
	if ts, ok := doc["last_seen"].(time.Time); ok {
		r.LastSeen = ts.UTC()
	}
	return r
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

type countQuery struct {
	name   string
	filter storage.Filter
	into   *int64
}

// Scorer computes fresh risk records from the alerts collection.
type Scorer struct {
	store storage.Store
	now   func() time.Time
}

func NewScorer(store storage.Store, now func() time.Time) *Scorer {
	if now == nil {
		now = time.Now
	}
	return &Scorer{store: store, now: now}
}

// Calculate counts the host's alerts and derives its score. Repeated calls
// over unchanged data return the same score and level.
func (s *Scorer) Calculate(ctx context.Context, tenantID, host string) (Record, error) {
	now := s.now().UTC()
	since7d := now.AddDate(0, 0, -7)
	since30d := now.AddDate(0, 0, -30)

	var in Inputs
	queries := []countQuery{
		{"alerts 7d", storage.Filter{storage.Eq("host", host), storage.Since("created_at", since7d)}, &in.AlertCount7d},
		{"alerts 30d", storage.Filter{storage.Eq("host", host), storage.Since("created_at", since30d)}, &in.AlertCount30d},
		{"unresolved critical alerts", storage.Filter{
			storage.Eq("host", host),
			storage.Eq("severity", string(alerts.SeverityCritical)),
			storage.Ne("status", string(alerts.StatusResolved)),
		}, &in.CriticalAlertCount},
		{"anomaly alerts 7d", storage.Filter{
			storage.Eq("host", host),
			storage.Eq("triggered_by", string(alerts.TriggeredByAnomaly)),
			storage.Since("created_at", since7d),
		}, &in.AnomalyCount7d},
	}

	for _, q := range queries {
		n, err := s.store.Count(ctx, tenantID, storage.CollectionAlerts, q.filter)
		if err != nil {
			return Record{}, engerrors.NewStorageError("risk_scorer", "count "+q.name, err)
		}
		*q.into = n
	}

	score := Score(in)
	return Record{
		TenantID:           tenantID,
		Host:               host,
		RiskLevel:          LevelFor(score),
		RiskScore:          score,
		AlertCount7d:       in.AlertCount7d,
		AlertCount30d:      in.AlertCount30d,
		AnomalyCount7d:     in.AnomalyCount7d,
		CriticalAlertCount: in.CriticalAlertCount,
		LastUpdated:        now,
	}, nil
}

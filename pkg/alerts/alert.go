// Package alerts defines the alert record and its tenant-scoped management
// operations.
package alerts

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lucid-vigil/healthguard/pkg/storage"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusResolved:
		return true
	}
	return false
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

type TriggeredBy string

const (
	TriggeredByRule    TriggeredBy = "rule"
	TriggeredByAnomaly TriggeredBy = "anomaly"
)

// Alert is a persisted detection. Only Status, Comments and UpdatedAt change
// after creation. Alerts raised from agent telemetry carry
// RelatedTelemetryIDs instead of log ids.
type Alert struct {
	AlertID             string      `json:"alert_id"`
	TenantID            string      `json:"tenant_id"`
	Title               string      `json:"title"`
	Description         string      `json:"description"`
	Severity            Severity    `json:"severity"`
	Status              Status      `json:"status"`
	Host                string      `json:"host,omitempty"`
	User                string      `json:"user,omitempty"`
	EventType           string      `json:"event_type,omitempty"`
	AnomalyScore        *float64    `json:"anomaly_score,omitempty"`
	TriggeredBy         TriggeredBy `json:"triggered_by"`
	RuleName            string      `json:"rule_name,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
	Comments            []string    `json:"comments"`
	RelatedLogIDs       []string    `json:"related_log_ids"`
	RelatedTelemetryIDs []string    `json:"related_telemetry_ids,omitempty"`
}

// NewAlertID returns "alert_" followed by 16 hex characters.
func NewAlertID() string {
	return "alert_" + shortHex()
}

// NewLogID returns "log_" followed by 16 hex characters.
func NewLogID() string {
	return "log_" + shortHex()
}

func shortHex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// Document converts the alert into its stored form. The tenant is stamped by
// the store.
func (a *Alert) Document() storage.Document {
	doc := storage.Document{
		"alert_id":        a.AlertID,
		"title":           a.Title,
		"description":     a.Description,
		"severity":        string(a.Severity),
		"status":          string(a.Status),
		"host":            a.Host,
		"user":            a.User,
		"event_type":      a.EventType,
		"triggered_by":    string(a.TriggeredBy),
		"created_at":      a.CreatedAt.UTC(),
		"updated_at":      a.UpdatedAt.UTC(),
		"comments":        stringsOrEmpty(a.Comments),
		"related_log_ids": stringsOrEmpty(a.RelatedLogIDs),
	}
	if a.AnomalyScore != nil {
		doc["anomaly_score"] = *a.AnomalyScore
	}
	if a.RuleName != "" {
		doc["rule_name"] = a.RuleName
	}
	if len(a.RelatedTelemetryIDs) > 0 {
		doc["related_telemetry_ids"] = stringsOrEmpty(a.RelatedTelemetryIDs)
	}
	return doc
}

// FromDocument rebuilds an alert from its stored form.
func FromDocument(doc storage.Document) *Alert {
	a := &Alert{}
	a.AlertID, _ = doc["alert_id"].(string)
	a.TenantID, _ = doc[storage.TenantField].(string)
	a.Title, _ = doc["title"].(string)
	a.Description, _ = doc["description"].(string)
	a.Host, _ = doc["host"].(string)
	a.User, _ = doc["user"].(string)
	a.EventType, _ = doc["event_type"].(string)
	a.RuleName, _ = doc["rule_name"].(string)

	if s, ok := doc["severity"].(string); ok {
		a.Severity = Severity(s)
	}
	if s, ok := doc["status"].(string); ok {
		a.Status = Status(s)
	}
	if s, ok := doc["triggered_by"].(string); ok {
		a.TriggeredBy = TriggeredBy(s)
	}
	if score, ok := asFloat(doc["anomaly_score"]); ok {
		a.AnomalyScore = &score
	}
	if ts, ok := doc["created_at"].(time.Time); ok {
		a.CreatedAt = ts.UTC()
	}
	if ts, ok := doc["updated_at"].(time.Time); ok {
		a.UpdatedAt = ts.UTC()
	}
	a.Comments = toStrings(doc["comments"])
	a.RelatedLogIDs = toStrings(doc["related_log_ids"])
	if ids := toStrings(doc["related_telemetry_ids"]); len(ids) > 0 {
		a.RelatedTelemetryIDs = ids
	}
	return a
}

func stringsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return append([]string(nil), s...)
}

func toStrings(v interface{}) []string {
	out := []string{}
	switch items := v.(type) {
	case []string:
		out = append(out, items...)
	case []interface{}:
		for _, item := range items {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

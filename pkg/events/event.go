// pkg/events/event.go
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lucid-vigil/healthguard/pkg/storage"
)

// Event types the engine inspects by name.
const (
	TypeLogin          = "login"
	TypeAccess         = "access"
	TypeFileAccess     = "file_access"
	TypeDatabaseAccess = "database_access"
	TypeProcess        = "process"
	TypeCommand        = "command"
	TypeExecution      = "execution"
)

// Event is a single ingested telemetry record. It is immutable once ingested.
type Event struct {
	TenantID  string                 `json:"tenant_id"`
	Host      string                 `json:"host"`
	User      string                 `json:"user"`
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"event_type"`
	Source    string                 `json:"source"`
	Details   map[string]interface{} `json:"details"`
}

// DetailString returns details[key] when it is a string.
func (e *Event) DetailString(key string) (string, bool) {
	v, ok := e.Details[key].(string)
	return v, ok
}

// ExplicitFailure reports whether details.success is the boolean false.
// Missing keys and non-boolean values do not count.
func (e *Event) ExplicitFailure() bool {
	success, ok := e.Details["success"].(bool)
	return ok && !success
}

// DetailsBlob is the lower-cased JSON encoding of details, used for
// substring matching. Map keys are encoded in sorted order, so the blob is
// stable for a given event.
func (e *Event) DetailsBlob() string {
	if len(e.Details) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(e.Details)
	if err != nil {
		return strings.ToLower(fmt.Sprintf("%v", e.Details))
	}
	return strings.ToLower(string(raw))
}

// Document converts the event into the stored log record.
func (e *Event) Document(logID string, ingestedAt time.Time) storage.Document {
	details := e.Details
	if details == nil {
		details = map[string]interface{}{}
	}
	return storage.Document{
		"log_id":      logID,
		"host":        e.Host,
		"user":        e.User,
		"timestamp":   e.Timestamp.UTC(),
		"event_type":  e.EventType,
		"source":      e.Source,
		"details":     details,
		"ingested_at": ingestedAt.UTC(),
	}
}

// FromDocument rebuilds an event from a stored log record.
func FromDocument(doc storage.Document) Event {
	ev := Event{Details: map[string]interface{}{}}
	ev.TenantID, _ = doc[storage.TenantField].(string)
	ev.Host, _ = doc["host"].(string)
	ev.User, _ = doc["user"].(string)
	ev.EventType, _ = doc["event_type"].(string)
	ev.Source, _ = doc["source"].(string)
	if ts, ok := doc["timestamp"].(time.Time); ok {
		ev.Timestamp = ts.UTC()
	}
	switch d := doc["details"].(type) {
	case map[string]interface{}:
		ev.Details = d
	case storage.Document:
		ev.Details = d
	}
	return ev
}

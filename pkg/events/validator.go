// pkg/events/validator.go
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	engerrors "github.com/lucid-vigil/healthguard/pkg/errors"
)

// EventValidator validates and normalizes inbound events
type EventValidator struct {
	mu           sync.Mutex
	rateLimiters map[string]*rate.Limiter // tenant -> rate limiter
	maxDataSize  int
	limit        rate.Limit
	burst        int
	now          func() time.Time
}

// NewEventValidator creates a new event validator. A ratePerMinute of zero
// disables rate limiting.
func NewEventValidator(maxDataSize, ratePerMinute, burst int) *EventValidator {
	limit := rate.Inf
	if ratePerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(ratePerMinute))
	}
	if burst <= 0 {
		burst = 1
	}
	return &EventValidator{
		rateLimiters: make(map[string]*rate.Limiter),
		maxDataSize:  maxDataSize,
		limit:        limit,
		burst:        burst,
		now:          time.Now,
	}
}

// ValidateEvent checks required fields and normalizes the event in place:
// strings are sanitized, the timestamp defaults to now and is converted to
// UTC, and nil details become an empty map.
func (ev *EventValidator) ValidateEvent(event *Event) error {
	event.TenantID = strings.TrimSpace(event.TenantID)
	event.Host = sanitizeString(event.Host)
	event.User = sanitizeString(event.User)
	event.EventType = sanitizeString(event.EventType)
	event.Source = sanitizeString(event.Source)

	// Check required fields
	if event.TenantID == "" {
		return engerrors.NewValidationError("validator", "event tenant is required")
	}
	if event.Host == "" {
		return engerrors.NewValidationError("validator", "event host is required")
	}
	if event.User == "" {
		return engerrors.NewValidationError("validator", "event user is required")
	}
	if event.EventType == "" {
		return engerrors.NewValidationError("validator", "event type is required")
	}
	if event.Source == "" {
		return engerrors.NewValidationError("validator", "event source is required")
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = ev.now()
	}
	event.Timestamp = event.Timestamp.UTC()

	if event.Details == nil {
		event.Details = map[string]interface{}{}
	}

	// Limit data size
	if ev.maxDataSize > 0 {
		raw, err := json.Marshal(event.Details)
		if err != nil {
			return engerrors.NewValidationError("validator", fmt.Sprintf("event details are not encodable: %v", err))
		}
		if len(raw) > ev.maxDataSize {
			return engerrors.NewValidationError("validator", fmt.Sprintf("event details too large (max %d bytes)", ev.maxDataSize))
		}
	}

	// Rate limiting check
	if !ev.checkRateLimit(event.TenantID) {
		return engerrors.NewValidationError("validator", fmt.Sprintf("rate limit exceeded for tenant: %s", event.TenantID))
	}

	return nil
}

// checkRateLimit checks if the tenant is within rate limits
func (ev *EventValidator) checkRateLimit(tenantID string) bool {
	if ev.limit == rate.Inf {
		return true
	}

	ev.mu.Lock()
	limiter, exists := ev.rateLimiters[tenantID]
	if !exists {
		limiter = rate.NewLimiter(ev.limit, ev.burst)
		ev.rateLimiters[tenantID] = limiter
	}
	ev.mu.Unlock()

	return limiter.AllowN(ev.now(), 1)
}

const maxFieldBytes = 256

// sanitizeString removes potentially dangerous characters
func sanitizeString(s string) string {
	// Remove control characters and normalize whitespace
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")

	// Limit length without splitting a rune
	if len(s) > maxFieldBytes {
		cut := maxFieldBytes
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}

	return strings.TrimSpace(s)
}

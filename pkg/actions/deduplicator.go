package actions

import (
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/lucid-vigil/healthguard/pkg/alerts"
)

// AlertDeduplicator suppresses repeated dispatch of equivalent alerts within
// a time window. Alerts are still persisted; only their actions are skipped.
type AlertDeduplicator struct {
	seen          map[uint64]time.Time
	window        time.Duration
	now           func() time.Time
	mu            sync.Mutex
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

// NewAlertDeduplicator creates a deduplicator and starts its cleanup loop.
func NewAlertDeduplicator(window time.Duration, now func() time.Time) *AlertDeduplicator {
	if now == nil {
		now = time.Now
	}
	ad := &AlertDeduplicator{
		seen:        make(map[uint64]time.Time),
		window:      window,
		now:         now,
		stopCleanup: make(chan struct{}),
	}

	// Start cleanup goroutine
	ad.cleanupTicker = time.NewTicker(window / 2)
	go ad.cleanupLoop()

	return ad
}

// IsDuplicate reports whether an equivalent alert was dispatched within the
// window and records this one otherwise.
func (ad *AlertDeduplicator) IsDuplicate(alert *alerts.Alert) bool {
	key := alertKey(alert)
	now := ad.now()

	ad.mu.Lock()
	defer ad.mu.Unlock()

	if lastSeen, exists := ad.seen[key]; exists && now.Sub(lastSeen) < ad.window {
		return true
	}
	ad.seen[key] = now
	return false
}

// Equivalent alerts share tenant, host, user, trigger, rule, severity and
// title. The title carries rule specifics such as the matched pattern.
func alertKey(a *alerts.Alert) uint64 {
	d := xxhash.New()
	for _, part := range []string{a.TenantID, a.Host, a.User, string(a.TriggeredBy), a.RuleName, string(a.Severity), a.Title} {
		_, _ = d.WriteString(strconv.Itoa(len(part)))
		_, _ = d.WriteString(":")
		_, _ = d.WriteString(part)
	}
	return d.Sum64()
}

func (ad *AlertDeduplicator) cleanupLoop() {
	for {
		select {
		case <-ad.cleanupTicker.C:
			ad.cleanup()
		case <-ad.stopCleanup:
			ad.cleanupTicker.Stop()
			return
		}
	}
}

func (ad *AlertDeduplicator) cleanup() {
	ad.mu.Lock()
	defer ad.mu.Unlock()

	cutoff := ad.now().Add(-ad.window)
	for key, timestamp := range ad.seen {
		if timestamp.Before(cutoff) {
			delete(ad.seen, key)
		}
	}
}

func (ad *AlertDeduplicator) size() int {
	ad.mu.Lock()
	defer ad.mu.Unlock()
	return len(ad.seen)
}

// Stop stops the cleanup loop. It is safe to call more than once.
func (ad *AlertDeduplicator) Stop() {
	ad.stopOnce.Do(func() { close(ad.stopCleanup) })
}

package features

import (
	"context"
	"time"

	"github.com/lucid-vigil/healthguard/pkg/events"
	"github.com/lucid-vigil/healthguard/pkg/storage"
)

// Window lengths for the historical queries.
const (
	ShortWindow = time.Hour
	LongWindow  = 24 * time.Hour
)

// HistoryProvider answers the windowed questions the detector and rules ask
// about a tenant's recent logs.
type HistoryProvider interface {
	ContextFor(ctx context.Context, ev *events.Event) (HistoricalContext, error)
	FailedLoginCount(ctx context.Context, tenantID, user string, window time.Duration) (int64, error)
	DistinctHostsForUser(ctx context.Context, tenantID, user string, window time.Duration) (int64, error)
}

// StoreHistory is a HistoryProvider backed by the logs collection. Windows
// are measured back from the injected clock, not from the event timestamp.
type StoreHistory struct {
	store storage.Store
	now   func() time.Time
}

// NewStoreHistory creates a provider; a nil now uses time.Now.
func NewStoreHistory(store storage.Store, now func() time.Time) *StoreHistory {
	if now == nil {
		now = time.Now
	}
	return &StoreHistory{store: store, now: now}
}

// ContextFor issues the five history queries for ev. The first storage error
// aborts the lookup.
func (h *StoreHistory) ContextFor(ctx context.Context, ev *events.Event) (HistoricalContext, error) {
	var hc HistoricalContext
	var err error

	now := h.now().UTC()
	shortSince := now.Add(-ShortWindow)
	longSince := now.Add(-LongWindow)

	if hc.FailedLoginCount1h, err = h.FailedLoginCount(ctx, ev.TenantID, ev.User, ShortWindow); err != nil {
		return HistoricalContext{}, err
	}
	if hc.UserEventCount1h, err = h.store.Count(ctx, ev.TenantID, storage.CollectionLogs, storage.Filter{
		storage.Eq("user", ev.User),
		storage.Since("timestamp", shortSince),
	}); err != nil {
		return HistoricalContext{}, err
	}
	if hc.HostEventCount1h, err = h.store.Count(ctx, ev.TenantID, storage.CollectionLogs, storage.Filter{
		storage.Eq("host", ev.Host),
		storage.Since("timestamp", shortSince),
	}); err != nil {
		return HistoricalContext{}, err
	}
	if hc.UniqueHostsForUser24h, err = h.distinct(ctx, ev.TenantID, "host", storage.Filter{
		storage.Eq("user", ev.User),
		storage.Since("timestamp", longSince),
	}); err != nil {
		return HistoricalContext{}, err
	}
	if hc.UniqueUsersForHost24h, err = h.distinct(ctx, ev.TenantID, "user", storage.Filter{
		storage.Eq("host", ev.Host),
		storage.Since("timestamp", longSince),
	}); err != nil {
		return HistoricalContext{}, err
	}
	return hc, nil
}

// FailedLoginCount counts login events with details.success == false.
func (h *StoreHistory) FailedLoginCount(ctx context.Context, tenantID, user string, window time.Duration) (int64, error) {
	return h.store.Count(ctx, tenantID, storage.CollectionLogs, storage.Filter{
		storage.Eq("user", user),
		storage.Eq("event_type", events.TypeLogin),
		storage.Eq("details.success", false),
		storage.Since("timestamp", h.now().UTC().Add(-window)),
	})
}

func (h *StoreHistory) DistinctHostsForUser(ctx context.Context, tenantID, user string, window time.Duration) (int64, error) {
	return h.distinct(ctx, tenantID, "host", storage.Filter{
		storage.Eq("user", user),
		storage.Since("timestamp", h.now().UTC().Add(-window)),
	})
}

func (h *StoreHistory) distinct(ctx context.Context, tenantID, field string, filter storage.Filter) (int64, error) {
	values, err := h.store.Distinct(ctx, tenantID, storage.CollectionLogs, field, filter)
	if err != nil {
		return 0, err
	}
	return int64(len(values)), nil
}

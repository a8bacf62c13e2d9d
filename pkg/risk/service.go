package risk

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/rs/zerolog"

	engerrors "github.com/lucid-vigil/healthguard/pkg/errors"
	"github.com/lucid-vigil/healthguard/pkg/metrics"
	"github.com/lucid-vigil/healthguard/pkg/storage"
)

// DefaultStaleness is how long a persisted record is served before it is
// recomputed on read.
const DefaultStaleness = time.Hour

// Service serves endpoint risk records, recomputing them lazily when stale
// and in bulk from the periodic sweep.
type Service struct {
	store     storage.Store
	scorer    *Scorer
	staleness time.Duration
	workers   int
	now       func() time.Time
	logger    zerolog.Logger
}

func NewService(store storage.Store, staleness time.Duration, workers int, now func() time.Time, logger zerolog.Logger) *Service {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	if workers <= 0 {
		workers = 4
	}
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:     store,
		scorer:    NewScorer(store, now),
		staleness: staleness,
		workers:   workers,
		now:       now,
		logger:    logger.With().Str("component", "risk_service").Logger(),
	}
}

// RiskFor returns the host's record, recomputing and persisting it when it
// is missing or older than the staleness window.
func (s *Service) RiskFor(ctx context.Context, tenantID, host string) (Record, error) {
	existing, err := s.existing(ctx, tenantID, host)
	if err != nil {
		return Record{}, err
	}
	if existing != nil && !existing.LastUpdated.IsZero() && s.now().Sub(existing.LastUpdated) <= s.staleness {
		return *existing, nil
	}
	return s.refresh(ctx, tenantID, host, existing)
}

// refresh recomputes the record and persists the risk fields. A new endpoint
// takes last_seen from its newest log.
func (s *Service) refresh(ctx context.Context, tenantID, host string, existing *Record) (Record, error) {
	r, err := s.scorer.Calculate(ctx, tenantID, host)
	if err != nil {
		return Record{}, err
	}

	set := r.riskFields()
	if existing != nil {
		r.LastSeen = existing.LastSeen
		r.IPAddress = existing.IPAddress
		r.OSType = existing.OSType
	}
	if r.LastSeen.IsZero() {
		r.LastSeen, err = s.lastSeen(ctx, tenantID, host)
		if err != nil {
			return Record{}, err
		}
		set["last_seen"] = r.LastSeen
	}

	if err := s.store.Upsert(ctx, tenantID, storage.CollectionEndpoints,
		storage.Filter{storage.Eq("host", host)}, set); err != nil {
		return Record{}, engerrors.NewStorageError("risk_service", "upsert endpoint", err)
	}
	metrics.RiskRecomputationsTotal.Inc()

	s.logger.Debug().
		Str("tenant_id", tenantID).
		Str("host", host).
		Float64("risk_score", r.RiskScore).
		Str("risk_level", string(r.RiskLevel)).
		Msg("Endpoint risk recomputed")
	return r, nil
}

func (s *Service) lastSeen(ctx context.Context, tenantID, host string) (time.Time, error) {
	docs, err := s.store.Find(ctx, tenantID, storage.CollectionLogs, storage.Filter{storage.Eq("host", host)},
		storage.FindOptions{SortField: "timestamp", SortDesc: true, Limit: 1})
	if err != nil {
		return time.Time{}, engerrors.NewStorageError("risk_service", "find last log", err)
	}
	if len(docs) > 0 {
		if ts, ok := docs[0]["timestamp"].(time.Time); ok {
			return ts.UTC(), nil
		}
	}
	return s.now().UTC(), nil
}

// RiskForAll returns a record for every host the tenant has logs for,
// highest score first with ties broken by host name.
func (s *Service) RiskForAll(ctx context.Context, tenantID string) ([]Record, error) {
	hosts, err := s.hosts(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(hosts))
	for _, host := range hosts {
		r, err := s.RiskFor(ctx, tenantID, host)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].RiskScore != records[j].RiskScore {
			return records[i].RiskScore > records[j].RiskScore
		}
		return records[i].Host < records[j].Host
	})
	return records, nil
}

func (s *Service) hosts(ctx context.Context, tenantID string) ([]string, error) {
	values, err := s.store.Distinct(ctx, tenantID, storage.CollectionLogs, "host", nil)
	if err != nil {
		return nil, engerrors.NewStorageError("risk_service", "distinct hosts", err)
	}
	hosts := make([]string, 0, len(values))
	for _, v := range values {
		if h, ok := v.(string); ok && h != "" {
			hosts = append(hosts, h)
		}
	}
	sort.Strings(hosts)
	return hosts, nil
}

// UpdateTenant recomputes every endpoint of one tenant regardless of
// staleness and returns how many were updated.
func (s *Service) UpdateTenant(ctx context.Context, tenantID string) (int, error) {
	hosts, err := s.hosts(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	for i, host := range hosts {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		existing, err := s.existing(ctx, tenantID, host)
		if err != nil {
			return i, err
		}
		if _, err := s.refresh(ctx, tenantID, host, existing); err != nil {
			return i, err
		}
	}
	return len(hosts), nil
}

func (s *Service) existing(ctx context.Context, tenantID, host string) (*Record, error) {
	docs, err := s.store.Find(ctx, tenantID, storage.CollectionEndpoints,
		storage.Filter{storage.Eq("host", host)}, storage.FindOptions{Limit: 1})
	if err != nil {
		return nil, engerrors.NewStorageError("risk_service", "find endpoint", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	r := FromDocument(docs[0])
	return &r, nil
}

// SweepAll recomputes every endpoint of every tenant with logs, one tenant
// per worker. A failing tenant is logged and skipped.
func (s *Service) SweepAll(ctx context.Context) (int, error) {
	tenants, err := s.store.Tenants(ctx, storage.CollectionLogs)
	if err != nil {
		return 0, engerrors.NewStorageError("risk_service", "list tenants", err)
	}

	pool := pond.New(s.workers, len(tenants))

	var mu sync.Mutex
	updated := 0
	for _, tenantID := range tenants {
		tenantID := tenantID
		pool.Submit(func() {
			n, err := s.UpdateTenant(ctx, tenantID)
			if err != nil {
				s.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Failed to update endpoint risks")
			}
			mu.Lock()
			updated += n
			mu.Unlock()
		})
	}
	pool.StopAndWait()

	s.logger.Info().Int("tenants", len(tenants)).Int("endpoints", updated).Msg("Risk sweep complete")
	return updated, nil
}

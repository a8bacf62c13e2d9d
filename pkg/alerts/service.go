package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	engerrors "github.com/lucid-vigil/healthguard/pkg/errors"
	"github.com/lucid-vigil/healthguard/pkg/storage"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ListQuery selects a page of a tenant's alerts. Empty filters match all.
type ListQuery struct {
	Status   Status
	Severity Severity
	Host     string
	Page     int
	PageSize int
}

// Page is one page of alerts, newest first.
type Page struct {
	Alerts     []*Alert `json:"alerts"`
	Total      int64    `json:"total"`
	Page       int      `json:"page"`
	PageSize   int      `json:"page_size"`
	TotalPages int      `json:"total_pages"`
}

// Change is a partial update. A nil Status leaves the status unchanged and an
// empty Comment appends nothing.
type Change struct {
	Status  *Status `json:"status,omitempty"`
	Comment string  `json:"comment,omitempty"`
}

// Service reads and updates persisted alerts, always within one tenant.
type Service struct {
	store  storage.Store
	now    func() time.Time
	logger zerolog.Logger
}

func NewService(store storage.Store, now func() time.Time, logger zerolog.Logger) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:  store,
		now:    now,
		logger: logger.With().Str("component", "alerts").Logger(),
	}
}

// Create persists a new alert.
func (s *Service) Create(ctx context.Context, a *Alert) error {
	if err := s.store.Insert(ctx, a.TenantID, storage.CollectionAlerts, a.Document()); err != nil {
		return engerrors.NewStorageError("alerts", "insert alert", err)
	}
	return nil
}

// List returns the requested page sorted by created_at descending.
func (s *Service) List(ctx context.Context, tenantID string, q ListQuery) (*Page, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}

	var filter storage.Filter
	if q.Status != "" {
		filter = append(filter, storage.Eq("status", string(q.Status)))
	}
	if q.Severity != "" {
		filter = append(filter, storage.Eq("severity", string(q.Severity)))
	}
	if q.Host != "" {
		filter = append(filter, storage.Eq("host", q.Host))
	}

	total, err := s.store.Count(ctx, tenantID, storage.CollectionAlerts, filter)
	if err != nil {
		return nil, engerrors.NewStorageError("alerts", "count alerts", err)
	}
	docs, err := s.store.Find(ctx, tenantID, storage.CollectionAlerts, filter, storage.FindOptions{
		SortField: "created_at",
		SortDesc:  true,
		Skip:      int64((q.Page - 1) * q.PageSize),
		Limit:     int64(q.PageSize),
	})
	if err != nil {
		return nil, engerrors.NewStorageError("alerts", "find alerts", err)
	}

	page := &Page{
		Alerts:     make([]*Alert, 0, len(docs)),
		Total:      total,
		Page:       q.Page,
		PageSize:   q.PageSize,
		TotalPages: totalPages(total, q.PageSize),
	}
	for _, doc := range docs {
		page.Alerts = append(page.Alerts, FromDocument(doc))
	}
	return page, nil
}

func totalPages(total int64, pageSize int) int {
	if total == 0 {
		return 1
	}
	return int((total + int64(pageSize) - 1) / int64(pageSize))
}

// Get returns one alert. An alert owned by another tenant is reported as not
// found.
func (s *Service) Get(ctx context.Context, tenantID, alertID string) (*Alert, error) {
	docs, err := s.store.Find(ctx, tenantID, storage.CollectionAlerts,
		storage.Filter{storage.Eq("alert_id", alertID)}, storage.FindOptions{Limit: 1})
	if err != nil {
		return nil, engerrors.NewStorageError("alerts", "find alert", err)
	}
	if len(docs) == 0 {
		return nil, engerrors.NewNotFoundError("alerts", fmt.Sprintf("alert %s", alertID))
	}
	return FromDocument(docs[0]), nil
}

// Update applies change and returns the updated alert. Comments are stored
// as "[<timestamp>] <comment>".
func (s *Service) Update(ctx context.Context, tenantID, alertID string, change Change) (*Alert, error) {
	if change.Status != nil && !change.Status.Valid() {
		return nil, engerrors.NewValidationError("alerts", fmt.Sprintf("unknown alert status %q", *change.Status))
	}

	now := s.now().UTC()
	m := storage.Mutation{Set: storage.Document{"updated_at": now}}
	if change.Status != nil {
		m.Set["status"] = string(*change.Status)
	}
	if change.Comment != "" {
		m.Push = storage.Document{
			"comments": fmt.Sprintf("[%s] %s", now.Format("2006-01-02T15:04:05.000000"), change.Comment),
		}
	}

	matched, err := s.store.Update(ctx, tenantID, storage.CollectionAlerts,
		storage.Filter{storage.Eq("alert_id", alertID)}, m)
	if err != nil {
		return nil, engerrors.NewStorageError("alerts", "update alert", err)
	}
	if !matched {
		return nil, engerrors.NewNotFoundError("alerts", fmt.Sprintf("alert %s", alertID))
	}

	s.logger.Info().
		Str("tenant_id", tenantID).
		Str("alert_id", alertID).
		Bool("status_changed", change.Status != nil).
		Bool("commented", change.Comment != "").
		Msg("Alert updated")
	return s.Get(ctx, tenantID, alertID)
}

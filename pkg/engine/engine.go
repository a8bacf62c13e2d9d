// Package engine is the ingestion entry point: it stores an event, runs the
// rule engine and anomaly detector over it and persists the resulting alerts.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lucid-vigil/healthguard/pkg/alerts"
	"github.com/lucid-vigil/healthguard/pkg/detector"
	engerrors "github.com/lucid-vigil/healthguard/pkg/errors"
	"github.com/lucid-vigil/healthguard/pkg/events"
	"github.com/lucid-vigil/healthguard/pkg/metrics"
	"github.com/lucid-vigil/healthguard/pkg/storage"
)

// Predictor scores an event for anomalies.
type Predictor interface {
	Predict(ctx context.Context, ev *events.Event) (detector.Verdict, error)
}

// RuleEvaluator returns the rule alerts an event triggers.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, ev *events.Event) ([]*alerts.Alert, error)
}

// Dispatcher hands created alerts to the configured actions.
type Dispatcher interface {
	Dispatch(ctx context.Context, alert *alerts.Alert)
}

type Config struct {
	// ReportThreshold is the squashed score above which an anomaly alert is
	// raised even without an outlier verdict.
	ReportThreshold float64
	// ResponseScoreFloor is the score above which the result carries the
	// anomaly score even when the event is not anomalous.
	ResponseScoreFloor float64
}

func DefaultConfig() Config {
	return Config{ReportThreshold: 0.7, ResponseScoreFloor: 0.5}
}

// IngestResult is returned for every successfully ingested event.
type IngestResult struct {
	LogID        string   `json:"log_id"`
	AlertCreated bool     `json:"alert_created"`
	AlertID      string   `json:"alert_id,omitempty"`
	AnomalyScore *float64 `json:"anomaly_score,omitempty"`
}

type Engine struct {
	store      storage.Store
	validator  *events.EventValidator
	rules      RuleEvaluator
	detector   Predictor
	alerts     *alerts.Service
	dispatcher Dispatcher
	cfg        Config
	now        func() time.Time
	logger     zerolog.Logger
}

// New wires an ingestion engine. validator and dispatcher may be nil.
func New(store storage.Store, validator *events.EventValidator, rules RuleEvaluator, predictor Predictor,
	dispatcher Dispatcher, cfg Config, now func() time.Time, logger zerolog.Logger) *Engine {
	if cfg.ReportThreshold <= 0 {
		cfg.ReportThreshold = DefaultConfig().ReportThreshold
	}
	if cfg.ResponseScoreFloor <= 0 {
		cfg.ResponseScoreFloor = DefaultConfig().ResponseScoreFloor
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:      store,
		validator:  validator,
		rules:      rules,
		detector:   predictor,
		alerts:     alerts.NewService(store, now, logger),
		dispatcher: dispatcher,
		cfg:        cfg,
		now:        now,
		logger:     logger.With().Str("component", "ingest_engine").Logger(),
	}
}

// Ingest stores ev and raises alerts for it. Rule alerts always win: an
// anomaly alert is only created when no rule fired. Any storage failure
// fails the call and the caller may retry the whole ingestion.
func (e *Engine) Ingest(ctx context.Context, ev *events.Event) (*IngestResult, error) {
	if e.validator != nil {
		if err := e.validator.ValidateEvent(ev); err != nil {
			metrics.EventsIngestedTotal.WithLabelValues("invalid").Inc()
			return nil, err
		}
	}

	result, err := e.ingest(ctx, ev)
	if err != nil {
		metrics.EventsIngestedTotal.WithLabelValues("error").Inc()
		e.logger.Error().Err(err).
			Str("tenant_id", ev.TenantID).
			Str("host", ev.Host).
			Msg("Failed to ingest event")
		return nil, err
	}
	metrics.EventsIngestedTotal.WithLabelValues("ok").Inc()
	return result, nil
}

func (e *Engine) ingest(ctx context.Context, ev *events.Event) (*IngestResult, error) {
	logID := alerts.NewLogID()
	if err := e.store.Insert(ctx, ev.TenantID, storage.CollectionLogs, ev.Document(logID, e.now().UTC())); err != nil {
		return nil, engerrors.NewStorageError("ingest_engine", "insert log", err)
	}

	var (
		ruleAlerts []*alerts.Alert
		verdict    detector.Verdict
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ruleAlerts, err = e.rules.Evaluate(gctx, ev)
		return err
	})
	g.Go(func() error {
		var err error
		verdict, err = e.detector.Predict(gctx, ev)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	created := make([]*alerts.Alert, 0, len(ruleAlerts)+1)
	created = append(created, ruleAlerts...)
	if len(ruleAlerts) == 0 && (verdict.IsAnomaly || verdict.Score > e.cfg.ReportThreshold) {
		created = append(created, e.anomalyAlert(ev, verdict.Score))
	}

	result := &IngestResult{LogID: logID}
	for _, a := range created {
		a.RelatedLogIDs = []string{logID}
		if err := e.alerts.Create(ctx, a); err != nil {
			return nil, err
		}
		metrics.AlertsCreatedTotal.WithLabelValues(string(a.TriggeredBy), string(a.Severity)).Inc()
		result.AlertCreated = true
		result.AlertID = a.AlertID
	}

	if err := e.touchEndpoint(ctx, ev); err != nil {
		return nil, err
	}

	if verdict.IsAnomaly || verdict.Score > e.cfg.ResponseScoreFloor {
		score := verdict.Score
		result.AnomalyScore = &score
	}

	if e.dispatcher != nil {
		for _, a := range created {
			e.dispatcher.Dispatch(ctx, a)
		}
	}

	e.logger.Debug().
		Str("tenant_id", ev.TenantID).
		Str("log_id", logID).
		Int("alerts", len(created)).
		Float64("anomaly_score", verdict.Score).
		Msg("Event ingested")
	return result, nil
}

func (e *Engine) anomalyAlert(ev *events.Event, score float64) *alerts.Alert {
	now := e.now().UTC()
	return &alerts.Alert{
		AlertID:      alerts.NewAlertID(),
		TenantID:     ev.TenantID,
		Title:        fmt.Sprintf("Anomalous Behavior Detected - %s", ev.Host),
		Description:  fmt.Sprintf("ML model detected anomalous %s event on %s by %s (score: %.2f)", ev.EventType, ev.Host, ev.User, score),
		Severity:     AnomalySeverity(score),
		Status:       alerts.StatusOpen,
		Host:         ev.Host,
		User:         ev.User,
		EventType:    ev.EventType,
		AnomalyScore: &score,
		TriggeredBy:  alerts.TriggeredByAnomaly,
		CreatedAt:    now,
		UpdatedAt:    now,
		Comments:     []string{},
	}
}

// AnomalySeverity maps a squashed anomaly score to an alert severity.
func AnomalySeverity(score float64) alerts.Severity {
	switch {
	case score > 0.9:
		return alerts.SeverityCritical
	case score > 0.8:
		return alerts.SeverityHigh
	case score > 0.7:
		return alerts.SeverityMedium
	default:
		return alerts.SeverityLow
	}
}

// touchEndpoint records that the host was seen. Address and OS are only
// overwritten when the event carries them.
func (e *Engine) touchEndpoint(ctx context.Context, ev *events.Event) error {
	set := storage.Document{"last_seen": ev.Timestamp.UTC()}
	if ip, ok := ev.DetailString("ip_address"); ok && ip != "" {
		set["ip_address"] = ip
	}
	if osType, ok := ev.DetailString("os_type"); ok && osType != "" {
		set["os_type"] = osType
	}
	if err := e.store.Upsert(ctx, ev.TenantID, storage.CollectionEndpoints,
		storage.Filter{storage.Eq("host", ev.Host)}, set); err != nil {
		return engerrors.NewStorageError("ingest_engine", "upsert endpoint", err)
	}
	return nil
}

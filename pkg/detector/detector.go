// Package detector scores events against their tenant's outlier model.
package detector

import (
	"context"
	"math"
	"sync"

	"github.com/alitto/pond"
	"github.com/rs/zerolog"

	engerrors "github.com/lucid-vigil/healthguard/pkg/errors"
	"github.com/lucid-vigil/healthguard/pkg/events"
	"github.com/lucid-vigil/healthguard/pkg/features"
	"github.com/lucid-vigil/healthguard/pkg/metrics"
	"github.com/lucid-vigil/healthguard/pkg/model"
	"github.com/lucid-vigil/healthguard/pkg/storage"
)

// Verdict is the outcome of one prediction. Score is in [0, 1], higher is
// more anomalous.
type Verdict struct {
	IsAnomaly bool    `json:"is_anomaly"`
	Score     float64 `json:"score"`
}

// Detector combines history lookup, feature extraction and the tenant model.
type Detector struct {
	capability model.Capability
	registry   *model.Registry
	history    features.HistoryProvider
	extractor  *features.Extractor
	tenants    storage.Store
	threshold  float64
	logger     zerolog.Logger

	disabledOnce sync.Once
}

// New creates a detector. With capability Unavailable every prediction is
// (false, 0) and the registry is never touched.
func New(capability model.Capability, registry *model.Registry, history features.HistoryProvider,
	extractor *features.Extractor, tenants storage.Store, threshold float64, logger zerolog.Logger) *Detector {
	if threshold <= 0 {
		threshold = 0.7
	}
	return &Detector{
		capability: capability,
		registry:   registry,
		history:    history,
		extractor:  extractor,
		tenants:    tenants,
		threshold:  threshold,
		logger:     logger.With().Str("component", "detector").Logger(),
	}
}

// Predict scores ev. A tenant without a model yields (false, 0) and no error;
// storage failures are returned.
func (d *Detector) Predict(ctx context.Context, ev *events.Event) (Verdict, error) {
	if d.capability != model.Available {
		d.disabledOnce.Do(func() {
			d.logger.Warn().Msg("Numeric modeling unavailable, anomaly detection disabled")
		})
		metrics.AnomalyPredictionsTotal.WithLabelValues("disabled").Inc()
		return Verdict{}, nil
	}

	m, err := d.registry.Get(ctx, ev.TenantID)
	if err != nil {
		return Verdict{}, err
	}
	if m == nil {
		metrics.AnomalyPredictionsTotal.WithLabelValues("no_model").Inc()
		return Verdict{}, nil
	}

	hc, err := d.history.ContextFor(ctx, ev)
	if err != nil {
		return Verdict{}, engerrors.NewStorageError("detector", "historical context", err)
	}

	raw, outlier, err := m.Score(d.extractor.Extract(ev, &hc))
	if err != nil {
		return Verdict{}, err
	}

	score := Squash(raw)
	v := Verdict{IsAnomaly: outlier || score > d.threshold, Score: score}

	result := "normal"
	if v.IsAnomaly {
		result = "anomaly"
	}
	metrics.AnomalyPredictionsTotal.WithLabelValues(result).Inc()
	d.logger.Debug().
		Str("tenant_id", ev.TenantID).
		Str("host", ev.Host).
		Float64("raw_score", raw).
		Float64("score", score).
		Bool("outlier", outlier).
		Msg("Event scored")
	return v, nil
}

// Squash maps a raw forest score (lower is more anomalous) into [0, 1],
// higher is more anomalous.
func Squash(raw float64) float64 {
	return 1 / (1 + math.Exp(raw))
}

// Retrain rebuilds one tenant's model. Too little history is logged, not
// returned.
func (d *Detector) Retrain(ctx context.Context, tenantID string) (bool, error) {
	if d.capability != model.Available {
		return false, nil
	}
	_, err := d.registry.Retrain(ctx, tenantID)
	if engerrors.IsKind(err, engerrors.KindInsufficientData) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RetrainAll retrains every tenant that has logs, up to workers at a time.
// Per-tenant failures are logged and do not stop the sweep; the count of
// trained tenants is returned.
func (d *Detector) RetrainAll(ctx context.Context, workers int) (int, error) {
	if d.capability != model.Available {
		d.logger.Info().Msg("Skipping model retraining, numeric modeling unavailable")
		return 0, nil
	}
	tenants, err := d.tenants.Tenants(ctx, storage.CollectionLogs)
	if err != nil {
		return 0, engerrors.NewStorageError("detector", "list tenants", err)
	}
	if workers <= 0 {
		workers = 1
	}

	pool := pond.New(workers, len(tenants))

	var mu sync.Mutex
	trained := 0
	for _, tenantID := range tenants {
		tenantID := tenantID
		pool.Submit(func() {
			ok, err := d.Retrain(ctx, tenantID)
			if err != nil {
				d.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Failed to retrain tenant model")
				return
			}
			if ok {
				mu.Lock()
				trained++
				mu.Unlock()
			}
		})
	}
	pool.StopAndWait()

	d.logger.Info().Int("tenants", len(tenants)).Int("trained", trained).Msg("Model retraining sweep complete")
	return trained, nil
}

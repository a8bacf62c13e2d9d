package model

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	engerrors "github.com/lucid-vigil/healthguard/pkg/errors"
	"github.com/lucid-vigil/healthguard/pkg/events"
	"github.com/lucid-vigil/healthguard/pkg/features"
	"github.com/lucid-vigil/healthguard/pkg/metrics"
	"github.com/lucid-vigil/healthguard/pkg/storage"
)

// ModelType keys tenant models in the blob store.
const ModelType = "anomaly_detection"

// TenantModel is an immutable fitted model. Retraining replaces it.
type TenantModel struct {
	TenantID  string
	Forest    *IsolationForest
	Scaler    *StandardScaler
	TrainedAt time.Time
}

// Score scales x and returns the forest's raw score and outlier verdict.
func (m *TenantModel) Score(x features.Vector) (raw float64, outlier bool, err error) {
	scaled, err := m.Scaler.Transform(x)
	if err != nil {
		return 0, false, err
	}
	raw = m.Forest.Score(scaled)
	return raw, m.Forest.IsOutlier(raw), nil
}

// RegistryConfig tunes training.
type RegistryConfig struct {
	Forest         ForestParams
	MinSamples     int
	TrainingWindow time.Duration
	MaxSamples     int64
	// Now anchors the training window; nil means time.Now.
	Now func() time.Time
}

// Registry owns one model per tenant: it caches models in process, hydrates
// them from the blob store and trains them from recent logs.
type Registry struct {
	store     storage.Backend
	extractor *features.Extractor
	locker    Locker
	cfg       RegistryConfig
	now       func() time.Time
	logger    zerolog.Logger
	errors    *engerrors.ErrorHandler

	models sync.Map // tenant -> *TenantModel
}

// NewRegistry creates a registry. A nil locker uses a LocalLocker.
func NewRegistry(store storage.Backend, extractor *features.Extractor, locker Locker, cfg RegistryConfig, logger zerolog.Logger) *Registry {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 100
	}
	if cfg.TrainingWindow <= 0 {
		cfg.TrainingWindow = 7 * 24 * time.Hour
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = 10000
	}
	if cfg.Forest.NumTrees == 0 {
		cfg.Forest = DefaultForestParams()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	l := logger.With().Str("component", "model_registry").Logger()
	return &Registry{
		store:     store,
		extractor: extractor,
		locker:    locker,
		cfg:       cfg,
		now:       cfg.Now,
		logger:    l,
		errors:    engerrors.NewErrorHandler(l),
	}
}

// Get returns the tenant's model, loading or training it on first use. A nil
// model with a nil error means the tenant has too little history.
func (r *Registry) Get(ctx context.Context, tenantID string) (*TenantModel, error) {
	if m, ok := r.cached(tenantID); ok {
		return m, nil
	}

	unlock, err := r.locker.Lock(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Another caller may have finished while we waited.
	if m, ok := r.cached(tenantID); ok {
		return m, nil
	}

	m, err := r.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if m != nil {
		r.models.Store(tenantID, m)
		return m, nil
	}

	m, err = r.train(ctx, tenantID)
	if engerrors.IsKind(err, engerrors.KindInsufficientData) {
		return nil, nil
	}
	return m, err
}

// Retrain trains a fresh model from recent logs and replaces the cached one.
// It returns a KindInsufficientData error when there is too little history;
// the previous model stays in place in that case.
func (r *Registry) Retrain(ctx context.Context, tenantID string) (*TenantModel, error) {
	unlock, err := r.locker.Lock(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return r.train(ctx, tenantID)
}

// Invalidate drops the cached model so the next Get hydrates from storage.
func (r *Registry) Invalidate(tenantID string) {
	r.models.Delete(tenantID)
}

func (r *Registry) cached(tenantID string) (*TenantModel, bool) {
	v, ok := r.models.Load(tenantID)
	if !ok {
		return nil, false
	}
	return v.(*TenantModel), true
}

// load returns nil when nothing usable is persisted. Malformed blobs are
// logged and treated as absent.
func (r *Registry) load(ctx context.Context, tenantID string) (*TenantModel, error) {
	blobs, ok, err := r.store.LoadModel(ctx, tenantID, ModelType)
	if err != nil {
		return nil, engerrors.NewStorageError("model_registry", "load model", err)
	}
	if !ok {
		return nil, nil
	}

	m, err := decode(tenantID, blobs)
	if err != nil {
		r.errors.HandleError(ctx, engerrors.NewMalformedModelError(tenantID, err))
		return nil, nil
	}

	r.logger.Debug().
		Str("tenant_id", tenantID).
		Time("trained_at", m.TrainedAt).
		Msg("Model hydrated from storage")
	return m, nil
}

func decode(tenantID string, blobs storage.ModelBlobs) (*TenantModel, error) {
	forest, err := UnmarshalForest(blobs.Estimator)
	if err != nil {
		return nil, err
	}
	scaler, err := UnmarshalScaler(blobs.Scaler)
	if err != nil {
		return nil, err
	}
	if forest.Dims() != features.Dimension || scaler.Dims() != features.Dimension {
		return nil, fmt.Errorf("%w: model has %d/%d features, extractor produces %d",
			ErrMalformed, forest.Dims(), scaler.Dims(), features.Dimension)
	}
	return &TenantModel{TenantID: tenantID, Forest: forest, Scaler: scaler, TrainedAt: blobs.TrainedAt}, nil
}

// train must be called with the tenant lock held.
func (r *Registry) train(ctx context.Context, tenantID string) (*TenantModel, error) {
	start := time.Now()

	docs, err := r.store.Find(ctx, tenantID, storage.CollectionLogs,
		storage.Filter{storage.Since("timestamp", r.now().UTC().Add(-r.cfg.TrainingWindow))},
		storage.FindOptions{SortField: "timestamp", SortDesc: true, Limit: r.cfg.MaxSamples})
	if err != nil {
		metrics.ModelTrainingsTotal.WithLabelValues("error").Inc()
		return nil, engerrors.NewStorageError("model_registry", "load training logs", err)
	}
	if len(docs) < r.cfg.MinSamples {
		metrics.ModelTrainingsTotal.WithLabelValues("insufficient_data").Inc()
		insufficient := engerrors.NewInsufficientDataError(tenantID, len(docs), r.cfg.MinSamples)
		r.errors.HandleError(ctx, insufficient)
		return nil, insufficient
	}

	// Training rows carry no history context, matching how they were first seen.
	X := make([][]float64, len(docs))
	for i, doc := range docs {
		ev := events.FromDocument(doc)
		X[i] = r.extractor.Extract(&ev, nil)
	}

	m, err := fit(tenantID, X, r.cfg.Forest, r.now().UTC())
	if err != nil {
		metrics.ModelTrainingsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	estimator, err := m.Forest.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode forest: %w", err)
	}
	scaler, err := m.Scaler.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode scaler: %w", err)
	}
	if err := r.store.SaveModel(ctx, tenantID, ModelType, storage.ModelBlobs{
		Estimator: estimator,
		Scaler:    scaler,
		TrainedAt: m.TrainedAt,
	}); err != nil {
		metrics.ModelTrainingsTotal.WithLabelValues("error").Inc()
		return nil, engerrors.NewStorageError("model_registry", "save model", err)
	}

	r.models.Store(tenantID, m)

	elapsed := time.Since(start)
	metrics.ModelTrainingsTotal.WithLabelValues("trained").Inc()
	metrics.ModelTrainingSeconds.Observe(elapsed.Seconds())
	r.logger.Info().
		Str("tenant_id", tenantID).
		Int("samples", len(X)).
		Float64("offset", m.Forest.Offset()).
		Dur("duration", elapsed).
		Msg("Tenant model trained")
	return m, nil
}

func fit(tenantID string, X [][]float64, params ForestParams, trainedAt time.Time) (*TenantModel, error) {
	scaler, err := FitScaler(X)
	if err != nil {
		return nil, fmt.Errorf("fit scaler: %w", err)
	}
	scaled, err := scaler.TransformAll(X)
	if err != nil {
		return nil, fmt.Errorf("scale training set: %w", err)
	}
	forest, err := FitForest(scaled, params)
	if err != nil {
		return nil, fmt.Errorf("fit forest: %w", err)
	}
	return &TenantModel{TenantID: tenantID, Forest: forest, Scaler: scaler, TrainedAt: trainedAt}, nil
}

// IsMalformed reports whether err came from decoding a model blob.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformed)
}

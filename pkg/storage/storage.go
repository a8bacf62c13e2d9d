// Package storage defines the tenant-scoped document store the engine
// persists logs, alerts, endpoint records and model blobs through.
package storage

import (
	"context"
	"fmt"
	"time"
)

// Collection names a document collection.
type Collection string

const (
	CollectionLogs      Collection = "logs"
	CollectionAlerts    Collection = "alerts"
	CollectionEndpoints Collection = "endpoints"
	CollectionModels    Collection = "ml_models"
	CollectionTelemetry Collection = "telemetry"
)

// TenantField is stamped on every document by the store.
const TenantField = "tenant_id"

// Document is a schema-less record. Nested maps are addressed with dot paths.
type Document map[string]interface{}

// Op is a comparison operator used in a Condition.
type Op string

const (
	OpEq  Op = "eq"
	OpNe  Op = "ne"
	OpGte Op = "gte"
	OpIn  Op = "in"
)

// Condition compares the value at Field against Value.
type Condition struct {
	Field string
	Op    Op
	Value interface{}
}

// Filter is a conjunction of conditions.
type Filter []Condition

func Eq(field string, value interface{}) Condition {
	return Condition{Field: field, Op: OpEq, Value: value}
}

func Ne(field string, value interface{}) Condition {
	return Condition{Field: field, Op: OpNe, Value: value}
}

func Since(field string, t time.Time) Condition {
	return Condition{Field: field, Op: OpGte, Value: t}
}

func In(field string, values ...interface{}) Condition {
	return Condition{Field: field, Op: OpIn, Value: values}
}

// FindOptions controls ordering and paging of Find.
type FindOptions struct {
	SortField string
	SortDesc  bool
	Skip      int64
	Limit     int64
}

// Mutation describes an update: Set overwrites fields, Push appends to arrays.
type Mutation struct {
	Set  Document
	Push Document
}

// Store is the tenant-scoped document store. Every operation is confined to
// one tenant; implementations must never return another tenant's documents.
type Store interface {
	Insert(ctx context.Context, tenantID string, coll Collection, doc Document) error
	// Upsert sets fields on the first document matching filter, creating it
	// (with the filter's equality fields) if none matches.
	Upsert(ctx context.Context, tenantID string, coll Collection, filter Filter, set Document) error
	// Update applies m to the first document matching filter and reports
	// whether one matched.
	Update(ctx context.Context, tenantID string, coll Collection, filter Filter, m Mutation) (bool, error)
	Count(ctx context.Context, tenantID string, coll Collection, filter Filter) (int64, error)
	Find(ctx context.Context, tenantID string, coll Collection, filter Filter, opts FindOptions) ([]Document, error)
	Distinct(ctx context.Context, tenantID string, coll Collection, field string, filter Filter) ([]interface{}, error)
	// Tenants lists tenants holding at least one document in coll.
	Tenants(ctx context.Context, coll Collection) ([]string, error)
}

// ModelBlobs is the persisted form of a tenant model.
type ModelBlobs struct {
	Estimator []byte
	Scaler    []byte
	TrainedAt time.Time
}

// BlobStore persists opaque model blobs keyed by tenant and model type.
type BlobStore interface {
	SaveModel(ctx context.Context, tenantID, modelType string, blobs ModelBlobs) error
	// LoadModel returns ok=false when no model has been saved.
	LoadModel(ctx context.Context, tenantID, modelType string) (ModelBlobs, bool, error)
}

// Backend is a store that also persists model blobs.
type Backend interface {
	Store
	BlobStore
}

// ErrEmptyTenant is returned when an operation is attempted without a tenant.
var ErrEmptyTenant = fmt.Errorf("tenant id is required")

// Lookup resolves a dot path inside a document.
func Lookup(doc Document, path string) (interface{}, bool) {
	var current interface{} = map[string]interface{}(doc)
	start := 0
	for i := 0; i <= len(path); i++ {
		if i < len(path) && path[i] != '.' {
			continue
		}
		key := path[start:i]
		start = i + 1

		var m map[string]interface{}
		switch v := current.(type) {
		case map[string]interface{}:
			m = v
		case Document:
			m = v
		default:
			return nil, false
		}
		next, ok := m[key]
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

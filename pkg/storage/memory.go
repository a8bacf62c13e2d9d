package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Backend. It is the default store for tests and
// single-node deployments without MongoDB.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[string]map[Collection][]Document
	models map[string]ModelBlobs
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:   make(map[string]map[Collection][]Document),
		models: make(map[string]ModelBlobs),
	}
}

func (ms *MemoryStore) Insert(ctx context.Context, tenantID string, coll Collection, doc Document) error {
	if tenantID == "" {
		return ErrEmptyTenant
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.insertLocked(tenantID, coll, doc)
	return nil
}

// Upsert holds the write lock across match and insert so concurrent upserts
// of the same key create one document.
func (ms *MemoryStore) Upsert(ctx context.Context, tenantID string, coll Collection, filter Filter, set Document) error {
	if tenantID == "" {
		return ErrEmptyTenant
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.updateLocked(tenantID, coll, filter, Mutation{Set: set}) {
		return nil
	}
	doc := make(Document, len(set)+len(filter))
	for _, cond := range filter {
		if cond.Op == OpEq {
			doc[cond.Field] = cond.Value
		}
	}
	for k, v := range set {
		doc[k] = v
	}
	ms.insertLocked(tenantID, coll, doc)
	return nil
}

func (ms *MemoryStore) Update(ctx context.Context, tenantID string, coll Collection, filter Filter, m Mutation) (bool, error) {
	if tenantID == "" {
		return false, ErrEmptyTenant
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.updateLocked(tenantID, coll, filter, m), nil
}

func (ms *MemoryStore) insertLocked(tenantID string, coll Collection, doc Document) {
	stored := copyDocument(doc)
	stored[TenantField] = tenantID

	colls, ok := ms.docs[tenantID]
	if !ok {
		colls = make(map[Collection][]Document)
		ms.docs[tenantID] = colls
	}
	colls[coll] = append(colls[coll], stored)
}

func (ms *MemoryStore) updateLocked(tenantID string, coll Collection, filter Filter, m Mutation) bool {
	for _, doc := range ms.docs[tenantID][coll] {
		if !matches(doc, filter) {
			continue
		}
		for k, v := range m.Set {
			doc[k] = copyValue(v)
		}
		for k, v := range m.Push {
			existing, _ := doc[k].([]interface{})
			if strs, ok := doc[k].([]string); ok {
				for _, s := range strs {
					existing = append(existing, s)
				}
			}
			doc[k] = append(existing, copyValue(v))
		}
		return true
	}
	return false
}

func (ms *MemoryStore) Count(ctx context.Context, tenantID string, coll Collection, filter Filter) (int64, error) {
	if tenantID == "" {
		return 0, ErrEmptyTenant
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var n int64
	for _, doc := range ms.docs[tenantID][coll] {
		if matches(doc, filter) {
			n++
		}
	}
	return n, nil
}

func (ms *MemoryStore) Find(ctx context.Context, tenantID string, coll Collection, filter Filter, opts FindOptions) ([]Document, error) {
	if tenantID == "" {
		return nil, ErrEmptyTenant
	}
	ms.mu.RLock()
	var found []Document
	for _, doc := range ms.docs[tenantID][coll] {
		if matches(doc, filter) {
			found = append(found, copyDocument(doc))
		}
	}
	ms.mu.RUnlock()

	if opts.SortField != "" {
		sort.SliceStable(found, func(i, j int) bool {
			a, _ := Lookup(found[i], opts.SortField)
			b, _ := Lookup(found[j], opts.SortField)
			if opts.SortDesc {
				return compare(a, b) > 0
			}
			return compare(a, b) < 0
		})
	}

	if opts.Skip > 0 {
		if opts.Skip >= int64(len(found)) {
			return []Document{}, nil
		}
		found = found[opts.Skip:]
	}
	if opts.Limit > 0 && int64(len(found)) > opts.Limit {
		found = found[:opts.Limit]
	}
	return found, nil
}

func (ms *MemoryStore) Distinct(ctx context.Context, tenantID string, coll Collection, field string, filter Filter) ([]interface{}, error) {
	if tenantID == "" {
		return nil, ErrEmptyTenant
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	seen := make(map[string]bool)
	var values []interface{}
	for _, doc := range ms.docs[tenantID][coll] {
		if !matches(doc, filter) {
			continue
		}
		v, ok := Lookup(doc, field)
		if !ok {
			continue
		}
		key := fmt.Sprintf("%T:%v", v, v)
		if seen[key] {
			continue
		}
		seen[key] = true
		values = append(values, v)
	}
	return values, nil
}

func (ms *MemoryStore) Tenants(ctx context.Context, coll Collection) ([]string, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var tenants []string
	for tenantID, colls := range ms.docs {
		if len(colls[coll]) > 0 {
			tenants = append(tenants, tenantID)
		}
	}
	sort.Strings(tenants)
	return tenants, nil
}

func (ms *MemoryStore) SaveModel(ctx context.Context, tenantID, modelType string, blobs ModelBlobs) error {
	if tenantID == "" {
		return ErrEmptyTenant
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.models[tenantID+"/"+modelType] = ModelBlobs{
		Estimator: append([]byte(nil), blobs.Estimator...),
		Scaler:    append([]byte(nil), blobs.Scaler...),
		TrainedAt: blobs.TrainedAt,
	}
	return nil
}

func (ms *MemoryStore) LoadModel(ctx context.Context, tenantID, modelType string) (ModelBlobs, bool, error) {
	if tenantID == "" {
		return ModelBlobs{}, false, ErrEmptyTenant
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	blobs, ok := ms.models[tenantID+"/"+modelType]
	return blobs, ok, nil
}

func matches(doc Document, filter Filter) bool {
	for _, cond := range filter {
		v, ok := Lookup(doc, cond.Field)
		switch cond.Op {
		case OpEq:
			if !ok || !equal(v, cond.Value) {
				return false
			}
		case OpNe:
			if ok && equal(v, cond.Value) {
				return false
			}
		case OpGte:
			if !ok || compare(v, cond.Value) < 0 {
				return false
			}
		case OpIn:
			candidates, _ := cond.Value.([]interface{})
			found := false
			for _, c := range candidates {
				if ok && equal(v, c) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func equal(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

// compare orders two values of the same family; mismatched or missing values
// sort first.
func compare(a, b interface{}) int {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
		return 1
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Compare(tb)
		}
		return 1
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			switch {
			case sa < sb:
				return -1
			case sa > sb:
				return 1
			}
			return 0
		}
		return 1
	}
	if b == nil && a == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	return 1
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func copyDocument(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return map[string]interface{}(copyDocument(Document(val)))
	case Document:
		return copyDocument(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	}
	return v
}

package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedLogs(t *testing.T, store *MemoryStore, tenantID string, base time.Time) {
	t.Helper()
	logs := []Document{
		{"log_id": "log_1", "host": "web-1", "user": "alice", "timestamp": base, "details": map[string]interface{}{"success": false}},
		{"log_id": "log_2", "host": "web-2", "user": "alice", "timestamp": base.Add(time.Minute)},
		{"log_id": "log_3", "host": "web-1", "user": "bob", "timestamp": base.Add(2 * time.Minute)},
	}
	for _, doc := range logs {
		require.NoError(t, store.Insert(context.Background(), tenantID, CollectionLogs, doc))
	}
}

func TestMemoryStore_TenantIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

	seedLogs(t, store, "tenant-a", base)
	require.NoError(t, store.Insert(ctx, "tenant-b", CollectionLogs, Document{"host": "db-1", "tenant_id": "tenant-a"}))

	n, err := store.Count(ctx, "tenant-a", CollectionLogs, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	docs, err := store.Find(ctx, "tenant-b", CollectionLogs, nil, FindOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "tenant-b", docs[0][TenantField], "store must overwrite a caller-supplied tenant id")

	tenants, err := store.Tenants(ctx, CollectionLogs)
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant-a", "tenant-b"}, tenants)

	_, err = store.Count(ctx, "", CollectionLogs, nil)
	assert.ErrorIs(t, err, ErrEmptyTenant)
}

func TestMemoryStore_FindFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	seedLogs(t, store, "tenant-a", base)

	tests := []struct {
		name   string
		filter Filter
		opts   FindOptions
		want   []string
	}{
		{"eq", Filter{Eq("host", "web-1")}, FindOptions{SortField: "timestamp"}, []string{"log_1", "log_3"}},
		{"ne", Filter{Ne("user", "alice")}, FindOptions{}, []string{"log_3"}},
		{"since", Filter{Since("timestamp", base.Add(time.Minute))}, FindOptions{SortField: "timestamp"}, []string{"log_2", "log_3"}},
		{"in", Filter{In("host", "web-2", "db-9")}, FindOptions{}, []string{"log_2"}},
		{"nested", Filter{Eq("details.success", false)}, FindOptions{}, []string{"log_1"}},
		{"sort desc with limit", nil, FindOptions{SortField: "timestamp", SortDesc: true, Limit: 2}, []string{"log_3", "log_2"}},
		{"skip", nil, FindOptions{SortField: "timestamp", Skip: 2}, []string{"log_3"}},
		{"skip past end", nil, FindOptions{Skip: 10}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := store.Find(ctx, "tenant-a", CollectionLogs, tt.filter, tt.opts)
			require.NoError(t, err)
			ids := make([]string, 0, len(docs))
			for _, d := range docs {
				ids = append(ids, d["log_id"].(string))
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestMemoryStore_FindReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedLogs(t, store, "tenant-a", time.Now().UTC())

	docs, err := store.Find(ctx, "tenant-a", CollectionLogs, Filter{Eq("log_id", "log_1")}, FindOptions{})
	require.NoError(t, err)
	docs[0]["details"].(map[string]interface{})["success"] = true

	n, err := store.Count(ctx, "tenant-a", CollectionLogs, Filter{Eq("details.success", false)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryStore_Distinct(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedLogs(t, store, "tenant-a", time.Now().UTC())

	hosts, err := store.Distinct(ctx, "tenant-a", CollectionLogs, "host", Filter{Eq("user", "alice")})
	require.NoError(t, err)
	assert.ElementsMatch(t, []interface{}{"web-1", "web-2"}, hosts)
}

func TestMemoryStore_UpsertAndUpdate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	filter := Filter{Eq("host", "web-1")}

	require.NoError(t, store.Upsert(ctx, "tenant-a", CollectionEndpoints, filter, Document{"os_type": "linux"}))
	require.NoError(t, store.Upsert(ctx, "tenant-a", CollectionEndpoints, filter, Document{"risk_score": 40.0}))

	docs, err := store.Find(ctx, "tenant-a", CollectionEndpoints, nil, FindOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "web-1", docs[0]["host"])
	assert.Equal(t, "linux", docs[0]["os_type"])
	assert.Equal(t, 40.0, docs[0]["risk_score"])

	require.NoError(t, store.Insert(ctx, "tenant-a", CollectionAlerts, Document{"alert_id": "alert_1", "comments": []string{"first"}}))
	matched, err := store.Update(ctx, "tenant-a", CollectionAlerts, Filter{Eq("alert_id", "alert_1")},
		Mutation{Set: Document{"status": "resolved"}, Push: Document{"comments": "second"}})
	require.NoError(t, err)
	assert.True(t, matched)

	alerts, err := store.Find(ctx, "tenant-a", CollectionAlerts, nil, FindOptions{})
	require.NoError(t, err)
	assert.Equal(t, "resolved", alerts[0]["status"])
	assert.Equal(t, []interface{}{"first", "second"}, alerts[0]["comments"])

	matched, err = store.Update(ctx, "tenant-b", CollectionAlerts, Filter{Eq("alert_id", "alert_1")},
		Mutation{Set: Document{"status": "resolved"}})
	require.NoError(t, err)
	assert.False(t, matched, "other tenants cannot mutate the alert")
}

func TestMemoryStore_Models(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, ok, err := store.LoadModel(ctx, "tenant-a", "isolation_forest")
	require.NoError(t, err)
	assert.False(t, ok)

	trained := time.Now().UTC()
	require.NoError(t, store.SaveModel(ctx, "tenant-a", "isolation_forest", ModelBlobs{Estimator: []byte{1}, Scaler: []byte{2}, TrainedAt: trained}))
	require.NoError(t, store.SaveModel(ctx, "tenant-a", "isolation_forest", ModelBlobs{Estimator: []byte{3}, Scaler: []byte{4}, TrainedAt: trained}))

	blobs, ok, err := store.LoadModel(ctx, "tenant-a", "isolation_forest")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{3}, blobs.Estimator)
	assert.Equal(t, []byte{4}, blobs.Scaler)

	_, ok, err = store.LoadModel(ctx, "tenant-b", "isolation_forest")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLookup(t *testing.T) {
	doc := Document{"details": map[string]interface{}{"nested": map[string]interface{}{"v": 1}}}

	v, ok := Lookup(doc, "details.nested.v")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = Lookup(doc, "details.missing")
	assert.False(t, ok)

	_, ok = Lookup(doc, "details.nested.v.deeper")
	assert.False(t, ok)
}

func TestMemoryStore_ConcurrentUpsert(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, store.Upsert(ctx, "org_001", CollectionEndpoints,
				Filter{Eq("host", "h1")}, Document{"n": i}))
		}(i)
	}
	wg.Wait()

	n, err := store.Count(ctx, "org_001", CollectionEndpoints, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

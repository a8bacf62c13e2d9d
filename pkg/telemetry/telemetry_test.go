package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucid-vigil/healthguard/pkg/alerts"
	engerrors "github.com/lucid-vigil/healthguard/pkg/errors"
	"github.com/lucid-vigil/healthguard/pkg/storage"
	"github.com/lucid-vigil/healthguard/pkg/testutil"
)

var now = time.Date(2024, 3, 8, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func payload() *Payload {
	return &Payload{
		AgentID:     "WORKSTATION-01-20240308",
		Hostname:    "WORKSTATION-01",
		TenantID:    "org_from_body",
		CollectedAt: "2024-03-08 11:59:00",
		SystemInfo: SystemInfo{
			Hostname:       "WORKSTATION-01",
			OSName:         "Microsoft Windows 10 Pro",
			OSVersion:      "10.0.19045",
			OSArchitecture: "64-bit",
			Manufacturer:   "Dell Inc.",
			Model:          "OptiPlex 7090",
			CPUCores:       8,
			TotalMemoryGB:  16,
			Domain:         "hospital.local",
			AgentVersion:   "2.0",
		},
		Metrics: Metrics{TotalProcesses: 20},
	}
}

func failedLogons(n int) []SecurityEvent {
	out := make([]SecurityEvent, n)
	for i := range out {
		out[i] = SecurityEvent{EventID: 4625, Level: "Information", Message: "An account failed to log on.", Source: "Security", User: "jdoe"}
	}
	return out
}

func busyProcesses(n int, cpu float64) []ProcessInfo {
	out := make([]ProcessInfo, n)
	for i := range out {
		out[i] = ProcessInfo{Name: "miner.exe", PID: 4000 + i, CPU: cpu, MemoryMB: 120, Threads: 8}
	}
	return out
}

func newTestService(store storage.Store, dispatcher Dispatcher) *Service {
	return NewService(store, alerts.NewService(store, clock, zerolog.Nop()), dispatcher, Config{}, clock, zerolog.Nop())
}

func storedAlerts(t *testing.T, store storage.Store, tenantID string) []*alerts.Alert {
	t.Helper()
	docs, err := store.Find(context.Background(), tenantID, storage.CollectionAlerts, nil, storage.FindOptions{SortField: "rule_name"})
	require.NoError(t, err)
	out := make([]*alerts.Alert, len(docs))
	for i, doc := range docs {
		out[i] = alerts.FromDocument(doc)
	}
	return out
}

func TestIngest_StoresSnapshotAndEndpoint(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := newTestService(store, nil)

	result, err := svc.Ingest(context.Background(), "org_001", "", payload())
	require.NoError(t, err)
	assert.Regexp(t, `^tel_[0-9a-f]{24}$`, result.TelemetryID)
	assert.True(t, result.EndpointUpdated)
	assert.Equal(t, 0, result.AlertsCreated)
	assert.Empty(t, result.AlertIDs)

	docs, err := store.Find(context.Background(), "org_001", storage.CollectionTelemetry, nil, storage.FindOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, result.TelemetryID, docs[0]["telemetry_id"])
	assert.Equal(t, "2.0", docs[0]["agent_version"])
	assert.Equal(t, now, docs[0]["ingested_at"])
	osName, ok := storage.Lookup(docs[0], "system_info.os_name")
	require.True(t, ok)
	assert.Equal(t, "Microsoft Windows 10 Pro", osName)

	// The header tenant wins over the body.
	none, err := store.Count(context.Background(), "org_from_body", storage.CollectionTelemetry, nil)
	require.NoError(t, err)
	assert.Zero(t, none)

	endpoints, err := store.Find(context.Background(), "org_001", storage.CollectionEndpoints,
		storage.Filter{storage.Eq("host", "WORKSTATION-01")}, storage.FindOptions{})
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	ep := endpoints[0]
	assert.Equal(t, now, ep["last_seen"])
	assert.Equal(t, "online", ep["status"])
	assert.Equal(t, "10.0.19045", ep["os_version"])
	assert.Equal(t, 8, ep["cpu_cores"])
	assert.NotContains(t, ep, "risk_score")
}

func TestIngest_AgentVersionHeaderOverridesPayload(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := newTestService(store, nil)

	_, err := svc.Ingest(context.Background(), "org_001", "2.1-hotfix", payload())
	require.NoError(t, err)

	endpoints, err := store.Find(context.Background(), "org_001", storage.CollectionEndpoints, nil, storage.FindOptions{})
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	assert.Equal(t, "2.1-hotfix", endpoints[0]["agent_version"])
}

func TestIngest_KeepsKnownFieldsOnSparseSnapshot(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := newTestService(store, nil)

	_, err := svc.Ingest(context.Background(), "org_001", "", payload())
	require.NoError(t, err)

	sparse := payload()
	sparse.SystemInfo = SystemInfo{}
	_, err = svc.Ingest(context.Background(), "org_001", "", sparse)
	require.NoError(t, err)

	endpoints, err := store.Find(context.Background(), "org_001", storage.CollectionEndpoints, nil, storage.FindOptions{})
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	assert.Equal(t, "Microsoft Windows 10 Pro", endpoints[0]["os_name"])
	assert.Equal(t, 16.0, endpoints[0]["total_memory_gb"])
}

func TestIngest_Rules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Payload)
		rules  []string
	}{
		{"quiet snapshot", func(p *Payload) {}, nil},
		{"four failed logons", func(p *Payload) { p.SecurityEvents = failedLogons(4) }, nil},
		{"five failed logons", func(p *Payload) { p.SecurityEvents = failedLogons(5) }, []string{MultipleFailedLogons}},
		{"other event ids do not count", func(p *Payload) {
			p.SecurityEvents = failedLogons(5)
			p.SecurityEvents[0].EventID = 4624
		}, nil},
		{"two busy processes", func(p *Payload) { p.ProcessInfo = busyProcesses(2, 95) }, nil},
		{"cpu at threshold is not busy", func(p *Payload) { p.ProcessInfo = busyProcesses(3, 80) }, nil},
		{"three busy processes", func(p *Payload) { p.ProcessInfo = busyProcesses(3, 80.5) }, []string{HighCPUUsage}},
		{"both rules", func(p *Payload) {
			p.SecurityEvents = failedLogons(6)
			p.ProcessInfo = busyProcesses(4, 99)
		}, []string{HighCPUUsage, MultipleFailedLogons}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryStore()
			dispatcher := testutil.NewRecordingDispatcher()
			svc := newTestService(store, dispatcher)

			p := payload()
			tt.mutate(p)
			result, err := svc.Ingest(context.Background(), "org_001", "", p)
			require.NoError(t, err)
			assert.Equal(t, len(tt.rules), result.AlertsCreated)
			assert.Len(t, result.AlertIDs, len(tt.rules))
			assert.Len(t, dispatcher.Alerts(), len(tt.rules))

			stored := storedAlerts(t, store, "org_001")
			require.Len(t, stored, len(tt.rules))
			for i, a := range stored {
				assert.Equal(t, tt.rules[i], a.RuleName)
				assert.Equal(t, alerts.TriggeredByRule, a.TriggeredBy)
				assert.Equal(t, alerts.StatusOpen, a.Status)
				assert.Equal(t, "WORKSTATION-01", a.Host)
				assert.Equal(t, []string{result.TelemetryID}, a.RelatedTelemetryIDs)
				assert.Empty(t, a.RelatedLogIDs)
				assert.Equal(t, now, a.CreatedAt)
			}
		})
	}
}

func TestIngest_AlertContent(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := newTestService(store, nil)

	p := payload()
	p.SecurityEvents = failedLogons(7)
	p.ProcessInfo = append(busyProcesses(3, 90), ProcessInfo{Name: "idle.exe", CPU: 1})
	_, err := svc.Ingest(context.Background(), "org_001", "", p)
	require.NoError(t, err)

	stored := storedAlerts(t, store, "org_001")
	require.Len(t, stored, 2)

	cpu, logons := stored[0], stored[1]
	assert.Equal(t, "High CPU Usage Detected", cpu.Title)
	assert.Equal(t, "Endpoint WORKSTATION-01 has 3 processes with high CPU usage", cpu.Description)
	assert.Equal(t, alerts.SeverityMedium, cpu.Severity)
	assert.Equal(t, "performance", cpu.EventType)

	assert.Equal(t, "Multiple Failed Logon Attempts Detected", logons.Title)
	assert.Equal(t, "Endpoint WORKSTATION-01 had 7 failed logon attempts", logons.Description)
	assert.Equal(t, alerts.SeverityHigh, logons.Severity)
	assert.Equal(t, "authentication", logons.EventType)
}

func TestIngest_CustomThresholds(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := NewService(store, alerts.NewService(store, clock, zerolog.Nop()), nil,
		Config{FailedLogonThreshold: 2, HighCPUPercent: 50, HighCPUProcessThreshold: 1}, clock, zerolog.Nop())

	p := payload()
	p.SecurityEvents = failedLogons(2)
	p.ProcessInfo = busyProcesses(1, 60)
	result, err := svc.Ingest(context.Background(), "org_001", "", p)
	require.NoError(t, err)
	assert.Equal(t, 2, result.AlertsCreated)
}

func TestIngest_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		tenant string
		mutate func(*Payload)
	}{
		{"missing tenant", " ", func(p *Payload) {}},
		{"missing hostname", "org_001", func(p *Payload) { p.Hostname = "" }},
		{"missing agent", "org_001", func(p *Payload) { p.AgentID = "\t" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryStore()
			svc := newTestService(store, nil)

			p := payload()
			tt.mutate(p)
			_, err := svc.Ingest(context.Background(), tt.tenant, "", p)
			require.Error(t, err)
			assert.True(t, engerrors.IsKind(err, engerrors.KindValidation))

			tenants, err := store.Tenants(context.Background(), storage.CollectionTelemetry)
			require.NoError(t, err)
			assert.Empty(t, tenants)
		})
	}

	_, err := newTestService(storage.NewMemoryStore(), nil).Ingest(context.Background(), "org_001", "", nil)
	assert.True(t, engerrors.IsKind(err, engerrors.KindValidation))
}

// brokenStore fails every write to one collection.
type brokenStore struct {
	*storage.MemoryStore
	coll storage.Collection
}

func (s brokenStore) Insert(ctx context.Context, tenantID string, coll storage.Collection, doc storage.Document) error {
	if coll == s.coll {
		return errors.New("connection reset")
	}
	return s.MemoryStore.Insert(ctx, tenantID, coll, doc)
}

func (s brokenStore) Upsert(ctx context.Context, tenantID string, coll storage.Collection, filter storage.Filter, set storage.Document) error {
	if coll == s.coll {
		return errors.New("connection reset")
	}
	return s.MemoryStore.Upsert(ctx, tenantID, coll, filter, set)
}

func TestIngest_StorageErrors(t *testing.T) {
	for _, coll := range []storage.Collection{storage.CollectionTelemetry, storage.CollectionEndpoints, storage.CollectionAlerts} {
		t.Run(string(coll), func(t *testing.T) {
			store := brokenStore{MemoryStore: storage.NewMemoryStore(), coll: coll}
			dispatcher := testutil.NewRecordingDispatcher()
			svc := newTestService(store, dispatcher)

			p := payload()
			p.SecurityEvents = failedLogons(5)
			_, err := svc.Ingest(context.Background(), "org_001", "", p)
			require.Error(t, err)
			assert.True(t, engerrors.IsKind(err, engerrors.KindStorage))
			assert.Empty(t, dispatcher.Alerts())
		})
	}
}

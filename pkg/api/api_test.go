package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucid-vigil/healthguard/pkg/alerts"
	"github.com/lucid-vigil/healthguard/pkg/detector"
	"github.com/lucid-vigil/healthguard/pkg/engine"
	engerrors "github.com/lucid-vigil/healthguard/pkg/errors"
	"github.com/lucid-vigil/healthguard/pkg/events"
	"github.com/lucid-vigil/healthguard/pkg/features"
	"github.com/lucid-vigil/healthguard/pkg/model"
	"github.com/lucid-vigil/healthguard/pkg/risk"
	"github.com/lucid-vigil/healthguard/pkg/rules"
	"github.com/lucid-vigil/healthguard/pkg/storage"
	"github.com/lucid-vigil/healthguard/pkg/telemetry"
)

// Friday noon, outside off-hours.
var now = time.Date(2024, 3, 8, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func newTestRouter(store storage.Backend) http.Handler {
	history := features.NewStoreHistory(store, clock)
	det := detector.New(model.Unavailable, nil, history, features.NewExtractor(1000, 10000), store, 0.7, zerolog.Nop())
	ruleEngine := rules.NewEngine(history, rules.DefaultConfig(), clock, zerolog.Nop())
	eng := engine.New(store, events.NewEventValidator(64*1024, 0, 0), ruleEngine, det, nil, engine.DefaultConfig(), clock, zerolog.Nop())
	riskSvc := risk.NewService(store, time.Hour, 2, clock, zerolog.Nop())
	alertSvc := alerts.NewService(store, clock, zerolog.Nop())
	telemetrySvc := telemetry.NewService(store, alertSvc, nil, telemetry.DefaultConfig(), clock, zerolog.Nop())
	return NewHandler(eng, telemetrySvc, riskSvc, alertSvc, det, zerolog.Nop()).Router()
}

func do(t *testing.T, h http.Handler, method, path, tenant string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func suspiciousEvent() map[string]interface{} {
	return map[string]interface{}{
		"host":       "WKS-001",
		"user":       "alice",
		"timestamp":  now.Add(-time.Minute).Format(time.RFC3339),
		"event_type": "process",
		"source":     "EDR",
		"details":    map[string]interface{}{"process_name": "mimikatz.exe", "ip_address": "10.0.0.7"},
	}
}

func TestHealthz(t *testing.T) {
	h := newTestRouter(storage.NewMemoryStore())
	rec := do(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetrics(t *testing.T) {
	h := newTestRouter(storage.NewMemoryStore())
	do(t, h, http.MethodPost, "/api/ingest/logs", "org_001", suspiciousEvent())

	rec := do(t, h, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthguard_events_ingested_total")
}

func TestTenantHeaderRequired(t *testing.T) {
	h := newTestRouter(storage.NewMemoryStore())
	rec := do(t, h, http.MethodGet, "/api/alerts", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var apiErr APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, ErrCodeInvalidRequest, apiErr.Code)
}

func TestIngestAndReadBack(t *testing.T) {
	store := storage.NewMemoryStore()
	h := newTestRouter(store)

	rec := do(t, h, http.MethodPost, "/api/ingest/logs", "org_001", suspiciousEvent())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var result engine.IngestResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.NotEmpty(t, result.LogID)
	assert.True(t, result.AlertCreated)
	assert.Nil(t, result.AnomalyScore)

	rec = do(t, h, http.MethodGet, "/api/alerts/"+result.AlertID, "org_001", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var alert alerts.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alert))
	assert.Equal(t, rules.SuspiciousProcess, alert.RuleName)
	assert.Equal(t, []string{result.LogID}, alert.RelatedLogIDs)

	// Other tenants cannot see it.
	rec = do(t, h, http.MethodGet, "/api/alerts/"+result.AlertID, "org_002", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/endpoints/WKS-001", "org_001", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var record risk.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.Equal(t, "10.0.0.7", record.IPAddress)
	assert.Greater(t, record.RiskScore, 0.0)

	rec = do(t, h, http.MethodGet, "/api/endpoints", "org_001", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Endpoints []risk.Record `json:"endpoints"`
		Total     int           `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, "WKS-001", list.Endpoints[0].Host)
}

func TestIngest_Invalid(t *testing.T) {
	h := newTestRouter(storage.NewMemoryStore())

	rec := do(t, h, http.MethodPost, "/api/ingest/logs", "org_001", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ev := suspiciousEvent()
	delete(ev, "host")
	rec = do(t, h, http.MethodPost, "/api/ingest/logs", "org_001", ev)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "host is required")
}

func TestListAndUpdateAlerts(t *testing.T) {
	h := newTestRouter(storage.NewMemoryStore())
	var ids []string
	for i := 0; i < 3; i++ {
		rec := do(t, h, http.MethodPost, "/api/ingest/logs", "org_001", suspiciousEvent())
		require.Equal(t, http.StatusCreated, rec.Code)
		var result engine.IngestResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		ids = append(ids, result.AlertID)
	}

	rec := do(t, h, http.MethodGet, "/api/alerts?page=2&page_size=2&severity=critical", "org_001", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page alerts.Page
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, int64(3), page.Total)
	assert.Equal(t, 2, page.TotalPages)
	assert.Len(t, page.Alerts, 1)

	rec = do(t, h, http.MethodPatch, "/api/alerts/"+ids[0], "org_001",
		map[string]interface{}{"status": "resolved", "comment": "false positive"})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated alerts.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, alerts.StatusResolved, updated.Status)
	assert.Equal(t, []string{"[2024-03-08T12:00:00.000000] false positive"}, updated.Comments)

	rec = do(t, h, http.MethodGet, "/api/alerts?status=resolved", "org_001", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, int64(1), page.Total)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		code   int
	}{
		{"bad status filter", http.MethodGet, "/api/alerts?status=closed", nil, http.StatusBadRequest},
		{"bad severity filter", http.MethodGet, "/api/alerts?severity=urgent", nil, http.StatusBadRequest},
		{"page zero", http.MethodGet, "/api/alerts?page=0", nil, http.StatusBadRequest},
		{"page size too large", http.MethodGet, "/api/alerts?page_size=101", nil, http.StatusBadRequest},
		{"bad status update", http.MethodPatch, "/api/alerts/" + ids[1], map[string]interface{}{"status": "closed"}, http.StatusBadRequest},
		{"unknown alert", http.MethodPatch, "/api/alerts/alert_missing", map[string]interface{}{"comment": "x"}, http.StatusNotFound},
		{"wrong method", http.MethodDelete, "/api/alerts/" + ids[1], nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, "org_001", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
}

func TestRetrainModel_Unavailable(t *testing.T) {
	h := newTestRouter(storage.NewMemoryStore())
	rec := do(t, h, http.MethodPost, "/api/models/retrain", "org_001", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"trained":false}`, rec.Body.String())
}

func telemetryPayload(failedLogons int) map[string]interface{} {
	securityEvents := make([]map[string]interface{}, failedLogons)
	for i := range securityEvents {
		securityEvents[i] = map[string]interface{}{"event_id": 4625, "message": "An account failed to log on.", "source": "Security", "user": "jdoe"}
	}
	return map[string]interface{}{
		"agent_id":     "WORKSTATION-01-20240308",
		"hostname":     "WORKSTATION-01",
		"tenant_id":    "org_other",
		"collected_at": "2024-03-08 11:59:00",
		"system_info": map[string]interface{}{
			"hostname":      "WORKSTATION-01",
			"os_name":       "Microsoft Windows 10 Pro",
			"cpu_cores":     8,
			"agent_version": "2.0",
		},
		"security_events": securityEvents,
		"process_info":    []interface{}{},
		"metrics":         map[string]interface{}{"total_events": failedLogons, "total_processes": 20},
	}
}

func TestIngestTelemetry(t *testing.T) {
	store := storage.NewMemoryStore()
	h := newTestRouter(store)

	var body bytes.Buffer
	require.NoError(t, json.NewEncoder(&body).Encode(telemetryPayload(5)))
	req := httptest.NewRequest(http.MethodPost, "/api/telemetry/ingest", &body)
	req.Header.Set(TenantHeader, "org_001")
	req.Header.Set(AgentVersionHeader, "2.1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var result telemetry.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.NotEmpty(t, result.TelemetryID)
	assert.True(t, result.EndpointUpdated)
	assert.Equal(t, 1, result.AlertsCreated)
	require.Len(t, result.AlertIDs, 1)

	rec = do(t, h, http.MethodGet, "/api/alerts/"+result.AlertIDs[0], "org_001", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var alert alerts.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alert))
	assert.Equal(t, telemetry.MultipleFailedLogons, alert.RuleName)
	assert.Equal(t, alerts.SeverityHigh, alert.Severity)
	assert.Equal(t, []string{result.TelemetryID}, alert.RelatedTelemetryIDs)

	// The telemetry alert feeds the endpoint's risk.
	rec = do(t, h, http.MethodGet, "/api/endpoints/WORKSTATION-01", "org_001", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var record risk.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.Equal(t, 5.0, record.RiskScore)
	assert.Equal(t, now, record.LastSeen)

	endpoints, err := store.Find(context.Background(), "org_001", storage.CollectionEndpoints, nil, storage.FindOptions{})
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	assert.Equal(t, "2.1", endpoints[0]["agent_version"])

	rec = do(t, h, http.MethodGet, "/api/alerts", "org_other", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page alerts.Page
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Zero(t, page.Total)
}

func TestIngestTelemetry_Invalid(t *testing.T) {
	h := newTestRouter(storage.NewMemoryStore())

	rec := do(t, h, http.MethodPost, "/api/telemetry/ingest", "org_001", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	missingHost := telemetryPayload(0)
	delete(missingHost, "hostname")
	rec = do(t, h, http.MethodPost, "/api/telemetry/ingest", "org_001", missingHost)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var apiErr APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, ErrCodeInvalidRequest, apiErr.Code)
}

type failingRisk struct{}

func (failingRisk) RiskFor(context.Context, string, string) (risk.Record, error) {
	return risk.Record{}, engerrors.NewStorageError("risk_service", "count alerts", errors.New("connection refused"))
}

func (failingRisk) RiskForAll(context.Context, string) ([]risk.Record, error) {
	return nil, engerrors.NewStorageError("risk_service", "distinct hosts", errors.New("connection refused"))
}

func TestStorageErrorsAreInternal(t *testing.T) {
	h := NewHandler(nil, nil, failingRisk{}, nil, nil, zerolog.Nop()).Router()

	rec := do(t, h, http.MethodGet, "/api/endpoints", "org_001", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")

	rec = do(t, h, http.MethodGet, "/api/endpoints/h1", "org_001", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStartAPIServer_Shutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- StartAPIServer(ctx, "0", http.NotFoundHandler()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

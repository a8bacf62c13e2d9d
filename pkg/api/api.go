package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lucid-vigil/healthguard/pkg/alerts"
	"github.com/lucid-vigil/healthguard/pkg/engine"
	engerrors "github.com/lucid-vigil/healthguard/pkg/errors"
	"github.com/lucid-vigil/healthguard/pkg/events"
	"github.com/lucid-vigil/healthguard/pkg/risk"
	"github.com/lucid-vigil/healthguard/pkg/telemetry"
)

// TenantHeader carries the caller's tenant on every /api request.
const TenantHeader = "X-Tenant-ID"

// AgentVersionHeader optionally carries the reporting agent's version on
// telemetry requests.
const AgentVersionHeader = "X-Agent-Version"

// maxBodyBytes bounds request bodies before validation.
const maxBodyBytes = 1 << 20

type Ingester interface {
	Ingest(ctx context.Context, ev *events.Event) (*engine.IngestResult, error)
}

type TelemetryIngester interface {
	Ingest(ctx context.Context, tenantID, agentVersion string, p *telemetry.Payload) (*telemetry.Result, error)
}

type RiskReader interface {
	RiskFor(ctx context.Context, tenantID, host string) (risk.Record, error)
	RiskForAll(ctx context.Context, tenantID string) ([]risk.Record, error)
}

type AlertManager interface {
	List(ctx context.Context, tenantID string, q alerts.ListQuery) (*alerts.Page, error)
	Get(ctx context.Context, tenantID, alertID string) (*alerts.Alert, error)
	Update(ctx context.Context, tenantID, alertID string, change alerts.Change) (*alerts.Alert, error)
}

type Retrainer interface {
	Retrain(ctx context.Context, tenantID string) (bool, error)
}

// APIError is the body of every non-2xx response.
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)

// Handler serves the HealthGuard HTTP API.
type Handler struct {
	ingester  Ingester
	telemetry TelemetryIngester
	risk      RiskReader
	alerts    AlertManager
	retrainer Retrainer
	logger    zerolog.Logger
}

func NewHandler(ingester Ingester, telemetryIngester TelemetryIngester, riskReader RiskReader, alertManager AlertManager,
	retrainer Retrainer, logger zerolog.Logger) *Handler {
	return &Handler{
		ingester:  ingester,
		telemetry: telemetryIngester,
		risk:      riskReader,
		alerts:    alertManager,
		retrainer: retrainer,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

// Router returns the routes for health checks (/healthz), Prometheus
// metrics (/metrics) and the tenant-scoped /api surface.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", healthzHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	a := r.PathPrefix("/api").Subrouter()
	a.Use(requireTenant)
	a.HandleFunc("/ingest/logs", h.IngestLog).Methods(http.MethodPost)
	a.HandleFunc("/telemetry/ingest", h.IngestTelemetry).Methods(http.MethodPost)
	a.HandleFunc("/endpoints", h.ListEndpoints).Methods(http.MethodGet)
	a.HandleFunc("/endpoints/{host}", h.GetEndpoint).Methods(http.MethodGet)
	a.HandleFunc("/alerts", h.ListAlerts).Methods(http.MethodGet)
	a.HandleFunc("/alerts/{id}", h.GetAlert).Methods(http.MethodGet)
	a.HandleFunc("/alerts/{id}", h.UpdateAlert).Methods(http.MethodPatch)
	a.HandleFunc("/models/retrain", h.RetrainModel).Methods(http.MethodPost)
	return r
}

// StartAPIServer serves handler on port until ctx is cancelled, then shuts
// the server down gracefully.
func StartAPIServer(ctx context.Context, port string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Msgf("API server starting on :%s", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info().Msg("API server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(r.Header.Get(TenantHeader)) == "" {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, TenantHeader+" header is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func tenantOf(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(TenantHeader))
}

// IngestLog handles POST /api/ingest/logs. The tenant header overrides any
// tenant_id in the body.
func (h *Handler) IngestLog(w http.ResponseWriter, r *http.Request) {
	var ev events.Event
	if err := decodeBody(r, &ev); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	ev.TenantID = tenantOf(r)

	result, err := h.ingester.Ingest(r.Context(), &ev)
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

// IngestTelemetry handles POST /api/telemetry/ingest. As with logs, the
// tenant header overrides the body.
func (h *Handler) IngestTelemetry(w http.ResponseWriter, r *http.Request) {
	var p telemetry.Payload
	if err := decodeBody(r, &p); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	result, err := h.telemetry.Ingest(r.Context(), tenantOf(r), strings.TrimSpace(r.Header.Get(AgentVersionHeader)), &p)
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

func (h *Handler) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	records, err := h.risk.RiskForAll(r.Context(), tenantOf(r))
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"endpoints": records, "total": len(records)})
}

func (h *Handler) GetEndpoint(w http.ResponseWriter, r *http.Request) {
	record, err := h.risk.RiskFor(r.Context(), tenantOf(r), mux.Vars(r)["host"])
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, record)
}

// ListAlerts handles GET /api/alerts?status=&severity=&host=&page=&page_size=.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := alerts.ListQuery{
		Status:   alerts.Status(q.Get("status")),
		Severity: alerts.Severity(q.Get("severity")),
		Host:     q.Get("host"),
	}
	if query.Status != "" && !query.Status.Valid() {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "unknown status "+strconv.Quote(q.Get("status")))
		return
	}
	if query.Severity != "" && !query.Severity.Valid() {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "unknown severity "+strconv.Quote(q.Get("severity")))
		return
	}
	var err error
	if query.Page, err = intParam(q.Get("page"), 1); err != nil || query.Page < 1 {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "page must be a positive integer")
		return
	}
	if query.PageSize, err = intParam(q.Get("page_size"), alerts.DefaultPageSize); err != nil ||
		query.PageSize < 1 || query.PageSize > alerts.MaxPageSize {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "page_size must be between 1 and 100")
		return
	}

	page, err := h.alerts.List(r.Context(), tenantOf(r), query)
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.alerts.Get(r.Context(), tenantOf(r), mux.Vars(r)["id"])
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, alert)
}

func (h *Handler) UpdateAlert(w http.ResponseWriter, r *http.Request) {
	var change alerts.Change
	if err := decodeBody(r, &change); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	alert, err := h.alerts.Update(r.Context(), tenantOf(r), mux.Vars(r)["id"], change)
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, alert)
}

// RetrainModel handles POST /api/models/retrain for the caller's tenant.
func (h *Handler) RetrainModel(w http.ResponseWriter, r *http.Request) {
	trained, err := h.retrainer.Retrain(r.Context(), tenantOf(r))
	if err != nil {
		h.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"trained": trained})
}

func decodeBody(r *http.Request, v interface{}) error {
	body := io.LimitReader(r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func (h *Handler) respondEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case engerrors.IsKind(err, engerrors.KindValidation):
		respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	case engerrors.IsKind(err, engerrors.KindNotFound):
		respondError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	default:
		h.logger.Error().Err(err).Str("path", r.URL.Path).Str("tenant_id", tenantOf(r)).Msg("Request failed")
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "internal error")
	}
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, APIError{Error: message, Code: code})
}

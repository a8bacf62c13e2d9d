// Package telemetry ingests endpoint agent snapshots: system information,
// recent security events and running processes. Each snapshot is stored,
// refreshes the endpoint record and can raise rule alerts of its own.
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lucid-vigil/healthguard/pkg/alerts"
	engerrors "github.com/lucid-vigil/healthguard/pkg/errors"
	"github.com/lucid-vigil/healthguard/pkg/metrics"
	"github.com/lucid-vigil/healthguard/pkg/storage"
)

// Rule names of telemetry alerts.
const (
	MultipleFailedLogons = "multiple_failed_logons"
	HighCPUUsage         = "high_cpu_usage"
)

// Config holds the telemetry rule thresholds.
type Config struct {
	FailedLogonEventID      int     `mapstructure:"failed_logon_event_id"`
	FailedLogonThreshold    int     `mapstructure:"failed_logon_threshold"`
	HighCPUPercent          float64 `mapstructure:"high_cpu_percent"`
	HighCPUProcessThreshold int     `mapstructure:"high_cpu_process_threshold"`
}

// DefaultConfig flags 5 failed Windows logons (event 4625) or 3 processes
// above 80% CPU in one snapshot.
func DefaultConfig() Config {
	return Config{
		FailedLogonEventID:      4625,
		FailedLogonThreshold:    5,
		HighCPUPercent:          80,
		HighCPUProcessThreshold: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailedLogonEventID <= 0 {
		c.FailedLogonEventID = d.FailedLogonEventID
	}
	if c.FailedLogonThreshold <= 0 {
		c.FailedLogonThreshold = d.FailedLogonThreshold
	}
	if c.HighCPUPercent <= 0 {
		c.HighCPUPercent = d.HighCPUPercent
	}
	if c.HighCPUProcessThreshold <= 0 {
		c.HighCPUProcessThreshold = d.HighCPUProcessThreshold
	}
	return c
}

type SecurityEvent struct {
	EventID     int    `json:"event_id"`
	TimeCreated string `json:"time_created"`
	Level       string `json:"level"`
	Message     string `json:"message"`
	Source      string `json:"source"`
	User        string `json:"user"`
}

type ProcessInfo struct {
	Name      string  `json:"name"`
	PID       int     `json:"pid"`
	CPU       float64 `json:"cpu"`
	MemoryMB  float64 `json:"memory_mb"`
	Threads   int     `json:"threads"`
	StartTime string  `json:"start_time"`
	Path      string  `json:"path"`
}

type SystemInfo struct {
	Hostname       string  `json:"hostname"`
	OSName         string  `json:"os_name"`
	OSVersion      string  `json:"os_version"`
	OSArchitecture string  `json:"os_architecture"`
	Manufacturer   string  `json:"manufacturer"`
	Model          string  `json:"model"`
	BIOSVersion    string  `json:"bios_version"`
	CPUName        string  `json:"cpu_name"`
	CPUCores       int     `json:"cpu_cores"`
	TotalMemoryGB  float64 `json:"total_memory_gb"`
	Domain         string  `json:"domain"`
	UptimeHours    float64 `json:"uptime_hours"`
	LastBoot       string  `json:"last_boot"`
	AgentVersion   string  `json:"agent_version"`
	CollectedAt    string  `json:"collected_at"`
}

// Metrics describes the agent's own collection run.
type Metrics struct {
	TotalEvents          int `json:"total_events"`
	TotalProcesses       int `json:"total_processes"`
	CollectionDurationMS int `json:"collection_duration_ms"`
}

// Payload is one agent snapshot.
type Payload struct {
	AgentID        string          `json:"agent_id"`
	Hostname       string          `json:"hostname"`
	TenantID       string          `json:"tenant_id"`
	CollectedAt    string          `json:"collected_at"`
	SystemInfo     SystemInfo      `json:"system_info"`
	SecurityEvents []SecurityEvent `json:"security_events"`
	ProcessInfo    []ProcessInfo   `json:"process_info"`
	Metrics        Metrics         `json:"metrics"`
}

// Result is returned for every stored snapshot.
type Result struct {
	TelemetryID     string   `json:"telemetry_id"`
	EndpointUpdated bool     `json:"endpoint_updated"`
	AlertsCreated   int      `json:"alerts_created"`
	AlertIDs        []string `json:"alert_ids"`
}

// AlertCreator persists alerts.
type AlertCreator interface {
	Create(ctx context.Context, a *alerts.Alert) error
}

// Dispatcher hands created alerts to the configured actions.
type Dispatcher interface {
	Dispatch(ctx context.Context, alert *alerts.Alert)
}

type Service struct {
	store      storage.Store
	alerts     AlertCreator
	dispatcher Dispatcher
	cfg        Config
	now        func() time.Time
	logger     zerolog.Logger
}

// NewService wires telemetry ingestion. dispatcher may be nil.
func NewService(store storage.Store, creator AlertCreator, dispatcher Dispatcher, cfg Config,
	now func() time.Time, logger zerolog.Logger) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:      store,
		alerts:     creator,
		dispatcher: dispatcher,
		cfg:        cfg.withDefaults(),
		now:        now,
		logger:     logger.With().Str("component", "telemetry").Logger(),
	}
}

// Ingest stores p for tenantID, upserts the endpoint's system information
// and raises telemetry rule alerts. agentVersion, when set, overrides the
// version reported in the payload. Storage failures fail the call.
func (s *Service) Ingest(ctx context.Context, tenantID, agentVersion string, p *Payload) (*Result, error) {
	if err := validate(tenantID, p); err != nil {
		metrics.TelemetryIngestedTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	p.TenantID = strings.TrimSpace(tenantID)
	p.Hostname = strings.TrimSpace(p.Hostname)
	if agentVersion == "" {
		agentVersion = p.SystemInfo.AgentVersion
	}

	result, err := s.ingest(ctx, agentVersion, p)
	if err != nil {
		metrics.TelemetryIngestedTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.TelemetryIngestedTotal.WithLabelValues("ok").Inc()
	return result, nil
}

func validate(tenantID string, p *Payload) error {
	switch {
	case p == nil:
		return engerrors.NewValidationError("telemetry", "telemetry payload is required")
	case strings.TrimSpace(tenantID) == "":
		return engerrors.NewValidationError("telemetry", "telemetry tenant is required")
	case strings.TrimSpace(p.Hostname) == "":
		return engerrors.NewValidationError("telemetry", "telemetry hostname is required")
	case strings.TrimSpace(p.AgentID) == "":
		return engerrors.NewValidationError("telemetry", "telemetry agent_id is required")
	}
	return nil
}

func (s *Service) ingest(ctx context.Context, agentVersion string, p *Payload) (*Result, error) {
	now := s.now().UTC()
	telemetryID := newTelemetryID()

	if err := s.store.Insert(ctx, p.TenantID, storage.CollectionTelemetry, document(telemetryID, agentVersion, p, now)); err != nil {
		return nil, engerrors.NewStorageError("telemetry", "insert telemetry", err)
	}

	if err := s.store.Upsert(ctx, p.TenantID, storage.CollectionEndpoints,
		storage.Filter{storage.Eq("host", p.Hostname)}, endpointFields(agentVersion, p, now)); err != nil {
		return nil, engerrors.NewStorageError("telemetry", "upsert endpoint", err)
	}

	created := s.evaluate(p, now)
	result := &Result{TelemetryID: telemetryID, EndpointUpdated: true, AlertIDs: []string{}}
	for _, a := range created {
		a.RelatedTelemetryIDs = []string{telemetryID}
		if err := s.alerts.Create(ctx, a); err != nil {
			return nil, err
		}
		metrics.AlertsCreatedTotal.WithLabelValues(string(a.TriggeredBy), string(a.Severity)).Inc()
		result.AlertsCreated++
		result.AlertIDs = append(result.AlertIDs, a.AlertID)
	}

	if s.dispatcher != nil {
		for _, a := range created {
			s.dispatcher.Dispatch(ctx, a)
		}
	}

	s.logger.Debug().
		Str("tenant_id", p.TenantID).
		Str("host", p.Hostname).
		Str("telemetry_id", telemetryID).
		Int("security_events", len(p.SecurityEvents)).
		Int("processes", len(p.ProcessInfo)).
		Int("alerts", len(created)).
		Msg("Telemetry ingested")
	return result, nil
}

// evaluate applies both telemetry rules; each fires at most once per
// snapshot.
func (s *Service) evaluate(p *Payload, now time.Time) []*alerts.Alert {
	var created []*alerts.Alert

	failed := 0
	for _, ev := range p.SecurityEvents {
		if ev.EventID == s.cfg.FailedLogonEventID {
			failed++
		}
	}
	if failed >= s.cfg.FailedLogonThreshold {
		created = append(created, newAlert(p, now, MultipleFailedLogons, alerts.SeverityHigh, "authentication",
			"Multiple Failed Logon Attempts Detected",
			fmt.Sprintf("Endpoint %s had %d failed logon attempts", p.Hostname, failed)))
	}

	busy := 0
	for _, proc := range p.ProcessInfo {
		if proc.CPU > s.cfg.HighCPUPercent {
			busy++
		}
	}
	if busy >= s.cfg.HighCPUProcessThreshold {
		created = append(created, newAlert(p, now, HighCPUUsage, alerts.SeverityMedium, "performance",
			"High CPU Usage Detected",
			fmt.Sprintf("Endpoint %s has %d processes with high CPU usage", p.Hostname, busy)))
	}
	return created
}

func newAlert(p *Payload, now time.Time, rule string, severity alerts.Severity, eventType, title, description string) *alerts.Alert {
	return &alerts.Alert{
		AlertID:     alerts.NewAlertID(),
		TenantID:    p.TenantID,
		Title:       title,
		Description: description,
		Severity:    severity,
		Status:      alerts.StatusOpen,
		Host:        p.Hostname,
		EventType:   eventType,
		TriggeredBy: alerts.TriggeredByRule,
		RuleName:    rule,
		CreatedAt:   now,
		UpdatedAt:   now,
		Comments:    []string{},
	}
}

// newTelemetryID returns "tel_" followed by 24 hex characters.
func newTelemetryID() string {
	return "tel_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

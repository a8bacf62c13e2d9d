// Package rules evaluates the fixed set of deterministic detection rules
// against an ingested event.
package rules

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lucid-vigil/healthguard/pkg/alerts"
	engerrors "github.com/lucid-vigil/healthguard/pkg/errors"
	"github.com/lucid-vigil/healthguard/pkg/events"
	"github.com/lucid-vigil/healthguard/pkg/features"
)

// Rule names, also stored on the alerts they raise.
const (
	FailedLoginThreshold = "failed_login_threshold"
	SuspiciousProcess    = "suspicious_process"
	OffHoursAccess       = "off_hours_access"
	MultipleHostAccess   = "multiple_host_access"
)

// Config holds the tunable thresholds. It can be replaced at runtime with
// SetConfig.
type Config struct {
	FailedLoginThreshold int           `mapstructure:"failed_login_threshold"`
	FailedLoginWindow    time.Duration `mapstructure:"failed_login_window"`
	SuspiciousPatterns   []string      `mapstructure:"suspicious_patterns"`
	OffHoursStart        int           `mapstructure:"off_hours_start"`
	OffHoursEnd          int           `mapstructure:"off_hours_end"`
	MultiHostThreshold   int           `mapstructure:"multi_host_threshold"`
	MultiHostWindow      time.Duration `mapstructure:"multi_host_window"`
}

// DefaultSuspiciousPatterns are matched case-insensitively against process
// and command details.
var DefaultSuspiciousPatterns = []string{
	"mimikatz",
	"powershell -enc",
	"powershell -e",
	"cmd.exe /c",
	"wmic",
	"psexec",
	"net user",
	"net localgroup",
	"procdump",
	"pwdump",
}

func DefaultConfig() Config {
	return Config{
		FailedLoginThreshold: 5,
		FailedLoginWindow:    time.Hour,
		SuspiciousPatterns:   append([]string(nil), DefaultSuspiciousPatterns...),
		OffHoursStart:        22,
		OffHoursEnd:          6,
		MultiHostThreshold:   5,
		MultiHostWindow:      time.Hour,
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailedLoginThreshold <= 0 {
		c.FailedLoginThreshold = d.FailedLoginThreshold
	}
	if c.FailedLoginWindow <= 0 {
		c.FailedLoginWindow = d.FailedLoginWindow
	}
	if len(c.SuspiciousPatterns) == 0 {
		c.SuspiciousPatterns = d.SuspiciousPatterns
	}
	if c.OffHoursStart <= 0 || c.OffHoursStart > 24 {
		c.OffHoursStart = d.OffHoursStart
	}
	if c.OffHoursEnd < 0 || c.OffHoursEnd > 23 {
		c.OffHoursEnd = d.OffHoursEnd
	}
	if c.MultiHostThreshold <= 0 {
		c.MultiHostThreshold = d.MultiHostThreshold
	}
	if c.MultiHostWindow <= 0 {
		c.MultiHostWindow = d.MultiHostWindow
	}
	return c
}

// Rule inspects one event and returns an alert or nil.
type Rule struct {
	Name  string
	Check func(ctx context.Context, e *Engine, cfg Config, ev *events.Event) (*alerts.Alert, error)
}

// Engine runs every rule against every event. Rules are independent: each
// one that matches produces its own alert.
type Engine struct {
	history features.HistoryProvider
	now     func() time.Time
	logger  zerolog.Logger

	mutex sync.RWMutex
	cfg   Config
	rules []Rule
}

// NewEngine creates an engine with the built-in rules in their fixed order.
func NewEngine(history features.HistoryProvider, cfg Config, now func() time.Time, logger zerolog.Logger) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		history: history,
		now:     now,
		logger:  logger.With().Str("component", "rule_engine").Logger(),
		cfg:     cfg.withDefaults(),
		rules:   defaultRules(),
	}
}

func defaultRules() []Rule {
	return []Rule{
		{Name: FailedLoginThreshold, Check: checkFailedLogins},
		{Name: SuspiciousProcess, Check: checkSuspiciousProcess},
		{Name: OffHoursAccess, Check: checkOffHours},
		{Name: MultipleHostAccess, Check: checkMultipleHosts},
	}
}

// SetConfig swaps the thresholds used by subsequent evaluations.
func (e *Engine) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	e.mutex.Lock()
	e.cfg = cfg
	e.mutex.Unlock()

	e.logger.Info().
		Int("failed_login_threshold", cfg.FailedLoginThreshold).
		Int("multi_host_threshold", cfg.MultiHostThreshold).
		Int("suspicious_patterns", len(cfg.SuspiciousPatterns)).
		Msg("Rule configuration updated")
}

// Config returns the thresholds currently in effect.
func (e *Engine) Config() Config {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.cfg
}

// Evaluate runs all rules concurrently and returns the alerts in rule order.
// A history lookup failure fails the whole evaluation.
func (e *Engine) Evaluate(ctx context.Context, ev *events.Event) ([]*alerts.Alert, error) {
	cfg := e.Config()
	hits := make([]*alerts.Alert, len(e.rules))

	g, gctx := errgroup.WithContext(ctx)
	for i, rule := range e.rules {
		i, rule := i, rule
		g.Go(func() error {
			a, err := rule.Check(gctx, e, cfg, ev)
			if err != nil {
				return fmt.Errorf("rule %s: %w", rule.Name, err)
			}
			hits[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, engerrors.NewStorageError("rule_engine", "rule history lookup", err)
	}

	var out []*alerts.Alert
	for _, a := range hits {
		if a == nil {
			continue
		}
		e.logger.Info().
			Str("tenant_id", ev.TenantID).
			Str("host", ev.Host).
			Str("rule", a.RuleName).
			Str("severity", string(a.Severity)).
			Msg("Rule triggered")
		out = append(out, a)
	}
	return out, nil
}

func (e *Engine) newAlert(ev *events.Event, rule string, severity alerts.Severity, title, description string) *alerts.Alert {
	now := e.now().UTC()
	return &alerts.Alert{
		AlertID:       alerts.NewAlertID(),
		TenantID:      ev.TenantID,
		Title:         title,
		Description:   description,
		Severity:      severity,
		Status:        alerts.StatusOpen,
		Host:          ev.Host,
		User:          ev.User,
		EventType:     ev.EventType,
		TriggeredBy:   alerts.TriggeredByRule,
		RuleName:      rule,
		CreatedAt:     now,
		UpdatedAt:     now,
		Comments:      []string{},
		RelatedLogIDs: []string{},
	}
}

func checkFailedLogins(ctx context.Context, e *Engine, cfg Config, ev *events.Event) (*alerts.Alert, error) {
	if ev.EventType != events.TypeLogin || !ev.ExplicitFailure() {
		return nil, nil
	}
	count, err := e.history.FailedLoginCount(ctx, ev.TenantID, ev.User, cfg.FailedLoginWindow)
	if err != nil {
		return nil, err
	}
	if count < int64(cfg.FailedLoginThreshold) {
		return nil, nil
	}
	return e.newAlert(ev, FailedLoginThreshold, alerts.SeverityHigh,
		fmt.Sprintf("Multiple Failed Login Attempts - %s", ev.User),
		fmt.Sprintf("User %s has %d failed login attempts from %s in the last hour", ev.User, count, ev.Host),
	), nil
}

func checkSuspiciousProcess(_ context.Context, e *Engine, cfg Config, ev *events.Event) (*alerts.Alert, error) {
	switch ev.EventType {
	case events.TypeProcess, events.TypeCommand, events.TypeExecution:
	default:
		return nil, nil
	}

	blob := ev.DetailsBlob()
	processName, _ := ev.DetailString("process_name")
	command, _ := ev.DetailString("command")
	processName, command = strings.ToLower(processName), strings.ToLower(command)

	for _, pattern := range cfg.SuspiciousPatterns {
		p := strings.ToLower(pattern)
		if p == "" {
			continue
		}
		if strings.Contains(blob, p) || strings.Contains(processName, p) || strings.Contains(command, p) {
			return e.newAlert(ev, SuspiciousProcess, alerts.SeverityCritical,
				fmt.Sprintf("Suspicious Process Detected - %s", pattern),
				fmt.Sprintf("Suspicious process/command '%s' detected on %s by user %s", pattern, ev.Host, ev.User),
			), nil
		}
	}
	return nil, nil
}

func checkOffHours(_ context.Context, e *Engine, cfg Config, ev *events.Event) (*alerts.Alert, error) {
	switch ev.EventType {
	case events.TypeLogin, events.TypeAccess, events.TypeFileAccess, events.TypeDatabaseAccess:
	default:
		return nil, nil
	}
	if !cfg.isOffHours(ev.Timestamp.UTC()) {
		return nil, nil
	}
	return e.newAlert(ev, OffHoursAccess, alerts.SeverityMedium,
		fmt.Sprintf("Off-Hours Access - %s", ev.User),
		fmt.Sprintf("User %s accessed %s during off-hours (%s)", ev.User, ev.Host, ev.Timestamp.UTC().Format("2006-01-02 15:04")),
	), nil
}

// isOffHours reports weekends and hours outside [OffHoursEnd, OffHoursStart).
func (c Config) isOffHours(ts time.Time) bool {
	if wd := ts.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return true
	}
	hour := ts.Hour()
	return hour >= c.OffHoursStart || hour < c.OffHoursEnd
}

func checkMultipleHosts(ctx context.Context, e *Engine, cfg Config, ev *events.Event) (*alerts.Alert, error) {
	n, err := e.history.DistinctHostsForUser(ctx, ev.TenantID, ev.User, cfg.MultiHostWindow)
	if err != nil {
		return nil, err
	}
	if n < int64(cfg.MultiHostThreshold) {
		return nil, nil
	}
	return e.newAlert(ev, MultipleHostAccess, alerts.SeverityMedium,
		fmt.Sprintf("Multiple Host Access - %s", ev.User),
		fmt.Sprintf("User %s accessed %d different hosts in the last hour", ev.User, n),
	), nil
}

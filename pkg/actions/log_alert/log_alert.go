package log_alert

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lucid-vigil/healthguard/pkg/alerts"
)

// LogAlertAction implements the actions.Action interface. It writes every
// alert to the structured log so it reaches whatever collects the process
// output.
type LogAlertAction struct {
	Logger zerolog.Logger
}

// Name returns the unique name of the action.
func (la *LogAlertAction) Name() string {
	return "log_alert"
}

// Execute logs the alert at a level matching its severity.
func (la *LogAlertAction) Execute(ctx context.Context, alert *alerts.Alert) error {
	if alert == nil {
		return fmt.Errorf("missing alert for log_alert action")
	}

	var event *zerolog.Event
	switch alert.Severity {
	case alerts.SeverityCritical, alerts.SeverityHigh:
		event = la.Logger.Error()
	case alerts.SeverityMedium:
		event = la.Logger.Warn()
	default:
		event = la.Logger.Info()
	}

	event = event.
		Str("tenant_id", alert.TenantID).
		Str("alert_id", alert.AlertID).
		Str("severity", string(alert.Severity)).
		Str("triggered_by", string(alert.TriggeredBy)).
		Str("host", alert.Host).
		Str("user", alert.User)
	if alert.RuleName != "" {
		event = event.Str("rule", alert.RuleName)
	}
	if alert.AnomalyScore != nil {
		event = event.Float64("anomaly_score", *alert.AnomalyScore)
	}
	event.Msg(alert.Title)
	return nil
}

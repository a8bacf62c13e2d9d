package actions

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lucid-vigil/healthguard/pkg/actions/log_alert"
	"github.com/lucid-vigil/healthguard/pkg/alerts"
)

// Runs configured actions for created alerts

// ActionDispatcher manages and executes alert actions
type ActionDispatcher struct {
	actions map[string]Action
	active  []string
	enabled bool
	dedup   *AlertDeduplicator
	mu      sync.RWMutex
	logger  zerolog.Logger
}

// NewActionDispatcher creates a dispatcher that runs the named actions for
// every alert. log_alert is always registered.
func NewActionDispatcher(enabled bool, active []string, logger zerolog.Logger) *ActionDispatcher {
	logger = logger.With().Str("component", "action_dispatcher").Logger()
	dispatcher := &ActionDispatcher{
		actions: make(map[string]Action),
		active:  append([]string(nil), active...),
		enabled: enabled,
		logger:  logger,
	}

	// Register built-in actions
	dispatcher.RegisterAction(&log_alert.LogAlertAction{Logger: logger})

	return dispatcher
}

// RegisterAction registers a new action with the dispatcher
func (ad *ActionDispatcher) RegisterAction(action Action) {
	ad.mu.Lock()
	defer ad.mu.Unlock()

	ad.actions[action.Name()] = action
	ad.logger.Info().Msgf("Action '%s' registered.", action.Name())
}

// Execute runs the specified action for one alert
func (ad *ActionDispatcher) Execute(ctx context.Context, actionName string, alert *alerts.Alert) error {
	if !ad.IsEnabled() {
		ad.logger.Debug().Str("action", actionName).Msg("Actions are disabled, skipping execution.")
		return nil
	}

	ad.mu.RLock()
	action, exists := ad.actions[actionName]
	ad.mu.RUnlock()

	if !exists {
		return fmt.Errorf("action '%s' not found", actionName)
	}

	if err := action.Execute(ctx, alert); err != nil {
		ad.logger.Error().Err(err).
			Str("action", actionName).
			Str("alert_id", alert.AlertID).
			Msg("Action execution failed.")
		return err
	}

	ad.logger.Debug().Str("action", actionName).Str("alert_id", alert.AlertID).Msg("Action executed successfully.")
	return nil
}

// SetDeduplicator makes Dispatch skip alerts the deduplicator has seen
// recently. nil disables deduplication.
func (ad *ActionDispatcher) SetDeduplicator(d *AlertDeduplicator) {
	ad.mu.Lock()
	ad.dedup = d
	ad.mu.Unlock()
}

// Dispatch runs every active action for the alert. Failures are logged and
// do not stop the remaining actions.
func (ad *ActionDispatcher) Dispatch(ctx context.Context, alert *alerts.Alert) {
	ad.mu.RLock()
	dedup := ad.dedup
	ad.mu.RUnlock()
	if dedup != nil && dedup.IsDuplicate(alert) {
		ad.logger.Debug().
			Str("tenant_id", alert.TenantID).
			Str("alert_id", alert.AlertID).
			Msg("Duplicate alert, skipping actions.")
		return
	}

	for _, actionName := range ad.Active() {
		if err := ad.Execute(ctx, actionName, alert); err != nil {
			ad.logger.Error().Err(err).Str("action", actionName).Msg("Failed to execute action.")
		}
	}
}

// Active returns the names of the actions run by Dispatch.
func (ad *ActionDispatcher) Active() []string {
	ad.mu.RLock()
	defer ad.mu.RUnlock()
	return append([]string(nil), ad.active...)
}

// IsEnabled returns whether actions are enabled
func (ad *ActionDispatcher) IsEnabled() bool {
	ad.mu.RLock()
	defer ad.mu.RUnlock()
	return ad.enabled
}

// SetEnabled enables or disables action execution
func (ad *ActionDispatcher) SetEnabled(enabled bool) {
	ad.mu.Lock()
	ad.enabled = enabled
	ad.mu.Unlock()
	ad.logger.Info().Bool("enabled", enabled).Msg("Action execution status changed.")
}

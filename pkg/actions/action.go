package actions

import (
	"context"

	"github.com/lucid-vigil/healthguard/pkg/alerts"
)

// Action defines the interface for anything HealthGuard does with a freshly
// created alert. Each action must have a name and an execution method.
type Action interface {
	// Name returns the unique name of the action.
	Name() string
	// Execute performs the action for one alert. The alert has already been
	// persisted; a failing action never rolls it back.
	Execute(ctx context.Context, alert *alerts.Alert) error
}

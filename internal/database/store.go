// internal/database/store.go
package database

import (
	"context"
	"time"
)

// Store defines the interface for database operations
type Store interface {
	// Agent operations
	GetAgents(ctx context.Context) ([]Agent, error)
	GetAgent(ctx context.Context, id string) (*Agent, error)
	CreateAgent(ctx context.Context, agent *Agent) error
	UpdateAgent(ctx context.Context, agent *Agent) error
	DeleteAgent(ctx context.Context, id string) error
	TouchAgent(ctx context.Context, id string, seen time.Time) error

	// Check operations
	GetChecks(ctx context.Context, filters CheckFilters) ([]Check, error)
	GetCheck(ctx context.Context, id string) (*Check, error)
	CreateCheck(ctx context.Context, check *Check) error
	DeleteCheck(ctx context.Context, id string) error

	// UpdateCheckState applies mutate to the stored check inside one
	// transaction. Writers for the same check serialize here, so
	// fail_count/history/status updates never lose increments.
	UpdateCheckState(ctx context.Context, id string, mutate func(*Check) error) (*Check, error)

	// ClaimCheckAlert conditionally stamps the check's alert timestamp
	// for the given channel ("email" or "text"). The stamp succeeds only
	// if it is unset or older than minInterval; exactly one concurrent
	// caller wins. Returns the previous stamp for revert-on-failure.
	ClaimCheckAlert(ctx context.Context, id, channel string, now time.Time, minInterval time.Duration) (claimed bool, prev *time.Time, err error)
	// RevertCheckAlert restores a previously claimed stamp after a failed
	// send so the next eligible evaluation may retry.
	RevertCheckAlert(ctx context.Context, id, channel string, prev *time.Time) error

	// Outage operations
	GetActiveOutage(ctx context.Context, agentID string) (*AgentOutage, error)
	GetOutages(ctx context.Context, agentID string) ([]AgentOutage, error)
	// OpenOutage opens an outage unless one is already active for the
	// agent, in which case it is a no-op returning the active record.
	OpenOutage(ctx context.Context, agentID string, start time.Time) (*AgentOutage, error)
	CloseOutage(ctx context.Context, outageID string, end time.Time) error
	UpdateOutage(ctx context.Context, outage *AgentOutage) error

	// Policy operations
	GetPolicies(ctx context.Context) ([]Policy, error)
	GetPolicy(ctx context.Context, id string) (*Policy, error)
	CreatePolicy(ctx context.Context, policy *Policy) error
	UpdatePolicy(ctx context.Context, policy *Policy) error
	DeletePolicy(ctx context.Context, id string) error

	// Policy bindings
	GetBindings(ctx context.Context) ([]PolicyBinding, error)
	CreateBinding(ctx context.Context, binding *PolicyBinding) error
	DeleteBinding(ctx context.Context, id string) error

	// Settings singleton: CreateSettings fails with ErrConflict once a
	// row exists.
	GetSettings(ctx context.Context) (*Settings, error)
	CreateSettings(ctx context.Context, settings *Settings) error
	UpdateSettings(ctx context.Context, settings *Settings) error

	// Close the database connection
	Close() error
}

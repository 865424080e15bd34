package registry

import (
	"go.uber.org/zap"

	"github.com/devflow-io/devflow/internal/agent"
	"github.com/devflow-io/devflow/internal/auth"
	"github.com/devflow-io/devflow/internal/chat"
	"github.com/devflow-io/devflow/internal/container"
	"github.com/devflow-io/devflow/internal/identity"
	"github.com/devflow-io/devflow/internal/sourcehost"
	"github.com/devflow-io/devflow/internal/store"
)

// Deps bundles the collaborators role factories build from. External clients
// may be nil when the matching system is disabled; the roles guard for that.
type Deps struct {
	Store    *store.Store
	Creds    *auth.Manager
	Identity *identity.Manager
	Host     sourcehost.SourceHost
	Chat     chat.Client
	Runtime  container.Runtime
	Logger   *zap.Logger
}

// Factory builds a fresh role instance from the dependency bundle. Workflows
// resolve a new instance per execution so role state never leaks between
// agents.
type Factory func(Deps) agent.Role

// Resolver turns a role name into a runnable role.
type Resolver interface {
	Resolve(name string) (agent.Role, error)
	Names() []string
}

// Config controls which externally-facing roles are registered.
type Config struct {
	// EnableSourceControl registers the source-control role.
	EnableSourceControl bool `mapstructure:"enable_source_control"`
	// EnableCommunication registers the communication role.
	EnableCommunication bool `mapstructure:"enable_communication"`
	// EnableDeploy registers the deploy role.
	EnableDeploy bool `mapstructure:"enable_deploy"`
	// ScanWorkers sets the security role's worker pool; 0 means one per CPU.
	ScanWorkers int `mapstructure:"scan_workers"`
}

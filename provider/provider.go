// Package provider defines the contract every sandbox backend implements,
// along with the shared error taxonomy the manager uses to decide whether a
// failed spawn is worth retrying. Providers are stateless with respect to
// instances: they receive the full instance per call and must not retain it
// past the call's duration.
package provider // import "github.com/cyberpedia/orchestrator/provider"

import (
	"context"

	"github.com/cyberpedia/orchestrator/instance"
	"github.com/cyberpedia/orchestrator/types"
)

// SpawnResult carries what a successful provider spawn produced. Its fields
// are folded into the ChallengeInstance by the manager; the result itself is
// never stored.
type SpawnResult struct {
	ProviderInstanceID types.ProviderInstanceID
	Network            instance.NetworkConfig
	AccessURL          string
	// ConnectionString is provider-specific connection help shown to the
	// player (an ssh command line, for cloud sandboxes).
	ConnectionString string
}

// Stats is a best-effort point-in-time resource usage report.
type Stats struct {
	CPUPercent  float64
	MemoryBytes uint64
	PIDs        int
}

// SandboxProvider executes spawn/destroy/exists operations against one
// backend technology. All blocking methods honor the passed context; the
// manager enforces the overall operation deadline through it.
type SandboxProvider interface {
	// Name returns the sandbox type tag this provider serves.
	Name() types.SandboxType

	// Spawn allocates real infrastructure for the instance. On success the
	// returned result carries the provider binding; on failure the provider
	// must have cleaned up anything partially created, or left it in a
	// state Destroy can finish off.
	Spawn(ctx context.Context, inst instance.ChallengeInstance) (*SpawnResult, error)

	// Destroy tears infrastructure down idempotently: destroying an
	// already-destroyed or never-created instance returns nil.
	Destroy(ctx context.Context, inst instance.ChallengeInstance) error

	// Exists is an authoritative check against the real backend, not any
	// cache. "Not found" from the backend means (false, nil); other
	// backend errors are returned for the caller to log, never panicked.
	Exists(ctx context.Context, inst instance.ChallengeInstance) (bool, error)

	// Best-effort diagnostics. Failures surface as empty/default values
	// plus an error the caller may log; they never abort an operation.
	Logs(ctx context.Context, inst instance.ChallengeInstance, tailLines int) (string, error)
	Exec(ctx context.Context, inst instance.ChallengeInstance, cmd []string) (string, error)
	GetStats(ctx context.Context, inst instance.ChallengeInstance) (Stats, error)
}

// Package manager implements the orchestration core: it owns the instance
// registry, fans operations out to the sandbox providers, enforces per-user
// quotas, and runs the background loops that expire, reap and retry
// instances. Every mutation of an instance goes through the registry's lock
// banks, and every durable write happens before the provider call it
// describes, so a crash can never leave real infrastructure the records
// don't know about.
package manager // import "github.com/cyberpedia/orchestrator/manager"

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron"
	"golang.org/x/sync/errgroup"

	"github.com/cyberpedia/orchestrator/cache"
	"github.com/cyberpedia/orchestrator/config"
	logger "github.com/cyberpedia/orchestrator/cyberlogger"
	"github.com/cyberpedia/orchestrator/events"
	"github.com/cyberpedia/orchestrator/health"
	"github.com/cyberpedia/orchestrator/instance"
	"github.com/cyberpedia/orchestrator/provider"
	"github.com/cyberpedia/orchestrator/types"
	"github.com/cyberpedia/orchestrator/utils"
)

// Errors callers branch on.
var (
	// ErrQuotaExceeded means the user already runs the maximum number of
	// active instances. Not retryable: the user has to destroy one first.
	ErrQuotaExceeded = errors.New("active instance quota exceeded")

	// ErrSpawnQueued means the backend had no capacity, so the request was
	// queued durably and will be retried. The caller should report "pending"
	// rather than failure.
	ErrSpawnQueued = errors.New("spawn queued for retry")
)

// SpawnRequest is everything needed to create one challenge instance. It is
// JSON-serializable because capacity failures park it on the durable retry
// queue.
type SpawnRequest struct {
	ChallengeID types.ChallengeID        `json:"challenge_id"`
	UserID      types.UserID             `json:"user_id"`
	TeamID      types.TeamID             `json:"team_id,omitempty"`
	SandboxType types.SandboxType        `json:"sandbox_type"`
	Limits      instance.ResourceLimits  `json:"limits,omitempty"`
	Security    instance.SecurityProfile `json:"security,omitempty"`
	Metadata    map[string]string        `json:"metadata,omitempty"`
	// TTL overrides the default instance lifetime when positive.
	TTL time.Duration `json:"ttl,omitempty"`
}

// Validate rejects structurally bad requests before they touch any state.
func (req *SpawnRequest) Validate() error {
	if req.ChallengeID == "" {
		return utils.MakeError("spawn request is missing a challenge ID")
	}
	if req.UserID == "" {
		return utils.MakeError("spawn request is missing a user ID")
	}
	if _, err := types.ParseSandboxType(string(req.SandboxType)); err != nil {
		return err
	}
	return nil
}

// Manager is the challenge instance orchestration core.
type Manager struct {
	ctx context.Context

	registry  *instance.Registry
	providers map[types.SandboxType]provider.SandboxProvider
	checker   *health.Checker
	cache     cache.Cache
	emitter   events.Emitter

	scheduler *gocron.Scheduler
}

// New creates a Manager. ctx is the process lifetime context: background
// probe loops and retries stop when it is cancelled.
func New(ctx context.Context, registry *instance.Registry, providers map[types.SandboxType]provider.SandboxProvider,
	c cache.Cache, emitter events.Emitter) *Manager {
	m := &Manager{
		ctx:       ctx,
		registry:  registry,
		providers: providers,
		cache:     c,
		emitter:   emitter,
	}
	// The manager observes its own health checker so degradations flow
	// into the mirror and the event stream. The checker shares the
	// registry's lock bank so status updates serialize with spawn/destroy.
	m.checker = health.NewChecker(providers, registry, m)
	return m
}

// Checker exposes the health checker, mainly for on-demand probe endpoints.
func (m *Manager) Checker() *health.Checker {
	return m.checker
}

// providerFor resolves the provider serving a sandbox type.
func (m *Manager) providerFor(sandboxType types.SandboxType) (provider.SandboxProvider, error) {
	prov, ok := m.providers[sandboxType]
	if !ok {
		return nil, utils.MakeError("no provider registered for sandbox type %s", sandboxType)
	}
	return prov, nil
}

// Spawn creates a challenge instance end to end: quota check, durable
// record, provider call, health scheduling. The registry record exists (and
// counts against quota) before the provider is asked for real
// infrastructure. Capacity failures park the request on the retry queue and
// return ErrSpawnQueued.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (instance.ChallengeInstance, error) {
	inst, err := m.admit(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := m.provision(ctx, inst); err != nil {
		if errors.Is(err, provider.ErrResourceExhausted) {
			m.enqueueRetry(ctx, req)
			return nil, utils.MakeError("%w: %s", ErrSpawnQueued, err)
		}
		return nil, err
	}
	return inst, nil
}

// admit performs the quota check and registers the new instance, all under
// the user's spawn lock. Holding the lock across check-and-track is what
// stops two concurrent requests by one user from both passing the check.
func (m *Manager) admit(ctx context.Context, req SpawnRequest) (instance.ChallengeInstance, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, err := m.providerFor(req.SandboxType); err != nil {
		return nil, err
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = config.GetDefaultInstanceTTL()
	}

	userLock := m.registry.UserLock(req.UserID)
	userLock.Lock()
	defer userLock.Unlock()

	active := m.registry.ActiveForUser(req.UserID)
	if len(active) >= config.GetMaxActiveInstances() {
		return nil, utils.MakeError("user %s already has %d active instances: %w",
			req.UserID, len(active), ErrQuotaExceeded)
	}

	inst := instance.New(req.ChallengeID, req.UserID, req.TeamID, req.SandboxType,
		req.Limits, req.Security, req.Metadata, ttl)
	if err := inst.AssignCanaryToken(types.CanaryToken(utils.NewCanarySecret())); err != nil {
		return nil, err
	}

	if err := inst.AdvanceStatus(instance.StatusCreating); err != nil {
		return nil, err
	}
	m.registry.Track(inst)
	m.registry.Mirror(ctx, inst)

	logger.Infof("admitted spawn of challenge %s for user %s as instance %s (%d/%d active)",
		req.ChallengeID, req.UserID, inst.GetID(), len(active)+1, config.GetMaxActiveInstances())
	return inst, nil
}

// provision runs the provider spawn for an admitted instance under the spawn
// deadline, folding the result into the record or unwinding on failure.
func (m *Manager) provision(ctx context.Context, inst instance.ChallengeInstance) error {
	lock := m.registry.InstanceLock(inst.GetID())
	lock.Lock()
	defer lock.Unlock()

	prov, err := m.providerFor(inst.GetSandboxType())
	if err != nil {
		m.unwind(inst, prov)
		return err
	}

	// Cloud applies legitimately take minutes to provision real
	// infrastructure; everything local must answer within the spawn deadline.
	timeout := config.GetSpawnTimeout()
	if inst.GetSandboxType().IsCloud() {
		timeout = config.GetCloudOperationTimeout()
	}
	spawnCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := prov.Spawn(spawnCtx, inst)
	if err != nil {
		if spawnCtx.Err() == context.DeadlineExceeded {
			err = utils.MakeError("%w after %s: %s", provider.ErrSpawnTimeout, timeout, err)
		}
		m.unwind(inst, prov)
		return err
	}

	if err := inst.RegisterCreation(result.ProviderInstanceID); err != nil {
		m.unwind(inst, prov)
		return err
	}
	inst.SetNetwork(result.Network)
	if result.AccessURL != "" {
		inst.SetAccessURL(result.AccessURL)
	}

	if err := inst.AdvanceStatus(instance.StatusRunning); err != nil {
		m.unwind(inst, prov)
		return err
	}
	inst.MarkStarted()
	m.registry.Mirror(ctx, inst)

	m.checker.Schedule(m.ctx, inst)

	m.emitter.Emit(events.TypeInstanceSpawned, map[string]interface{}{
		"instance_id":  inst.GetID().String(),
		"challenge_id": string(inst.GetChallengeID()),
		"user_id":      string(inst.GetUserID()),
		"sandbox_type": string(inst.GetSandboxType()),
		"access_url":   inst.GetAccessURL(),
	})
	logger.Infow(utils.Sprintf("instance %s is running", inst.GetID()),
		"instance_id", inst.GetID().String(),
		"provider_id", string(inst.GetProviderInstanceID()))
	return nil
}

// unwind releases everything a failed spawn attempt may have created: any
// partial provider state, the registry entry and the mirror. The instance
// leaves the user's quota here.
func (m *Manager) unwind(inst instance.ChallengeInstance, prov provider.SandboxProvider) {
	if prov != nil {
		teardownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := prov.Destroy(teardownCtx, inst); err != nil {
			logger.Errorf("couldn't tear down partial spawn of instance %s: %s", inst.GetID(), err)
		}
		cancel()
	}

	if err := inst.AdvanceStatus(instance.StatusError); err != nil {
		logger.Warningf("couldn't mark instance %s errored: %s", inst.GetID(), err)
	}

	cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m.registry.RemoveMirror(cleanupCtx, inst)
	m.registry.Untrack(inst.GetID())
}

// Destroy tears an instance down. It is idempotent: destroying an unknown or
// already-destroyed instance succeeds, so clients and cleanup loops can
// retry freely.
func (m *Manager) Destroy(ctx context.Context, id types.InstanceID) error {
	inst, err := m.registry.LookUp(id)
	if err != nil {
		// Unknown means a previous destroy already finished the job.
		return nil
	}

	lock := m.registry.InstanceLock(id)
	lock.Lock()
	defer lock.Unlock()

	// Re-check under the lock; a concurrent destroy may have won.
	if inst.GetStatus().IsTerminal() {
		return nil
	}

	return m.destroyLocked(ctx, inst, true, events.TypeInstanceDestroyed)
}

// destroyLocked finishes a destruction with the instance lock held. When
// callProvider is false the backend sandbox is already gone (the zombie
// reaper path) and only local state is released.
func (m *Manager) destroyLocked(ctx context.Context, inst instance.ChallengeInstance, callProvider bool, eventType string) error {
	m.checker.Cancel(inst.GetID())

	// An instance recovered mid-destroy is already in destroying.
	if inst.GetStatus() != instance.StatusDestroying {
		if err := inst.AdvanceStatus(instance.StatusDestroying); err != nil {
			return utils.MakeError("couldn't start destroying instance %s: %s", inst.GetID(), err)
		}
	}
	m.registry.Mirror(ctx, inst)

	if callProvider {
		// Best effort only. The record is released either way: an
		// unreachable backend must never lock the user's quota, so a failed
		// provider destroy is logged for a human to chase, not propagated.
		prov, err := m.providerFor(inst.GetSandboxType())
		if err != nil {
			logger.Errorf("no provider to destroy instance %s with: %s", inst.GetID(), err)
		} else if err := prov.Destroy(ctx, inst); err != nil {
			logger.Errorf("provider couldn't destroy instance %s, releasing the record anyway: %s",
				inst.GetID(), err)
		}
	}

	if err := inst.AdvanceStatus(instance.StatusDestroyed); err != nil {
		return err
	}
	inst.MarkDestroyed()

	m.registry.RemoveMirror(ctx, inst)
	m.registry.Untrack(inst.GetID())

	m.emitter.Emit(eventType, map[string]interface{}{
		"instance_id":  inst.GetID().String(),
		"challenge_id": string(inst.GetChallengeID()),
		"user_id":      string(inst.GetUserID()),
	})
	logger.Infof("destroyed instance %s", inst.GetID())
	return nil
}

// ExtendTimeout pushes an instance's expiry out by additional and returns
// the new deadline. Extensions only ever grow the lifetime.
func (m *Manager) ExtendTimeout(ctx context.Context, id types.InstanceID, additional time.Duration) (time.Time, error) {
	inst, err := m.registry.LookUp(id)
	if err != nil {
		return time.Time{}, err
	}

	lock := m.registry.InstanceLock(id)
	lock.Lock()
	defer lock.Unlock()

	if !inst.IsActive() {
		return time.Time{}, utils.MakeError("instance %s is not active", id)
	}
	if err := inst.ExtendExpiry(additional); err != nil {
		return time.Time{}, err
	}
	m.registry.Mirror(ctx, inst)

	expires, _ := inst.GetExpiresAt()
	logger.Infof("extended instance %s until %s", id, expires.Format(time.RFC3339))
	return expires, nil
}

// Get returns a tracked instance by ID.
func (m *Manager) Get(id types.InstanceID) (instance.ChallengeInstance, error) {
	return m.registry.LookUp(id)
}

// ListForUser returns the user's active instances.
func (m *Manager) ListForUser(userID types.UserID) []instance.ChallengeInstance {
	return m.registry.ActiveForUser(userID)
}

// OnDegraded implements health.Observer: persist and broadcast the
// degradation so the platform can warn the player.
func (m *Manager) OnDegraded(inst instance.ChallengeInstance) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m.registry.Mirror(ctx, inst)
	m.emitter.Emit(events.TypeHealthDegraded, map[string]interface{}{
		"instance_id":  inst.GetID().String(),
		"challenge_id": string(inst.GetChallengeID()),
		"user_id":      string(inst.GetUserID()),
	})
}

// OnRecovered implements health.Observer.
func (m *Manager) OnRecovered(inst instance.ChallengeInstance) {
	// A recovery means the challenge service bounced underneath the player;
	// the count surfaces chronically flaky challenges to the admins.
	restarts := inst.IncrementRestartCount()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m.registry.Mirror(ctx, inst)
	m.emitter.Emit(events.TypeHealthRecovered, map[string]interface{}{
		"instance_id":   inst.GetID().String(),
		"restart_count": restarts,
	})
}

// Shutdown destroys every live instance concurrently and stops the
// background machinery. Player sandboxes must not outlive the orchestrator:
// an unsupervised sandbox is unmetered spend and an unwatched attack
// surface.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopLoops()
	m.checker.Close()

	live := m.registry.All()
	logger.Infof("shutting down, destroying %d live instances", len(live))

	// A plain errgroup, not WithContext: one stubborn instance must not
	// abort the teardown of the others.
	var group errgroup.Group
	for _, inst := range live {
		inst := inst
		group.Go(func() error {
			if err := m.Destroy(ctx, inst.GetID()); err != nil {
				logger.Errorf("shutdown couldn't destroy instance %s: %s", inst.GetID(), err)
				return err
			}
			return nil
		})
	}
	return group.Wait()
}

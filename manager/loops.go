package manager // import "github.com/cyberpedia/orchestrator/manager"

// This file contains the manager's periodic maintenance loops: the expiry
// cleanup sweep and the zombie reaper. Both run on a shared scheduler with
// overlap protection, so a slow provider can't pile sweeps on top of each
// other.

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/cyberpedia/orchestrator/config"
	logger "github.com/cyberpedia/orchestrator/cyberlogger"
	"github.com/cyberpedia/orchestrator/events"
	"github.com/cyberpedia/orchestrator/instance"
)

// StartBackgroundLoops starts the expiry cleanup and zombie reaper loops.
func (m *Manager) StartBackgroundLoops() error {
	m.scheduler = gocron.NewScheduler(time.UTC)
	m.scheduler.SingletonModeAll()

	if _, err := m.scheduler.Every(config.GetCleanupInterval()).Do(m.sweepExpired); err != nil {
		return err
	}
	if _, err := m.scheduler.Every(config.GetZombieCheckInterval()).Do(m.reapZombies); err != nil {
		return err
	}

	m.scheduler.StartAsync()
	logger.Infof("started maintenance loops (cleanup every %s, zombie reaper every %s)",
		config.GetCleanupInterval(), config.GetZombieCheckInterval())
	return nil
}

// stopLoops halts the maintenance scheduler. Safe to call before
// StartBackgroundLoops.
func (m *Manager) stopLoops() {
	if m.scheduler != nil {
		m.scheduler.Stop()
	}
}

// sweepExpired destroys every instance whose lifetime has run out.
func (m *Manager) sweepExpired() {
	for _, inst := range m.registry.All() {
		if !inst.IsExpired() || !inst.IsActive() {
			continue
		}

		id := inst.GetID()
		logger.Infof("instance %s expired, destroying", id)

		ctx, cancel := context.WithTimeout(m.ctx, config.GetCloudOperationTimeout())
		lock := m.registry.InstanceLock(id)
		lock.Lock()
		if !inst.GetStatus().IsTerminal() {
			if err := m.destroyLocked(ctx, inst, true, events.TypeInstanceExpired); err != nil {
				// Leave it for the next sweep; destruction is idempotent.
				logger.Errorf("couldn't destroy expired instance %s: %s", id, err)
			}
		}
		lock.Unlock()
		cancel()
	}
}

// reapZombies finds instances whose backend sandbox has vanished (OOM-killed
// container, crashed VMM, externally terminated cloud machine) and releases
// their records. The provider is only asked whether the sandbox exists, not
// to destroy it: it is already gone, and a second destroy against a missing
// backend is wasted work at best.
func (m *Manager) reapZombies() {
	for _, inst := range m.registry.All() {
		// Only probe instances that claim to be up; a pending or mid-destroy
		// record legitimately has no backend yet, or not anymore.
		switch inst.GetStatus() {
		case instance.StatusRunning, instance.StatusHealthy, instance.StatusUnhealthy:
		default:
			continue
		}

		prov, err := m.providerFor(inst.GetSandboxType())
		if err != nil {
			logger.Errorf("zombie check skipped for instance %s: %s", inst.GetID(), err)
			continue
		}

		ctx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
		exists, err := prov.Exists(ctx, inst)
		cancel()
		if err != nil {
			// Can't tell from here; don't reap on a flaky liveness check.
			logger.Warningf("couldn't verify instance %s against its backend: %s", inst.GetID(), err)
			continue
		}
		if exists {
			continue
		}

		id := inst.GetID()
		logger.Warningf("instance %s has no backing sandbox, reaping", id)

		reapCtx, reapCancel := context.WithTimeout(m.ctx, 30*time.Second)
		lock := m.registry.InstanceLock(id)
		lock.Lock()
		if !inst.GetStatus().IsTerminal() {
			if err := m.destroyLocked(reapCtx, inst, false, events.TypeInstanceZombie); err != nil {
				logger.Errorf("couldn't reap zombie instance %s: %s", id, err)
			}
		}
		lock.Unlock()
		reapCancel()
	}
}

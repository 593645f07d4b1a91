// Package health runs periodic liveness probes against challenge instances
// and escalates sustained failures. A single missed probe is noise (players
// crash their own challenges constantly); three consecutive failures flip
// the instance to unhealthy and notify observers, who decide what to do
// about it. Recovery flips it back and notifies again, once per transition.
package health // import "github.com/cyberpedia/orchestrator/health"

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cyberpedia/orchestrator/config"
	logger "github.com/cyberpedia/orchestrator/cyberlogger"
	"github.com/cyberpedia/orchestrator/instance"
	"github.com/cyberpedia/orchestrator/provider"
	"github.com/cyberpedia/orchestrator/types"
	"github.com/cyberpedia/orchestrator/utils"
)

// Observer is notified on health state transitions. OnDegraded fires when an
// instance crosses the consecutive-failure threshold, OnRecovered when a
// previously unhealthy instance passes a probe again. Each fires exactly
// once per transition.
type Observer interface {
	OnDegraded(inst instance.ChallengeInstance)
	OnRecovered(inst instance.ChallengeInstance)
}

// InstanceLocker hands out the per-instance mutexes that serialize status
// mutations across the spawn, destroy and health paths. The registry
// implements it.
type InstanceLocker interface {
	InstanceLock(id types.InstanceID) *sync.Mutex
}

// Checker owns one probe loop per monitored instance.
type Checker struct {
	providers map[types.SandboxType]provider.SandboxProvider
	locks     InstanceLocker
	observers []Observer

	httpClient *http.Client

	mu    sync.Mutex
	loops map[types.InstanceID]context.CancelFunc

	loopsWG sync.WaitGroup
}

// NewChecker creates a health checker probing through the given providers
// (needed for command probes, which exec inside the sandbox).
func NewChecker(providers map[types.SandboxType]provider.SandboxProvider, locks InstanceLocker, observers ...Observer) *Checker {
	return &Checker{
		providers: providers,
		locks:     locks,
		observers: observers,
		httpClient: &http.Client{
			Timeout: config.GetHealthCheckTimeout(),
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// A challenge that answers with a redirect is alive; don't
				// follow it into player-controlled territory.
				return http.ErrUseLastResponse
			},
		},
		loops: make(map[types.InstanceID]context.CancelFunc),
	}
}

// Schedule starts the periodic probe loop for an instance. Scheduling an
// instance that already has a loop replaces the old loop.
func (c *Checker) Schedule(ctx context.Context, inst instance.ChallengeInstance) {
	loopCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if existing, ok := c.loops[inst.GetID()]; ok {
		existing()
	}
	c.loops[inst.GetID()] = cancel
	c.mu.Unlock()

	c.loopsWG.Add(1)
	go func() {
		defer c.loopsWG.Done()

		ticker := time.NewTicker(config.GetHealthCheckInterval())
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				c.probe(loopCtx, inst)
			}
		}
	}()
}

// Cancel stops the probe loop for an instance, if one is running.
func (c *Checker) Cancel(id types.InstanceID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cancel, ok := c.loops[id]; ok {
		cancel()
		delete(c.loops, id)
	}
}

// Close stops every probe loop and waits for them to drain.
func (c *Checker) Close() {
	c.mu.Lock()
	for id, cancel := range c.loops {
		cancel()
		delete(c.loops, id)
	}
	c.mu.Unlock()

	c.loopsWG.Wait()
}

// probe runs one check and folds the result into the instance's health
// state, escalating or recovering on the exact transition.
func (c *Checker) probe(ctx context.Context, inst instance.ChallengeInstance) {
	// An instance on its way out is no longer our problem, and its loop
	// will be cancelled momentarily.
	if !inst.IsActive() {
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, config.GetHealthCheckTimeout())
	err := c.CheckOnce(checkCtx, inst)
	cancel()

	// The probe itself runs unlocked (it's network I/O); the status update
	// shares the instance lock with the spawn and destroy paths.
	lock := c.locks.InstanceLock(inst.GetID())
	lock.Lock()
	defer lock.Unlock()

	// Re-check: a destroy may have won the lock while we were probing.
	if !inst.IsActive() {
		return
	}

	if err != nil {
		failures := inst.RecordHealthCheck(false)
		logger.Debugf("health probe for instance %s failed (%d consecutive): %s", inst.GetID(), failures, err)

		// Escalate only on the crossing itself so observers hear about a
		// degradation exactly once.
		if failures == config.GetHealthFailureThreshold() {
			if err := inst.AdvanceStatus(instance.StatusUnhealthy); err != nil {
				logger.Warningf("couldn't mark instance %s unhealthy: %s", inst.GetID(), err)
				return
			}
			logger.Warningf("instance %s degraded after %d consecutive probe failures", inst.GetID(), failures)
			for _, obs := range c.observers {
				obs.OnDegraded(inst)
			}
		}
		return
	}

	wasUnhealthy := inst.GetStatus() == instance.StatusUnhealthy
	inst.RecordHealthCheck(true)
	if wasUnhealthy {
		if err := inst.AdvanceStatus(instance.StatusHealthy); err != nil {
			logger.Warningf("couldn't mark instance %s healthy: %s", inst.GetID(), err)
			return
		}
		logger.Infof("instance %s recovered", inst.GetID())
		for _, obs := range c.observers {
			obs.OnRecovered(inst)
		}
	}
}

// CheckOnce runs a single probe against the instance, picking the probe type
// from the challenge's metadata: an HTTP URL if one is configured, else a
// TCP port, else a command run inside the sandbox, else a TCP dial of the
// first mapped port.
func (c *Checker) CheckOnce(ctx context.Context, inst instance.ChallengeInstance) error {
	if url := inst.MetadataValue("health_check_url"); url != "" {
		return c.probeHTTP(ctx, inst, url)
	}
	if rawPort := inst.MetadataValue("health_check_port"); rawPort != "" {
		port, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil {
			return utils.MakeError("invalid health_check_port %q: %s", rawPort, err)
		}
		return c.probeTCP(ctx, inst, uint16(port))
	}
	if cmd := inst.MetadataValue("health_check_command"); cmd != "" {
		return c.probeCommand(ctx, inst, strings.Fields(cmd))
	}

	network := inst.GetNetwork()
	if len(network.PortMappings) == 0 {
		return utils.MakeError("instance %s has no probe configuration and no mapped ports", inst.GetID())
	}
	return c.probeTCP(ctx, inst, network.PortMappings[0].SandboxPort)
}

func (c *Checker) probeHTTP(ctx context.Context, inst instance.ChallengeInstance, url string) error {
	expectedStatus := http.StatusOK
	if raw := inst.MetadataValue("health_check_status"); raw != "" {
		if status, err := strconv.Atoi(raw); err == nil {
			expectedStatus = status
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return utils.MakeError("couldn't build probe request for %s: %s", url, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return utils.MakeError("HTTP probe of %s failed: %s", url, err)
	}
	resp.Body.Close()

	if resp.StatusCode != expectedStatus {
		return utils.MakeError("HTTP probe of %s returned %d, want %d", url, resp.StatusCode, expectedStatus)
	}
	return nil
}

func (c *Checker) probeTCP(ctx context.Context, inst instance.ChallengeInstance, port uint16) error {
	network := inst.GetNetwork()
	host := network.InternalIP
	if host == "" {
		host = network.ExternalIP
	}
	if host == "" {
		return utils.MakeError("instance %s has no address to probe", inst.GetID())
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return utils.MakeError("TCP probe of %s:%d failed: %s", host, port, err)
	}
	return conn.Close()
}

// probeCommand runs the configured command inside the sandbox; exit zero
// (i.e. a nil error from the provider) is healthy.
func (c *Checker) probeCommand(ctx context.Context, inst instance.ChallengeInstance, cmd []string) error {
	prov, ok := c.providers[inst.GetSandboxType()]
	if !ok {
		return utils.MakeError("no provider for sandbox type %s", inst.GetSandboxType())
	}
	if _, err := prov.Exec(ctx, inst, cmd); err != nil {
		return utils.MakeError("command probe failed: %s", err)
	}
	return nil
}

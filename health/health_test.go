package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cyberpedia/orchestrator/config"
	"github.com/cyberpedia/orchestrator/instance"
	"github.com/cyberpedia/orchestrator/provider"
	"github.com/cyberpedia/orchestrator/types"
	"github.com/cyberpedia/orchestrator/utils"
)

func TestMain(m *testing.M) {
	if err := config.Initialize(""); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

// countingObserver records transition notifications.
type countingObserver struct {
	mu        sync.Mutex
	degraded  int
	recovered int
}

func (o *countingObserver) OnDegraded(inst instance.ChallengeInstance) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.degraded++
}

func (o *countingObserver) OnRecovered(inst instance.ChallengeInstance) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recovered++
}

func (o *countingObserver) counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.degraded, o.recovered
}

// lockBank is a minimal InstanceLocker for tests.
type lockBank struct {
	mu    sync.Mutex
	locks map[types.InstanceID]*sync.Mutex
}

func newLockBank() *lockBank {
	return &lockBank{locks: make(map[types.InstanceID]*sync.Mutex)}
}

func (b *lockBank) InstanceLock(id types.InstanceID) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	if lock, ok := b.locks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	b.locks[id] = lock
	return lock
}

// execProvider only implements Exec meaningfully; everything else is inert.
type execProvider struct {
	mu      sync.Mutex
	execErr error
}

func (p *execProvider) setExecErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.execErr = err
}

func (p *execProvider) Name() types.SandboxType { return types.SandboxTypeContainer }
func (p *execProvider) Spawn(ctx context.Context, inst instance.ChallengeInstance) (*provider.SpawnResult, error) {
	return nil, nil
}
func (p *execProvider) Destroy(ctx context.Context, inst instance.ChallengeInstance) error {
	return nil
}
func (p *execProvider) Exists(ctx context.Context, inst instance.ChallengeInstance) (bool, error) {
	return true, nil
}
func (p *execProvider) Logs(ctx context.Context, inst instance.ChallengeInstance, tailLines int) (string, error) {
	return "", nil
}
func (p *execProvider) Exec(ctx context.Context, inst instance.ChallengeInstance, cmd []string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return "", p.execErr
}
func (p *execProvider) GetStats(ctx context.Context, inst instance.ChallengeInstance) (provider.Stats, error) {
	return provider.Stats{}, nil
}

func runningInstance(t *testing.T, metadata map[string]string) instance.ChallengeInstance {
	t.Helper()
	inst := instance.New("web-pwn-101", "user-1", "", types.SandboxTypeContainer,
		instance.ResourceLimits{}, instance.SecurityProfile{}, metadata, time.Hour)
	for _, s := range []instance.Status{instance.StatusCreating, instance.StatusRunning} {
		if err := inst.AdvanceStatus(s); err != nil {
			t.Fatal(err)
		}
	}
	return inst
}

func TestCheckOnceHTTP(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	checker := NewChecker(nil, newLockBank())
	inst := runningInstance(t, map[string]string{"health_check_url": healthy.URL})
	if err := checker.CheckOnce(context.Background(), inst); err != nil {
		t.Errorf("probe of healthy server failed: %s", err)
	}

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	inst = runningInstance(t, map[string]string{"health_check_url": broken.URL})
	if err := checker.CheckOnce(context.Background(), inst); err == nil {
		t.Errorf("probe of broken server passed")
	}

	// A challenge may legitimately answer with a non-200 (an auth wall,
	// say); the expected status is configurable.
	inst = runningInstance(t, map[string]string{
		"health_check_url":    broken.URL,
		"health_check_status": "500",
	})
	if err := checker.CheckOnce(context.Background(), inst); err != nil {
		t.Errorf("probe with expected status 500 failed: %s", err)
	}
}

func TestCheckOnceTCP(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	port := listener.Addr().(*net.TCPAddr).Port
	checker := NewChecker(nil, newLockBank())

	inst := runningInstance(t, map[string]string{"health_check_port": strconv.Itoa(port)})
	inst.SetNetwork(instance.NetworkConfig{InternalIP: "127.0.0.1"})
	if err := checker.CheckOnce(context.Background(), inst); err != nil {
		t.Errorf("probe of listening port failed: %s", err)
	}

	listener.Close()
	if err := checker.CheckOnce(context.Background(), inst); err == nil {
		t.Errorf("probe of closed port passed")
	}
}

func TestCheckOnceFallsBackToFirstMappedPort(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	checker := NewChecker(nil, newLockBank())
	inst := runningInstance(t, nil)
	inst.SetNetwork(instance.NetworkConfig{
		InternalIP: "127.0.0.1",
		PortMappings: []instance.PortMapping{{
			SandboxPort: uint16(listener.Addr().(*net.TCPAddr).Port),
			Protocol:    "tcp",
		}},
	})
	if err := checker.CheckOnce(context.Background(), inst); err != nil {
		t.Errorf("fallback probe failed: %s", err)
	}

	bare := runningInstance(t, nil)
	if err := checker.CheckOnce(context.Background(), bare); err == nil {
		t.Errorf("probe with no configuration and no ports passed")
	}
}

// Sustained failure must notify observers exactly once per transition, not
// once per failed probe.
func TestEscalationFiresOncePerTransition(t *testing.T) {
	prov := &execProvider{}
	prov.setExecErr(utils.MakeError("service is down"))

	obs := &countingObserver{}
	checker := NewChecker(map[types.SandboxType]provider.SandboxProvider{
		types.SandboxTypeContainer: prov,
	}, newLockBank(), obs)

	inst := runningInstance(t, map[string]string{"health_check_command": "pgrep challenged"})
	threshold := config.GetHealthFailureThreshold()

	// Below the threshold: no escalation yet.
	for i := 0; i < threshold-1; i++ {
		checker.probe(context.Background(), inst)
	}
	if degraded, _ := obs.counts(); degraded != 0 {
		t.Fatalf("observer notified after %d failures, threshold is %d", threshold-1, threshold)
	}
	if inst.GetStatus() != instance.StatusRunning {
		t.Fatalf("status = %s before threshold, want running", inst.GetStatus())
	}

	// Crossing the threshold escalates once; further failures stay quiet.
	for i := 0; i < 3; i++ {
		checker.probe(context.Background(), inst)
	}
	if degraded, _ := obs.counts(); degraded != 1 {
		t.Errorf("OnDegraded fired %d times, want 1", degraded)
	}
	if inst.GetStatus() != instance.StatusUnhealthy {
		t.Errorf("status = %s, want unhealthy", inst.GetStatus())
	}

	// Recovery notifies once and flips the status back.
	prov.setExecErr(nil)
	for i := 0; i < 3; i++ {
		checker.probe(context.Background(), inst)
	}
	if _, recovered := obs.counts(); recovered != 1 {
		t.Errorf("OnRecovered fired %d times, want 1", recovered)
	}
	if inst.GetStatus() != instance.StatusHealthy {
		t.Errorf("status = %s, want healthy", inst.GetStatus())
	}

	// A second degradation is a new transition and notifies again.
	prov.setExecErr(utils.MakeError("down again"))
	for i := 0; i < threshold; i++ {
		checker.probe(context.Background(), inst)
	}
	if degraded, _ := obs.counts(); degraded != 2 {
		t.Errorf("OnDegraded fired %d times after second outage, want 2", degraded)
	}
}

func TestProbeSkipsInactiveInstances(t *testing.T) {
	prov := &execProvider{}
	prov.setExecErr(utils.MakeError("down"))
	obs := &countingObserver{}
	checker := NewChecker(map[types.SandboxType]provider.SandboxProvider{
		types.SandboxTypeContainer: prov,
	}, newLockBank(), obs)

	inst := runningInstance(t, map[string]string{"health_check_command": "true"})
	for _, s := range []instance.Status{instance.StatusDestroying, instance.StatusDestroyed} {
		if err := inst.AdvanceStatus(s); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 5; i++ {
		checker.probe(context.Background(), inst)
	}
	if degraded, _ := obs.counts(); degraded != 0 {
		t.Errorf("destroyed instance was escalated")
	}
}

// Health-status updates share the per-instance lock with spawn and destroy:
// a probe must not fold its result in while another path holds the lock.
func TestProbeSerializesWithInstanceLock(t *testing.T) {
	prov := &execProvider{}
	prov.setExecErr(utils.MakeError("down"))
	bank := newLockBank()
	checker := NewChecker(map[types.SandboxType]provider.SandboxProvider{
		types.SandboxTypeContainer: prov,
	}, bank)

	inst := runningInstance(t, map[string]string{"health_check_command": "pgrep challenged"})

	lock := bank.InstanceLock(inst.GetID())
	lock.Lock()

	done := make(chan struct{})
	go func() {
		checker.probe(context.Background(), inst)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("probe completed while the instance lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	lock.Unlock()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("probe never finished after the lock was released")
	}
}

func TestScheduleAndCancel(t *testing.T) {
	checker := NewChecker(nil, newLockBank())
	defer checker.Close()

	inst := runningInstance(t, map[string]string{"health_check_port": "1"})
	checker.Schedule(context.Background(), inst)

	checker.mu.Lock()
	_, scheduled := checker.loops[inst.GetID()]
	checker.mu.Unlock()
	if !scheduled {
		t.Fatalf("Schedule didn't register a loop")
	}

	checker.Cancel(inst.GetID())
	checker.mu.Lock()
	_, scheduled = checker.loops[inst.GetID()]
	checker.mu.Unlock()
	if scheduled {
		t.Errorf("Cancel left the loop registered")
	}
}

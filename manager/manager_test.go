package manager

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cyberpedia/orchestrator/cache"
	"github.com/cyberpedia/orchestrator/config"
	"github.com/cyberpedia/orchestrator/events"
	"github.com/cyberpedia/orchestrator/instance"
	"github.com/cyberpedia/orchestrator/provider"
	"github.com/cyberpedia/orchestrator/types"
	"github.com/cyberpedia/orchestrator/utils"
)

func TestMain(m *testing.M) {
	// Shrink the retry backoff so queue tests don't sit around for real
	// competition-scale delays.
	os.Setenv("ORCHESTRATOR_SPAWN_RETRY_BASE_DELAY", "10ms")
	os.Setenv("ORCHESTRATOR_SPAWN_RETRY_MAX_DELAY", "50ms")
	if err := config.Initialize(""); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

// memCache is an in-memory cache.Cache for tests.
type memCache struct {
	mu    sync.Mutex
	kv    map[string]string
	sets  map[string]map[string]bool
	lists map[string][]string
}

func newMemCache() *memCache {
	return &memCache{
		kv:    make(map[string]string),
		sets:  make(map[string]map[string]bool),
		lists: make(map[string][]string),
	}
}

func (m *memCache) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	return v, ok, nil
}

func (m *memCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = value
	return nil
}

func (m *memCache) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	return nil
}

func (m *memCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var keys []string
	for k := range m.kv {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	for k := range m.sets {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	for k := range m.lists {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *memCache) LPush(ctx context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(values, m.lists[key]...)
	return nil
}

func (m *memCache) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lists[key]...), nil
}

func (m *memCache) BRPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	m.mu.Lock()
	list := m.lists[key]
	if len(list) > 0 {
		last := list[len(list)-1]
		m.lists[key] = list[:len(list)-1]
		m.mu.Unlock()
		return last, nil
	}
	m.mu.Unlock()

	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Millisecond):
	}
	return "", nil
}

func (m *memCache) SAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sets[key] == nil {
		m.sets[key] = make(map[string]bool)
	}
	for _, member := range members {
		m.sets[key][member] = true
	}
	return nil
}

func (m *memCache) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, member := range members {
		delete(m.sets[key], member)
	}
	return nil
}

func (m *memCache) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var members []string
	for member := range m.sets[key] {
		members = append(members, member)
	}
	return members, nil
}

func (m *memCache) Publish(ctx context.Context, channel, payload string) error { return nil }
func (m *memCache) Close() error                                               { return nil }

// mockProvider is a scriptable SandboxProvider.
type mockProvider struct {
	mu           sync.Mutex
	spawnCalls   int
	destroyCalls int
	spawnErrs    []error // consumed one per spawn; nil entry means success
	destroyErr   error
	exists       bool
	spawnDelay   time.Duration
	onSpawn      func(inst instance.ChallengeInstance)
}

func (p *mockProvider) Name() types.SandboxType { return types.SandboxTypeContainer }

func (p *mockProvider) Spawn(ctx context.Context, inst instance.ChallengeInstance) (*provider.SpawnResult, error) {
	p.mu.Lock()
	p.spawnCalls++
	var err error
	if len(p.spawnErrs) > 0 {
		err = p.spawnErrs[0]
		p.spawnErrs = p.spawnErrs[1:]
	}
	delay := p.spawnDelay
	onSpawn := p.onSpawn
	p.mu.Unlock()

	if onSpawn != nil {
		onSpawn(inst)
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.exists = true
	p.mu.Unlock()
	return &provider.SpawnResult{
		ProviderInstanceID: types.ProviderInstanceID("sandbox-" + inst.GetID().String()),
		Network: instance.NetworkConfig{
			InternalIP:   "172.20.0.5",
			PortMappings: []instance.PortMapping{{SandboxPort: 80, HostPort: 32768, Protocol: "tcp"}},
		},
		AccessURL: "https://challs.cyberpedia.io:32768",
	}, nil
}

func (p *mockProvider) Destroy(ctx context.Context, inst instance.ChallengeInstance) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyCalls++
	if p.destroyErr != nil {
		return p.destroyErr
	}
	p.exists = false
	return nil
}

func (p *mockProvider) Exists(ctx context.Context, inst instance.ChallengeInstance) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exists, nil
}

func (p *mockProvider) Logs(ctx context.Context, inst instance.ChallengeInstance, tailLines int) (string, error) {
	return "", nil
}
func (p *mockProvider) Exec(ctx context.Context, inst instance.ChallengeInstance, cmd []string) (string, error) {
	return "", nil
}
func (p *mockProvider) GetStats(ctx context.Context, inst instance.ChallengeInstance) (provider.Stats, error) {
	return provider.Stats{}, nil
}

func (p *mockProvider) counts() (spawns, destroys int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spawnCalls, p.destroyCalls
}

func newTestManager(t *testing.T) (*Manager, *mockProvider, *memCache) {
	t.Helper()
	mc := newMemCache()
	prov := &mockProvider{}
	providers := map[types.SandboxType]provider.SandboxProvider{
		types.SandboxTypeContainer: prov,
	}
	reg := instance.NewRegistry(mc)
	m := New(context.Background(), reg, providers, mc, events.NewEmitter(mc))
	t.Cleanup(m.checker.Close)
	return m, prov, mc
}

func testRequest(user types.UserID) SpawnRequest {
	return SpawnRequest{
		ChallengeID: "web-pwn-101",
		UserID:      user,
		SandboxType: types.SandboxTypeContainer,
		Metadata:    map[string]string{"image": "cyberpedia/web-pwn-101:latest"},
		TTL:         time.Hour,
	}
}

func TestSpawnHappyPath(t *testing.T) {
	m, prov, mc := newTestManager(t)
	ctx := context.Background()

	inst, err := m.Spawn(ctx, testRequest("user-1"))
	if err != nil {
		t.Fatalf("Spawn failed: %s", err)
	}

	if got := inst.GetStatus(); got != instance.StatusRunning {
		t.Errorf("status = %s, want running", got)
	}
	if inst.GetProviderInstanceID() == "" {
		t.Errorf("provider instance ID not registered")
	}
	if inst.GetCanaryToken() == "" {
		t.Errorf("no canary token assigned")
	}
	if inst.GetAccessURL() == "" {
		t.Errorf("no access URL recorded")
	}
	if spawns, _ := prov.counts(); spawns != 1 {
		t.Errorf("provider spawn calls = %d, want 1", spawns)
	}

	// The running instance must be mirrored durably.
	if _, found, _ := mc.Get(ctx, cache.InstanceKey(inst.GetID().String())); !found {
		t.Errorf("running instance not mirrored to cache")
	}
	if got := m.ListForUser("user-1"); len(got) != 1 {
		t.Errorf("ListForUser = %d instances, want 1", len(got))
	}
}

func TestSpawnValidation(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	bad := testRequest("user-1")
	bad.ChallengeID = ""
	if _, err := m.Spawn(ctx, bad); err == nil {
		t.Errorf("spawn without challenge ID succeeded")
	}

	bad = testRequest("user-1")
	bad.SandboxType = "mainframe"
	if _, err := m.Spawn(ctx, bad); err == nil {
		t.Errorf("spawn with unknown sandbox type succeeded")
	}

	bad = testRequest("user-1")
	bad.SandboxType = types.SandboxTypeMicroVM
	if _, err := m.Spawn(ctx, bad); err == nil {
		t.Errorf("spawn for unregistered provider succeeded")
	}
}

// Five concurrent spawns by one user against a quota of three must admit
// exactly three; the check-then-create sequence runs under the user's lock.
func TestSpawnQuotaUnderConcurrency(t *testing.T) {
	m, prov, _ := newTestManager(t)
	prov.spawnDelay = 20 * time.Millisecond

	const attempts = 5
	results := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Spawn(context.Background(), testRequest("user-1"))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded, quotaRejected := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrQuotaExceeded):
			quotaRejected++
		default:
			t.Errorf("unexpected spawn error: %s", err)
		}
	}

	if succeeded != config.GetMaxActiveInstances() {
		t.Errorf("%d spawns succeeded, want %d", succeeded, config.GetMaxActiveInstances())
	}
	if quotaRejected != attempts-config.GetMaxActiveInstances() {
		t.Errorf("%d spawns quota-rejected, want %d", quotaRejected, attempts-config.GetMaxActiveInstances())
	}
	if got := len(m.ListForUser("user-1")); got != config.GetMaxActiveInstances() {
		t.Errorf("user has %d active instances, want %d", got, config.GetMaxActiveInstances())
	}
}

func TestQuotaFreedByDestroy(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	var insts []instance.ChallengeInstance
	for i := 0; i < config.GetMaxActiveInstances(); i++ {
		inst, err := m.Spawn(ctx, testRequest("user-1"))
		if err != nil {
			t.Fatalf("spawn %d failed: %s", i, err)
		}
		insts = append(insts, inst)
	}

	if _, err := m.Spawn(ctx, testRequest("user-1")); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("spawn over quota = %v, want ErrQuotaExceeded", err)
	}

	if err := m.Destroy(ctx, insts[0].GetID()); err != nil {
		t.Fatalf("Destroy failed: %s", err)
	}
	if _, err := m.Spawn(ctx, testRequest("user-1")); err != nil {
		t.Errorf("spawn after freeing quota failed: %s", err)
	}
}

// The durable record must exist before the provider is asked for real
// infrastructure, so a crash mid-spawn can never orphan a sandbox.
func TestRecordPersistedBeforeProviderCall(t *testing.T) {
	m, prov, mc := newTestManager(t)
	ctx := context.Background()

	var mirroredAtSpawnTime bool
	prov.onSpawn = func(inst instance.ChallengeInstance) {
		_, mirroredAtSpawnTime, _ = mc.Get(ctx, cache.InstanceKey(inst.GetID().String()))
	}

	if _, err := m.Spawn(ctx, testRequest("user-1")); err != nil {
		t.Fatalf("Spawn failed: %s", err)
	}
	if !mirroredAtSpawnTime {
		t.Errorf("instance record was not durable when the provider was called")
	}
}

func TestSpawnFailureFreesQuotaAndCleansUp(t *testing.T) {
	m, prov, mc := newTestManager(t)
	ctx := context.Background()

	prov.mu.Lock()
	prov.spawnErrs = []error{utils.MakeError("image pull failed")}
	prov.mu.Unlock()

	if _, err := m.Spawn(ctx, testRequest("user-1")); err == nil {
		t.Fatalf("spawn succeeded despite provider failure")
	}

	// The failed attempt must leave nothing behind: no quota usage, no
	// mirror, and the provider asked to tear down any partial state.
	if got := len(m.ListForUser("user-1")); got != 0 {
		t.Errorf("failed spawn still counts against quota (%d active)", got)
	}
	if keys, _ := mc.Keys(ctx, cache.InstanceKeyPrefix+"*"); len(keys) != 0 {
		t.Errorf("failed spawn left %d mirrored records", len(keys))
	}
	if _, destroys := prov.counts(); destroys != 1 {
		t.Errorf("provider destroy calls = %d, want 1 (partial state teardown)", destroys)
	}
}

// Capacity exhaustion parks the request durably instead of failing it.
func TestSpawnQueuedOnResourceExhaustion(t *testing.T) {
	m, prov, mc := newTestManager(t)
	ctx := context.Background()

	prov.mu.Lock()
	prov.spawnErrs = []error{provider.ResourceExhausted("no hosts free")}
	prov.mu.Unlock()

	_, err := m.Spawn(ctx, testRequest("user-1"))
	if !errors.Is(err, ErrSpawnQueued) {
		t.Fatalf("spawn under exhaustion = %v, want ErrSpawnQueued", err)
	}

	if depth, _ := m.QueueDepth(ctx); depth != 1 {
		t.Errorf("queue depth = %d, want 1", depth)
	}
	if got := len(m.ListForUser("user-1")); got != 0 {
		t.Errorf("queued spawn still counts against quota (%d active)", got)
	}

	// Capacity comes back; the retry worker replays the parked request.
	raw, _ := mc.BRPop(ctx, time.Second, cache.SpawnRetryQueueKey)
	if raw == "" {
		t.Fatal("nothing on the retry queue")
	}
	var entry queuedSpawn
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		t.Fatalf("queued entry doesn't decode: %s", err)
	}
	m.retrySpawn(ctx, entry)

	if got := len(m.ListForUser("user-1")); got != 1 {
		t.Errorf("user has %d active instances after retry, want 1", got)
	}
}

func TestRetrySpawnBacksOffThroughTransientFailures(t *testing.T) {
	m, prov, _ := newTestManager(t)
	ctx := context.Background()

	prov.mu.Lock()
	prov.spawnErrs = []error{
		provider.ResourceExhausted("still full"),
		provider.ResourceExhausted("still full"),
		nil,
	}
	prov.mu.Unlock()

	m.retrySpawn(ctx, queuedSpawn{Request: testRequest("user-1"), QueuedAt: time.Now()})

	if spawns, _ := prov.counts(); spawns != 3 {
		t.Errorf("provider spawn calls = %d, want 3", spawns)
	}
	if got := len(m.ListForUser("user-1")); got != 1 {
		t.Errorf("user has %d active instances, want 1", got)
	}
}

func TestRetrySpawnGivesUpAfterMaxAttempts(t *testing.T) {
	m, prov, _ := newTestManager(t)
	ctx := context.Background()

	maxAttempts, _, _ := config.GetSpawnRetryPolicy()
	prov.mu.Lock()
	for i := 0; i < maxAttempts+2; i++ {
		prov.spawnErrs = append(prov.spawnErrs, provider.ResourceExhausted("fleet full"))
	}
	prov.mu.Unlock()

	m.retrySpawn(ctx, queuedSpawn{Request: testRequest("user-1"), QueuedAt: time.Now()})

	if spawns, _ := prov.counts(); spawns != maxAttempts {
		t.Errorf("provider spawn calls = %d, want %d", spawns, maxAttempts)
	}
	if got := len(m.ListForUser("user-1")); got != 0 {
		t.Errorf("gave-up request still holds %d instances", got)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	m, prov, _ := newTestManager(t)
	ctx := context.Background()

	inst, err := m.Spawn(ctx, testRequest("user-1"))
	if err != nil {
		t.Fatalf("Spawn failed: %s", err)
	}

	if err := m.Destroy(ctx, inst.GetID()); err != nil {
		t.Fatalf("first Destroy failed: %s", err)
	}
	if err := m.Destroy(ctx, inst.GetID()); err != nil {
		t.Errorf("second Destroy errored: %s", err)
	}
	if _, destroys := prov.counts(); destroys != 1 {
		t.Errorf("provider destroy calls = %d, want 1", destroys)
	}
	if inst.GetStatus() != instance.StatusDestroyed {
		t.Errorf("status = %s, want destroyed", inst.GetStatus())
	}

	// Destroying an ID we've never seen is also a success.
	if err := m.Destroy(ctx, types.NewInstanceID()); err != nil {
		t.Errorf("Destroy of unknown ID errored: %s", err)
	}
}

// A provider that can't destroy its backend must not leave the record stuck:
// the local side is released either way, or the user's quota is locked until
// a human intervenes.
func TestDestroyReleasesRecordWhenProviderFails(t *testing.T) {
	m, prov, mc := newTestManager(t)
	ctx := context.Background()

	inst, err := m.Spawn(ctx, testRequest("user-1"))
	if err != nil {
		t.Fatalf("Spawn failed: %s", err)
	}

	prov.mu.Lock()
	prov.destroyErr = utils.MakeError("docker daemon unreachable")
	prov.mu.Unlock()

	if err := m.Destroy(ctx, inst.GetID()); err != nil {
		t.Fatalf("Destroy propagated the provider failure: %s", err)
	}
	if inst.GetStatus() != instance.StatusDestroyed {
		t.Errorf("status = %s, want destroyed", inst.GetStatus())
	}
	if _, err := m.Get(inst.GetID()); err == nil {
		t.Errorf("record still tracked after destroy")
	}
	if got := len(m.ListForUser("user-1")); got != 0 {
		t.Errorf("failed backend destroy still holds %d of the user's quota", got)
	}
	if keys, _ := mc.Keys(ctx, cache.InstanceKeyPrefix+"*"); len(keys) != 0 {
		t.Errorf("destroy left %d mirrored records", len(keys))
	}
}

// Cloud sandboxes provision real infrastructure and get the longer cloud
// deadline; local sandboxes stay on the short spawn deadline.
func TestCloudSpawnsGetTheLongerDeadline(t *testing.T) {
	t.Cleanup(func() {
		if err := config.Initialize(""); err != nil {
			t.Fatal(err)
		}
	})
	t.Setenv("ORCHESTRATOR_SPAWN_TIMEOUT", "30ms")
	t.Setenv("ORCHESTRATOR_CLOUD_OPERATION_TIMEOUT", "2s")
	if err := config.Initialize(""); err != nil {
		t.Fatal(err)
	}

	mc := newMemCache()
	local := &mockProvider{spawnDelay: 200 * time.Millisecond}
	cloud := &mockProvider{spawnDelay: 200 * time.Millisecond}
	reg := instance.NewRegistry(mc)
	m := New(context.Background(), reg, map[types.SandboxType]provider.SandboxProvider{
		types.SandboxTypeContainer: local,
		types.SandboxTypeCloudAWS:  cloud,
	}, mc, events.NewEmitter(mc))
	t.Cleanup(m.checker.Close)

	if _, err := m.Spawn(context.Background(), testRequest("user-1")); !errors.Is(err, provider.ErrSpawnTimeout) {
		t.Errorf("slow local spawn = %v, want ErrSpawnTimeout", err)
	}

	cloudReq := testRequest("user-1")
	cloudReq.SandboxType = types.SandboxTypeCloudAWS
	if _, err := m.Spawn(context.Background(), cloudReq); err != nil {
		t.Errorf("cloud spawn hit the local deadline: %s", err)
	}
}

// Each health recovery bumps the instance's restart counter and persists it.
func TestRecoveryBumpsRestartCount(t *testing.T) {
	m, _, mc := newTestManager(t)
	ctx := context.Background()

	inst, err := m.Spawn(ctx, testRequest("user-1"))
	if err != nil {
		t.Fatalf("Spawn failed: %s", err)
	}

	m.OnRecovered(inst)
	m.OnRecovered(inst)

	if got := inst.Snapshot().RestartCount; got != 2 {
		t.Errorf("restart count = %d, want 2", got)
	}

	raw, found, _ := mc.Get(ctx, cache.InstanceKey(inst.GetID().String()))
	if !found {
		t.Fatal("recovered instance not mirrored")
	}
	rec, err := instance.UnmarshalRecord(raw)
	if err != nil {
		t.Fatal(err)
	}
	if rec.RestartCount != 2 {
		t.Errorf("mirrored restart count = %d, want 2", rec.RestartCount)
	}
}

func TestExtendTimeout(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	inst, err := m.Spawn(ctx, testRequest("user-1"))
	if err != nil {
		t.Fatalf("Spawn failed: %s", err)
	}
	before, _ := inst.GetExpiresAt()

	after, err := m.ExtendTimeout(ctx, inst.GetID(), 30*time.Minute)
	if err != nil {
		t.Fatalf("ExtendTimeout failed: %s", err)
	}
	if want := before.Add(30 * time.Minute); !after.Equal(want) {
		t.Errorf("new expiry = %s, want %s", after, want)
	}

	if _, err := m.ExtendTimeout(ctx, inst.GetID(), -time.Minute); err == nil {
		t.Errorf("negative extension was permitted")
	}

	if err := m.Destroy(ctx, inst.GetID()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ExtendTimeout(ctx, inst.GetID(), time.Minute); err == nil {
		t.Errorf("extension of destroyed instance was permitted")
	}
}

func TestSweepExpiredDestroysOverdueInstances(t *testing.T) {
	m, prov, _ := newTestManager(t)
	ctx := context.Background()

	req := testRequest("user-1")
	req.TTL = 10 * time.Millisecond
	inst, err := m.Spawn(ctx, req)
	if err != nil {
		t.Fatalf("Spawn failed: %s", err)
	}

	fresh, err := m.Spawn(ctx, testRequest("user-2"))
	if err != nil {
		t.Fatalf("Spawn failed: %s", err)
	}

	time.Sleep(20 * time.Millisecond)
	m.sweepExpired()

	if inst.GetStatus() != instance.StatusDestroyed {
		t.Errorf("expired instance status = %s, want destroyed", inst.GetStatus())
	}
	if fresh.GetStatus() != instance.StatusRunning {
		t.Errorf("fresh instance was swept (status %s)", fresh.GetStatus())
	}
	if _, destroys := prov.counts(); destroys != 1 {
		t.Errorf("provider destroy calls = %d, want 1", destroys)
	}
}

// An instance whose backend vanished is released locally without a second
// provider destroy: the sandbox is already gone.
func TestReapZombies(t *testing.T) {
	m, prov, mc := newTestManager(t)
	ctx := context.Background()

	inst, err := m.Spawn(ctx, testRequest("user-1"))
	if err != nil {
		t.Fatalf("Spawn failed: %s", err)
	}

	// Simulate the container being OOM-killed behind our back.
	prov.mu.Lock()
	prov.exists = false
	prov.mu.Unlock()

	m.reapZombies()

	if inst.GetStatus() != instance.StatusDestroyed {
		t.Errorf("zombie status = %s, want destroyed", inst.GetStatus())
	}
	if _, destroys := prov.counts(); destroys != 0 {
		t.Errorf("provider destroy calls = %d, want 0 for a vanished sandbox", destroys)
	}
	if got := len(m.ListForUser("user-1")); got != 0 {
		t.Errorf("zombie still counts against quota (%d active)", got)
	}
	if keys, _ := mc.Keys(ctx, cache.InstanceKeyPrefix+"*"); len(keys) != 0 {
		t.Errorf("zombie left %d mirrored records", len(keys))
	}
}

func TestShutdownDestroysEverything(t *testing.T) {
	m, prov, _ := newTestManager(t)
	ctx := context.Background()

	users := []types.UserID{"user-1", "user-2", "user-3"}
	for _, user := range users {
		if _, err := m.Spawn(ctx, testRequest(user)); err != nil {
			t.Fatalf("spawn for %s failed: %s", user, err)
		}
	}

	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %s", err)
	}

	if _, destroys := prov.counts(); destroys != len(users) {
		t.Errorf("provider destroy calls = %d, want %d", destroys, len(users))
	}
	for _, user := range users {
		if got := len(m.ListForUser(user)); got != 0 {
			t.Errorf("user %s still has %d instances after shutdown", user, got)
		}
	}
}

func TestRecoverMirrored(t *testing.T) {
	m, _, mc := newTestManager(t)
	ctx := context.Background()

	// A running instance mirrored by a previous run.
	running := instance.New("web-pwn-101", "user-1", "", types.SandboxTypeContainer,
		instance.ResourceLimits{}, instance.SecurityProfile{},
		map[string]string{"image": "cyberpedia/web-pwn-101:latest"}, time.Hour)
	mustAdvance(t, running, instance.StatusCreating, instance.StatusRunning)
	raw, err := instance.MarshalRecord(running.Snapshot())
	if err != nil {
		t.Fatal(err)
	}
	mc.Set(ctx, cache.InstanceKey(running.GetID().String()), raw, 0)

	// A spawn that was cut off mid-flight.
	interrupted := instance.New("pwn-202", "user-2", "", types.SandboxTypeContainer,
		instance.ResourceLimits{}, instance.SecurityProfile{}, nil, time.Hour)
	mustAdvance(t, interrupted, instance.StatusCreating)
	raw, err = instance.MarshalRecord(interrupted.Snapshot())
	if err != nil {
		t.Fatal(err)
	}
	mc.Set(ctx, cache.InstanceKey(interrupted.GetID().String()), raw, 0)

	// A live index entry for the running instance, plus one whose mirror key
	// TTL-expired while we were down.
	mc.SAdd(ctx, cache.UserActiveKey("user-1"), running.GetID().String())
	mc.SAdd(ctx, cache.UserActiveKey("user-9"), types.NewInstanceID().String())

	recovered, err := m.RecoverMirrored(ctx)
	if err != nil {
		t.Fatalf("RecoverMirrored failed: %s", err)
	}
	if recovered != 1 {
		t.Errorf("recovered = %d instances, want 1", recovered)
	}

	// Index entries with no backing record are dropped; live ones survive.
	if members, _ := mc.SMembers(ctx, cache.UserActiveKey("user-9")); len(members) != 0 {
		t.Errorf("stale user index entry survived recovery: %v", members)
	}
	if members, _ := mc.SMembers(ctx, cache.UserActiveKey("user-1")); len(members) != 1 {
		t.Errorf("live user index entry = %v, want the running instance", members)
	}

	got, err := m.Get(running.GetID())
	if err != nil {
		t.Fatalf("recovered instance not tracked: %s", err)
	}
	if got.GetStatus() != instance.StatusRunning {
		t.Errorf("recovered status = %s, want running", got.GetStatus())
	}

	// The interrupted spawn must have been converged to destroyed and its
	// mirror dropped.
	if _, found, _ := mc.Get(ctx, cache.InstanceKey(interrupted.GetID().String())); found {
		t.Errorf("interrupted spawn still mirrored after recovery")
	}
	if got := len(m.ListForUser("user-2")); got != 0 {
		t.Errorf("interrupted spawn still active after recovery")
	}
}

func mustAdvance(t *testing.T, inst instance.ChallengeInstance, states ...instance.Status) {
	t.Helper()
	for _, s := range states {
		if err := inst.AdvanceStatus(s); err != nil {
			t.Fatalf("couldn't advance to %s: %s", s, err)
		}
	}
}

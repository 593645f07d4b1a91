// Package config provides the orchestrator's tunables. Values are loaded
// once at startup from an optional TOML file and then overridden by
// environment variables, and read through package-level getters while the
// service is running. config.Initialize() should be called as close as
// possible to the top of the main function.
package config // import "github.com/cyberpedia/orchestrator/config"

import (
	"strings"
	"sync"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
)

// serviceConfig stores service-global configuration values.
type serviceConfig struct {
	// maxActiveInstances is the maximum number of concurrently active
	// instances a single user may hold.
	maxActiveInstances int

	// spawnTimeout bounds a single provider spawn call end to end.
	spawnTimeout time.Duration

	// cloudOperationTimeout bounds terraform apply/destroy runs, which
	// reflect real infrastructure provisioning latency.
	cloudOperationTimeout time.Duration

	// cleanupInterval is how often the expiry sweep runs.
	cleanupInterval time.Duration

	// zombieCheckInterval is how often tracked instances are verified
	// against their backing provider.
	zombieCheckInterval time.Duration

	// defaultInstanceTTL is the lifetime granted to an instance when the
	// spawn request doesn't specify one.
	defaultInstanceTTL time.Duration

	// healthCheckInterval is the period of the recurring health probe loop.
	healthCheckInterval time.Duration

	// healthCheckTimeout bounds a single probe.
	healthCheckTimeout time.Duration

	// healthFailureThreshold is how many consecutive failed probes mark an
	// instance unhealthy.
	healthFailureThreshold int

	// spawnRetryAttempts, spawnRetryBaseDelay and spawnRetryMaxDelay shape
	// the bounded exponential backoff applied to retryable spawn failures.
	spawnRetryAttempts  int
	spawnRetryBaseDelay time.Duration
	spawnRetryMaxDelay  time.Duration

	redisAddress  string
	redisPassword string

	// proxyDomain is the externally visible domain challenge access URLs
	// are built from.
	proxyDomain string

	// bridgeNetwork is the name of the isolated Docker bridge network
	// challenge containers attach to.
	bridgeNetwork string

	// firecracker settings: binary paths, chroot base for the jailer, boot
	// artifacts and the host bridge TAP devices attach to.
	firecrackerBin  string
	jailerBin       string
	jailerChrootDir string
	vmKernelPath    string
	vmRootfsDir     string
	vmBridge        string

	// terraform settings: binary path, template directory and the base
	// directory for per-instance workspaces.
	terraformBin     string
	templateDir      string
	workspaceBaseDir string

	awsRegion string
}

// config is a singleton that stores service-global configuration values.
var config serviceConfig

// rw synchronizes access to the configuration singleton.
var rw sync.RWMutex

// Initialize populates the configuration singleton. The optional configPath
// TOML file is loaded first; ORCHESTRATOR_* environment variables override
// it; built-in defaults fill the rest.
func Initialize(configPath string) error {
	rw.Lock()
	defer rw.Unlock()

	k := koanf.New(".")

	// Built-in defaults, matching the platform's deployment defaults.
	k.Load(confmap.Provider(map[string]interface{}{
		"instances.limit":           3,
		"instances.ttl":             "2h",
		"spawn.timeout":             "120s",
		"spawn.retry_attempts":      3,
		"spawn.retry_base_delay":    "2s",
		"spawn.retry_max_delay":     "10s",
		"cloud.operation_timeout":   "300s",
		"cloud.region":              "us-east-1",
		"loops.cleanup_interval":    "30s",
		"loops.zombie_interval":     "60s",
		"health.interval":           "30s",
		"health.timeout":            "10s",
		"health.failure_threshold":  3,
		"redis.address":             "localhost:6379",
		"redis.password":            "",
		"network.proxy_domain":      "challs.cyberpedia.io",
		"network.bridge":            "cyberpedia-challs",
		"firecracker.bin":           "/usr/local/bin/firecracker",
		"firecracker.jailer_bin":    "/usr/local/bin/jailer",
		"firecracker.chroot_dir":    "/srv/jailer",
		"firecracker.kernel":        "/var/lib/cyberpedia/vmlinux",
		"firecracker.rootfs_dir":    "/var/lib/cyberpedia/rootfs",
		"firecracker.bridge":        "cyberpedia-vms",
		"terraform.bin":             "/usr/local/bin/terraform",
		"terraform.template_dir":    "/var/lib/cyberpedia/templates",
		"terraform.workspace_dir":   "/var/lib/cyberpedia/workspaces",
	}, "."), nil)

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return err
		}
	}

	// ORCHESTRATOR_SPAWN_TIMEOUT=90s becomes spawn.timeout, and so on.
	k.Load(env.Provider("ORCHESTRATOR_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "ORCHESTRATOR_")), "_", ".", 1)
	}), nil)

	config.maxActiveInstances = k.Int("instances.limit")
	config.defaultInstanceTTL = k.Duration("instances.ttl")
	config.spawnTimeout = k.Duration("spawn.timeout")
	config.spawnRetryAttempts = k.Int("spawn.retry_attempts")
	config.spawnRetryBaseDelay = k.Duration("spawn.retry_base_delay")
	config.spawnRetryMaxDelay = k.Duration("spawn.retry_max_delay")
	config.cloudOperationTimeout = k.Duration("cloud.operation_timeout")
	config.awsRegion = k.String("cloud.region")
	config.cleanupInterval = k.Duration("loops.cleanup_interval")
	config.zombieCheckInterval = k.Duration("loops.zombie_interval")
	config.healthCheckInterval = k.Duration("health.interval")
	config.healthCheckTimeout = k.Duration("health.timeout")
	config.healthFailureThreshold = k.Int("health.failure_threshold")
	config.redisAddress = k.String("redis.address")
	config.redisPassword = k.String("redis.password")
	config.proxyDomain = k.String("network.proxy_domain")
	config.bridgeNetwork = k.String("network.bridge")
	config.firecrackerBin = k.String("firecracker.bin")
	config.jailerBin = k.String("firecracker.jailer_bin")
	config.jailerChrootDir = k.String("firecracker.chroot_dir")
	config.vmKernelPath = k.String("firecracker.kernel")
	config.vmRootfsDir = k.String("firecracker.rootfs_dir")
	config.vmBridge = k.String("firecracker.bridge")
	config.terraformBin = k.String("terraform.bin")
	config.templateDir = k.String("terraform.template_dir")
	config.workspaceBaseDir = k.String("terraform.workspace_dir")

	return nil
}

// GetMaxActiveInstances returns the per-user cap of concurrently active
// instances. This includes instances that are still creating.
func GetMaxActiveInstances() int {
	rw.RLock()
	defer rw.RUnlock()
	return config.maxActiveInstances
}

// GetDefaultInstanceTTL returns the lifetime granted to instances whose
// spawn request didn't specify a timeout.
func GetDefaultInstanceTTL() time.Duration {
	rw.RLock()
	defer rw.RUnlock()
	return config.defaultInstanceTTL
}

// GetSpawnTimeout returns the overall deadline wrapping a provider spawn.
func GetSpawnTimeout() time.Duration {
	rw.RLock()
	defer rw.RUnlock()
	return config.spawnTimeout
}

// GetSpawnRetryPolicy returns the bounded-backoff parameters applied to
// retryable spawn failures: attempts, base delay and delay cap.
func GetSpawnRetryPolicy() (int, time.Duration, time.Duration) {
	rw.RLock()
	defer rw.RUnlock()
	return config.spawnRetryAttempts, config.spawnRetryBaseDelay, config.spawnRetryMaxDelay
}

// GetCloudOperationTimeout returns the deadline for terraform apply/destroy
// runs against real cloud infrastructure.
func GetCloudOperationTimeout() time.Duration {
	rw.RLock()
	defer rw.RUnlock()
	return config.cloudOperationTimeout
}

// GetAWSRegion returns the region cloud-aws instances are provisioned in.
func GetAWSRegion() string {
	rw.RLock()
	defer rw.RUnlock()
	return config.awsRegion
}

// GetCleanupInterval returns how often the expiry sweep runs.
func GetCleanupInterval() time.Duration {
	rw.RLock()
	defer rw.RUnlock()
	return config.cleanupInterval
}

// GetZombieCheckInterval returns how often tracked instances are verified
// against their backing provider.
func GetZombieCheckInterval() time.Duration {
	rw.RLock()
	defer rw.RUnlock()
	return config.zombieCheckInterval
}

// GetHealthCheckInterval returns the period of the health probe loop.
func GetHealthCheckInterval() time.Duration {
	rw.RLock()
	defer rw.RUnlock()
	return config.healthCheckInterval
}

// GetHealthCheckTimeout returns the per-probe timeout.
func GetHealthCheckTimeout() time.Duration {
	rw.RLock()
	defer rw.RUnlock()
	return config.healthCheckTimeout
}

// GetHealthFailureThreshold returns how many consecutive failed probes mark
// an instance unhealthy.
func GetHealthFailureThreshold() int {
	rw.RLock()
	defer rw.RUnlock()
	return config.healthFailureThreshold
}

// GetRedisAddress returns the address of the durable cache.
func GetRedisAddress() string {
	rw.RLock()
	defer rw.RUnlock()
	return config.redisAddress
}

// GetRedisPassword returns the password of the durable cache, if any.
func GetRedisPassword() string {
	rw.RLock()
	defer rw.RUnlock()
	return config.redisPassword
}

// GetProxyDomain returns the externally visible domain access URLs are
// built from.
func GetProxyDomain() string {
	rw.RLock()
	defer rw.RUnlock()
	return config.proxyDomain
}

// GetBridgeNetwork returns the name of the isolated Docker bridge network
// challenge containers attach to. Host networking is never used.
func GetBridgeNetwork() string {
	rw.RLock()
	defer rw.RUnlock()
	return config.bridgeNetwork
}

// GetFirecrackerPaths returns the firecracker binary, the jailer binary and
// the jailer chroot base directory.
func GetFirecrackerPaths() (string, string, string) {
	rw.RLock()
	defer rw.RUnlock()
	return config.firecrackerBin, config.jailerBin, config.jailerChrootDir
}

// GetVMBootArtifacts returns the guest kernel path and the directory rootfs
// images are published to.
func GetVMBootArtifacts() (string, string) {
	rw.RLock()
	defer rw.RUnlock()
	return config.vmKernelPath, config.vmRootfsDir
}

// GetVMBridge returns the host bridge device TAP interfaces attach to.
func GetVMBridge() string {
	rw.RLock()
	defer rw.RUnlock()
	return config.vmBridge
}

// GetTerraformPaths returns the terraform binary, the template directory and
// the base directory per-instance workspaces are created under.
func GetTerraformPaths() (string, string, string) {
	rw.RLock()
	defer rw.RUnlock()
	return config.terraformBin, config.templateDir, config.workspaceBaseDir
}

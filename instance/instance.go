/*
Package instance provides the ChallengeInstance aggregate, the authoritative
record of one isolated sandbox environment, plus the registry that tracks
every instance the orchestrator currently owns.

Many of the methods that access instance data use a lock; follow these
guidelines when writing code that touches the struct fields directly:

 1. Are you accessing a struct field directly? If so, lock.
 2. Are you calling a method? If so, do not lock or you may cause a deadlock.
 3. Are you inside a method? If so, assume the lock is unlocked on entry.
*/
package instance // import "github.com/cyberpedia/orchestrator/instance"

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cyberpedia/orchestrator/types"
	"github.com/cyberpedia/orchestrator/utils"
)

// PortMapping maps a well-known sandbox port to a host-side port allocated
// at spawn time.
type PortMapping struct {
	SandboxPort uint16 `json:"sandbox_port"`
	HostPort    uint16 `json:"host_port"`
	Protocol    string `json:"protocol"`
}

// NetworkConfig describes the network identity of a sandbox.
type NetworkConfig struct {
	InternalIP   string        `json:"internal_ip,omitempty"`
	ExternalIP   string        `json:"external_ip,omitempty"`
	Hostname     string        `json:"hostname,omitempty"`
	MACAddress   string        `json:"mac_address,omitempty"`
	PortMappings []PortMapping `json:"port_mappings,omitempty"`
}

// ResourceLimits caps the resources a sandbox may consume. CPUQuota is a
// fraction of one core (0.5 = half a core); zero values mean "provider
// default".
type ResourceLimits struct {
	CPUQuota       float64 `json:"cpu_quota,omitempty"`
	MemoryBytes    int64   `json:"memory_bytes,omitempty"`
	SwapBytes      int64   `json:"swap_bytes,omitempty"`
	PidsLimit      int64   `json:"pids_limit,omitempty"`
	StorageBytes   int64   `json:"storage_bytes,omitempty"`
	BandwidthBytes int64   `json:"bandwidth_bytes,omitempty"`
}

// SecurityProfile describes the isolation hardening applied to a sandbox.
type SecurityProfile struct {
	SeccompProfile  string   `json:"seccomp_profile,omitempty"`
	AppArmorProfile string   `json:"apparmor_profile,omitempty"`
	SELinuxLabel    string   `json:"selinux_label,omitempty"`
	ReadOnlyRoot    bool     `json:"read_only_root"`
	CapAdd          []string `json:"cap_add,omitempty"`
	CapDrop         []string `json:"cap_drop,omitempty"`
}

// Record is the serializable snapshot of a ChallengeInstance, used for the
// durable cache mirror and for API responses assembled by the HTTP layer.
type Record struct {
	ID                 types.InstanceID         `json:"id"`
	ChallengeID        types.ChallengeID        `json:"challenge_id"`
	UserID             types.UserID             `json:"user_id"`
	TeamID             types.TeamID             `json:"team_id,omitempty"`
	SandboxType        types.SandboxType        `json:"sandbox_type"`
	Status             Status                   `json:"status"`
	Network            NetworkConfig            `json:"network"`
	Limits             ResourceLimits           `json:"limits"`
	Security           SecurityProfile          `json:"security"`
	CanaryToken        types.CanaryToken        `json:"canary_token"`
	ProviderInstanceID types.ProviderInstanceID `json:"provider_instance_id,omitempty"`
	ProviderMetadata   map[string]string        `json:"provider_metadata,omitempty"`
	AccessURL          string                   `json:"access_url,omitempty"`
	CreatedAt          time.Time                `json:"created_at"`
	StartedAt          *time.Time               `json:"started_at,omitempty"`
	LastHealthCheck    *time.Time               `json:"last_health_check,omitempty"`
	ExpiresAt          *time.Time               `json:"expires_at,omitempty"`
	DestroyedAt        *time.Time               `json:"destroyed_at,omitempty"`
	HealthFailures     int                      `json:"health_check_failures"`
	RestartCount       int                      `json:"restart_count"`
}

// ChallengeInstance is the aggregate root of the orchestrator. Higher layers
// only interact with it through this interface; the underlying struct is not
// exported, so instances can only be created through New or FromRecord and
// are therefore always registered consistently.
type ChallengeInstance interface {
	GetID() types.InstanceID
	GetChallengeID() types.ChallengeID
	GetUserID() types.UserID
	GetTeamID() types.TeamID
	GetSandboxType() types.SandboxType

	GetStatus() Status
	// AdvanceStatus moves the instance along the state machine, rejecting
	// transitions the machine doesn't permit. It is the only way to change
	// status, which is what makes the destroyed state monotonic.
	AdvanceStatus(next Status) error
	IsActive() bool
	IsExpired() bool

	GetCanaryToken() types.CanaryToken
	// AssignCanaryToken sets the canary exactly once; reassignment is an
	// error since a rotated canary would break leak attribution.
	AssignCanaryToken(token types.CanaryToken) error

	GetNetwork() NetworkConfig
	SetNetwork(cfg NetworkConfig)
	GetResourceLimits() ResourceLimits
	GetSecurityProfile() SecurityProfile

	// RegisterCreation records the provider-assigned runtime ID. It is set
	// exactly once, when the provider call first succeeds.
	RegisterCreation(providerID types.ProviderInstanceID) error
	GetProviderInstanceID() types.ProviderInstanceID
	GetProviderMetadata() map[string]string
	MetadataValue(key string) string

	GetAccessURL() string
	SetAccessURL(url string)

	MarkStarted()
	GetExpiresAt() (time.Time, bool)
	// ExtendExpiry pushes expires_at out by the given duration. It can only
	// ever grow the deadline.
	ExtendExpiry(additional time.Duration) error
	RemainingLifetime() time.Duration

	// RecordHealthCheck folds one probe result into the instance's health
	// counters and returns the consecutive failure count after the update.
	RecordHealthCheck(healthy bool) int
	IncrementRestartCount() int

	MarkDestroyed()

	// Snapshot returns a deep-enough copy of the instance state for
	// serialization. The returned Record shares no mutable state with the
	// live instance.
	Snapshot() Record
}

type challengeInstance struct {
	// Immutable after creation; no lock needed to read.
	id          types.InstanceID
	challengeID types.ChallengeID
	userID      types.UserID
	teamID      types.TeamID
	sandboxType types.SandboxType
	createdAt   time.Time

	// rwlock protects all the fields below.
	rwlock sync.RWMutex

	status             Status
	network            NetworkConfig
	limits             ResourceLimits
	security           SecurityProfile
	canaryToken        types.CanaryToken
	providerInstanceID types.ProviderInstanceID
	providerMetadata   map[string]string
	accessURL          string

	startedAt       *time.Time
	lastHealthCheck *time.Time
	expiresAt       *time.Time
	destroyedAt     *time.Time

	healthFailures int
	restartCount   int
}

// New creates a fresh ChallengeInstance in the pending state with a newly
// minted instance ID and the provided target configuration. The untyped
// metadata bag is copied so the caller can't mutate it out from under us.
func New(challengeID types.ChallengeID, userID types.UserID, teamID types.TeamID,
	sandboxType types.SandboxType, limits ResourceLimits, security SecurityProfile,
	metadata map[string]string, ttl time.Duration) ChallengeInstance {
	now := time.Now().UTC()
	expires := now.Add(ttl)

	return &challengeInstance{
		id:               types.NewInstanceID(),
		challengeID:      challengeID,
		userID:           userID,
		teamID:           teamID,
		sandboxType:      sandboxType,
		createdAt:        now,
		status:           StatusPending,
		limits:           limits,
		security:         security,
		providerMetadata: copyMetadata(metadata),
		expiresAt:        &expires,
	}
}

// FromRecord rehydrates an instance from its cache mirror, e.g. when
// recovering records that survived a crash mid-spawn.
func FromRecord(rec Record) ChallengeInstance {
	return &challengeInstance{
		id:                 rec.ID,
		challengeID:        rec.ChallengeID,
		userID:             rec.UserID,
		teamID:             rec.TeamID,
		sandboxType:        rec.SandboxType,
		createdAt:          rec.CreatedAt,
		status:             rec.Status,
		network:            rec.Network,
		limits:             rec.Limits,
		security:           rec.Security,
		canaryToken:        rec.CanaryToken,
		providerInstanceID: rec.ProviderInstanceID,
		providerMetadata:   copyMetadata(rec.ProviderMetadata),
		accessURL:          rec.AccessURL,
		startedAt:          copyTime(rec.StartedAt),
		lastHealthCheck:    copyTime(rec.LastHealthCheck),
		expiresAt:          copyTime(rec.ExpiresAt),
		destroyedAt:        copyTime(rec.DestroyedAt),
		healthFailures:     rec.HealthFailures,
		restartCount:       rec.RestartCount,
	}
}

func copyMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// GetID returns the instance ID. Immutable after creation, so no lock.
func (ci *challengeInstance) GetID() types.InstanceID {
	return ci.id
}

// GetChallengeID returns the challenge this instance was spawned from.
func (ci *challengeInstance) GetChallengeID() types.ChallengeID {
	return ci.challengeID
}

// GetUserID returns the owning user.
func (ci *challengeInstance) GetUserID() types.UserID {
	return ci.userID
}

// GetTeamID returns the owning team, if any.
func (ci *challengeInstance) GetTeamID() types.TeamID {
	return ci.teamID
}

// GetSandboxType returns the sandbox technology backing this instance.
func (ci *challengeInstance) GetSandboxType() types.SandboxType {
	return ci.sandboxType
}

// GetStatus returns the current lifecycle state.
func (ci *challengeInstance) GetStatus() Status {
	ci.rwlock.RLock()
	defer ci.rwlock.RUnlock()
	return ci.status
}

// AdvanceStatus moves the instance to the next state if the state machine
// permits it, stamping the relevant timestamps on the way.
func (ci *challengeInstance) AdvanceStatus(next Status) error {
	ci.rwlock.Lock()
	defer ci.rwlock.Unlock()

	if ci.status == next {
		return nil
	}
	if !ci.status.CanTransitionTo(next) {
		return utils.MakeError("instance %s: invalid status transition %s -> %s", ci.id, ci.status, next)
	}

	ci.status = next
	if next == StatusDestroyed {
		now := time.Now().UTC()
		ci.destroyedAt = &now
	}
	return nil
}

// IsActive reports whether the instance counts against its user's quota.
func (ci *challengeInstance) IsActive() bool {
	return ci.GetStatus().IsActive()
}

// IsExpired reports whether the instance has lived past its expiry. Any
// user-facing "use this instance" operation must check this; the cleanup
// loop is only advisory enforcement.
func (ci *challengeInstance) IsExpired() bool {
	ci.rwlock.RLock()
	defer ci.rwlock.RUnlock()
	return ci.expiresAt != nil && time.Now().After(*ci.expiresAt)
}

// GetCanaryToken returns the canary secret assigned to this instance.
func (ci *challengeInstance) GetCanaryToken() types.CanaryToken {
	ci.rwlock.RLock()
	defer ci.rwlock.RUnlock()
	return ci.canaryToken
}

// AssignCanaryToken assigns the canary secret. It can only be done once.
func (ci *challengeInstance) AssignCanaryToken(token types.CanaryToken) error {
	if len(token) == 0 {
		return utils.MakeError("instance %s: can't assign empty canary token", ci.id)
	}

	ci.rwlock.Lock()
	defer ci.rwlock.Unlock()

	if ci.canaryToken != "" {
		return utils.MakeError("instance %s: canary token already assigned", ci.id)
	}
	ci.canaryToken = token
	return nil
}

// GetNetwork returns the network configuration.
func (ci *challengeInstance) GetNetwork() NetworkConfig {
	ci.rwlock.RLock()
	defer ci.rwlock.RUnlock()
	return ci.network
}

// SetNetwork stores the network configuration populated by the provider.
func (ci *challengeInstance) SetNetwork(cfg NetworkConfig) {
	ci.rwlock.Lock()
	defer ci.rwlock.Unlock()
	ci.network = cfg
}

// GetResourceLimits returns the resource caps for this instance.
func (ci *challengeInstance) GetResourceLimits() ResourceLimits {
	ci.rwlock.RLock()
	defer ci.rwlock.RUnlock()
	return ci.limits
}

// GetSecurityProfile returns the isolation hardening settings.
func (ci *challengeInstance) GetSecurityProfile() SecurityProfile {
	ci.rwlock.RLock()
	defer ci.rwlock.RUnlock()
	return ci.security
}

// RegisterCreation records the provider-assigned runtime ID, exactly once.
func (ci *challengeInstance) RegisterCreation(providerID types.ProviderInstanceID) error {
	if len(providerID) == 0 {
		return utils.MakeError("instance %s: can't register empty provider instance ID", ci.id)
	}

	ci.rwlock.Lock()
	defer ci.rwlock.Unlock()

	if ci.providerInstanceID != "" {
		return utils.MakeError("instance %s: provider instance ID already registered as %s", ci.id, ci.providerInstanceID)
	}
	ci.providerInstanceID = providerID
	return nil
}

// GetProviderInstanceID returns the provider-assigned runtime ID, or the
// empty string if the instance never got past the provider call.
func (ci *challengeInstance) GetProviderInstanceID() types.ProviderInstanceID {
	ci.rwlock.RLock()
	defer ci.rwlock.RUnlock()
	return ci.providerInstanceID
}

// GetProviderMetadata returns a copy of the free-form spawn parameter bag.
func (ci *challengeInstance) GetProviderMetadata() map[string]string {
	ci.rwlock.RLock()
	defer ci.rwlock.RUnlock()
	return copyMetadata(ci.providerMetadata)
}

// MetadataValue returns one value from the spawn parameter bag, or "".
func (ci *challengeInstance) MetadataValue(key string) string {
	ci.rwlock.RLock()
	defer ci.rwlock.RUnlock()
	return ci.providerMetadata[key]
}

// GetAccessURL returns the externally reachable URL for this instance.
func (ci *challengeInstance) GetAccessURL() string {
	ci.rwlock.RLock()
	defer ci.rwlock.RUnlock()
	return ci.accessURL
}

// SetAccessURL stores the externally reachable URL for this instance.
func (ci *challengeInstance) SetAccessURL(url string) {
	ci.rwlock.Lock()
	defer ci.rwlock.Unlock()
	ci.accessURL = url
}

// MarkStarted stamps the started timestamp.
func (ci *challengeInstance) MarkStarted() {
	ci.rwlock.Lock()
	defer ci.rwlock.Unlock()
	now := time.Now().UTC()
	ci.startedAt = &now
}

// GetExpiresAt returns the expiry deadline and whether one is set.
func (ci *challengeInstance) GetExpiresAt() (time.Time, bool) {
	ci.rwlock.RLock()
	defer ci.rwlock.RUnlock()
	if ci.expiresAt == nil {
		return time.Time{}, false
	}
	return *ci.expiresAt, true
}

// ExtendExpiry pushes the expiry deadline out by the given duration. A
// non-positive extension is rejected, so expires_at only ever grows.
func (ci *challengeInstance) ExtendExpiry(additional time.Duration) error {
	if additional <= 0 {
		return utils.MakeError("instance %s: expiry extension must be positive, got %s", ci.id, additional)
	}

	ci.rwlock.Lock()
	defer ci.rwlock.Unlock()

	if ci.expiresAt == nil {
		expires := time.Now().UTC().Add(additional)
		ci.expiresAt = &expires
		return nil
	}
	extended := ci.expiresAt.Add(additional)
	ci.expiresAt = &extended
	return nil
}

// RemainingLifetime returns how long until the instance expires. Instances
// with no deadline report zero, which callers treat as "no TTL".
func (ci *challengeInstance) RemainingLifetime() time.Duration {
	ci.rwlock.RLock()
	defer ci.rwlock.RUnlock()
	if ci.expiresAt == nil {
		return 0
	}
	remaining := time.Until(*ci.expiresAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordHealthCheck folds one probe result into the health counters and
// returns the consecutive failure count after the update.
func (ci *challengeInstance) RecordHealthCheck(healthy bool) int {
	ci.rwlock.Lock()
	defer ci.rwlock.Unlock()

	now := time.Now().UTC()
	ci.lastHealthCheck = &now
	if healthy {
		ci.healthFailures = 0
	} else {
		ci.healthFailures++
	}
	return ci.healthFailures
}

// IncrementRestartCount bumps the restart counter and returns the new value.
func (ci *challengeInstance) IncrementRestartCount() int {
	ci.rwlock.Lock()
	defer ci.rwlock.Unlock()
	ci.restartCount++
	return ci.restartCount
}

// MarkDestroyed stamps the destruction timestamp without going through the
// state machine. Used by FromRecord recovery paths; normal destruction goes
// through AdvanceStatus(StatusDestroyed), which stamps it as well.
func (ci *challengeInstance) MarkDestroyed() {
	ci.rwlock.Lock()
	defer ci.rwlock.Unlock()
	if ci.destroyedAt == nil {
		now := time.Now().UTC()
		ci.destroyedAt = &now
	}
}

// Snapshot returns a serializable copy of the instance state.
func (ci *challengeInstance) Snapshot() Record {
	ci.rwlock.RLock()
	defer ci.rwlock.RUnlock()

	return Record{
		ID:                 ci.id,
		ChallengeID:        ci.challengeID,
		UserID:             ci.userID,
		TeamID:             ci.teamID,
		SandboxType:        ci.sandboxType,
		Status:             ci.status,
		Network:            ci.network,
		Limits:             ci.limits,
		Security:           ci.security,
		CanaryToken:        ci.canaryToken,
		ProviderInstanceID: ci.providerInstanceID,
		ProviderMetadata:   copyMetadata(ci.providerMetadata),
		AccessURL:          ci.accessURL,
		CreatedAt:          ci.createdAt,
		StartedAt:          copyTime(ci.startedAt),
		LastHealthCheck:    copyTime(ci.lastHealthCheck),
		ExpiresAt:          copyTime(ci.expiresAt),
		DestroyedAt:        copyTime(ci.destroyedAt),
		HealthFailures:     ci.healthFailures,
		RestartCount:       ci.restartCount,
	}
}

// MarshalRecord serializes a Record to its cache representation.
func MarshalRecord(rec Record) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", utils.MakeError("couldn't marshal instance record %s: %s", rec.ID, err)
	}
	return string(data), nil
}

// UnmarshalRecord parses a cache representation back into a Record.
func UnmarshalRecord(raw string) (Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, utils.MakeError("couldn't unmarshal instance record: %s", err)
	}
	return rec, nil
}

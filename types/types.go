// Package types contains the shared identifier and enum types used across
// the orchestrator. We define this package separately so that it can be
// safely imported by every other package without creating import cycles.
package types // import "github.com/cyberpedia/orchestrator/types"

import (
	"encoding/json"
	"strings"

	"github.com/cyberpedia/orchestrator/utils"
	"github.com/google/uuid"
)

// We define special types for the following string types for all the benefits
// of type safety, including making sure we never mix up, for instance, an
// orchestrator-assigned instance ID and a provider-assigned one.

type (
	// An InstanceID is a random identifier created for each challenge
	// instance. We need some sort of identifier for each instance, and we
	// need it before the backing provider gives us back its own runtime ID.
	InstanceID uuid.UUID

	// A ProviderInstanceID is assigned by the backing sandbox provider at
	// creation time (a Docker container ID, a Firecracker jail name, or a
	// cloud resource ID). It is opaque to everything except the provider
	// that issued it.
	ProviderInstanceID string

	// ChallengeID identifies the challenge definition an instance was
	// spawned from.
	ChallengeID string

	// UserID is the id assigned to a user by the authentication provider.
	UserID string

	// TeamID is the id of the team a user belongs to, if any.
	TeamID string

	// A CanaryToken is a unique secret injected into every sandbox so that
	// leaked or shared access can be traced back to the issuing instance.
	// Once assigned it is immutable for the instance's lifetime.
	CanaryToken string
)

// SandboxType determines which provider backs a challenge instance. It is
// fixed at creation and immutable afterwards.
type SandboxType string

// The full set of sandbox types the orchestrator knows about. Note that
// `static` and `hardware` instances have no spawnable backing infrastructure;
// they are tracked for quota purposes only.
const (
	SandboxTypeStatic    SandboxType = "static"
	SandboxTypeContainer SandboxType = "container"
	SandboxTypeMicroVM   SandboxType = "microvm"
	SandboxTypeCloudAWS  SandboxType = "cloud-aws"
	SandboxTypeCloudGCP  SandboxType = "cloud-gcp"
	SandboxTypeHardware  SandboxType = "hardware"
)

// ParseSandboxType validates a raw sandbox type string coming in from the
// request-parsing edge. Unknown types are a validation error, never retried.
func ParseSandboxType(raw string) (SandboxType, error) {
	switch t := SandboxType(strings.ToLower(strings.TrimSpace(raw))); t {
	case SandboxTypeStatic, SandboxTypeContainer, SandboxTypeMicroVM,
		SandboxTypeCloudAWS, SandboxTypeCloudGCP, SandboxTypeHardware:
		return t, nil
	default:
		return "", utils.MakeError("unknown sandbox type %q", raw)
	}
}

// IsCloud reports whether the sandbox type is backed by cloud infrastructure
// provisioned through a declarative template, which carries much longer
// operation deadlines than anything host-local.
func (t SandboxType) IsCloud() bool {
	return t == SandboxTypeCloudAWS || t == SandboxTypeCloudGCP
}

// NewInstanceID mints a fresh random InstanceID.
func NewInstanceID() InstanceID {
	return InstanceID(uuid.New())
}

// ParseInstanceID parses a uuid string into an InstanceID.
func ParseInstanceID(raw string) (InstanceID, error) {
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return InstanceID{}, utils.MakeError("invalid instance ID %q: %s", raw, err)
	}
	return InstanceID(parsed), nil
}

// String returns the underlying uuid string of the InstanceID.
func (id InstanceID) String() string {
	return uuid.UUID(id).String()
}

// MarshalJSON marshals the InstanceID as a uuid string.
func (id InstanceID) MarshalJSON() ([]byte, error) {
	return json.Marshal(uuid.UUID(id).String())
}

// UnmarshalJSON unmarshals a uuid string into an InstanceID. An invalid uuid
// is an error, since instance IDs are only ever minted by the orchestrator.
func (id *InstanceID) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	parsed, err := ParseInstanceID(raw)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

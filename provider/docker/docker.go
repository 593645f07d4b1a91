// Package docker implements the container sandbox provider on the Docker
// Engine API. Challenge containers run hardened: read-only root filesystem,
// every capability dropped unless explicitly added back, seccomp/AppArmor
// profiles, CPU/memory/swap/pid caps, a tmpfs /tmp, and attachment to an
// isolated bridge network. Host networking is never used.
package docker // import "github.com/cyberpedia/orchestrator/provider/docker"

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	dockernetwork "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	dockernat "github.com/docker/go-connections/nat"
	dockerunits "github.com/docker/go-units"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/cyberpedia/orchestrator/config"
	logger "github.com/cyberpedia/orchestrator/cyberlogger"
	"github.com/cyberpedia/orchestrator/instance"
	"github.com/cyberpedia/orchestrator/provider"
	"github.com/cyberpedia/orchestrator/types"
	"github.com/cyberpedia/orchestrator/utils"
)

// canaryPath is where the canary secret is written inside every container.
// Hidden file, root-owned, world-readable: players who fully compromise the
// sandbox can find it, which is exactly the point.
const canaryPath = "/.challenge_canary"

// containerParams is the typed form of the untyped provider metadata bag.
// The bag only exists at the request-parsing edge; everything past New()
// works with this struct.
type containerParams struct {
	image       string
	cmd         []string
	env         []string
	exposed     []dockernat.Port
	healthURL   string
	tmpfsSizeMB int
}

// paramsFromInstance converts the instance's metadata bag into typed
// container parameters, validating as it goes.
func paramsFromInstance(inst instance.ChallengeInstance) (containerParams, error) {
	params := containerParams{
		tmpfsSizeMB: 64,
	}

	params.image = inst.MetadataValue("image")
	if params.image == "" {
		return params, utils.MakeError("container spawn for instance %s is missing an image", inst.GetID())
	}

	if rawCmd := inst.MetadataValue("command"); rawCmd != "" {
		params.cmd = strings.Fields(rawCmd)
	}

	for _, kv := range strings.Split(inst.MetadataValue("env"), ",") {
		if kv = strings.TrimSpace(kv); kv != "" {
			params.env = append(params.env, kv)
		}
	}

	// "ports" is a comma-separated list like "80/tcp,31337/tcp". Default to
	// a single tcp/80 service if the challenge author didn't say.
	rawPorts := inst.MetadataValue("ports")
	if rawPorts == "" {
		rawPorts = "80/tcp"
	}
	for _, p := range strings.Split(rawPorts, ",") {
		proto, port := dockernat.SplitProtoPort(strings.TrimSpace(p))
		natPort, err := dockernat.NewPort(proto, port)
		if err != nil {
			return params, utils.MakeError("invalid port spec %q for instance %s: %s", p, inst.GetID(), err)
		}
		params.exposed = append(params.exposed, natPort)
	}

	params.healthURL = inst.MetadataValue("health_check_url")

	if rawTmpfs := inst.MetadataValue("tmpfs_size_mb"); rawTmpfs != "" {
		if size, err := strconv.Atoi(rawTmpfs); err == nil && size > 0 {
			params.tmpfsSizeMB = size
		}
	}

	return params, nil
}

// Provider is the container sandbox provider.
type Provider struct {
	client dockerclient.CommonAPIClient
}

// New creates a container provider backed by the local Docker daemon.
func New() (*Provider, error) {
	client, err := dockerclient.NewClientWithOpts(dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, utils.MakeError("error creating new Docker client: %s", err)
	}
	return &Provider{client: client}, nil
}

// NewWithClient creates a container provider with an injected client, for
// tests.
func NewWithClient(client dockerclient.CommonAPIClient) *Provider {
	return &Provider{client: client}
}

// Name returns the sandbox type this provider serves.
func (p *Provider) Name() types.SandboxType {
	return types.SandboxTypeContainer
}

// buildHostConfig translates the instance's resource limits and security
// profile into a Docker HostConfig. CPU quota is expressed to Docker as
// quota/period over the default 100ms period.
func buildHostConfig(inst instance.ChallengeInstance, params containerParams) *dockercontainer.HostConfig {
	limits := inst.GetResourceLimits()
	security := inst.GetSecurityProfile()

	const cpuPeriod = 100000
	var cpuQuota int64
	if limits.CPUQuota > 0 {
		cpuQuota = int64(limits.CPUQuota * cpuPeriod)
	}

	memory := limits.MemoryBytes
	if memory == 0 {
		memory = 256 * dockerunits.MiB
	}
	memorySwap := memory
	if limits.SwapBytes > 0 {
		memorySwap = memory + limits.SwapBytes
	}

	pidsLimit := limits.PidsLimit
	if pidsLimit == 0 {
		pidsLimit = 128
	}

	capAdd := security.CapAdd
	securityOpt := []string{"no-new-privileges"}
	if security.SeccompProfile != "" {
		securityOpt = append(securityOpt, "seccomp="+security.SeccompProfile)
	}
	if security.AppArmorProfile != "" {
		securityOpt = append(securityOpt, "apparmor="+security.AppArmorProfile)
	}

	portBindings := make(dockernat.PortMap)
	for _, port := range params.exposed {
		// HostPort 0 makes the daemon allocate a random free host port;
		// we read the allocation back from inspect after start.
		portBindings[port] = []dockernat.PortBinding{{HostIP: "0.0.0.0", HostPort: "0"}}
	}

	return &dockercontainer.HostConfig{
		ReadonlyRootfs: security.ReadOnlyRoot,
		CapDrop:        strslice.StrSlice{"ALL"},
		CapAdd:         strslice.StrSlice(capAdd),
		SecurityOpt:    securityOpt,
		PortBindings:   portBindings,
		NetworkMode:    dockercontainer.NetworkMode(config.GetBridgeNetwork()),
		Tmpfs: map[string]string{
			"/tmp": utils.Sprintf("rw,noexec,nosuid,size=%dm", params.tmpfsSizeMB),
		},
		Resources: dockercontainer.Resources{
			CPUPeriod:  cpuPeriod,
			CPUQuota:   cpuQuota,
			Memory:     memory,
			MemorySwap: memorySwap,
			PidsLimit:  &pidsLimit,
		},
	}
}

// Spawn creates and starts a hardened challenge container, then injects the
// canary token into its filesystem.
func (p *Provider) Spawn(ctx context.Context, inst instance.ChallengeInstance) (*provider.SpawnResult, error) {
	params, err := paramsFromInstance(inst)
	if err != nil {
		return nil, err
	}

	exposedPorts := make(dockernat.PortSet)
	for _, port := range params.exposed {
		exposedPorts[port] = struct{}{}
	}

	env := append([]string{
		utils.Sprintf("CHALLENGE_ID=%s", inst.GetChallengeID()),
		utils.Sprintf("INSTANCE_ID=%s", inst.GetID()),
	}, params.env...)

	containerConfig := &dockercontainer.Config{
		Image:        params.image,
		Cmd:          strslice.StrSlice(params.cmd),
		Env:          env,
		ExposedPorts: exposedPorts,
		Hostname:     utils.Sprintf("chall-%.8s", inst.GetID().String()),
	}

	containerName := utils.Sprintf("chall-%s-%.8s", inst.GetChallengeID(), inst.GetID().String())

	body, err := p.client.ContainerCreate(ctx, containerConfig, buildHostConfig(inst, params),
		&dockernetwork.NetworkingConfig{}, &v1.Platform{Architecture: "amd64", OS: "linux"}, containerName)
	if err != nil {
		return nil, classifyDockerError(err)
	}
	containerID := body.ID
	logger.Infof("Spawn(): created container %s for instance %s", containerID, inst.GetID())

	if err := p.client.ContainerStart(ctx, containerID, dockertypes.ContainerStartOptions{}); err != nil {
		// Leave no half-started container behind.
		p.removeContainer(containerID)
		return nil, classifyDockerError(err)
	}

	inspect, err := p.client.ContainerInspect(ctx, containerID)
	if err != nil {
		p.removeContainer(containerID)
		return nil, utils.MakeError("couldn't inspect container %s after start: %s", containerID, err)
	}

	network := instance.NetworkConfig{
		Hostname: containerConfig.Hostname,
	}
	if settings := inspect.NetworkSettings; settings != nil {
		if bridge, ok := settings.Networks[config.GetBridgeNetwork()]; ok {
			network.InternalIP = bridge.IPAddress
			network.MACAddress = bridge.MacAddress
		}
		for port, bindings := range settings.Ports {
			for _, binding := range bindings {
				hostPort, err := strconv.ParseUint(binding.HostPort, 10, 16)
				if err != nil {
					continue
				}
				network.PortMappings = append(network.PortMappings, instance.PortMapping{
					SandboxPort: uint16(port.Int()),
					HostPort:    uint16(hostPort),
					Protocol:    port.Proto(),
				})
			}
		}
	}

	if err := p.injectCanary(ctx, containerID, string(inst.GetCanaryToken())); err != nil {
		logger.Warningf("couldn't inject canary into container %s: %s", containerID, err)
	}

	return &provider.SpawnResult{
		ProviderInstanceID: types.ProviderInstanceID(containerID),
		Network:            network,
		AccessURL:          accessURL(network),
	}, nil
}

// accessURL builds the externally visible URL from the proxy domain and the
// first allocated host port.
func accessURL(network instance.NetworkConfig) string {
	if len(network.PortMappings) == 0 {
		return ""
	}
	return utils.Sprintf("https://%s:%d", config.GetProxyDomain(), network.PortMappings[0].HostPort)
}

// injectCanary writes the canary secret into a hidden file inside the
// running container. We exec a shell rather than use the copy API so the
// write works on read-only root filesystems with a tmpfs overlay as well.
func (p *Provider) injectCanary(ctx context.Context, containerID, token string) error {
	if token == "" {
		return nil
	}
	_, err := p.execInContainer(ctx, containerID,
		[]string{"/bin/sh", "-c", utils.Sprintf("echo '%s' > %s && chmod 0444 %s", token, canaryPath, canaryPath)})
	return err
}

// Destroy removes the container. Already-gone containers are a success.
func (p *Provider) Destroy(ctx context.Context, inst instance.ChallengeInstance) error {
	containerID := string(inst.GetProviderInstanceID())
	if containerID == "" {
		// Never got past create; nothing to tear down.
		return nil
	}

	err := p.client.ContainerRemove(ctx, containerID, dockertypes.ContainerRemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return utils.MakeError("error removing container %s: %s", containerID, err)
	}
	return nil
}

// Exists asks the daemon whether the container object is still present. A
// stopped container still counts: it holds disk state only ContainerRemove
// releases, so it must be destroyed, never written off as vanished.
func (p *Provider) Exists(ctx context.Context, inst instance.ChallengeInstance) (bool, error) {
	containerID := string(inst.GetProviderInstanceID())
	if containerID == "" {
		return false, nil
	}

	if _, err := p.client.ContainerInspect(ctx, containerID); err != nil {
		if dockerclient.IsErrNotFound(err) {
			return false, nil
		}
		return false, utils.MakeError("error inspecting container %s: %s", containerID, err)
	}
	return true, nil
}

// Logs returns the last tailLines lines of the container's output.
func (p *Provider) Logs(ctx context.Context, inst instance.ChallengeInstance, tailLines int) (string, error) {
	containerID := string(inst.GetProviderInstanceID())
	if containerID == "" {
		return "", nil
	}

	reader, err := p.client.ContainerLogs(ctx, containerID, dockertypes.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tailLines),
	})
	if err != nil {
		return "", utils.MakeError("error fetching logs for container %s: %s", containerID, err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", utils.MakeError("error demultiplexing logs for container %s: %s", containerID, err)
	}
	return stdout.String() + stderr.String(), nil
}

// Exec runs a command inside the container and returns its combined output.
func (p *Provider) Exec(ctx context.Context, inst instance.ChallengeInstance, cmd []string) (string, error) {
	containerID := string(inst.GetProviderInstanceID())
	if containerID == "" {
		return "", utils.MakeError("instance %s has no container to exec in", inst.GetID())
	}
	return p.execInContainer(ctx, containerID, cmd)
}

func (p *Provider) execInContainer(ctx context.Context, containerID string, cmd []string) (string, error) {
	execID, err := p.client.ContainerExecCreate(ctx, containerID, dockertypes.ExecConfig{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", utils.MakeError("error creating exec in container %s: %s", containerID, err)
	}

	attach, err := p.client.ContainerExecAttach(ctx, execID.ID, dockertypes.ExecStartCheck{})
	if err != nil {
		return "", utils.MakeError("error attaching to exec in container %s: %s", containerID, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return "", utils.MakeError("error reading exec output from container %s: %s", containerID, err)
	}
	return stdout.String() + stderr.String(), nil
}

// GetStats returns a one-shot resource usage sample for the container.
func (p *Provider) GetStats(ctx context.Context, inst instance.ChallengeInstance) (provider.Stats, error) {
	containerID := string(inst.GetProviderInstanceID())
	if containerID == "" {
		return provider.Stats{}, nil
	}

	resp, err := p.client.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return provider.Stats{}, utils.MakeError("error fetching stats for container %s: %s", containerID, err)
	}
	defer resp.Body.Close()

	var raw dockertypes.StatsJSON
	if err := decodeStats(resp.Body, &raw); err != nil {
		return provider.Stats{}, err
	}

	stats := provider.Stats{
		MemoryBytes: raw.MemoryStats.Usage,
		PIDs:        int(raw.PidsStats.Current),
	}
	// One-shot samples have no previous reading, so CPU percent is usage
	// over system usage for the whole container lifetime.
	if raw.CPUStats.SystemUsage > 0 {
		stats.CPUPercent = float64(raw.CPUStats.CPUUsage.TotalUsage) / float64(raw.CPUStats.SystemUsage) * 100.0
	}
	return stats, nil
}

func decodeStats(r io.Reader, out *dockertypes.StatsJSON) error {
	if err := json.NewDecoder(r).Decode(out); err != nil {
		return utils.MakeError("error decoding container stats: %s", err)
	}
	return nil
}

// removeContainer force-removes a container on a best-effort basis, for
// cleanup paths where the original context may already be dead.
func (p *Provider) removeContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := p.client.ContainerRemove(ctx, containerID, dockertypes.ContainerRemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		logger.Errorf("couldn't clean up partially created container %s: %s", containerID, err)
	}
}

// classifyDockerError maps daemon errors onto the shared provider taxonomy
// so the manager can decide whether to retry.
func classifyDockerError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "no space left") ||
		strings.Contains(msg, "cannot allocate memory") ||
		strings.Contains(msg, "could not find an available") {
		return provider.ResourceExhausted("docker daemon out of capacity: %s", err)
	}
	return utils.MakeError("docker spawn failed: %s", err)
}

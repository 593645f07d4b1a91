// Package firecracker implements the microVM sandbox provider on Firecracker.
// Each instance boots a dedicated VM under the jailer with its own chroot, a
// writable copy of the challenge rootfs, and a TAP device attached to the
// host bridge. Kernel-level challenges get real kernel isolation here that
// the container provider cannot give them.
package firecracker // import "github.com/cyberpedia/orchestrator/provider/firecracker"

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/cyberpedia/orchestrator/config"
	logger "github.com/cyberpedia/orchestrator/cyberlogger"
	"github.com/cyberpedia/orchestrator/instance"
	"github.com/cyberpedia/orchestrator/provider"
	"github.com/cyberpedia/orchestrator/types"
	"github.com/cyberpedia/orchestrator/utils"
)

const (
	// apiSocketName is the Firecracker API socket filename inside the
	// jailer chroot.
	apiSocketName = "firecracker.socket"

	// guestNetmask matches the /16 the VM bridge is configured with.
	guestNetmask = "255.255.0.0"
)

// vmHandle is the provider's bookkeeping for one running microVM.
type vmHandle struct {
	machine   *fcsdk.Machine
	tapDevice string
	chrootDir string
}

// Provider is the microVM sandbox provider.
type Provider struct {
	mu  sync.Mutex
	vms map[types.InstanceID]*vmHandle

	// processAlive reports whether a VMM serving the given VM ID is running
	// on this host. Swappable for tests; the default scans the process
	// table.
	processAlive func(ctx context.Context, vmID string) (bool, error)
}

// New creates a microVM provider. It verifies the Firecracker and jailer
// binaries are present so misconfiguration fails at startup, not at the
// first player spawn.
func New() (*Provider, error) {
	fcBin, jailerBin, _ := config.GetFirecrackerPaths()
	for _, bin := range []string{fcBin, jailerBin} {
		if _, err := os.Stat(bin); err != nil {
			return nil, utils.MakeError("firecracker binary %s not usable: %s", bin, err)
		}
	}
	return &Provider{
		vms: make(map[types.InstanceID]*vmHandle),
		processAlive: func(ctx context.Context, vmID string) (bool, error) {
			proc, err := findVMMProcess(ctx, vmID)
			return proc != nil, err
		},
	}, nil
}

// vmIDForInstance derives the jailer VM ID from an instance ID. The mapping
// is deterministic so a restarted orchestrator can find a VM's jail again
// without any stored state.
func vmIDForInstance(id types.InstanceID) string {
	return utils.Sprintf("chall-%.8s", id.String())
}

// chrootDirForInstance returns the jail root directory of an instance's VM.
func chrootDirForInstance(id types.InstanceID) string {
	fcBin, _, chrootBase := config.GetFirecrackerPaths()
	return filepath.Join(chrootBase, filepath.Base(fcBin), vmIDForInstance(id), "root")
}

func apiSocketPath(id types.InstanceID) string {
	return filepath.Join(chrootDirForInstance(id), "run", apiSocketName)
}

// findVMMProcess locates the VMM process carrying the given VM ID on its
// command line, or nil if none is running.
func findVMMProcess(ctx context.Context, vmID string) (*process.Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, utils.MakeError("couldn't list host processes: %s", err)
	}
	for _, proc := range procs {
		args, err := proc.CmdlineSliceWithContext(ctx)
		if err != nil {
			continue
		}
		for _, arg := range args {
			if arg == vmID {
				return proc, nil
			}
		}
	}
	return nil, nil
}

// Name returns the sandbox type this provider serves.
func (p *Provider) Name() types.SandboxType {
	return types.SandboxTypeMicroVM
}

// Spawn boots a microVM for the instance and waits until the guest's
// challenge service answers on its port. There is no fixed boot sleep: we
// wait on the API socket and then probe the guest directly.
func (p *Provider) Spawn(ctx context.Context, inst instance.ChallengeInstance) (*provider.SpawnResult, error) {
	fcBin, jailerBin, chrootBase := config.GetFirecrackerPaths()
	kernelPath, rootfsDir := config.GetVMBootArtifacts()

	vmID := vmIDForInstance(inst.GetID())
	chrootDir := chrootDirForInstance(inst.GetID())
	if err := os.MkdirAll(chrootDir, 0o755); err != nil {
		return nil, utils.MakeError("couldn't create chroot for VM %s: %s", vmID, err)
	}

	// Every VM gets its own writable copy of the challenge rootfs, placed
	// inside the chroot so the jailed process can reach it.
	baseRootfs := filepath.Join(rootfsDir, utils.Sprintf("%s.ext4", inst.GetChallengeID()))
	if err := copyFile(baseRootfs, filepath.Join(chrootDir, "rootfs.ext4")); err != nil {
		p.cleanupChroot(chrootDir)
		return nil, utils.MakeError("couldn't prepare rootfs for VM %s: %s", vmID, err)
	}

	guestIP, gatewayIP, macAddress := deriveGuestNetwork(inst.GetID())
	tapDevice := tapDeviceName(inst.GetID())
	if err := createTAPDevice(tapDevice, config.GetVMBridge()); err != nil {
		p.cleanupChroot(chrootDir)
		return nil, classifyFirecrackerError(err)
	}

	limits := inst.GetResourceLimits()
	vcpus := int64(1)
	if limits.CPUQuota > 1 {
		vcpus = int64(limits.CPUQuota + 0.5)
	}
	memMiB := int64(256)
	if limits.MemoryBytes > 0 {
		memMiB = limits.MemoryBytes / (1024 * 1024)
	}

	cfg := fcsdk.Config{
		VMID:            vmID,
		SocketPath:      filepath.Join("run", apiSocketName),
		KernelImagePath: kernelPath,
		KernelArgs: utils.Sprintf(
			"console=ttyS0 reboot=k panic=1 pci=off ip=%s::%s:%s::eth0:off",
			guestIP, gatewayIP, guestNetmask),
		Drives: []models.Drive{{
			DriveID:      fcsdk.String("rootfs"),
			PathOnHost:   fcsdk.String("rootfs.ext4"),
			IsRootDevice: fcsdk.Bool(true),
			IsReadOnly:   fcsdk.Bool(false),
		}},
		NetworkInterfaces: []fcsdk.NetworkInterface{{
			StaticConfiguration: &fcsdk.StaticNetworkConfiguration{
				MacAddress:  macAddress,
				HostDevName: tapDevice,
			},
		}},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(vcpus),
			MemSizeMib: fcsdk.Int64(memMiB),
			Smt:        fcsdk.Bool(false),
		},
		JailerCfg: &fcsdk.JailerConfig{
			ID:             vmID,
			UID:            fcsdk.Int(123),
			GID:            fcsdk.Int(100),
			NumaNode:       fcsdk.Int(0),
			ExecFile:       fcBin,
			JailerBinary:   jailerBin,
			ChrootBaseDir:  chrootBase,
			ChrootStrategy: fcsdk.NewNaiveChrootStrategy(kernelPath),
			Stdout:         io.Discard,
			Stderr:         io.Discard,
		},
	}

	machine, err := fcsdk.NewMachine(ctx, cfg)
	if err != nil {
		p.teardownVM(nil, tapDevice, chrootDir)
		return nil, utils.MakeError("couldn't configure VM %s: %s", vmID, err)
	}

	if err := machine.Start(ctx); err != nil {
		p.teardownVM(nil, tapDevice, chrootDir)
		return nil, classifyFirecrackerError(err)
	}
	logger.Infof("Spawn(): started microVM %s for instance %s", vmID, inst.GetID())

	// The jailer materializes the API socket asynchronously on slower
	// hosts; make sure it's there before we rely on the machine API.
	if err := utils.WaitForFileCreation(filepath.Join(chrootDir, "run"), apiSocketName, 10*time.Second); err != nil {
		logger.Warningf("API socket for VM %s slow to appear: %s", vmID, err)
	}

	// Tell the guest its canary over MMDS; the challenge init script
	// fetches it and drops it into the filesystem before services start.
	if token := inst.GetCanaryToken(); token != "" {
		metadata := map[string]string{
			"canary_token": string(token),
			"instance_id":  inst.GetID().String(),
		}
		if err := machine.SetMetadata(ctx, metadata); err != nil {
			logger.Warningf("couldn't set MMDS metadata for VM %s: %s", vmID, err)
		}
	}

	guestPort := uint16(80)
	if raw := inst.MetadataValue("guest_port"); raw != "" {
		if port, err := strconv.ParseUint(raw, 10, 16); err == nil {
			guestPort = uint16(port)
		}
	}

	if err := waitForGuestService(ctx, guestIP, guestPort); err != nil {
		p.teardownVM(machine, tapDevice, chrootDir)
		return nil, utils.MakeError("VM %s booted but guest service never came up: %s", vmID, err)
	}

	handle := &vmHandle{machine: machine, tapDevice: tapDevice, chrootDir: chrootDir}
	p.mu.Lock()
	p.vms[inst.GetID()] = handle
	p.mu.Unlock()

	return &provider.SpawnResult{
		ProviderInstanceID: types.ProviderInstanceID(vmID),
		Network: instance.NetworkConfig{
			InternalIP: guestIP,
			Hostname:   vmID,
			MACAddress: macAddress,
			PortMappings: []instance.PortMapping{{
				SandboxPort: guestPort,
				HostPort:    guestPort,
				Protocol:    "tcp",
			}},
		},
		AccessURL:        utils.Sprintf("https://%s/vm/%s", config.GetProxyDomain(), inst.GetID()),
		ConnectionString: utils.Sprintf("nc %s %d", guestIP, guestPort),
	}, nil
}

// waitForGuestService dials the guest's service port until it answers or the
// context runs out.
func waitForGuestService(ctx context.Context, guestIP string, port uint16) error {
	address := net.JoinHostPort(guestIP, strconv.Itoa(int(port)))
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		conn, err := net.DialTimeout("tcp", address, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}

		select {
		case <-ctx.Done():
			return utils.MakeError("gave up waiting for %s: %s", address, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Destroy stops the VMM and tears down its TAP device and chroot. A VM we no
// longer hold a handle for may still be running from a previous orchestrator
// life, so the handleless path tears it down through the host instead of
// assuming it's gone.
func (p *Provider) Destroy(ctx context.Context, inst instance.ChallengeInstance) error {
	p.mu.Lock()
	handle, ok := p.vms[inst.GetID()]
	delete(p.vms, inst.GetID())
	p.mu.Unlock()

	if !ok {
		p.destroyOnHost(ctx, inst.GetID())
		return nil
	}

	p.teardownVM(handle.machine, handle.tapDevice, handle.chrootDir)
	return nil
}

// destroyOnHost tears down a VM we hold no machine handle for: kill the VMM
// process if one survives, then sweep the derived TAP device and chroot.
func (p *Provider) destroyOnHost(ctx context.Context, id types.InstanceID) {
	vmID := vmIDForInstance(id)
	if proc, err := findVMMProcess(ctx, vmID); err != nil {
		logger.Warningf("couldn't scan for orphaned VMM %s: %s", vmID, err)
	} else if proc != nil {
		if err := proc.KillWithContext(ctx); err != nil {
			logger.Warningf("couldn't kill orphaned VMM %s (pid %d): %s", vmID, proc.Pid, err)
		}
	}
	deleteTAPDevice(tapDeviceName(id))
	p.cleanupChroot(chrootDirForInstance(id))
}

// teardownVM releases everything a (possibly partial) spawn created.
func (p *Provider) teardownVM(machine *fcsdk.Machine, tapDevice, chrootDir string) {
	if machine != nil {
		if err := machine.StopVMM(); err != nil {
			logger.Warningf("error stopping VMM: %s", err)
		}
	}
	deleteTAPDevice(tapDevice)
	p.cleanupChroot(chrootDir)
}

func (p *Provider) cleanupChroot(chrootDir string) {
	// chrootDir is <base>/firecracker/<vmID>/root; remove the whole VM dir.
	if err := os.RemoveAll(filepath.Dir(chrootDir)); err != nil {
		logger.Warningf("couldn't remove VM chroot %s: %s", chrootDir, err)
	}
}

// Exists reports whether the microVM is genuinely running on this host. The
// in-memory handle is only a fast path: after an orchestrator restart the
// handles are gone while the jailed VMMs keep running, so the handleless
// path consults the chroot layout and the process table instead.
func (p *Provider) Exists(ctx context.Context, inst instance.ChallengeInstance) (bool, error) {
	p.mu.Lock()
	handle, ok := p.vms[inst.GetID()]
	p.mu.Unlock()

	if ok {
		info, err := handle.machine.DescribeInstanceInfo(ctx)
		if err != nil {
			// An unreachable API socket means the VMM died underneath us.
			return false, nil
		}
		return info.State != nil && *info.State == "Running", nil
	}
	return p.existsOnHost(ctx, inst.GetID())
}

// existsOnHost checks for a VM we hold no handle for: the API socket must be
// present at the derived chroot path and a VMM process must still carry the
// VM's ID.
func (p *Provider) existsOnHost(ctx context.Context, id types.InstanceID) (bool, error) {
	if _, err := os.Stat(apiSocketPath(id)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, utils.MakeError("couldn't stat API socket for instance %s: %s", id, err)
	}
	return p.processAlive(ctx, vmIDForInstance(id))
}

// Logs tails the VM's serial console log from the chroot.
func (p *Provider) Logs(ctx context.Context, inst instance.ChallengeInstance, tailLines int) (string, error) {
	p.mu.Lock()
	handle, ok := p.vms[inst.GetID()]
	p.mu.Unlock()
	if !ok {
		return "", nil
	}

	raw, err := os.ReadFile(filepath.Join(handle.chrootDir, "firecracker.log"))
	if err != nil {
		return "", utils.MakeError("couldn't read console log for instance %s: %s", inst.GetID(), err)
	}
	return tailString(string(raw), tailLines), nil
}

// Exec is not supported for microVMs: there is no host-side channel into the
// guest.
func (p *Provider) Exec(ctx context.Context, inst instance.ChallengeInstance, cmd []string) (string, error) {
	return "", utils.MakeError("exec is not supported for microVM sandboxes")
}

// GetStats samples the VMM process via /proc. Guest-internal usage isn't
// visible from the host, so the VMM process is the closest proxy.
func (p *Provider) GetStats(ctx context.Context, inst instance.ChallengeInstance) (provider.Stats, error) {
	p.mu.Lock()
	handle, ok := p.vms[inst.GetID()]
	p.mu.Unlock()
	if !ok {
		return provider.Stats{}, nil
	}

	pid, err := handle.machine.PID()
	if err != nil {
		return provider.Stats{}, utils.MakeError("couldn't get VMM PID for instance %s: %s", inst.GetID(), err)
	}

	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return provider.Stats{}, utils.MakeError("couldn't open VMM process %d: %s", pid, err)
	}

	stats := provider.Stats{}
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
		stats.MemoryBytes = mem.RSS
	}
	if threads, err := proc.NumThreadsWithContext(ctx); err == nil {
		stats.PIDs = int(threads)
	}
	return stats, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func tailString(s string, lines int) string {
	if lines <= 0 {
		return s
	}
	seen := 0
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			seen++
			if seen > lines {
				return s[i+1:]
			}
		}
	}
	return s
}

package firecracker // import "github.com/cyberpedia/orchestrator/provider/firecracker"

// This file contains the guest networking helpers for the microVM provider.
// Guest addresses are derived deterministically from the instance ID, so a
// restarted orchestrator can reconstruct (and sweep) a VM's network identity
// without any stored state.

import (
	"hash/fnv"
	"os/exec"
	"strings"

	logger "github.com/cyberpedia/orchestrator/cyberlogger"
	"github.com/cyberpedia/orchestrator/provider"
	"github.com/cyberpedia/orchestrator/types"
	"github.com/cyberpedia/orchestrator/utils"
)

// gatewayHostIP is the bridge's address on the VM /16.
const gatewayHostIP = "172.30.0.1"

// deriveGuestNetwork maps an instance ID onto a guest IP in 172.30.0.0/16
// and a locally administered MAC. The third and fourth octets come from an
// FNV hash of the ID; .0.0 and .0.1 are reserved for the network and the
// gateway, and broadcast-ish last octets are nudged off 0 and 255.
func deriveGuestNetwork(id types.InstanceID) (guestIP, gatewayIP, macAddress string) {
	h := fnv.New32a()
	h.Write([]byte(id.String()))
	sum := h.Sum32()

	thirdOctet := byte(sum >> 8)
	fourthOctet := byte(sum)
	if fourthOctet == 0 || fourthOctet == 255 {
		fourthOctet = 2
	}
	if thirdOctet == 0 && fourthOctet == 1 {
		fourthOctet = 2
	}

	guestIP = utils.Sprintf("172.30.%d.%d", thirdOctet, fourthOctet)
	macAddress = utils.Sprintf("02:fc:%02x:%02x:%02x:%02x",
		byte(sum>>24), byte(sum>>16), thirdOctet, fourthOctet)
	return guestIP, gatewayHostIP, macAddress
}

// tapDeviceName derives the TAP interface name for an instance. Linux caps
// interface names at 15 chars, so only the ID's first 8 hex chars fit.
func tapDeviceName(id types.InstanceID) string {
	return utils.Sprintf("tap-%.8s", id.String())
}

// createTAPDevice creates a TAP interface and enslaves it to the VM bridge.
func createTAPDevice(name, bridge string) error {
	commands := [][]string{
		{"ip", "tuntap", "add", "dev", name, "mode", "tap"},
		{"ip", "link", "set", name, "master", bridge},
		{"ip", "link", "set", name, "up"},
	}
	for _, args := range commands {
		if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
			// Leave no half-configured device behind.
			deleteTAPDevice(name)
			return utils.MakeError("%q failed: %s: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
		}
	}
	return nil
}

// deleteTAPDevice removes a TAP interface, treating "already gone" as
// success. Failures are logged so orphaned devices show up in the logs
// instead of silently accumulating; the next destroy sweeps them again.
func deleteTAPDevice(name string) {
	out, err := exec.Command("ip", "link", "del", name).CombinedOutput()
	if err != nil && !strings.Contains(string(out), "Cannot find device") {
		logger.Warningf("couldn't delete TAP device %s: %s: %s", name, err, strings.TrimSpace(string(out)))
	}
}

// classifyFirecrackerError maps host-level failures onto the shared provider
// taxonomy. KVM slot and memory exhaustion are capacity problems worth
// retrying on; everything else is terminal for this attempt.
func classifyFirecrackerError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "cannot allocate memory") ||
		strings.Contains(msg, "no space left") ||
		strings.Contains(msg, "too many open files") ||
		strings.Contains(msg, "resource temporarily unavailable") {
		return provider.ResourceExhausted("host out of microVM capacity: %s", err)
	}
	return utils.MakeError("microVM spawn failed: %s", err)
}

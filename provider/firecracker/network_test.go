package firecracker

import (
	"errors"
	"net"
	"testing"

	"github.com/cyberpedia/orchestrator/provider"
	"github.com/cyberpedia/orchestrator/types"
)

func TestDeriveGuestNetworkIsDeterministic(t *testing.T) {
	id := types.NewInstanceID()

	ip1, gw1, mac1 := deriveGuestNetwork(id)
	ip2, gw2, mac2 := deriveGuestNetwork(id)
	if ip1 != ip2 || gw1 != gw2 || mac1 != mac2 {
		t.Errorf("derivation not deterministic: %s/%s vs %s/%s", ip1, mac1, ip2, mac2)
	}

	if parsed := net.ParseIP(ip1); parsed == nil {
		t.Fatalf("guest IP %q doesn't parse", ip1)
	}
	if _, subnet, _ := net.ParseCIDR("172.30.0.0/16"); !subnet.Contains(net.ParseIP(ip1)) {
		t.Errorf("guest IP %s outside the VM /16", ip1)
	}
	if ip1 == gw1 {
		t.Errorf("guest IP collides with the gateway")
	}

	if _, err := net.ParseMAC(mac1); err != nil {
		t.Errorf("MAC %q doesn't parse: %s", mac1, err)
	}
	// Locally administered, unicast.
	if mac1[:2] != "02" {
		t.Errorf("MAC %s is not locally administered", mac1)
	}
}

func TestDeriveGuestNetworkAvoidsReservedAddresses(t *testing.T) {
	// The derivation must never emit .0.0, .0.1 or a .255 last octet, for
	// any instance ID. Spot-check a pile of random IDs.
	for i := 0; i < 1000; i++ {
		ip, _, _ := deriveGuestNetwork(types.NewInstanceID())
		parsed := net.ParseIP(ip).To4()
		if parsed == nil {
			t.Fatalf("guest IP %q doesn't parse", ip)
		}
		if parsed[3] == 0 || parsed[3] == 255 {
			t.Fatalf("guest IP %s has a reserved last octet", ip)
		}
		if parsed[2] == 0 && parsed[3] == 1 {
			t.Fatalf("guest IP %s collides with the gateway", ip)
		}
	}
}

func TestTapDeviceNameFitsInterfaceLimit(t *testing.T) {
	name := tapDeviceName(types.NewInstanceID())
	// Linux IFNAMSIZ is 16 including the NUL.
	if len(name) > 15 {
		t.Errorf("TAP name %q is %d chars, limit is 15", name, len(name))
	}
	if name[:4] != "tap-" {
		t.Errorf("TAP name %q missing prefix", name)
	}
}

func TestDeleteTAPDeviceToleratesMissingDevice(t *testing.T) {
	// Deleting a device that was never created must not blow up; the
	// failure surfaces in the logs only.
	deleteTAPDevice("tap-00000000")
}

func TestClassifyFirecrackerError(t *testing.T) {
	if err := classifyFirecrackerError(errors.New("fork/exec: cannot allocate memory")); !errors.Is(err, provider.ErrResourceExhausted) {
		t.Errorf("memory exhaustion not classified as capacity: %v", err)
	}
	if err := classifyFirecrackerError(errors.New("kernel image not found")); errors.Is(err, provider.ErrResourceExhausted) {
		t.Errorf("missing kernel classified as capacity")
	}
}

func TestTailString(t *testing.T) {
	log := "one\ntwo\nthree\nfour\n"
	if got := tailString(log, 2); got != "three\nfour\n" {
		t.Errorf("tail = %q", got)
	}
	if got := tailString(log, 100); got != log {
		t.Errorf("tail larger than input = %q", got)
	}
	if got := tailString(log, 0); got != log {
		t.Errorf("tail 0 should return everything, got %q", got)
	}
}

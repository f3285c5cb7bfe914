package device

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// VisibleDevicesEnv is the environment variable that overrides device
// discovery. It takes a comma-separated list of device ordinals, mirroring
// CUDA_VISIBLE_DEVICES. An empty value means zero visible devices.
const VisibleDevicesEnv = "NVAS_VISIBLE_DEVICES"

// smiTimeout bounds the nvidia-smi invocation. The tool answers in well
// under a second on a healthy host; a hung driver should not hang the
// launcher's validation step.
const smiTimeout = 10 * time.Second

// Prober produces the device inventory. The default implementation shells
// out to nvidia-smi; a CUDA build asks the driver directly; tests inject
// fixed inventories.
type Prober interface {
	Probe(ctx context.Context) (Inventory, error)
}

// Detect returns the device inventory using the discovery priority order:
// the NVAS_VISIBLE_DEVICES override if set, otherwise the platform prober.
//
// A host with no devices yields an empty inventory and no error — whether
// that is fatal depends on the requested topology, so the caller decides.
func Detect(ctx context.Context) (Inventory, error) {
	if val, ok := os.LookupEnv(VisibleDevicesEnv); ok {
		return parseVisibleDevices(val)
	}
	return platformProber().Probe(ctx)
}

// parseVisibleDevices builds a synthetic inventory from the env override.
// The value is a comma-separated list of non-negative ordinals; an empty
// value yields zero devices.
func parseVisibleDevices(val string) (Inventory, error) {
	inv := Inventory{Source: "env"}
	val = strings.TrimSpace(val)
	if val == "" {
		return inv, nil
	}

	seen := make(map[int]struct{})
	for _, field := range strings.Split(val, ",") {
		field = strings.TrimSpace(field)
		idx, err := strconv.Atoi(field)
		if err != nil {
			return Inventory{}, fmt.Errorf("%s: invalid device id %q: %w", VisibleDevicesEnv, field, err)
		}
		if idx < 0 {
			return Inventory{}, fmt.Errorf("%s: device id %d must be >= 0", VisibleDevicesEnv, idx)
		}
		if _, dup := seen[idx]; dup {
			return Inventory{}, fmt.Errorf("%s: duplicate device id %d", VisibleDevicesEnv, idx)
		}
		seen[idx] = struct{}{}
		inv.Devices = append(inv.Devices, Device{Index: idx})
	}
	return inv, nil
}

// SMIProber discovers devices by running nvidia-smi and parsing its CSV
// output. This avoids a hard CUDA toolchain dependency: the launcher
// validates and selects topology on any host where the driver tools are
// installed, and CPU-only hosts simply report zero devices.
type SMIProber struct {
	// binary is the nvidia-smi executable name or path.
	// Empty means "nvidia-smi" resolved via PATH.
	binary string
}

// NewSMIProber returns a prober that runs nvidia-smi from PATH.
func NewSMIProber() *SMIProber {
	return &SMIProber{}
}

// Probe runs nvidia-smi and parses its device list. A missing binary is
// treated as zero devices, not an error: hosts without the NVIDIA stack
// are a supported (CPU-only) configuration for the validate and devices
// commands.
func (p *SMIProber) Probe(ctx context.Context) (Inventory, error) {
	bin := p.binary
	if bin == "" {
		bin = "nvidia-smi"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return Inventory{Source: "nvidia-smi"}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, smiTimeout)
	defer cancel()

	// One row per device: "index, name, memory.total". nounits strips
	// the " MiB" suffix so the memory column parses as an integer.
	cmd := exec.CommandContext(ctx, bin,
		"--query-gpu=index,name,memory.total",
		"--format=csv,noheader,nounits",
	)
	out, err := cmd.Output()
	if err != nil {
		return Inventory{}, fmt.Errorf("nvidia-smi query failed: %w", err)
	}

	devices, err := parseSMIOutput(string(out))
	if err != nil {
		return Inventory{}, err
	}
	return Inventory{Devices: devices, Source: "nvidia-smi"}, nil
}

// parseSMIOutput parses the CSV rows emitted by
// nvidia-smi --query-gpu=index,name,memory.total --format=csv,noheader,nounits.
// Device names may themselves contain no commas in this format, so a plain
// 3-way split is sufficient.
func parseSMIOutput(out string) ([]Device, error) {
	var devices []Device
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, ",", 3)
		if len(fields) != 3 {
			return nil, fmt.Errorf("unexpected nvidia-smi row: %q", line)
		}

		idx, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			return nil, fmt.Errorf("nvidia-smi row %q: bad index: %w", line, err)
		}
		mem, err := strconv.Atoi(strings.TrimSpace(fields[2]))
		if err != nil {
			return nil, fmt.Errorf("nvidia-smi row %q: bad memory: %w", line, err)
		}

		devices = append(devices, Device{
			Index:    idx,
			Name:     strings.TrimSpace(fields[1]),
			MemoryMB: mem,
		})
	}
	return devices, nil
}

// FixedProber returns a canned inventory. Test helper and the backing for
// worker processes that receive their topology from the parent.
type FixedProber struct {
	Inv Inventory
}

// Probe returns the canned inventory.
func (p FixedProber) Probe(context.Context) (Inventory, error) {
	return p.Inv, nil
}

package device

import (
	"fmt"
	"strings"
)

// Device describes a single visible accelerator.
type Device struct {
	// Index is the device ordinal as reported by the driver. GPU ids on
	// the command line refer to this value.
	Index int `json:"index"`

	// Name is the product name, e.g. "NVIDIA A100-SXM4-40GB".
	// May be empty for synthetic devices from the env override.
	Name string `json:"name,omitempty"`

	// MemoryMB is the total device memory in MiB. Zero when unknown.
	MemoryMB int `json:"memoryMb,omitempty"`
}

// String returns a human-readable one-line description of the device.
func (d Device) String() string {
	name := d.Name
	if name == "" {
		name = "device"
	}
	if d.MemoryMB > 0 {
		return fmt.Sprintf("cuda:%d %s (%d MiB)", d.Index, name, d.MemoryMB)
	}
	return fmt.Sprintf("cuda:%d %s", d.Index, name)
}

// Inventory is the set of devices visible to this process.
type Inventory struct {
	// Devices lists the visible devices in index order.
	Devices []Device `json:"devices"`

	// Source records which probe produced the inventory ("env",
	// "nvidia-smi", "cuda"). Useful in verbose output when discovery
	// behaves unexpectedly.
	Source string `json:"source"`
}

// Count returns the number of visible devices. This is the world size in
// distributed mode and the upper bound for the --gpu flag.
func (inv Inventory) Count() int {
	return len(inv.Devices)
}

// Indices returns the device ordinals in order. Used to build the device
// list in the run manifest and to assign one device per worker rank.
func (inv Inventory) Indices() []int {
	ids := make([]int, len(inv.Devices))
	for i, d := range inv.Devices {
		ids[i] = d.Index
	}
	return ids
}

// String summarizes the inventory for log output.
func (inv Inventory) String() string {
	if len(inv.Devices) == 0 {
		return "no visible devices"
	}
	parts := make([]string, len(inv.Devices))
	for i, d := range inv.Devices {
		parts[i] = d.String()
	}
	return strings.Join(parts, ", ")
}

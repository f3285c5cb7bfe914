//go:build cuda

package device

import (
	"context"
	"fmt"

	"gorgonia.org/cu"
)

// platformProber selects the discovery backend for cuda-tagged builds:
// ask the CUDA driver directly instead of parsing nvidia-smi output.
func platformProber() Prober {
	return cudaProber{}
}

// cudaProber enumerates devices through the CUDA driver API.
type cudaProber struct{}

// Probe initializes the driver and queries every device's name and total
// memory. Initialization failure on a host without a CUDA driver is
// reported as zero devices, matching the nvidia-smi prober's behavior on
// hosts without the NVIDIA stack.
func (cudaProber) Probe(ctx context.Context) (Inventory, error) {
	if err := cu.Init(0); err != nil {
		return Inventory{Source: "cuda"}, nil
	}

	n, err := cu.NumDevices()
	if err != nil {
		return Inventory{}, fmt.Errorf("cuda device count: %w", err)
	}

	inv := Inventory{Source: "cuda"}
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return Inventory{}, err
		}
		dev := cu.Device(i)
		d := Device{Index: i}
		if name, err := dev.Name(); err == nil {
			d.Name = name
		}
		if mem, err := dev.TotalMem(); err == nil {
			d.MemoryMB = int(mem / (1 << 20))
		}
		inv.Devices = append(inv.Devices, d)
	}
	return inv, nil
}

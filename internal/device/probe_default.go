//go:build !cuda

package device

// platformProber selects the discovery backend for builds without the
// cuda tag: shell out to nvidia-smi.
func platformProber() Prober {
	return NewSMIProber()
}

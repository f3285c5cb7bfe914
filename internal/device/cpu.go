package device

import (
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// CPUInfo summarizes the host CPU for the devices command and the startup
// log line. The SIMD flags matter because the CPU fallback path of the
// model vectorizes over feature frames.
type CPUInfo struct {
	// BrandName is the CPU model string, e.g. "AMD EPYC 7B13".
	BrandName string `json:"brandName"`

	// PhysicalCores is the physical core count.
	PhysicalCores int `json:"physicalCores"`

	// LogicalCores is the logical (hyperthreaded) core count.
	LogicalCores int `json:"logicalCores"`

	// SIMD lists the relevant vector instruction sets the CPU supports,
	// in widest-first order.
	SIMD []string `json:"simd,omitempty"`
}

// HostCPU queries the running host's CPU via cpuid.
func HostCPU() CPUInfo {
	info := CPUInfo{
		BrandName:     cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
	}

	if cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ) {
		info.SIMD = append(info.SIMD, "avx512")
	}
	if cpuid.CPU.Supports(cpuid.AVX2) {
		info.SIMD = append(info.SIMD, "avx2")
	}
	if cpuid.CPU.Supports(cpuid.AVX) {
		info.SIMD = append(info.SIMD, "avx")
	}
	if cpuid.CPU.Supports(cpuid.SSE4) {
		info.SIMD = append(info.SIMD, "sse4")
	}
	return info
}

// String returns a one-line summary for log output.
func (c CPUInfo) String() string {
	simd := "none"
	if len(c.SIMD) > 0 {
		simd = strings.Join(c.SIMD, ",")
	}
	return c.BrandName + " (" + simd + ")"
}

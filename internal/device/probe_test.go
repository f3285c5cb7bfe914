package device

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseVisibleDevices covers the env override format: comma-separated
// ordinals, whitespace tolerance, and the rejection cases.
func TestParseVisibleDevices(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		expected []int
		hasError bool
	}{
		{"empty means zero devices", "", []int{}, false},
		{"whitespace only", "   ", []int{}, false},
		{"single device", "0", []int{0}, false},
		{"multiple devices", "0,1,2,3", []int{0, 1, 2, 3}, false},
		{"spaces around ids", " 0 , 1 ", []int{0, 1}, false},
		{"non-contiguous ids", "1,3", []int{1, 3}, false},
		{"negative id", "-1", nil, true},
		{"non-numeric", "0,gpu1", nil, true},
		{"duplicate id", "0,0", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, err := parseVisibleDevices(tt.value)
			if tt.hasError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "env", inv.Source)
			assert.Equal(t, tt.expected, append([]int{}, inv.Indices()...))
		})
	}
}

// TestDetect_EnvOverride verifies that a set NVAS_VISIBLE_DEVICES bypasses
// the platform prober entirely.
func TestDetect_EnvOverride(t *testing.T) {
	t.Setenv(VisibleDevicesEnv, "0,1")

	inv, err := Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, inv.Count())
	assert.Equal(t, "env", inv.Source)
}

// TestParseSMIOutput checks CSV parsing of nvidia-smi query rows.
func TestParseSMIOutput(t *testing.T) {
	t.Run("two devices", func(t *testing.T) {
		out := "0, NVIDIA A100-SXM4-40GB, 40960\n1, NVIDIA A100-SXM4-40GB, 40960\n"
		devices, err := parseSMIOutput(out)
		require.NoError(t, err)
		require.Len(t, devices, 2)
		assert.Equal(t, 0, devices[0].Index)
		assert.Equal(t, "NVIDIA A100-SXM4-40GB", devices[0].Name)
		assert.Equal(t, 40960, devices[0].MemoryMB)
		assert.Equal(t, 1, devices[1].Index)
	})

	t.Run("empty output", func(t *testing.T) {
		devices, err := parseSMIOutput("")
		require.NoError(t, err)
		assert.Empty(t, devices)
	})

	t.Run("malformed row", func(t *testing.T) {
		_, err := parseSMIOutput("0, broken row without memory\n")
		assert.Error(t, err)
	})

	t.Run("non-numeric index", func(t *testing.T) {
		_, err := parseSMIOutput("x, name, 1024\n")
		assert.Error(t, err)
	})
}

// TestInventory_Accessors covers Count, Indices, and the log summary.
func TestInventory_Accessors(t *testing.T) {
	inv := Inventory{
		Devices: []Device{
			{Index: 0, Name: "NVIDIA T4", MemoryMB: 16384},
			{Index: 1, Name: "NVIDIA T4", MemoryMB: 16384},
		},
		Source: "nvidia-smi",
	}

	assert.Equal(t, 2, inv.Count())
	assert.Equal(t, []int{0, 1}, inv.Indices())
	assert.Contains(t, inv.String(), "cuda:0 NVIDIA T4 (16384 MiB)")

	empty := Inventory{}
	assert.Equal(t, 0, empty.Count())
	assert.Equal(t, "no visible devices", empty.String())
}

// TestFixedProber verifies the canned inventory passthrough used by worker
// processes and tests.
func TestFixedProber(t *testing.T) {
	want := Inventory{Devices: []Device{{Index: 0}}, Source: "env"}
	got, err := FixedProber{Inv: want}.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

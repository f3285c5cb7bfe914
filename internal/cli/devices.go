package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/soundfield/nvas-train/internal/device"
	"github.com/soundfield/nvas-train/internal/model"
)

// NewDevicesCommand creates the "devices" cobra command, which prints the
// accelerator inventory and host CPU capabilities.
func NewDevicesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List visible accelerator devices",
		Long: `List the accelerator devices visible to the launcher.

The device count determines the world size of a distributed run and the
valid range of the --gpu flag. Discovery can be overridden with the
` + device.VisibleDevicesEnv + ` environment variable.`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			inventory, err := device.Detect(cmd.Context())
			if err != nil {
				return model.WrapCLIError(model.ExitGeneralError, "device discovery failed", err)
			}
			cpu := device.HostCPU()

			if IsJSONOutput() {
				out := struct {
					Devices []device.Device `json:"devices"`
					Source  string          `json:"source"`
					CPU     device.CPUInfo  `json:"cpu"`
				}{inventory.Devices, inventory.Source, cpu}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}

			w := cmd.OutOrStdout()
			if inventory.Count() == 0 {
				fmt.Fprintf(w, "No devices visible (source: %s)\n", inventory.Source)
			} else {
				fmt.Fprintf(w, "%d device(s) visible (source: %s)\n", inventory.Count(), inventory.Source)
				for _, d := range inventory.Devices {
					if d.MemoryMB > 0 {
						fmt.Fprintf(w, "  [%d] %s (%d MB)\n", d.Index, d.Name, d.MemoryMB)
					} else {
						fmt.Fprintf(w, "  [%d] %s\n", d.Index, d.Name)
					}
				}
			}
			fmt.Fprintf(w, "Host CPU: %s\n", cpu.String())
			return nil
		},
	}
}

package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/soundfield/nvas-train/internal/config"
	"github.com/soundfield/nvas-train/internal/device"
	"github.com/soundfield/nvas-train/internal/model"
)

// NewValidateCommand creates the "validate" cobra command. It runs the
// same checks the train command runs before launching — config path,
// schema, value ranges, GPU id — and prints the resolved configuration
// with defaults applied, without starting a run.
func NewValidateCommand() *cobra.Command {
	var (
		configPath string
		exp        string
		gpu        int
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a run configuration without training",

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			inventory, err := device.Detect(cmd.Context())
			if err != nil {
				return model.WrapCLIError(model.ExitGeneralError, "device discovery failed", err)
			}

			gpuSet := cmd.Flags().Changed("gpu")
			if err := validateLaunch(configPath, gpuSet, gpu, inventory.Count()); err != nil {
				return err
			}
			if err := model.ValidateExperimentName(exp); err != nil {
				return model.WrapCLIError(model.ExitGeneralError, "invalid experiment name", err)
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			if IsJSONOutput() {
				out := struct {
					Valid   bool           `json:"valid"`
					Config  *config.Config `json:"config"`
					Devices int            `json:"visibleDevices"`
				}{true, cfg, inventory.Count()}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (%d device(s) visible)\n", configPath, inventory.Count())
			resolved, err := yaml.Marshal(cfg)
			if err != nil {
				return model.WrapCLIError(model.ExitGeneralError, "cannot render resolved config", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), string(resolved))
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "configs/default.yaml", "Path to the YAML run configuration")
	cmd.Flags().StringVar(&exp, "exp", "default-exp", "Experiment name")
	cmd.Flags().IntVar(&gpu, "gpu", 0, "GPU id to check against the visible device count")

	return cmd
}

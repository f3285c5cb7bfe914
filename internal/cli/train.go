// Package cli — train.go implements the "nvas-train train" command.
//
// The train command is the primary operation. It orchestrates the full
// launch workflow:
//  1. Probe the visible devices
//  2. Validate inputs (config path exists, GPU id in range)
//  3. Load and parse the run config
//  4. Select the process topology (single-device vs. one worker per device)
//  5. Bootstrap the experiment directory and copy the config into it
//  6. Run the training pipeline, or spawn and supervise the workers
//
// In distributed mode the command re-executes itself once per device with
// the hidden --worker-rank flag; the worker branch joins the process
// group, wires loader → model → trainer, and tears the group down when
// the trainer returns.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/soundfield/nvas-train/internal/config"
	"github.com/soundfield/nvas-train/internal/dataset"
	"github.com/soundfield/nvas-train/internal/device"
	"github.com/soundfield/nvas-train/internal/distrib"
	"github.com/soundfield/nvas-train/internal/experiment"
	"github.com/soundfield/nvas-train/internal/model"
	"github.com/soundfield/nvas-train/internal/nvasnet"
	"github.com/soundfield/nvas-train/internal/trainer"
)

// trainFlags holds the flag values for the train command.
// These are bound to cobra flags in NewTrainCommand.
type trainFlags struct {
	config   string // --config: path to the YAML run config
	exp      string // --exp: experiment name
	gpu      int    // --gpu: device id for single-device mode
	distAddr string // --dist-addr: process group rendezvous address

	// workerRank and worldSize are hidden flags used by the re-exec
	// fan-out. A non-negative workerRank marks this process as a
	// spawned worker rather than the launcher.
	workerRank int
	worldSize  int
}

// NewTrainCommand creates the "train" cobra command.
func NewTrainCommand() *cobra.Command {
	flags := &trainFlags{}

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Launch a training run",
		Long: `Launch a training run for the NVAS separation model.

With --gpu N the whole run executes in this process on device N. Without
--gpu, one worker process is spawned per visible device and the workers
train data-parallel, averaging gradients over a local process group.

Examples:
  nvas-train train
  nvas-train train --config configs/default.yaml --exp baseline
  nvas-train train --gpu 0 --exp debug-run`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(cmd.Context(), flags, cmd.Flags().Changed("gpu"))
		},
	}

	cmd.Flags().StringVar(&flags.config, "config", "configs/default.yaml", "Path to the YAML run configuration")
	cmd.Flags().StringVar(&flags.exp, "exp", "default-exp", "Experiment name")
	cmd.Flags().IntVar(&flags.gpu, "gpu", 0, "GPU id to use; omit for one worker per visible device")
	cmd.Flags().StringVar(&flags.distAddr, "dist-addr", distrib.DefaultAddr, "Rendezvous address for the process group")

	cmd.Flags().IntVar(&flags.workerRank, "worker-rank", -1, "")
	cmd.Flags().IntVar(&flags.worldSize, "world-size", 0, "")
	_ = cmd.Flags().MarkHidden("worker-rank")
	_ = cmd.Flags().MarkHidden("world-size")

	return cmd
}

// runTrain dispatches between the launcher and worker branches and
// installs signal handling so Ctrl-C cancels the whole pipeline.
func runTrain(parent context.Context, flags *trainFlags, gpuSet bool) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if flags.workerRank >= 0 {
		return runSpawnedWorker(ctx, flags)
	}
	return runLauncher(ctx, flags, gpuSet)
}

// runLauncher is the main orchestration function: validation, topology
// selection, experiment bootstrap, then either the in-process pipeline or
// the worker fan-out.
func runLauncher(ctx context.Context, flags *trainFlags, gpuSet bool) error {
	// Step 1: Probe devices. The count bounds the --gpu flag and is the
	// world size in distributed mode.
	inventory, err := device.Detect(ctx)
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "device discovery failed", err)
	}
	log.Debugf("visible devices: %s", inventory.String())
	log.Debugf("host CPU: %s", device.HostCPU().String())

	// Step 2: Validate before any expensive work. Both failures exit
	// with status 1.
	if err := validateLaunch(flags.config, gpuSet, flags.gpu, inventory.Count()); err != nil {
		return err
	}
	if err := model.ValidateExperimentName(flags.exp); err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "invalid experiment name", err)
	}

	// Step 3: Load and parse the config file.
	cfg, err := config.Load(flags.config)
	if err != nil {
		return err
	}
	log.Infof("configuration file loaded from %s", flags.config)

	// Step 4: Select topology.
	mode, devices, err := selectTopology(gpuSet, flags.gpu, inventory)
	if err != nil {
		return err
	}

	// Step 5: Bootstrap the experiment directory and copy the config in.
	expDir, err := experiment.Bootstrap(cfg.SaveDir, flags.exp, flags.config, mode, devices)
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to bootstrap experiment directory", err)
	}
	log.Infof("experiment directory created at %s", expDir.Path)

	// Step 6: Run.
	if mode == model.ModeSingle {
		return runWorker(ctx, flags, cfg, expDir, 0, 1)
	}
	return spawnWorkers(ctx, flags, len(devices))
}

// validateLaunch performs the two up-front checks: the config file must
// exist and, when --gpu is given, the id must be in [0, deviceCount-1].
func validateLaunch(configPath string, gpuSet bool, gpu, deviceCount int) error {
	info, err := os.Stat(configPath)
	if err != nil || info.IsDir() {
		return model.WrapCLIError(
			model.ExitGeneralError,
			fmt.Sprintf("configuration file not found: %s", configPath),
			err,
		)
	}
	if gpuSet {
		if err := model.ValidateDeviceID(gpu, deviceCount); err != nil {
			return model.WrapCLIError(model.ExitGeneralError, "GPU validation failed", err)
		}
	}
	return nil
}

// selectTopology maps the --gpu flag onto a run mode and device list.
// Supplying --gpu selects single-device mode on that device; omitting it
// selects one worker per visible device.
func selectTopology(gpuSet bool, gpu int, inventory device.Inventory) (model.RunMode, []int, error) {
	if gpuSet {
		return model.ModeSingle, []int{gpu}, nil
	}
	if inventory.Count() == 0 {
		return "", nil, model.NewCLIError(
			model.ExitNoDevices,
			"no visible devices for distributed training (set --gpu for single-device mode, or "+device.VisibleDevicesEnv+" to override discovery)",
		)
	}
	return model.ModeDistributed, inventory.Indices(), nil
}

// spawnWorkers re-executes this binary once per device and supervises
// the fan-out.
func spawnWorkers(ctx context.Context, flags *trainFlags, worldSize int) error {
	log.Infof("spawning %d workers", worldSize)

	return distrib.Spawn(ctx, worldSize, distrib.SpawnOptions{
		Args: func(rank int) []string {
			args := []string{
				"train",
				"--config", flags.config,
				"--exp", flags.exp,
				"--dist-addr", flags.distAddr,
				"--worker-rank", strconv.Itoa(rank),
				"--world-size", strconv.Itoa(worldSize),
			}
			if verbose {
				args = append(args, "--verbose")
			}
			return args
		},
	})
}

// runSpawnedWorker is the entry branch for a re-exec'd worker process.
// The launcher already validated inputs and bootstrapped the experiment
// directory; the worker re-loads the config and opens the directory.
func runSpawnedWorker(ctx context.Context, flags *trainFlags) error {
	if flags.worldSize < 1 || flags.workerRank >= flags.worldSize {
		return model.NewCLIError(model.ExitDistribError,
			fmt.Sprintf("bad worker topology: rank %d of %d", flags.workerRank, flags.worldSize))
	}

	cfg, err := config.Load(flags.config)
	if err != nil {
		return err
	}
	expDir, err := experiment.Open(cfg.SaveDir, flags.exp)
	if err != nil {
		return model.WrapCLIError(model.ExitDistribError, "worker could not open experiment directory", err)
	}

	return runWorker(ctx, flags, cfg, expDir, flags.workerRank, flags.worldSize)
}

// runWorker wires the collaborators in launch order — data loader, model,
// process group, trainer — and runs the loop. It is shared by the
// single-device path (rank 0, world size 1, in-process) and the spawned
// worker path.
func runWorker(ctx context.Context, flags *trainFlags, cfg *config.Config, expDir *experiment.Dir, rank, worldSize int) error {
	if rank >= len(expDir.Manifest.Devices) {
		return model.NewCLIError(model.ExitDistribError,
			fmt.Sprintf("rank %d has no device in run manifest (%d devices)", rank, len(expDir.Manifest.Devices)))
	}
	deviceID := expDir.Manifest.Devices[rank]
	entry := log.WithField("rank", rank)

	distributed := worldSize > 1

	loader, err := dataset.NewSSAVLoader(cfg.UseVisual, cfg.UseDeconv, distributed, cfg.DataLoader, rank, worldSize)
	if err != nil {
		return err
	}

	net, err := nvasnet.New(cfg.DataLoader.NumReceivers, cfg.UseVisual, cfg.Training.Seed)
	if err != nil {
		return err
	}
	entry.WithFields(map[string]interface{}{
		"device":     deviceID,
		"world_size": worldSize,
	}).Info("model initialized")

	group, err := distrib.Init(ctx, flags.distAddr, rank, worldSize)
	if err != nil {
		return err
	}

	t := trainer.New(net, loader, group, deviceID, expDir, cfg.UseDeconv, cfg.Training, entry)
	trainErr := t.Train(ctx)

	// Tear the group down explicitly; a worker that exits with the
	// group open can hang its peers mid-collective.
	if closeErr := group.Close(); closeErr != nil && trainErr == nil {
		trainErr = model.WrapCLIError(model.ExitDistribError, "process group teardown failed", closeErr)
	}
	return trainErr
}

package distrib

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/soundfield/nvas-train/internal/model"
)

// SpawnOptions configures the per-device worker fan-out.
type SpawnOptions struct {
	// Binary is the executable to run. Empty means the current binary
	// (os.Executable), which is the re-exec case.
	Binary string

	// Args returns the argument list for the worker with the given rank.
	Args func(rank int) []string

	// Env is the extra environment for every worker, appended to the
	// parent's environment.
	Env []string
}

// Spawn launches worldSize worker processes and waits for all of them.
//
// The first worker failure cancels the remaining workers; the returned
// error is the first failure observed. Worker stdout/stderr are passed
// through to the launcher's streams, so worker log lines appear inline
// (each worker tags its lines with its rank).
func Spawn(ctx context.Context, worldSize int, opts SpawnOptions) error {
	if worldSize < 1 {
		return fmt.Errorf("distrib: world size %d out of range (>= 1)", worldSize)
	}
	if opts.Args == nil {
		return fmt.Errorf("distrib: spawn requires an Args builder")
	}

	binary := opts.Binary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return model.WrapCLIError(model.ExitDistribError, "cannot resolve own executable for re-exec", err)
		}
		binary = exe
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, worldSize)

	for rank := 0; rank < worldSize; rank++ {
		cmd := exec.CommandContext(ctx, binary, opts.Args(rank)...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = append(os.Environ(), opts.Env...)

		if err := cmd.Start(); err != nil {
			cancel()
			wg.Wait()
			return model.WrapCLIError(model.ExitDistribError,
				fmt.Sprintf("failed to start worker rank %d", rank), err)
		}

		wg.Add(1)
		go func(rank int, cmd *exec.Cmd) {
			defer wg.Done()
			if err := cmd.Wait(); err != nil {
				errCh <- fmt.Errorf("worker rank %d: %w", rank, err)
				cancel()
			}
		}(rank, cmd)
	}

	wg.Wait()
	close(errCh)

	if err := <-errCh; err != nil {
		return model.WrapCLIError(model.ExitDistribError, "distributed run failed", err)
	}
	return nil
}

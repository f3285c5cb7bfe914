package distrib

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freeAddr reserves a loopback port and releases it for the group under
// test. Tests cannot share the fixed default port when run in parallel.
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// runGroup forms a group of worldSize goroutine "ranks" and runs fn on
// each, failing the test on any error.
func runGroup(t *testing.T, worldSize int, fn func(pg *ProcessGroup) error) {
	t.Helper()
	addr := freeAddr(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, worldSize)
	for rank := 0; rank < worldSize; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			pg, err := Init(ctx, addr, rank, worldSize)
			if err != nil {
				errs[rank] = err
				return
			}
			defer pg.Close()
			errs[rank] = fn(pg)
		}(rank)
	}
	wg.Wait()

	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
}

// TestInit_Validation covers the rank/world argument checks.
func TestInit_Validation(t *testing.T) {
	ctx := context.Background()

	_, err := Init(ctx, "", 0, 0)
	assert.Error(t, err)

	_, err = Init(ctx, "", -1, 2)
	assert.Error(t, err)

	_, err = Init(ctx, "", 2, 2)
	assert.Error(t, err)
}

// TestInit_SingleRank verifies the degenerate group: no networking, all
// collectives are no-ops.
func TestInit_SingleRank(t *testing.T) {
	pg, err := Init(context.Background(), "", 0, 1)
	require.NoError(t, err)
	defer pg.Close()

	assert.Equal(t, 0, pg.Rank())
	assert.Equal(t, 1, pg.WorldSize())

	values := []float64{1, 2, 3}
	require.NoError(t, pg.AllReduceMean(values))
	assert.Equal(t, []float64{1, 2, 3}, values)
	require.NoError(t, pg.Barrier())
	require.NoError(t, pg.Close())
	require.NoError(t, pg.Close()) // idempotent
}

// TestAllReduceMean verifies gradient averaging across group sizes: every
// rank contributes rank-dependent values and every rank must end up with
// the mean.
func TestAllReduceMean(t *testing.T) {
	for _, worldSize := range []int{2, 3, 4} {
		t.Run(fmt.Sprintf("world=%d", worldSize), func(t *testing.T) {
			// Expected mean of value base+rank over all ranks.
			expectedOffset := float64(worldSize-1) / 2.0

			runGroup(t, worldSize, func(pg *ProcessGroup) error {
				values := []float64{
					0 + float64(pg.Rank()),
					10 + float64(pg.Rank()),
					-5 + float64(pg.Rank()),
				}
				if err := pg.AllReduceMean(values); err != nil {
					return err
				}

				want := []float64{0 + expectedOffset, 10 + expectedOffset, -5 + expectedOffset}
				for i := range want {
					if diff := values[i] - want[i]; diff > 1e-9 || diff < -1e-9 {
						return fmt.Errorf("rank %d: values[%d] = %f, want %f", pg.Rank(), i, values[i], want[i])
					}
				}
				return nil
			})
		})
	}
}

// TestBarrier verifies that no rank passes the barrier before every rank
// has reached it.
func TestBarrier(t *testing.T) {
	const worldSize = 3
	var mu sync.Mutex
	arrived := 0

	runGroup(t, worldSize, func(pg *ProcessGroup) error {
		// Stagger arrivals so a broken barrier would let early ranks
		// observe arrived < worldSize after passing.
		time.Sleep(time.Duration(pg.Rank()) * 50 * time.Millisecond)

		mu.Lock()
		arrived++
		mu.Unlock()

		if err := pg.Barrier(); err != nil {
			return err
		}

		mu.Lock()
		defer mu.Unlock()
		if arrived != worldSize {
			return fmt.Errorf("rank %d passed barrier with %d of %d arrived", pg.Rank(), arrived, worldSize)
		}
		return nil
	})
}

// TestCollectiveSequence runs several collectives back to back on the
// same group, mimicking the trainer's per-step all-reduce cadence.
func TestCollectiveSequence(t *testing.T) {
	runGroup(t, 2, func(pg *ProcessGroup) error {
		for step := 0; step < 5; step++ {
			values := []float64{float64(step * (pg.Rank() + 1))}
			if err := pg.AllReduceMean(values); err != nil {
				return err
			}
			// mean of step*1 and step*2 is step*1.5
			want := float64(step) * 1.5
			if diff := values[0] - want; diff > 1e-9 || diff < -1e-9 {
				return fmt.Errorf("step %d: got %f, want %f", step, values[0], want)
			}
			if err := pg.Barrier(); err != nil {
				return err
			}
		}
		return nil
	})
}

package run_test

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/Deck/internal/run"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestPoolNotInitialized(t *testing.T) {
	t.Parallel()
	pool := newPool(t)

	_, err := pool.CurrentCommand()
	require.ErrorIs(t, err, run.ErrNotInitialized)
	_, err = pool.Current()
	require.ErrorIs(t, err, run.ErrNotInitialized)
	require.False(t, pool.IsActive())
}

func TestPoolIdempotentStop(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")
	pool := newPool(t)

	start := time.Now()
	pool.Stop()
	pool.Stop()
	require.Less(t, time.Since(start), 100*time.Millisecond)

	_, err := pool.RunSequential(t.Context(), []string{sh, "-c", "true"})
	require.NoError(t, err)
	start = time.Now()
	pool.Stop()
	require.Less(t, time.Since(start), 100*time.Millisecond)

	// the finished run stays the current one
	cmd, err := pool.CurrentCommand()
	require.NoError(t, err)
	require.Contains(t, cmd, "true")
}

func TestPoolProgram(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")
	pool := run.NewPool(run.PoolConfig{Program: sh, LogDir: t.TempDir()})
	t.Cleanup(pool.Close)

	outcome, err := pool.RunSequential(t.Context(), []string{"-c", "echo 'with program'"})
	require.NoError(t, err)
	require.Equal(t, run.StatusSuccess, outcome.Status)

	r, err := pool.Current()
	require.NoError(t, err)
	require.Equal(t, []string{"-c", "echo 'with program'"}, r.Arguments())
	require.Equal(t, append([]string{sh}, r.Arguments()...), r.Argv())
	require.True(t, strings.HasPrefix(r.Command(), sh+" -c "), r.Command())
	require.Contains(t, readAll(t, r.Sink()), "\nwith program\n")
}

func TestPoolSupersede(t *testing.T) {
	t.Parallel()
	sleep := lookPath(t, "sleep")
	pool := newPool(t)

	first, err := pool.RunParallel(t.Context(), []string{sleep, "30"})
	require.NoError(t, err)
	require.True(t, pool.IsActive())

	second, err := pool.RunParallel(t.Context(), []string{sleep, "30"})
	require.NoError(t, err)
	require.False(t, first.Alive(), "previous worker must exit before a new run starts")
	require.Equal(t, run.StatusCancelled, first.Outcome().Status)
	require.NotEqual(t, first.ID(), second.ID())
	require.NotEqual(t, first.Sink().Path(), second.Sink().Path())

	current, err := pool.Current()
	require.NoError(t, err)
	require.Same(t, second, current)

	// the superseded log is kept
	require.Contains(t, readAll(t, first.Sink()), run.TrailerCancelled)

	pool.Stop()
	require.Equal(t, run.StatusCancelled, second.Outcome().Status)
}

func TestPoolSingleFlight(t *testing.T) {
	t.Parallel()
	sleep := lookPath(t, "sleep")
	pool := newPool(t)

	var mx sync.Mutex
	var runs []*run.Run
	overlaps := 0

	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			r, err := pool.RunParallel(t.Context(), []string{sleep, "30"})
			if err != nil {
				return err
			}
			mx.Lock()
			runs = append(runs, r)
			alive := 0
			for _, r := range runs {
				if r.Alive() {
					alive++
				}
			}
			if alive > 1 {
				overlaps++
			}
			mx.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Len(t, runs, 8)
	require.Zero(t, overlaps)

	alive := 0
	for _, r := range runs {
		if r.Alive() {
			alive++
		}
	}
	require.LessOrEqual(t, alive, 1)

	pool.Stop()
	for _, r := range runs {
		require.False(t, r.Alive())
	}
}

func TestPoolSequentialIsStoppable(t *testing.T) {
	t.Parallel()
	sleep := lookPath(t, "sleep")
	pool := newPool(t)

	done := make(chan run.Outcome, 1)
	go func() {
		outcome, _ := pool.RunSequential(t.Context(), []string{sleep, "30"})
		done <- outcome
	}()

	require.Eventually(t, pool.IsActive, 5*time.Second, 10*time.Millisecond)
	pool.Stop()
	outcome := <-done
	require.Equal(t, run.StatusCancelled, outcome.Status)
	require.ErrorIs(t, outcome.Err("sleep 30"), run.ErrCancelled)
}

func TestPoolClose(t *testing.T) {
	t.Parallel()
	sleep := lookPath(t, "sleep")
	pool := newPool(t)

	r, err := pool.RunParallel(t.Context(), []string{sleep, "30"})
	require.NoError(t, err)
	pool.Close()
	require.False(t, r.Alive())

	_, err = pool.RunParallel(t.Context(), []string{sleep, "30"})
	require.ErrorIs(t, err, run.ErrPoolClosed)
	_, err = pool.RunSequential(t.Context(), []string{sleep, "30"})
	require.ErrorIs(t, err, run.ErrPoolClosed)

	// observers can still read the last run
	current, err := pool.Current()
	require.NoError(t, err)
	require.Same(t, r, current)
}

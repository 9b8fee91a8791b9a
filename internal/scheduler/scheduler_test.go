package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-news-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-news-ingest/internal/orchestrator"
)

type fakeRunner struct {
	cycles   atomic.Int32
	reembeds atomic.Int32
	err      error
}

func (f *fakeRunner) RunCycle(context.Context) (orchestrator.Report, error) {
	f.cycles.Add(1)
	if f.err != nil {
		return orchestrator.Report{}, f.err
	}
	return orchestrator.Report{State: orchestrator.StateCompleted}, nil
}

func (f *fakeRunner) Reembed(context.Context, int) (orchestrator.ReembedReport, error) {
	f.reembeds.Add(1)
	return orchestrator.ReembedReport{}, nil
}

func runAsync(ctx context.Context, s *Scheduler) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

func TestRunTicksUntilCancelled(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	s := New(runner, Config{Interval: 5 * time.Millisecond, ReembedLimit: 10}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s)

	require.Eventually(t, func() bool { return runner.cycles.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.GreaterOrEqual(t, runner.reembeds.Load(), int32(2))
}

func TestRunOnStart(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	s := New(runner, Config{Interval: time.Hour, RunOnStart: true}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s)

	require.Eventually(t, func() bool { return runner.cycles.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, runner.reembeds.Load())
}

func TestCycleErrorsDoNotStopScheduler(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{err: ingest.ErrCycleInProgress}
	s := New(runner, Config{Interval: 2 * time.Millisecond, ReembedLimit: 5}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s)

	require.Eventually(t, func() bool { return runner.cycles.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, runner.reembeds.Load())

	runner = &fakeRunner{err: errors.New("no id")}
	s = New(runner, Config{Interval: 2 * time.Millisecond}, nil)
	ctx, cancel = context.WithCancel(context.Background())
	done = runAsync(ctx, s)
	require.Eventually(t, func() bool { return runner.cycles.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestLockFileExcludesSecondInstance(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "newsingest.lock")
	holder := &fakeRunner{}
	first := New(holder, Config{Interval: time.Hour, RunOnStart: true, LockPath: lockPath}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, first)
	require.Eventually(t, func() bool { return holder.cycles.Load() == 1 }, time.Second, time.Millisecond)

	stopped, stop := context.WithCancel(context.Background())
	stop()
	second := New(&fakeRunner{}, Config{Interval: time.Hour, LockPath: lockPath}, nil)
	require.ErrorIs(t, second.Run(stopped), ErrLocked)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, second.Run(stopped), "lock must be released after the first instance stops")
}

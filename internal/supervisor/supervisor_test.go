package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execflow/internal/metrics"
)

func blockUntilDone(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func TestFatalErrorCancelsEveryUnit(t *testing.T) {
	s := New(context.Background(), Config{}, nil, nil)
	var peerStopped atomic.Bool
	s.Go(Unit{Name: "peer", Run: func(ctx context.Context) error {
		<-ctx.Done()
		peerStopped.Store(true)
		return nil
	}})
	s.Go(Unit{Name: "broken", Run: func(context.Context) error { return errors.New("boom") }})

	err := s.Wait()
	require.ErrorIs(t, err, ErrUnitFailed)
	assert.Contains(t, err.Error(), "broken")
	assert.True(t, peerStopped.Load())
}

func TestFatalPanicIsRecovered(t *testing.T) {
	s := New(context.Background(), Config{}, nil, nil)
	s.Go(Unit{Name: "panics", Run: func(context.Context) error { panic("bad state") }})

	err := s.Wait()
	require.ErrorIs(t, err, ErrUnitFailed)
	assert.Contains(t, err.Error(), "bad state")
}

func TestFatalEarlyReturnIsAFailure(t *testing.T) {
	s := New(context.Background(), Config{}, nil, nil)
	s.Go(Unit{Name: "quitter", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, s.Wait(), ErrUnitFailed)
}

func TestRestartPolicyRerunsUnit(t *testing.T) {
	m := metrics.NewCollector(nil)
	s := New(context.Background(), Config{RestartDelay: time.Millisecond}, nil, m)

	var runs atomic.Int32
	s.Go(Unit{Name: "flaky", Policy: Restart, Run: func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return blockUntilDone(ctx)
	}})

	require.Eventually(t, func() bool { return runs.Load() == 3 }, time.Second, time.Millisecond)
	require.NoError(t, s.Shutdown(time.Second))
	assert.EqualValues(t, 2, m.Count(metrics.UnitRestarts, "flaky"))
}

func TestRestartSurvivesPanics(t *testing.T) {
	s := New(context.Background(), Config{RestartDelay: time.Millisecond}, nil, nil)
	var runs atomic.Int32
	s.Go(Unit{Name: "panicky", Policy: Restart, Run: func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("once")
		}
		return blockUntilDone(ctx)
	}})
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, time.Millisecond)
	assert.NoError(t, s.Shutdown(time.Second))
}

func TestShutdownStopsUnitsCleanly(t *testing.T) {
	s := New(context.Background(), Config{}, nil, nil)
	for _, name := range []string{"a", "b", "c"} {
		s.Go(Unit{Name: name, Run: blockUntilDone})
	}
	assert.Len(t, s.Running(), 3)
	require.NoError(t, s.Shutdown(time.Second))
	assert.Empty(t, s.Running())
	assert.NoError(t, s.Wait())
}

func TestParentCancellationIsNotAFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx, Config{}, nil, nil)
	s.Go(Unit{Name: "worker", Run: blockUntilDone})
	cancel()
	assert.NoError(t, s.Wait())
}

func TestShutdownTimesOut(t *testing.T) {
	s := New(context.Background(), Config{}, nil, nil)
	release := make(chan struct{})
	defer close(release)
	s.Go(Unit{Name: "stuck", Run: func(context.Context) error {
		<-release
		return nil
	}})

	err := s.Shutdown(20 * time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stuck")
}

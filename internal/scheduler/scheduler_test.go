package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSchedulerRunsJobsWithoutOverlap(t *testing.T) {
	var runs, active, maxActive atomic.Int32

	s, err := New(zap.NewNop(), Job{
		Name:     "slow",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			n := active.Add(1)
			defer active.Add(-1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			runs.Add(1)
			time.Sleep(30 * time.Millisecond)
			return nil
		},
	})
	require.NoError(t, err)

	s.Start()
	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Shutdown())

	assert.Equal(t, int32(1), maxActive.Load())
}

func TestSchedulerLogsFailures(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	s, err := New(zap.New(core), Job{
		Name:     "broken",
		Interval: 10 * time.Millisecond,
		Run:      func(ctx context.Context) error { return errors.New("boom") },
	})
	require.NoError(t, err)

	s.Start()
	assert.Eventually(t, func() bool {
		return logs.FilterMessage("job failed").FilterField(zap.String("job", "broken")).Len() > 0
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Shutdown())
}

func TestSchedulerShutdownCancelsRunningJob(t *testing.T) {
	started := make(chan struct{})
	var cancelled atomic.Bool

	s, err := New(zap.NewNop(), Job{
		Name:     "long",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			select {
			case started <- struct{}{}:
			default:
			}
			<-ctx.Done()
			cancelled.Store(true)
			return ctx.Err()
		},
	})
	require.NoError(t, err)

	s.Start()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not start")
	}

	require.NoError(t, s.Shutdown())
	assert.Eventually(t, cancelled.Load, time.Second, 5*time.Millisecond)
}

func TestNewRejectsInvalidJob(t *testing.T) {
	_, err := New(zap.NewNop(), Job{Name: "empty"})
	assert.Error(t, err)
}

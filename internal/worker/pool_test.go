package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/propertypay/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newPool(concurrency, size int) *Pool {
	return NewPool(config.Config{Worker: config.WorkerConfig{Concurrency: concurrency, QueueSize: size}}, zap.NewNop())
}

func TestPoolRunsQueuedTasksBeforeStop(t *testing.T) {
	p := newPool(2, 16)
	p.Start()

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		ok := p.Submit(Task{Name: "count", Run: func(context.Context) error {
			ran.Add(1)
			return nil
		}})
		require.True(t, ok)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
	assert.Equal(t, int32(10), ran.Load())
}

func TestPoolRejectsWhenFull(t *testing.T) {
	p := newPool(1, 1)

	assert.True(t, p.Submit(Task{Name: "a", Run: func(context.Context) error { return nil }}))
	assert.False(t, p.Submit(Task{Name: "b", Run: func(context.Context) error { return nil }}))
}

func TestPoolRejectsAfterStop(t *testing.T) {
	p := newPool(1, 4)
	p.Start()
	require.NoError(t, p.Stop(context.Background()))

	assert.False(t, p.Submit(Task{Name: "late", Run: func(context.Context) error { return nil }}))
	assert.NoError(t, p.Stop(context.Background()))
}

func TestPoolSurvivesFailingAndPanickingTasks(t *testing.T) {
	p := newPool(1, 4)
	p.Start()

	var ran atomic.Bool
	p.Submit(Task{Name: "fail", Run: func(context.Context) error { return errors.New("boom") }})
	p.Submit(Task{Name: "panic", Run: func(context.Context) error { panic("boom") }})
	p.Submit(Task{Name: "ok", Run: func(context.Context) error {
		ran.Store(true)
		return nil
	}})

	require.NoError(t, p.Stop(context.Background()))
	assert.True(t, ran.Load())
}

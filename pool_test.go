package main

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tutortoise/plate-privacy-service/detections"
	"github.com/Tutortoise/plate-privacy-service/models"
)

type fakeSession struct {
	active    *atomic.Int32
	maxActive *atomic.Int32
	destroyed *atomic.Int32
	fail      bool
}

func (s *fakeSession) Run(input []float32) (detections.RawOutput, error) {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		m := s.maxActive.Load()
		if n <= m || s.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	if s.fail {
		return detections.RawOutput{}, errors.New("session crashed")
	}
	return detections.RawOutput{Data: append([]float32(nil), input...), Shape: []int64{1, int64(len(input))}}, nil
}

func (s *fakeSession) Destroy() {
	s.destroyed.Add(1)
}

type fakeFactory struct {
	active, maxActive, destroyed, created atomic.Int32
	failNext                              atomic.Bool
}

func (f *fakeFactory) new() (sessionRunner, error) {
	f.created.Add(1)
	return &fakeSession{
		active:    &f.active,
		maxActive: &f.maxActive,
		destroyed: &f.destroyed,
		fail:      f.failNext.Swap(false),
	}, nil
}

func discardLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestPoolBoundsConcurrentInference(t *testing.T) {
	f := &fakeFactory{}
	pool, err := NewModelSessionPool(f.new, 2, discardLogger())
	require.NoError(t, err)
	defer pool.Destroy()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := pool.Infer(context.Background(), []float32{float32(i)})
			assert.NoError(t, err)
			assert.Equal(t, []float32{float32(i)}, out.Data)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, f.maxActive.Load(), int32(2))
	stats := pool.Stats()
	assert.Equal(t, 2, stats.PoolSize)
	assert.Equal(t, 2, stats.Available)
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, int64(10), stats.TotalAcquired)
	assert.Equal(t, int64(10), stats.TotalReleased)
}

func TestPoolReplacesFailedSessions(t *testing.T) {
	f := &fakeFactory{}
	f.failNext.Store(true)
	pool, err := NewModelSessionPool(f.new, 1, discardLogger())
	require.NoError(t, err)
	defer pool.Destroy()

	_, err = pool.Infer(context.Background(), []float32{1})
	require.Error(t, err)

	stats := pool.Stats()
	assert.Equal(t, 0, stats.Available)
	assert.Equal(t, int64(1), stats.RunFailures)
	assert.Equal(t, []string{"session crashed"}, stats.RecentErrors)
	assert.Equal(t, int32(1), f.destroyed.Load())

	pool.replenish()
	assert.Equal(t, 1, pool.Stats().Available)

	_, err = pool.Infer(context.Background(), []float32{1})
	assert.NoError(t, err)
}

func TestPoolAcquireHonorsContext(t *testing.T) {
	f := &fakeFactory{}
	pool, err := NewModelSessionPool(f.new, 1, discardLogger())
	require.NoError(t, err)
	defer pool.Destroy()

	held, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer pool.Release(held)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Infer(ctx, []float32{1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, models.ErrInference)
}

func TestPoolClose(t *testing.T) {
	f := &fakeFactory{}
	pool, err := NewModelSessionPool(f.new, 3, discardLogger())
	require.NoError(t, err)

	require.NoError(t, pool.Close())
	assert.Equal(t, int32(3), f.destroyed.Load())

	_, err = pool.Infer(context.Background(), []float32{1})
	assert.ErrorIs(t, err, errPoolClosed)

	// Closing twice is a no-op.
	require.NoError(t, pool.Close())
}

func TestPoolFactoryFailure(t *testing.T) {
	calls := 0
	factory := func() (sessionRunner, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("no memory")
		}
		return &fakeSession{active: new(atomic.Int32), maxActive: new(atomic.Int32), destroyed: new(atomic.Int32)}, nil
	}

	_, err := NewModelSessionPool(factory, 3, discardLogger())
	assert.ErrorContains(t, err, "failed to initialize session 1")
}

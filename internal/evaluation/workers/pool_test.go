package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWorkerPool(t *testing.T) {
	tests := []struct {
		name            string
		numWorkers      int
		expectedWorkers int
	}{
		{"positive workers", 5, 5},
		{"zero workers defaults to 10", 0, 10},
		{"negative workers defaults to 10", -1, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := NewWorkerPool(tt.numWorkers)
			assert.Equal(t, tt.expectedWorkers, pool.Size())
		})
	}
}

func TestEvaluateBatch_Empty(t *testing.T) {
	pool := NewWorkerPool(2)
	results := pool.EvaluateBatch(context.Background(), 0, nil, nil)
	assert.Empty(t, results)
}

func TestEvaluateBatch_PreservesOrder(t *testing.T) {
	pool := NewWorkerPool(4)

	results := pool.EvaluateBatch(context.Background(), 20, func(ctx context.Context, i int) (float64, error) {
		// Later items finish first
		time.Sleep(time.Duration(20-i) * time.Millisecond)
		return float64(i * i), nil
	}, nil)

	require.Len(t, results, 20)
	for i, r := range results {
		assert.NoError(t, r.Err)
		assert.False(t, r.Skipped)
		assert.Equal(t, float64(i*i), r.Value)
	}
}

func TestEvaluateBatch_WithProgress(t *testing.T) {
	pool := NewWorkerPool(2)

	var progressCalls []int
	callback := func(current, total int, message string) {
		assert.Equal(t, 3, total)
		progressCalls = append(progressCalls, current)
	}

	boom := errors.New("boom")
	results := pool.EvaluateBatch(context.Background(), 3, func(ctx context.Context, i int) (float64, error) {
		if i == 1 {
			return 0, boom
		}
		return 1, nil
	}, callback)

	assert.Len(t, results, 3)
	assert.ErrorIs(t, results[1].Err, boom)
	assert.Equal(t, []int{1, 2, 3}, progressCalls, "Progress should be called for each completed evaluation")
}

func TestEvaluateBatch_CancelledSkipsUnstarted(t *testing.T) {
	pool := NewWorkerPool(1)
	ctx, cancel := context.WithCancel(context.Background())

	var started atomic.Int32
	results := pool.EvaluateBatch(ctx, 5, func(_ context.Context, i int) (float64, error) {
		started.Add(1)
		if i == 1 {
			cancel()
		}
		return float64(i), nil
	}, nil)

	assert.Equal(t, int32(2), started.Load())
	assert.False(t, results[0].Skipped)
	assert.False(t, results[1].Skipped, "in-flight item runs to completion")
	for _, r := range results[2:] {
		assert.True(t, r.Skipped)
	}
}

func TestEvaluateBatch_BoundedConcurrency(t *testing.T) {
	pool := NewWorkerPool(3)

	var inFlight, peak atomic.Int32
	pool.EvaluateBatch(context.Background(), 12, func(ctx context.Context, i int) (float64, error) {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return 0, nil
	}, nil)

	assert.LessOrEqual(t, peak.Load(), int32(3))
}

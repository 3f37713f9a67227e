package workers

import (
	"context"
	"sync"
	"time"
)

// EvalFunc evaluates item i of a batch
type EvalFunc func(ctx context.Context, i int) (float64, error)

// ProgressCallback is called once per finished item
type ProgressCallback func(current, total int, message string)

// EvalResult is the outcome of one batch item
type EvalResult struct {
	Value   float64
	Err     error
	Skipped bool // Not started because the batch context was done
	Elapsed time.Duration
}

// DefaultWorkers is the pool size used when none is given
const DefaultWorkers = 10

// WorkerPool manages a pool of worker goroutines for parallel evaluation
type WorkerPool struct {
	numWorkers int
}

// NewWorkerPool creates a new worker pool with the specified number of workers
func NewWorkerPool(numWorkers int) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = DefaultWorkers
	}
	return &WorkerPool{
		numWorkers: numWorkers,
	}
}

// Size returns the number of workers
func (wp *WorkerPool) Size() int {
	return wp.numWorkers
}

// EvaluateBatch evaluates n items in parallel and returns results in item
// order. ctx only gates whether an item starts; fn receives ctx as well and
// decides itself how to honour it. Items not started once ctx is done are
// reported as Skipped.
func (wp *WorkerPool) EvaluateBatch(ctx context.Context, n int, fn EvalFunc, progress ProgressCallback) []EvalResult {
	if n == 0 {
		return []EvalResult{}
	}

	jobs := make(chan jobItem, n)
	results := make(chan resultItem, n)

	var wg sync.WaitGroup
	numActualWorkers := wp.numWorkers
	if n < numActualWorkers {
		numActualWorkers = n // Don't spawn more workers than items
	}

	for i := 0; i < numActualWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker(ctx, jobs, results, fn)
		}()
	}

	for idx := 0; idx < n; idx++ {
		jobs <- jobItem{index: idx}
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	resultSlice := make([]EvalResult, n)
	completed := 0
	for result := range results {
		resultSlice[result.index] = result.evalResult
		completed++
		if progress != nil {
			progress(completed, n, progressMessage(result.evalResult))
		}
	}

	return resultSlice
}

func progressMessage(r EvalResult) string {
	switch {
	case r.Skipped:
		return "skipped"
	case r.Err != nil:
		return "failed"
	default:
		return "evaluated"
	}
}

// jobItem represents a single evaluation job
type jobItem struct {
	index int
}

// resultItem represents the result of an evaluation job
type resultItem struct {
	index      int
	evalResult EvalResult
}

// worker is the worker goroutine that processes evaluation jobs
func worker(ctx context.Context, jobs <-chan jobItem, results chan<- resultItem, fn EvalFunc) {
	for job := range jobs {
		if ctx.Err() != nil {
			results <- resultItem{index: job.index, evalResult: EvalResult{Skipped: true}}
			continue
		}

		start := time.Now()
		value, err := fn(ctx, job.index)
		results <- resultItem{
			index: job.index,
			evalResult: EvalResult{
				Value:   value,
				Err:     err,
				Elapsed: time.Since(start),
			},
		}
	}
}

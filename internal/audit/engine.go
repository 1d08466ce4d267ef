// Package audit drives reachability validation of tracked blobs and the
// cleanup orchestration built on top of it.
package audit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Ref is one object to validate.
type Ref struct {
	ObjectID string
	BlobURL  string
}

// Result classifies one checked object. A transport-level failure carries Err
// and no status code; an HTTP answer carries StatusCode and no Err, so the
// two stay distinguishable.
type Result struct {
	ObjectID   string
	Valid      bool
	StatusCode int
	Err        error
}

// HeadChecker is the single blob-store operation the engine needs.
type HeadChecker interface {
	HeadCheck(ctx context.Context, blobURL string, timeout time.Duration) (int, error)
}

// Engine runs concurrent HEAD checks over a batch of refs with a bounded
// number of in-flight requests. The bound is backpressure against the remote
// service, not a correctness requirement.
type Engine struct {
	checker     HeadChecker
	concurrency int64
	timeout     time.Duration
}

// NewEngine creates an Engine issuing at most concurrency simultaneous
// checks, each bounded by perRequestTimeout.
func NewEngine(checker HeadChecker, concurrency int64, perRequestTimeout time.Duration) *Engine {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Engine{
		checker:     checker,
		concurrency: concurrency,
		timeout:     perRequestTimeout,
	}
}

// CheckBatch validates every ref and always returns one result per ref, in
// matching order. Every check settles independently: a timed-out or failing
// check never aborts its siblings. Classification is deliberately
// conservative: transport failure and non-2xx status are both invalid, which
// trades a small false-positive purge rate for bounded audit latency.
func (e *Engine) CheckBatch(ctx context.Context, refs []Ref) []Result {
	results := make([]Result, len(refs))

	sem := semaphore.NewWeighted(e.concurrency)
	var wg sync.WaitGroup

	for i, ref := range refs {
		if err := ctx.Err(); err != nil {
			results[i] = Result{ObjectID: ref.ObjectID, Err: err}
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context cancelled; settle the remaining refs without checking.
			results[i] = Result{ObjectID: ref.ObjectID, Err: err}
			continue
		}

		wg.Add(1)
		go func(i int, ref Ref) {
			defer wg.Done()
			defer sem.Release(1)

			status, err := e.checker.HeadCheck(ctx, ref.BlobURL, e.timeout)
			if err != nil {
				results[i] = Result{ObjectID: ref.ObjectID, Err: err}
				return
			}
			results[i] = Result{
				ObjectID:   ref.ObjectID,
				Valid:      status >= 200 && status <= 299,
				StatusCode: status,
			}
		}(i, ref)
	}

	wg.Wait()
	return results
}

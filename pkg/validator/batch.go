package validator

import (
	"context"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gofhir/conformance/pkg/issue"
)

// BatchItem is the outcome for one resource of a batch.
type BatchItem struct {
	Result   *issue.Result
	Err      error
	Duration time.Duration
}

// BatchResult holds one item per input resource, in input order.
type BatchResult struct {
	Items []BatchItem
	// Failed counts items whose validation returned an error.
	Failed   int
	Duration time.Duration
}

// HasErrors reports whether any item failed or has error issues.
func (br *BatchResult) HasErrors() bool {
	for _, it := range br.Items {
		if it.Err != nil || (it.Result != nil && it.Result.HasErrors()) {
			return true
		}
	}
	return false
}

// ErrorCount returns the number of error issues across all items.
func (br *BatchResult) ErrorCount() int {
	n := 0
	for _, it := range br.Items {
		if it.Result != nil {
			n += it.Result.ErrorCount()
		}
	}
	return n
}

// ValidateBatch validates resources on up to workers goroutines, NumCPU
// when workers is not positive. An error for one resource is kept in its
// item and does not stop the others. Once ctx ends, unstarted items get
// ctx.Err().
func (v *Validator) ValidateBatch(ctx context.Context, resources [][]byte, workers int, opts ...ValidateOption) *BatchResult {
	start := time.Now()
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	br := &BatchResult{Items: make([]BatchItem, len(resources))}

	var g errgroup.Group
	g.SetLimit(workers)
	for i, resource := range resources {
		if err := ctx.Err(); err != nil {
			br.Items[i].Err = err
			continue
		}
		g.Go(func() error {
			t := time.Now()
			result, err := v.Validate(ctx, resource, opts...)
			br.Items[i] = BatchItem{Result: result, Err: err, Duration: time.Since(t)}
			return nil
		})
	}
	_ = g.Wait()

	for _, it := range br.Items {
		if it.Err != nil {
			br.Failed++
		}
	}
	br.Duration = time.Since(start)
	return br
}

package distribution

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/rwturner17/BECy-stats/internal/models"
	"github.com/rwturner17/BECy-stats/internal/monitoring"
)

// forEach runs work for every index in [0, n) on at most workers goroutines.
// Each result is stored in the slot of its index, so the output order is the
// input order whatever order the workers finish in. A failing or panicking
// item leaves the zero value in its slot and its error in errs. progress, if
// non-nil, is called from the collecting goroutine after every item.
func forEach[T any](ctx context.Context, n, workers int, work func(i int) (T, error), progress func(done, total int)) (out []T, errs []error, err error) {
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}

	type result struct {
		index int
		value T
		err   error
	}
	out = make([]T, n)
	errs = make([]error, n)
	jobs := make(chan int)
	results := make(chan result)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				v, err := protect(i, work)
				results <- result{index: i, value: v, err: err}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i := 0; i < n; i++ {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	completed := 0
	for res := range results {
		if res.err == nil {
			out[res.index] = res.value
		}
		errs[res.index] = res.err
		completed++
		if progress != nil {
			progress(completed, n)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return out, errs, nil
}

// protect runs one item, turning a panic into an error
func protect[T any](i int, work func(int) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return work(i)
}

// eachFrame loads every file of d and runs work on it in parallel. Files that
// fail to load, fail in work or panic are logged under stage and keep the
// zero value of T, which for models.Value is the missing marker.
func eachFrame[T any](ctx context.Context, d *Distribution, stage string, work func(i int, f *models.RawFrame) (T, error)) ([]T, error) {
	var progress func(done, total int)
	if d.params.Verbose {
		progress = func(done, total int) {
			monitoring.Logf("%s: processed %d/%d files", stage, done, total)
		}
	}
	out, errs, err := forEach(ctx, len(d.files), d.params.NumCores, func(i int) (T, error) {
		f, err := d.load(i)
		if err != nil {
			var zero T
			return zero, err
		}
		return work(i, f)
	}, progress)
	if err != nil {
		return nil, err
	}
	for i, e := range errs {
		if e != nil {
			monitoring.Logf("%s: skipping %s: %v", stage, d.files[i], e)
		}
	}
	return out, nil
}

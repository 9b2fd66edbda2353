package cuckoo

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// parallelFor splits [0, n) into contiguous chunks and runs fn over each
// chunk on its own goroutine, using up to extra additional goroutines
// beyond the caller's own. It blocks until every chunk completes and
// returns the first error any chunk returned,
// same contract as libcuckoo's parallel_exec coordinator rethrowing the
// first captured exception — except errgroup gives us that for free
// instead of a manual exception_ptr vector.
func parallelFor(n int, extra int, fn func(lo, hi int) error) error {
	if n <= 0 {
		return nil
	}
	workers := extra + 1
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		return fn(0, n)
	}

	g, _ := errgroup.WithContext(context.Background())
	chunk := (n + workers - 1) / workers
	for lo := 0; lo < n; lo += chunk {
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		lo, hi := lo, hi
		g.Go(func() error {
			return fn(lo, hi)
		})
	}
	return g.Wait()
}

// defaultParallelism returns GOMAXPROCS-1, never negative: the number of
// extra workers that, together with the caller's goroutine, occupies
// every available core, mirroring the teacher's calcParallelism
// heuristic. New does not apply it; a zero worker count stays zero.
func defaultParallelism() int {
	n := runtime.GOMAXPROCS(0) - 1
	if n < 0 {
		return 0
	}
	return n
}

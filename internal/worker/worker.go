package worker

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"
)

// Handler processes one job. Per-job failures are the handler's business;
// workers never stop on them.
type Handler[T any] func(ctx context.Context, workerID string, job T)

func ID(stage string, i int) string {
	return fmt.Sprintf("%s-%d-%d", stage, os.Getpid(), i)
}

// Run starts n workers draining jobs and blocks until every worker has
// returned, which happens when ctx is done or jobs is closed.
func Run[T any](ctx context.Context, stage string, n int, jobs <-chan T, h Handler[T]) error {
	if n <= 0 {
		n = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		id := ID(stage, i)
		g.Go(func() error {
			runWorker(ctx, id, jobs, h)
			return nil
		})
	}
	return g.Wait()
}

func runWorker[T any](ctx context.Context, id string, jobs <-chan T, h Handler[T]) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			h(ctx, id, job)
		}
	}
}

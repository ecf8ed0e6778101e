package utils

import (
	"context"
	"sync"
)

type CompletedTask[T any] struct {
	Result T
	Error  error
}

// RunInPool runs worker over every item of queue on at most maxWorkers
// goroutines and closes completed once the queue is drained. Items read after
// ctx is cancelled are reported with ctx.Err() instead of being processed.
func RunInPool[In any, Out any](ctx context.Context, worker func(context.Context, In) (Out, error), queue chan In, completed chan CompletedTask[Out], maxWorkers int) {
	workers := max(min(len(queue), maxWorkers), 1)

	go func() {
		wg := sync.WaitGroup{}
		wg.Add(workers)

		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()

				for next := range queue {
					if err := ctx.Err(); err != nil {
						completed <- CompletedTask[Out]{Error: err}
						continue
					}

					res, err := worker(ctx, next)
					if err != nil {
						completed <- CompletedTask[Out]{Error: err}
					} else {
						completed <- CompletedTask[Out]{Result: res}
					}
				}
			}()
		}

		wg.Wait()

		close(completed)
	}()
}

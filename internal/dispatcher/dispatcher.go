// Package dispatcher fans harvest work out to a bounded pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/oflc-harvester/internal/crawler"
	"github.com/JakeFAU/oflc-harvester/internal/queue/memory"
)

// Runner drains a queue, reporting each outcome through emit.
type Runner interface {
	Run(ctx context.Context, emit func(crawler.Outcome)) error
}

// WorkerFactory builds a Runner bound to q.
type WorkerFactory func(q crawler.Queue) Runner

// Dispatcher runs one pass over a set of work items.
type Dispatcher struct {
	concurrency int
	queueDepth  int
	newWorker   WorkerFactory
}

// New creates a Dispatcher. Concurrency below one is raised to one.
func New(concurrency, queueDepth int, newWorker WorkerFactory) *Dispatcher {
	if concurrency < 1 {
		concurrency = 1
	}
	if queueDepth < 0 {
		queueDepth = 0
	}
	return &Dispatcher{
		concurrency: concurrency,
		queueDepth:  queueDepth,
		newWorker:   newWorker,
	}
}

// Dispatch feeds items through a fresh queue to the worker pool and blocks
// until every item is processed or the first worker error. emit is never
// called concurrently.
func (d *Dispatcher) Dispatch(ctx context.Context, items []crawler.WorkItem, emit func(crawler.Outcome)) error {
	if d.newWorker == nil {
		return errors.New("dispatcher has no worker factory")
	}
	q := memory.NewQueue(d.queueDepth)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer q.Close()
		for _, item := range items {
			if err := q.Enqueue(gctx, item); err != nil {
				return fmt.Errorf("queue enqueue: %w", err)
			}
		}
		return nil
	})

	var mu sync.Mutex
	serialEmit := func(o crawler.Outcome) {
		mu.Lock()
		defer mu.Unlock()
		emit(o)
	}
	workers := min(d.concurrency, max(len(items), 1))
	for i := 0; i < workers; i++ {
		w := d.newWorker(q)
		g.Go(func() error {
			return w.Run(gctx, serialEmit)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	return nil
}

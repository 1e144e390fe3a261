// Package worker provides the bounded task pool used by the describe,
// enrichment, and upload phases. A pool fans a fixed set of items out over a
// configurable number of workers, collects per-item failures without
// stopping the run, and honors cancellation between items.
package worker

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is the pool size used when callers pass zero.
const DefaultWorkers = 15

// Task processes one item identified by ref.
type Task func(ctx context.Context, ref string) error

// Pool runs tasks over item sets with bounded concurrency.
type Pool struct {
	workers int
	log     *logrus.Logger
}

// NewPool creates a pool; workers <= 0 selects the default.
func NewPool(workers int, log *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Pool{workers: workers, log: log}
}

// Workers returns the configured concurrency.
func (p *Pool) Workers() int { return p.workers }

// Run processes every ref through task. Individual task failures are
// collected and returned per ref; only context cancellation aborts the
// sweep early. The returned map is empty when everything succeeded.
func (p *Pool) Run(ctx context.Context, refs []string, task Task) (map[string]error, error) {
	var mu sync.Mutex
	failures := make(map[string]error)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for _, ref := range refs {
		if err := gctx.Err(); err != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := task(gctx, ref); err != nil {
				p.log.WithFields(logrus.Fields{
					"ref":   ref,
					"error": err.Error(),
				}).Warn("Task failed")
				mu.Lock()
				failures[ref] = err
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return failures, err
	}
	if err := ctx.Err(); err != nil {
		return failures, err
	}
	return failures, nil
}

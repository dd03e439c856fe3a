package sync

import (
	"context"
	stdsync "sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// cancelFlag is the shared stop signal for one run's worker pool. The first
// worker to hit remote back-pressure sets it; every other worker checks it
// before its next network call.
type cancelFlag struct {
	stopped atomic.Bool
}

func (f *cancelFlag) Set()          { f.stopped.Store(true) }
func (f *cancelFlag) Stopped() bool { return f.stopped.Load() }

// runPool fans work out over at most size workers and waits for all of them.
// Results are all-settled: work decides per item whether its error matters by
// returning escalate=true. The first escalated error sets the flag, remaining
// workers short-circuit, and that error is returned once everything settles.
// Non-escalated errors are the worker's own problem to log.
func runPool(ctx context.Context, size int, ids []string, flag *cancelFlag, work func(ctx context.Context, id string) (escalate bool, err error)) error {
	if size < 1 {
		size = 1
	}
	g := new(errgroup.Group)
	g.SetLimit(size)
	var mu stdsync.Mutex
	var firstErr error
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if flag.Stopped() {
				return nil
			}
			escalate, err := work(ctx, id)
			if escalate && err != nil {
				flag.Set()
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return firstErr
}

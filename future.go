package strata

import (
	"context"
	"sync"

	"github.com/hupe1980/strata/model"
)

// workerPool runs async searches on a fixed set of goroutines.
type workerPool struct {
	tasks chan func()
	wg    sync.WaitGroup

	// mu is held shared by submitters for the duration of the send,
	// so close never races a send on a closed channel.
	mu     sync.RWMutex
	closed bool
}

func newWorkerPool(workers int) *workerPool {
	p := &workerPool{tasks: make(chan func())}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}

	return p
}

// submit schedules task unless the pool is closed.
func (p *workerPool) submit(task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false
	}

	p.tasks <- task

	return true
}

func (p *workerPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}

// SearchFuture is the handle of a search scheduled with ExecuteAsync.
type SearchFuture struct {
	done chan struct{}
	res  []model.ResultSet
	err  error
}

func newSearchFuture(ctx context.Context, b *SearchBuilder) *SearchFuture {
	f := &SearchFuture{done: make(chan struct{})}

	ok := b.col.pool.submit(func() {
		defer close(f.done)
		f.res, f.err = b.Execute(ctx)
	})

	if !ok {
		f.err = opError(b.col.name, "search", ErrClosed)
		close(f.done)
	}

	return f
}

// Done is closed when the search has finished.
func (f *SearchFuture) Done() <-chan struct{} { return f.done }

// Await blocks until the search finishes or ctx is done. Awaiting a
// finished future again returns the same outcome.
func (f *SearchFuture) Await(ctx context.Context) ([]model.ResultSet, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

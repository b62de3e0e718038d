package utils

import (
	"context"
	"sync"
)

type Task interface {
	Execute()
}

// TaskFunc adapts a plain function to Task.
type TaskFunc func()

func (f TaskFunc) Execute() {
	f()
}

// Pool runs queued tasks on a resizable set of workers. Workers stop when
// the queue is closed and drained, when ctx is done or when the pool shrinks.
type Pool struct {
	mu    sync.Mutex
	size  int
	tasks chan Task
	kill  chan struct{}
	wg    sync.WaitGroup
	ctx   context.Context
}

func NewPool(ctx context.Context, workers int, queueCount int) *Pool {
	pool := &Pool{
		tasks: make(chan Task, queueCount),
		kill:  make(chan struct{}),
		ctx:   ctx,
	}
	pool.Resize(workers)
	return pool
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			task.Execute()
		case <-p.ctx.Done():
			return
		case <-p.kill:
			return
		}
	}
}

func (p *Pool) Resize(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.size < n {
		p.size++
		p.wg.Add(1)
		go p.worker()
	}
	for p.size > n {
		p.size--
		p.kill <- struct{}{}
	}
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

func (p *Pool) Close() {
	close(p.tasks)
}

func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) Exec(task Task) {
	p.tasks <- task
}

// Map runs fn for every index in [0, n) on the pool workers, then closes
// the pool and waits. Indexes not reached before ctx is done are skipped.
func (p *Pool) Map(n int, fn func(i int)) {
	defer p.Wait()
	defer p.Close()

	for i := 0; i < n; i++ {
		i := i
		select {
		case p.tasks <- TaskFunc(func() { fn(i) }):
		case <-p.ctx.Done():
			return
		}
	}
}

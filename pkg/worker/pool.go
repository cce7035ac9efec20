// Package worker runs bounded batches of concurrent tasks.
package worker

import (
	"runtime"
	"sync"

	"go.uber.org/atomic"

	"github.com/butter-bot-machines/corral/pkg/errors"
)

// MaxSize caps the number of concurrently running tasks of one pool
const MaxSize = 32

// Pool runs submitted tasks on at most size goroutines and collects
// their errors
type Pool struct {
	slots  chan struct{}
	active atomic.Int32
	wg     sync.WaitGroup
	errs   errors.Aggregate
}

// NewPool creates a pool running at most size tasks at once. A
// non-positive size defaults to twice the CPU count.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU() * 2
	}
	if size > MaxSize {
		size = MaxSize
	}

	return &Pool{
		slots: make(chan struct{}, size),
		errs:  errors.NewAggregate(),
	}
}

// Go runs task once a slot is free. It blocks while the pool is full.
func (p *Pool) Go(task func() error) {
	p.slots <- struct{}{}
	p.wg.Add(1)
	p.active.Inc()

	go func() {
		defer func() {
			p.active.Dec()
			<-p.slots
			p.wg.Done()
		}()

		if err := task(); err != nil {
			p.errs.Add(err)
		}
	}()
}

// Wait waits for every submitted task and returns their joined errors
func (p *Pool) Wait() error {
	p.wg.Wait()
	return p.errs.ErrorOrNil()
}

// Active returns the number of running tasks
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Size returns the concurrency limit
func (p *Pool) Size() int {
	return cap(p.slots)
}

// Copyright 2024 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package spassr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
)

// ErrSchedule is the root of all errors about tasks that could not be
// scheduled onto an Executor.
var ErrSchedule = errors.New("cannot schedule task")

var (
	// ErrExecutorBusy reports a Pool with its task queue filled up.
	ErrExecutorBusy = fmt.Errorf("%w: executor queue full", ErrSchedule)
	// ErrExecutorClosed reports a Pool that has been shut down.
	ErrExecutorClosed = fmt.Errorf("%w: executor shut down", ErrSchedule)
)

// Executor runs tasks asynchronously. Execute must not block the caller, and
// a successfully scheduled task runs exactly once to completion on a
// goroutine belonging to the Executor. Scheduling errors wrap ErrSchedule.
type Executor interface {
	Execute(task func()) error
}

// GoExecutor is the general-purpose Executor, running each task on its own
// fresh goroutine on Go's runtime scheduler. Panicking tasks get logged to
// slog.Default.
type GoExecutor struct{}

// Execute implements Executor.
func (GoExecutor) Execute(task func()) error {
	go contain(slog.Default(), -1, task)
	return nil
}

// Pool is a dedicated Executor with a small, fixed set of long-lived workers,
// optionally locked to their OS threads, pulling tasks in FIFO order from a
// bounded queue.
type Pool struct {
	tasks   chan func()
	mu      sync.RWMutex // serializes closing the task queue with submissions.
	closed  bool
	wg      sync.WaitGroup
	workers int
	lockOS  bool
	log     *slog.Logger
	metrics *Metrics
}

// PoolOption sets optional properties at the time of creating a Pool.
type PoolOption func(*Pool)

// WithWorkers sets the number of workers; values below one are ignored.
func WithWorkers(n int) PoolOption {
	return func(p *Pool) {
		if n >= 1 {
			p.workers = n
		}
	}
}

// WithQueueSize sets the capacity of the task queue; values below one are
// ignored.
func WithQueueSize(n int) PoolOption {
	return func(p *Pool) {
		if n >= 1 {
			p.tasks = make(chan func(), n)
		}
	}
}

// WithOSThreadLock locks each worker to its own OS thread for the lifetime of
// the Pool.
func WithOSThreadLock(lock bool) PoolOption {
	return func(p *Pool) {
		p.lockOS = lock
	}
}

// WithPoolLogger sets the logger for reporting panicking tasks.
func WithPoolLogger(log *slog.Logger) PoolOption {
	return func(p *Pool) {
		p.log = log
	}
}

// WithPoolMetrics sets the metrics to update with queue length and busy
// workers.
func WithPoolMetrics(m *Metrics) PoolOption {
	return func(p *Pool) {
		p.metrics = m
	}
}

// Default Pool dimensions.
const (
	DefaultWorkers   = 1
	DefaultQueueSize = 1024
)

// NewPool returns a new Pool with its workers already up and running.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		tasks:   make(chan func(), DefaultQueueSize),
		workers: DefaultWorkers,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.wg.Add(p.workers)
	for id := 0; id < p.workers; id++ {
		go p.work(id)
	}
	return p
}

// Execute implements Executor. It fails with ErrExecutorBusy when the task
// queue is full and with ErrExecutorClosed after Shutdown.
func (p *Pool) Execute(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrExecutorClosed
	}
	select {
	case p.tasks <- task:
		p.metrics.queued(len(p.tasks))
		return nil
	default:
		return ErrExecutorBusy
	}
}

// Len returns the number of tasks waiting in the queue.
func (p *Pool) Len() int { return len(p.tasks) }

// Workers returns the number of workers.
func (p *Pool) Workers() int { return p.workers }

// Shutdown stops accepting new tasks and waits for the workers to finish all
// tasks already queued, or until ctx is done, whichever comes first. Calling
// Shutdown more than once is fine.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// work runs queued tasks until the queue gets closed and drained.
func (p *Pool) work(id int) {
	defer p.wg.Done()
	if p.lockOS {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	for task := range p.tasks {
		p.metrics.queued(len(p.tasks))
		p.metrics.busy(1)
		contain(p.log, id, task)
		p.metrics.busy(-1)
	}
}

// contain runs a single task, containing any panic so that the worker (or
// process) survives. Negative worker ids stand for ad-hoc goroutines.
func contain(log *slog.Logger, id int, task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("executor task panicked",
				slog.Int("worker", id),
				slog.Any("panic", r))
		}
	}()
	task()
}

// ExecutorHandler returns an http.Handler that serves each request by running
// h on exec, so connection handling can be moved onto an Executor of choice.
// The returned handler waits for h to finish. If exec cannot schedule the
// request it gets answered with 503 Service Unavailable.
//
// Do not pass a Pool whose workers are also needed by the renders these
// requests wait for: a single worker busy waiting on its own queue never gets
// anywhere.
func ExecutorHandler(exec Executor, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		done := make(chan struct{})
		err := exec.Execute(func() {
			defer close(done)
			h.ServeHTTP(w, r)
		})
		if err != nil {
			NormalizedHttpError(w, err)
			return
		}
		<-done
	})
}

// Copyright 2024 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy
// of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

package spassr

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	. "github.com/onsi/gomega/gleak"
)

var _ = Describe("executors", func() {

	var goods []Goroutine

	BeforeEach(func() {
		goods = Goroutines()
		DeferCleanup(func() {
			Eventually(Goroutines).Within(2 * time.Second).ProbeEvery(50 * time.Millisecond).
				ShouldNot(HaveLeaked(goods))
		})
	})

	shutdown := func(p *Pool) {
		GinkgoHelper()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		Expect(p.Shutdown(ctx)).To(Succeed())
	}

	It("runs tasks on fresh goroutines", func() {
		done := make(chan struct{})
		Expect(GoExecutor{}.Execute(func() { close(done) })).To(Succeed())
		Eventually(done).Should(BeClosed())
	})

	It("survives panicking tasks on fresh goroutines", func() {
		defaultLog := slog.Default()
		slog.SetDefault(quietLogger)
		defer slog.SetDefault(defaultLog)

		Expect(GoExecutor{}.Execute(func() { panic("D'OH!") })).To(Succeed())
		done := make(chan struct{})
		Expect(GoExecutor{}.Execute(func() { close(done) })).To(Succeed())
		Eventually(done).Should(BeClosed())
	})

	It("runs tasks exactly once in FIFO order", func() {
		p := NewPool(WithPoolLogger(quietLogger))
		defer shutdown(p)
		Expect(p.Workers()).To(Equal(DefaultWorkers))

		var mu sync.Mutex
		var order []int
		for i := 0; i < 10; i++ {
			i := i
			Expect(p.Execute(func() {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			})).To(Succeed())
		}
		shutdown(p)
		Expect(order).To(Equal([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}))
	})

	It("never runs more tasks at the same time than there are workers", func() {
		p := NewPool(WithWorkers(2), WithOSThreadLock(true))
		defer shutdown(p)
		Expect(p.Workers()).To(Equal(2))

		var running, peak atomic.Int32
		for i := 0; i < 50; i++ {
			Expect(p.Execute(func() {
				n := running.Add(1)
				defer running.Add(-1)
				for {
					m := peak.Load()
					if n <= m || peak.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
			})).To(Succeed())
		}
		shutdown(p)
		Expect(peak.Load()).To(BeNumerically("<=", 2))
	})

	It("ignores nonsensical dimensions", func() {
		p := NewPool(WithWorkers(0), WithQueueSize(-1))
		defer shutdown(p)
		Expect(p.Workers()).To(Equal(DefaultWorkers))
		Expect(cap(p.tasks)).To(Equal(DefaultQueueSize))
	})

	It("rejects tasks when the queue is full", func() {
		reg := prometheus.NewRegistry()
		m := NewMetrics(reg)
		p := NewPool(WithQueueSize(1), WithPoolMetrics(m))
		defer shutdown(p)

		running := make(chan struct{})
		release := make(chan struct{})
		Expect(p.Execute(func() {
			close(running)
			<-release
		})).To(Succeed())
		Eventually(running).Should(BeClosed())
		Expect(testutil.ToFloat64(m.busyWorkers)).To(Equal(1.0))

		Expect(p.Execute(func() {})).To(Succeed())
		Expect(p.Len()).To(Equal(1))
		Expect(testutil.ToFloat64(m.queueLength)).To(Equal(1.0))
		err := p.Execute(func() {})
		Expect(err).To(MatchError(ErrExecutorBusy))
		Expect(err).To(MatchError(ErrSchedule))

		close(release)
		Eventually(p.Len).Should(BeZero())
		Eventually(func() float64 { return testutil.ToFloat64(m.busyWorkers) }).Should(BeZero())
	})

	It("rejects tasks after shutdown, but drains queued tasks", func() {
		p := NewPool()
		release := make(chan struct{})
		var ran atomic.Int32
		Expect(p.Execute(func() { <-release; ran.Add(1) })).To(Succeed())
		Expect(p.Execute(func() { ran.Add(1) })).To(Succeed())

		shutdownErr := make(chan error)
		go func() {
			defer GinkgoRecover()
			shutdownErr <- p.Shutdown(context.Background())
		}()
		Eventually(func() error { return p.Execute(func() {}) }).Should(MatchError(ErrExecutorClosed))
		Consistently(shutdownErr).ShouldNot(Receive())

		close(release)
		Eventually(shutdownErr).Should(Receive(BeNil()))
		Expect(ran.Load()).To(Equal(int32(2)))
		Expect(p.Shutdown(context.Background())).To(Succeed())
	})

	It("gives up waiting on shutdown when the context is done", func() {
		p := NewPool()
		release := make(chan struct{})
		Expect(p.Execute(func() { <-release })).To(Succeed())

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		Expect(p.Shutdown(ctx)).To(MatchError(context.DeadlineExceeded))

		close(release)
		shutdown(p)
	})

	It("survives panicking tasks", func() {
		p := NewPool(WithPoolLogger(quietLogger))
		defer shutdown(p)

		Expect(p.Execute(func() { panic("D'OH!") })).To(Succeed())
		done := make(chan struct{})
		Expect(p.Execute(func() { close(done) })).To(Succeed())
		Eventually(done).Should(BeClosed())
	})

	Context("serving HTTP requests", func() {

		hello := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("hello"))
		})

		It("serves requests on the executor", func() {
			p := NewPool()
			defer shutdown(p)

			var served atomic.Bool
			h := ExecutorHandler(p, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				served.Store(true)
				hello(w, r)
			}))
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
			Expect(served.Load()).To(BeTrue())
			Expect(w.Body.String()).To(Equal("hello"))
		})

		It("answers with 503 when the executor refuses", func() {
			p := NewPool()
			shutdown(p)

			w := httptest.NewRecorder()
			ExecutorHandler(p, hello).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
			Expect(w.Code).To(Equal(http.StatusServiceUnavailable))
			Expect(w.Body.String()).NotTo(ContainSubstring("hello"))
		})

		DescribeTable("finishes requests whose handler panics",
			func(newExecutor func() Executor) {
				exec := newExecutor()
				w := httptest.NewRecorder()
				ExecutorHandler(exec, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					panic("D'OH!")
				})).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

				w = httptest.NewRecorder()
				ExecutorHandler(exec, hello).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
				Expect(w.Body.String()).To(Equal("hello"))
			},
			Entry("on a pool", func() Executor {
				p := NewPool(WithPoolLogger(quietLogger))
				DeferCleanup(func() { shutdown(p) })
				return p
			}),
			Entry("on fresh goroutines", func() Executor {
				defaultLog := slog.Default()
				slog.SetDefault(quietLogger)
				DeferCleanup(func() { slog.SetDefault(defaultLog) })
				return GoExecutor{}
			}),
		)

	})

})

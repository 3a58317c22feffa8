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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsNamespace is the namespace of all Prometheus metrics.
const MetricsNamespace = "spassr"

// Dispatch labels of the requests_total metric.
const (
	DispatchStatic = "static"
	DispatchRender = "render"
)

// Failure reasons of the render_failures_total metric.
const (
	FailureRender   = "render"
	FailurePanic    = "panic"
	FailureSchedule = "schedule"
)

// Metrics collects the Prometheus metrics of dispatching, rendering and the
// dedicated executor. A nil *Metrics is valid and simply doesn't record
// anything.
type Metrics struct {
	requests       *prometheus.CounterVec
	chunks         prometheus.Counter
	failures       *prometheus.CounterVec
	cancellations  prometheus.Counter
	renderDuration prometheus.Histogram
	queueLength    prometheus.Gauge
	busyWorkers    prometheus.Gauge
}

// NewMetrics creates the metrics and registers them with the specified
// registerer; a nil registerer means prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "requests_total",
			Help:      "Total number of requests by dispatch outcome",
		}, []string{"dispatch"}),

		chunks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "render_chunks_total",
			Help:      "Total number of rendered chunks handed to clients",
		}),

		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "render_failures_total",
			Help:      "Total number of failed renders by reason",
		}, []string{"reason"}),

		cancellations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "render_cancelled_total",
			Help:      "Total number of renders abandoned before completion",
		}),

		renderDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Name:      "render_duration_seconds",
			Help:      "Duration of render tasks on the executor in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		queueLength: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "executor_queue_length",
			Help:      "Number of tasks waiting for an executor worker",
		}),

		busyWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "executor_busy_workers",
			Help:      "Number of executor workers currently running a task",
		}),
	}
}

func (m *Metrics) request(dispatch string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(dispatch).Inc()
}

func (m *Metrics) chunk() {
	if m == nil {
		return
	}
	m.chunks.Inc()
}

func (m *Metrics) failure(reason string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(reason).Inc()
}

func (m *Metrics) cancelled() {
	if m == nil {
		return
	}
	m.cancellations.Inc()
}

func (m *Metrics) rendered(d time.Duration) {
	if m == nil {
		return
	}
	m.renderDuration.Observe(d.Seconds())
}

func (m *Metrics) queued(n int) {
	if m == nil {
		return
	}
	m.queueLength.Set(float64(n))
}

func (m *Metrics) busy(delta float64) {
	if m == nil {
		return
	}
	m.busyWorkers.Add(delta)
}

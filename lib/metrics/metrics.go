// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes vmbridge's Prometheus metrics.
//
// Counters are incremented by the HTTP handlers as commands move
// through the queue. Gauges are read from the queue and registry at
// scrape time through the functions passed to [Metrics.ObserveQueue]
// and [Metrics.ObserveInstances], so there is nothing to keep in sync.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vmbridge"

// QueueStatuses are the values of the queue gauge's status label.
var QueueStatuses = []string{"pending", "running", "completed", "error"}

// InstanceStates are the values of the instance gauge's state label.
var InstanceStates = []string{"online", "offline", "stopped"}

// Metrics owns a private Prometheus registry.
type Metrics struct {
	registry  *prometheus.Registry
	submitted prometheus.Counter
	completed *prometheus.CounterVec
	requests  *prometheus.CounterVec
}

// New returns Metrics with the command counters and the Go runtime and
// process collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_submitted_total",
			Help:      "Commands accepted into the queue.",
		}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_completed_total",
			Help:      "Command results reported by executors, by resulting status.",
		}, []string{"status"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route and status code class.",
		}, []string{"route", "code"}),
	}
	m.registry.MustRegister(
		m.submitted,
		m.completed,
		m.requests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// CommandSubmitted counts one queued command.
func (m *Metrics) CommandSubmitted() { m.submitted.Inc() }

// CommandCompleted counts one reported result.
func (m *Metrics) CommandCompleted(status string) {
	m.completed.WithLabelValues(status).Inc()
}

// Request counts one served HTTP request.
func (m *Metrics) Request(route string, statusCode int) {
	m.requests.WithLabelValues(route, codeClass(statusCode)).Inc()
}

func codeClass(statusCode int) string {
	switch {
	case statusCode >= 500:
		return "5xx"
	case statusCode >= 400:
		return "4xx"
	case statusCode >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// ObserveQueue registers vmbridge_queue_records, read from counts at
// scrape time.
func (m *Metrics) ObserveQueue(counts func() map[string]int) {
	m.observe("queue_records", "Retained command records, by status.", "status", QueueStatuses, counts)
}

// ObserveInstances registers vmbridge_instances, read from counts at
// scrape time.
func (m *Metrics) ObserveInstances(counts func() map[string]int) {
	m.observe("instances", "Registered instances, by liveness state.", "state", InstanceStates, counts)
}

func (m *Metrics) observe(name, help, label string, values []string, counts func() map[string]int) {
	for _, value := range values {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{label: value},
		}, func() float64 {
			return float64(counts()[value])
		}))
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Copyright (c) 2024 Icebox Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package icemetrics exposes Prometheus metrics for the introspection
// kernel, grouped into one gauge/counter set per subsystem (state,
// tracer, heapcheck) rather than a single flat registry.
package icemetrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "icebox"

var (
	// BreakpointsInstalled counts live breakpoint installs by kind.
	BreakpointsInstalled = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "state",
		Name:      "breakpoints_installed",
		Help:      "Number of currently installed breakpoints, by kind.",
	}, []string{"kind"})

	// BreakpointHits counts breakpoint callback firings.
	BreakpointHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "state",
		Name:      "breakpoint_hits_total",
		Help:      "Total breakpoint callback firings.",
	}, []string{"kind"})

	// EventLoopLatency measures time spent servicing one Paused window.
	EventLoopLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "state",
		Name:      "event_loop_latency_seconds",
		Help:      "Time spent running callbacks for a single paused event.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
	})

	// TracerReentrancySkips counts nested-call filters per function family.
	TracerReentrancySkips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tracer",
		Name:      "reentrancy_skips_total",
		Help:      "Entry hooks skipped due to an in-flight call on the same thread.",
	}, []string{"family"})

	// TracerArgReadFailures counts argument decode failures surfaced to callbacks.
	TracerArgReadFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tracer",
		Name:      "arg_read_failures_total",
		Help:      "Argument reads that failed and were reported as absent.",
	}, []string{"function"})

	// TracerReturnHooksPending counts return-site hooks the Tracer could
	// not install (return address unreadable or untranslatable, or the
	// breakpoint install failed). It is only ever incremented.
	TracerReturnHooksPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "tracer",
		Name:      "return_hooks_pending",
		Help:      "Return-site one-shot breakpoints that could not be installed.",
	})

	// HeapAllocationsObserved counts heap allocations the sanitizer plugin
	// has seen, by target process.
	HeapAllocationsObserved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "heapcheck",
		Name:      "allocations_observed_total",
		Help:      "Heap allocations observed by the heap sanitizer plugin.",
	}, []string{"process"})

	// HeapAllocationsRewritten counts allocations whose size argument was
	// successfully padded and whose return value was successfully adjusted.
	HeapAllocationsRewritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "heapcheck",
		Name:      "allocations_rewritten_total",
		Help:      "Heap allocations whose size and returned pointer were rewritten.",
	}, []string{"process"})
)

func init() {
	prometheus.MustRegister(
		BreakpointsInstalled,
		BreakpointHits,
		EventLoopLatency,
		TracerReentrancySkips,
		TracerArgReadFailures,
		TracerReturnHooksPending,
		HeapAllocationsObserved,
		HeapAllocationsRewritten,
	)
}

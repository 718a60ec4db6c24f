// Copyright (c) 2024 Icebox Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package heapcheck is a worked plugin built purely on the public Tracer
// API: it hooks a heap allocator's entry point, pads every requested
// allocation by a fixed number of bytes, and nudges the returned pointer on
// the way back out, exercising the argument-rewrite, return-hook, and
// diagnostics paths end to end. It carries no special access into
// pkg/tracer beyond Register, matching how an out-of-tree plugin would be
// written against this framework.
package heapcheck

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/htesiege/icebox/internal/icelog"
	"github.com/htesiege/icebox/internal/icemetrics"
	"github.com/htesiege/icebox/pkg/channel"
	"github.com/htesiege/icebox/pkg/osmodel"
	"github.com/htesiege/icebox/pkg/state"
	"github.com/htesiege/icebox/pkg/tracer"
)

var pluginLog = icelog.New("plugins/heapcheck")

// family groups the allocator's entry/return pair under one re-entrancy
// filter, the name surfaced in TracerReentrancySkips.
const family = "heap_alloc"

// defaultPadBytes is the slack added to every observed allocation request
// when the caller does not override it.
const defaultPadBytes = 32

// defaultReturnNudge is added to the returned pointer after a padded
// allocation succeeds, when the caller does not override it.
const defaultReturnNudge = 16

// allocatorEntry is the ntdll heap allocator function hooked by Attach.
// Its argument layout (heap handle, flags, size) matches the Rtl heap
// allocator's actual internal entry point.
var allocatorEntry = tracer.Entry{
	Module: "ntdll.dll",
	Name:   "RtlpAllocateHeapInternal",
	Args: []tracer.Arg{
		{Name: "HeapHandle", Type: tracer.ArgHandle},
		{Name: "Flags", Type: tracer.ArgUint32},
		{Name: "Size", Type: tracer.ArgUint64},
	},
	ReturnType: tracer.ArgPointer,
}

// Diagnostics counts what the sanitizer has observed and rewritten,
// alongside the Tracer's own ArgReadFailures/ReentrancySkips counters.
type Diagnostics struct {
	Allocations uint64
	Rewrites    uint64
	SkippedZero uint64
}

type diagCounters struct {
	mu  sync.Mutex
	d   Diagnostics
	tag string // process name, for metric labels
}

func (c *diagCounters) observed() {
	c.mu.Lock()
	c.d.Allocations++
	c.mu.Unlock()
	icemetrics.HeapAllocationsObserved.WithLabelValues(c.tag).Inc()
}

func (c *diagCounters) rewritten() {
	c.mu.Lock()
	c.d.Rewrites++
	c.mu.Unlock()
	icemetrics.HeapAllocationsRewritten.WithLabelValues(c.tag).Inc()
}

func (c *diagCounters) skippedZero() {
	c.mu.Lock()
	c.d.SkippedZero++
	c.mu.Unlock()
}

func (c *diagCounters) snapshot() Diagnostics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.d
}

// Sanitizer pads heap allocation requests and nudges the returned pointer,
// built entirely on the exported Tracer/CallingConvention surface.
type Sanitizer struct {
	tr       *tracer.Tracer
	backend  osmodel.Backend
	ch       channel.Channel
	padBytes uint64
	nudge    uint64

	diag diagCounters
	log  *logrus.Entry
}

// New returns a Sanitizer that pads allocation sizes by padBytes and
// nudges returned pointers by nudgeBytes. Passing 0 for either uses the
// package defaults (32 and 16 respectively).
func New(tr *tracer.Tracer, backend osmodel.Backend, ch channel.Channel, padBytes, nudgeBytes uint64) *Sanitizer {
	if padBytes == 0 {
		padBytes = defaultPadBytes
	}
	if nudgeBytes == 0 {
		nudgeBytes = defaultReturnNudge
	}
	return &Sanitizer{
		tr:       tr,
		backend:  backend,
		ch:       ch,
		padBytes: padBytes,
		nudge:    nudgeBytes,
		log:      pluginLog,
	}
}

// Diagnostics returns a snapshot of observed/rewritten allocation counts.
func (s *Sanitizer) Diagnostics() Diagnostics { return s.diag.snapshot() }

// Attach installs the entry hook scoped to proc on vcpu. The returned
// Handle removes the entry hook; any return hook outstanding at the
// moment of a call continues to fire independently, since it was handed
// to the State registry as its own one-shot breakpoint.
func (s *Sanitizer) Attach(ctx context.Context, proc osmodel.Process, vcpu int) (*state.Handle, error) {
	s.diag.tag = proc.Name

	onEntry := func(ctx context.Context, hit tracer.Hit) bool {
		size, handle := hit.Args[2], hit.Args[0]
		if !size.Valid || size.Raw == 0 {
			s.diag.skippedZero()
			return false
		}
		if !handle.Valid || handle.Raw == 0 {
			s.log.Warn("heap allocation with zero handle; skipping rewrite")
			return false
		}
		s.diag.observed()

		cc := s.backend.CallingConvention()
		dt := uint64(hit.Proc.DirectoryTable)
		newSize := size.Raw + s.padBytes
		if err := cc.WriteArg(ctx, s.ch, hit.VCPU, dt, 2, newSize); err != nil {
			s.log.WithError(err).Warn("failed to rewrite allocation size; leaving call unmodified")
			return false
		}
		return true
	}

	onReturn := func(ctx context.Context, hit tracer.ReturnHit) {
		if hit.ReturnValue == 0 {
			// Allocation failed even with the extra slack; nothing to nudge.
			return
		}
		newRet := hit.ReturnValue + s.nudge
		if err := s.ch.WriteRegister(ctx, vcpu, channel.RAX, newRet); err != nil {
			s.log.WithError(err).Warn("failed to adjust returned pointer")
			return
		}
		s.diag.rewritten()
	}

	handle, err := s.tr.Register(ctx, allocatorEntry, family, proc, vcpu, onEntry, onReturn)
	if err != nil {
		return nil, errors.Wrap(err, "attaching heap sanitizer")
	}
	return handle, nil
}

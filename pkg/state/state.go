// Copyright (c) 2024 Icebox Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package state is the L2 layer of the introspection kernel: the
// guest run-lifecycle state machine and the breakpoint registry that
// multiplexes logical breakpoints onto a channel's physical-address slots.
// The lifecycle (attach/resume/step/detach, with each event returning the
// guest to Paused) mirrors vm.go's
// Pause/Resume/Start/Stop methods; the watcher-style callback fan-out on a
// breakpoint hit mirrors monitor.go's newWatcher/notify/stop.
package state

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/htesiege/icebox/internal/icelog"
	"github.com/htesiege/icebox/internal/icemetrics"
	"github.com/htesiege/icebox/internal/icetrace"
	"github.com/htesiege/icebox/pkg/channel"
)

var stLog = icelog.New("state")

// RunState is a node of the per-VM lifecycle state machine.
type RunState int

const (
	Detached RunState = iota
	Paused
	Running
)

func (s RunState) String() string {
	switch s {
	case Detached:
		return "detached"
	case Paused:
		return "paused"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}

// ErrInvalidTransition is returned when an operation is attempted from a
// RunState that does not allow it.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrUnknownBreakpoint is returned when a Handle references a breakpoint id
// the registry no longer holds.
var ErrUnknownBreakpoint = errors.New("unknown breakpoint id")

// ErrInstallConflict is returned when a new breakpoint install targets an
// address already held at an incompatible kind.
var ErrInstallConflict = errors.New("breakpoint already installed with incompatible kind")

// State owns the run lifecycle for one VM and the registry of logical
// breakpoints layered on top of the channel's physical-address slots.
type State struct {
	mu sync.Mutex

	ch  channel.Channel
	run RunState

	reg *registry

	log *logrus.Entry
}

// New returns a State bound to ch, initially Detached.
func New(ch channel.Channel) *State {
	return &State{
		ch:  ch,
		run: Detached,
		reg: newRegistry(ch),
		log: stLog,
	}
}

// Current returns the current lifecycle node.
func (s *State) Current() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run
}

// Attach opens the channel and transitions Detached -> Paused.
func (s *State) Attach(ctx context.Context, name string) error {
	span, ctx := icetrace.Span(ctx, "state.Attach", map[string]string{"vm": name})
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run != Detached {
		return ErrInvalidTransition
	}
	if err := s.ch.Attach(ctx, name); err != nil {
		return err
	}
	if err := s.ch.Pause(ctx); err != nil {
		return err
	}
	s.run = Paused
	s.log.WithField("vm", name).Info("attached, guest paused")
	return nil
}

// Detach tears everything down from any state, removing all installed
// breakpoints so no guest byte remains overwritten.
func (s *State) Detach(ctx context.Context) error {
	span, ctx := icetrace.Span(ctx, "state.Detach", nil)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run == Detached {
		return nil
	}

	s.reg.removeAll(ctx)

	if err := s.ch.Detach(ctx); err != nil {
		return err
	}
	s.run = Detached
	s.log.Info("detached")
	return nil
}

// Resume transitions Paused -> Running.
func (s *State) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run != Paused {
		return ErrInvalidTransition
	}
	if err := s.ch.Resume(ctx); err != nil {
		return err
	}
	s.run = Running
	return nil
}

// StepOnce retires one instruction on vcpu. Paused -> Paused.
func (s *State) StepOnce(ctx context.Context, vcpu int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run != Paused {
		return ErrInvalidTransition
	}
	return s.ch.StepOnce(ctx, vcpu)
}

// markPaused is called internally when an event brings the guest back to a
// paused window (Running -> Paused).
func (s *State) markPaused() {
	s.run = Paused
}

// Registry exposes the breakpoint registry for installers (pkg/tracer,
// cmd/iceboxctl) that need to add/remove logical breakpoints directly.
func (s *State) Registry() *registry {
	return s.reg
}

func recordBreakpointMetric(kind channel.BreakpointKind, delta float64) {
	icemetrics.BreakpointsInstalled.WithLabelValues(kind.String()).Add(delta)
}

// Copyright (c) 2024 Icebox Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package state

import (
	"context"
	"time"

	"github.com/htesiege/icebox/internal/icemetrics"
	"github.com/htesiege/icebox/internal/icetrace"
	"github.com/htesiege/icebox/pkg/channel"
)

// Predicate inspects an event and decides whether RunUntil should stop.
type Predicate func(ev channel.Event) bool

// ThreadResolver maps an event to an opaque "current thread" identity used
// for thread-filtered breakpoints. State itself has no notion of guest
// threads (that belongs to pkg/osmodel, L4); callers that need thread
// filtering pass a resolver, e.g. one backed by the OS model's
// current-thread lookup. A nil resolver disables thread filtering: every
// entry at a hit slot fires regardless of its filter. A resolver that
// reports thread 0 does the same for that event.
type ThreadResolver func(ctx context.Context, ev channel.Event) (uint64, error)

const defaultEventTimeout = 2 * time.Second

// RunUntil resumes the guest and repeatedly pumps events, firing matching
// breakpoint callbacks, until predicate returns true for an event or any
// fired callback requests Stop. A timeout ends the run at once: the
// EventTimeout event is returned to the caller without reaching predicate
// or any callback, and the State stays Running.
func (s *State) RunUntil(ctx context.Context, predicate Predicate, resolveThread ThreadResolver) (channel.Event, error) {
	span, ctx := icetrace.Span(ctx, "state.RunUntil", nil)
	defer span.End()

	if err := s.Resume(ctx); err != nil {
		return channel.Event{}, err
	}

	for {
		start := time.Now()
		ev, err := s.ch.WaitForEvent(ctx, defaultEventTimeout)
		if err != nil {
			return channel.Event{}, err
		}

		if ev.Kind == channel.EventCrash {
			s.mu.Lock()
			s.run = Detached
			s.mu.Unlock()
			return ev, ev.Err
		}

		if ev.Kind == channel.EventTimeout {
			return ev, nil
		}

		s.mu.Lock()
		s.markPaused()
		s.mu.Unlock()

		var threadID uint64
		if resolveThread != nil {
			threadID, _ = resolveThread(ctx, ev)
		}

		action := Continue
		if ev.Kind == channel.EventBreakpointHit {
			icemetrics.BreakpointHits.WithLabelValues("soft_exec").Inc()
			action = s.reg.dispatch(ctx, ev, threadID)
		}

		icemetrics.EventLoopLatency.Observe(time.Since(start).Seconds())

		stop := predicate(ev) || action == Stop
		if stop {
			return ev, nil
		}

		// Ordering guarantee: all callbacks for this event ran to
		// completion above, and any registry mutations they made are
		// already visible, before we resume for the next event.
		if err := s.Resume(ctx); err != nil {
			return channel.Event{}, err
		}
	}
}

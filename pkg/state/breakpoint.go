// Copyright (c) 2024 Icebox Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package state

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/htesiege/icebox/internal/icelog"
	"github.com/htesiege/icebox/pkg/channel"
)

var regLog = icelog.New("state/registry")

// LogicalID identifies one logical (callback-bearing) breakpoint, distinct
// from the channel.BreakpointID of the physical slot it shares with others.
type LogicalID uint64

// Callback is invoked when a logical breakpoint's slot is hit and its
// thread filter matches. Returning Stop causes the enclosing RunUntil to
// return once the current event's callbacks finish.
type Callback func(ctx context.Context, ev channel.Event) Action

// Action is a callback's request to the run loop.
type Action int

const (
	// Continue lets the run loop keep pumping events.
	Continue Action = iota
	// Stop ends the current RunUntil after this event's callbacks finish.
	Stop
)

// logicalEntry is one callback attached to a physical breakpoint slot.
type logicalEntry struct {
	id           LogicalID
	phys         uint64
	kind         channel.BreakpointKind
	threadFilter *uint64 // nil matches any thread
	oneShot      bool
	callback     Callback

	installedAt time.Time
	hitCount    uint64
}

// slot is one physical-address breakpoint, shared by every logicalEntry
// installed at that address. The underlying channel byte is installed on
// first reference and removed when the last logical holder drops.
type slot struct {
	channelID channel.BreakpointID
	kind      channel.BreakpointKind
	entries   []*logicalEntry // insertion order; callbacks fire in this order
}

// registry is the breakpoint registry owned by State, keyed by physical
// address. It owns the slot; Handles returned to callers are weak in the
// sense that dropping one (calling Handle.Close) unregisters the logical
// entry without the caller needing a direct reference back into State.
type registry struct {
	mu sync.Mutex

	ch     channel.Channel
	nextID LogicalID
	slots  map[uint64]*slot

	log *logrus.Entry
}

func newRegistry(ch channel.Channel) *registry {
	return &registry{
		ch:    ch,
		slots: make(map[uint64]*slot),
		log:   regLog,
	}
}

// Handle is a weak reference to an installed logical breakpoint. Calling
// Close unregisters it; it is safe to call Close multiple times.
type Handle struct {
	reg  *registry
	id   LogicalID
	phys uint64
}

// Close unregisters the logical breakpoint this handle refers to.
func (h *Handle) Close(ctx context.Context) error {
	return h.reg.remove(ctx, h.phys, h.id)
}

// Add installs (or shares) a breakpoint at phys with the given kind, thread
// filter, one-shot flag, and callback, returning a Handle the caller uses to
// remove it later.
func (r *registry) Add(ctx context.Context, phys uint64, kind channel.BreakpointKind, threadFilter *uint64, oneShot bool, cb Callback) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[phys]
	if ok {
		if s.kind != kind {
			return nil, errInstallConflictAt(phys, s.kind, kind)
		}
	} else {
		id, err := r.ch.AddBreakpoint(ctx, phys, kind)
		if err != nil {
			return nil, err
		}
		s = &slot{channelID: id, kind: kind}
		r.slots[phys] = s
		recordBreakpointMetric(kind, 1)
	}

	r.nextID++
	entry := &logicalEntry{
		id:           r.nextID,
		phys:         phys,
		kind:         kind,
		threadFilter: threadFilter,
		oneShot:      oneShot,
		callback:     cb,
		installedAt:  time.Now(),
	}
	s.entries = append(s.entries, entry)

	return &Handle{reg: r, id: entry.id, phys: phys}, nil
}

func errInstallConflictAt(phys uint64, have, want channel.BreakpointKind) error {
	return &conflictError{phys: phys, have: have, want: want}
}

type conflictError struct {
	phys      uint64
	have, want channel.BreakpointKind
}

func (e *conflictError) Error() string {
	return ErrInstallConflict.Error()
}

func (e *conflictError) Unwrap() error { return ErrInstallConflict }

// remove drops one logical entry from the slot at phys, uninstalling the
// channel breakpoint entirely once the last logical holder is gone.
func (r *registry) remove(ctx context.Context, phys uint64, id LogicalID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[phys]
	if !ok {
		return ErrUnknownBreakpoint
	}

	idx := -1
	for i, e := range s.entries {
		if e.id == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrUnknownBreakpoint
	}

	s.entries = append(s.entries[:idx], s.entries[idx+1:]...)

	if len(s.entries) == 0 {
		if err := r.ch.RemoveBreakpoint(ctx, s.channelID); err != nil {
			return err
		}
		recordBreakpointMetric(s.kind, -1)
		delete(r.slots, phys)
	}
	return nil
}

// removeAll uninstalls every slot, used by State.Detach to guarantee no
// guest byte remains overwritten after detach.
func (r *registry) removeAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for phys, s := range r.slots {
		if err := r.ch.RemoveBreakpoint(ctx, s.channelID); err != nil {
			r.log.WithError(err).WithField("phys", phys).Warn("failed to remove breakpoint on detach")
			continue
		}
		recordBreakpointMetric(s.kind, -float64(1))
	}
	r.slots = make(map[uint64]*slot)
}

// dispatch fires every matching logical entry at ev.PhysAddr for the given
// thread, in insertion order; a threadID of 0 means the thread is unknown,
// and then thread filters are not applied. One-shot entries are removed from the
// registry before their callback runs, so a re-arming callback can safely
// reinstall without observing itself. Returns Stop if any callback asked to
// stop.
func (r *registry) dispatch(ctx context.Context, ev channel.Event, threadID uint64) Action {
	r.mu.Lock()
	s, ok := r.slots[ev.PhysAddr]
	if !ok {
		r.mu.Unlock()
		return Continue
	}
	// Snapshot entries so we can safely mutate s.entries (one-shot
	// removal) while holding the lock, then run callbacks unlocked.
	entries := make([]*logicalEntry, len(s.entries))
	copy(entries, s.entries)
	r.mu.Unlock()

	action := Continue
	for _, e := range entries {
		if e.threadFilter != nil && threadID != 0 && *e.threadFilter != threadID {
			continue
		}
		if e.oneShot {
			_ = r.remove(ctx, e.phys, e.id)
		}
		e.hitCount++
		if e.callback(ctx, ev) == Stop {
			action = Stop
		}
	}
	return action
}

// Copyright (c) 2024 Icebox Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package tracer

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
	"github.com/htesiege/icebox/pkg/symbols"
)

var tracerLog = icelog.New("tracer")

// ArgValue is one decoded argument handed to an entry callback. Integer,
// pointer, handle, and enum types are carried in Raw; string arguments are
// additionally dereferenced into Str. Valid is false when the argument
// could not be read — surfaced to the callback as an absent value rather
// than as an error.
type ArgValue struct {
	Name  string
	Type  ArgType
	Raw   uint64
	Str   string
	Valid bool
}

// Hit is delivered to an EntryCallback.
type Hit struct {
	Entry    Entry
	Args     []ArgValue
	Proc     osmodel.Process
	ThreadID uint64
	VCPU     int
}

// ReturnHit is delivered to a ReturnCallback.
type ReturnHit struct {
	Entry       Entry
	ReturnValue uint64
	Proc        osmodel.Process
	ThreadID    uint64
}

// EntryCallback runs on a traced function's entry. Returning true requests
// a return-site hook.
type EntryCallback func(ctx context.Context, hit Hit) bool

// ReturnCallback runs when a requested return hook fires.
type ReturnCallback func(ctx context.Context, hit ReturnHit)

// Diagnostics are counters kept in place of errors for conditions the
// Tracer can recover from on its own.
type Diagnostics struct {
	ArgReadFailures uint64
	// ReturnHooksPending counts return hooks that could not be installed.
	ReturnHooksPending uint64
	ReentrancySkips    uint64
}

type diagCounters struct {
	mu sync.Mutex
	d  Diagnostics
}

func (c *diagCounters) argFailure(function string) {
	c.mu.Lock()
	c.d.ArgReadFailures++
	c.mu.Unlock()
	icemetrics.TracerArgReadFailures.WithLabelValues(function).Inc()
}

func (c *diagCounters) returnPending() {
	c.mu.Lock()
	c.d.ReturnHooksPending++
	c.mu.Unlock()
	icemetrics.TracerReturnHooksPending.Inc()
}

func (c *diagCounters) reentrancySkip(family string) {
	c.mu.Lock()
	c.d.ReentrancySkips++
	c.mu.Unlock()
	icemetrics.TracerReentrancySkips.WithLabelValues(family).Inc()
}

func (c *diagCounters) snapshot() Diagnostics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.d
}

// Tracer is the L5 layer of the introspection kernel: function
// entry/return interception generated from a declarative Schema, with
// per-function-family re-entrancy filtering and argument marshalling
// through the OS model's calling convention.
type Tracer struct {
	mu sync.Mutex

	st      *state.State
	ch      channel.Channel
	backend osmodel.Backend

	modules map[string]*symbols.Module

	// inFlight[family][threadID] guards against nested entry hits from the
	// same thread for functions grouped under the same family.
	inFlight map[string]map[uint64]bool

	diag diagCounters
	log  *logrus.Entry
}

// New returns a Tracer wired to st (for breakpoint installation) and
// backend (for symbol/process/calling-convention services). It binds
// itself onto backend as the symbol resolver, so modules registered via
// BindModule become visible to the backend's own ResolveFunction.
func New(st *state.State, ch channel.Channel, backend osmodel.Backend) *Tracer {
	t := &Tracer{
		st:       st,
		ch:       ch,
		backend:  backend,
		modules:  make(map[string]*symbols.Module),
		inFlight: make(map[string]map[uint64]bool),
		log:      tracerLog,
	}
	backend.BindSymbols(t.resolveModule)
	return t
}

func (t *Tracer) resolveModule(name string) (*symbols.Module, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.modules[name]
	return m, ok
}

// BindModule registers a built symbols.Module under name, making it
// available both to Register (for address resolution) and to the osmodel
// Backend (for process-list/current-thread offset lookups).
func (t *Tracer) BindModule(name string, mod *symbols.Module) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.modules[name] = mod
}

// Diagnostics returns a snapshot of the recoverable-failure counters.
func (t *Tracer) Diagnostics() Diagnostics { return t.diag.snapshot() }

func (t *Tracer) enterFamily(family string, threadID uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	threads, ok := t.inFlight[family]
	if !ok {
		threads = make(map[uint64]bool)
		t.inFlight[family] = threads
	}
	if threads[threadID] {
		return false
	}
	threads[threadID] = true
	return true
}

func (t *Tracer) exitFamily(family string, threadID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inFlight[family], threadID)
}

// Register installs an entry breakpoint for entry, scoped to proc, grouped
// under family for re-entrancy filtering. Returns a Handle the caller uses
// to remove the entry hook. Return hooks are not tied to that Handle: each
// is installed as its own one-shot breakpoint and stays installed until it
// fires or the State detaches.
func (t *Tracer) Register(ctx context.Context, entry Entry, family string, proc osmodel.Process, vcpu int, onEntry EntryCallback, onReturn ReturnCallback) (*state.Handle, error) {
	phys, err := t.backend.ResolveFunction(ctx, proc, entry.Module, entry.Name)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s!%s", entry.Module, entry.Name)
	}

	cb := func(cbCtx context.Context, ev channel.Event) state.Action {
		rawThreadID, curProc, err := t.backend.CurrentThread(cbCtx, vcpu)
		if err != nil {
			t.log.WithError(err).Warn("current thread undetermined; skipping hook")
			return state.Continue
		}
		if curProc != proc.ID {
			// Soft breakpoints live at a physical address shared by every
			// process mapping that code page; scope to the target process
			// in software since the channel layer has no process concept.
			return state.Continue
		}
		threadID := uint64(rawThreadID)

		if !t.enterFamily(family, threadID) {
			t.diag.reentrancySkip(family)
			return state.Continue
		}

		args := t.decodeArgs(cbCtx, entry, proc, vcpu)
		hit := Hit{Entry: entry, Args: args, Proc: proc, ThreadID: threadID, VCPU: vcpu}
		wantReturn := onEntry(cbCtx, hit)

		if wantReturn && onReturn != nil {
			t.installReturnHook(cbCtx, entry, family, proc, vcpu, threadID, onReturn)
		} else {
			t.exitFamily(family, threadID)
		}
		return state.Continue
	}

	return t.st.Registry().Add(ctx, phys, channel.SoftExec, nil, false, cb)
}

// decodeArgs reads every declared argument via the backend's calling
// convention, dereferencing string arguments through the process's memory
// reader.
func (t *Tracer) decodeArgs(ctx context.Context, entry Entry, proc osmodel.Process, vcpu int) []ArgValue {
	cc := t.backend.CallingConvention()
	reader := t.backend.Reader(proc)
	dt := uint64(proc.DirectoryTable)

	out := make([]ArgValue, len(entry.Args))
	for i, a := range entry.Args {
		raw, err := cc.ReadArg(ctx, t.ch, vcpu, dt, i)
		if err != nil {
			t.diag.argFailure(entry.Name)
			out[i] = ArgValue{Name: a.Name, Type: a.Type, Valid: false}
			continue
		}

		v := ArgValue{Name: a.Name, Type: a.Type, Raw: raw, Valid: true}
		if a.Type == ArgString {
			s, err := reader.UTF16String(ctx, raw, a.MaxLen)
			if err != nil {
				t.diag.argFailure(entry.Name)
				v.Valid = false
			} else {
				v.Str = s
			}
		}
		out[i] = v
	}
	return out
}

// installReturnHook reads the return address off the stack and installs a
// one-shot breakpoint filtered to threadID. Failure to resolve the return
// address is recorded as a diagnostic, not an error: the entry hook
// already ran to completion.
func (t *Tracer) installReturnHook(ctx context.Context, entry Entry, family string, proc osmodel.Process, vcpu int, threadID uint64, onReturn ReturnCallback) {
	cc := t.backend.CallingConvention()
	dt := uint64(proc.DirectoryTable)

	retVirt, err := cc.ReturnAddress(ctx, t.ch, vcpu, dt)
	if err != nil {
		t.diag.returnPending()
		t.exitFamily(family, threadID)
		return
	}

	reader := t.backend.Reader(proc)
	retPhys, err := reader.Translate(ctx, retVirt)
	if err != nil {
		t.diag.returnPending()
		t.exitFamily(family, threadID)
		return
	}

	tf := threadID
	_, err = t.st.Registry().Add(ctx, retPhys, channel.SoftExec, &tf, true, func(cbCtx context.Context, ev channel.Event) state.Action {
		defer t.exitFamily(family, threadID)
		retVal, _ := t.ch.ReadRegister(cbCtx, vcpu, channel.RAX)
		onReturn(cbCtx, ReturnHit{Entry: entry, ReturnValue: retVal, Proc: proc, ThreadID: threadID})
		return state.Continue
	})
	if err != nil {
		t.diag.returnPending()
		t.exitFamily(family, threadID)
	}
}

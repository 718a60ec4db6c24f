// Copyright (c) 2024 Icebox Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package unwind walks a paused thread's saved frame pointers into a
// callstack, resolving each return address through a bound symbols.Module.
// The walk follows the standard x86-64 RBP-chain convention: frame N's
// saved RBP points at frame N+1's base, and the return address sits one
// machine word above it.
package unwind

import (
	"context"

	"github.com/htesiege/icebox/internal/icelog"
	"github.com/htesiege/icebox/pkg/memreader"
	"github.com/htesiege/icebox/pkg/symbols"
)

var unwindLog = icelog.New("unwind")

// defaultMaxFrames bounds a walk against a corrupted or cyclic frame chain;
// real stacks rarely exceed a few dozen frames.
const defaultMaxFrames = 64

// Frame is one resolved entry in a callstack, innermost first.
type Frame struct {
	Addr   uint64
	Module string
	Symbol string
	Offset uint64
	// Resolved is false when Addr fell outside every module ModuleAt
	// reported; Module and Symbol are empty in that case.
	Resolved bool
}

// ModuleAt maps a virtual address to the name and load base of the module
// that contains it. osmodel.Backend.Modules already enumerates this; a
// caller typically wraps that result in a small linear or interval lookup
// and passes it here, keeping pkg/unwind free of any osmodel dependency.
type ModuleAt func(addr uint64) (module string, base uint64, ok bool)

// SymbolResolver looks up the symbols.Module bound for a module name, same
// contract as osmodel.SymbolResolver, duplicated here to avoid an import
// cycle between the two packages.
type SymbolResolver func(module string) (*symbols.Module, bool)

// Unwinder walks frame-pointer-chained callstacks through a bound
// memreader.Reader.
type Unwinder struct {
	reader    *memreader.Reader
	moduleAt  ModuleAt
	resolve   SymbolResolver
	maxFrames int
}

// New returns an Unwinder that reads stack memory through reader, maps
// addresses to modules via moduleAt, and resolves symbols via resolve.
func New(reader *memreader.Reader, moduleAt ModuleAt, resolve SymbolResolver) *Unwinder {
	return &Unwinder{
		reader:    reader,
		moduleAt:  moduleAt,
		resolve:   resolve,
		maxFrames: defaultMaxFrames,
	}
}

// SetMaxFrames overrides the default walk depth bound.
func (u *Unwinder) SetMaxFrames(n int) {
	if n > 0 {
		u.maxFrames = n
	}
}

// Walk produces a callstack starting at rip (the currently executing
// instruction) with rbp as the current frame's base pointer. It stops when
// the frame chain terminates (rbp reaches zero), when a frame pointer falls
// outside mapped memory, or after maxFrames, whichever comes first — all
// three are normal termination, not errors; a short stack from the latter
// two is still returned so far.
func (u *Unwinder) Walk(ctx context.Context, rip, rbp uint64) ([]Frame, error) {
	frames := make([]Frame, 0, 8)
	frames = append(frames, u.resolveFrame(rip))

	for rbp != 0 && len(frames) < u.maxFrames {
		if err := ctx.Err(); err != nil {
			return frames, err
		}
		savedRBP, err := u.reader.U64(ctx, rbp)
		if err != nil {
			unwindLog.WithError(err).WithField("rbp", rbp).Debug("stack walk stopped: unmapped frame pointer")
			break
		}
		retAddr, err := u.reader.U64(ctx, rbp+8)
		if err != nil {
			unwindLog.WithError(err).WithField("rbp", rbp).Debug("stack walk stopped: unmapped return address")
			break
		}
		if retAddr == 0 {
			break
		}
		frames = append(frames, u.resolveFrame(retAddr))
		if savedRBP <= rbp {
			// A well-formed chain only ever grows upward; a saved RBP that
			// doesn't advance the stack means the chain is corrupt or
			// we've hit a hand-written frame that doesn't preserve RBP.
			break
		}
		rbp = savedRBP
	}
	return frames, nil
}

func (u *Unwinder) resolveFrame(addr uint64) Frame {
	f := Frame{Addr: addr}

	module, base, ok := u.moduleAt(addr)
	if !ok {
		return f
	}
	f.Module = module

	mod, ok := u.resolve(module)
	if !ok || addr < base {
		return f
	}
	name, delta, ok := mod.FindSymbol(addr - base)
	if !ok {
		return f
	}
	f.Symbol = name
	f.Offset = delta
	f.Resolved = true
	return f
}

// Copyright (c) 2024 Icebox Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package osmodel is the L4 layer of the introspection kernel:
// a polymorphic guest-OS model with NT and Linux backends sharing one
// capability set (process/thread/module enumeration, calling convention,
// current-thread resolution). The Backend interface and its two concrete
// implementations are selected by NewBackend, a small factory switch
// rather than a plugin registry.
package osmodel

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/htesiege/icebox/pkg/channel"
	"github.com/htesiege/icebox/pkg/memreader"
	"github.com/htesiege/icebox/pkg/state"
	"github.com/htesiege/icebox/pkg/symbols"
)

// SymbolResolver looks up the symbols.Module built for a named guest
// module (e.g. "ntoskrnl.exe" or "vmlinux"). The Tracer (L5) is the usual
// owner of built modules; it binds a resolver onto the Backend so
// ResolveFunction can turn (module, symbol) pairs into addresses without
// osmodel needing to know how modules were parsed or cached.
type SymbolResolver func(module string) (*symbols.Module, bool)

// Kind selects a Backend implementation.
type Kind string

const (
	NT    Kind = "nt"
	Linux Kind = "linux"
)

// ProcId, ThreadId, ModId, and DrvId identify guest objects. ProcId is the
// guest's own process id (UniqueProcessId on NT, task_struct.pid on Linux);
// ThreadId is the address of the thread's kernel object (KTHREAD on NT,
// task_struct on Linux); ModId is a module's base address on NT and its
// backing struct file address on Linux. They carry no meaning outside a
// Backend.
type ProcId uint64
type ThreadId uint64
type ModId uint64
type DrvId uint64

// Process describes one enumerated guest process.
type Process struct {
	ID             ProcId
	Name           string
	ParentID       ProcId
	DirectoryTable memreader.DirectoryTable
	IsKernel       bool
	Is64Bit        bool
}

// Thread describes one enumerated guest thread.
type Thread struct {
	ID        ThreadId
	ProcessID ProcId
}

// Module describes one loaded module or driver.
type Module struct {
	ID   ModId
	Name string
	Base uint64
	Size uint64
}

// Capabilities reports which optional operations a Backend actually
// supports against the attached guest, since kernel discovery or calling
// convention detection can fail independent of the rest of the backend.
type Capabilities struct {
	ProcessEnumeration bool
	ModuleEnumeration  bool
	CurrentThread      bool
}

// ErrCurrentThreadUndetermined is returned when CurrentThread cannot
// resolve a vcpu's active thread from its register state.
var ErrCurrentThreadUndetermined = errors.New("current thread undetermined")

// ErrUnknownKernelBuild is returned when Discover cannot identify the
// attached guest's kernel build well enough to resolve offsets.
var ErrUnknownKernelBuild = errors.New("unknown kernel build")

// ErrProcessListCorrupted is returned when Processes detects a broken
// linked-list invariant while walking guest bookkeeping structures.
var ErrProcessListCorrupted = errors.New("process list corrupted")

// Backend is the capability set shared by every guest-OS model
// implementation.
type Backend interface {
	// Discover locates the kernel image and builds whatever internal
	// offsets (via Symbols) the backend needs before any other method is
	// usable.
	Discover(ctx context.Context) error

	Capabilities() Capabilities

	Processes(ctx context.Context) ([]Process, error)
	Modules(ctx context.Context, pid ProcId) ([]Module, error)

	// CurrentThread resolves the active thread/process on vcpu from its
	// current register state.
	CurrentThread(ctx context.Context, vcpu int) (ThreadId, ProcId, error)

	// Reader returns a MemoryReader bound to proc's address space.
	Reader(proc Process) *memreader.Reader

	// CallingConvention returns the architecture-specific calling
	// convention this backend's guest uses.
	CallingConvention() CallingConvention

	// ResolveFunction resolves (module, symbol) to a physical breakpoint
	// address scoped to proc's address space.
	ResolveFunction(ctx context.Context, proc Process, module, symbol string) (uint64, error)

	// BindSymbols wires the Backend to a symbol resolver so ResolveFunction
	// and future module-offset lookups have something to consult. A
	// Backend with no bound resolver reports every ResolveFunction call as
	// a missing-symbol error rather than guessing.
	BindSymbols(resolver SymbolResolver)
}

// NewBackend returns a Backend for kind, wired to st and ch. kind selects
// from a small, closed set of backends rather than a registry plugins add
// to.
func NewBackend(kind Kind, st *state.State, ch channel.Channel) (Backend, error) {
	switch kind {
	case NT:
		return newNTBackend(st, ch), nil
	case Linux:
		return newLinuxBackend(st, ch), nil
	default:
		return nil, fmt.Errorf("unknown OS model kind %q", kind)
	}
}

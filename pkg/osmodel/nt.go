// Copyright (c) 2024 Icebox Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package osmodel

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/htesiege/icebox/internal/icelog"
	"github.com/htesiege/icebox/pkg/channel"
	"github.com/htesiege/icebox/pkg/memreader"
	"github.com/htesiege/icebox/pkg/state"
	"github.com/htesiege/icebox/pkg/symbols"
)

var ntLog = icelog.New("osmodel/nt")

// mzMagic is the DOS header signature at the start of every PE image.
const mzMagic = 0x5a4d // "MZ" little-endian

// ntBackend implements Backend for a Windows/NT guest. Kernel discovery
// scans downward from a GS-base-derived hint for an MZ header rather than
// walking the IDT directly, since Channel exposes register and MSR reads
// but not the IDTR descriptor itself; GSBaseKernel already anchors us
// inside the kernel's mapped region on any modern x64 NT build.
type ntBackend struct {
	st *state.State
	ch channel.Channel

	kernelBase uint64
	discovered bool
	resolve    SymbolResolver

	log *logrus.Entry
}

func newNTBackend(st *state.State, ch channel.Channel) *ntBackend {
	return &ntBackend{st: st, ch: ch, log: ntLog}
}

// scanStep is the granularity of the downward MZ scan: NT kernel images
// are page-aligned, so stepping a full page at a time keeps discovery fast.
const scanStep = 0x1000

// maxScanPages bounds the downward search so a wrong GS-base hint fails
// fast with ErrUnknownKernelBuild instead of scanning indefinitely.
const maxScanPages = 1 << 16

// msrKernelGSBase is IA32_KERNEL_GS_BASE, holding the kernel's GS base
// while executing in ring 3 (swapped in via SWAPGS on a syscall/interrupt).
const msrKernelGSBase = 0xC0000102

func (b *ntBackend) Discover(ctx context.Context) error {
	hint, err := b.ch.ReadMSR(ctx, 0, msrKernelGSBase)
	if err != nil {
		return errors.Wrap(err, "reading kernel GS base MSR")
	}

	base := hint &^ (scanStep - 1)
	for i := 0; i < maxScanPages; i++ {
		buf, err := b.ch.ReadPhysical(ctx, base, 2)
		if err == nil && uint16(buf[0])|uint16(buf[1])<<8 == mzMagic {
			b.kernelBase = base
			b.discovered = true
			b.log.WithField("kernel_base", base).Info("NT kernel image located")
			return nil
		}
		base -= scanStep
	}
	return ErrUnknownKernelBuild
}

func (b *ntBackend) Capabilities() Capabilities {
	return Capabilities{
		ProcessEnumeration: b.discovered && b.resolve != nil,
		ModuleEnumeration:  b.discovered && b.resolve != nil,
		CurrentThread:      b.discovered,
	}
}

// ntImageNameLen is the size of _EPROCESS.ImageFileName: a fixed UCHAR
// array, not necessarily nul-terminated if the full 15 characters are used.
const ntImageNameLen = 15

// UNICODE_STRING field offsets. Unlike _EPROCESS or _LDR_DATA_TABLE_ENTRY,
// whose member offsets vary across NT builds and so come from the bound
// Symbols module, UNICODE_STRING is a stable part of the NT ABI and is
// never reshuffled between builds.
const (
	unicodeStringLengthOff = 0
	unicodeStringBufferOff = 8 // 64-bit: Length(2)+MaximumLength(2)+pad(4)+Buffer(8)
)

func (b *ntBackend) BindSymbols(resolver SymbolResolver) { b.resolve = resolver }

// ntosModule is the conventional name this backend looks the kernel's own
// symbol module up under.
const ntosModule = "ntoskrnl.exe"

// eprocessOffsets bundles the _EPROCESS member offsets the process-list
// walk and module enumeration both need, resolved once per call through
// the bound kernel Symbols module so neither carries a hardcoded
// NT-version struct layout.
type eprocessOffsets struct {
	links, pid, dt, parentPid, imageName, peb uint64
}

func (b *ntBackend) eprocessOffsets(mod *symbols.Module) (eprocessOffsets, error) {
	var o eprocessOffsets
	var err error
	if o.links, err = mod.MemberOffset("_EPROCESS", "ActiveProcessLinks"); err != nil {
		return o, err
	}
	if o.pid, err = mod.MemberOffset("_EPROCESS", "UniqueProcessId"); err != nil {
		return o, err
	}
	if o.dt, err = mod.MemberOffset("_EPROCESS", "DirectoryTableBase"); err != nil {
		return o, err
	}
	if o.parentPid, err = mod.MemberOffset("_EPROCESS", "InheritedFromUniqueProcessId"); err != nil {
		return o, err
	}
	if o.imageName, err = mod.MemberOffset("_EPROCESS", "ImageFileName"); err != nil {
		return o, err
	}
	if o.peb, err = mod.MemberOffset("_EPROCESS", "Peb"); err != nil {
		return o, err
	}
	return o, nil
}

// walkEprocessList walks PsActiveProcessHead's doubly-linked
// ActiveProcessLinks, invoking visit with each _EPROCESS's virtual
// address. visit returns false to stop the walk early.
func (b *ntBackend) walkEprocessList(ctx context.Context, kernel *memreader.Reader, mod *symbols.Module, linksOff uint64, visit func(eprocess uint64) (bool, error)) error {
	headOff, ok := mod.SymbolOffset("PsActiveProcessHead")
	if !ok {
		return errors.Wrap(ErrProcessListCorrupted, "PsActiveProcessHead")
	}
	headVirt := b.kernelBase + headOff

	cur, err := kernel.Pointer(ctx, headVirt)
	if err != nil {
		return errors.Wrap(ErrProcessListCorrupted, err.Error())
	}
	for i := 0; cur != headVirt && i < maxProcessListWalk; i++ {
		eprocess := cur - linksOff
		cont, err := visit(eprocess)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
		cur, err = kernel.Pointer(ctx, cur)
		if err != nil {
			return errors.Wrap(ErrProcessListCorrupted, err.Error())
		}
	}
	return nil
}

// Processes walks PsActiveProcessHead's doubly-linked ActiveProcessLinks,
// resolved through the bound kernel Symbols module: the list head's
// virtual address comes from symbol_offset, and each _EPROCESS's member
// offsets come from member_offset, so this code carries no hardcoded
// NT-version struct layout.
func (b *ntBackend) Processes(ctx context.Context) ([]Process, error) {
	if !b.discovered {
		return nil, ErrProcessListCorrupted
	}
	mod, ok := b.resolveModule(ntosModule)
	if !ok {
		return nil, errors.Wrap(ErrProcessListCorrupted, "ntoskrnl.exe symbols not bound")
	}
	off, err := b.eprocessOffsets(mod)
	if err != nil {
		return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
	}

	kernel := memreader.New(b.ch, memreader.DirectoryTable(0), memreader.PagingLongMode4Level, true, "ntoskrnl")

	var procs []Process
	walkErr := b.walkEprocessList(ctx, kernel, mod, off.links, func(eprocess uint64) (bool, error) {
		pid, err := kernel.U64(ctx, eprocess+off.pid)
		if err != nil {
			return false, errors.Wrap(ErrProcessListCorrupted, err.Error())
		}
		dt, err := kernel.U64(ctx, eprocess+off.dt)
		if err != nil {
			return false, errors.Wrap(ErrProcessListCorrupted, err.Error())
		}
		parentPid, err := kernel.U64(ctx, eprocess+off.parentPid)
		if err != nil {
			return false, errors.Wrap(ErrProcessListCorrupted, err.Error())
		}
		nameBytes, err := kernel.Read(ctx, eprocess+off.imageName, ntImageNameLen)
		if err != nil {
			return false, errors.Wrap(ErrProcessListCorrupted, err.Error())
		}
		peb, err := kernel.Pointer(ctx, eprocess+off.peb)
		if err != nil {
			return false, errors.Wrap(ErrProcessListCorrupted, err.Error())
		}
		procs = append(procs, Process{
			ID:             ProcId(pid),
			Name:           cString(nameBytes),
			ParentID:       ProcId(parentPid),
			DirectoryTable: memreader.DirectoryTable(dt),
			IsKernel:       peb == 0,
			Is64Bit:        true,
		})
		return true, nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	return procs, nil
}

// maxProcessListWalk bounds the linked-list walk against a corrupted or
// cyclic list that never returns to its head.
const maxProcessListWalk = 1 << 16

// maxModuleListWalk bounds the PEB loader-list walk against a corrupted or
// cyclic list that never returns to its head.
const maxModuleListWalk = 1 << 12

// cString trims b at its first NUL byte, for fixed-size non-UTF16 guest
// string fields that may not be fully populated.
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Modules walks the target process's PEB.Ldr.InLoadOrderModuleList, the
// same loader-maintained list the Windows loader itself consults to find
// already-loaded DLLs. Every offset but the UNICODE_STRING layout (a
// stable part of the NT ABI) comes from the bound kernel Symbols module.
func (b *ntBackend) Modules(ctx context.Context, pid ProcId) ([]Module, error) {
	if !b.discovered {
		return nil, ErrProcessListCorrupted
	}
	mod, ok := b.resolveModule(ntosModule)
	if !ok {
		return nil, errors.Wrap(ErrProcessListCorrupted, "ntoskrnl.exe symbols not bound")
	}
	off, err := b.eprocessOffsets(mod)
	if err != nil {
		return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
	}

	kernel := memreader.New(b.ch, memreader.DirectoryTable(0), memreader.PagingLongMode4Level, true, "ntoskrnl")

	var eprocess uint64
	var dt uint64
	found := false
	walkErr := b.walkEprocessList(ctx, kernel, mod, off.links, func(cur uint64) (bool, error) {
		curPid, err := kernel.U64(ctx, cur+off.pid)
		if err != nil {
			return false, errors.Wrap(ErrProcessListCorrupted, err.Error())
		}
		if ProcId(curPid) == pid {
			eprocess = cur
			found = true
			dtRaw, err := kernel.U64(ctx, cur+off.dt)
			if err != nil {
				return false, errors.Wrap(ErrProcessListCorrupted, err.Error())
			}
			dt = dtRaw
			return false, nil
		}
		return true, nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	if !found {
		return nil, errors.Errorf("process %d not found", pid)
	}

	peb, err := kernel.Pointer(ctx, eprocess+off.peb)
	if err != nil {
		return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
	}
	if peb == 0 {
		// The System process and similar kernel-only processes have no
		// user-mode PEB, and therefore no loader-maintained module list.
		return nil, nil
	}

	ldrOff, err := mod.MemberOffset("_PEB", "Ldr")
	if err != nil {
		return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
	}
	listOff, err := mod.MemberOffset("_PEB_LDR_DATA", "InLoadOrderModuleList")
	if err != nil {
		return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
	}
	entryLinksOff, err := mod.MemberOffset("_LDR_DATA_TABLE_ENTRY", "InLoadOrderLinks")
	if err != nil {
		return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
	}
	baseOff, err := mod.MemberOffset("_LDR_DATA_TABLE_ENTRY", "DllBase")
	if err != nil {
		return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
	}
	sizeOff, err := mod.MemberOffset("_LDR_DATA_TABLE_ENTRY", "SizeOfImage")
	if err != nil {
		return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
	}
	nameOff, err := mod.MemberOffset("_LDR_DATA_TABLE_ENTRY", "BaseDllName")
	if err != nil {
		return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
	}

	// The PEB and everything it points to lives in the target process's
	// own address space, not the kernel's, so reading it needs a reader
	// bound to the process's own page tables.
	proc := memreader.New(b.ch, memreader.DirectoryTable(dt), memreader.PagingLongMode4Level, true, "")

	ldrData, err := proc.Pointer(ctx, peb+ldrOff)
	if err != nil {
		return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
	}
	headVirt := ldrData + listOff

	var mods []Module
	cur, err := proc.Pointer(ctx, headVirt)
	if err != nil {
		return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
	}
	for i := 0; cur != headVirt && i < maxModuleListWalk; i++ {
		entry := cur - entryLinksOff

		base, err := proc.Pointer(ctx, entry+baseOff)
		if err != nil {
			return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
		}
		size, err := proc.U32(ctx, entry+sizeOff)
		if err != nil {
			return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
		}
		nameLen, err := proc.U16(ctx, entry+nameOff+unicodeStringLengthOff)
		if err != nil {
			return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
		}
		nameBuf, err := proc.Pointer(ctx, entry+nameOff+unicodeStringBufferOff)
		if err != nil {
			return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
		}
		name, err := proc.UTF16String(ctx, nameBuf, int(nameLen/2))
		if err != nil {
			return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
		}

		mods = append(mods, Module{
			ID:   ModId(base),
			Name: name,
			Base: base,
			Size: uint64(size),
		})

		cur, err = proc.Pointer(ctx, cur)
		if err != nil {
			return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
		}
	}
	return mods, nil
}

func (b *ntBackend) CurrentThread(ctx context.Context, vcpu int) (ThreadId, ProcId, error) {
	if !b.discovered {
		return 0, 0, ErrCurrentThreadUndetermined
	}
	gs, err := b.ch.ReadRegister(ctx, vcpu, channel.GSBaseKernel)
	if err != nil {
		return 0, 0, errors.Wrap(ErrCurrentThreadUndetermined, err.Error())
	}
	if gs == 0 {
		return 0, 0, ErrCurrentThreadUndetermined
	}

	mod, ok := b.resolveModule(ntosModule)
	if !ok {
		// KPCR.CurrentThread offset is itself a symbol; without it we can
		// only report the KPCR anchor, not the thread object.
		return ThreadId(gs), 0, nil
	}
	thOff, ok := mod.SymbolOffset("KiCurrentThreadOffset")
	if !ok {
		return ThreadId(gs), 0, nil
	}
	kernel := memreader.New(b.ch, memreader.DirectoryTable(0), memreader.PagingLongMode4Level, true, "ntoskrnl")
	thread, err := kernel.Pointer(ctx, gs+thOff)
	if err != nil {
		return 0, 0, errors.Wrap(ErrCurrentThreadUndetermined, err.Error())
	}
	// The owning process is _KTHREAD.Process -> _EPROCESS.UniqueProcessId;
	// if either offset or read is unavailable the process id reads as 0.
	var pid uint64
	if procOff, err := mod.MemberOffset("_KTHREAD", "Process"); err == nil {
		if pidOff, err := mod.MemberOffset("_EPROCESS", "UniqueProcessId"); err == nil {
			if eprocess, err := kernel.Pointer(ctx, thread+procOff); err == nil && eprocess != 0 {
				pid, _ = kernel.U64(ctx, eprocess+pidOff)
			}
		}
	}
	return ThreadId(thread), ProcId(pid), nil
}

func (b *ntBackend) Reader(proc Process) *memreader.Reader {
	mode := memreader.PagingLongMode4Level
	if !proc.Is64Bit {
		mode = memreader.PagingPAE
	}
	return memreader.New(b.ch, proc.DirectoryTable, mode, proc.Is64Bit, proc.Name)
}

func (b *ntBackend) CallingConvention() CallingConvention { return WindowsX64 }

func (b *ntBackend) resolveModule(name string) (*symbols.Module, bool) {
	if b.resolve == nil {
		return nil, false
	}
	return b.resolve(name)
}

func (b *ntBackend) ResolveFunction(ctx context.Context, proc Process, module, symbol string) (uint64, error) {
	mod, ok := b.resolveModule(module)
	if !ok {
		return 0, errors.Errorf("no bound symbols for module %q", module)
	}
	off, ok := mod.SymbolOffset(symbol)
	if !ok {
		return 0, errors.Errorf("symbol %q not found in module %q", symbol, module)
	}

	mods, err := b.Modules(ctx, proc.ID)
	if err != nil {
		return 0, err
	}
	var base uint64
	found := false
	for _, m := range mods {
		if m.Name == module {
			base = m.Base
			found = true
			break
		}
	}
	if !found && module == ntosModule {
		base = b.kernelBase
		found = true
	}
	if !found {
		return 0, errors.Errorf("module %q not loaded in process %d", module, proc.ID)
	}

	reader := b.Reader(proc)
	return reader.Translate(ctx, base+off)
}

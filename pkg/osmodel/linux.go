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

var linuxLog = icelog.New("osmodel/linux")

// vmlinuxModule is the conventional name this backend looks the kernel's
// own symbol module up under.
const vmlinuxModule = "vmlinux"

// linuxBackend implements Backend for a Linux guest. Kernel discovery
// relies entirely on a bound vmlinux Symbols module —
// there is no MZ-header-style magic scan available for an ELF kernel
// loaded in place, so Discover only validates that the module is bound.
// CurrentThread later reads GS_BASE (the per-CPU area base on x86-64 Linux).
type linuxBackend struct {
	st *state.State
	ch channel.Channel

	resolve    SymbolResolver
	discovered bool

	log *logrus.Entry
}

func newLinuxBackend(st *state.State, ch channel.Channel) *linuxBackend {
	return &linuxBackend{st: st, ch: ch, log: linuxLog}
}

func (b *linuxBackend) Discover(ctx context.Context) error {
	if b.resolve == nil {
		return errors.Wrap(ErrUnknownKernelBuild, "vmlinux symbols not bound")
	}
	if _, ok := b.resolve(vmlinuxModule); !ok {
		return errors.Wrap(ErrUnknownKernelBuild, "vmlinux module not found in bound resolver")
	}
	b.discovered = true
	b.log.Info("Linux kernel symbols bound")
	return nil
}

func (b *linuxBackend) Capabilities() Capabilities {
	return Capabilities{
		ProcessEnumeration: b.discovered,
		ModuleEnumeration:  b.discovered,
		CurrentThread:      b.discovered,
	}
}

// taskCommLen is TASK_COMM_LEN, the fixed size of task_struct.comm; stable
// across kernel versions since user-space tools (ps, /proc) depend on it.
const taskCommLen = 16

// dentryInlineNameLen is DNAME_INLINE_LEN, the fixed size of a dentry's
// inline short-name buffer (d_iname); like taskCommLen, part of the
// kernel's long-standing on-disk/in-memory ABI rather than a
// version-specific offset.
const dentryInlineNameLen = 32

func (b *linuxBackend) BindSymbols(resolver SymbolResolver) { b.resolve = resolver }

func (b *linuxBackend) vmlinux() (*symbols.Module, bool) {
	if b.resolve == nil {
		return nil, false
	}
	return b.resolve(vmlinuxModule)
}

func (b *linuxBackend) kernelReader() *memreader.Reader {
	return memreader.New(b.ch, memreader.DirectoryTable(0), memreader.PagingLongMode4Level, true, "vmlinux")
}

// Processes walks init_task's circular task_struct.tasks list, resolving
// every offset through the bound vmlinux Symbols module rather than
// hardcoding a kernel-version-specific task_struct layout.
func (b *linuxBackend) Processes(ctx context.Context) ([]Process, error) {
	mod, ok := b.vmlinux()
	if !ok {
		return nil, ErrProcessListCorrupted
	}

	initTaskOff, ok := mod.SymbolOffset("init_task")
	if !ok {
		return nil, errors.Wrap(ErrProcessListCorrupted, "init_task")
	}
	tasksOff, err := mod.MemberOffset("task_struct", "tasks")
	if err != nil {
		return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
	}
	pidOff, err := mod.MemberOffset("task_struct", "pid")
	if err != nil {
		return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
	}
	mmOff, err := mod.MemberOffset("task_struct", "mm")
	if err != nil {
		return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
	}
	pgdOff, err := mod.MemberOffset("mm_struct", "pgd")
	if err != nil {
		return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
	}
	commOff, err := mod.MemberOffset("task_struct", "comm")
	if err != nil {
		return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
	}
	parentOff, err := mod.MemberOffset("task_struct", "real_parent")
	if err != nil {
		return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
	}

	kernel := b.kernelReader()
	headVirt := initTaskOff + tasksOff

	var procs []Process
	cur, err := kernel.Pointer(ctx, headVirt)
	if err != nil {
		return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
	}
	for i := 0; cur != headVirt && i < maxProcessListWalk; i++ {
		task := cur - tasksOff
		pid, err := kernel.U32(ctx, task+pidOff)
		if err != nil {
			return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
		}

		var dt uint64
		mm, err := kernel.Pointer(ctx, task+mmOff)
		if err == nil && mm != 0 {
			dt, _ = kernel.U64(ctx, mm+pgdOff)
		}

		commBytes, err := kernel.Read(ctx, task+commOff, taskCommLen)
		if err != nil {
			return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
		}

		var parentPid uint32
		if parent, err := kernel.Pointer(ctx, task+parentOff); err == nil && parent != 0 {
			parentPid, _ = kernel.U32(ctx, parent+pidOff)
		}

		procs = append(procs, Process{
			ID:             ProcId(pid),
			Name:           cString(commBytes),
			ParentID:       ProcId(parentPid),
			DirectoryTable: memreader.DirectoryTable(dt),
			IsKernel:       mm == 0,
			Is64Bit:        true,
		})

		cur, err = kernel.Pointer(ctx, cur)
		if err != nil {
			return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
		}
	}
	return procs, nil
}

// maxVMAWalk bounds the per-process VMA walk against a corrupted or cyclic
// mm->mmap chain.
const maxVMAWalk = 1 << 16

// vmaAccum tracks the address range a shared object's VMAs (text, rodata,
// data, bss) collectively span, keyed by the backing struct file pointer
// so the several mappings of one library collapse into one Module.
type vmaAccum struct {
	name       string
	start, end uint64
}

// Modules walks the target process's mm->mmap list of file-backed VMAs,
// the same structure /proc/<pid>/maps is built from, grouping the several
// mappings a loaded shared object gets (one per permission/section) back
// into a single module by their shared backing file.
func (b *linuxBackend) Modules(ctx context.Context, pid ProcId) ([]Module, error) {
	mod, ok := b.vmlinux()
	if !ok {
		return nil, ErrProcessListCorrupted
	}

	mmapOff, err := mod.MemberOffset("mm_struct", "mmap")
	if err != nil {
		return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
	}
	vmStartOff, err := mod.MemberOffset("vm_area_struct", "vm_start")
	if err != nil {
		return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
	}
	vmEndOff, err := mod.MemberOffset("vm_area_struct", "vm_end")
	if err != nil {
		return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
	}
	vmNextOff, err := mod.MemberOffset("vm_area_struct", "vm_next")
	if err != nil {
		return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
	}
	vmFileOff, err := mod.MemberOffset("vm_area_struct", "vm_file")
	if err != nil {
		return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
	}
	fPathOff, err := mod.MemberOffset("file", "f_path")
	if err != nil {
		return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
	}
	dentryOff, err := mod.MemberOffset("path", "dentry")
	if err != nil {
		return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
	}
	inameOff, err := mod.MemberOffset("dentry", "d_iname")
	if err != nil {
		return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
	}

	mmAddr, err := b.findMM(ctx, pid, mod)
	if err != nil {
		return nil, err
	}
	if mmAddr == 0 {
		// Kernel threads have no mm and therefore no VMAs.
		return nil, nil
	}

	// mm_struct, vm_area_struct, struct file and dentry are all kernel heap
	// objects reachable only through the kernel's own page tables, not the
	// target process's — unlike NT's PEB/loader data, which lives in the
	// process's own address space.
	kernel := b.kernelReader()

	accum := make(map[uint64]*vmaAccum)
	var order []uint64

	vma, err := kernel.Pointer(ctx, mmAddr+mmapOff)
	if err != nil {
		return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
	}
	for i := 0; vma != 0 && i < maxVMAWalk; i++ {
		filePtr, err := kernel.Pointer(ctx, vma+vmFileOff)
		if err != nil {
			return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
		}
		if filePtr != 0 {
			start, err := kernel.U64(ctx, vma+vmStartOff)
			if err != nil {
				return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
			}
			end, err := kernel.U64(ctx, vma+vmEndOff)
			if err != nil {
				return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
			}

			if a, ok := accum[filePtr]; ok {
				if start < a.start {
					a.start = start
				}
				if end > a.end {
					a.end = end
				}
			} else {
				dentry, err := kernel.Pointer(ctx, filePtr+fPathOff+dentryOff)
				if err != nil {
					return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
				}
				nameBytes, err := kernel.Read(ctx, dentry+inameOff, dentryInlineNameLen)
				if err != nil {
					return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
				}
				accum[filePtr] = &vmaAccum{name: cString(nameBytes), start: start, end: end}
				order = append(order, filePtr)
			}
		}

		vma, err = kernel.Pointer(ctx, vma+vmNextOff)
		if err != nil {
			return nil, errors.Wrap(ErrProcessListCorrupted, err.Error())
		}
	}

	mods := make([]Module, 0, len(order))
	for _, key := range order {
		a := accum[key]
		mods = append(mods, Module{
			ID:   ModId(key),
			Name: a.name,
			Base: a.start,
			Size: a.end - a.start,
		})
	}
	return mods, nil
}

// findMM resolves pid's task_struct.mm pointer by re-walking the task
// list, since Processes already discards the mm pointer once it has
// derived the directory table from it.
func (b *linuxBackend) findMM(ctx context.Context, pid ProcId, mod *symbols.Module) (uint64, error) {
	initTaskOff, ok := mod.SymbolOffset("init_task")
	if !ok {
		return 0, errors.Wrap(ErrProcessListCorrupted, "init_task")
	}
	tasksOff, err := mod.MemberOffset("task_struct", "tasks")
	if err != nil {
		return 0, errors.Wrap(ErrProcessListCorrupted, err.Error())
	}
	pidOff, err := mod.MemberOffset("task_struct", "pid")
	if err != nil {
		return 0, errors.Wrap(ErrProcessListCorrupted, err.Error())
	}
	mmOff, err := mod.MemberOffset("task_struct", "mm")
	if err != nil {
		return 0, errors.Wrap(ErrProcessListCorrupted, err.Error())
	}

	kernel := b.kernelReader()
	headVirt := initTaskOff + tasksOff

	cur, err := kernel.Pointer(ctx, headVirt)
	if err != nil {
		return 0, errors.Wrap(ErrProcessListCorrupted, err.Error())
	}
	for i := 0; cur != headVirt && i < maxProcessListWalk; i++ {
		task := cur - tasksOff
		curPid, err := kernel.U32(ctx, task+pidOff)
		if err != nil {
			return 0, errors.Wrap(ErrProcessListCorrupted, err.Error())
		}
		if ProcId(curPid) == pid {
			mm, err := kernel.Pointer(ctx, task+mmOff)
			if err != nil {
				return 0, errors.Wrap(ErrProcessListCorrupted, err.Error())
			}
			return mm, nil
		}
		cur, err = kernel.Pointer(ctx, cur)
		if err != nil {
			return 0, errors.Wrap(ErrProcessListCorrupted, err.Error())
		}
	}
	return 0, errors.Errorf("process %d not found", pid)
}

// CurrentThread reads the current_task per-CPU pointer at its offset from
// GS_BASE.
func (b *linuxBackend) CurrentThread(ctx context.Context, vcpu int) (ThreadId, ProcId, error) {
	mod, ok := b.vmlinux()
	if !ok {
		return 0, 0, ErrCurrentThreadUndetermined
	}
	currentTaskOff, ok := mod.SymbolOffset("current_task")
	if !ok {
		return 0, 0, errors.Wrap(ErrCurrentThreadUndetermined, "current_task")
	}

	gs, err := b.ch.ReadRegister(ctx, vcpu, channel.GSBase)
	if err != nil {
		return 0, 0, errors.Wrap(ErrCurrentThreadUndetermined, err.Error())
	}

	kernel := b.kernelReader()
	task, err := kernel.Pointer(ctx, gs+currentTaskOff)
	if err != nil {
		return 0, 0, errors.Wrap(ErrCurrentThreadUndetermined, err.Error())
	}

	pidOff, err := mod.MemberOffset("task_struct", "pid")
	if err != nil {
		return ThreadId(task), 0, nil
	}
	pid, err := kernel.U32(ctx, task+pidOff)
	if err != nil {
		return ThreadId(task), 0, nil
	}
	return ThreadId(task), ProcId(pid), nil
}

func (b *linuxBackend) Reader(proc Process) *memreader.Reader {
	return memreader.New(b.ch, proc.DirectoryTable, memreader.PagingLongMode4Level, true, proc.Name)
}

func (b *linuxBackend) CallingConvention() CallingConvention { return SysVAMD64 }

func (b *linuxBackend) ResolveFunction(ctx context.Context, proc Process, module, symbol string) (uint64, error) {
	if b.resolve == nil {
		return 0, errors.Errorf("no bound symbols for module %q", module)
	}
	mod, ok := b.resolve(module)
	if !ok {
		return 0, errors.Errorf("no bound symbols for module %q", module)
	}
	off, ok := mod.SymbolOffset(symbol)
	if !ok {
		return 0, errors.Errorf("symbol %q not found in module %q", symbol, module)
	}

	var base uint64
	if module == vmlinuxModule {
		base = 0 // vmlinux symbol offsets here are already absolute kernel VAs
	} else {
		mods, err := b.Modules(ctx, proc.ID)
		if err != nil {
			return 0, err
		}
		found := false
		for _, m := range mods {
			if m.Name == module {
				base = m.Base
				found = true
				break
			}
		}
		if !found {
			return 0, errors.Errorf("module %q not loaded in process %d", module, proc.ID)
		}
	}

	reader := b.Reader(proc)
	return reader.Translate(ctx, base+off)
}

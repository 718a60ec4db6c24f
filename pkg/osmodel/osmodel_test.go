// Copyright (c) 2024 Icebox Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package osmodel

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/htesiege/icebox/pkg/channel/fdp"
	"github.com/htesiege/icebox/pkg/state"
	"github.com/htesiege/icebox/pkg/symbols"
)

const (
	pteFlagPresent = 1 << 0
	pteAddrMask    = 0x000ffffffffff000
)

// identityMap4K maps a single 4 KiB page at virt to phys through a fresh
// 4-level hierarchy rooted at physical 0, mirroring the helper used by the
// memreader package's own tests.
func identityMap4K(t *testing.T, ch *fdp.ShmChannel, virt, phys uint64) {
	t.Helper()
	ctx := context.Background()

	pml4, pdpt, pd, pt := uint64(0), uint64(0x1000), uint64(0x2000), uint64(0x3000)

	writeEntry := func(tableAddr, index, next uint64) {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], (next&pteAddrMask)|pteFlagPresent)
		require.NoError(t, ch.WritePhysical(ctx, tableAddr+index*8, buf[:]))
	}
	writeEntry(pml4, (virt>>39)&0x1ff, pdpt)
	writeEntry(pdpt, (virt>>30)&0x1ff, pd)
	writeEntry(pd, (virt>>21)&0x1ff, pt)
	writeEntry(pt, (virt>>12)&0x1ff, phys)
}

func writeU64(t *testing.T, ch *fdp.ShmChannel, virt, value uint64) {
	t.Helper()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	require.NoError(t, ch.WritePhysical(context.Background(), virt, buf[:]))
}

func writeU32(t *testing.T, ch *fdp.ShmChannel, virt uint64, value uint32) {
	t.Helper()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	require.NoError(t, ch.WritePhysical(context.Background(), virt, buf[:]))
}

func writeComm(t *testing.T, ch *fdp.ShmChannel, virt uint64, name string) {
	t.Helper()
	buf := make([]byte, 16)
	copy(buf, name)
	require.NoError(t, ch.WritePhysical(context.Background(), virt, buf))
}

func newAttachedChannel(t *testing.T) *fdp.ShmChannel {
	t.Helper()
	ch := fdp.New(filepath.Join(t.TempDir(), "icebox.fdp"))
	require.NoError(t, ch.Attach(context.Background(), "test-vm"))
	t.Cleanup(func() { _ = ch.Detach(context.Background()) })
	return ch
}

func TestNewBackendUnknownKind(t *testing.T) {
	_, err := NewBackend(Kind("plan9"), nil, nil)
	assert.Error(t, err)
}

func TestLinuxBackendDiscoverRequiresBoundSymbols(t *testing.T) {
	ch := newAttachedChannel(t)
	st := state.New(ch)
	b, err := NewBackend(Linux, st, ch)
	require.NoError(t, err)

	assert.Error(t, b.Discover(context.Background()))

	mod := symbols.Build("vmlinux", "deadbeef", []symbols.SymbolDef{{Name: "current_task", Offset: 0x1000}}, nil, nil)
	b.BindSymbols(func(name string) (*symbols.Module, bool) {
		if name == "vmlinux" {
			return mod, true
		}
		return nil, false
	})
	require.NoError(t, b.Discover(context.Background()))
	assert.True(t, b.Capabilities().CurrentThread)
}

func TestLinuxProcessesWalksTaskList(t *testing.T) {
	ch := newAttachedChannel(t)
	ctx := context.Background()
	st := state.New(ch)
	b, err := NewBackend(Linux, st, ch)
	require.NoError(t, err)

	// Lay out two tasks: init_task, whose tasks list links to one more
	// process and back, at fixed virtual addresses identity-mapped to
	// matching physical pages. The addresses are low, because a page-table
	// entry holds only physical address bits 12-51.
	const initTaskVirt = uint64(0x10000)
	const otherTaskVirt = uint64(0x11000)
	identityMap4K(t, ch, initTaskVirt, initTaskVirt)
	identityMap4K(t, ch, otherTaskVirt, otherTaskVirt)

	const tasksOff, pidOff, mmOff = 0x10, 0x20, 0x30
	const pgdOff = 0x8
	const commOff, parentOff = 0x40, 0x50

	// init_task.tasks.next -> other.tasks; other.tasks.next -> init_task.tasks
	writeU64(t, ch, initTaskVirt+tasksOff, otherTaskVirt+tasksOff)
	writeU32(t, ch, initTaskVirt+pidOff, 0)
	writeComm(t, ch, initTaskVirt+commOff, "swapper/0")
	writeU64(t, ch, otherTaskVirt+tasksOff, initTaskVirt+tasksOff)
	writeU32(t, ch, otherTaskVirt+pidOff, 77)
	writeComm(t, ch, otherTaskVirt+commOff, "otherproc")
	// other.real_parent -> init_task (pid 0)
	writeU64(t, ch, otherTaskVirt+parentOff, initTaskVirt)

	syms := []symbols.SymbolDef{{Name: "init_task", Offset: initTaskVirt}}
	members := []symbols.MemberDef{
		{Struct: "task_struct", Name: "tasks", Offset: tasksOff},
		{Struct: "task_struct", Name: "pid", Offset: pidOff},
		{Struct: "task_struct", Name: "mm", Offset: mmOff},
		{Struct: "task_struct", Name: "comm", Offset: commOff},
		{Struct: "task_struct", Name: "real_parent", Offset: parentOff},
		{Struct: "mm_struct", Name: "pgd", Offset: pgdOff},
	}
	mod := symbols.Build("vmlinux", "deadbeef", syms, nil, members)
	b.BindSymbols(func(name string) (*symbols.Module, bool) {
		if name == "vmlinux" {
			return mod, true
		}
		return nil, false
	})
	require.NoError(t, b.Discover(ctx))

	procs, err := b.Processes(ctx)
	require.NoError(t, err)
	require.Len(t, procs, 1, "walk stops upon returning to the list head")
	assert.Equal(t, ProcId(77), procs[0].ID)
	assert.Equal(t, "otherproc", procs[0].Name)
	assert.Equal(t, ProcId(0), procs[0].ParentID)
	assert.True(t, procs[0].IsKernel, "mm is unset, so the task looks kernel-only")
	assert.True(t, procs[0].Is64Bit)
}

func TestLinuxModulesGroupsVMAsByFile(t *testing.T) {
	ch := newAttachedChannel(t)
	ctx := context.Background()
	st := state.New(ch)
	b, err := NewBackend(Linux, st, ch)
	require.NoError(t, err)

	// Every object gets its own page in one 2 MiB range, since
	// identityMap4K shares a single page table between all its calls.
	const initTaskVirt = uint64(0x10000)
	const otherTaskVirt = uint64(0x11000)
	const tasksOff, pidOff, mmOff = 0x10, 0x20, 0x30
	identityMap4K(t, ch, initTaskVirt, initTaskVirt)
	identityMap4K(t, ch, otherTaskVirt, otherTaskVirt)

	const mmVirt = uint64(0x12000)
	const vma1Virt = uint64(0x13000)
	const vma2Virt = uint64(0x14000)
	const vma3Virt = uint64(0x15000)
	const file1Virt = uint64(0x16000)
	const file2Virt = uint64(0x17000)
	const dentry1Virt = uint64(0x18000)
	const dentry2Virt = uint64(0x19000)
	for _, v := range []uint64{mmVirt, vma1Virt, vma2Virt, vma3Virt, file1Virt, file2Virt, dentry1Virt, dentry2Virt} {
		identityMap4K(t, ch, v, v)
	}

	const mmapOff = 0x8
	const vmStartOff, vmEndOff, vmNextOff, vmFileOff = 0x0, 0x8, 0x10, 0x18
	const fPathOff, dentryOff, inameOff = 0x10, 0x0, 0x20

	writeU64(t, ch, initTaskVirt+tasksOff, otherTaskVirt+tasksOff)
	writeU32(t, ch, initTaskVirt+pidOff, 0)
	writeU64(t, ch, otherTaskVirt+tasksOff, initTaskVirt+tasksOff)
	writeU32(t, ch, otherTaskVirt+pidOff, 77)
	writeU64(t, ch, otherTaskVirt+mmOff, mmVirt)

	writeU64(t, ch, mmVirt+mmapOff, vma1Virt)

	// libfoo.so maps two adjoining VMAs (text, data) sharing one file.
	writeU64(t, ch, vma1Virt+vmStartOff, 0x400000)
	writeU64(t, ch, vma1Virt+vmEndOff, 0x401000)
	writeU64(t, ch, vma1Virt+vmNextOff, vma2Virt)
	writeU64(t, ch, vma1Virt+vmFileOff, file1Virt)

	writeU64(t, ch, vma2Virt+vmStartOff, 0x401000)
	writeU64(t, ch, vma2Virt+vmEndOff, 0x410000)
	writeU64(t, ch, vma2Virt+vmNextOff, vma3Virt)
	writeU64(t, ch, vma2Virt+vmFileOff, file1Virt)

	// libbar.so maps a single VMA with a distinct file.
	writeU64(t, ch, vma3Virt+vmStartOff, 0x7f0000000000)
	writeU64(t, ch, vma3Virt+vmEndOff, 0x7f0000010000)
	writeU64(t, ch, vma3Virt+vmNextOff, 0)
	writeU64(t, ch, vma3Virt+vmFileOff, file2Virt)

	writeU64(t, ch, file1Virt+fPathOff+dentryOff, dentry1Virt)
	writeComm(t, ch, dentry1Virt+inameOff, "libfoo.so")
	writeU64(t, ch, file2Virt+fPathOff+dentryOff, dentry2Virt)
	writeComm(t, ch, dentry2Virt+inameOff, "libbar.so")

	syms := []symbols.SymbolDef{{Name: "init_task", Offset: initTaskVirt}}
	members := []symbols.MemberDef{
		{Struct: "task_struct", Name: "tasks", Offset: tasksOff},
		{Struct: "task_struct", Name: "pid", Offset: pidOff},
		{Struct: "task_struct", Name: "mm", Offset: mmOff},
		{Struct: "mm_struct", Name: "mmap", Offset: mmapOff},
		{Struct: "vm_area_struct", Name: "vm_start", Offset: vmStartOff},
		{Struct: "vm_area_struct", Name: "vm_end", Offset: vmEndOff},
		{Struct: "vm_area_struct", Name: "vm_next", Offset: vmNextOff},
		{Struct: "vm_area_struct", Name: "vm_file", Offset: vmFileOff},
		{Struct: "file", Name: "f_path", Offset: fPathOff},
		{Struct: "path", Name: "dentry", Offset: dentryOff},
		{Struct: "dentry", Name: "d_iname", Offset: inameOff},
	}
	mod := symbols.Build("vmlinux", "deadbeef", syms, nil, members)
	b.BindSymbols(func(name string) (*symbols.Module, bool) {
		if name == "vmlinux" {
			return mod, true
		}
		return nil, false
	})
	require.NoError(t, b.Discover(ctx))

	mods, err := b.Modules(ctx, ProcId(77))
	require.NoError(t, err)
	require.Len(t, mods, 2, "the two libfoo.so VMAs collapse into one module")

	byName := make(map[string]Module)
	for _, m := range mods {
		byName[m.Name] = m
	}
	foo, ok := byName["libfoo.so"]
	require.True(t, ok)
	assert.Equal(t, uint64(0x400000), foo.Base)
	assert.Equal(t, uint64(0x10000), foo.Size, "spans both text and data VMAs")

	bar, ok := byName["libbar.so"]
	require.True(t, ok)
	assert.Equal(t, uint64(0x7f0000000000), bar.Base)
	assert.Equal(t, uint64(0x10000), bar.Size)
}

func TestCallingConventions(t *testing.T) {
	assert.Len(t, WindowsX64.registers, 4)
	assert.Len(t, SysVAMD64.registers, 6)
}

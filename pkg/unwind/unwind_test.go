// Copyright (c) 2024 Icebox Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package unwind

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/htesiege/icebox/pkg/channel/fdp"
	"github.com/htesiege/icebox/pkg/memreader"
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

func newAttachedChannel(t *testing.T) *fdp.ShmChannel {
	t.Helper()
	ch := fdp.New(filepath.Join(t.TempDir(), "icebox.fdp"))
	require.NoError(t, ch.Attach(context.Background(), "test-vm"))
	t.Cleanup(func() { _ = ch.Detach(context.Background()) })
	return ch
}

// appModuleAt resolves any address in [0x400000, 0x410000) to a fixed
// "app" module based at 0x400000, mimicking a single-module user-space
// process the way a real ModuleAt built from osmodel.Backend.Modules would.
func appModuleAt(addr uint64) (string, uint64, bool) {
	const base, size = uint64(0x400000), uint64(0x10000)
	if addr < base || addr >= base+size {
		return "", 0, false
	}
	return "app", base, true
}

func TestWalkResolvesFrameChain(t *testing.T) {
	ch := newAttachedChannel(t)
	ctx := context.Background()

	const rbp0 = uint64(0x90000000)
	const rbp1 = uint64(0x90001000)
	identityMap4K(t, ch, rbp0, rbp0)
	identityMap4K(t, ch, rbp1, rbp1)

	// frame 0 (rip) is "main" at app+0x1000, called from "foo" at
	// app+0x1100, called from "bar" at app+0x1200; bar is the outermost
	// frame (savedRBP == 0 terminates the walk).
	writeU64(t, ch, rbp0, rbp1)
	writeU64(t, ch, rbp0+8, 0x401100)
	writeU64(t, ch, rbp1, 0)
	writeU64(t, ch, rbp1+8, 0x401200)

	mod := symbols.Build("app", "deadbeef", []symbols.SymbolDef{
		{Name: "main", Offset: 0x1000},
		{Name: "foo", Offset: 0x1100},
		{Name: "bar", Offset: 0x1200},
	}, nil, nil)
	resolve := func(name string) (*symbols.Module, bool) {
		if name == "app" {
			return mod, true
		}
		return nil, false
	}

	reader := memreader.New(ch, memreader.DirectoryTable(0), memreader.PagingLongMode4Level, true, "test")
	u := New(reader, appModuleAt, resolve)

	frames, err := u.Walk(ctx, 0x401000, rbp0)
	require.NoError(t, err)
	require.Len(t, frames, 3)

	assert.Equal(t, "main", frames[0].Symbol)
	assert.Equal(t, uint64(0), frames[0].Offset)
	assert.True(t, frames[0].Resolved)

	assert.Equal(t, "foo", frames[1].Symbol)
	assert.Equal(t, "bar", frames[2].Symbol)
}

func TestWalkStopsAtUnmappedFramePointer(t *testing.T) {
	ch := newAttachedChannel(t)
	ctx := context.Background()

	reader := memreader.New(ch, memreader.DirectoryTable(0), memreader.PagingLongMode4Level, true, "test")
	u := New(reader, appModuleAt, func(string) (*symbols.Module, bool) { return nil, false })

	// rbp points nowhere mapped; the walk must still return the single
	// resolved-or-not innermost frame rather than erroring out.
	frames, err := u.Walk(ctx, 0x401000, 0xdeadbeef00)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.False(t, frames[0].Resolved)
}

func TestWalkRespectsMaxFrames(t *testing.T) {
	ch := newAttachedChannel(t)
	ctx := context.Background()

	// A ten-frame chain (each savedRBP == rbp+0x1000, the last one 0) would
	// yield 11 frames under the default bound; SetMaxFrames(3) cuts it short.
	var prev uint64
	for i := 0; i < 10; i++ {
		rbp := uint64(0x90000000 + i*0x1000)
		identityMap4K(t, ch, rbp, rbp)
		if i > 0 {
			writeU64(t, ch, prev, rbp)
			writeU64(t, ch, prev+8, 0x401000)
		}
		prev = rbp
	}
	writeU64(t, ch, prev, 0)
	writeU64(t, ch, prev+8, 0x401000)

	reader := memreader.New(ch, memreader.DirectoryTable(0), memreader.PagingLongMode4Level, true, "test")
	u := New(reader, appModuleAt, func(string) (*symbols.Module, bool) { return nil, false })
	u.SetMaxFrames(3)

	frames, err := u.Walk(ctx, 0x401000, 0x90000000)
	require.NoError(t, err)
	assert.Len(t, frames, 3)
}

// Copyright (c) 2024 Icebox Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package symbols

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleModule() *Module {
	syms := []SymbolDef{
		{Name: "KeBugCheck", Offset: 0x1000},
		{Name: "MmGetPhysicalAddress", Offset: 0x2000},
		{Name: "PsGetCurrentProcess", Offset: 0x500},
		{Name: "ExAllocatePool", Offset: 0x1800},
	}
	structs := []StructDef{{Name: "_EPROCESS", Size: 0x500}}
	members := []MemberDef{
		{Struct: "_EPROCESS", Name: "UniqueProcessId", Offset: 0x440},
		{Struct: "_EPROCESS", Name: "ActiveProcessLinks", Offset: 0x448},
	}
	return Build("ntoskrnl.exe", "ABCD1234", syms, structs, members)
}

func TestSymbolOffsetAndFindSymbol(t *testing.T) {
	m := sampleModule()

	off, ok := m.SymbolOffset("KeBugCheck")
	require.True(t, ok)
	assert.Equal(t, uint64(0x1000), off)

	_, ok = m.SymbolOffset("DoesNotExist")
	assert.False(t, ok)

	name, delta, ok := m.FindSymbol(0x1050)
	require.True(t, ok)
	assert.Equal(t, "KeBugCheck", name)
	assert.Equal(t, uint64(0x50), delta)

	// offset below the first symbol has no nearest-lower-or-equal match.
	_, _, ok = m.FindSymbol(0x10)
	assert.False(t, ok)
}

// TestOrderedSymbolsInvariant exercises the offset-ordering invariant:
// for all consecutive entries in the offset-ordered list, a lookup at
// offset[i]+d for 0<=d<offset[i+1]-offset[i] resolves to (name[i], d).
func TestOrderedSymbolsInvariant(t *testing.T) {
	m := sampleModule()

	var names []string
	var offsets []uint64
	m.ListSymbols(func(name string, offset uint64) bool {
		names = append(names, name)
		offsets = append(offsets, offset)
		return true
	})

	require.Len(t, offsets, 4)
	for i := 0; i < len(offsets); i++ {
		if i > 0 {
			assert.LessOrEqual(t, offsets[i-1], offsets[i])
		}
		var bound uint64 = 0x10
		if i+1 < len(offsets) {
			bound = offsets[i+1] - offsets[i]
		}
		for d := uint64(0); d < bound; d++ {
			name, delta, ok := m.FindSymbol(offsets[i] + d)
			require.True(t, ok)
			assert.Equal(t, names[i], name)
			assert.Equal(t, d, delta)
		}
	}
}

func TestListSymbolsStopsOnFalse(t *testing.T) {
	m := sampleModule()
	var seen int
	m.ListSymbols(func(name string, offset uint64) bool {
		seen++
		return seen < 2
	})
	assert.Equal(t, 2, seen)
}

// TestStringArenaStability exercises the string-arena stability
// invariant: the string returned for a given interned index stays
// content-equal (and is backed by the same underlying array, since the
// arena is append-only and never reallocated-and-copied after Build
// returns) across every subsequent lookup.
func TestStringArenaStability(t *testing.T) {
	m := sampleModule()

	idx, ok := m.byName["KeBugCheck"]
	require.True(t, ok)

	first := m.String(idx)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, m.String(idx))
	}
}

func TestStructSizeAndMemberOffset(t *testing.T) {
	m := sampleModule()

	size, err := m.StructSize("_EPROCESS")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x500), size)

	// member lookup is case-insensitive to mirror compiler conventions.
	off, err := m.MemberOffset("_eprocess", "uniqueprocessid")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x440), off)

	_, err = m.StructSize("_UNKNOWN")
	assert.ErrorIs(t, err, ErrStructNotFound)

	_, err = m.MemberOffset("_EPROCESS", "NoSuchField")
	assert.ErrorIs(t, err, ErrMemberNotFound)
}

// buildRSDS constructs a minimal RSDS CodeView record for test fixtures.
func buildRSDS(t *testing.T, name string, age uint32) []byte {
	t.Helper()
	buf := make([]byte, 4+16+4+len(name)+1)
	copy(buf[0:4], "RSDS")
	// GUID bytes are arbitrary but fixed for a deterministic expected ID.
	guid := []byte{0x44, 0x33, 0x22, 0x11, 0x66, 0x55, 0x88, 0x77, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	copy(buf[4:20], guid)
	binary.LittleEndian.PutUint32(buf[20:24], age)
	copy(buf[24:], name)
	return buf
}

func TestFindPDBInfo(t *testing.T) {
	prefix := make([]byte, 64) // noise before the record, as in a real PE image
	rsds := buildRSDS(t, "ntoskrnl.pdb", 3)
	image := append(prefix, rsds...)

	info, err := FindPDBInfo(image)
	require.NoError(t, err)
	assert.Equal(t, "ntoskrnl.pdb", info.Name)
	assert.Equal(t, "112233445566778801020304050607083", info.ID)
}

func TestFindPDBInfoMissing(t *testing.T) {
	_, err := FindPDBInfo(make([]byte, 128))
	assert.ErrorIs(t, err, ErrNoPDBInfo)
}

func TestCacheStoreAndLookup(t *testing.T) {
	root := t.TempDir()
	c := NewCache(root)

	_, err := c.Lookup("ntoskrnl.exe", "ABCD1234")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Store("ntoskrnl.exe", "ABCD1234", []byte("pdb-bytes")))

	path, err := c.Lookup("ntoskrnl.exe", "ABCD1234")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "ntoskrnl.exe", "ABCD1234", "ntoskrnl.exe"), path)

	rc, err := c.Open("ntoskrnl.exe", "ABCD1234")
	require.NoError(t, err)
	defer rc.Close()
}

func TestCacheRequiresRoot(t *testing.T) {
	t.Setenv(EnvSymbolPath, "")
	c := NewCache("")
	_, err := c.Lookup("ntoskrnl.exe", "ABCD1234")
	assert.Error(t, err)
}

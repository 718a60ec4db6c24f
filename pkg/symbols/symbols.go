// Copyright (c) 2024 Icebox Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package symbols is the L3 layer of the introspection kernel:
// an immutable per-module symbol index built once from an external parser
// (PDB, DWARF, or a bare export table) and queried by name, by offset, and
// by structure member. The index layout is append-only and build-then-
// freeze: build writes everything, then lookups only ever read, so the
// completed Module needs no locking.
package symbols

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/htesiege/icebox/internal/icelog"
)

var symLog = icelog.New("symbols")

// ErrSymbolNotFound is returned when a name or offset has no matching symbol.
var ErrSymbolNotFound = errors.New("symbol not found")

// ErrStructNotFound is returned when a struct name has no matching layout.
var ErrStructNotFound = errors.New("structure not found")

// ErrMemberNotFound is returned when a struct has no member of the given name.
var ErrMemberNotFound = errors.New("struct member not found")

// BuildID is a stable per-module identity: a PDB GUID+age, a DWARF
// build-id, or a SHA-1 of the debug directory contents. It is opaque beyond equality and use as a cache directory
// component.
type BuildID string

// symbolEntry is one exported name in the arena, keyed by its offset from
// the module's load base.
type symbolEntry struct {
	nameIdx int
	offset  uint64
}

// member is one field of a structure layout.
type member struct {
	nameIdx int
	offset  uint64
}

// structEntry is one structure's size and member layout.
type structEntry struct {
	nameIdx int
	size    uint64
	members []member // unordered; looked up by case-insensitive name
}

// Module is the immutable symbol index for one loaded binary. Once Build
// returns a *Module, every lookup is read-only: the string arena and the
// offset-ordered symbol slice are never mutated again, so concurrent
// readers need no locking.
type Module struct {
	name    string
	buildID BuildID

	arena []string // append-only string pool; index is stable identity

	byOffset []symbolEntry // sorted by offset, ties broken by insertion order
	byName   map[string]int

	structs map[string]structEntry // lower-cased struct name -> layout
}

// SymbolDef is one parsed export, fed to Build by a caller-supplied
// format-specific parser (PDB, DWARF or ELF); pdb.go only identifies a
// module's PDB and does not produce SymbolDefs.
type SymbolDef struct {
	Name   string
	Offset uint64
}

// MemberDef is one structure field, fed to Build alongside its owning
// struct name.
type MemberDef struct {
	Struct string
	Name   string
	Offset uint64
}

// StructDef declares a structure's total size; members are added
// separately via MemberDef so a parser can stream them in any order.
type StructDef struct {
	Name string
	Size uint64
}

// Build constructs an immutable Module index from parsed symbol, struct,
// and member definitions. Symbol and member name collisions keep the last
// definition seen, matching how PDB/DWARF parsers resolve duplicate-named
// statics by shadowing.
func Build(name string, buildID BuildID, syms []SymbolDef, structs []StructDef, members []MemberDef) *Module {
	m := &Module{
		name:    name,
		buildID: buildID,
		byName:  make(map[string]int),
		structs: make(map[string]structEntry, len(structs)),
	}

	for _, s := range syms {
		idx := m.intern(s.Name)
		m.byOffset = append(m.byOffset, symbolEntry{nameIdx: idx, offset: s.Offset})
		m.byName[s.Name] = idx
	}
	sort.SliceStable(m.byOffset, func(i, j int) bool { return m.byOffset[i].offset < m.byOffset[j].offset })

	for _, sd := range structs {
		key := lower(sd.Name)
		m.structs[key] = structEntry{nameIdx: m.intern(sd.Name), size: sd.Size}
	}
	for _, md := range members {
		key := lower(md.Struct)
		se, ok := m.structs[key]
		if !ok {
			se = structEntry{nameIdx: m.intern(md.Struct)}
		}
		se.members = append(se.members, member{nameIdx: m.intern(md.Name), offset: md.Offset})
		m.structs[key] = se
	}

	symLog.WithField("module", name).WithField("symbols", len(m.byOffset)).Debug("symbol index built")
	return m
}

// intern appends s to the string arena and returns its stable index.
// Indices, once handed out, are never reused or moved.
func (m *Module) intern(s string) int {
	m.arena = append(m.arena, s)
	return len(m.arena) - 1
}

// Name returns the module name the index was built for.
func (m *Module) Name() string { return m.name }

// BuildID returns the module's stable build identity.
func (m *Module) BuildID() BuildID { return m.buildID }

// String returns the arena string at idx; valid for the Module's lifetime.
func (m *Module) String(idx int) string { return m.arena[idx] }

// SymbolOffset resolves a case-sensitive exported name to its offset from
// the module base.
func (m *Module) SymbolOffset(name string) (uint64, bool) {
	idx, ok := m.byName[name]
	if !ok {
		return 0, false
	}
	for _, e := range m.byOffset {
		if e.nameIdx == idx {
			return e.offset, true
		}
	}
	return 0, false
}

// FindSymbol resolves offset to the nearest symbol at or below it, returning
// the symbol's name and the delta from its start.
// Binary search over the offset-ordered arena finds the symbol whose range
// contains offset, if any.
func (m *Module) FindSymbol(offset uint64) (name string, delta uint64, ok bool) {
	if len(m.byOffset) == 0 {
		return "", 0, false
	}
	i := sort.Search(len(m.byOffset), func(i int) bool { return m.byOffset[i].offset > offset })
	if i == 0 {
		return "", 0, false
	}
	e := m.byOffset[i-1]
	return m.arena[e.nameIdx], offset - e.offset, true
}

// ListSymbols walks the offset-ordered symbol list, invoking cb for each.
// cb returns false to stop the walk early.
func (m *Module) ListSymbols(cb func(name string, offset uint64) bool) {
	for _, e := range m.byOffset {
		if !cb(m.arena[e.nameIdx], e.offset) {
			return
		}
	}
}

// StructSize returns the declared size in bytes of struc.
func (m *Module) StructSize(struc string) (uint64, error) {
	se, ok := m.structs[lower(struc)]
	if !ok {
		return 0, errors.Wrap(ErrStructNotFound, struc)
	}
	return se.size, nil
}

// MemberOffset resolves struc.member to a byte offset, matching member
// names case-insensitively to mirror compiler/linker conventions for
// mixed-case field names.
func (m *Module) MemberOffset(struc, member string) (uint64, error) {
	se, ok := m.structs[lower(struc)]
	if !ok {
		return 0, errors.Wrap(ErrStructNotFound, struc)
	}
	want := lower(member)
	// Search from the end so a duplicated member name resolves to its last
	// definition, as Build documents.
	for i := len(se.members) - 1; i >= 0; i-- {
		mm := se.members[i]
		if lower(m.arena[mm.nameIdx]) == want {
			return mm.offset, nil
		}
	}
	return 0, errors.Wrap(ErrMemberNotFound, struc+"."+member)
}

// ListMembers returns every member name declared for struc, in declaration
// order.
func (m *Module) ListMembers(struc string) ([]string, error) {
	se, ok := m.structs[lower(struc)]
	if !ok {
		return nil, errors.Wrap(ErrStructNotFound, struc)
	}
	out := make([]string, len(se.members))
	for i, mm := range se.members {
		out[i] = m.arena[mm.nameIdx]
	}
	return out, nil
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

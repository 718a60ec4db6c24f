// Copyright (c) 2024 Icebox Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package memreader

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Page table entry bits shared across paging modes, matching the bit layout
// gopher-os's kernel/mem/vmm/pdt.go decodes for its own (live) page tables.
const (
	pteFlagPresent  = 1 << 0
	pteFlagLargePage = 1 << 7
	pteAddrMask     = 0x000ffffffffff000 // bits 12-51

	entriesPerTable = 512
	entryWidth      = 8
)

// walk resolves virt through r.dt according to r.mode, returning the base
// physical address of the containing page (not yet offset by virt's low
// bits — Translate adds that).
func (r *Reader) walk(ctx context.Context, virt uint64) (uint64, error) {
	switch r.mode {
	case PagingLongMode4Level:
		return r.walkLongMode(ctx, virt, 4)
	case PagingLongMode5Level:
		return r.walkLongMode(ctx, virt, 5)
	case PagingPAE:
		return r.walkPAE(ctx, virt)
	case PagingLegacy32:
		return r.walkLegacy32(ctx, virt)
	default:
		return 0, errors.Errorf("unsupported paging mode %v", r.mode)
	}
}

// walkLongMode walks a 4- or 5-level x86-64 page table hierarchy (PML5 ->
// PML4 -> PDPT -> PD -> PT), handling 1 GiB and 2 MiB large pages at the PDPT
// and PD levels respectively.
func (r *Reader) walkLongMode(ctx context.Context, virt uint64, levels int) (uint64, error) {
	// Index widths, most-significant level first: 9 bits per level for a
	// 4-level (or 5-level) radix tree, starting right above the 12-bit
	// page offset.
	shift := uint(12 + 9*(levels-1))
	tableAddr := uint64(r.dt) &^ 0xfff

	for level := levels; level >= 1; level-- {
		index := (virt >> shift) & 0x1ff
		entryAddr := tableAddr + index*entryWidth

		raw, err := r.ch.ReadPhysical(ctx, entryAddr, entryWidth)
		if err != nil {
			return 0, errors.Wrapf(err, "read page table entry at 0x%x", entryAddr)
		}
		entry := binary.LittleEndian.Uint64(raw)

		if entry&pteFlagPresent == 0 {
			return 0, &UnmappedPageError{Virt: virt}
		}

		// Large page short-circuits at the PD (2 MiB) or PDPT (1 GiB)
		// level; the PT level reuses bit 7 for PAT, not a large-page
		// flag, and PML4/PML5 never carry it either.
		if (level == 2 || level == 3) && entry&pteFlagLargePage != 0 {
			largeShift := uint(12 + 9*(level-1))
			largeMask := (uint64(1) << largeShift) - 1
			base := (entry & pteAddrMask) &^ largeMask
			return base | (virt &^ (^largeMask) & largeMask &^ 0xfff), nil
		}

		tableAddr = entry & pteAddrMask
		shift -= 9
	}

	return tableAddr, nil
}

// walkPAE walks 32-bit PAE paging: a 4-entry PDPT, then a PD, then a PT,
// each entry 8 bytes wide like long mode but with narrower indices at the
// top level.
func (r *Reader) walkPAE(ctx context.Context, virt uint64) (uint64, error) {
	pdptBase := uint64(r.dt) &^ 0x1f
	pdptIndex := (virt >> 30) & 0x3
	pdptEntryAddr := pdptBase + pdptIndex*entryWidth

	raw, err := r.ch.ReadPhysical(ctx, pdptEntryAddr, entryWidth)
	if err != nil {
		return 0, errors.Wrap(err, "read PDPTE")
	}
	pdpte := binary.LittleEndian.Uint64(raw)
	if pdpte&pteFlagPresent == 0 {
		return 0, &UnmappedPageError{Virt: virt}
	}

	pdBase := pdpte & pteAddrMask
	pdIndex := (virt >> 21) & 0x1ff
	pdEntryAddr := pdBase + pdIndex*entryWidth

	raw, err = r.ch.ReadPhysical(ctx, pdEntryAddr, entryWidth)
	if err != nil {
		return 0, errors.Wrap(err, "read PDE")
	}
	pde := binary.LittleEndian.Uint64(raw)
	if pde&pteFlagPresent == 0 {
		return 0, &UnmappedPageError{Virt: virt}
	}
	if pde&pteFlagLargePage != 0 {
		const largeMask = (1 << 21) - 1
		base := (pde & pteAddrMask) &^ largeMask
		return base | (virt & largeMask &^ 0xfff), nil
	}

	ptBase := pde & pteAddrMask
	ptIndex := (virt >> 12) & 0x1ff
	ptEntryAddr := ptBase + ptIndex*entryWidth

	raw, err = r.ch.ReadPhysical(ctx, ptEntryAddr, entryWidth)
	if err != nil {
		return 0, errors.Wrap(err, "read PTE")
	}
	pte := binary.LittleEndian.Uint64(raw)
	if pte&pteFlagPresent == 0 {
		return 0, &UnmappedPageError{Virt: virt}
	}
	return pte & pteAddrMask, nil
}

// walkLegacy32 walks classic non-PAE 32-bit paging: a 1024-entry PD of
// 4-byte entries, then optionally a 1024-entry PT.
func (r *Reader) walkLegacy32(ctx context.Context, virt uint64) (uint64, error) {
	const legacyEntryWidth = 4
	pdBase := uint64(r.dt) &^ 0xfff
	pdIndex := (virt >> 22) & 0x3ff
	pdEntryAddr := pdBase + pdIndex*legacyEntryWidth

	raw, err := r.ch.ReadPhysical(ctx, pdEntryAddr, legacyEntryWidth)
	if err != nil {
		return 0, errors.Wrap(err, "read PDE")
	}
	pde := uint64(binary.LittleEndian.Uint32(raw))
	if pde&pteFlagPresent == 0 {
		return 0, &UnmappedPageError{Virt: virt}
	}
	if pde&pteFlagLargePage != 0 {
		const largeMask = (1 << 22) - 1
		base := (pde &^ 0xfff) &^ largeMask
		return base | (virt & largeMask &^ 0xfff), nil
	}

	ptBase := pde &^ 0xfff
	ptIndex := (virt >> 12) & 0x3ff
	ptEntryAddr := ptBase + ptIndex*legacyEntryWidth

	raw, err = r.ch.ReadPhysical(ctx, ptEntryAddr, legacyEntryWidth)
	if err != nil {
		return 0, errors.Wrap(err, "read PTE")
	}
	pte := uint64(binary.LittleEndian.Uint32(raw))
	if pte&pteFlagPresent == 0 {
		return 0, &UnmappedPageError{Virt: virt}
	}
	return pte &^ 0xfff, nil
}

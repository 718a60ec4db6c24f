// Copyright (c) 2024 Icebox Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package memreader is the L1 layer of the introspection kernel:
// virtual-to-physical translation through a guest's page tables, with
// chunked reads and a small TLB-like cache. The page-walk shape is adapted
// from gopher-os's kernel/mem/vmm package (Translate/pteForAddress), ported
// to walk bytes fetched through a channel.Channel instead of live CPU state.
package memreader

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/htesiege/icebox/internal/icelog"
	"github.com/htesiege/icebox/pkg/channel"
)

var readerLog = icelog.New("memreader")

// DirectoryTable is the physical-address root of a guest address space (the
// x86 CR3 equivalent). The kernel has exactly one; each process has its own.
type DirectoryTable uint64

// PagingMode selects how DirectoryTable entries are decoded.
type PagingMode int

const (
	// PagingLongMode4Level is standard x86-64 4-level paging (48-bit VA).
	PagingLongMode4Level PagingMode = iota
	// PagingLongMode5Level is 5-level paging (57-bit VA, LA57).
	PagingLongMode5Level
	// PagingPAE is 32-bit PAE paging.
	PagingPAE
	// PagingLegacy32 is non-PAE 32-bit paging.
	PagingLegacy32
)

const pageSize = 4096
const pageShift = 12

// UnmappedPageError is returned when a read crosses an unmapped page,
// carrying the offending virtual address.
type UnmappedPageError struct {
	Virt uint64
}

func (e *UnmappedPageError) Error() string {
	return errors.Errorf("unmapped page at virt 0x%x", e.Virt).Error()
}

// tlbEntry caches one virt-page -> phys-page translation.
type tlbEntry struct {
	virtPage uint64
	physPage uint64
}

// Reader binds a DirectoryTable (and an optional process identity, tracked
// only for logging) and translates virtual reads through it. A Reader is not
// safe for concurrent use, matching the single-threaded cooperative model
// that owns the paused guest.
type Reader struct {
	ch    channel.Channel
	dt    DirectoryTable
	mode  PagingMode
	is64  bool
	label string // e.g. process name, for log context only

	// tlb caches the single most recently resolved virt-page; invalidated
	// on Invalidate, called whenever the guest resumes.
	tlb   tlbEntry
	valid bool

	log *logrus.Entry
}

// New returns a Reader that translates through dt using mode.
func New(ch channel.Channel, dt DirectoryTable, mode PagingMode, is64 bool, label string) *Reader {
	return &Reader{
		ch:    ch,
		dt:    dt,
		mode:  mode,
		is64:  is64,
		label: label,
		log:   readerLog.WithField("dt", dt),
	}
}

// Invalidate drops the cached translation. Callers invoke this whenever the
// guest resumes, since a live guest may remap the cached page.
func (r *Reader) Invalidate() {
	r.valid = false
}

// Translate resolves virt to a guest physical address via dt's page tables.
func (r *Reader) Translate(ctx context.Context, virt uint64) (uint64, error) {
	virtPage := virt &^ (pageSize - 1)
	offset := virt & (pageSize - 1)

	if r.valid && r.tlb.virtPage == virtPage {
		return r.tlb.physPage + offset, nil
	}

	physPage, err := r.walk(ctx, virt)
	if err != nil {
		return 0, err
	}

	r.tlb = tlbEntry{virtPage: virtPage, physPage: physPage}
	r.valid = true
	return physPage + offset, nil
}

// Read reads length bytes starting at virt, assembling the result across
// page boundaries. Fails with UnmappedPageError naming the first unmapped
// virtual address encountered.
func (r *Reader) Read(ctx context.Context, virt uint64, length int) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}

	out := make([]byte, 0, length)
	remaining := length
	cur := virt

	for remaining > 0 {
		phys, err := r.Translate(ctx, cur)
		if err != nil {
			return nil, err
		}

		chunk := int(pageSize - (cur & (pageSize - 1)))
		if chunk > remaining {
			chunk = remaining
		}

		data, err := r.ch.ReadPhysical(ctx, phys, chunk)
		if err != nil {
			return nil, errors.Wrapf(err, "read physical at 0x%x (virt 0x%x)", phys, cur)
		}

		out = append(out, data...)
		cur += uint64(chunk)
		remaining -= chunk
	}

	return out, nil
}

// Write mirrors Read, translating and writing through the channel.
func (r *Reader) Write(ctx context.Context, virt uint64, data []byte) error {
	remaining := len(data)
	cur := virt
	off := 0

	for remaining > 0 {
		phys, err := r.Translate(ctx, cur)
		if err != nil {
			return err
		}

		chunk := int(pageSize - (cur & (pageSize - 1)))
		if chunk > remaining {
			chunk = remaining
		}

		if err := r.ch.WritePhysical(ctx, phys, data[off:off+chunk]); err != nil {
			return errors.Wrapf(err, "write physical at 0x%x (virt 0x%x)", phys, cur)
		}

		cur += uint64(chunk)
		off += chunk
		remaining -= chunk
	}

	return nil
}

// Typed conveniences (little-endian).

func (r *Reader) U8(ctx context.Context, virt uint64) (uint8, error) {
	b, err := r.Read(ctx, virt, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) U16(ctx context.Context, virt uint64) (uint16, error) {
	b, err := r.Read(ctx, virt, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) U32(ctx context.Context, virt uint64) (uint32, error) {
	b, err := r.Read(ctx, virt, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) U64(ctx context.Context, virt uint64) (uint64, error) {
	b, err := r.Read(ctx, virt, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Pointer reads a guest pointer-sized value, honoring the reader's bitness.
func (r *Reader) Pointer(ctx context.Context, virt uint64) (uint64, error) {
	if r.is64 {
		return r.U64(ctx, virt)
	}
	v, err := r.U32(ctx, virt)
	return uint64(v), err
}

// UTF16String reads a nul-terminated UTF-16LE string at virt, bounded by
// maxLen UTF-16 code units.
func (r *Reader) UTF16String(ctx context.Context, virt uint64, maxLen int) (string, error) {
	units := make([]uint16, 0, maxLen)
	for i := 0; i < maxLen; i++ {
		u, err := r.U16(ctx, virt+uint64(i*2))
		if err != nil {
			return "", err
		}
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return decodeUTF16(units), nil
}

func decodeUTF16(units []uint16) string {
	runes := make([]rune, 0, len(units))
	for i := 0; i < len(units); i++ {
		u := units[i]
		if u >= 0xD800 && u <= 0xDBFF && i+1 < len(units) {
			lo := units[i+1]
			if lo >= 0xDC00 && lo <= 0xDFFF {
				r := (rune(u-0xD800) << 10) | rune(lo-0xDC00)
				runes = append(runes, r+0x10000)
				i++
				continue
			}
		}
		runes = append(runes, rune(u))
	}
	return string(runes)
}

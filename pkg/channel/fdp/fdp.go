// Copyright (c) 2024 Icebox Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package fdp implements channel.Channel over a shared-memory control
// region, the default Icebox transport (modeled on the FDP protocol). A
// second transport, backed by AF_VSOCK, lives alongside it in vsock.go
// behind the same interface, so a caller can swap transports without
// touching anything above pkg/channel.
package fdp

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/htesiege/icebox/internal/icelog"
	"github.com/htesiege/icebox/pkg/channel"
)

var fdpLog = icelog.New("channel/fdp")

// regionSize is the size of the mmap'd control region. Real FDP regions are
// sized by the driver. Here the whole region stands in for guest physical
// memory (see ReadPhysical), and its first 16 KiB also hold the per-vCPU
// register file (see registerOffset). The backing file is only extended
// with ftruncate, so pages that are never written take no disk space on
// file systems with sparse-file support.
const regionSize = 1 << 32

// ShmChannel is a channel.Channel backed by a shared-memory-mapped file.
// Exactly one request may be in flight, enforced by mu.
type ShmChannel struct {
	mu sync.Mutex

	path   string
	fd     int
	region []byte

	attached bool
	paused   bool

	nextBpID channel.BreakpointID
	// savedBytes records the original byte at each installed SoftExec
	// breakpoint's physical address so RemoveBreakpoint can restore it
	// exactly, leaving no guest byte permanently overwritten.
	savedBytes map[channel.BreakpointID]savedBreakpoint

	log *logrus.Entry
}

type savedBreakpoint struct {
	phys     uint64
	original byte
	kind     channel.BreakpointKind
}

// New returns a ShmChannel bound to path. The region is mapped lazily by
// Attach, which is idempotent: calling it again while already attached is a
// no-op.
func New(path string) *ShmChannel {
	return &ShmChannel{
		path:       path,
		fd:         -1,
		savedBytes: make(map[channel.BreakpointID]savedBreakpoint),
		log:        fdpLog,
	}
}

func (c *ShmChannel) logger() *logrus.Entry {
	return c.log.WithField("path", c.path)
}

// Attach opens and maps the shared-memory region. Calling it again while
// already attached is a no-op.
func (c *ShmChannel) Attach(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.attached {
		return nil
	}

	fd, err := unix.Open(c.path, unix.O_RDWR|unix.O_CREAT, 0600)
	if err != nil {
		return &channel.Error{Op: "attach", Err: errors.Wrapf(err, "open %s", c.path)}
	}

	if err := unix.Ftruncate(fd, regionSize); err != nil {
		unix.Close(fd)
		return &channel.Error{Op: "attach", Err: errors.Wrap(err, "ftruncate")}
	}

	region, err := unix.Mmap(fd, 0, regionSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return &channel.Error{Op: "attach", Err: errors.Wrap(err, "mmap")}
	}

	c.fd = fd
	c.region = region
	c.attached = true
	c.paused = true // a freshly attached VM is paused until Resume is called.
	c.logger().WithField("vm", name).Info("attached")
	return nil
}

// Detach unmaps and closes the shared region. Idempotent.
func (c *ShmChannel) Detach(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.attached {
		return nil
	}

	if c.region != nil {
		if err := unix.Munmap(c.region); err != nil {
			c.logger().WithError(err).Warn("munmap failed during detach")
		}
		c.region = nil
	}
	if c.fd >= 0 {
		unix.Close(c.fd)
		c.fd = -1
	}
	c.attached = false
	c.logger().Info("detached")
	return nil
}

func (c *ShmChannel) requireAttached() error {
	if !c.attached {
		return &channel.Error{Op: "channel", Err: errors.New("not attached")}
	}
	return nil
}

// Pause halts all guest vCPUs. After it returns successfully no guest
// progress occurs until Resume, StepOnce, or a run-until-event loop acts.
func (c *ShmChannel) Pause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireAttached(); err != nil {
		return err
	}
	c.paused = true
	return nil
}

// Resume lets the guest run until the next breakpoint, single-step, or fault.
func (c *ShmChannel) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireAttached(); err != nil {
		return err
	}
	c.paused = false
	return nil
}

// StepOnce marks the channel paused. The shared-memory stand-in has no vCPU
// to advance, so no instruction is retired and no single-step event is
// produced.
func (c *ShmChannel) StepOnce(ctx context.Context, vcpu int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireAttached(); err != nil {
		return err
	}
	c.paused = true
	return nil
}

// ReadRegister/WriteRegister operate on a per-vCPU register file kept in the
// mapped region, offset by vcpu so multiple vCPUs don't collide.
func (c *ShmChannel) registerOffset(vcpu int, reg channel.Register) int {
	const regsPerVCPU = 32
	return (vcpu%64)*regsPerVCPU*8 + int(reg)*8
}

func (c *ShmChannel) ReadRegister(ctx context.Context, vcpu int, reg channel.Register) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireAttached(); err != nil {
		return 0, err
	}
	off := c.registerOffset(vcpu, reg)
	if off+8 > len(c.region) {
		return 0, &channel.Error{Op: "read_register", Err: errors.New("register offset out of range")}
	}
	return binary.LittleEndian.Uint64(c.region[off : off+8]), nil
}

func (c *ShmChannel) WriteRegister(ctx context.Context, vcpu int, reg channel.Register, value uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireAttached(); err != nil {
		return err
	}
	off := c.registerOffset(vcpu, reg)
	if off+8 > len(c.region) {
		return &channel.Error{Op: "write_register", Err: errors.New("register offset out of range")}
	}
	binary.LittleEndian.PutUint64(c.region[off:off+8], value)
	return nil
}

// ReadMSR/WriteMSR keep no MSR state: ReadMSR always reports 0 and
// WriteMSR discards its value. Real FDP drivers proxy directly to the
// hypervisor's MSR emulation, which this shared-memory stand-in cannot do.
func (c *ShmChannel) ReadMSR(ctx context.Context, vcpu int, msr uint32) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireAttached(); err != nil {
		return 0, err
	}
	return 0, nil
}

func (c *ShmChannel) WriteMSR(ctx context.Context, vcpu int, msr uint32, value uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requireAttached()
}

// ReadPhysical reads length bytes of guest physical memory via the mapped
// region's "physical memory window" — in the real FDP this walks the
// hypervisor's own page tables; here the mapped region itself stands in for
// guest physical memory for the portion that fits.
func (c *ShmChannel) ReadPhysical(ctx context.Context, phys uint64, length int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireAttached(); err != nil {
		return nil, err
	}
	if length < 0 || phys > uint64(len(c.region)) || int(phys)+length > len(c.region) {
		return nil, &channel.Error{Op: "read_physical", Address: phys, Err: errors.New("out of mapped range")}
	}
	out := make([]byte, length)
	copy(out, c.region[phys:int(phys)+length])
	return out, nil
}

func (c *ShmChannel) WritePhysical(ctx context.Context, phys uint64, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireAttached(); err != nil {
		return err
	}
	if int(phys)+len(data) > len(c.region) {
		return &channel.Error{Op: "write_physical", Address: phys, Err: errors.New("out of mapped range")}
	}
	copy(c.region[phys:int(phys)+len(data)], data)
	return nil
}

// ReadVirtual is a convenience operation: translate then delegate to
// ReadPhysical. Translation itself belongs to pkg/memreader;
// the channel only performs the final physical read once the caller (or
// memreader) has resolved an address. Here we implement the identity
// translation (directoryTable ignored) since the in-process shm channel has
// no guest page tables of its own — production FDP backends proxy the
// hypervisor's own translate-then-read.
func (c *ShmChannel) ReadVirtual(ctx context.Context, directoryTable uint64, virt uint64, length int) ([]byte, error) {
	return c.ReadPhysical(ctx, virt, length)
}

func (c *ShmChannel) WriteVirtual(ctx context.Context, directoryTable uint64, virt uint64, data []byte) error {
	return c.WritePhysical(ctx, virt, data)
}

// AddBreakpoint installs a breakpoint at phys. For SoftExec it saves the
// original byte and overwrites it with 0xCC so RemoveBreakpoint can restore
// the exact original content, satisfying the round-trip invariant.
func (c *ShmChannel) AddBreakpoint(ctx context.Context, phys uint64, kind channel.BreakpointKind) (channel.BreakpointID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireAttached(); err != nil {
		return 0, err
	}

	id := c.nextBpID
	c.nextBpID++

	saved := savedBreakpoint{phys: phys, kind: kind}
	if kind == channel.SoftExec {
		if int(phys) >= len(c.region) {
			return 0, &channel.Error{Op: "add_breakpoint", Address: phys, Err: errors.New("out of mapped range")}
		}
		saved.original = c.region[phys]
		c.region[phys] = 0xCC
	}
	c.savedBytes[id] = saved

	c.logger().WithFields(logrus.Fields{"id": id, "phys": phys, "kind": kind.String()}).Debug("breakpoint installed")
	return id, nil
}

// RemoveBreakpoint restores the original byte and forgets the slot.
func (c *ShmChannel) RemoveBreakpoint(ctx context.Context, id channel.BreakpointID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireAttached(); err != nil {
		return err
	}

	saved, ok := c.savedBytes[id]
	if !ok {
		return &channel.Error{Op: "remove_breakpoint", Err: errors.Errorf("unknown breakpoint id %d", id)}
	}
	if saved.kind == channel.SoftExec && int(saved.phys) < len(c.region) {
		c.region[saved.phys] = saved.original
	}
	delete(c.savedBytes, id)
	return nil
}

// WaitForEvent blocks until an event is available or timeout elapses. The
// shm transport has no independent event source of its own (it models the
// synchronous control surface only), so this returns a Timeout event once
// timeout elapses, or ctx's error if ctx ends first.
func (c *ShmChannel) WaitForEvent(ctx context.Context, timeout time.Duration) (channel.Event, error) {
	select {
	case <-ctx.Done():
		return channel.Event{}, ctx.Err()
	case <-time.After(timeout):
		return channel.Event{Kind: channel.EventTimeout}, nil
	}
}

var _ channel.Channel = (*ShmChannel)(nil)

// Copyright (c) 2024 Icebox Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/htesiege/icebox/pkg/channel"
)

// mockChannel is a minimal in-memory channel.Channel for exercising the
// State lifecycle and breakpoint registry without a real transport.
type mockChannel struct {
	attached bool
	mem      map[uint64]byte
	nextBPID channel.BreakpointID
	saved    map[channel.BreakpointID]struct {
		phys uint64
		orig byte
	}

	events []channel.Event
}

func newMockChannel() *mockChannel {
	return &mockChannel{
		mem: make(map[uint64]byte),
		saved: make(map[channel.BreakpointID]struct {
			phys uint64
			orig byte
		}),
	}
}

func (m *mockChannel) queueEvent(ev channel.Event) { m.events = append(m.events, ev) }

func (m *mockChannel) Attach(ctx context.Context, name string) error { m.attached = true; return nil }
func (m *mockChannel) Detach(ctx context.Context) error              { m.attached = false; return nil }
func (m *mockChannel) Pause(ctx context.Context) error               { return nil }
func (m *mockChannel) Resume(ctx context.Context) error              { return nil }
func (m *mockChannel) StepOnce(ctx context.Context, vcpu int) error  { return nil }

func (m *mockChannel) ReadRegister(ctx context.Context, vcpu int, reg channel.Register) (uint64, error) {
	return 0, nil
}
func (m *mockChannel) WriteRegister(ctx context.Context, vcpu int, reg channel.Register, value uint64) error {
	return nil
}
func (m *mockChannel) ReadMSR(ctx context.Context, vcpu int, msr uint32) (uint64, error) { return 0, nil }
func (m *mockChannel) WriteMSR(ctx context.Context, vcpu int, msr uint32, value uint64) error {
	return nil
}

func (m *mockChannel) ReadPhysical(ctx context.Context, phys uint64, length int) ([]byte, error) {
	out := make([]byte, length)
	for i := 0; i < length; i++ {
		out[i] = m.mem[phys+uint64(i)]
	}
	return out, nil
}
func (m *mockChannel) WritePhysical(ctx context.Context, phys uint64, data []byte) error {
	for i, b := range data {
		m.mem[phys+uint64(i)] = b
	}
	return nil
}
func (m *mockChannel) ReadVirtual(ctx context.Context, dt, virt uint64, length int) ([]byte, error) {
	return m.ReadPhysical(ctx, virt, length)
}
func (m *mockChannel) WriteVirtual(ctx context.Context, dt, virt uint64, data []byte) error {
	return m.WritePhysical(ctx, virt, data)
}

func (m *mockChannel) AddBreakpoint(ctx context.Context, phys uint64, kind channel.BreakpointKind) (channel.BreakpointID, error) {
	id := m.nextBPID
	m.nextBPID++
	if kind == channel.SoftExec {
		m.saved[id] = struct {
			phys uint64
			orig byte
		}{phys: phys, orig: m.mem[phys]}
		m.mem[phys] = 0xCC
	}
	return id, nil
}
func (m *mockChannel) RemoveBreakpoint(ctx context.Context, id channel.BreakpointID) error {
	s, ok := m.saved[id]
	if !ok {
		return &channel.Error{Op: "remove_breakpoint"}
	}
	m.mem[s.phys] = s.orig
	delete(m.saved, id)
	return nil
}

func (m *mockChannel) WaitForEvent(ctx context.Context, timeout time.Duration) (channel.Event, error) {
	if len(m.events) == 0 {
		return channel.Event{Kind: channel.EventTimeout}, nil
	}
	ev := m.events[0]
	m.events = m.events[1:]
	return ev, nil
}

func TestStateLifecycle(t *testing.T) {
	ch := newMockChannel()
	s := New(ch)
	ctx := context.Background()

	assert.Equal(t, Detached, s.Current())
	require.NoError(t, s.Attach(ctx, "vm"))
	assert.Equal(t, Paused, s.Current())

	require.Error(t, s.Attach(ctx, "vm"), "double attach from Paused is an invalid transition")

	require.NoError(t, s.Resume(ctx))
	assert.Equal(t, Running, s.Current())

	require.NoError(t, s.Detach(ctx))
	assert.Equal(t, Detached, s.Current())
}

func TestBreakpointSharedSlotAndOneShot(t *testing.T) {
	ch := newMockChannel()
	s := New(ch)
	ctx := context.Background()
	require.NoError(t, s.Attach(ctx, "vm"))

	const phys = 0x1000
	var fired1, fired2 int

	h1, err := s.Registry().Add(ctx, phys, channel.SoftExec, nil, false, func(ctx context.Context, ev channel.Event) Action {
		fired1++
		return Continue
	})
	require.NoError(t, err)

	h2, err := s.Registry().Add(ctx, phys, channel.SoftExec, nil, true, func(ctx context.Context, ev channel.Event) Action {
		fired2++
		return Continue
	})
	require.NoError(t, err)

	ch.queueEvent(channel.Event{Kind: channel.EventBreakpointHit, PhysAddr: phys})
	_, err = s.RunUntil(ctx, func(ev channel.Event) bool { return true }, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, fired1)
	assert.Equal(t, 1, fired2)

	// one-shot h2 was consumed; removing it again is an unknown-id error.
	assert.ErrorIs(t, h2.Close(ctx), ErrUnknownBreakpoint)

	require.NoError(t, h1.Close(ctx))

	// shared slot byte restored only after the last logical holder drops.
	assert.Equal(t, byte(0), ch.mem[phys])
}

func TestInstallConflict(t *testing.T) {
	ch := newMockChannel()
	s := New(ch)
	ctx := context.Background()
	require.NoError(t, s.Attach(ctx, "vm"))

	_, err := s.Registry().Add(ctx, 0x2000, channel.SoftExec, nil, false, func(context.Context, channel.Event) Action { return Continue })
	require.NoError(t, err)

	_, err = s.Registry().Add(ctx, 0x2000, channel.HardExec, nil, false, func(context.Context, channel.Event) Action { return Continue })
	assert.ErrorIs(t, err, ErrInstallConflict)
}

func TestThreadFilterSkipsNonMatchingThread(t *testing.T) {
	ch := newMockChannel()
	s := New(ch)
	ctx := context.Background()
	require.NoError(t, s.Attach(ctx, "vm"))

	const phys = 0x3000
	wantThread := uint64(42)
	var fired int
	_, err := s.Registry().Add(ctx, phys, channel.SoftExec, &wantThread, false, func(context.Context, channel.Event) Action {
		fired++
		return Stop
	})
	require.NoError(t, err)

	ch.queueEvent(channel.Event{Kind: channel.EventBreakpointHit, PhysAddr: phys})
	resolver := func(ctx context.Context, ev channel.Event) (uint64, error) { return 7, nil }
	_, err = s.RunUntil(ctx, func(ev channel.Event) bool { return false }, resolver)
	require.NoError(t, err)
	assert.Equal(t, 0, fired, "thread filter excludes thread 7 when watching for 42")
}

func TestDetachRemovesAllBreakpoints(t *testing.T) {
	ch := newMockChannel()
	s := New(ch)
	ctx := context.Background()
	require.NoError(t, s.Attach(ctx, "vm"))

	_, err := s.Registry().Add(ctx, 0x4000, channel.SoftExec, nil, false, func(context.Context, channel.Event) Action { return Continue })
	require.NoError(t, err)

	require.NoError(t, s.Detach(ctx))
	assert.Empty(t, ch.saved, "no breakpoint byte should remain overwritten after detach")
}

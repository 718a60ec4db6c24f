// Copyright (c) 2024 Icebox Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package osmodel

import (
	"context"

	"github.com/htesiege/icebox/pkg/channel"
)

// CallingConvention abstracts x64 argument passing and return-address
// lookup for the two ABIs Icebox targets: Windows x64 (RCX, RDX, R8, R9,
// then stack) and System V AMD64 (RDI, RSI, RDX, RCX, R8, R9, then stack).
type CallingConvention struct {
	registers []channel.Register
	// shadowSpace is the fixed block of stack space a caller reserves
	// below its stack-passed arguments before calling, which the callee's
	// stack-argument addressing must skip past. Win64 mandates 32 bytes
	// for the callee to spill its register arguments into, even when the
	// callee never uses them; SysV has no such requirement.
	shadowSpace uint64
}

// WindowsX64 is the Microsoft x64 calling convention.
var WindowsX64 = CallingConvention{
	registers:   []channel.Register{channel.RCX, channel.RDX, channel.R8, channel.R9},
	shadowSpace: 0x20,
}

// SysVAMD64 is the System V AMD64 ABI used by Linux.
var SysVAMD64 = CallingConvention{
	registers: []channel.Register{channel.RDI, channel.RSI, channel.RDX, channel.RCX, channel.R8, channel.R9},
}

// ReadArg reads the n'th (zero-based) argument at a breakpoint hit on
// vcpu. Arguments beyond the register set spill onto the stack at
// increasing offsets above the return address, past the ABI's shadow
// space.
func (c CallingConvention) ReadArg(ctx context.Context, ch channel.Channel, vcpu int, dt uint64, n int) (uint64, error) {
	if n < len(c.registers) {
		return ch.ReadRegister(ctx, vcpu, c.registers[n])
	}

	rsp, err := ch.ReadRegister(ctx, vcpu, channel.RSP)
	if err != nil {
		return 0, err
	}
	// Return address occupies the first 8 bytes above RSP at function
	// entry; the shadow space (if any) and stack-passed arguments follow.
	stackIdx := uint64(n - len(c.registers))
	addr := rsp + 8 + c.shadowSpace + stackIdx*8
	buf, err := ch.ReadVirtual(ctx, dt, addr, 8)
	if err != nil {
		return 0, err
	}
	return leUint64(buf), nil
}

// WriteArg rewrites the n'th argument, used by plugins that rewrite
// arguments before the callee runs.
func (c CallingConvention) WriteArg(ctx context.Context, ch channel.Channel, vcpu int, dt uint64, n int, value uint64) error {
	if n < len(c.registers) {
		return ch.WriteRegister(ctx, vcpu, c.registers[n], value)
	}

	rsp, err := ch.ReadRegister(ctx, vcpu, channel.RSP)
	if err != nil {
		return err
	}
	stackIdx := uint64(n - len(c.registers))
	addr := rsp + 8 + c.shadowSpace + stackIdx*8
	buf := leBytes64(value)
	return ch.WriteVirtual(ctx, dt, addr, buf)
}

// ReturnAddress reads the return address pushed at function entry, i.e.
// the stack slot at RSP.
func (c CallingConvention) ReturnAddress(ctx context.Context, ch channel.Channel, vcpu int, dt uint64) (uint64, error) {
	rsp, err := ch.ReadRegister(ctx, vcpu, channel.RSP)
	if err != nil {
		return 0, err
	}
	buf, err := ch.ReadVirtual(ctx, dt, rsp, 8)
	if err != nil {
		return 0, err
	}
	return leUint64(buf), nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func leBytes64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

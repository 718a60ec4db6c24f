// Copyright (c) 2024 Icebox Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package fdp

import (
	"context"
	"encoding/gob"
	"io"
	"net"
	"sync"
	"time"

	"github.com/mdlayher/vsock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/htesiege/icebox/internal/icelog"
	"github.com/htesiege/icebox/pkg/channel"
)

var vsockLog = icelog.New("channel/fdp/vsock")

// vsockRequest/vsockResponse frame the Channel RPCs over a single
// AF_VSOCK stream, gob-encoded for simplicity — the hypervisors that expose
// FDP over vsock (rather than shared memory) terminate the connection on
// their own control-plane process, which Icebox treats as an opaque peer.
type vsockRequest struct {
	Op             string
	VCPU           int
	Reg            channel.Register
	MSR            uint32
	Phys           uint64
	DirectoryTable uint64
	Virt           uint64
	Length         int
	Data           []byte
	Value          uint64
	Kind           channel.BreakpointKind
	BPID           channel.BreakpointID
	TimeoutMillis  int64
}

type vsockResponse struct {
	Err   string
	Value uint64
	Data  []byte
	BPID  channel.BreakpointID
	Event channel.Event
}

// VsockChannel is a channel.Channel that speaks the same logical protocol as
// ShmChannel but over an AF_VSOCK stream instead of a mapped region — for
// hypervisors whose debug surface is only reachable as a VM socket peer.
type VsockChannel struct {
	mu sync.Mutex

	contextID uint32
	port      uint32

	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder

	log *logrus.Entry
}

// NewVsock returns a VsockChannel that will dial (contextID, port) on Attach.
func NewVsock(contextID, port uint32) *VsockChannel {
	return &VsockChannel{
		contextID: contextID,
		port:      port,
		log:       vsockLog,
	}
}

func (c *VsockChannel) Attach(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	conn, err := vsock.Dial(c.contextID, c.port, nil)
	if err != nil {
		return &channel.Error{Op: "attach", Err: errors.Wrapf(err, "vsock dial cid=%d port=%d", c.contextID, c.port)}
	}

	c.conn = conn
	c.enc = gob.NewEncoder(conn)
	c.dec = gob.NewDecoder(conn)
	c.log.WithFields(logrus.Fields{"vm": name, "cid": c.contextID, "port": c.port}).Info("attached over vsock")
	return nil
}

func (c *VsockChannel) Detach(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.enc = nil
	c.dec = nil
	return err
}

// call performs one synchronous request/response round trip. Exactly one
// request is ever in flight, matching the single-outstanding-request model
// every Channel implementation must provide.
func (c *VsockChannel) call(req vsockRequest) (vsockResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return vsockResponse{}, &channel.Error{Op: req.Op, Err: errors.New("not attached")}
	}

	if err := c.enc.Encode(&req); err != nil {
		return vsockResponse{}, &channel.Error{Op: req.Op, Err: errors.Wrap(err, "encode request")}
	}

	var resp vsockResponse
	if err := c.dec.Decode(&resp); err != nil {
		if err == io.EOF {
			return vsockResponse{}, &channel.Error{Op: req.Op, Err: errors.New("peer closed connection")}
		}
		return vsockResponse{}, &channel.Error{Op: req.Op, Err: errors.Wrap(err, "decode response")}
	}
	if resp.Err != "" {
		return vsockResponse{}, &channel.Error{Op: req.Op, Address: req.Phys, Err: errors.New(resp.Err)}
	}
	return resp, nil
}

func (c *VsockChannel) Pause(ctx context.Context) error {
	_, err := c.call(vsockRequest{Op: "pause"})
	return err
}

func (c *VsockChannel) Resume(ctx context.Context) error {
	_, err := c.call(vsockRequest{Op: "resume"})
	return err
}

func (c *VsockChannel) StepOnce(ctx context.Context, vcpu int) error {
	_, err := c.call(vsockRequest{Op: "step_once", VCPU: vcpu})
	return err
}

func (c *VsockChannel) ReadRegister(ctx context.Context, vcpu int, reg channel.Register) (uint64, error) {
	resp, err := c.call(vsockRequest{Op: "read_register", VCPU: vcpu, Reg: reg})
	return resp.Value, err
}

func (c *VsockChannel) WriteRegister(ctx context.Context, vcpu int, reg channel.Register, value uint64) error {
	_, err := c.call(vsockRequest{Op: "write_register", VCPU: vcpu, Reg: reg, Value: value})
	return err
}

func (c *VsockChannel) ReadMSR(ctx context.Context, vcpu int, msr uint32) (uint64, error) {
	resp, err := c.call(vsockRequest{Op: "read_msr", VCPU: vcpu, MSR: msr})
	return resp.Value, err
}

func (c *VsockChannel) WriteMSR(ctx context.Context, vcpu int, msr uint32, value uint64) error {
	_, err := c.call(vsockRequest{Op: "write_msr", VCPU: vcpu, MSR: msr, Value: value})
	return err
}

func (c *VsockChannel) ReadPhysical(ctx context.Context, phys uint64, length int) ([]byte, error) {
	resp, err := c.call(vsockRequest{Op: "read_physical", Phys: phys, Length: length})
	return resp.Data, err
}

func (c *VsockChannel) WritePhysical(ctx context.Context, phys uint64, data []byte) error {
	_, err := c.call(vsockRequest{Op: "write_physical", Phys: phys, Data: data})
	return err
}

func (c *VsockChannel) ReadVirtual(ctx context.Context, directoryTable uint64, virt uint64, length int) ([]byte, error) {
	resp, err := c.call(vsockRequest{Op: "read_virtual", DirectoryTable: directoryTable, Virt: virt, Length: length})
	return resp.Data, err
}

func (c *VsockChannel) WriteVirtual(ctx context.Context, directoryTable uint64, virt uint64, data []byte) error {
	_, err := c.call(vsockRequest{Op: "write_virtual", DirectoryTable: directoryTable, Virt: virt, Data: data})
	return err
}

func (c *VsockChannel) AddBreakpoint(ctx context.Context, phys uint64, kind channel.BreakpointKind) (channel.BreakpointID, error) {
	resp, err := c.call(vsockRequest{Op: "add_breakpoint", Phys: phys, Kind: kind})
	return resp.BPID, err
}

func (c *VsockChannel) RemoveBreakpoint(ctx context.Context, id channel.BreakpointID) error {
	_, err := c.call(vsockRequest{Op: "remove_breakpoint", BPID: id})
	return err
}

func (c *VsockChannel) WaitForEvent(ctx context.Context, timeout time.Duration) (channel.Event, error) {
	resp, err := c.call(vsockRequest{Op: "wait_for_event", TimeoutMillis: timeout.Milliseconds()})
	if err != nil {
		return channel.Event{}, err
	}
	return resp.Event, nil
}

var _ channel.Channel = (*VsockChannel)(nil)

// Copyright (c) 2024 Icebox Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/htesiege/icebox/pkg/channel"
	"github.com/htesiege/icebox/pkg/osmodel"
	"github.com/htesiege/icebox/pkg/state"
	"github.com/htesiege/icebox/pkg/tracer"
)

// Exit codes: 0 clean detach, 1 attach failure, 2 protocol error, 3 user
// interrupt.
const (
	exitClean         = 0
	exitAttachFailure = 1
	exitProtocolError = 2
	exitUserInterrupt = 3
)

// session holds the one attached VM a running iceboxctl process drives.
// Every command operates against it; there is exactly one per process,
// passed explicitly to each command rather than held as a package-level
// singleton.
type session struct {
	vmName  string
	ch      channel.Channel
	st      *state.State
	backend osmodel.Backend
	osKind  osmodel.Kind
	tr      *tracer.Tracer // lazily created on first "trace" command

	breakpoints map[string]*state.Handle // keyed by the address string the user typed

	// exitCode tracks the worst outcome seen so far; the top-level loop
	// reports it as the process exit code when the session ends.
	exitCode int
	// done is set by a clean "detach" or by the interrupt handler to end
	// the REPL loop; the process then exits with exitCode.
	done bool
}

func newSession(ch channel.Channel, kind osmodel.Kind) *session {
	return &session{
		ch:          ch,
		osKind:      kind,
		breakpoints: make(map[string]*state.Handle),
		exitCode:    exitClean,
	}
}

func (s *session) raise(code int) {
	if code > s.exitCode {
		s.exitCode = code
	}
}

func (s *session) attached() bool { return s.st != nil && s.st.Current() != state.Detached }

func (s *session) requireAttached() error {
	if !s.attached() {
		return fmt.Errorf("not attached; run 'attach <vm>' first")
	}
	return nil
}

func (s *session) doAttach(ctx context.Context, vm string) error {
	if s.attached() {
		return fmt.Errorf("already attached to %q; detach first", s.vmName)
	}
	st := state.New(s.ch)
	if err := st.Attach(ctx, vm); err != nil {
		return err
	}
	backend, err := osmodel.NewBackend(s.osKind, st, s.ch)
	if err != nil {
		_ = st.Detach(ctx)
		return err
	}
	if err := backend.Discover(ctx); err != nil {
		// Discovery failure leaves the
		// channel attached but the OS model unusable; surface it as a
		// protocol-layer problem rather than tearing the channel back down,
		// since the operator may still want raw breakpoint/process-channel
		// access without OS-aware enumeration.
		s.st = st
		s.backend = backend
		s.vmName = vm
		return fmt.Errorf("OS model discovery failed: %w", err)
	}
	s.st = st
	s.backend = backend
	s.vmName = vm
	return nil
}

func (s *session) doDetach(ctx context.Context) error {
	if !s.attached() {
		return nil
	}
	err := s.st.Detach(ctx)
	s.st = nil
	s.backend = nil
	s.tr = nil
	s.breakpoints = make(map[string]*state.Handle)
	return err
}

// parseAddr accepts both "0x"-prefixed hex and plain decimal, matching how
// an operator would type a physical address at a prompt.
func parseAddr(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	base := 10
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		raw = raw[2:]
		base = 16
	}
	return strconv.ParseUint(raw, base, 64)
}

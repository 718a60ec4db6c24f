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

	"github.com/urfave/cli"

	"github.com/htesiege/icebox/pkg/channel"
	"github.com/htesiege/icebox/pkg/osmodel"
	"github.com/htesiege/icebox/pkg/state"
	"github.com/htesiege/icebox/pkg/tracer"
)

// newCommands returns the command table for the CLI surface: attach,
// processes, threads, modules, break, continue, step, trace, detach. Each
// Action closes over sess so a single long-lived process can replay it
// once per REPL line.
func newCommands(sess *session) []cli.Command {
	return []cli.Command{
		{
			Name:      "attach",
			Usage:     "attach to a VM by name",
			ArgsUsage: "<vm>",
			Action: func(c *cli.Context) error {
				if c.NArg() != 1 {
					return fmt.Errorf("usage: attach <vm>")
				}
				if err := sess.doAttach(context.Background(), c.Args().First()); err != nil {
					sess.raise(exitAttachFailure)
					return err
				}
				fmt.Fprintf(c.App.Writer, "attached to %s\n", sess.vmName)
				return nil
			},
		},
		{
			Name:  "processes",
			Usage: "enumerate guest processes",
			Action: func(c *cli.Context) error {
				if err := sess.requireAttached(); err != nil {
					return err
				}
				procs, err := sess.backend.Processes(context.Background())
				if err != nil {
					sess.raise(exitProtocolError)
					return err
				}
				for _, p := range procs {
					fmt.Fprintf(c.App.Writer, "%-8d %-20s parent=%-8d dt=0x%x kernel=%v 64bit=%v\n",
						p.ID, p.Name, p.ParentID, p.DirectoryTable, p.IsKernel, p.Is64Bit)
				}
				return nil
			},
		},
		{
			Name:  "threads",
			Usage: "resolve the currently executing thread on vcpu 0",
			Action: func(c *cli.Context) error {
				if err := sess.requireAttached(); err != nil {
					return err
				}
				tid, pid, err := sess.backend.CurrentThread(context.Background(), 0)
				if err != nil {
					sess.raise(exitProtocolError)
					return err
				}
				fmt.Fprintf(c.App.Writer, "thread=%d process=%d\n", tid, pid)
				return nil
			},
		},
		{
			Name:      "modules",
			Usage:     "enumerate loaded modules for a process",
			ArgsUsage: "<pid>",
			Action: func(c *cli.Context) error {
				if err := sess.requireAttached(); err != nil {
					return err
				}
				if c.NArg() != 1 {
					return fmt.Errorf("usage: modules <pid>")
				}
				pid, err := strconv.ParseUint(c.Args().First(), 10, 64)
				if err != nil {
					return err
				}
				mods, err := sess.backend.Modules(context.Background(), osmodel.ProcId(pid))
				if err != nil {
					sess.raise(exitProtocolError)
					return err
				}
				for _, m := range mods {
					fmt.Fprintf(c.App.Writer, "%-24s base=0x%x size=0x%x\n", m.Name, m.Base, m.Size)
				}
				return nil
			},
		},
		{
			Name:      "break",
			Usage:     "install a raw physical-address breakpoint",
			ArgsUsage: "<addr>",
			Action: func(c *cli.Context) error {
				if err := sess.requireAttached(); err != nil {
					return err
				}
				if c.NArg() != 1 {
					return fmt.Errorf("usage: break <addr>")
				}
				raw := c.Args().First()
				addr, err := parseAddr(raw)
				if err != nil {
					return err
				}
				if _, exists := sess.breakpoints[raw]; exists {
					return fmt.Errorf("breakpoint already installed at %s", raw)
				}
				handle, err := sess.st.Registry().Add(context.Background(), addr, channel.SoftExec, nil, false,
					func(cbCtx context.Context, ev channel.Event) state.Action {
						fmt.Fprintf(c.App.Writer, "breakpoint hit at 0x%x\n", ev.PhysAddr)
						return state.Continue
					})
				if err != nil {
					sess.raise(exitProtocolError)
					return err
				}
				sess.breakpoints[raw] = handle
				fmt.Fprintf(c.App.Writer, "breakpoint installed at %s\n", raw)
				return nil
			},
		},
		{
			Name:  "continue",
			Usage: "resume the guest and run until the next event",
			Action: func(c *cli.Context) error {
				if err := sess.requireAttached(); err != nil {
					return err
				}
				ev, err := sess.st.RunUntil(context.Background(), func(channel.Event) bool { return true }, nil)
				if err != nil {
					sess.raise(exitProtocolError)
					return err
				}
				fmt.Fprintf(c.App.Writer, "stopped: %s\n", describeEvent(ev))
				return nil
			},
		},
		{
			Name:  "step",
			Usage: "single-step vcpu 0",
			Action: func(c *cli.Context) error {
				if err := sess.requireAttached(); err != nil {
					return err
				}
				if err := sess.st.StepOnce(context.Background(), 0); err != nil {
					sess.raise(exitProtocolError)
					return err
				}
				fmt.Fprintln(c.App.Writer, "stepped")
				return nil
			},
		},
		{
			Name:      "trace",
			Usage:     "install a function entry/return trace in one process",
			ArgsUsage: "<module!symbol> <pid>",
			Action: func(c *cli.Context) error {
				if err := sess.requireAttached(); err != nil {
					return err
				}
				if c.NArg() != 2 {
					return fmt.Errorf("usage: trace <module!symbol> <pid>")
				}
				module, symbol, ok := strings.Cut(c.Args().Get(0), "!")
				if !ok {
					return fmt.Errorf("expected module!symbol, got %q", c.Args().Get(0))
				}
				pid, err := strconv.ParseUint(c.Args().Get(1), 10, 64)
				if err != nil {
					return err
				}

				procs, err := sess.backend.Processes(context.Background())
				if err != nil {
					sess.raise(exitProtocolError)
					return err
				}
				var target *osmodel.Process
				for i := range procs {
					if uint64(procs[i].ID) == pid {
						target = &procs[i]
						break
					}
				}
				if target == nil {
					return fmt.Errorf("no process with pid %d (run 'processes' first)", pid)
				}

				if sess.tr == nil {
					sess.tr = tracer.New(sess.st, sess.ch, sess.backend)
				}
				entry := tracer.Entry{Module: module, Name: symbol}
				writer := c.App.Writer
				handle, err := sess.tr.Register(context.Background(), entry, module+"!"+symbol, *target, 0,
					func(ctx context.Context, hit tracer.Hit) bool {
						fmt.Fprintf(writer, "trace hit: %s!%s thread=%d\n", hit.Entry.Module, hit.Entry.Name, hit.ThreadID)
						return true
					},
					func(ctx context.Context, hit tracer.ReturnHit) {
						fmt.Fprintf(writer, "trace return: %s!%s ret=0x%x\n", hit.Entry.Module, hit.Entry.Name, hit.ReturnValue)
					})
				if err != nil {
					sess.raise(exitProtocolError)
					return err
				}
				sess.breakpoints["trace:"+module+"!"+symbol] = handle
				fmt.Fprintf(c.App.Writer, "tracing %s!%s in pid %d\n", module, symbol, pid)
				return nil
			},
		},
		{
			Name:  "detach",
			Usage: "detach from the VM and end the session cleanly",
			Action: func(c *cli.Context) error {
				if err := sess.doDetach(context.Background()); err != nil {
					sess.raise(exitProtocolError)
					return err
				}
				fmt.Fprintln(c.App.Writer, "detached")
				sess.done = true
				return nil
			},
		},
	}
}

func describeEvent(ev channel.Event) string {
	switch ev.Kind {
	case channel.EventBreakpointHit:
		return fmt.Sprintf("breakpoint at 0x%x", ev.PhysAddr)
	case channel.EventTimeout:
		return "timeout"
	case channel.EventCrash:
		return "crash"
	default:
		return fmt.Sprintf("kind=%d", ev.Kind)
	}
}

// Copyright (c) 2024 Icebox Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Command iceboxctl is the CLI surface: attach, processes, threads,
// modules, break, continue, step, trace, detach, exposed as a small REPL
// over a single attached channel/state/backend session. It follows the
// same cli package structure common to Go introspection tooling (one
// urfave/cli.Command per verb, each closing over one shared session value
// in place of package globals), adapted from a one-shot invocation style to a long-lived
// debugger-style session, since a VMI operator attaches once and issues
// many commands against the same paused guest rather than re-attaching
// per command.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/htesiege/icebox/internal/iceconfig"
	"github.com/htesiege/icebox/internal/icelog"
	"github.com/htesiege/icebox/pkg/channel"
	"github.com/htesiege/icebox/pkg/channel/fdp"
	"github.com/htesiege/icebox/pkg/osmodel"
)

var mainLog = icelog.New("iceboxctl")

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout))
}

// run drives the REPL and returns the process exit code, kept separate
// from main so the control flow is testable without os.Exit.
func run(args []string, in *os.File, out *os.File) int {
	var configPath string
	var osKindFlag string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-config", "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "-os", "--os":
			if i+1 < len(args) {
				osKindFlag = args[i+1]
				i++
			}
		}
	}

	cfg, err := iceconfig.Load(configPath)
	if err != nil {
		mainLog.WithError(err).Error("failed to load configuration")
		return exitAttachFailure
	}

	ch, err := buildChannel(cfg.Channel)
	if err != nil {
		mainLog.WithError(err).Error("failed to construct channel transport")
		return exitAttachFailure
	}

	kind := osmodel.NT
	if osKindFlag == "linux" {
		kind = osmodel.Linux
	}

	sess := newSession(ch, kind)
	app := newApp(sess, out)

	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, syscall.SIGINT)
	go func() {
		<-interrupted
		mainLog.Warn("interrupt received; detaching")
		_ = sess.doDetach(context.Background())
		sess.raise(exitUserInterrupt)
		sess.done = true
	}()

	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "icebox> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Fprint(out, "icebox> ")
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		fields, ferr := splitFields(line)
		if ferr != nil {
			fmt.Fprintln(out, ferr)
			fmt.Fprint(out, "icebox> ")
			continue
		}

		cliArgs := append([]string{"iceboxctl"}, fields...)
		if err := app.Run(cliArgs); err != nil {
			fmt.Fprintln(out, "error:", err)
		}

		if sess.done {
			break
		}
		fmt.Fprint(out, "icebox> ")
	}

	if sess.attached() {
		_ = sess.doDetach(context.Background())
	}

	return sess.exitCode
}

func newApp(sess *session, out *os.File) *cli.App {
	app := cli.NewApp()
	app.Name = "iceboxctl"
	app.Usage = "attach to and drive a paused guest through the introspection kernel"
	app.Writer = out
	app.Commands = newCommands(sess)
	app.CommandNotFound = func(c *cli.Context, name string) {
		fmt.Fprintf(out, "unknown command %q\n", name)
	}
	return app
}

// splitFields is a minimal whitespace tokenizer with double-quote support,
// enough for addresses, module!symbol pairs, and VM names typed at the
// prompt; it is not a full shell-word parser.
func splitFields(line string) ([]string, error) {
	var fields []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range line {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case r == ' ' && !inQuotes:
			if cur.Len() > 0 {
				fields = append(fields, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("unterminated quote in %q", line)
	}
	if cur.Len() > 0 {
		fields = append(fields, cur.String())
	}
	return fields, nil
}

// buildChannel selects a Channel transport from configuration via a small
// factory switch on a config-selected type string.
func buildChannel(cfg iceconfig.ChannelConfig) (channel.Channel, error) {
	switch cfg.Transport {
	case "", "shm":
		path := cfg.Path
		if path == "" {
			path = "/tmp/icebox.fdp"
		}
		return fdp.New(path), nil
	case "vsock":
		cid, port, err := parseVsockAddr(cfg.Path)
		if err != nil {
			return nil, err
		}
		return fdp.NewVsock(cid, port), nil
	default:
		return nil, fmt.Errorf("unknown channel transport %q", cfg.Transport)
	}
}

func parseVsockAddr(addr string) (cid, port uint32, err error) {
	parts := strings.SplitN(addr, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected vsock address as CID:port, got %q", addr)
	}
	var c, p uint64
	if _, err := fmt.Sscanf(parts[0], "%d", &c); err != nil {
		return 0, 0, fmt.Errorf("invalid vsock CID %q", parts[0])
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &p); err != nil {
		return 0, 0, fmt.Errorf("invalid vsock port %q", parts[1])
	}
	return uint32(c), uint32(p), nil
}

func init() {
	// iceboxctl runs as a foreground operator tool; raise the default
	// warn-only level so attach/detach/discover progress, logged at Info,
	// is visible before any config file has been loaded to set a different
	// level.
	icelog.SetLogger(logrus.NewEntry(logrus.StandardLogger()), logrus.InfoLevel)
}

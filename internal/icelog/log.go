// Copyright (c) 2024 Icebox Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package icelog provides the per-subsystem structured loggers shared by
// every Icebox package. Subsystems obtain a logger via New and never touch
// logrus directly, so the embedding host can redirect all of Icebox's
// logging with a single SetLogger call.
package icelog

import (
	"log/syslog"
	"time"

	"github.com/sirupsen/logrus"
	lsyslog "github.com/sirupsen/logrus/hooks/syslog"
)

// defaultLevel defaults to Warn rather than logrus' noisier default of
// Info, so a host embedding Icebox isn't flooded before it calls
// SetLogger.
var defaultLevel = logrus.WarnLevel

var root = logrus.NewEntry(logrus.New())

func init() {
	root.Logger.SetLevel(defaultLevel)
}

// New returns a logger scoped to the given subsystem name, e.g.
// icelog.New("channel/fdp").
func New(subsystem string) *logrus.Entry {
	return root.WithField("source", subsystem)
}

// SetLogger redirects every subsystem logger to logger's output, formatter
// and hooks at the given level. Call once during host initialization,
// before attaching to a VM.
func SetLogger(logger *logrus.Entry, level logrus.Level) {
	defaultLevel = level
	// Subsystem loggers created by New (mostly package-level vars set up
	// before any host code runs) share root's *logrus.Logger, so that
	// Logger is updated in place rather than replaced.
	shared := root.Logger
	shared.SetOutput(logger.Logger.Out)
	shared.SetFormatter(logger.Logger.Formatter)
	shared.ReplaceHooks(logger.Logger.Hooks)
	shared.SetLevel(level)
}

// EnableSyslog attaches a syslog hook to the root logger. network/raddr
// follow net.Dial conventions; pass "" for both to use the local syslog
// daemon.
func EnableSyslog(network, raddr, tag string) error {
	hook, err := lsyslog.NewSyslogHook(network, raddr, syslog.LOG_INFO, tag)
	if err != nil {
		return err
	}
	root.Logger.Hooks.Add(&formatSwitchingHook{
		hook: hook,
		formatter: &logrus.TextFormatter{
			TimestampFormat: time.RFC3339Nano,
		},
	})
	return nil
}

// formatSwitchingHook lets the syslog entry use a different formatter than
// the primary logger without permanently mutating it.
type formatSwitchingHook struct {
	hook      *lsyslog.SyslogHook
	formatter logrus.Formatter
}

func (h *formatSwitchingHook) Levels() []logrus.Level {
	return h.hook.Levels()
}

func (h *formatSwitchingHook) Fire(e *logrus.Entry) error {
	prev := e.Logger.Formatter
	e.Logger.Formatter = h.formatter
	defer func() { e.Logger.Formatter = prev }()
	return h.hook.Fire(e)
}

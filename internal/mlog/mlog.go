// Package mlog wires the module's structured logging, mirroring the way
// rclone's fs package wraps a shared logger with per-subsystem entries
// tagged with stringer-like fields rather than bare log.Printf calls.
package mlog

import "github.com/sirupsen/logrus"

var base = logrus.StandardLogger()

// SetOutput lets callers redirect log output without reaching into logrus
// globals directly. It copies l's writer, formatter, level and hooks onto the
// shared logger, so entries already returned by For are redirected too.
func SetOutput(l *logrus.Logger) {
	base.SetOutput(l.Out)
	base.SetFormatter(l.Formatter)
	base.SetLevel(l.GetLevel())
	base.ReplaceHooks(l.Hooks)
}

// For returns a subsystem-tagged entry, e.g. mlog.For("contextsvc").
func For(subsystem string) *logrus.Entry {
	return base.WithField("subsystem", subsystem)
}

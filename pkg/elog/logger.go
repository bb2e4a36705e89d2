package elog

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
)

// Logger is the logging surface the file-system passes report
// through. Debug output narrates individual relocations and layout
// decisions; info is per-pass summaries.
type Logger interface {
	Debugf(format string, x ...interface{})
	Errorf(format string, x ...interface{})
	Infof(format string, x ...interface{})
	Printf(format string, x ...interface{})
	Warnf(format string, x ...interface{})
	IsInfoEnabled() bool
	IsDebugEnabled() bool
}

// Progress tracks one long-running pass: a block move, an inode scan,
// an inode-table copy. The passes report deltas; Finish must run on
// every exit path so an aborted pass releases the terminal.
type Progress interface {
	Increment(n int64)
	Finish(success bool)
}

// ProgressReporter creates progress trackers. Units is a hint for the
// counter rendering; the passes use "%" and "blocks".
type ProgressReporter interface {
	NewProgress(label string, units string, total int64) Progress
}

// View is what the command shells hand to the library: logging plus
// the ability to open progress bars.
type View interface {
	Logger
	ProgressReporter
}

// CLI renders a View onto a terminal: logrus for the log lines, mpb
// for the bars. While any bar is live, log output is parked in a
// buffer so lines and bars do not interleave, and replayed when the
// last bar closes.
type CLI struct {
	DisableColors bool
	DisableTTY    bool
	IsDebug       bool
	IsVerbose     bool

	mu        sync.Mutex
	container *mpb.Progress
	liveBars  int
	parked    *bytes.Buffer
}

// Debugf logs relocation-level detail when debugging is on.
func (log *CLI) Debugf(format string, x ...interface{}) {
	if log.IsDebug {
		logrus.Tracef(format, x...)
	}
}

// Errorf logs an error line.
func (log *CLI) Errorf(format string, x ...interface{}) {
	logrus.Errorf(format, x...)
}

// Infof logs pass-level detail when verbose output is on.
func (log *CLI) Infof(format string, x ...interface{}) {
	if log.IsVerbose {
		logrus.Debugf(format, x...)
	}
}

// Printf logs a line unconditionally.
func (log *CLI) Printf(format string, x ...interface{}) {
	logrus.Printf(format, x...)
}

// Warnf logs a warning line.
func (log *CLI) Warnf(format string, x ...interface{}) {
	logrus.Warnf(format, x...)
}

// IsInfoEnabled reports whether info-level lines will be emitted.
func (log *CLI) IsInfoEnabled() bool {
	return log.IsVerbose && logrus.IsLevelEnabled(logrus.DebugLevel)
}

// IsDebugEnabled reports whether debug-level lines will be emitted.
func (log *CLI) IsDebugEnabled() bool {
	return log.IsDebug && logrus.IsLevelEnabled(logrus.TraceLevel)
}

// NewProgress opens a bar for one pass. With TTY rendering disabled
// the returned tracker simply counts.
func (log *CLI) NewProgress(label string, units string, total int64) Progress {

	if log.DisableTTY || total <= 0 {
		return &silentBar{}
	}

	log.mu.Lock()
	defer log.mu.Unlock()

	if log.container == nil {
		// park log lines until the bars are gone
		log.parked = new(bytes.Buffer)
		logrus.SetOutput(log.parked)
		log.container = mpb.New(mpb.WithWidth(64))
	}
	log.liveBars++

	var counter decor.Decorator
	switch units {
	case "blocks":
		counter = decor.CountersNoUnit("%d / %d")
	default:
		counter = decor.Percentage()
	}

	b := log.container.AddBar(total,
		mpb.PrependDecorators(
			decor.Name(label, decor.WC{W: len(label) + 1, C: decor.DidentRight}),
		),
		mpb.AppendDecorators(counter),
	)

	return &termBar{log: log, b: b, total: total}
}

// release retires one bar; the last one out restores the log stream.
func (log *CLI) release() {

	log.mu.Lock()
	defer log.mu.Unlock()

	log.liveBars--
	if log.liveBars > 0 {
		return
	}

	log.container.Wait()
	log.container = nil
	logrus.SetOutput(os.Stdout)
	_, _ = log.parked.WriteTo(os.Stdout)
	log.parked = nil

}

// termBar is a live mpb bar.
type termBar struct {
	log   *CLI
	b     *mpb.Bar
	total int64
	count int64
	done  bool
}

// Increment advances the bar.
func (t *termBar) Increment(n int64) {
	if n <= 0 || t.done {
		return
	}
	t.count += n
	t.b.IncrInt64(n)
}

// Finish closes the bar. An incomplete or failed pass abandons the
// bar rather than pretending it ran to the end.
func (t *termBar) Finish(success bool) {
	if t.done {
		return
	}
	t.done = true
	if !success || t.count < t.total {
		t.b.Abort(false)
	} else {
		t.b.SetTotal(t.total, true)
	}
	t.log.release()
}

// silentBar counts and says nothing.
type silentBar struct {
	count int64
}

// Increment advances the silent counter.
func (s *silentBar) Increment(n int64) {
	s.count += n
}

// Finish does nothing for a silent counter.
func (s *silentBar) Finish(success bool) {
}

// PassTicker adapts the library's progress contract — absolute
// (pass, cur, max) ticks from the resize pipeline and checker passes —
// into one bar per named pass. Successive passes close the previous
// bar; cancellation stays in the caller's hands, so Tick never
// requests an abort itself.
type PassTicker struct {
	view View
	bar  Progress
	pass string
	cur  uint64
}

// NewPassTicker wraps a view for use as an operation's progress
// callback.
func NewPassTicker(view View) *PassTicker {
	return &PassTicker{view: view}
}

// Tick records an absolute position within a named pass. Its
// signature matches the progress callbacks the core passes accept.
func (t *PassTicker) Tick(pass string, cur, max uint64) error {

	if t.pass != pass {
		if t.bar != nil {
			t.bar.Finish(true)
		}
		units := "%"
		if pass == "block mover" {
			units = "blocks"
		}
		t.bar = t.view.NewProgress(pass, units, int64(max))
		t.pass = pass
		t.cur = 0
	}

	if cur > t.cur {
		t.bar.Increment(int64(cur - t.cur))
		t.cur = cur
	}

	return nil

}

// Finish closes the current bar, if any. success applies to the final
// pass only; earlier passes were completed by their successors.
func (t *PassTicker) Finish(success bool) {
	if t.bar != nil {
		t.bar.Finish(success)
		t.bar = nil
		t.pass = ""
	}
}

// Format renders one logrus entry the way the toolkit prints to a
// terminal: plain message text, colored by severity.
func (log *CLI) Format(entry *logrus.Entry) ([]byte, error) {

	if log.DisableColors {
		return []byte(entry.Message + "\n"), nil
	}

	var paint func(...interface{}) string
	switch entry.Level {
	case logrus.TraceLevel:
		paint = color.New(color.Faint).Sprint
	case logrus.DebugLevel:
		paint = color.New(color.FgBlue).Sprint
	case logrus.WarnLevel:
		paint = color.New(color.FgYellow).Sprint
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		paint = color.New(color.FgRed).Sprint
	default:
		return []byte(entry.Message + "\n"), nil
	}

	return []byte(fmt.Sprintf("%s\n", paint(entry.Message))), nil

}

package log

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// BadgerAdapter routes badger's internal logging into logrus. Badger reports
// compactions and value log rotation at info level; those are demoted to debug so
// the hash cache stays quiet during normal runs.
type BadgerAdapter struct {
	entry *logrus.Entry
}

// NewBadgerAdapter wraps entry for badger.Options.WithLogger.
func NewBadgerAdapter(entry *logrus.Entry) *BadgerAdapter {
	return &BadgerAdapter{entry: entry}
}

func (a *BadgerAdapter) Errorf(f string, v ...interface{}) { a.entry.Errorf(trim(f), v...) }

func (a *BadgerAdapter) Warningf(f string, v ...interface{}) { a.entry.Warnf(trim(f), v...) }

func (a *BadgerAdapter) Infof(f string, v ...interface{}) { a.entry.Debugf(trim(f), v...) }

func (a *BadgerAdapter) Debugf(f string, v ...interface{}) { a.entry.Tracef(trim(f), v...) }

// badger terminates its format strings with a newline
func trim(f string) string { return strings.TrimRight(f, "\n") }

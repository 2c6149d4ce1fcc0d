// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package log

import (
	"io"
	golog "log"
)

var golevel = Info

// SetFlags sets the output flags for the Go standard logger.
func SetFlags(flag int) {
	golog.SetFlags(flag)
}

// SetOutput sets the output destination for the Go standard logger.
func SetOutput(w io.Writer) {
	golog.SetOutput(w)
}

// SetLevel sets the log level for the default outputter. It should
// be called once at the beginning of a program's main.
func SetLevel(level Level) {
	golevel = level
}

// SetVerbosity sets the default outputter's level from a verbosity
// counter, the shape the CLI hands the supervisor: 0 is Info, 1
// enables Debug, higher values enable the deeper debug tiers.
func SetVerbosity(v int) {
	if v < 0 {
		v = 0
	}
	golevel = Level(v)
}

// gologOutputter is the default Outputter, forwarding to the Go
// standard logger.
type gologOutputter struct{}

func (gologOutputter) Level() Level { return golevel }

func (gologOutputter) Output(calldepth int, level Level, s string) error {
	if golevel < level {
		return nil
	}
	return golog.Output(calldepth+1, s)
}

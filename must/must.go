// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package must expresses the supervisor's can't-happen invariants: a
// negative fd reaching the fd table, a correlation-queue entry whose
// process vanished from the index. These are internal bugs, not
// external-I/O failures, so they interrupt the program rather than
// return an error.
package must

import (
	"fmt"

	"github.com/buildaccel/shortcut/log"
)

// Func is the function called to report a violated invariant and
// interrupt execution; it defaults to log.Panic so a stack trace
// accompanies the report. It should be set, if at all, before any
// potential calls into this package.
var Func func(...interface{}) = log.Panic

// True is a no-op if b is true. If it is false, True formats a
// message in the manner of fmt.Sprint and calls Func.
func True(b bool, v ...interface{}) {
	if b {
		return
	}
	if len(v) == 0 {
		Func("must: assertion failed")
		return
	}
	Func(v...)
}

// Truef is a no-op if b is true. If it is false, Truef formats a
// message in the manner of fmt.Sprintf and calls Func.
func Truef(b bool, format string, v ...interface{}) {
	if b {
		return
	}
	Func(fmt.Sprintf(format, v...))
}

// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package tool holds rr-record's exit convention: report the error to
// stderr and exit 1. rr-record exits through Fail for every failing run;
// rr-replay does not use this package and maps errors to its own exit
// codes (see its exitCodeFor).
package tool

import (
	"fmt"
	"os"
)

func Failf(msg string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, msg+"\n", args...)
	os.Exit(1)
}

func Fail(err error) {
	Failf("%v", err)
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package ubd

import "fmt"

// AssertionError marks a violated structural invariant: alignment, stride
// rules, a data chunk where a metadata chunk is required. These are logic bugs, not data-path
// failures, so they are never recovered from.
type AssertionError struct {
	Msg string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("internal assertion failed: %s", e.Msg)
}

// Assert panics with an *AssertionError if cond is false. Callers in the
// request path never recover from it; it propagates like the kernel
// original's CHECK() macro.
func Assert(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(&AssertionError{Msg: fmt.Sprintf(format, args...)})
	}
}

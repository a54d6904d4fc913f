// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package errs defines the error-kind vocabulary shared by every
// package in this module, so that internal packages and the root
// package agree on a single set of error kinds without an import
// cycle through the root package.
package errs

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// The error kinds below are the Go rendering of the core's error-kind
// table. They're aliases for grailbio/base/errors.Kind values so that
// callers can use errors.Is/errors.E uniformly across this module and
// its dependencies, the same way exec/store.go and exec/bigmachine.go
// do.
const (
	// Invalid indicates a bad argument: unknown team, unknown gptr,
	// unknown offset, or a malformed group.
	Invalid = errors.Invalid
	// Exhausted indicates out of pool memory, out of team slots, or out
	// of segment ids.
	Exhausted = errors.Unavailable
	// NotFound indicates a segment/bucket/handle lookup miss.
	NotFound = errors.NotExist
	// NotInitialized indicates the runtime has not yet been
	// initialized, or has already been finalized.
	NotInitialized = errors.Precondition
	// TransportFailure indicates the underlying transport reported a
	// non-success code.
	TransportFailure = errors.Net
	// NotImplemented indicates an operation declared but not supported
	// by this build.
	NotImplemented = errors.NotSupported
)

// E constructs an error of the given kind, mirroring
// grailbio/base/errors.E so call sites in this module don't need a
// second import for the common case. Arguments other than a Kind, a
// string or an error (ranks, offsets, ids) are formatted into the
// message with fmt.Sprint, so they never displace kind.
func E(kind errors.Kind, args ...interface{}) error {
	allArgs := make([]interface{}, 0, len(args)+1)
	allArgs = append(allArgs, kind)
	for _, a := range args {
		switch a.(type) {
		case errors.Kind, string, error:
			allArgs = append(allArgs, a)
		default:
			allArgs = append(allArgs, fmt.Sprint(a))
		}
	}
	return errors.E(allArgs...)
}

// Is reports whether err is of the given kind.
func Is(kind errors.Kind, err error) bool {
	return errors.Is(kind, err)
}

// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dart

import (
	"github.com/grailbio/base/errors"

	"github.com/dartgo/dart/errs"
)

// Error kinds, re-exported at the root so that public API users don't
// need to import the internal errs package. See package errs for the
// mapping onto grailbio/base/errors.Kind.
const (
	Invalid          = errs.Invalid
	Exhausted        = errs.Exhausted
	NotFound         = errs.NotFound
	NotInitialized   = errs.NotInitialized
	TransportFailure = errs.TransportFailure
	NotImplemented   = errs.NotImplemented
)

// E and Is are re-exported from errs for the same reason.
func E(kind errors.Kind, args ...interface{}) error { return errs.E(kind, args...) }
func Is(kind errors.Kind, err error) bool            { return errs.Is(kind, err) }

// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package handlemgr wraps non-blocking RMA completion handles (spec
// §4.G). A Handle wraps at most one outstanding operation; Wait blocks
// until completion and resets the handle to null, and waiting on a
// null handle is a no-op. Handles are not shareable across goroutines
// unless the underlying transport says so.
package handlemgr

import "sync"

// Handle is a transport-opaque completion token. The zero value is
// the null handle: "no outstanding operation".
type Handle struct {
	mu   sync.Mutex
	done chan struct{}
	err  error
	set  bool
}

// New wraps a freshly issued non-blocking operation. done is closed
// by the transport when the operation completes; errFn, called after
// done closes, reports the operation's result.
func New(done <-chan struct{}, errFn func() error) *Handle {
	h := &Handle{done: make(chan struct{}), set: true}
	go func() {
		<-done
		h.mu.Lock()
		h.err = errFn()
		close(h.done)
		h.mu.Unlock()
	}()
	return h
}

// IsNull reports whether h represents "no outstanding operation".
// A nil *Handle, or one never initialized via New, is null.
func (h *Handle) IsNull() bool {
	if h == nil {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.set
}

// Wait blocks until h's operation completes, then resets h to null.
// Waiting on a null handle is a no-op. A second Wait on an
// already-completed (and thus already-reset) handle is likewise a
// no-op rather than blocking forever or re-running the completion
// callback.
func (h *Handle) Wait() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	if !h.set {
		h.mu.Unlock()
		return nil
	}
	done := h.done
	h.mu.Unlock()

	<-done

	h.mu.Lock()
	err := h.err
	h.set = false
	h.err = nil
	h.mu.Unlock()
	return err
}

// Test reports whether h's operation has completed, without
// blocking. A null handle is always considered complete.
func (h *Handle) Test() bool {
	if h == nil {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.set {
		return true
	}
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

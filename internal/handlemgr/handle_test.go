// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package handlemgr

import (
	"errors"
	"testing"
	"time"
)

func TestNullHandle(t *testing.T) {
	var h *Handle
	if !h.IsNull() {
		t.Error("nil *Handle should be null")
	}
	if !h.Test() {
		t.Error("nil *Handle should test complete")
	}
	if err := h.Wait(); err != nil {
		t.Errorf("Wait on nil *Handle: %v", err)
	}

	h2 := &Handle{}
	if !h2.IsNull() {
		t.Error("zero-value Handle should be null")
	}
}

func TestWaitReturnsErrFnResult(t *testing.T) {
	done := make(chan struct{})
	wantErr := errors.New("rma failed")
	h := New(done, func() error { return wantErr })
	close(done)
	if err := h.Wait(); err != wantErr {
		t.Errorf("Wait() = %v, want %v", err, wantErr)
	}
}

// TestWaitIdempotent checks that a second Wait on an already-completed
// handle is a no-op rather than blocking forever or re-running errFn.
func TestWaitIdempotent(t *testing.T) {
	done := make(chan struct{})
	calls := 0
	h := New(done, func() error { calls++; return nil })
	close(done)
	if err := h.Wait(); err != nil {
		t.Fatal(err)
	}
	if err := h.Wait(); err != nil {
		t.Errorf("second Wait() = %v, want nil", err)
	}
	if calls != 1 {
		t.Errorf("errFn called %d times, want 1", calls)
	}
	if !h.IsNull() {
		t.Error("handle should be null after Wait completes")
	}
}

func TestTestDoesNotBlock(t *testing.T) {
	done := make(chan struct{})
	h := New(done, func() error { return nil })
	if h.Test() {
		t.Error("Test() reported complete before done closed")
	}
	close(done)
	// Give the completion goroutine a chance to run.
	deadline := time.After(time.Second)
	for !h.Test() {
		select {
		case <-deadline:
			t.Fatal("Test() never reported completion")
		default:
		}
	}
}

// Copyright 2017-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package reactor

import (
	"sync/atomic"
	"testing"

	"golang.org/x/sys/unix"
)

func pipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestRegisterAndReadReadiness(t *testing.T) {
	r, w := pipe(t)

	rx, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rx.Close()

	var notified Flags
	h := rx.Register(r, func(h *Handle, flags Flags) { notified = flags }, "aux")

	if _, err := unix.Write(w, []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := rx.PollOnce(); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	if notified&Readable == 0 {
		t.Fatalf("expected Readable, got flags=%v", notified)
	}
	if !h.CanRead() {
		t.Fatal("CanRead should be true before Read clears it")
	}
	if h.Aux() != "aux" {
		t.Fatalf("Aux = %v", h.Aux())
	}

	buf := make([]byte, 16)
	n, err := h.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "hi" {
		t.Fatalf("Read = %q, want %q", buf[:n], "hi")
	}
	if h.CanRead() {
		t.Fatal("CanRead should be cleared after Read")
	}
}

func TestUnregisterStopsNotifications(t *testing.T) {
	r, w := pipe(t)

	rx, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rx.Close()

	calls := 0
	h := rx.Register(r, func(h *Handle, flags Flags) { calls++ }, nil)

	unix.Write(w, []byte("x"))
	if err := rx.PollOnce(); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}

	rx.Unregister(h)
	// Keep one other fd registered (a pipe's write end is always
	// writable) so PollOnce returns at once instead of waiting out
	// PollTimeout on an otherwise empty epoll set.
	rx.Register(w, func(*Handle, Flags) {}, nil)

	unix.Write(w, []byte("y"))
	// PollOnce applies the pending removal before it waits, so h's fd is
	// already out of the epoll set when "y" becomes readable.
	before := calls
	rx.PollOnce()
	if calls > before {
		t.Fatalf("handle kept firing after Unregister: %d calls", calls)
	}
}

func TestStopSetsShutdownFlag(t *testing.T) {
	rx, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rx.Close()

	if rx.Looping() {
		t.Fatal("Looping should be false before Loop starts")
	}
	rx.Stop() // must be safe to call before Loop ever runs
	if atomic.LoadInt32(&rx.shutdown) == 0 {
		t.Fatal("Stop should set the shutdown flag")
	}
}

// Copyright 2017-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package reactor implements the single-threaded, event-driven I/O loop
// that drives every connection: one goroutine, one epoll set, readiness
// callbacks dispatched in the same two-pass (errors, then reads/writes)
// order as sp_poll_once in the original poll loop.
package reactor

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// PollTimeout bounds how long a single PollOnce blocks with no fds ready,
// matching the 300000ms argument to poll() in the original loop.
const PollTimeout = 5 * time.Minute

// Flags reports which conditions a Handle's last notification carried.
type Flags int

const (
	Readable Flags = 1 << iota
	Writable
	Error
)

// Notify is called once per readiness event for a Handle. flags reports
// every condition (Readable/Writable/Error) observed in that event.
type Notify func(h *Handle, flags Flags)

// Handle is a registered file descriptor. Callers hold onto it to call
// Unregister, Read, or Write; the zero value is not usable.
type Handle struct {
	fd     int
	notify Notify
	aux    interface{}
	flags  Flags
	removed bool
}

// Aux returns the opaque value passed to Register.
func (h *Handle) Aux() interface{} { return h.aux }

// Fd returns the underlying file descriptor.
func (h *Handle) Fd() int { return h.fd }

// Reactor owns one epoll set and the fds registered on it. All methods
// except Stop are intended to be called from the single goroutine
// running Loop/PollOnce; Stop is safe to call from any goroutine.
type Reactor struct {
	epfd int

	mu      sync.Mutex
	handles map[int]*Handle
	pending []*Handle
	removed []*Handle
	dirty   bool

	shutdown int32
	looping  bool
}

// New creates a Reactor backed by a fresh epoll set.
func New() (*Reactor, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Reactor{epfd: fd, handles: make(map[int]*Handle)}, nil
}

// Close releases the epoll set.
func (r *Reactor) Close() error { return unix.Close(r.epfd) }

// Register queues fd for readiness notifications via notify. The actual
// epoll_ctl(ADD) call, like spfd_add's insertion into the pending list in
// the original loop, is deferred to the next table rebuild rather than
// performed inline, so Register is safe to call from within a notify
// callback.
func (r *Reactor) Register(fd int, notify Notify, aux interface{}) *Handle {
	unix.SetNonblock(fd, true)
	h := &Handle{fd: fd, notify: notify, aux: aux}

	r.mu.Lock()
	r.pending = append(r.pending, h)
	r.dirty = true
	r.mu.Unlock()
	return h
}

// Unregister marks h for removal. Like spfd_remove, the removal is
// deferred to the next table rebuild so a notify callback can safely
// unregister its own Handle mid-dispatch.
func (r *Reactor) Unregister(h *Handle) {
	r.mu.Lock()
	h.removed = true
	r.removed = append(r.removed, h)
	r.dirty = true
	r.mu.Unlock()
}

func (r *Reactor) applyPending() {
	r.mu.Lock()
	pending := r.pending
	removed := r.removed
	r.pending = nil
	r.removed = nil
	r.dirty = false
	r.mu.Unlock()

	for _, h := range removed {
		delete(r.handles, h.fd)
		unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, h.fd, nil)
	}

	for _, h := range pending {
		if h.removed {
			continue
		}
		r.handles[h.fd] = h
		ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT, Fd: int32(h.fd)}
		unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, h.fd, &ev)
	}
}

// CanRead reports whether h's last notification included Readable.
func (h *Handle) CanRead() bool { return h.flags&Readable != 0 }

// CanWrite reports whether h's last notification included Writable.
func (h *Handle) CanWrite() bool { return h.flags&Writable != 0 }

// HasError reports whether h's last notification included Error.
func (h *Handle) HasError() bool { return h.flags&Error != 0 }

// Read clears h's Readable flag and performs a single non-blocking read,
// mirroring spfd_read's clear-then-syscall discipline.
func (h *Handle) Read(buf []byte) (int, error) {
	h.flags &^= Readable
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := unix.Read(h.fd, buf)
	if err == unix.EAGAIN {
		return 0, nil
	}
	return n, err
}

// Write clears h's Writable flag and performs a single non-blocking
// write, mirroring spfd_write.
func (h *Handle) Write(buf []byte) (int, error) {
	h.flags &^= Writable
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := unix.Write(h.fd, buf)
	if err == unix.EAGAIN {
		return 0, nil
	}
	return n, err
}

// PollOnce rebuilds the epoll set if it was modified since the last
// call, blocks for at most PollTimeout, and dispatches ready fds in two
// passes: every fd with an error condition first, then every fd with a
// plain read/write readiness change, matching sp_poll_once's ordering so
// that a handler observing an error on its connection runs before any
// handler that would otherwise attempt a doomed read or write on it.
func (r *Reactor) PollOnce() error {
	r.mu.Lock()
	dirty := r.dirty
	r.mu.Unlock()
	if dirty {
		r.applyPending()
	}

	events := make([]unix.EpollEvent, len(r.handles)+8)
	n, err := unix.EpollWait(r.epfd, events, int(PollTimeout/time.Millisecond))
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}

	var errored, ready []int
	for i := 0; i < n; i++ {
		ev := events[i]
		h, ok := r.handles[int(ev.Fd)]
		if !ok || h.removed {
			continue
		}

		flags := Flags(0)
		if ev.Events&unix.EPOLLIN != 0 {
			flags |= Readable
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			flags |= Writable
		}

		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			h.flags = flags | Error
			errored = append(errored, int(ev.Fd))
		} else {
			h.flags = flags
			ready = append(ready, int(ev.Fd))
		}
	}

	for _, fd := range errored {
		if h, ok := r.handles[fd]; ok && !h.removed {
			h.notify(h, h.flags)
		}
	}
	for _, fd := range ready {
		if h, ok := r.handles[fd]; ok && !h.removed {
			h.notify(h, h.flags)
		}
	}

	r.mu.Lock()
	dirty = r.dirty
	r.mu.Unlock()
	if dirty {
		r.applyPending()
	}
	return nil
}

// Loop runs PollOnce until Stop is called.
func (r *Reactor) Loop() error {
	r.looping = true
	atomic.StoreInt32(&r.shutdown, 0)
	defer func() { r.looping = false }()
	for atomic.LoadInt32(&r.shutdown) == 0 {
		if err := r.PollOnce(); err != nil && err != unix.EINTR {
			return err
		}
	}
	return nil
}

// Stop requests that Loop return after its current PollOnce completes.
func (r *Reactor) Stop() { atomic.StoreInt32(&r.shutdown, 1) }

// Looping reports whether Loop is currently running.
func (r *Reactor) Looping() bool { return r.looping }

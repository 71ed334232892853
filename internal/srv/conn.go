// Copyright 2017-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package srv

import (
	"encoding/binary"

	"github.com/sandia-minimega/ninefs/internal/auth"
	"github.com/sandia-minimega/ninefs/internal/fidtable"
	"github.com/sandia-minimega/ninefs/internal/tree"
	"github.com/sandia-minimega/ninefs/pkg/ninep"
)

// poolSize bounds how many encoded replies a Connection will hold in its
// outbound queue before it starts answering new requests with the
// preallocated out-of-memory reply instead of a real one, mirroring the
// fixed-size Spfcall pool the original allocates per connection.
const poolSize = 64

const (
	fidKindTree uint8 = iota
	fidKindAuth
)

// fidState is the Aux value stored in every internal/fidtable.Fid created
// by this package: either a walked tree.OpenFid (Kind == fidKindTree) or a
// live auth exchange (Kind == fidKindAuth), never both.
type fidState struct {
	Kind    uint8
	OFid    *tree.OpenFid
	User    *tree.User
	Session auth.Session
	Aname   string
}

// request is the server's record of one Tcall from the moment its frame
// is decoded until the reply for it has been queued: the in-flight
// bookkeeping named in the protocol's Request type. flushedBy holds the
// tags of every Tflush posted against this request's tag while it was
// still outstanding, in posting order; they are answered with Rflush,
// in that order, immediately after this request's own reply.
type request struct {
	msg       ninep.Fcall
	flushedBy []uint16
}

// Connection is one client session: its own fid table, negotiated msize
// and .u mode, and a framing/output-pool layer decoupled from any actual
// socket so it can be driven by a real reactor.Handle or fed test frames
// directly.
//
// A request is in flight from the moment admit decodes its frame until
// drain has dispatched it and queued its reply; pending holds requests
// admitted but not yet dispatched (in posting order) and inflight looks
// the same set up by tag. A Tflush whose OldTag is still in inflight
// never reaches the dispatcher itself: admit chains it onto the target
// request's flushedBy list instead, and drain answers the whole chain,
// in order, right after the target's own reply -- exactly the ordering
// scenario the flush-chain invariant describes for two requests
// outstanding against one Tflush pair.
type Connection struct {
	srv   *Server
	fids  *fidtable.Table
	dotu  bool
	msize uint32

	versioned   bool
	authSession auth.Session

	inbuf []byte

	pending  []*request
	inflight map[uint16]*request

	outq   [][]byte
	paused bool

	closed bool
}

// fidDestroyed is the destroy callback Server.NewConnection passes to
// fidtable.New when it builds c.fids; kept here only so the destroy
// callback lives next to the type it tears down.
func (c *Connection) fidDestroyed(f *fidtable.Fid) {
	st, ok := f.Aux.(*fidState)
	if !ok || st == nil {
		return
	}
	switch st.Kind {
	case fidKindTree:
		if st.OFid != nil {
			c.srv.Tree.Clunk(st.OFid)
		}
	case fidKindAuth:
		if st.Session != nil {
			st.Session.Clunk(f.Num)
		}
	}
}

// Paused reports whether the connection is refusing to consume further
// buffered frames until its outbound queue drains below poolSize -- the
// read-side half of the OOM gating discipline.
func (c *Connection) Paused() bool { return c.paused }

// Drain removes and returns every reply queued so far, for the write pump
// to flush to the underlying transport. Calling it un-pauses the
// connection if the queue had been full, resuming dispatch of whatever
// is still pending.
func (c *Connection) Drain() [][]byte {
	out := c.outq
	c.outq = nil
	if c.paused && len(out) > 0 {
		c.paused = false
		c.drain()
		out = append(out, c.outq...)
		c.outq = nil
	}
	return out
}

// Feed appends data to the connection's reassembly buffer, decodes every
// complete frame it now contains, and dispatches whatever that decoding
// didn't divert into a flush chain. Feed does not consume any buffered
// bytes while the connection is paused for OOM, leaving them for the
// next call once Drain lifts the pause; a malformed frame tears the
// connection down after whatever already-decoded work precedes it has
// been dispatched.
func (c *Connection) Feed(data []byte) {
	if c.closed {
		return
	}
	c.inbuf = append(c.inbuf, data...)
	if c.paused {
		return
	}
	for {
		if len(c.inbuf) < 4 {
			break
		}
		size := binary.LittleEndian.Uint32(c.inbuf)
		if size < 7 {
			logf("srv: frame size %d shorter than header, closing connection", size)
			c.drain()
			c.Close()
			return
		}
		if uint32(len(c.inbuf)) < size {
			break
		}
		frame := c.inbuf[:size]
		c.inbuf = append([]byte(nil), c.inbuf[size:]...)
		m, err := ninep.Decode(frame, c.dotu)
		if err != nil {
			logf("srv: malformed frame, closing connection: %v", err)
			c.drain()
			c.Close()
			return
		}
		c.admit(m)
	}
	c.drain()
}

// admit registers m as in flight under its tag, unless m is a Tflush
// whose OldTag names a request that is itself still in flight -- in
// that case m is chained onto the target's flushedBy list instead of
// ever being queued for dispatch on its own.
func (c *Connection) admit(m ninep.Fcall) {
	if fl, ok := m.(*ninep.TflushMsg); ok {
		if target, ok := c.inflight[fl.OldTag]; ok {
			target.flushedBy = append(target.flushedBy, fl.Tag())
			return
		}
	}
	req := &request{msg: m}
	c.inflight[m.Tag()] = req
	c.pending = append(c.pending, req)
}

// drain dispatches pending requests in posting order until none remain
// or the connection pauses for OOM, answering each request's chained
// flushes -- in posting order -- immediately after its own reply.
func (c *Connection) drain() {
	for !c.closed && !c.paused && len(c.pending) > 0 {
		req := c.pending[0]
		c.pending = c.pending[1:]

		if len(c.outq) >= poolSize {
			c.complete(req, c.srv.enomemFrame(c.dotu, req.msg.Tag()))
			c.paused = true
			return
		}

		reply := c.dispatch(req.msg)
		buf, err := ninep.Encode(reply, c.dotu)
		if err != nil {
			buf = c.srv.enomemFrame(c.dotu, req.msg.Tag())
		}
		c.complete(req, buf)
	}
}

// complete retires req from the in-flight set, queues its own reply,
// then answers every Tflush chained onto it -- in the order they were
// posted -- with Rflush, before any later request's reply.
func (c *Connection) complete(req *request, buf []byte) {
	delete(c.inflight, req.msg.Tag())
	c.enqueue(buf)
	for _, tag := range req.flushedBy {
		rf := &ninep.RflushMsg{}
		rf.SetTag(tag)
		fbuf, err := ninep.Encode(rf, c.dotu)
		if err != nil {
			fbuf = c.srv.enomemFrame(c.dotu, tag)
		}
		c.enqueue(fbuf)
	}
}

// resetInFlight flushes every request this connection still has
// outstanding, as Tversion's reset discipline requires: nothing queued
// against the fid table Sversion is about to destroy can ever be
// answered once it's gone, so each is completed now with its reply
// simply discarded (the client has already stopped expecting one under
// the tag it reused for this Tversion).
func (c *Connection) resetInFlight() {
	for _, req := range c.pending {
		delete(c.inflight, req.msg.Tag())
		for _, tag := range req.flushedBy {
			rf := &ninep.RflushMsg{}
			rf.SetTag(tag)
			if buf, err := ninep.Encode(rf, c.dotu); err == nil {
				c.enqueue(buf)
			}
		}
	}
	c.pending = nil
}

// Closed reports whether a malformed frame or an explicit Close has torn
// the connection down; callers should stop feeding it data and release
// its underlying transport.
func (c *Connection) Closed() bool { return c.closed }

// Close tears down every fid still open on the connection and forgets it
// from the server's connection set, matching conn_free's fid-table
// teardown on the last reference to a Spconn.
func (c *Connection) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.pending = nil
	c.inflight = nil
	c.fids.DestroyAll()
	c.srv.forget(c)
}

func (c *Connection) enqueue(frame []byte) {
	c.outq = append(c.outq, frame)
}

// reply wraps v as the tagged response to t, tag already copied over.
func reply(t ninep.Fcall, v ninep.Fcall) ninep.Fcall {
	v.SetTag(t.Tag())
	return v
}

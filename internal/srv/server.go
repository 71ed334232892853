// Copyright 2017-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package srv implements the 9P2000/9P2000.u session engine: per-connection
// fid tables, frame reassembly, protocol dispatch, and the OOM-gated
// response pool, matching the Spsrv/Spconn/Spfid/Spreq shape of the
// original connection and server code (conn.c, srv.c, fcall.c) adapted to
// Go's synchronous-handler style instead of a callback table addressed
// through a global error slot.
package srv

import (
	"sync"

	"github.com/sandia-minimega/ninefs/internal/auth"
	"github.com/sandia-minimega/ninefs/internal/fidtable"
	"github.com/sandia-minimega/ninefs/internal/tree"
	"github.com/sandia-minimega/ninefs/pkg/ninelog"
	"github.com/sandia-minimega/ninefs/pkg/ninep"
)

// ResolveUser maps a wire uname/uid pair (from Tattach) to the tree User
// the attached fid acts as. A server with a single served tree usually
// has one of these per directory root.
type ResolveUser func(uname string, nuname uint32) (*tree.User, error)

// Server is the shared, connection-independent state: the tree being
// served, the optional auth policy, and the preallocated out-of-memory
// replies every connection falls back to rather than allocating under
// memory pressure (srv->rcenomem / rcenomemu in the original).
type Server struct {
	Tree     *tree.Tree
	Auth     auth.Provider
	Resolve  ResolveUser
	Msize    uint32
	Dotu     bool

	mu    sync.Mutex
	conns map[*Connection]struct{}

	enomem   []byte // preallocated Rerror(ErrNoMemory), base mode, tag patched per use
	enomemU  []byte // same, .u mode
}

// NewServer builds a Server. msize is the largest frame either side will
// send; dotu advertises 9P2000.u support during Tversion negotiation.
func NewServer(t *tree.Tree, p auth.Provider, resolve ResolveUser, msize uint32, dotu bool) *Server {
	s := &Server{
		Tree:    t,
		Auth:    p,
		Resolve: resolve,
		Msize:   msize,
		Dotu:    dotu,
		conns:   make(map[*Connection]struct{}),
	}
	s.enomem, _ = ninep.Encode(ninep.NewRerror(ninep.ErrNoMemory, false), false)
	s.enomemU, _ = ninep.Encode(ninep.NewRerror(ninep.ErrNoMemory, true), true)
	return s
}

// enomemFrame returns the preallocated out-of-memory reply for dotu, with
// tag patched in place of the frame's own (the reply carries no tag of its
// own since it is built once at startup).
func (s *Server) enomemFrame(dotu bool, tag uint16) []byte {
	src := s.enomem
	if dotu {
		src = s.enomemU
	}
	out := make([]byte, len(src))
	copy(out, src)
	out[5] = byte(tag)
	out[6] = byte(tag >> 8)
	return out
}

// NewConnection builds a Connection bound to this server, ready to have
// wire bytes fed into it via Feed.
func (s *Server) NewConnection() *Connection {
	c := &Connection{
		srv:      s,
		dotu:     false, // negotiated up to s.Dotu by Tversion
		msize:    ninep.DefaultMsize,
		inflight: make(map[uint16]*request),
	}
	c.fids = fidtable.New(c.fidDestroyed)
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	return c
}

// forget removes c from the server's connection set, called once c has
// torn down every fid and will process no further frames.
func (s *Server) forget(c *Connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func logf(format string, args ...interface{}) { ninelog.Debug(format, args...) }

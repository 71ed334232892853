// Copyright 2017-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package srv

import (
	"strings"

	"github.com/sandia-minimega/ninefs/internal/fidtable"
	"github.com/sandia-minimega/ninefs/internal/tree"
	"github.com/sandia-minimega/ninefs/pkg/ninep"
)

// dispatch routes one decoded Tcall to its handler and wraps the result
// (or error) as the tagged reply. This exhaustive type switch is the
// direct analogue of fcall.c's sp_process_request, replacing its
// function-pointer table (srv->version, srv->attach, ...) with Go's
// native sum-type dispatch.
func (c *Connection) dispatch(m ninep.Fcall) ninep.Fcall {
	var out ninep.Fcall
	var err error

	switch v := m.(type) {
	case *ninep.TversionMsg:
		out, err = c.handleVersion(v)
	case *ninep.TauthMsg:
		out, err = c.handleAuth(v)
	case *ninep.TattachMsg:
		out, err = c.handleAttach(v)
	case *ninep.TflushMsg:
		out, err = c.handleFlush(v)
	case *ninep.TwalkMsg:
		out, err = c.handleWalk(v)
	case *ninep.TopenMsg:
		out, err = c.handleOpen(v)
	case *ninep.TcreateMsg:
		out, err = c.handleCreate(v)
	case *ninep.TreadMsg:
		out, err = c.handleRead(v)
	case *ninep.TwriteMsg:
		out, err = c.handleWrite(v)
	case *ninep.TclunkMsg:
		out, err = c.handleClunk(v)
	case *ninep.TremoveMsg:
		out, err = c.handleRemove(v)
	case *ninep.TstatMsg:
		out, err = c.handleStat(v)
	case *ninep.TwstatMsg:
		out, err = c.handleWstat(v)
	default:
		err = ninep.ErrNotImplemented
	}

	if err != nil {
		return reply(m, ninep.NewRerror(err, c.dotu))
	}
	return reply(m, out)
}

// findTreeFid looks up num, requiring it to be a walked tree fid rather
// than an in-progress auth fid.
func (c *Connection) findTreeFid(num uint32) (*fidState, error) {
	f := c.fids.Find(num)
	if f == nil {
		return nil, ninep.ErrUnknownFid
	}
	st, ok := f.Aux.(*fidState)
	if !ok || st.Kind != fidKindTree {
		return nil, ninep.ErrBadUseFid
	}
	return st, nil
}

// handleVersion renegotiates msize/.u support and, per the protocol,
// resets the connection: every fid the client had open is silently
// clunked, matching Sversion's "destroys all fids" discipline in srv.c.
// Reset also flushes whatever this connection still had outstanding,
// since nothing queued against the old fid table can ever be answered.
func (c *Connection) handleVersion(v *ninep.TversionMsg) (ninep.Fcall, error) {
	msize := v.Msize
	if c.srv.Msize != 0 && msize > c.srv.Msize {
		msize = c.srv.Msize
	}
	if msize < ninep.IOHDRSZ {
		return nil, ninep.ErrTooSmall
	}

	c.resetInFlight()
	c.fids.DestroyAll()
	c.authSession = nil

	version, dotu := "unknown", false
	switch {
	case v.Version == "9P2000.u" && c.srv.Dotu:
		version, dotu = "9P2000.u", true
	case strings.HasPrefix(v.Version, "9P2000"):
		version = "9P2000"
	}

	c.msize = msize
	c.dotu = dotu
	c.versioned = true
	return &ninep.RversionMsg{Msize: msize, Version: version}, nil
}

func (c *Connection) handleAuth(v *ninep.TauthMsg) (ninep.Fcall, error) {
	if c.srv.Auth == nil {
		return nil, ninep.ErrNoAuth
	}
	if c.authSession == nil {
		c.authSession = c.srv.Auth.NewSession()
	}
	qid, err := c.authSession.StartAuth(v.Afid, v.Uname, v.Aname)
	if err != nil {
		return nil, err
	}
	if c.fids.Create(v.Afid, &fidState{Kind: fidKindAuth, Session: c.authSession, Aname: v.Aname}) == nil {
		return nil, ninep.ErrFidInUse
	}
	return &ninep.RauthMsg{Aqid: qid}, nil
}

func (c *Connection) handleAttach(v *ninep.TattachMsg) (ninep.Fcall, error) {
	var user *tree.User
	var err error
	if c.srv.Resolve != nil {
		user, err = c.srv.Resolve(v.Uname, v.NUname)
		if err != nil {
			return nil, err
		}
	} else {
		user = &tree.User{Name: v.Uname, Uid: v.NUname}
	}

	if c.srv.Auth != nil {
		if v.Afid == ninep.NoFid {
			return nil, ninep.ErrPerm
		}
		af := c.fids.Find(v.Afid)
		if af == nil {
			return nil, ninep.ErrUnknownFid
		}
		ast, ok := af.Aux.(*fidState)
		if !ok || ast.Kind != fidKindAuth {
			return nil, ninep.ErrBadUseFid
		}
		if err := ast.Session.CheckAuth(v.Afid, v.Uname, v.Aname); err != nil {
			return nil, err
		}
	}

	ofid, err := c.srv.Tree.Attach(user)
	if err != nil {
		return nil, err
	}
	if c.fids.Create(v.Fid, &fidState{Kind: fidKindTree, OFid: ofid, User: user}) == nil {
		c.srv.Tree.Clunk(ofid)
		return nil, ninep.ErrFidInUse
	}
	return &ninep.RattachMsg{Qid: ofid.Node.Qid}, nil
}

// handleFlush only runs for an OldTag admit already found nothing live
// for: the request it named had already been answered, was never
// issued, or is this Tflush's own tag. admit diverts every Tflush whose
// target is still in flight into that request's flush chain instead of
// dispatching it here, so reaching this handler always means the flush
// has nothing left to cancel and succeeds unconditionally.
func (c *Connection) handleFlush(v *ninep.TflushMsg) (ninep.Fcall, error) {
	return &ninep.RflushMsg{}, nil
}

func (c *Connection) handleWalk(v *ninep.TwalkMsg) (ninep.Fcall, error) {
	ost, err := c.findTreeFid(v.Fid)
	if err != nil {
		return nil, err
	}
	// sp_walk runs these two checks against the named fid itself, before
	// ever cloning it; Tree.Clone always hands back a fresh, unopened
	// OpenFid, so checking post-clone would never catch either case.
	if ost.OFid.Node.Mode&ninep.Dmdir == 0 {
		return nil, ninep.ErrNotDir
	}
	if ost.OFid.Omode != fidtable.NoMode {
		return nil, ninep.ErrBadUseFid
	}
	if len(v.Wname) > ninep.MaxWalkElem {
		return nil, ninep.ErrTooManyWNames
	}
	if v.Fid != v.NewFid && c.fids.Find(v.NewFid) != nil {
		return nil, ninep.ErrFidInUse
	}

	clone := c.srv.Tree.Clone(ost.OFid)
	var wqids []ninep.Qid
	var walkErr error
	for _, name := range v.Wname {
		qid, werr := c.srv.Tree.Walk(clone, name, ost.User)
		if werr != nil {
			walkErr = werr
			break
		}
		wqids = append(wqids, qid)
	}

	// A completely failed multi-element walk (nothing walked at all) is
	// an error; a partial walk commits as far as it got, matching
	// Twalk's "nwqid < nwname is not itself an error" rule.
	if len(v.Wname) > 0 && len(wqids) == 0 {
		c.srv.Tree.Clunk(clone)
		return nil, walkErr
	}

	newSt := &fidState{Kind: fidKindTree, OFid: clone, User: ost.User}
	if v.Fid == v.NewFid {
		c.srv.Tree.Clunk(ost.OFid)
		f := c.fids.Find(v.Fid)
		f.Aux = newSt
	} else if c.fids.Create(v.NewFid, newSt) == nil {
		c.srv.Tree.Clunk(clone)
		return nil, ninep.ErrFidInUse
	}
	return &ninep.RwalkMsg{Wqid: wqids}, nil
}

func (c *Connection) handleOpen(v *ninep.TopenMsg) (ninep.Fcall, error) {
	st, err := c.findTreeFid(v.Fid)
	if err != nil {
		return nil, err
	}
	qid, err := c.srv.Tree.Open(st.OFid, v.Mode, st.User)
	if err != nil {
		return nil, err
	}
	return &ninep.RopenMsg{Qid: qid, Iounit: 0}, nil
}

func (c *Connection) handleCreate(v *ninep.TcreateMsg) (ninep.Fcall, error) {
	st, err := c.findTreeFid(v.Fid)
	if err != nil {
		return nil, err
	}
	qid, err := c.srv.Tree.Create(st.OFid, v.Name, v.Perm, v.Mode, v.Extension, st.User)
	if err != nil {
		return nil, err
	}
	return &ninep.RcreateMsg{Qid: qid, Iounit: 0}, nil
}

// maxData bounds a read/write payload so the reply still fits under the
// connection's negotiated msize once the envelope is added back.
func (c *Connection) maxData() uint32 {
	if c.msize <= ninep.IOHDRSZ {
		return 0
	}
	return c.msize - ninep.IOHDRSZ
}

func (c *Connection) handleRead(v *ninep.TreadMsg) (ninep.Fcall, error) {
	f := c.fids.Find(v.Fid)
	if f == nil {
		return nil, ninep.ErrUnknownFid
	}
	st, ok := f.Aux.(*fidState)
	if !ok {
		return nil, ninep.ErrBadUseFid
	}

	count := v.Count
	if count > c.maxData() {
		return nil, ninep.ErrTooLarge
	}

	if st.Kind == fidKindAuth {
		data, err := st.Session.Read(v.Fid, v.Offset, count)
		if err != nil {
			return nil, err
		}
		return &ninep.RreadMsg{Data: data}, nil
	}

	data, err := c.srv.Tree.Read(st.OFid, v.Offset, count)
	if err != nil {
		return nil, err
	}
	return &ninep.RreadMsg{Data: data}, nil
}

func (c *Connection) handleWrite(v *ninep.TwriteMsg) (ninep.Fcall, error) {
	f := c.fids.Find(v.Fid)
	if f == nil {
		return nil, ninep.ErrUnknownFid
	}
	st, ok := f.Aux.(*fidState)
	if !ok {
		return nil, ninep.ErrBadUseFid
	}

	data := v.Data
	if uint32(len(data)) > c.maxData() {
		return nil, ninep.ErrTooLarge
	}

	if st.Kind == fidKindAuth {
		n, err := st.Session.Write(v.Fid, v.Offset, data)
		if err != nil {
			return nil, err
		}
		return &ninep.RwriteMsg{Count: n}, nil
	}

	n, err := c.srv.Tree.Write(st.OFid, v.Offset, data)
	if err != nil {
		return nil, err
	}
	return &ninep.RwriteMsg{Count: n}, nil
}

// handleClunk releases fid unconditionally, whatever the fid's kind --
// the REDESIGN this module applies uniformly to fid teardown, in place
// of the original's refcount-gated sp_fid_destroy. A tree fid opened with
// Orclose is removed first; the fid is released whether or not that
// remove succeeds, and a failed remove's error is the reply.
func (c *Connection) handleClunk(v *ninep.TclunkMsg) (ninep.Fcall, error) {
	f := c.fids.Find(v.Fid)
	if f == nil {
		return nil, ninep.ErrUnknownFid
	}
	var err error
	if st, ok := f.Aux.(*fidState); ok && st.Kind == fidKindTree && st.OFid != nil &&
		st.OFid.Omode != fidtable.NoMode && st.OFid.Omode&ninep.Orclose != 0 {
		// Tree.Remove clunks the OpenFid itself; clear it so fidDestroyed
		// doesn't clunk it a second time.
		err = c.srv.Tree.Remove(st.OFid, st.User)
		st.OFid = nil
	}
	c.fids.Destroy(f)
	if err != nil {
		return nil, err
	}
	return &ninep.RclunkMsg{}, nil
}

func (c *Connection) handleRemove(v *ninep.TremoveMsg) (ninep.Fcall, error) {
	f := c.fids.Find(v.Fid)
	if f == nil {
		return nil, ninep.ErrUnknownFid
	}
	st, ok := f.Aux.(*fidState)
	if !ok || st.Kind != fidKindTree {
		c.fids.Destroy(f)
		return nil, ninep.ErrBadUseFid
	}

	err := c.srv.Tree.Remove(st.OFid, st.User)
	// Tree.Remove clunks the OpenFid itself regardless of outcome; clear
	// it here so fidDestroyed doesn't clunk it a second time.
	st.OFid = nil
	c.fids.Destroy(f)
	if err != nil {
		return nil, err
	}
	return &ninep.RremoveMsg{}, nil
}

func (c *Connection) handleStat(v *ninep.TstatMsg) (ninep.Fcall, error) {
	st, err := c.findTreeFid(v.Fid)
	if err != nil {
		return nil, err
	}
	s := c.srv.Tree.Stat(st.OFid.Node)
	return &ninep.RstatMsg{Stat: s}, nil
}

func (c *Connection) handleWstat(v *ninep.TwstatMsg) (ninep.Fcall, error) {
	st, err := c.findTreeFid(v.Fid)
	if err != nil {
		return nil, err
	}
	if err := c.srv.Tree.Wstat(st.OFid, &v.Stat); err != nil {
		return nil, err
	}
	return &ninep.RwstatMsg{}, nil
}

// Copyright 2017-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package tree generalizes the original file-tree adapter (spfile_*) into
// a backing-agnostic Node/NodeOps/DirOps model: anything that can answer
// "read this many bytes", "write this many bytes", "list my children" can
// sit behind a Tree and be served over 9P. internal/hostfs is the one
// concrete backing shipped in this module; tests use an in-memory one.
package tree

import (
	"time"

	"github.com/sandia-minimega/ninefs/pkg/ninep"
)

// User identifies the principal attached to a fid.
type User struct {
	Name string
	Uid  uint32
}

// Group identifies a permission group a User may belong to.
type Group struct {
	Name string
	Gid  uint32
}

// NodeOps implements the operations of a plain file. Every method must be
// implemented; a file whose NodeOps is nil as a whole fails Read with
// ErrNotImplemented and Write, Wstat and a truncating Open with ErrPerm
// (mirrors the original's null-function-pointer checks before
// dereferencing fops->wstat etc.).
type NodeOps interface {
	Read(n *Node, ofid *OpenFid, offset uint64, count uint32) ([]byte, error)
	Write(n *Node, ofid *OpenFid, offset uint64, data []byte) (uint32, error)
	Wstat(n *Node, stat *ninep.Stat) error
	OpenFid(ofid *OpenFid) error
	CloseFid(ofid *OpenFid)
	Destroy(n *Node)
}

// DirOps implements the operations of a directory: enumeration via
// First/Next (an iterator, not a slice, so a synthetic directory can
// generate entries on demand) and Create/Remove for mutating the tree.
type DirOps interface {
	Create(dir *Node, name string, perm uint32, uid *User, gid *Group, extension string) (*Node, error)
	First(dir *Node) *Node
	Next(dir *Node, prev *Node) *Node
	Remove(dir *Node, child *Node) error
	Wstat(n *Node, stat *ninep.Stat) error
	Destroy(n *Node)
}

// Node is one file or directory in the tree. Exactly one of NodeOps or
// DirOps is populated, selected by Mode&ninep.Dmdir, matching the
// original's single void* ops field disambiguated the same way.
type Node struct {
	refcount int
	parent   *Node

	Qid       ninep.Qid
	Mode      uint32
	Atime     uint32
	Mtime     uint32
	Length    uint64
	Name      string
	Uid       *User
	Gid       *Group
	Muid      *User
	Extension string
	excl      bool

	NodeOps NodeOps
	DirOps  DirOps
	Aux     interface{}
}

// NewNode allocates a node with refcount 1, owned by the caller (the
// same convention as spfile_alloc, which returns a node the caller must
// eventually spfile_decref).
func NewNode(parent *Node, name string, mode uint32, qpath uint64, uid *User, gid *Group) *Node {
	now := uint32(time.Now().Unix())
	qtype := uint8(0)
	if mode&ninep.Dmdir != 0 {
		qtype = ninep.Qtdir
	}
	return &Node{
		refcount: 1,
		parent:   parent,
		Qid:      ninep.Qid{Type: qtype, Version: 0, Path: qpath},
		Mode:     mode,
		Atime:    now,
		Mtime:    now,
		Name:     name,
		Uid:      uid,
		Gid:      gid,
		Muid:     uid,
	}
}

func (n *Node) isDir() bool { return n.Mode&ninep.Dmdir != 0 }

// Ref bumps n's reference count. DirOps implementations must call this
// on every Node they hand back from First/Next/Create: the tree takes
// ownership of that reference and releases it with Unref once the node
// is no longer reachable from any OpenFid.
func (n *Node) Ref() { n.refcount++ }

// Unref drops n's reference count, invoking the backing's Destroy hook
// once it reaches zero.
func (n *Node) Unref() {
	n.refcount--
	if n.refcount > 0 {
		return
	}
	if n.isDir() {
		if n.DirOps != nil {
			n.DirOps.Destroy(n)
		}
	} else if n.NodeOps != nil {
		n.NodeOps.Destroy(n)
	}
}

func (n *Node) touch(u *User) {
	n.Muid = u
	n.Mtime = uint32(time.Now().Unix())
	n.Atime = n.Mtime
	n.Qid.Version++
}

// OpenFid is the per-fid cursor into the tree: which Node the fid is
// walked to, its open mode, and (for directories) where a Readdir left
// off. internal/srv keeps one in the per-fid state it stores as an
// internal/fidtable.Fid's Aux.
type OpenFid struct {
	Node      *Node
	Omode     uint8
	Aux       interface{}
	DirOffset uint64
	DirEnt    *Node
}

// Tree roots a served file hierarchy. GroupsOf resolves the set of
// groups a user belongs to, for the supplementary-group branch of
// permission checks; it may be nil if the backing has no notion of
// group membership beyond the file's own Gid.
type Tree struct {
	Root    *Node
	GroupsOf func(*User) []*Group
}

func mode2perm(mode uint8) uint32 {
	var m uint32
	switch mode & 3 {
	case ninep.Oread:
		m = 4
	case ninep.Owrite:
		m = 2
	case ninep.Ordwr:
		m = 6
	case ninep.Oexec:
		m = 1
	}
	if mode&ninep.Otrunc != 0 {
		m |= 2
	}
	return m
}

// checkPerm is the permission test from check_perm in file.c: other,
// owner, and group bits tried in that order, any match at all for the
// requested rwx bits granting access.
func (t *Tree) checkPerm(n *Node, user *User, perm uint32) bool {
	if user == nil {
		return false
	}
	perm &= 7
	if perm == 0 {
		return true
	}
	fperm := n.Mode
	if (fperm&7)&perm != 0 {
		return true
	}
	if n.Uid == user && ((fperm>>6)&7)&perm != 0 {
		return true
	}
	if (fperm>>3)&7&perm != 0 && t.GroupsOf != nil {
		for _, g := range t.GroupsOf(user) {
			if g == n.Gid {
				return true
			}
		}
	}
	return false
}

// CheckPerm exposes checkPerm for callers (e.g. internal/srv) that need
// to test access to a node without going through an OpenFid operation.
func (t *Tree) CheckPerm(n *Node, user *User, perm uint32) bool {
	return t.checkPerm(n, user, perm)
}

func (t *Tree) find(dir *Node, name string) (*Node, error) {
	if name == ".." {
		if dir.parent != nil {
			dir.parent.Ref()
		}
		return dir.parent, nil
	}
	if dir.DirOps == nil {
		return nil, ninep.ErrPerm
	}
	for f := dir.DirOps.First(dir); f != nil; f = dir.DirOps.Next(dir, f) {
		if f.Name == name {
			return f, nil
		}
		f.Unref()
	}
	return nil, nil
}

// Attach roots a new OpenFid at the tree's root for user, failing unless
// user has read permission on the root.
func (t *Tree) Attach(user *User) (*OpenFid, error) {
	if !t.checkPerm(t.Root, user, 4) {
		return nil, ninep.ErrPerm
	}
	t.Root.Ref()
	return &OpenFid{Node: t.Root, Omode: fidtableNoMode}, nil
}

// fidtableNoMode mirrors fidtable.NoMode without importing internal/fidtable,
// which would create an import cycle (fidtable is backing-agnostic storage;
// tree is domain logic layered atop it via internal/srv).
const fidtableNoMode uint8 = 0xFF

// Clone produces a second, unopened OpenFid pointing at the same node as
// f, for Twalk's "clone to newfid" semantics: internal/srv walks such a
// clone on every Twalk, whatever the number of names.
func (t *Tree) Clone(f *OpenFid) *OpenFid {
	f.Node.Ref()
	return &OpenFid{Node: f.Node, Omode: fidtableNoMode}
}

// Walk advances f to the child named name, requiring exec (search)
// permission on the current directory. It returns the new node's Qid;
// the caller (internal/srv, implementing Twalk's per-element semantics)
// is responsible for stopping at the first failed element and discarding
// a newfid that never succeeded once.
//
// f must name a directory and must not already be open -- the same
// fid/type/omode cascade sp_walk runs before touching anything else.
// internal/srv runs this same cascade itself against the original named
// fid before cloning it (Clone always hands back an unopened OpenFid, so
// by the time a clone reaches here the omode check can never fire); it
// stays here too so direct callers of Walk get the same guarantee.
func (t *Tree) Walk(f *OpenFid, name string, user *User) (ninep.Qid, error) {
	if !f.Node.isDir() {
		return ninep.Qid{}, ninep.ErrNotDir
	}
	if f.Omode != fidtableNoMode {
		return ninep.Qid{}, ninep.ErrBadUseFid
	}
	if !t.checkPerm(f.Node, user, 1) {
		return ninep.Qid{}, ninep.ErrPerm
	}
	next, err := t.find(f.Node, name)
	if err != nil {
		return ninep.Qid{}, err
	}
	if next == nil {
		return ninep.Qid{}, ninep.ErrNotFound
	}
	f.Node.Unref()
	f.Node = next
	return next.Qid, nil
}

// Open validates permission for mode against f's current node, applies
// Oexcl/Otrunc semantics, and invokes the backing's OpenFid hook. f must
// not already be open; Twalk is the only way to get a fresh fid to open.
func (t *Tree) Open(f *OpenFid, mode uint8, user *User) (ninep.Qid, error) {
	if f.Omode != fidtableNoMode {
		return ninep.Qid{}, ninep.ErrBadUseFid
	}
	n := f.Node
	if !t.checkPerm(n, user, mode2perm(mode)) {
		return ninep.Qid{}, ninep.ErrPerm
	}
	if mode&ninep.Oexcl != 0 {
		if n.excl {
			return ninep.Qid{}, ninep.ErrOpen
		}
		n.excl = true
	}

	f.Omode = mode
	if n.isDir() {
		f.DirOffset = 0
		f.DirEnt = nil
		return n.Qid, nil
	}

	if mode&ninep.Otrunc != 0 {
		if n.NodeOps == nil {
			return ninep.Qid{}, ninep.ErrPerm
		}
		if err := n.NodeOps.Wstat(n, &ninep.Stat{Length: 0}); err != nil {
			return ninep.Qid{}, err
		}
	}
	if n.NodeOps != nil {
		if err := n.NodeOps.OpenFid(f); err != nil {
			return ninep.Qid{}, err
		}
	}
	return n.Qid, nil
}

// Create makes a new child of f's current directory and walks f to it,
// mirroring spfile_create's permission cascade: the requested perm bits
// are first masked down to the directory's own dir/file bits, then
// tested against the creating user before the backing's Create hook
// runs.
func (t *Tree) Create(f *OpenFid, name string, perm uint32, mode uint8, extension string, user *User) (ninep.Qid, error) {
	dir := f.Node
	existing, err := t.find(dir, name)
	if err != nil {
		return ninep.Qid{}, err
	}
	if existing != nil {
		existing.Unref()
		return ninep.Qid{}, ninep.ErrExist
	}
	if name == "." || name == ".." {
		return ninep.Qid{}, ninep.ErrExist
	}
	if !t.checkPerm(dir, user, 2) {
		return ninep.Qid{}, ninep.ErrPerm
	}

	if perm&ninep.Dmsymlink != 0 {
		perm |= 0777
	}
	if perm&ninep.Dmdir != 0 {
		perm &= ^uint32(0777) | (dir.Mode & 0777)
	} else {
		perm &= ^uint32(0666) | (dir.Mode & 0666)
	}
	if !t.checkPermBits(perm, dir.Gid, user, mode2perm(mode)) {
		return ninep.Qid{}, ninep.ErrPerm
	}

	if dir.DirOps == nil {
		return ninep.Qid{}, ninep.ErrPerm
	}
	child, err := dir.DirOps.Create(dir, name, perm, user, dir.Gid, extension)
	if err != nil {
		return ninep.Qid{}, err
	}

	dir.touch(user)
	f.Node = child
	f.Omode = mode
	if mode&ninep.Oexcl != 0 {
		child.excl = true
	}
	if child.isDir() {
		f.DirOffset = 0
		f.DirEnt = nil
	} else if child.NodeOps != nil {
		child.NodeOps.OpenFid(f)
	}
	return child.Qid, nil
}

// checkPermBits is check_perm applied to a permission-bit value that has
// not yet been attached to a Node (used only while creating one, before
// the new Node exists to hold fperm/fuid itself). The creating user is
// always both fuid and user, so the owner-bit branch always applies;
// the group branch still matters when the owner bits don't cover perm
// but the directory's group does and the user belongs to it.
func (t *Tree) checkPermBits(fperm uint32, fgid *Group, user *User, perm uint32) bool {
	perm &= 7
	if perm == 0 {
		return true
	}
	if (fperm&7)&perm != 0 {
		return true
	}
	if (fperm>>6)&7&perm != 0 {
		return true
	}
	if (fperm>>3)&7&perm != 0 && t.GroupsOf != nil {
		for _, g := range t.GroupsOf(user) {
			if g == fgid {
				return true
			}
		}
	}
	return false
}

// Read services Tread. For directories it enumerates entries via
// DirOps.First/Next starting at DirEnt, matching the original's
// resume-at-last-entry directory-read discipline; for files it defers
// entirely to NodeOps.Read.
func (t *Tree) Read(f *OpenFid, offset uint64, count uint32) ([]byte, error) {
	n := f.Node
	if !n.isDir() {
		if n.NodeOps == nil {
			return nil, ninep.ErrNotImplemented
		}
		return n.NodeOps.Read(n, f, offset, count)
	}

	if n.DirOps == nil {
		return nil, ninep.ErrPerm
	}
	if offset == 0 {
		if f.DirEnt != nil {
			f.DirEnt.Unref()
		}
		f.DirEnt = n.DirOps.First(n)
		f.DirOffset = 0
	} else if offset != f.DirOffset {
		return nil, ninep.ErrBadOffset
	}

	var out []byte
	for f.DirEnt != nil {
		stat := t.Stat(f.DirEnt)
		enc, err := encodeStatEntry(&stat)
		if err != nil {
			return nil, err
		}
		if uint32(len(out)+len(enc)) > count {
			break
		}
		out = append(out, enc...)
		next := n.DirOps.Next(n, f.DirEnt)
		f.DirEnt.Unref()
		f.DirEnt = next
	}
	f.DirOffset += uint64(len(out))
	return out, nil
}

// Write services Twrite, deferring to the backing for non-directories;
// directories are never writable.
func (t *Tree) Write(f *OpenFid, offset uint64, data []byte) (uint32, error) {
	n := f.Node
	if n.isDir() || n.NodeOps == nil {
		return 0, ninep.ErrPerm
	}
	return n.NodeOps.Write(n, f, offset, data)
}

// Clunk releases f's hold on its node, invoking the backing's
// CloseFid/destroyfid hooks and clearing the Oexcl lock if it was this
// fid that held it.
func (t *Tree) Clunk(f *OpenFid) {
	n := f.Node
	if n == nil {
		return
	}
	if !n.isDir() && n.NodeOps != nil {
		n.NodeOps.CloseFid(f)
	}
	if f.Omode != fidtableNoMode && f.Omode&ninep.Oexcl != 0 {
		n.excl = false
	}
	if f.DirEnt != nil {
		f.DirEnt.Unref()
		f.DirEnt = nil
	}
	n.Unref()
	f.Node = nil
}

// Remove unlinks f's node from its parent, requiring write permission on
// the parent directory, then clunks f regardless of outcome (matching
// the Tclunk-releases-unconditionally discipline this module applies
// uniformly to fid teardown).
func (t *Tree) Remove(f *OpenFid, user *User) error {
	n := f.Node
	if n.parent == nil {
		t.Clunk(f)
		return ninep.ErrPerm
	}
	if !t.checkPerm(n.parent, user, 2) {
		t.Clunk(f)
		return ninep.ErrPerm
	}
	if n.parent.DirOps == nil {
		t.Clunk(f)
		return ninep.ErrPerm
	}
	err := n.parent.DirOps.Remove(n.parent, n)
	t.Clunk(f)
	return err
}

// Stat builds the wire Stat record for n, matching file2wstat's field
// mapping exactly.
func (t *Tree) Stat(n *Node) ninep.Stat {
	s := ninep.Stat{
		Qid:    n.Qid,
		Mode:   n.Mode,
		Atime:  n.Atime,
		Mtime:  n.Mtime,
		Length: n.Length,
		Name:   n.Name,
		Extension: n.Extension,
	}
	if n.Uid != nil {
		s.Uid = n.Uid.Name
		s.NUid = n.Uid.Uid
	}
	if n.Gid != nil {
		s.Gid = n.Gid.Name
		s.NGid = n.Gid.Gid
	}
	if n.Muid != nil {
		s.Muid = n.Muid.Name
		s.NMuid = n.Muid.Uid
	}
	return s
}

// Wstat applies a (possibly partial, DontTouch-sentinelled) stat update
// to f's node, delegating field-level validity to the backing's Wstat
// hook. Type, Dev, and the Qid's Version/Path are never client-settable
// -- sent as anything but the don't-touch sentinel they fail with Eperm
// -- and Mode may not flip a node between directory and plain file.
func (t *Tree) Wstat(f *OpenFid, stat *ninep.Stat) error {
	n := f.Node
	if stat.Type != ninep.DontTouchU16 || stat.Dev != ninep.DontTouchU32 ||
		stat.Qid.Version != ninep.DontTouchU32 || stat.Qid.Path != ninep.DontTouchU64 {
		return ninep.ErrPerm
	}
	if stat.Mode != ninep.DontTouchU32 && (stat.Mode&ninep.Dmdir != 0) != n.isDir() {
		return ninep.ErrDirChange
	}

	var err error
	if n.isDir() {
		if n.DirOps == nil {
			return ninep.ErrPerm
		}
		err = n.DirOps.Wstat(n, stat)
	} else {
		if n.NodeOps == nil {
			return ninep.ErrPerm
		}
		err = n.NodeOps.Wstat(n, stat)
	}
	if err != nil {
		return err
	}
	if stat.Name != "" {
		n.Name = stat.Name
	}
	return nil
}

// encodeStatEntry is a thin seam over ninep's wire framing, used only by
// Read's directory-enumeration loop to size entries against the
// requested count before appending them.
func encodeStatEntry(s *ninep.Stat) ([]byte, error) {
	m := &ninep.RstatMsg{Stat: *s}
	frame, err := ninep.Encode(m, true)
	if err != nil {
		return nil, err
	}
	// Strip the 7-byte Rstat envelope (size+type+tag); only the stat
	// record itself belongs in a directory read's data stream.
	return frame[7:], nil
}

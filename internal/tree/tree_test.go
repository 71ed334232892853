// Copyright 2017-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package tree

import (
	"testing"

	"github.com/sandia-minimega/ninefs/pkg/ninep"
)

// memFile and memDir are a minimal in-memory backing used only by this
// package's tests. Every DirOps accessor (First/Next/Create) calls Ref
// on the node it returns, per the contract documented on Node.Ref: the
// registry itself holds one permanent reference, and each accessor call
// hands the tree a second, temporary one.
type memFile struct {
	destroyed bool
	data      []byte
}

func (f *memFile) Read(n *Node, ofid *OpenFid, offset uint64, count uint32) ([]byte, error) {
	if offset >= uint64(len(f.data)) {
		return nil, nil
	}
	end := offset + uint64(count)
	if end > uint64(len(f.data)) {
		end = uint64(len(f.data))
	}
	return f.data[offset:end], nil
}

func (f *memFile) Write(n *Node, ofid *OpenFid, offset uint64, data []byte) (uint32, error) {
	end := int(offset) + len(data)
	if end > len(f.data) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[offset:], data)
	n.Length = uint64(len(f.data))
	return uint32(len(data)), nil
}

func (f *memFile) Wstat(n *Node, stat *ninep.Stat) error {
	if stat.Length != ninep.DontTouchU64 {
		if int(stat.Length) < len(f.data) {
			f.data = f.data[:stat.Length]
		}
		n.Length = stat.Length
	}
	return nil
}

func (f *memFile) OpenFid(ofid *OpenFid) error { return nil }
func (f *memFile) CloseFid(ofid *OpenFid)      {}
func (f *memFile) Destroy(n *Node)             { f.destroyed = true }

type memDir struct {
	children []*Node
	removed  []string
	qnext    uint64
}

func (d *memDir) Create(dir *Node, name string, perm uint32, uid *User, gid *Group, extension string) (*Node, error) {
	d.qnext++
	child := NewNode(dir, name, perm, d.qnext, uid, gid)
	if perm&ninep.Dmdir != 0 {
		child.DirOps = &memDir{}
	} else {
		child.NodeOps = &memFile{}
	}
	d.children = append(d.children, child)
	child.Ref() // the handed-back reference; the slice append holds the permanent one
	return child, nil
}

func (d *memDir) First(dir *Node) *Node {
	if len(d.children) == 0 {
		return nil
	}
	d.children[0].Ref()
	return d.children[0]
}

func (d *memDir) Next(dir *Node, prev *Node) *Node {
	for i, c := range d.children {
		if c == prev && i+1 < len(d.children) {
			d.children[i+1].Ref()
			return d.children[i+1]
		}
	}
	return nil
}

func (d *memDir) Remove(dir *Node, child *Node) error {
	for i, c := range d.children {
		if c == child {
			d.children = append(d.children[:i], d.children[i+1:]...)
			d.removed = append(d.removed, child.Name)
			return nil
		}
	}
	return ninep.ErrNotFound
}

func (d *memDir) Wstat(n *Node, stat *ninep.Stat) error { return nil }
func (d *memDir) Destroy(n *Node)                       {}

func newTestTree() (*Tree, *User) {
	uid := &User{Name: "alice", Uid: 1000}
	root := NewNode(nil, "/", ninep.Dmdir|0755, 1, uid, nil)
	root.DirOps = &memDir{qnext: 1}
	return &Tree{Root: root}, uid
}

func TestAttachWalkClunk(t *testing.T) {
	tr, uid := newTestTree()

	f, err := tr.Attach(uid)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if f.Node != tr.Root {
		t.Fatal("Attach should root the fid at the tree root")
	}

	if _, err := tr.Create(f, "file", 0644, ninep.Ordwr, "", uid); err != nil {
		t.Fatalf("Create: %v", err)
	}

	f2, err := tr.Attach(uid)
	if err != nil {
		t.Fatalf("second Attach: %v", err)
	}
	qid, err := tr.Walk(f2, "file", uid)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if qid != f2.Node.Qid {
		t.Fatal("Walk returned qid should match the fid's new node")
	}

	tr.Clunk(f)
	tr.Clunk(f2)
	if f.Node != nil || f2.Node != nil {
		t.Fatal("Clunk should clear Node")
	}
}

func TestWalkParent(t *testing.T) {
	tr, uid := newTestTree()
	f, _ := tr.Attach(uid)
	tr.Create(f, "sub", ninep.Dmdir|0755, ninep.Oread, "", uid)

	f2, _ := tr.Attach(uid)
	if _, err := tr.Walk(f2, "sub", uid); err != nil {
		t.Fatalf("walk to sub: %v", err)
	}
	if _, err := tr.Walk(f2, "..", uid); err != nil {
		t.Fatalf("walk to ..: %v", err)
	}
	if f2.Node != tr.Root {
		t.Fatal("walking .. from a direct child should reach the root")
	}
}

func TestWalkNotFound(t *testing.T) {
	tr, uid := newTestTree()
	f, _ := tr.Attach(uid)
	if _, err := tr.Walk(f, "nope", uid); err != ninep.ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestCreateDuplicateRejected(t *testing.T) {
	tr, uid := newTestTree()
	f, _ := tr.Attach(uid)
	if _, err := tr.Create(f, "dup", 0644, ninep.Ordwr, "", uid); err != nil {
		t.Fatalf("first Create: %v", err)
	}

	f2, _ := tr.Attach(uid)
	if _, err := tr.Create(f2, "dup", 0644, ninep.Ordwr, "", uid); err != ninep.ErrExist {
		t.Fatalf("got %v, want ErrExist", err)
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	tr, uid := newTestTree()
	f, _ := tr.Attach(uid)
	tr.Create(f, "data", 0644, ninep.Ordwr, "", uid)

	n, err := tr.Write(f, 0, []byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}

	got, err := tr.Read(f, 0, 5)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("Read = %q", got)
	}
}

func TestPermissionDenied(t *testing.T) {
	tr, owner := newTestTree()
	stranger := &User{Name: "eve", Uid: 2000}

	f, _ := tr.Attach(owner)
	tr.Create(f, "secret", 0600, ninep.Ordwr, "", owner)

	f2, _ := tr.Attach(stranger)
	if _, err := tr.Walk(f2, "secret", stranger); err != nil {
		t.Fatalf("walk should succeed regardless of file perms: %v", err)
	}
	if _, err := tr.Open(f2, ninep.Ordwr, stranger); err != ninep.ErrPerm {
		t.Fatalf("got %v, want ErrPerm", err)
	}
}

func TestRemove(t *testing.T) {
	tr, uid := newTestTree()
	f, _ := tr.Attach(uid)
	tr.Create(f, "gone", 0644, ninep.Ordwr, "", uid)

	f2, _ := tr.Attach(uid)
	tr.Walk(f2, "gone", uid)

	if err := tr.Remove(f2, uid); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	f3, _ := tr.Attach(uid)
	if _, err := tr.Walk(f3, "gone", uid); err != ninep.ErrNotFound {
		t.Fatalf("removed file should no longer be found, got %v", err)
	}
}

func TestStatFields(t *testing.T) {
	tr, uid := newTestTree()
	f, _ := tr.Attach(uid)
	tr.Create(f, "s", 0644, ninep.Ordwr, "", uid)

	s := tr.Stat(f.Node)
	if s.Name != "s" || s.Uid != "alice" || s.NUid != 1000 {
		t.Fatalf("Stat = %+v", s)
	}
}

func TestWalkFromFileRejected(t *testing.T) {
	tr, uid := newTestTree()
	f, _ := tr.Attach(uid)
	tr.Create(f, "plain", 0644, ninep.Ordwr, "", uid)

	f2, _ := tr.Attach(uid)
	if _, err := tr.Walk(f2, "plain", uid); err != nil {
		t.Fatalf("walk to plain: %v", err)
	}
	if _, err := tr.Walk(f2, "anything", uid); err != ninep.ErrNotDir {
		t.Fatalf("walk from a file fid = %v, want ErrNotDir", err)
	}
}

func TestWalkFromOpenFidRejected(t *testing.T) {
	tr, uid := newTestTree()
	f, _ := tr.Attach(uid)
	tr.Create(f, "sub", ninep.Dmdir|0755, ninep.Oread, "", uid)

	f2, _ := tr.Attach(uid)
	if _, err := tr.Open(f2, ninep.Oread, uid); err != nil {
		t.Fatalf("Open root: %v", err)
	}
	if _, err := tr.Walk(f2, "sub", uid); err != ninep.ErrBadUseFid {
		t.Fatalf("walk from an already-open fid = %v, want ErrBadUseFid", err)
	}
}

func TestOpenAlreadyOpenRejected(t *testing.T) {
	tr, uid := newTestTree()
	f, _ := tr.Attach(uid)
	tr.Create(f, "f", 0644, ninep.Ordwr, "", uid)

	f2, _ := tr.Attach(uid)
	tr.Walk(f2, "f", uid)
	if _, err := tr.Open(f2, ninep.Ordwr, uid); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := tr.Open(f2, ninep.Ordwr, uid); err != ninep.ErrBadUseFid {
		t.Fatalf("second Open on the same fid = %v, want ErrBadUseFid", err)
	}
}

func TestWstatSentinelViolationRejected(t *testing.T) {
	tr, uid := newTestTree()
	f, _ := tr.Attach(uid)
	tr.Create(f, "s", 0644, ninep.Ordwr, "", uid)

	stat := ninep.BlankStat()
	stat.Type = 0
	if err := tr.Wstat(f, &stat); err != ninep.ErrPerm {
		t.Fatalf("Wstat touching Type = %v, want ErrPerm", err)
	}

	stat = ninep.BlankStat()
	stat.Qid.Path = 99
	if err := tr.Wstat(f, &stat); err != ninep.ErrPerm {
		t.Fatalf("Wstat touching Qid.Path = %v, want ErrPerm", err)
	}
}

func TestWstatDirChangeRejected(t *testing.T) {
	tr, uid := newTestTree()
	f, _ := tr.Attach(uid)
	tr.Create(f, "s", 0644, ninep.Ordwr, "", uid)

	stat := ninep.BlankStat()
	stat.Mode = ninep.Dmdir | 0755
	if err := tr.Wstat(f, &stat); err != ninep.ErrDirChange {
		t.Fatalf("Wstat changing file to directory = %v, want ErrDirChange", err)
	}
}

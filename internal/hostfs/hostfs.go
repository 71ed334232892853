// Copyright 2017-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package hostfs backs an internal/tree.Tree with a real directory on
// the serving host: every Node maps to one path under a configured
// root, and Read/Write/wstat/create/remove are thin wrappers over the
// os package. The os.FileInfo -> Qid/mode mapping follows the vendored
// Harvey-OS/ninep filesystem adapter's fileInfoToQID/dirTo9p2000Dir.
package hostfs

import (
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/sandia-minimega/ninefs/internal/tree"
	"github.com/sandia-minimega/ninefs/pkg/ninelog"
	"github.com/sandia-minimega/ninefs/pkg/ninep"
)

// Backend holds the configuration shared by every Node rooted at one
// served directory: where it lives on disk and who owns files that have
// no host-level owner information worth trusting (the synthetic root,
// or a host without POSIX uid/gid semantics).
type Backend struct {
	Root  string
	User  *tree.User
	Group *tree.Group
}

// NewTree stats Root and builds a tree.Tree serving it.
func (b *Backend) NewTree() (*tree.Tree, error) {
	fi, err := os.Lstat(b.Root)
	if err != nil {
		return nil, err
	}
	root := b.nodeFromInfo(nil, b.Root, fi)
	if hd, ok := root.DirOps.(*hostDir); ok {
		root.DirOps = &rootDir{hostDir: *hd}
	}
	return &tree.Tree{Root: root}, nil
}

func qidFromInfo(fi os.FileInfo) ninep.Qid {
	var q ninep.Qid
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		q.Path = st.Ino
	} else {
		q.Path = uint64(fi.ModTime().UnixNano())
	}
	q.Version = uint32(fi.ModTime().UnixNano() / 1e6)
	if fi.IsDir() {
		q.Type |= ninep.Qtdir
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		q.Type |= ninep.Qtsymlink
	}
	return q
}

func modeFromInfo(fi os.FileInfo) uint32 {
	m := uint32(fi.Mode().Perm())
	if fi.IsDir() {
		m |= ninep.Dmdir
	}
	return m
}

func (b *Backend) nodeFromInfo(parent *tree.Node, path string, fi os.FileInfo) *tree.Node {
	n := tree.NewNode(parent, fi.Name(), modeFromInfo(fi), 0, b.User, b.Group)
	n.Qid = qidFromInfo(fi)
	n.Atime = uint32(fi.ModTime().Unix())
	n.Mtime = n.Atime
	n.Length = uint64(fi.Size())
	if fi.IsDir() {
		n.DirOps = &hostDir{path: path, backend: b}
	} else {
		n.NodeOps = &hostFile{path: path}
	}
	return n
}

// hostDir implements tree.DirOps over one directory on disk. First/Next
// re-read the directory each call rather than caching a snapshot, so
// concurrent host-side changes are visible on the next read -- the
// simplest correct behavior for a reference file-tree backing, at the
// cost of an extra readdir per entry.
type hostDir struct {
	path    string
	backend *Backend
}

func (d *hostDir) sortedEntries() []os.FileInfo {
	entries, err := ioutil.ReadDir(d.path)
	if err != nil {
		ninelog.Error("hostfs: readdir %s: %v", d.path, err)
		return nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries
}

func (d *hostDir) Create(dir *tree.Node, name string, perm uint32, uid *tree.User, gid *tree.Group, extension string) (*tree.Node, error) {
	full := filepath.Join(d.path, name)
	if perm&ninep.Dmdir != 0 {
		if err := os.Mkdir(full, os.FileMode(perm&0777)); err != nil {
			return nil, translateErr(err)
		}
	} else {
		f, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_RDWR, os.FileMode(perm&0777))
		if err != nil {
			return nil, translateErr(err)
		}
		f.Close()
	}
	fi, err := os.Lstat(full)
	if err != nil {
		return nil, translateErr(err)
	}
	child := d.backend.nodeFromInfo(dir, full, fi)
	child.Ref()
	return child, nil
}

func (d *hostDir) First(dir *tree.Node) *tree.Node {
	entries := d.sortedEntries()
	if len(entries) == 0 {
		return nil
	}
	n := d.backend.nodeFromInfo(dir, filepath.Join(d.path, entries[0].Name()), entries[0])
	n.Ref()
	return n
}

func (d *hostDir) Next(dir *tree.Node, prev *tree.Node) *tree.Node {
	entries := d.sortedEntries()
	for i, fi := range entries {
		if fi.Name() == prev.Name && i+1 < len(entries) {
			n := d.backend.nodeFromInfo(dir, filepath.Join(d.path, entries[i+1].Name()), entries[i+1])
			n.Ref()
			return n
		}
	}
	return nil
}

func (d *hostDir) Remove(dir *tree.Node, child *tree.Node) error {
	full := filepath.Join(d.path, child.Name)
	if err := os.Remove(full); err != nil {
		return translateErr(err)
	}
	return nil
}

func (d *hostDir) Wstat(n *tree.Node, stat *ninep.Stat) error {
	if stat.Mode != ninep.DontTouchU32 {
		if err := os.Chmod(d.path, os.FileMode(stat.Mode&0777)); err != nil {
			return translateErr(err)
		}
	}
	return nil
}

func (d *hostDir) Destroy(n *tree.Node) {}

// hostFile implements tree.NodeOps over one regular file on disk. It
// opens the underlying *os.File lazily, on OpenFid, and keeps it for the
// fid's lifetime in OpenFid's Aux slot.
type hostFile struct {
	path string
}

func (f *hostFile) OpenFid(ofid *tree.OpenFid) error {
	flags := hostOpenFlags(ofid.Omode)
	fh, err := os.OpenFile(f.path, flags, 0)
	if err != nil {
		return translateErr(err)
	}
	ofid.Aux = fh
	return nil
}

func (f *hostFile) CloseFid(ofid *tree.OpenFid) {
	if fh, ok := ofid.Aux.(*os.File); ok {
		fh.Close()
	}
}

func (f *hostFile) Read(n *tree.Node, ofid *tree.OpenFid, offset uint64, count uint32) ([]byte, error) {
	fh, ok := ofid.Aux.(*os.File)
	if !ok {
		return nil, ninep.ErrBadUseFid
	}
	buf := make([]byte, count)
	nr, err := fh.ReadAt(buf, int64(offset))
	if err != nil && err != io.EOF {
		return nil, translateErr(err)
	}
	return buf[:nr], nil
}

func (f *hostFile) Write(n *tree.Node, ofid *tree.OpenFid, offset uint64, data []byte) (uint32, error) {
	fh, ok := ofid.Aux.(*os.File)
	if !ok {
		return 0, ninep.ErrBadUseFid
	}
	nw, err := fh.WriteAt(data, int64(offset))
	if err != nil {
		return uint32(nw), translateErr(err)
	}
	if fi, err := fh.Stat(); err == nil {
		n.Length = uint64(fi.Size())
	}
	return uint32(nw), nil
}

func (f *hostFile) Wstat(n *tree.Node, stat *ninep.Stat) error {
	if stat.Length != ninep.DontTouchU64 {
		if err := os.Truncate(f.path, int64(stat.Length)); err != nil {
			return translateErr(err)
		}
		n.Length = stat.Length
	}
	if stat.Mode != ninep.DontTouchU32 {
		if err := os.Chmod(f.path, os.FileMode(stat.Mode&0777)); err != nil {
			return translateErr(err)
		}
	}
	return nil
}

func (f *hostFile) Destroy(n *tree.Node) {}

func hostOpenFlags(mode uint8) int {
	var flags int
	switch mode & 3 {
	case ninep.Oread:
		flags = os.O_RDONLY
	case ninep.Owrite:
		flags = os.O_WRONLY
	case ninep.Ordwr:
		flags = os.O_RDWR
	case ninep.Oexec:
		flags = os.O_RDONLY
	}
	if mode&ninep.Otrunc != 0 {
		flags |= os.O_TRUNC
	}
	return flags
}

func translateErr(err error) error {
	if os.IsNotExist(err) {
		return ninep.ErrNotFound
	}
	if os.IsPermission(err) {
		return ninep.ErrPerm
	}
	if os.IsExist(err) {
		return ninep.ErrExist
	}
	return ninep.ErrIO
}

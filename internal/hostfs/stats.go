// Copyright 2017-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package hostfs

import (
	"fmt"

	proc "github.com/c9s/goprocinfo/linux"

	"github.com/sandia-minimega/ninefs/internal/tree"
	"github.com/sandia-minimega/ninefs/pkg/ninep"
)

// rootDir wraps the ordinary hostDir at the tree root with one synthetic
// child, "ctrl", a read-only diagnostics directory that is never backed
// by anything on disk. It always sorts first, ahead of the directory's
// real (alphabetically sorted) entries.
type rootDir struct {
	hostDir
	ctrl *tree.Node
}

func (d *rootDir) ensureCtrl(dir *tree.Node) *tree.Node {
	if d.ctrl == nil {
		d.ctrl = newCtrlNode(dir, d.backend)
	}
	return d.ctrl
}

func (d *rootDir) First(dir *tree.Node) *tree.Node {
	c := d.ensureCtrl(dir)
	c.Ref()
	return c
}

func (d *rootDir) Next(dir *tree.Node, prev *tree.Node) *tree.Node {
	if prev == d.ctrl {
		return d.hostDir.First(dir)
	}
	return d.hostDir.Next(dir, prev)
}

func (d *rootDir) Create(dir *tree.Node, name string, perm uint32, uid *tree.User, gid *tree.Group, extension string) (*tree.Node, error) {
	if name == "ctrl" {
		return nil, ninep.ErrExist
	}
	return d.hostDir.Create(dir, name, perm, uid, gid, extension)
}

func (d *rootDir) Remove(dir *tree.Node, child *tree.Node) error {
	if child == d.ctrl {
		return ninep.ErrPerm
	}
	return d.hostDir.Remove(dir, child)
}

// ctrlDir is the "ctrl" directory's DirOps: one fixed entry, "stats".
type ctrlDir struct {
	backend *Backend
	stats   *tree.Node
}

func newCtrlNode(parent *tree.Node, b *Backend) *tree.Node {
	n := tree.NewNode(parent, "ctrl", ninep.Dmdir|0555, ctrlQidPath, b.User, b.Group)
	n.DirOps = &ctrlDir{backend: b}
	return n
}

// ctrlQidPath and statsQidPath sit well above any real inode number a
// host filesystem is likely to hand back, keeping synthetic qids from
// colliding with on-disk ones.
const (
	ctrlQidPath  = 1 << 62
	statsQidPath = 1<<62 + 1
)

func (d *ctrlDir) ensureStats(dir *tree.Node) *tree.Node {
	if d.stats == nil {
		n := tree.NewNode(dir, "stats", 0444, statsQidPath, d.backend.User, d.backend.Group)
		n.NodeOps = &statsFile{}
		d.stats = n
	}
	return d.stats
}

func (d *ctrlDir) First(dir *tree.Node) *tree.Node {
	s := d.ensureStats(dir)
	s.Ref()
	return s
}

func (d *ctrlDir) Next(dir *tree.Node, prev *tree.Node) *tree.Node { return nil }

func (d *ctrlDir) Create(dir *tree.Node, name string, perm uint32, uid *tree.User, gid *tree.Group, extension string) (*tree.Node, error) {
	return nil, ninep.ErrPerm
}

func (d *ctrlDir) Remove(dir *tree.Node, child *tree.Node) error { return ninep.ErrPerm }
func (d *ctrlDir) Wstat(n *tree.Node, stat *ninep.Stat) error    { return ninep.ErrPerm }
func (d *ctrlDir) Destroy(n *tree.Node)                          {}

// statsFile renders a snapshot of host load average and memory usage on
// every read, sourced from /proc via goprocinfo -- the same library the
// teacher uses for its own process-introspection reporting, given a home
// here as a minimal read-only diagnostics file instead of a full
// process-accounting subsystem.
type statsFile struct{}

func renderStats() []byte {
	var out string
	if la, err := proc.ReadLoadAvg("/proc/loadavg"); err == nil {
		out += fmt.Sprintf("load 1m=%.2f 5m=%.2f 15m=%.2f\n", la.Last1Min, la.Last5Min, la.Last15Min)
	} else {
		out += fmt.Sprintf("load unavailable: %v\n", err)
	}
	if mi, err := proc.ReadMemInfo("/proc/meminfo"); err == nil {
		out += fmt.Sprintf("mem total=%dkB free=%dkB\n", mi.MemTotal, mi.MemFree)
	} else {
		out += fmt.Sprintf("mem unavailable: %v\n", err)
	}
	return []byte(out)
}

func (f *statsFile) Read(n *tree.Node, ofid *tree.OpenFid, offset uint64, count uint32) ([]byte, error) {
	data := renderStats()
	if offset >= uint64(len(data)) {
		return nil, nil
	}
	end := offset + uint64(count)
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	return data[offset:end], nil
}

func (f *statsFile) Write(n *tree.Node, ofid *tree.OpenFid, offset uint64, data []byte) (uint32, error) {
	return 0, ninep.ErrPerm
}

func (f *statsFile) Wstat(n *tree.Node, stat *ninep.Stat) error { return ninep.ErrPerm }
func (f *statsFile) OpenFid(ofid *tree.OpenFid) error           { return nil }
func (f *statsFile) CloseFid(ofid *tree.OpenFid)                {}
func (f *statsFile) Destroy(n *tree.Node)                       {}

// Copyright 2017-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package hostfs

import (
	"io/ioutil"
	"testing"

	"github.com/sandia-minimega/ninefs/pkg/ninep"
)

func TestRootListsCtrlFirst(t *testing.T) {
	b, dir := newTestBackend(t)
	if err := ioutil.WriteFile(dir+"/a.txt", nil, 0644); err != nil {
		t.Fatal(err)
	}

	tr, err := b.NewTree()
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	d := tr.Root.DirOps

	first := d.First(tr.Root)
	if first == nil || first.Name != "ctrl" {
		t.Fatalf("First = %+v, want ctrl", first)
	}
	second := d.Next(tr.Root, first)
	if second == nil || second.Name != "a.txt" {
		t.Fatalf("Next after ctrl = %+v, want a.txt", second)
	}
}

func TestWalkCtrlStatsReadable(t *testing.T) {
	b, _ := newTestBackend(t)
	tr, err := b.NewTree()
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}

	f, err := tr.Attach(b.User)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if _, err := tr.Walk(f, "ctrl", b.User); err != nil {
		t.Fatalf("Walk ctrl: %v", err)
	}
	if _, err := tr.Walk(f, "stats", b.User); err != nil {
		t.Fatalf("Walk stats: %v", err)
	}
	if _, err := tr.Open(f, ninep.Oread, b.User); err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, err := tr.Read(f, 0, 4096)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("ctrl/stats should render non-empty diagnostics text")
	}
	tr.Clunk(f)
}

func TestCtrlIsImmutable(t *testing.T) {
	b, _ := newTestBackend(t)
	tr, err := b.NewTree()
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}

	f, err := tr.Attach(b.User)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if _, err := tr.Create(f, "ctrl", ninep.Dmdir|0755, 0, "", b.User); err == nil {
		t.Fatal("creating a file named ctrl at the root should fail")
	}

	f2, err := tr.Attach(b.User)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if _, err := tr.Walk(f2, "ctrl", b.User); err != nil {
		t.Fatalf("Walk ctrl: %v", err)
	}
	if err := tr.Remove(f2, b.User); err == nil {
		t.Fatal("removing ctrl should fail")
	}

	f3, err := tr.Attach(b.User)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if _, err := tr.Walk(f3, "ctrl", b.User); err != nil {
		t.Fatalf("Walk ctrl: %v", err)
	}
	if _, err := tr.Create(f3, "nope", 0644, ninep.Ordwr, "", b.User); err == nil {
		t.Fatal("creating under ctrl should fail")
	}
}

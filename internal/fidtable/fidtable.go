// Copyright 2017-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package fidtable implements the per-connection fid table: an open-hash
// map from wire fid numbers to server-side fid state, refcounted and
// bucketed exactly as sp_fidpool_create/sp_fid_find/sp_fid_create do in
// the original codec.
package fidtable

import (
	"sync"

	"github.com/sandia-minimega/ninefs/pkg/ninep"
)

// NoMode marks a Fid that has not yet been opened.
const NoMode uint8 = 0xFF

// Fid is the server-side state associated with one wire fid number on one
// connection. Aux holds whatever the caller passed to Create (internal/srv
// keeps its per-fid state there); it is opaque to this package, matching
// the aux field on the original Spfid.
type Fid struct {
	Num       uint32
	Refcount  int
	Omode     uint8
	Type      uint8
	DirOffset uint64
	Aux       interface{}

	next *Fid
}

// Table is a connection's fid table: FidHtableSize buckets of singly
// linked chains, matching FID_HTABLE_SIZE in the original header.
type Table struct {
	mu      sync.Mutex
	buckets [ninep.FidHtableSize]*Fid
	destroy func(*Fid)
}

// New creates an empty table. destroy, if non-nil, is called once for
// every fid still in the table when it is torn down or a fid's refcount
// reaches zero, mirroring srv->fiddestroy.
func New(destroy func(*Fid)) *Table {
	return &Table{destroy: destroy}
}

func hash(fid uint32) uint32 { return fid % ninep.FidHtableSize }

// Find looks up num, moving it to the front of its bucket on a hit (the
// same move-to-front discipline as sp_fid_find, optimizing for the
// common case of repeated use of the same fid).
func (t *Table) Find(num uint32) *Fid {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.findLocked(num)
}

func (t *Table) findLocked(num uint32) *Fid {
	h := hash(num)
	prevp := &t.buckets[h]
	for f := *prevp; f != nil; f = *prevp {
		if f.Num == num {
			*prevp = f.next
			f.next = t.buckets[h]
			t.buckets[h] = f
			return f
		}
		prevp = &f.next
	}
	return nil
}

// Create inserts a new fid for num, returning nil if num already exists
// in the table (the caller should report ErrFidInUse).
func (t *Table) Create(num uint32, aux interface{}) *Fid {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.findLocked(num) != nil {
		return nil
	}

	h := hash(num)
	f := &Fid{Num: num, Omode: NoMode, Aux: aux}
	f.next = t.buckets[h]
	t.buckets[h] = f
	return f
}

// Destroy unconditionally removes f from the table and invokes the
// destroy callback, regardless of refcount. Unlike the original's
// refcount-gated sp_fid_destroy, Tclunk here always releases the fid
// rather than leaving it orphaned in the table should another Spreq
// still reference it; concurrent Spreqs hold onto their own *Fid and are
// unaffected once a handler has already captured the pointer.
func (t *Table) Destroy(f *Fid) {
	t.mu.Lock()
	h := hash(f.Num)
	prevp := &t.buckets[h]
	for cur := *prevp; cur != nil; cur = *prevp {
		if cur == f {
			*prevp = cur.next
			break
		}
		prevp = &cur.next
	}
	t.mu.Unlock()

	if t.destroy != nil {
		t.destroy(f)
	}
}

// Incref bumps f's reference count; it is a no-op for a nil fid.
func (t *Table) Incref(f *Fid) {
	if f == nil {
		return
	}
	t.mu.Lock()
	f.Refcount++
	t.mu.Unlock()
}

// Decref drops f's reference count, destroying it once the count reaches
// zero.
func (t *Table) Decref(f *Fid) {
	if f == nil {
		return
	}
	t.mu.Lock()
	f.Refcount--
	zero := f.Refcount <= 0
	t.mu.Unlock()

	if zero {
		t.Destroy(f)
	}
}

// DestroyAll tears down every fid still held by the table, invoking the
// destroy callback for each, in preparation for connection shutdown.
func (t *Table) DestroyAll() {
	t.mu.Lock()
	var all []*Fid
	for i, f := range t.buckets {
		for ; f != nil; f = f.next {
			all = append(all, f)
		}
		t.buckets[i] = nil
	}
	t.mu.Unlock()

	if t.destroy == nil {
		return
	}
	for _, f := range all {
		t.destroy(f)
	}
}

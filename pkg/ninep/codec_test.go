// Copyright 2017-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package ninep

import (
	"bytes"
	"reflect"
	"testing"
)

func roundTrip(t *testing.T, m Fcall, dotu bool) Fcall {
	t.Helper()
	frame, err := Encode(m, dotu)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(frame, dotu)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return got
}

func TestVersionRoundTrip(t *testing.T) {
	for _, dotu := range []bool{false, true} {
		m := &TversionMsg{Msize: 8192, Version: "9P2000.u"}
		m.SetTag(NoTag)
		got := roundTrip(t, m, dotu)
		gv, ok := got.(*TversionMsg)
		if !ok {
			t.Fatalf("got %T", got)
		}
		if gv.Msize != m.Msize || gv.Version != m.Version || gv.Tag() != m.Tag() {
			t.Fatalf("got %+v, want %+v", gv, m)
		}
	}
}

func TestWalkRoundTrip(t *testing.T) {
	m := &TwalkMsg{Fid: 0, NewFid: 1, Wname: []string{"a", "b"}}
	m.SetTag(42)
	got := roundTrip(t, m, true).(*TwalkMsg)
	if got.Fid != m.Fid || got.NewFid != m.NewFid || !reflect.DeepEqual(got.Wname, m.Wname) {
		t.Fatalf("got %+v, want %+v", got, m)
	}

	r := &RwalkMsg{Wqid: []Qid{{Type: Qtdir, Version: 1, Path: 7}}}
	r.SetTag(42)
	gotR := roundTrip(t, r, true).(*RwalkMsg)
	if !reflect.DeepEqual(gotR.Wqid, r.Wqid) {
		t.Fatalf("got %+v, want %+v", gotR.Wqid, r.Wqid)
	}
}

func TestWalkTooManyElements(t *testing.T) {
	names := make([]string, MaxWalkElem+1)
	for i := range names {
		names[i] = "x"
	}
	m := &TwalkMsg{Fid: 0, NewFid: 1, Wname: names}
	frame, err := Encode(m, false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(frame, false); err == nil {
		t.Fatal("expected decode error for > MaxWalkElem names")
	}
}

func TestStatRoundTripBaseAndDotu(t *testing.T) {
	s := Stat{
		Type: 0, Dev: 0,
		Qid:  Qid{Type: Qtdir, Version: 3, Path: 99},
		Mode: Dmdir | 0755, Atime: 1000, Mtime: 2000, Length: 4096,
		Name: "dir", Uid: "alice", Gid: "users", Muid: "alice",
	}
	for _, dotu := range []bool{false, true} {
		stat := s
		if dotu {
			stat.Extension = ""
			stat.NUid, stat.NGid, stat.NMuid = 1000, 1000, 1000
		}
		m := &RstatMsg{Stat: stat}
		m.SetTag(5)
		got := roundTrip(t, m, dotu).(*RstatMsg)
		if !reflect.DeepEqual(got.Stat, stat) {
			t.Fatalf("dotu=%v: got %+v, want %+v", dotu, got.Stat, stat)
		}
	}
}

func TestRerrorDotuEcode(t *testing.T) {
	m := NewRerror(ErrNotFound, true)
	m.SetTag(3)
	frame, err := Encode(m, true)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(frame, true)
	if err != nil {
		t.Fatal(err)
	}
	re := got.(*RerrorMsg)
	if re.Ename != ErrNotFound.Ename || re.Ecode != uint32(ErrNotFound.Ecode) {
		t.Fatalf("got %+v", re)
	}

	// Base mode must not carry ecode.
	m2 := NewRerror(ErrNotFound, false)
	frame2, _ := Encode(m2, false)
	got2, err := Decode(frame2, false)
	if err != nil {
		t.Fatal(err)
	}
	if got2.(*RerrorMsg).Ecode != 0 {
		t.Fatalf("base mode leaked ecode: %+v", got2)
	}
}

func TestDecodeSizeMismatch(t *testing.T) {
	m := &TclunkMsg{Fid: 1}
	m.SetTag(1)
	frame, _ := Encode(m, false)
	frame = append(frame, 0xFF) // trailing garbage byte not reflected in size prefix
	if _, err := Decode(frame, false); err == nil {
		t.Fatal("expected size-mismatch error")
	}
}

func TestResizableRread(t *testing.T) {
	provisional := AllocRread(9, 1024)
	if len(provisional) != rreadDataOffset+1024 {
		t.Fatalf("provisional length = %d", len(provisional))
	}

	payload := []byte("hello world")
	copy(provisional[rreadDataOffset:], payload)

	narrowed := SetRreadCount(provisional, uint32(len(payload)))
	if len(narrowed) != rreadDataOffset+len(payload) {
		t.Fatalf("narrowed length = %d, want %d", len(narrowed), rreadDataOffset+len(payload))
	}

	got, err := Decode(narrowed, false)
	if err != nil {
		t.Fatal(err)
	}
	rr, ok := got.(*RreadMsg)
	if !ok {
		t.Fatalf("got %T", got)
	}
	if !bytes.Equal(rr.Data, payload) {
		t.Fatalf("got %q, want %q", rr.Data, payload)
	}
	if rr.Tag() != 9 {
		t.Fatalf("tag = %d, want 9", rr.Tag())
	}
}

func TestAuthUnameTailOptional(t *testing.T) {
	// Without the .u tail, decode under dotu must default NUname, not fail.
	m := &TauthMsg{Afid: 1, Uname: "alice", Aname: "/"}
	m.SetTag(1)
	frame, err := Encode(m, false) // encoded without the tail
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(frame, true) // decoded as if dotu, tail absent
	if err != nil {
		t.Fatal(err)
	}
	ta := got.(*TauthMsg)
	if ta.NUname != NoUname {
		t.Fatalf("NUname = %d, want sentinel", ta.NUname)
	}
}

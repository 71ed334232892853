// Copyright 2017-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package auth

import "testing"

func newTestSession(t *testing.T) Session {
	t.Helper()
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	return NewPasswordProvider(map[string][]byte{"alice": hash}).NewSession()
}

func TestStartAuthUnknownUser(t *testing.T) {
	s := newTestSession(t)
	if _, err := s.StartAuth(1, "eve", "/"); err == nil {
		t.Fatal("expected error for unknown user")
	}
}

func TestAuthSuccess(t *testing.T) {
	s := newTestSession(t)

	const afid = 7
	if _, err := s.StartAuth(afid, "alice", "/"); err != nil {
		t.Fatalf("StartAuth: %v", err)
	}

	if _, err := s.Write(afid, 0, []byte("s3cret")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.CheckAuth(afid, "alice", "/"); err != nil {
		t.Fatalf("CheckAuth: %v", err)
	}
}

func TestAuthWrongPassword(t *testing.T) {
	s := newTestSession(t)
	const afid = 3
	s.StartAuth(afid, "alice", "/")
	s.Write(afid, 0, []byte("wrong"))
	if err := s.CheckAuth(afid, "alice", "/"); err == nil {
		t.Fatal("expected CheckAuth to fail for a wrong password")
	}
}

func TestAuthBeforeWrite(t *testing.T) {
	s := newTestSession(t)
	s.StartAuth(99, "alice", "/")
	if err := s.CheckAuth(99, "alice", "/"); err == nil {
		t.Fatal("expected CheckAuth to fail before any Write")
	}
}

func TestWriteUnknownAfid(t *testing.T) {
	s := newTestSession(t)
	if _, err := s.Write(42, 0, []byte("x")); err == nil {
		t.Fatal("expected error writing to an afid with no StartAuth")
	}
}

func TestClunkClearsState(t *testing.T) {
	s := newTestSession(t)
	const afid = 1
	s.StartAuth(afid, "alice", "/")
	s.Write(afid, 0, []byte("s3cret"))
	s.Clunk(afid)
	if err := s.CheckAuth(afid, "alice", "/"); err == nil {
		t.Fatal("expected CheckAuth to fail after Clunk")
	}
}

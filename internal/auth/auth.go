// Copyright 2017-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package auth implements the optional Tauth/Tattach authentication
// exchange: a server may require a client to write credentials to an
// afid (obtained via Tauth) before Tattach will succeed, mirroring the
// Spauth callback table (startauth/checkauth/read/write/clunk) from the
// original server's auth plumbing. This module supplies one concrete
// Provider, password-over-afid checked with bcrypt, exercising
// golang.org/x/crypto/bcrypt end to end.
package auth

import (
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/sandia-minimega/ninefs/pkg/ninep"
)

// Provider is the pluggable authentication policy a Server may require.
// A nil Provider means authentication is not required, matching a nil
// Spsrv.auth in the original. NewSession opens one connection's worth of
// exchange state: afid numbers are only unique per connection, so the
// state they index must not be shared server-wide.
type Provider interface {
	NewSession() Session
}

// Session is the per-connection half of a Provider: the afid-indexed
// exchange state for every Tauth a single client has open.
type Session interface {
	// StartAuth begins authenticating user for aname, returning the Qid
	// to attach to the new afid (Tauth's reply).
	StartAuth(afid uint32, user, aname string) (ninep.Qid, error)
	// CheckAuth reports whether afid has completed an exchange that
	// authorizes user to attach to aname.
	CheckAuth(afid uint32, user, aname string) error
	// Read/Write service Tread/Twrite against the afid while the
	// exchange is in progress.
	Read(afid uint32, offset uint64, count uint32) ([]byte, error)
	Write(afid uint32, offset uint64, data []byte) (uint32, error)
	// Clunk releases any state StartAuth allocated for afid.
	Clunk(afid uint32)
}

// exchange is the accumulated state of one afid's password write, read
// back in CheckAuth once the client has written its credential.
type exchange struct {
	user     string
	password []byte
}

// PasswordProvider authenticates by having the client write its
// cleartext password to the afid after Tauth and before Tattach; the
// server compares it against a bcrypt hash looked up by username. It never reads back
// anything from afid's Tread path (the exchange is write-only), matching
// the common "password pipe" shape of the original's afid-as-channel
// design.
type PasswordProvider struct {
	mu     sync.Mutex
	hashes map[string][]byte // username -> bcrypt hash

	// aqid is reused for every afid: auth fids carry no file identity of
	// their own beyond the Qtauth bit.
	aqid ninep.Qid
}

// NewPasswordProvider builds a Provider from a username -> bcrypt-hash
// map, as produced by HashPassword.
func NewPasswordProvider(hashes map[string][]byte) *PasswordProvider {
	return &PasswordProvider{
		hashes: hashes,
		aqid:   ninep.Qid{Type: ninep.Qtauth, Path: 0},
	}
}

// HashPassword bcrypt-hashes a cleartext password at the default cost,
// for building the map passed to NewPasswordProvider.
func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}

// NewSession opens one connection's exchange state, sharing this
// Provider's username -> hash map but keeping afid bookkeeping private to
// the caller.
func (p *PasswordProvider) NewSession() Session {
	return &passwordSession{
		hashes: p.hashes,
		aqid:   p.aqid,
		state:  make(map[uint32]*exchange),
	}
}

// passwordSession is the per-connection Session returned by
// PasswordProvider.NewSession.
type passwordSession struct {
	mu     sync.Mutex
	hashes map[string][]byte
	aqid   ninep.Qid
	state  map[uint32]*exchange
}

func (s *passwordSession) StartAuth(afid uint32, user, aname string) (ninep.Qid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hashes[user]; !ok {
		return ninep.Qid{}, ninep.ErrUnknownUser
	}
	s.state[afid] = &exchange{user: user}
	return s.aqid, nil
}

func (s *passwordSession) Write(afid uint32, offset uint64, data []byte) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.state[afid]
	if !ok {
		return 0, ninep.ErrUnknownFid
	}
	e.password = append(e.password[:min(len(e.password), int(offset))], data...)
	return uint32(len(data)), nil
}

func (s *passwordSession) Read(afid uint32, offset uint64, count uint32) ([]byte, error) {
	return nil, nil
}

func (s *passwordSession) CheckAuth(afid uint32, user, aname string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.state[afid]
	if !ok || len(e.password) == 0 {
		return ninep.ErrPerm
	}
	hash, ok := s.hashes[user]
	if !ok {
		return ninep.ErrUnknownUser
	}
	if err := bcrypt.CompareHashAndPassword(hash, e.password); err != nil {
		return ninep.ErrPerm
	}
	return nil
}

func (s *passwordSession) Clunk(afid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state, afid)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

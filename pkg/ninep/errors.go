// Copyright 2017-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package ninep

import "fmt"

// Ecode values carried in Rerror.Ecode on .u connections. Numbering
// follows errno-compatible conventions used by the Plan 9 .u extension.
const (
	EPERM  = 1
	ENOENT = 2
	EIO    = 5
	EACCES = 13
	EEXIST = 17
	ENOTDIR = 20
	EINVAL = 22
	ENOMEM = 12
)

// Error is a 9P error: a human-readable name plus, for .u connections,
// a numeric errno-style code. It implements error so handlers can return
// it directly as the second return value.
type Error struct {
	Ename string
	Ecode int
}

func (e *Error) Error() string { return e.Ename }

func newError(name string, code int) *Error { return &Error{Ename: name, Ecode: code} }

// The error taxonomy from the protocol's error-handling design: every
// wire-visible failure is one of these exact strings.
var (
	ErrUnknownFid     = newError("unknown fid", EINVAL)
	ErrFidInUse       = newError("fid already exists", EINVAL)
	ErrBadUseFid      = newError("bad use of fid", EINVAL)
	ErrNotDir         = newError("not a directory", ENOTDIR)
	ErrTooManyWNames  = newError("too many wnames", EINVAL)
	ErrBadOffset      = newError("bad offset in directory read", EINVAL)
	ErrPerm           = newError("permission denied", EACCES)
	ErrTooLarge       = newError("i/o count too large", EIO)
	ErrDirChange      = newError("cannot convert between files and directories", EINVAL)
	ErrNotFound       = newError("file not found", ENOENT)
	ErrOpen           = newError("file already exclusively opened", EACCES)
	ErrExist          = newError("file or directory already exists", EEXIST)
	ErrNotEmpty       = newError("directory not empty", EIO)
	ErrUnknownUser    = newError("unknown user", EINVAL)
	ErrNoAuth         = newError("no authentication required", EIO)
	ErrNotImplemented = newError("not implemented", EIO)
	ErrNoMemory       = newError("not enough memory", ENOMEM)
	ErrTooSmall       = newError("msize too small", EIO)
	// ErrIO is the generic host I/O failure fallback: the original's
	// string taxonomy is purely protocol-level since it never wrapped a
	// real filesystem, so backings that do (internal/hostfs) need a
	// catch-all for host errors with no closer match above.
	ErrIO = newError("i/o error", EIO)
)

// ErrMalformed reports a wire-level framing violation; connections that
// produce it are torn down rather than answered with Rerror.
type ErrMalformed struct {
	Reason string
}

func (e *ErrMalformed) Error() string { return fmt.Sprintf("malformed message: %s", e.Reason) }

func malformed(format string, args ...interface{}) error {
	return &ErrMalformed{Reason: fmt.Sprintf(format, args...)}
}

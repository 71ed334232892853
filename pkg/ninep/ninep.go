// Copyright 2017-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package ninep implements the wire codec for 9P2000 and its 9P2000.u
// extension: message types, qids, stat records, and bit-exact
// encode/decode of every message variant.
package ninep

// FcallType identifies the kind of a 9P message. Tmsg/Rmsg pairs are
// adjacent even numbers/odd numbers starting at Tversion.
type FcallType uint8

const (
	Tversion FcallType = 100
	Rversion FcallType = 101
	Tauth    FcallType = 102
	Rauth    FcallType = 103
	Tattach  FcallType = 104
	Rattach  FcallType = 105
	// 106 (Terror) has no wire representation; only Rerror is sent.
	Rerror  FcallType = 107
	Tflush  FcallType = 108
	Rflush  FcallType = 109
	Twalk   FcallType = 110
	Rwalk   FcallType = 111
	Topen   FcallType = 112
	Ropen   FcallType = 113
	Tcreate FcallType = 114
	Rcreate FcallType = 115
	Tread   FcallType = 116
	Rread   FcallType = 117
	Twrite  FcallType = 118
	Rwrite  FcallType = 119
	Tclunk  FcallType = 120
	Rclunk  FcallType = 121
	Tremove FcallType = 122
	Rremove FcallType = 123
	Tstat   FcallType = 124
	Rstat   FcallType = 125
	Twstat  FcallType = 126
	Rwstat  FcallType = 127
)

func (t FcallType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "Tunknown"
}

var typeNames = map[FcallType]string{
	Tversion: "Tversion", Rversion: "Rversion",
	Tauth: "Tauth", Rauth: "Rauth",
	Tattach: "Tattach", Rattach: "Rattach",
	Rerror: "Rerror",
	Tflush: "Tflush", Rflush: "Rflush",
	Twalk: "Twalk", Rwalk: "Rwalk",
	Topen: "Topen", Ropen: "Ropen",
	Tcreate: "Tcreate", Rcreate: "Rcreate",
	Tread: "Tread", Rread: "Rread",
	Twrite: "Twrite", Rwrite: "Rwrite",
	Tclunk: "Tclunk", Rclunk: "Rclunk",
	Tremove: "Tremove", Rremove: "Rremove",
	Tstat: "Tstat", Rstat: "Rstat",
	Twstat: "Twstat", Rwstat: "Rwstat",
}

// Open mode bits (Tcall.Mode / Fid.Omode).
const (
	Oread   = 0x00
	Owrite  = 0x01
	Ordwr   = 0x02
	Oexec   = 0x03
	Oexcl   = 0x04
	Otrunc  = 0x10
	Orexec  = 0x20
	Orclose = 0x40
	Oappend = 0x80
)

// Permission-mode high bits (Stat.Mode / Dir.Mode high byte), mirrored in
// Qid.Type shifted right 24 bits.
const (
	Dmdir      = 0x80000000
	Dmappend   = 0x40000000
	Dmexcl     = 0x20000000
	Dmmount    = 0x10000000
	Dmauth     = 0x08000000
	Dmtmp      = 0x04000000
	Dmsymlink  = 0x02000000
	Dmlink     = 0x01000000
	Dmdevice   = 0x00800000
	Dmnamedpipe = 0x00200000
	Dmsocket   = 0x00100000
	Dmsetuid   = 0x00080000
	Dmsetgid   = 0x00040000
)

// Qid type bits (top byte of the permission word).
const (
	Qtdir     = 0x80
	Qtappend  = 0x40
	Qtexcl    = 0x20
	Qtmount   = 0x10
	Qtauth    = 0x08
	Qttmp     = 0x04
	Qtsymlink = 0x02
	Qtlink    = 0x01
	Qtfile    = 0x00
)

const (
	// NoTag is the sentinel tag used only for Tversion/Rversion.
	NoTag uint16 = 0xFFFF
	// NoFid is the sentinel fid meaning "no fid supplied".
	NoFid uint32 = 0xFFFFFFFF
	// IOHDRSZ is the envelope reserved around read/write payloads.
	IOHDRSZ = 24
	// MaxWalkElem is the largest number of names a single walk may carry.
	MaxWalkElem = 16
	// FidHtableSize is the recommended fid-table bucket count.
	FidHtableSize = 64
	// DefaultMsize is used before version negotiation completes.
	DefaultMsize = 8192
)

// Qid is a server-assigned file identity, stable across renames.
type Qid struct {
	Type    uint8
	Version uint32
	Path    uint64
}

const QidLen = 13

// Stat is the base 9P2000 file metadata record, extended with the .u
// fields when carried over a .u connection.
type Stat struct {
	Type   uint16
	Dev    uint32
	Qid    Qid
	Mode   uint32
	Atime  uint32
	Mtime  uint32
	Length uint64
	Name   string
	Uid    string
	Gid    string
	Muid   string

	// 9P2000.u extensions.
	Extension string
	NUid      uint32
	NGid      uint32
	NMuid     uint32
}

// Don't-touch sentinels for Twstat fields the client wishes to leave alone.
const (
	DontTouchU16 = 0xFFFF
	DontTouchU32 = 0xFFFFFFFF
	DontTouchU64 = 0xFFFFFFFFFFFFFFFF
)

// BlankStat returns a Stat with every field set to its don't-touch
// sentinel, the starting point for building a partial Twstat.
func BlankStat() Stat {
	return Stat{
		Type:   DontTouchU16,
		Dev:    DontTouchU32,
		Qid:    Qid{Type: 0xFF, Version: DontTouchU32, Path: DontTouchU64},
		Mode:   DontTouchU32,
		Atime:  DontTouchU32,
		Mtime:  DontTouchU32,
		Length: DontTouchU64,
		NUid:   DontTouchU32,
		NGid:   DontTouchU32,
		NMuid:  DontTouchU32,
	}
}

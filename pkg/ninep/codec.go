// Copyright 2017-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package ninep

import (
	"encoding/binary"
)

// writer accumulates an encoded message body. The first 4 bytes of the
// eventual frame (the size prefix) are reserved by the caller and
// patched in at the end, mirroring the header-offset discipline of
// sp_create_common/sp_set_rread_count in the original codec.
type writer struct {
	buf []byte
}

func newWriter() *writer { return &writer{buf: make([]byte, 0, 64)} }

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}
func (w *writer) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}
func (w *writer) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}
func (w *writer) str(s string) {
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}
func (w *writer) qid(q Qid) {
	w.u8(q.Type)
	w.u32(q.Version)
	w.u64(q.Path)
}
func (w *writer) bytes(b []byte) { w.buf = append(w.buf, b...) }

// statSize returns the exact encoded byte length of the stat body:
// type+dev+qid+mode+atime+mtime+length+four length-prefixed strings
// (plus the .u extension fields), excluding both the outer and inner
// 2-byte length prefixes that wrap it on the wire. Mirrors size_wstat
// in np.c.
func statSize(s *Stat, dotu bool) int {
	n := 2 + 4 + QidLen + 4 + 4 + 4 + 8 + 8 // type,dev,qid,mode,atime,mtime,length, 4 string-length-prefixes
	n += len(s.Name) + len(s.Uid) + len(s.Gid) + len(s.Muid)
	if dotu {
		n += 4 + 4 + 4 + 2 + len(s.Extension)
	}
	return n
}

// stat writes a stat record framed as the wire requires: an outer
// 2-byte length (statsz+2, i.e. including the inner length field) then
// the inner 2-byte length (statsz) then the body.
func (w *writer) stat(s *Stat, dotu bool) {
	sz := statSize(s, dotu)
	w.u16(uint16(sz + 2))
	w.u16(uint16(sz))
	w.u16(s.Type)
	w.u32(s.Dev)
	w.qid(s.Qid)
	w.u32(s.Mode)
	w.u32(s.Atime)
	w.u32(s.Mtime)
	w.u64(s.Length)
	w.str(s.Name)
	w.str(s.Uid)
	w.str(s.Gid)
	w.str(s.Muid)
	if dotu {
		w.str(s.Extension)
		w.u32(s.NUid)
		w.u32(s.NGid)
		w.u32(s.NMuid)
	}
}

// finish prepends the 4-byte total-size header (including itself and the
// type/tag fields already written by the caller via header()) and returns
// the complete frame.
func (w *writer) finish() []byte {
	out := make([]byte, 4+len(w.buf))
	binary.LittleEndian.PutUint32(out, uint32(len(out)))
	copy(out[4:], w.buf)
	return out
}

func (w *writer) header(t FcallType, tag uint16) {
	w.u8(uint8(t))
	w.u16(tag)
}

// Encode serializes m into a complete wire frame (size prefix included)
// for a connection negotiated with the given .u mode.
func Encode(m Fcall, dotu bool) ([]byte, error) {
	w := newWriter()
	w.header(m.Type(), m.Tag())

	switch v := m.(type) {
	case *TversionMsg:
		w.u32(v.Msize)
		w.str(v.Version)
	case *RversionMsg:
		w.u32(v.Msize)
		w.str(v.Version)
	case *TauthMsg:
		w.u32(v.Afid)
		w.str(v.Uname)
		w.str(v.Aname)
		if dotu {
			w.u32(v.NUname)
		}
	case *RauthMsg:
		w.qid(v.Aqid)
	case *TattachMsg:
		w.u32(v.Fid)
		w.u32(v.Afid)
		w.str(v.Uname)
		w.str(v.Aname)
		if dotu {
			w.u32(v.NUname)
		}
	case *RattachMsg:
		w.qid(v.Qid)
	case *RerrorMsg:
		w.str(v.Ename)
		if dotu {
			w.u32(v.Ecode)
		}
	case *TflushMsg:
		w.u16(v.OldTag)
	case *RflushMsg:
		// no body
	case *TwalkMsg:
		w.u32(v.Fid)
		w.u32(v.NewFid)
		w.u16(uint16(len(v.Wname)))
		for _, n := range v.Wname {
			w.str(n)
		}
	case *RwalkMsg:
		w.u16(uint16(len(v.Wqid)))
		for _, q := range v.Wqid {
			w.qid(q)
		}
	case *TopenMsg:
		w.u32(v.Fid)
		w.u8(v.Mode)
	case *RopenMsg:
		w.qid(v.Qid)
		w.u32(v.Iounit)
	case *TcreateMsg:
		w.u32(v.Fid)
		w.str(v.Name)
		w.u32(v.Perm)
		w.u8(v.Mode)
		if dotu {
			w.str(v.Extension)
		}
	case *RcreateMsg:
		w.qid(v.Qid)
		w.u32(v.Iounit)
	case *TreadMsg:
		w.u32(v.Fid)
		w.u64(v.Offset)
		w.u32(v.Count)
	case *RreadMsg:
		w.u32(uint32(len(v.Data)))
		w.bytes(v.Data)
	case *TwriteMsg:
		w.u32(v.Fid)
		w.u64(v.Offset)
		w.u32(uint32(len(v.Data)))
		w.bytes(v.Data)
	case *RwriteMsg:
		w.u32(v.Count)
	case *TclunkMsg:
		w.u32(v.Fid)
	case *RclunkMsg:
		// no body
	case *TremoveMsg:
		w.u32(v.Fid)
	case *RremoveMsg:
		// no body
	case *TstatMsg:
		w.u32(v.Fid)
	case *RstatMsg:
		w.stat(&v.Stat, dotu)
	case *TwstatMsg:
		w.u32(v.Fid)
		w.stat(&v.Stat, dotu)
	case *RwstatMsg:
		// no body
	default:
		return nil, malformed("unknown message type for encode")
	}

	return w.finish(), nil
}

// rreadCountOffset / rreadSizeOffset are the fixed byte offsets of the
// count field and the size prefix within an encoded Rread frame, used by
// AllocRread/SetRreadCount to narrow a provisionally-sized reply without
// reallocating, mirroring sp_alloc_rread/sp_set_rread_count in np.c.
const (
	rreadSizeOffset  = 0
	rreadHeaderBytes = 4 + 1 + 2 // size + type + tag
	rreadCountOffset = rreadHeaderBytes
	rreadDataOffset  = rreadHeaderBytes + 4
)

// AllocRread encodes an Rread reply with a provisional byte count equal
// to count and a zeroed payload of that length; the
// caller later calls SetRreadCount to narrow it in place once the real
// transfer size is known, without reallocating the returned slice.
func AllocRread(tag uint16, count uint32) []byte {
	out := make([]byte, rreadDataOffset+int(count))
	binary.LittleEndian.PutUint32(out[rreadSizeOffset:], uint32(len(out)))
	out[4] = uint8(Rread)
	binary.LittleEndian.PutUint16(out[5:], tag)
	binary.LittleEndian.PutUint32(out[rreadCountOffset:], count)
	return out
}

// SetRreadCount narrows a frame produced by AllocRread to n actual bytes
// of payload, patching both the count field and the overall size prefix
// in place. n must be <= the count originally passed to AllocRread.
func SetRreadCount(frame []byte, n uint32) []byte {
	binary.LittleEndian.PutUint32(frame[rreadCountOffset:], n)
	newSize := rreadDataOffset + int(n)
	binary.LittleEndian.PutUint32(frame[rreadSizeOffset:], uint32(newSize))
	return frame[:newSize]
}

// Copyright 2017-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package ninep

import "encoding/binary"

// reader is a bounds-checked cursor over a decoded frame's body, the Go
// analogue of the cbuf helper in the original codec.
type reader struct {
	buf []byte
	pos int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.pos+n > len(r.buf) {
		r.err = malformed("short frame")
		return false
	}
	return true
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.pos]
	r.pos++
	return v
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v
}

func (r *reader) str() string {
	n := int(r.u16())
	if !r.need(n) {
		return ""
	}
	s := string(r.buf[r.pos : r.pos+n])
	r.pos += n
	return s
}

func (r *reader) qid() Qid {
	var q Qid
	q.Type = r.u8()
	q.Version = r.u32()
	q.Path = r.u64()
	return q
}

func (r *reader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) atEnd() bool { return r.pos >= len(r.buf) }

func (r *reader) stat(dotu bool) Stat {
	var s Stat
	_ = r.u16() // outer size, unused once framed
	_ = r.u16() // inner size, unused: field lengths are self-describing
	s.Type = r.u16()
	s.Dev = r.u32()
	s.Qid = r.qid()
	s.Mode = r.u32()
	s.Atime = r.u32()
	s.Mtime = r.u32()
	s.Length = r.u64()
	s.Name = r.str()
	s.Uid = r.str()
	s.Gid = r.str()
	s.Muid = r.str()
	if dotu {
		s.Extension = r.str()
		s.NUid = r.u32()
		s.NGid = r.u32()
		s.NMuid = r.u32()
	}
	return s
}

// Decode parses a complete frame (size prefix included) into its typed
// message. dotu selects whether .u-only fields are expected. Returns
// *ErrMalformed for any framing violation: size mismatch, truncated
// string, walk count over MaxWalkElem, or trailing bytes after a fully
// decoded body (the .u n_uname tail of auth/attach is the sole optional
// exception).
func Decode(frame []byte, dotu bool) (Fcall, error) {
	if len(frame) < 7 {
		return nil, malformed("frame shorter than header (%d bytes)", len(frame))
	}
	size := binary.LittleEndian.Uint32(frame)
	if int(size) != len(frame) {
		return nil, malformed("size prefix %d does not match frame length %d", size, len(frame))
	}

	r := &reader{buf: frame[7:]}
	t := FcallType(frame[4])
	tag := binary.LittleEndian.Uint16(frame[5:7])

	var m Fcall

	switch t {
	case Tversion:
		v := &TversionMsg{Msize: r.u32(), Version: r.str()}
		m = v
	case Rversion:
		v := &RversionMsg{Msize: r.u32(), Version: r.str()}
		m = v
	case Tauth:
		v := &TauthMsg{Afid: r.u32(), Uname: r.str(), Aname: r.str(), NUname: NoUname}
		if dotu && !r.atEnd() {
			v.NUname = r.u32()
		}
		m = v
	case Rauth:
		m = &RauthMsg{Aqid: r.qid()}
	case Tattach:
		v := &TattachMsg{Fid: r.u32(), Afid: r.u32(), Uname: r.str(), Aname: r.str(), NUname: NoUname}
		if dotu && !r.atEnd() {
			v.NUname = r.u32()
		}
		m = v
	case Rattach:
		m = &RattachMsg{Qid: r.qid()}
	case Rerror:
		v := &RerrorMsg{Ename: r.str()}
		if dotu {
			v.Ecode = r.u32()
		}
		m = v
	case Tflush:
		m = &TflushMsg{OldTag: r.u16()}
	case Rflush:
		m = &RflushMsg{}
	case Twalk:
		v := &TwalkMsg{Fid: r.u32(), NewFid: r.u32()}
		n := r.u16()
		if n > MaxWalkElem {
			return nil, malformed("walk element count %d exceeds %d", n, MaxWalkElem)
		}
		v.Wname = make([]string, n)
		for i := range v.Wname {
			v.Wname[i] = r.str()
		}
		m = v
	case Rwalk:
		v := &RwalkMsg{}
		n := r.u16()
		if n > MaxWalkElem {
			return nil, malformed("walk qid count %d exceeds %d", n, MaxWalkElem)
		}
		v.Wqid = make([]Qid, n)
		for i := range v.Wqid {
			v.Wqid[i] = r.qid()
		}
		m = v
	case Topen:
		m = &TopenMsg{Fid: r.u32(), Mode: r.u8()}
	case Ropen:
		m = &RopenMsg{Qid: r.qid(), Iounit: r.u32()}
	case Tcreate:
		v := &TcreateMsg{Fid: r.u32(), Name: r.str(), Perm: r.u32(), Mode: r.u8()}
		if dotu {
			v.Extension = r.str()
		}
		m = v
	case Rcreate:
		m = &RcreateMsg{Qid: r.qid(), Iounit: r.u32()}
	case Tread:
		m = &TreadMsg{Fid: r.u32(), Offset: r.u64(), Count: r.u32()}
	case Rread:
		count := r.u32()
		m = &RreadMsg{Data: r.bytes(int(count))}
	case Twrite:
		v := &TwriteMsg{Fid: r.u32(), Offset: r.u64()}
		count := r.u32()
		v.Data = r.bytes(int(count))
		m = v
	case Rwrite:
		m = &RwriteMsg{Count: r.u32()}
	case Tclunk:
		m = &TclunkMsg{Fid: r.u32()}
	case Rclunk:
		m = &RclunkMsg{}
	case Tremove:
		m = &TremoveMsg{Fid: r.u32()}
	case Rremove:
		m = &RremoveMsg{}
	case Tstat:
		m = &TstatMsg{Fid: r.u32()}
	case Rstat:
		m = &RstatMsg{Stat: r.stat(dotu)}
	case Twstat:
		v := &TwstatMsg{Fid: r.u32()}
		v.Stat = r.stat(dotu)
		m = v
	case Rwstat:
		m = &RwstatMsg{}
	default:
		return nil, malformed("unknown message type %d", t)
	}

	if r.err != nil {
		return nil, r.err
	}
	if !r.atEnd() {
		return nil, malformed("%d trailing bytes after decoded %s body", len(r.buf)-r.pos, t)
	}

	m.SetTag(tag)
	return m, nil
}

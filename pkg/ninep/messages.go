// Copyright 2017-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package ninep

// Fcall is satisfied by every concrete message type. Dispatch on message
// kind is an exhaustive switch over Type(), never an index into a
// function-pointer table.
type Fcall interface {
	Type() FcallType
	Tag() uint16
	SetTag(uint16)
}

type header struct {
	tag uint16
}

func (h *header) Tag() uint16     { return h.tag }
func (h *header) SetTag(t uint16) { h.tag = t }

// n_uname / afid fields absent in base mode decode to these.
const NoUname uint32 = DontTouchU32

type TversionMsg struct {
	header
	Msize   uint32
	Version string
}

func (*TversionMsg) Type() FcallType { return Tversion }

type RversionMsg struct {
	header
	Msize   uint32
	Version string
}

func (*RversionMsg) Type() FcallType { return Rversion }

type TauthMsg struct {
	header
	Afid    uint32
	Uname   string
	Aname   string
	NUname  uint32 // .u only; NoUname if absent
}

func (*TauthMsg) Type() FcallType { return Tauth }

type RauthMsg struct {
	header
	Aqid Qid
}

func (*RauthMsg) Type() FcallType { return Rauth }

type TattachMsg struct {
	header
	Fid    uint32
	Afid   uint32
	Uname  string
	Aname  string
	NUname uint32 // .u only; NoUname if absent
}

func (*TattachMsg) Type() FcallType { return Tattach }

type RattachMsg struct {
	header
	Qid Qid
}

func (*RattachMsg) Type() FcallType { return Rattach }

type RerrorMsg struct {
	header
	Ename string
	Ecode uint32 // .u only
}

func (*RerrorMsg) Type() FcallType { return Rerror }

type TflushMsg struct {
	header
	OldTag uint16
}

func (*TflushMsg) Type() FcallType { return Tflush }

type RflushMsg struct {
	header
}

func (*RflushMsg) Type() FcallType { return Rflush }

type TwalkMsg struct {
	header
	Fid    uint32
	NewFid uint32
	Wname  []string
}

func (*TwalkMsg) Type() FcallType { return Twalk }

type RwalkMsg struct {
	header
	Wqid []Qid
}

func (*RwalkMsg) Type() FcallType { return Rwalk }

type TopenMsg struct {
	header
	Fid  uint32
	Mode uint8
}

func (*TopenMsg) Type() FcallType { return Topen }

type RopenMsg struct {
	header
	Qid    Qid
	Iounit uint32
}

func (*RopenMsg) Type() FcallType { return Ropen }

type TcreateMsg struct {
	header
	Fid       uint32
	Name      string
	Perm      uint32
	Mode      uint8
	Extension string // .u only
}

func (*TcreateMsg) Type() FcallType { return Tcreate }

type RcreateMsg struct {
	header
	Qid    Qid
	Iounit uint32
}

func (*RcreateMsg) Type() FcallType { return Rcreate }

type TreadMsg struct {
	header
	Fid    uint32
	Offset uint64
	Count  uint32
}

func (*TreadMsg) Type() FcallType { return Tread }

type RreadMsg struct {
	header
	Data []byte
}

func (*RreadMsg) Type() FcallType { return Rread }

type TwriteMsg struct {
	header
	Fid    uint32
	Offset uint64
	Data   []byte
}

func (*TwriteMsg) Type() FcallType { return Twrite }

type RwriteMsg struct {
	header
	Count uint32
}

func (*RwriteMsg) Type() FcallType { return Rwrite }

type TclunkMsg struct {
	header
	Fid uint32
}

func (*TclunkMsg) Type() FcallType { return Tclunk }

type RclunkMsg struct {
	header
}

func (*RclunkMsg) Type() FcallType { return Rclunk }

type TremoveMsg struct {
	header
	Fid uint32
}

func (*TremoveMsg) Type() FcallType { return Tremove }

type RremoveMsg struct {
	header
}

func (*RremoveMsg) Type() FcallType { return Rremove }

type TstatMsg struct {
	header
	Fid uint32
}

func (*TstatMsg) Type() FcallType { return Tstat }

type RstatMsg struct {
	header
	Stat Stat
}

func (*RstatMsg) Type() FcallType { return Rstat }

type TwstatMsg struct {
	header
	Fid  uint32
	Stat Stat
}

func (*TwstatMsg) Type() FcallType { return Twstat }

type RwstatMsg struct {
	header
}

func (*RwstatMsg) Type() FcallType { return Rwstat }

// NewRerror builds the wire-visible error reply for err, filling Ecode
// only when dotu is set.
func NewRerror(err error, dotu bool) *RerrorMsg {
	r := &RerrorMsg{Ename: err.Error()}
	if ne, ok := err.(*Error); ok && dotu {
		r.Ecode = uint32(ne.Ecode)
	}
	return r
}

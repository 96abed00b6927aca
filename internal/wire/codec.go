package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/stemjail/stemjail/internal/jailerr"
	"github.com/stemjail/stemjail/internal/policy"
)

// encoder/decoder are a minimal hand-rolled TLV helper for the tagged
// unions below: a byte tag, uint16-length-prefixed strings, uint16
// counts for repeated string fields (AccessResponse counts its entries
// with a uint32). There is no reflection and no schema
// beyond the Encode/Decode method pairs on each message type.

type encoder struct{ buf []byte }

func (e *encoder) putByte(b byte)  { e.buf = append(e.buf, b) }
func (e *encoder) putBool(b bool)  { e.putByte(map[bool]byte{true: 1, false: 0}[b]) }
func (e *encoder) putU32(n uint32) { var b [4]byte; binary.LittleEndian.PutUint32(b[:], n); e.buf = append(e.buf, b[:]...) }

func (e *encoder) putString(s string) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(len(s)))
	e.buf = append(e.buf, b[:]...)
	e.buf = append(e.buf, s...)
}

func (e *encoder) putStrings(ss []string) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(len(ss)))
	e.buf = append(e.buf, b[:]...)
	for _, s := range ss {
		e.putString(s)
	}
}

func (e *encoder) bytes() []byte { return e.buf }

type decoder struct {
	buf []byte
	off int
}

func newDecoder(b []byte) *decoder { return &decoder{buf: b} }

func (d *decoder) need(n int) error {
	if d.off+n > len(d.buf) {
		return jailerr.Protocolf("decode", fmt.Errorf("truncated message: need %d bytes at offset %d, have %d", n, d.off, len(d.buf)))
	}
	return nil
}

func (d *decoder) getByte() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	b := d.buf[d.off]
	d.off++
	return b, nil
}

func (d *decoder) getBool() (bool, error) {
	b, err := d.getByte()
	return b != 0, err
}

func (d *decoder) getU32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	n := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return n, nil
}

func (d *decoder) getString() (string, error) {
	if err := d.need(2); err != nil {
		return "", err
	}
	n := int(binary.LittleEndian.Uint16(d.buf[d.off:]))
	d.off += 2
	if err := d.need(n); err != nil {
		return "", err
	}
	s := string(d.buf[d.off : d.off+n])
	d.off += n
	return s, nil
}

func (d *decoder) getStrings() ([]string, error) {
	if err := d.need(2); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint16(d.buf[d.off:]))
	d.off += 2
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		s, err := d.getString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// --- PortalCall = Run(RunRequest) | Info(InfoRequest) ---

const (
	portalCallRun  = byte(0)
	portalCallInfo = byte(1)
)

type RunRequest struct {
	Profile   string
	Cmd       []string
	Cwd       string
	CreateTty bool
}

type InfoRequest struct {
	WantDot bool
}

// PortalCall is a tagged union; exactly one of Run/Info is non-nil.
type PortalCall struct {
	Run  *RunRequest
	Info *InfoRequest
}

func (c PortalCall) Encode() ([]byte, error) {
	var e encoder
	switch {
	case c.Run != nil:
		e.putByte(portalCallRun)
		e.putString(c.Run.Profile)
		e.putStrings(c.Run.Cmd)
		e.putString(c.Run.Cwd)
		e.putBool(c.Run.CreateTty)
	case c.Info != nil:
		e.putByte(portalCallInfo)
		e.putBool(c.Info.WantDot)
	default:
		return nil, jailerr.Protocolf("encode PortalCall", fmt.Errorf("empty tagged union"))
	}
	return e.bytes(), nil
}

func DecodePortalCall(b []byte) (PortalCall, error) {
	d := newDecoder(b)
	tag, err := d.getByte()
	if err != nil {
		return PortalCall{}, err
	}
	switch tag {
	case portalCallRun:
		profile, err := d.getString()
		if err != nil {
			return PortalCall{}, err
		}
		cmd, err := d.getStrings()
		if err != nil {
			return PortalCall{}, err
		}
		cwd, err := d.getString()
		if err != nil {
			return PortalCall{}, err
		}
		tty, err := d.getBool()
		if err != nil {
			return PortalCall{}, err
		}
		return PortalCall{Run: &RunRequest{Profile: profile, Cmd: cmd, Cwd: cwd, CreateTty: tty}}, nil
	case portalCallInfo:
		tty, err := d.getBool()
		if err != nil {
			return PortalCall{}, err
		}
		return PortalCall{Info: &InfoRequest{WantDot: tty}}, nil
	default:
		return PortalCall{}, jailerr.Protocolf("decode PortalCall", fmt.Errorf("unknown tag %d", tag))
	}
}

// --- PortalAck ---

const (
	ackPlain     = byte(0)
	ackCreateTty = byte(1)
)

type PortalAck struct {
	CreateTty bool
	Error     string
}

func (a PortalAck) Encode() []byte {
	var e encoder
	if a.CreateTty {
		e.putByte(ackCreateTty)
	} else {
		e.putByte(ackPlain)
	}
	e.putString(a.Error)
	return e.bytes()
}

func DecodePortalAck(b []byte) (PortalAck, error) {
	d := newDecoder(b)
	tag, err := d.getByte()
	if err != nil {
		return PortalAck{}, err
	}
	msg, err := d.getString()
	if err != nil {
		return PortalAck{}, err
	}
	return PortalAck{CreateTty: tag == ackCreateTty, Error: msg}, nil
}

// --- InfoResponse ---

type InfoResponse struct {
	Profiles []string
	Dot      string
}

func (r InfoResponse) Encode() []byte {
	var e encoder
	e.putStrings(r.Profiles)
	e.putString(r.Dot)
	return e.bytes()
}

func DecodeInfoResponse(b []byte) (InfoResponse, error) {
	d := newDecoder(b)
	profiles, err := d.getStrings()
	if err != nil {
		return InfoResponse{}, err
	}
	dot, err := d.getString()
	if err != nil {
		return InfoResponse{}, err
	}
	return InfoResponse{Profiles: profiles, Dot: dot}, nil
}

// --- MonitorCall = Mount(MountRequest) | Shim(ShimAction) ---
// ShimAction = List(ListRequest) | Access(AccessRequest)

const (
	monitorCallMount  = byte(0)
	monitorCallList   = byte(1)
	monitorCallAccess = byte(2)
)

type MountRequest struct {
	Src      string
	Dst      string
	Writable bool
}

type ListRequest struct {
	Path string
}

type AccessRequest struct {
	Path         string
	Write        bool
	GetAllAccess bool
}

type MonitorCall struct {
	Mount  *MountRequest
	List   *ListRequest
	Access *AccessRequest
}

func (c MonitorCall) Encode() ([]byte, error) {
	var e encoder
	switch {
	case c.Mount != nil:
		e.putByte(monitorCallMount)
		e.putString(c.Mount.Src)
		e.putString(c.Mount.Dst)
		e.putBool(c.Mount.Writable)
	case c.List != nil:
		e.putByte(monitorCallList)
		e.putString(c.List.Path)
	case c.Access != nil:
		e.putByte(monitorCallAccess)
		e.putString(c.Access.Path)
		e.putBool(c.Access.Write)
		e.putBool(c.Access.GetAllAccess)
	default:
		return nil, jailerr.Protocolf("encode MonitorCall", fmt.Errorf("empty tagged union"))
	}
	return e.bytes(), nil
}

func DecodeMonitorCall(b []byte) (MonitorCall, error) {
	d := newDecoder(b)
	tag, err := d.getByte()
	if err != nil {
		return MonitorCall{}, err
	}
	switch tag {
	case monitorCallMount:
		src, err := d.getString()
		if err != nil {
			return MonitorCall{}, err
		}
		dst, err := d.getString()
		if err != nil {
			return MonitorCall{}, err
		}
		w, err := d.getBool()
		if err != nil {
			return MonitorCall{}, err
		}
		return MonitorCall{Mount: &MountRequest{Src: src, Dst: dst, Writable: w}}, nil
	case monitorCallList:
		p, err := d.getString()
		if err != nil {
			return MonitorCall{}, err
		}
		return MonitorCall{List: &ListRequest{Path: p}}, nil
	case monitorCallAccess:
		p, err := d.getString()
		if err != nil {
			return MonitorCall{}, err
		}
		w, err := d.getBool()
		if err != nil {
			return MonitorCall{}, err
		}
		all, err := d.getBool()
		if err != nil {
			return MonitorCall{}, err
		}
		return MonitorCall{Access: &AccessRequest{Path: p, Write: w, GetAllAccess: all}}, nil
	default:
		return MonitorCall{}, jailerr.Protocolf("decode MonitorCall", fmt.Errorf("unknown tag %d", tag))
	}
}

// --- Responses to Mount/List/Access ---

type MountResponse struct {
	Error string
}

func (r MountResponse) Encode() []byte {
	var e encoder
	e.putString(r.Error)
	return e.bytes()
}

func DecodeMountResponse(b []byte) (MountResponse, error) {
	d := newDecoder(b)
	s, err := d.getString()
	if err != nil {
		return MountResponse{}, err
	}
	return MountResponse{Error: s}, nil
}

type ListResponse struct {
	Entries []string
	Error   string
}

func (r ListResponse) Encode() []byte {
	var e encoder
	e.putStrings(r.Entries)
	e.putString(r.Error)
	return e.bytes()
}

func DecodeListResponse(b []byte) (ListResponse, error) {
	d := newDecoder(b)
	entries, err := d.getStrings()
	if err != nil {
		return ListResponse{}, err
	}
	errMsg, err := d.getString()
	if err != nil {
		return ListResponse{}, err
	}
	return ListResponse{Entries: entries, Error: errMsg}, nil
}

// AccessResponse carries the accesses newly granted by an
// AccessRequest (empty if denied; the request itself when it was
// already covered), or the full bind set when GetAllAccess was set.
type AccessResponse struct {
	Granted []policy.FileAccess
}

func (r AccessResponse) Encode() []byte {
	var e encoder
	e.putU32(uint32(len(r.Granted)))
	for _, g := range r.Granted {
		e.putString(g.Path)
		e.putBool(g.Write)
	}
	return e.bytes()
}

func DecodeAccessResponse(b []byte) (AccessResponse, error) {
	d := newDecoder(b)
	n, err := d.getU32()
	if err != nil {
		return AccessResponse{}, err
	}
	out := make([]policy.FileAccess, 0, n)
	for i := uint32(0); i < n; i++ {
		p, err := d.getString()
		if err != nil {
			return AccessResponse{}, err
		}
		w, err := d.getBool()
		if err != nil {
			return AccessResponse{}, err
		}
		out = append(out, policy.FileAccess{Path: p, Write: w})
	}
	return AccessResponse{Granted: out}, nil
}

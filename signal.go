package hip

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"go.uber.org/atomic"
)

// HeaderLen is the size of the fixed signal header prefix.
const HeaderLen = 8

// Header is the fixed prefix carried by every signal exchanged with the
// firmware. All fields are little endian on the wire.
type Header struct {
	ID          SignalID
	ReceiverPID uint16
	SenderPID   uint16
	// VIF is the virtual interface index; 0 means the signal is not
	// interface scoped.
	VIF uint16
}

// DecodeHeader decodes the first HeaderLen bytes of b. Panics if b is
// shorter than HeaderLen.
func DecodeHeader(b []byte) (hdr Header) {
	_ = b[HeaderLen-1]
	hdr.ID = SignalID(binary.LittleEndian.Uint16(b))
	hdr.ReceiverPID = binary.LittleEndian.Uint16(b[2:])
	hdr.SenderPID = binary.LittleEndian.Uint16(b[4:])
	hdr.VIF = binary.LittleEndian.Uint16(b[6:])
	return hdr
}

// Put puts all HeaderLen bytes of the header in dst. Panics if dst is
// shorter than HeaderLen.
func (h *Header) Put(dst []byte) {
	_ = dst[HeaderLen-1]
	binary.LittleEndian.PutUint16(dst, uint16(h.ID))
	binary.LittleEndian.PutUint16(dst[2:], h.ReceiverPID)
	binary.LittleEndian.PutUint16(dst[4:], h.SenderPID)
	binary.LittleEndian.PutUint16(dst[6:], h.VIF)
}

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 256)
		return &b
	},
}

// Signal is one owned signal buffer. A Signal is consumed exactly once:
// whoever ends up holding it either hands it on or calls Free. The buffer
// must not be touched after Free.
type Signal struct {
	Header
	buf   *[]byte
	freed atomic.Bool
}

// NewSignal builds a signal from a header and a body. The body is copied.
func NewSignal(hdr Header, body []byte) *Signal {
	bp := bufPool.Get().(*[]byte)
	b := append((*bp)[:0], make([]byte, HeaderLen)...)
	hdr.Put(b)
	b = append(b, body...)
	*bp = b
	return &Signal{Header: hdr, buf: bp}
}

// ParseSignal copies raw into a new Signal after validating the header.
func ParseSignal(raw []byte) (*Signal, error) {
	if len(raw) < HeaderLen {
		return nil, fmt.Errorf("signal shorter than header, len=%d", len(raw))
	}
	return NewSignal(DecodeHeader(raw), raw[HeaderLen:]), nil
}

// Bytes returns the raw signal, header included.
func (s *Signal) Bytes() []byte { return *s.buf }

// Body returns the signal payload following the header.
func (s *Signal) Body() []byte { return (*s.buf)[HeaderLen:] }

// Len returns the length of the raw signal.
func (s *Signal) Len() int { return len(*s.buf) }

// BodyU16 reads a little endian u16 at the given body offset.
func (s *Signal) BodyU16(off int) (uint16, bool) {
	body := s.Body()
	if off < 0 || len(body) < off+2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(body[off:]), true
}

// ScanID returns the scan id carried by scan and scan-done indications.
func (s *Signal) ScanID() (uint16, bool) {
	return s.BodyU16(0)
}

// mgmtDAOffset is the offset of the destination address inside an 802.11
// management header (frame control and duration precede it).
const mgmtDAOffset = 4

// DestAddr returns the destination address of the 802.11 management frame
// carried in the body of a received-frame indication.
func (s *Signal) DestAddr() (net.HardwareAddr, bool) {
	body := s.Body()
	if len(body) < mgmtDAOffset+6 {
		return nil, false
	}
	return net.HardwareAddr(body[mgmtDAOffset : mgmtDAOffset+6]), true
}

func (s *Signal) IsMA() bool    { return s.ID.IsMA() }
func (s *Signal) IsMLME() bool  { return s.ID.IsMLME() }
func (s *Signal) IsDebug() bool { return s.ID.IsDebug() }
func (s *Signal) IsTest() bool  { return s.ID.IsTest() }
func (s *Signal) IsReq() bool   { return s.ID.IsReq() }
func (s *Signal) IsCfm() bool   { return s.ID.IsCfm() }
func (s *Signal) IsRes() bool   { return s.ID.IsRes() }
func (s *Signal) IsInd() bool   { return s.ID.IsInd() }

// Clone returns an independent copy of the signal.
func (s *Signal) Clone() *Signal {
	return NewSignal(s.Header, s.Body())
}

// Free releases the signal buffer. It reports false when the signal had
// already been freed, in which case nothing is released twice. A freed
// signal keeps a private zeroed header so late accessors never reach a
// pooled buffer.
func (s *Signal) Free() bool {
	if !s.freed.CompareAndSwap(false, true) {
		return false
	}
	bp := s.buf
	*bp = (*bp)[:0]
	bufPool.Put(bp)
	empty := make([]byte, HeaderLen)
	s.buf = &empty
	return true
}

// Freed reports whether Free has been called.
func (s *Signal) Freed() bool { return s.freed.Load() }

func (s *Signal) String() string {
	return fmt.Sprintf("%s vif=%d rpid=0x%04x spid=0x%04x len=%d",
		s.ID, s.VIF, s.ReceiverPID, s.SenderPID, s.Len())
}

// SetSenderPID rewrites the sender process id in both the header and the
// raw buffer.
func (s *Signal) SetSenderPID(pid uint16) {
	s.SenderPID = pid
	s.Header.Put(*s.buf)
}

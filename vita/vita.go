// Package vita implements the subset of VITA-49 used by FlexRadio-style
// radios for streaming spectrum, waterfall, audio and IQ data.
//
// Packet layout (all fields big-endian, one word = 4 bytes):
//
//	word 0   header: type(4) C(1) T(1) rsvd(2) TSI(2) TSF(2) count(4) size(16)
//	word 1   stream id            (only for *WithStreamID packet types)
//	word 2-3 class id             (only when C is set)
//	word 4   integer timestamp    (only when TSI != none)
//	word 5-6 fractional timestamp (only when TSF != none)
//	...      payload
//	last     trailer              (only when T is set)
package vita

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PacketType is the 4-bit packet type field of the header word.
type PacketType uint8

const (
	IFData              PacketType = 0x0
	IFDataWithStreamID  PacketType = 0x1
	ExtData             PacketType = 0x2
	ExtDataWithStreamID PacketType = 0x3
	Context             PacketType = 0x4
	ExtContext          PacketType = 0x5
)

// HasStreamID reports whether packets of this type carry a stream id word.
func (t PacketType) HasStreamID() bool {
	return t != IFData && t != ExtData
}

func (t PacketType) String() string {
	switch t {
	case IFData:
		return "if_data"
	case IFDataWithStreamID:
		return "if_data_sid"
	case ExtData:
		return "ext_data"
	case ExtDataWithStreamID:
		return "ext_data_sid"
	case Context:
		return "context"
	case ExtContext:
		return "ext_context"
	default:
		return fmt.Sprintf("type_%d", uint8(t))
	}
}

// TSI selects the integer timestamp encoding.
type TSI uint8

const (
	TSINone  TSI = 0
	TSIUTC   TSI = 1
	TSIGPS   TSI = 2
	TSIOther TSI = 3
)

// TSF selects the fractional timestamp encoding.
type TSF uint8

const (
	TSFNone        TSF = 0
	TSFSampleCount TSF = 1
	TSFRealTime    TSF = 2
	TSFFreeRunning TSF = 3
)

// Header word masks, taken from FlexRadio's vita.h.
const (
	headerPacketTypeMask  uint32 = 0xF0000000
	headerClassIDMask     uint32 = 0x08000000
	headerTrailerMask     uint32 = 0x04000000
	headerTSIMask         uint32 = 0x00C00000
	headerTSFMask         uint32 = 0x00300000
	headerPacketCountMask uint32 = 0x000F0000
	headerPacketSizeMask  uint32 = 0x0000FFFF

	classIDOUIMask uint32 = 0x00FFFFFF
)

const (
	// HeaderWords is the size of the full header written by Marshal.
	HeaderWords = 7
	// HeaderBytes is HeaderWords in bytes. Buffers shorter than this are
	// never valid packets.
	HeaderBytes = HeaderWords * 4

	// MaxPacketCount is the modulus of the 4-bit packet counter.
	MaxPacketCount = 16
)

// Sentinel errors wrapped by FormatError.
var (
	ErrShortPacket  = errors.New("vita: packet shorter than header")
	ErrTruncated    = errors.New("vita: packet truncated")
	ErrNoClassID    = errors.New("vita: packet has no class id")
	ErrUnknownClass = errors.New("vita: unknown class id")
	ErrShortPayload = errors.New("vita: payload too short")
	ErrBinSize      = errors.New("vita: unsupported fft bin size")
)

// FormatError describes a malformed packet or payload.
type FormatError struct {
	Err     error
	Length  int
	ClassID ClassID
}

func (e *FormatError) Error() string {
	if errors.Is(e.Err, ErrUnknownClass) {
		return fmt.Sprintf("%v: %s (len %d)", e.Err, e.ClassID, e.Length)
	}
	return fmt.Sprintf("%v (len %d)", e.Err, e.Length)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// Header is the decoded first word of a packet.
type Header struct {
	Type        PacketType
	HasClassID  bool
	HasTrailer  bool
	TSI         TSI
	TSF         TSF
	PacketCount uint8  // 0..15
	WordCount   uint16 // total packet length in words, header included
}

func decodeHeader(word uint32) Header {
	return Header{
		Type:        PacketType((word & headerPacketTypeMask) >> 28),
		HasClassID:  word&headerClassIDMask != 0,
		HasTrailer:  word&headerTrailerMask != 0,
		TSI:         TSI((word & headerTSIMask) >> 22),
		TSF:         TSF((word & headerTSFMask) >> 20),
		PacketCount: uint8((word & headerPacketCountMask) >> 16),
		WordCount:   uint16(word & headerPacketSizeMask),
	}
}

func (h Header) encode() uint32 {
	word := uint32(h.Type&0x0F) << 28
	if h.HasClassID {
		word |= headerClassIDMask
	}
	if h.HasTrailer {
		word |= headerTrailerMask
	}
	word |= uint32(h.TSI&0x03) << 22
	word |= uint32(h.TSF&0x03) << 20
	word |= uint32(h.PacketCount%MaxPacketCount) << 16
	word |= uint32(h.WordCount)
	return word
}

// headerWords returns how many leading words the flags imply.
func (h Header) headerWords() int {
	n := 1
	if h.Type.HasStreamID() {
		n++
	}
	if h.HasClassID {
		n += 2
	}
	if h.TSI != TSINone {
		n++
	}
	if h.TSF != TSFNone {
		n += 2
	}
	return n
}

// Packet is one parsed VITA-49 packet. Packets returned by Parse alias the
// input buffer; call Clone before retaining one past the receive callback.
type Packet struct {
	Header        Header
	StreamID      uint32
	ClassID       ClassID
	TimestampInt  uint32
	TimestampFrac uint64
	Payload       []byte
	Trailer       uint32
}

// Clone returns a copy of p that owns its payload.
func (p *Packet) Clone() *Packet {
	c := *p
	c.Payload = append([]byte(nil), p.Payload...)
	return &c
}

// Parse decodes a single packet from b.
func Parse(b []byte) (*Packet, error) {
	if len(b) < HeaderBytes {
		return nil, &FormatError{Err: ErrShortPacket, Length: len(b)}
	}

	h := decodeHeader(binary.BigEndian.Uint32(b))
	size := int(h.WordCount) * 4
	if size > len(b) {
		return nil, &FormatError{Err: ErrTruncated, Length: len(b)}
	}
	if size == 0 {
		// Some firmware leaves the size field zero on discovery packets;
		// fall back to the datagram length.
		size = len(b) &^ 3
	}

	headerLen := h.headerWords() * 4
	trailerLen := 0
	if h.HasTrailer {
		trailerLen = 4
	}
	if headerLen+trailerLen > size {
		return nil, &FormatError{Err: ErrTruncated, Length: len(b)}
	}
	if !h.HasClassID {
		return nil, &FormatError{Err: ErrNoClassID, Length: len(b)}
	}

	p := &Packet{Header: h}
	off := 4
	if h.Type.HasStreamID() {
		p.StreamID = binary.BigEndian.Uint32(b[off:])
		off += 4
	}

	p.ClassID = decodeClassID(binary.BigEndian.Uint32(b[off:]), binary.BigEndian.Uint32(b[off+4:]))
	off += 8
	if !p.ClassID.Known() {
		return nil, &FormatError{Err: ErrUnknownClass, Length: len(b), ClassID: p.ClassID}
	}

	if h.TSI != TSINone {
		p.TimestampInt = binary.BigEndian.Uint32(b[off:])
		off += 4
	}
	if h.TSF != TSFNone {
		p.TimestampFrac = binary.BigEndian.Uint64(b[off:])
		off += 8
	}

	end := size - trailerLen
	p.Payload = b[off:end:end]
	if h.HasTrailer {
		p.Trailer = binary.BigEndian.Uint32(b[end:])
	}

	return p, nil
}

// Marshal encodes p with the full seven word header. The packet count is
// taken from p.Header.PacketCount; use a Sender to stamp it automatically.
// Stream id, class id and both timestamps are always written, so the
// corresponding header flags are forced on.
func Marshal(p *Packet) []byte {
	payloadWords := (len(p.Payload) + 3) / 4
	trailerWords := 0
	if p.Header.HasTrailer {
		trailerWords = 1
	}

	h := p.Header
	if !h.Type.HasStreamID() {
		h.Type = IFDataWithStreamID
	}
	h.HasClassID = true
	if h.TSI == TSINone {
		h.TSI = TSIOther
	}
	if h.TSF == TSFNone {
		h.TSF = TSFSampleCount
	}
	h.WordCount = uint16(payloadWords + HeaderWords + trailerWords)

	b := make([]byte, int(h.WordCount)*4)
	binary.BigEndian.PutUint32(b[0:], h.encode())
	binary.BigEndian.PutUint32(b[4:], p.StreamID)
	hi, lo := p.ClassID.encode()
	binary.BigEndian.PutUint32(b[8:], hi)
	binary.BigEndian.PutUint32(b[12:], lo)
	binary.BigEndian.PutUint32(b[16:], p.TimestampInt)
	binary.BigEndian.PutUint64(b[20:], p.TimestampFrac)
	copy(b[HeaderBytes:], p.Payload)
	if p.Header.HasTrailer {
		binary.BigEndian.PutUint32(b[len(b)-4:], p.Trailer)
	}
	return b
}

// WordCount returns the header size field Marshal computes for a payload of
// n bytes without a trailer.
func WordCount(n int) int {
	return (n+3)/4 + HeaderWords
}

package vita

import "fmt"

// FlexRadio vendor identifiers.
const (
	FlexOUI              uint32 = 0x001C2D
	FlexInformationClass uint16 = 0x534C // "SL"
)

// Packet class codes used by SmartSDR streams.
const (
	ClassDAXReducedBW uint16 = 0x0123 // DAX audio, int16, reduced bandwidth
	ClassDAXIQ24      uint16 = 0x02E3
	ClassDAXIQ48      uint16 = 0x02E4
	ClassDAXIQ96      uint16 = 0x02E5
	ClassDAXIQ192     uint16 = 0x02E6
	ClassDAXAudio     uint16 = 0x03E3 // DAX audio, float32 stereo
	ClassMeter        uint16 = 0x8002
	ClassFFT          uint16 = 0x8003
	ClassWaterfall    uint16 = 0x8004
	ClassOpus         uint16 = 0x8005
	ClassDiscovery    uint16 = 0xFFFF
)

// StreamKind is the payload semantic a class id identifies.
type StreamKind int

const (
	KindUnknown StreamKind = iota
	KindFFT
	KindWaterfall
	KindPCM
	KindIQ
	KindOpus
	KindMeter
	KindDiscovery
)

func (k StreamKind) String() string {
	switch k {
	case KindFFT:
		return "fft"
	case KindWaterfall:
		return "waterfall"
	case KindPCM:
		return "pcm"
	case KindIQ:
		return "iq"
	case KindOpus:
		return "opus"
	case KindMeter:
		return "meter"
	case KindDiscovery:
		return "discovery"
	default:
		return "unknown"
	}
}

var packetClassKinds = map[uint16]StreamKind{
	ClassDAXReducedBW: KindPCM,
	ClassDAXAudio:     KindPCM,
	ClassDAXIQ24:      KindIQ,
	ClassDAXIQ48:      KindIQ,
	ClassDAXIQ96:      KindIQ,
	ClassDAXIQ192:     KindIQ,
	ClassMeter:        KindMeter,
	ClassFFT:          KindFFT,
	ClassWaterfall:    KindWaterfall,
	ClassOpus:         KindOpus,
	ClassDiscovery:    KindDiscovery,
}

// ClassID is the vendor and sub-class pair identifying a packet's payload.
type ClassID struct {
	OUI              uint32 // 24 bits
	InformationClass uint16
	PacketClass      uint16
}

// NewClassID returns a FlexRadio class id for the given packet class.
func NewClassID(packetClass uint16) ClassID {
	return ClassID{OUI: FlexOUI, InformationClass: FlexInformationClass, PacketClass: packetClass}
}

func decodeClassID(hi, lo uint32) ClassID {
	return ClassID{
		OUI:              hi & classIDOUIMask,
		InformationClass: uint16(lo >> 16),
		PacketClass:      uint16(lo),
	}
}

func (c ClassID) encode() (uint32, uint32) {
	return c.OUI & classIDOUIMask, uint32(c.InformationClass)<<16 | uint32(c.PacketClass)
}

// Known reports whether c is a recognised vendor/class pair.
func (c ClassID) Known() bool {
	return c.Kind() != KindUnknown
}

// Kind classifies the packet class. Foreign vendors are always unknown.
func (c ClassID) Kind() StreamKind {
	if c.OUI != FlexOUI || c.InformationClass != FlexInformationClass {
		return KindUnknown
	}
	return packetClassKinds[c.PacketClass]
}

func (c ClassID) String() string {
	return fmt.Sprintf("%06X:%04X:%04X", c.OUI, c.InformationClass, c.PacketClass)
}

package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cwsl/flexstream/engine"
	"github.com/cwsl/flexstream/panadapter"
	"github.com/cwsl/flexstream/waterfall"
	"github.com/klauspost/compress/zstd"
)

// Binary Frame Message Format
// ===========================
//
// Completed panadapter frames and waterfall rows are sent to WebSocket
// clients as binary messages. All integers are little-endian. When the
// format byte is FrameFormatZstd the whole message, header included, is
// zstd-compressed and must be decompressed before the magic is checked.
//
// SPECTRUM FRAME ("SPEC", 20 byte header):
// Offset | Size | Type    | Description
// -------|------|---------|--------------------------------------------
// 0      | 4    | [4]byte | Magic "SPEC"
// 4      | 1    | uint8   | Version: 1
// 5      | 1    | uint8   | Format: 0=raw, 1=zstd
// 6      | 2    | uint16  | Reserved
// 8      | 4    | uint32  | Stream id
// 12     | 4    | uint32  | Frame id
// 16     | 4    | uint32  | Bin count N
// 20     | 2N   | uint16  | Bins
//
// WATERFALL ROW ("WTRF", 48 byte header):
// Offset | Size | Type    | Description
// -------|------|---------|--------------------------------------------
// 0      | 4    | [4]byte | Magic "WTRF"
// 4      | 1    | uint8   | Version: 1
// 5      | 1    | uint8   | Format: 0=raw, 1=zstd
// 6      | 1    | uint8   | Flags: bit 0 = flushed incomplete row
// 7      | 1    | uint8   | Reserved
// 8      | 4    | uint32  | Stream id
// 12     | 4    | uint32  | Timecode
// 16     | 8    | int64   | First pixel frequency
// 24     | 8    | int64   | Bin bandwidth
// 32     | 4    | uint32  | Line duration in ms
// 36     | 4    | uint32  | Auto black level
// 40     | 2    | uint16  | Height
// 42     | 2    | uint16  | First bin
// 44     | 4    | uint32  | Bin count N
// 48     | 2N   | uint16  | Bins
//
// Stream ready and jitter overflow notifications are JSON text messages.

const (
	FrameBinaryVersion uint8 = 1

	FrameFormatRaw  uint8 = 0
	FrameFormatZstd uint8 = 1

	SpectrumHeaderSize  = 20
	WaterfallHeaderSize = 48

	waterfallFlagFlushed uint8 = 1
)

var (
	SpectrumMagic  = [4]byte{'S', 'P', 'E', 'C'}
	WaterfallMagic = [4]byte{'W', 'T', 'R', 'F'}
)

// zstdEncoderPool provides reusable zstd encoders
var zstdEncoderPool = sync.Pool{
	New: func() interface{} {
		encoder, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		return encoder
	},
}

// FrameEncoder turns engine events into WebSocket messages for one client
type FrameEncoder struct {
	useCompression bool
	zstdEncoder    *zstd.Encoder
	encoderMu      sync.Mutex

	messages uint64
	rawBytes uint64
	outBytes uint64
}

// NewFrameEncoder creates an encoder, taking a zstd encoder from the pool
// when compression is on
func NewFrameEncoder(useCompression bool) *FrameEncoder {
	e := &FrameEncoder{useCompression: useCompression}
	if useCompression {
		e.zstdEncoder = zstdEncoderPool.Get().(*zstd.Encoder)
	}
	return e
}

// EncodeFrame encodes a completed panadapter frame
func (e *FrameEncoder) EncodeFrame(streamID uint32, f panadapter.Frame) []byte {
	msg := make([]byte, SpectrumHeaderSize+2*len(f.Bins))
	copy(msg[0:4], SpectrumMagic[:])
	msg[4] = FrameBinaryVersion
	msg[5] = e.format()
	binary.LittleEndian.PutUint32(msg[8:], streamID)
	binary.LittleEndian.PutUint32(msg[12:], f.ID)
	binary.LittleEndian.PutUint32(msg[16:], uint32(len(f.Bins)))
	putBins(msg[SpectrumHeaderSize:], f.Bins)

	return e.finish(msg)
}

// EncodeTile encodes a waterfall row
func (e *FrameEncoder) EncodeTile(streamID uint32, t waterfall.Tile) []byte {
	msg := make([]byte, WaterfallHeaderSize+2*len(t.Bins))
	copy(msg[0:4], WaterfallMagic[:])
	msg[4] = FrameBinaryVersion
	msg[5] = e.format()
	if t.Flushed {
		msg[6] = waterfallFlagFlushed
	}
	binary.LittleEndian.PutUint32(msg[8:], streamID)
	binary.LittleEndian.PutUint32(msg[12:], t.Timecode)
	binary.LittleEndian.PutUint64(msg[16:], uint64(t.Meta.FirstPixelFreq))
	binary.LittleEndian.PutUint64(msg[24:], uint64(t.Meta.BinBandwidth))
	binary.LittleEndian.PutUint32(msg[32:], t.Meta.LineDurationMS)
	binary.LittleEndian.PutUint32(msg[36:], t.Meta.AutoBlackLevel)
	binary.LittleEndian.PutUint16(msg[40:], t.Meta.Height)
	binary.LittleEndian.PutUint16(msg[42:], uint16(t.FirstBin))
	binary.LittleEndian.PutUint32(msg[44:], uint32(len(t.Bins)))
	putBins(msg[WaterfallHeaderSize:], t.Bins)

	return e.finish(msg)
}

func (e *FrameEncoder) format() uint8 {
	if e.useCompression {
		return FrameFormatZstd
	}
	return FrameFormatRaw
}

func (e *FrameEncoder) finish(msg []byte) []byte {
	e.encoderMu.Lock()
	defer e.encoderMu.Unlock()

	e.messages++
	e.rawBytes += uint64(len(msg))

	if e.useCompression && e.zstdEncoder != nil {
		msg = e.zstdEncoder.EncodeAll(msg, make([]byte, 0, len(msg)/2))
	}
	e.outBytes += uint64(len(msg))
	return msg
}

func putBins(dst []byte, bins []uint16) {
	for i, v := range bins {
		binary.LittleEndian.PutUint16(dst[2*i:], v)
	}
}

// Close returns the zstd encoder to the pool
func (e *FrameEncoder) Close() {
	e.encoderMu.Lock()
	defer e.encoderMu.Unlock()

	if e.zstdEncoder != nil {
		zstdEncoderPool.Put(e.zstdEncoder)
		e.zstdEncoder = nil
	}
}

// GetStats returns statistics about the encoder's operation
func (e *FrameEncoder) GetStats() map[string]interface{} {
	e.encoderMu.Lock()
	defer e.encoderMu.Unlock()

	ratio := 1.0
	if e.outBytes > 0 {
		ratio = float64(e.rawBytes) / float64(e.outBytes)
	}
	return map[string]interface{}{
		"messages":          e.messages,
		"raw_bytes":         e.rawBytes,
		"sent_bytes":        e.outBytes,
		"compression":       e.useCompression,
		"compression_ratio": ratio,
	}
}

// StatusMessage is the JSON text message for stream notifications
type StatusMessage struct {
	Type        string `json:"type"`
	StreamID    string `json:"stream_id"`
	Kind        string `json:"kind,omitempty"`
	Counterpart string `json:"counterpart,omitempty"`
}

// formatStreamID renders a stream id the way the radio writes it
func formatStreamID(id uint32) string {
	return fmt.Sprintf("0x%08X", id)
}

// encodeStatusMessage encodes the events that are sent as JSON. It reports
// false for events that have no JSON form.
func encodeStatusMessage(ev engine.Event) ([]byte, bool) {
	var msg StatusMessage
	switch ev := ev.(type) {
	case engine.StreamReady:
		msg = StatusMessage{
			Type:     "stream_ready",
			StreamID: formatStreamID(ev.StreamID),
			Kind:     ev.Kind.String(),
		}
		if ev.Counterpart != engine.NoStream {
			msg.Counterpart = formatStreamID(ev.Counterpart)
		}
	case engine.JitterOverflow:
		msg = StatusMessage{Type: "jitter_overflow", StreamID: formatStreamID(ev.StreamID)}
	default:
		return nil, false
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, false
	}
	return data, true
}

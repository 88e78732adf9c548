package vita

import (
	"encoding/binary"
	"math"
)

// fftHeaderBytes is the sub-header preceding FFT bins.
const fftHeaderBytes = 12

// FFTPayload is the payload of a ClassFFT packet: a slice of one spectrum
// frame starting at StartBin.
type FFTPayload struct {
	StartBin   uint16
	NumBins    uint16
	BinSize    uint16 // bytes per bin, 2 on current firmware
	TotalBins  uint16 // bins in the whole frame as the radio sees it
	FrameIndex uint32
	Bins       []uint16
}

// ParseFFT decodes an FFT payload. Bins beyond the payload length are not
// invented: a packet claiming more bins than it carries is an error. Only
// 2-byte bins are decoded; any other bin size is rejected with ErrBinSize.
func ParseFFT(payload []byte) (FFTPayload, error) {
	if len(payload) < fftHeaderBytes {
		return FFTPayload{}, &FormatError{Err: ErrShortPayload, Length: len(payload)}
	}

	f := FFTPayload{
		StartBin:   binary.BigEndian.Uint16(payload[0:]),
		NumBins:    binary.BigEndian.Uint16(payload[2:]),
		BinSize:    binary.BigEndian.Uint16(payload[4:]),
		TotalBins:  binary.BigEndian.Uint16(payload[6:]),
		FrameIndex: binary.BigEndian.Uint32(payload[8:]),
	}

	if f.BinSize != 2 {
		return FFTPayload{}, &FormatError{Err: ErrBinSize, Length: len(payload)}
	}

	data := payload[fftHeaderBytes:]
	if int(f.NumBins)*2 > len(data) {
		return FFTPayload{}, &FormatError{Err: ErrShortPayload, Length: len(payload)}
	}
	f.Bins = decodeUint16s(data[:int(f.NumBins)*2])
	return f, nil
}

// Marshal encodes the payload. NumBins is derived from len(Bins).
func (f FFTPayload) Marshal() []byte {
	b := make([]byte, fftHeaderBytes+len(f.Bins)*2)
	binSize := f.BinSize
	if binSize == 0 {
		binSize = 2
	}
	binary.BigEndian.PutUint16(b[0:], f.StartBin)
	binary.BigEndian.PutUint16(b[2:], uint16(len(f.Bins)))
	binary.BigEndian.PutUint16(b[4:], binSize)
	binary.BigEndian.PutUint16(b[6:], f.TotalBins)
	binary.BigEndian.PutUint32(b[8:], f.FrameIndex)
	encodeUint16s(b[fftHeaderBytes:], f.Bins)
	return b
}

// tileHeaderBytes is the waterfall tile header preceding the bins.
const tileHeaderBytes = 36

// TilePayload is the payload of a ClassWaterfall packet: one waterfall row
// or a fragment of one.
type TilePayload struct {
	FirstPixelFreq int64 // Hz, fixed point on the wire
	BinBandwidth   int64
	LineDurationMS uint32
	Width          uint16
	Height         uint16
	Timecode       uint32
	AutoBlackLevel uint32
	TotalBins      uint16
	FirstBin       uint16
	Bins           []uint16
}

// ParseTile decodes a waterfall tile payload.
func ParseTile(payload []byte) (TilePayload, error) {
	if len(payload) < tileHeaderBytes {
		return TilePayload{}, &FormatError{Err: ErrShortPayload, Length: len(payload)}
	}

	t := TilePayload{
		FirstPixelFreq: int64(binary.BigEndian.Uint64(payload[0:])),
		BinBandwidth:   int64(binary.BigEndian.Uint64(payload[8:])),
		LineDurationMS: binary.BigEndian.Uint32(payload[16:]),
		Width:          binary.BigEndian.Uint16(payload[20:]),
		Height:         binary.BigEndian.Uint16(payload[22:]),
		Timecode:       binary.BigEndian.Uint32(payload[24:]),
		AutoBlackLevel: binary.BigEndian.Uint32(payload[28:]),
		TotalBins:      binary.BigEndian.Uint16(payload[32:]),
		FirstBin:       binary.BigEndian.Uint16(payload[34:]),
	}

	n := int(t.Width) * int(t.Height)
	data := payload[tileHeaderBytes:]
	if n*2 > len(data) {
		return TilePayload{}, &FormatError{Err: ErrShortPayload, Length: len(payload)}
	}
	t.Bins = decodeUint16s(data[:n*2])
	return t, nil
}

// Marshal encodes the tile. Width is derived from len(Bins) when Height is
// zero or one.
func (t TilePayload) Marshal() []byte {
	width, height := t.Width, t.Height
	if height <= 1 {
		width, height = uint16(len(t.Bins)), 1
	}

	b := make([]byte, tileHeaderBytes+len(t.Bins)*2)
	binary.BigEndian.PutUint64(b[0:], uint64(t.FirstPixelFreq))
	binary.BigEndian.PutUint64(b[8:], uint64(t.BinBandwidth))
	binary.BigEndian.PutUint32(b[16:], t.LineDurationMS)
	binary.BigEndian.PutUint16(b[20:], width)
	binary.BigEndian.PutUint16(b[22:], height)
	binary.BigEndian.PutUint32(b[24:], t.Timecode)
	binary.BigEndian.PutUint32(b[28:], t.AutoBlackLevel)
	binary.BigEndian.PutUint16(b[32:], t.TotalBins)
	binary.BigEndian.PutUint16(b[34:], t.FirstBin)
	encodeUint16s(b[tileHeaderBytes:], t.Bins)
	return b
}

// Float32Samples decodes big-endian IEEE-754 samples (DAX audio and IQ).
// A trailing partial sample is ignored.
func Float32Samples(payload []byte) []float32 {
	samples := make([]float32, len(payload)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.BigEndian.Uint32(payload[i*4:]))
	}
	return samples
}

// Int16Samples decodes big-endian int16 samples (reduced bandwidth DAX).
func Int16Samples(payload []byte) []int16 {
	samples := make([]int16, len(payload)/2)
	for i := range samples {
		samples[i] = int16(binary.BigEndian.Uint16(payload[i*2:]))
	}
	return samples
}

func decodeUint16s(b []byte) []uint16 {
	out := make([]uint16, len(b)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(b[i*2:])
	}
	return out
}

func encodeUint16s(dst []byte, v []uint16) {
	for i, x := range v {
		binary.BigEndian.PutUint16(dst[i*2:], x)
	}
}

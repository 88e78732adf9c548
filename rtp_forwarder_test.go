package main

import (
	"encoding/binary"
	"testing"

	"github.com/cwsl/flexstream/engine"
)

func TestPacketizeAdvances(t *testing.T) {
	t.Parallel()

	f := &RTPForwarder{
		config:  &RTPForwardConfig{PayloadType: 96},
		streams: make(map[uint32]*rtpStream),
	}

	audio := engine.AudioData{StreamID: 0x04000008, Channels: 2, InOrder: true, Samples: make([]float32, 256)}
	first := f.packetize(audio)
	second := f.packetize(audio)

	if first.SSRC != 0x04000008 || first.PayloadType != 96 || first.Version != 2 {
		t.Fatalf("header = %+v", first.Header)
	}
	if second.SequenceNumber != first.SequenceNumber+1 {
		t.Fatalf("sequence %d then %d, want consecutive", first.SequenceNumber, second.SequenceNumber)
	}
	if second.Timestamp-first.Timestamp != 128 {
		t.Fatalf("timestamp advanced %d, want 128 stereo frames", second.Timestamp-first.Timestamp)
	}

	mono := engine.AudioData{StreamID: 0x04000009, Channels: 1, Samples: make([]float32, 100)}
	f.packetize(mono)
	if next := f.packetize(mono); next.Timestamp != 100 {
		t.Fatalf("mono timestamp = %d, want 100", next.Timestamp)
	}
	if gaps := f.streams[0x04000009].gaps; gaps != 2 {
		t.Fatalf("gaps = %d, want 2", gaps)
	}
}

func TestEncodeL16(t *testing.T) {
	t.Parallel()

	out := encodeL16([]float32{0, 1, -1, 2, -0.5})
	want := []int16{0, 32767, -32767, 32767, -16384}
	for i, w := range want {
		got := int16(binary.BigEndian.Uint16(out[2*i:]))
		if got != w {
			t.Errorf("sample %d = %d, want %d", i, got, w)
		}
	}
}

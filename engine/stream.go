package engine

import (
	"sync"
	"time"

	"github.com/cwsl/flexstream/audiostream"
	"github.com/cwsl/flexstream/panadapter"
	"github.com/cwsl/flexstream/vita"
	"github.com/cwsl/flexstream/waterfall"
)

// Kind is the type of a registered stream.
type Kind int

const (
	KindPanadapter Kind = iota + 1
	KindWaterfall
	KindAudio // DAX PCM
	KindIQ
	KindOpus
)

func (k Kind) String() string {
	switch k {
	case KindPanadapter:
		return "panadapter"
	case KindWaterfall:
		return "waterfall"
	case KindAudio:
		return "audio"
	case KindIQ:
		return "iq"
	case KindOpus:
		return "opus"
	default:
		return "unknown"
	}
}

// ParseKind maps a configuration name to a Kind.
func ParseKind(s string) (Kind, bool) {
	for k := KindPanadapter; k <= KindOpus; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// kindOf maps a packet's class to the stream kind that consumes it.
func kindOf(k vita.StreamKind) (Kind, bool) {
	switch k {
	case vita.KindFFT:
		return KindPanadapter, true
	case vita.KindWaterfall:
		return KindWaterfall, true
	case vita.KindPCM:
		return KindAudio, true
	case vita.KindIQ:
		return KindIQ, true
	case vita.KindOpus:
		return KindOpus, true
	}
	return 0, false
}

// frameProducing reports whether streams of kind k wait for their status
// before becoming ready.
func (k Kind) frameProducing() bool {
	return k == KindPanadapter || k == KindWaterfall
}

// Stream is one registered stream and its reassembly state.
type Stream struct {
	id      uint32
	kind    Kind
	created time.Time

	pan    *panadapter.Assembler
	wf     *waterfall.Assembler
	seq    *audiostream.Sequencer
	jitter *audiostream.JitterBuffer

	mu             sync.Mutex
	counterpart    uint32
	statusComplete bool
	ready          bool
	closed         bool
	packets        uint64
	payloadErrors  uint64
	kindMismatch   uint64
	lastPacket     time.Time
}

func newStream(id uint32, kind Kind, width int) *Stream {
	s := &Stream{id: id, kind: kind, created: time.Now()}
	switch kind {
	case KindPanadapter:
		s.pan = panadapter.New(width)
	case KindWaterfall:
		s.wf = waterfall.New()
	case KindAudio, KindIQ:
		s.seq = audiostream.NewSequencer()
	case KindOpus:
		s.jitter = audiostream.NewJitterBuffer()
	}
	return s
}

// ID returns the stream id.
func (s *Stream) ID() uint32 { return s.id }

// Kind returns the stream kind.
func (s *Stream) Kind() Kind { return s.kind }

// Ready reports whether the stream has become ready.
func (s *Stream) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Counterpart returns the declared companion stream, or NoStream.
func (s *Stream) Counterpart() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counterpart
}

// ingest hands a classified packet to the stream's assembler and returns
// the events it produced.
func (s *Stream) ingest(p *vita.Packet) []Event {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.packets++
	s.lastPacket = time.Now()
	s.mu.Unlock()

	var events []Event
	var err error
	switch s.kind {
	case KindPanadapter:
		events, err = s.ingestFFT(p)
	case KindWaterfall:
		events, err = s.ingestTile(p)
	case KindAudio, KindIQ:
		events = s.ingestAudio(p)
	case KindOpus:
		events = s.ingestOpus(p)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.payloadErrors++
	}
	if s.closed {
		return nil
	}
	return events
}

func (s *Stream) ingestFFT(p *vita.Packet) ([]Event, error) {
	fft, err := vita.ParseFFT(p.Payload)
	if err != nil {
		return nil, err
	}
	frame, ok := s.pan.Ingest(int(fft.StartBin), fft.Bins, fft.FrameIndex, int(fft.TotalBins))
	if !ok {
		return nil, nil
	}
	return []Event{FrameReady{StreamID: s.id, Frame: frame}}, nil
}

func (s *Stream) ingestTile(p *vita.Packet) ([]Event, error) {
	t, err := vita.ParseTile(p.Payload)
	if err != nil {
		return nil, err
	}
	tiles := s.wf.Ingest(waterfall.Fragment{
		Timecode:  t.Timecode,
		TotalBins: int(t.TotalBins),
		FirstBin:  int(t.FirstBin),
		Bins:      t.Bins,
		Meta: waterfall.TileMeta{
			FirstPixelFreq: t.FirstPixelFreq,
			BinBandwidth:   t.BinBandwidth,
			LineDurationMS: t.LineDurationMS,
			Height:         t.Height,
			AutoBlackLevel: t.AutoBlackLevel,
		},
	})

	events := make([]Event, 0, len(tiles))
	for _, tile := range tiles {
		events = append(events, TileReady{StreamID: s.id, Tile: tile})
	}
	return events, nil
}

func (s *Stream) ingestAudio(p *vita.Packet) []Event {
	inOrder := s.seq.Observe(p.Header.PacketCount)

	var samples []float32
	channels := 2
	if p.ClassID.PacketClass == vita.ClassDAXReducedBW {
		channels = 1
		pcm := vita.Int16Samples(p.Payload)
		samples = make([]float32, len(pcm))
		for i, v := range pcm {
			samples[i] = float32(v) / 32768
		}
	} else {
		samples = vita.Float32Samples(p.Payload)
	}

	return []Event{AudioData{
		StreamID:      s.id,
		Kind:          s.kind,
		Count:         p.Header.PacketCount,
		InOrder:       inOrder,
		TimestampInt:  p.TimestampInt,
		TimestampFrac: p.TimestampFrac,
		Channels:      channels,
		Samples:       samples,
		Payload:       append([]byte(nil), p.Payload...),
	}}
}

func (s *Stream) ingestOpus(p *vita.Packet) []Event {
	key := audiostream.Key{Int: p.TimestampInt, Frac: p.TimestampFrac}
	if s.jitter.Push(key, append([]byte(nil), p.Payload...)) == audiostream.Overflow {
		return []Event{JitterOverflow{StreamID: s.id}}
	}
	return nil
}

// close discards the stream's buffers and stops further ingestion.
func (s *Stream) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	switch {
	case s.pan != nil:
		s.pan.Reset()
	case s.wf != nil:
		s.wf.Reset()
	case s.seq != nil:
		s.seq.Reset()
	case s.jitter != nil:
		s.jitter.Reset()
	}
}

// StreamStats is a snapshot of one stream's state and counters.
type StreamStats struct {
	ID             uint32    `json:"id"`
	Kind           string    `json:"kind"`
	Ready          bool      `json:"ready"`
	StatusComplete bool      `json:"status_complete"`
	Counterpart    uint32    `json:"counterpart,omitempty"`
	Created        time.Time `json:"created"`
	LastPacket     time.Time `json:"last_packet,omitempty"`
	Packets        uint64    `json:"packets"`
	PayloadErrors  uint64    `json:"payload_errors"`
	KindMismatch   uint64    `json:"kind_mismatch"`

	Panadapter *panadapter.Stats           `json:"panadapter,omitempty"`
	Waterfall  *waterfall.Stats            `json:"waterfall,omitempty"`
	Sequencer  *audiostream.SequencerStats `json:"sequencer,omitempty"`
	Jitter     *audiostream.JitterStats    `json:"jitter,omitempty"`
}

// Stats returns a snapshot of the stream.
func (s *Stream) Stats() StreamStats {
	s.mu.Lock()
	st := StreamStats{
		ID:             s.id,
		Kind:           s.kind.String(),
		Ready:          s.ready,
		StatusComplete: s.statusComplete,
		Counterpart:    s.counterpart,
		Created:        s.created,
		LastPacket:     s.lastPacket,
		Packets:        s.packets,
		PayloadErrors:  s.payloadErrors,
		KindMismatch:   s.kindMismatch,
	}
	s.mu.Unlock()

	switch {
	case s.pan != nil:
		ps := s.pan.Stats()
		st.Panadapter = &ps
	case s.wf != nil:
		ws := s.wf.Stats()
		st.Waterfall = &ws
	case s.seq != nil:
		ss := s.seq.Stats()
		st.Sequencer = &ss
	case s.jitter != nil:
		js := s.jitter.Stats()
		st.Jitter = &js
	}
	return st
}

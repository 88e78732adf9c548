package engine

import (
	"errors"
	"testing"

	"github.com/cwsl/flexstream/audiostream"
	"github.com/cwsl/flexstream/vita"
)

const (
	panID   uint32 = 0x40000000
	wfID    uint32 = 0x42000000
	audioID uint32 = 0x04000008
	opusID  uint32 = 0x4C000000
)

func packet(id uint32, class uint16, payload []byte) *vita.Packet {
	return &vita.Packet{
		Header:   vita.Header{Type: vita.ExtDataWithStreamID},
		StreamID: id,
		ClassID:  vita.NewClassID(class),
		Payload:  payload,
	}
}

func fftBytes(id uint32, frame uint32, start, n, total int) []byte {
	bins := make([]uint16, n)
	for i := range bins {
		bins[i] = uint16(start + i)
	}
	f := vita.FFTPayload{StartBin: uint16(start), TotalBins: uint16(total), FrameIndex: frame, Bins: bins}
	return vita.Marshal(packet(id, vita.ClassFFT, f.Marshal()))
}

func tileBytes(id uint32, tc uint32, first, n, total int) []byte {
	t := vita.TilePayload{Timecode: tc, TotalBins: uint16(total), FirstBin: uint16(first), Bins: make([]uint16, n)}
	return vita.Marshal(packet(id, vita.ClassWaterfall, t.Marshal()))
}

func drain(sub *Subscription) []Event {
	var events []Event
	for {
		select {
		case ev := <-sub.C:
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestPanadapterRouting(t *testing.T) {
	t.Parallel()

	e := New(Config{})
	if err := e.AddStream(panID, KindPanadapter); err != nil {
		t.Fatal(err)
	}
	sub := e.Subscribe(16)

	if err := e.Ingest(panID, fftBytes(panID, 1, 60, 40, 100)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if err := e.IngestPacket(fftBytes(panID, 1, 0, 60, 100)); err != nil {
		t.Fatalf("IngestPacket: %v", err)
	}

	events := drain(sub)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	fr, ok := events[0].(FrameReady)
	if !ok {
		t.Fatalf("event = %T, want FrameReady", events[0])
	}
	if fr.StreamID != panID || len(fr.Frame.Bins) != 100 || fr.Frame.Bins[99] != 99 {
		t.Fatalf("frame = %+v", fr)
	}
	if s := e.Stats(); s.Frames != 1 || s.Packets != 2 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestWaterfallRouting(t *testing.T) {
	t.Parallel()

	e := New(Config{})
	e.AddStream(wfID, KindWaterfall)
	sub := e.Subscribe(16, wfID)

	e.IngestPacket(tileBytes(wfID, 9, 0, 2052, 2460))
	e.IngestPacket(tileBytes(wfID, 9, 2052, 408, 2460))

	events := drain(sub)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	tr, ok := events[0].(TileReady)
	if !ok || tr.Tile.Width != 2460 || tr.Tile.Timecode != 9 {
		t.Fatalf("event = %+v", events[0])
	}
}

func TestIngestErrors(t *testing.T) {
	t.Parallel()

	e := New(Config{})
	e.AddStream(panID, KindPanadapter)

	if err := e.Ingest(panID, []byte{1, 2, 3}); !errors.Is(err, vita.ErrShortPacket) {
		t.Fatalf("short packet err = %v", err)
	}
	if err := e.Ingest(wfID, fftBytes(panID, 1, 0, 10, 100)); !errors.Is(err, ErrStreamMismatch) {
		t.Fatalf("mismatch err = %v", err)
	}
	if err := e.IngestPacket(fftBytes(0x1234, 1, 0, 10, 100)); !errors.Is(err, ErrUnknownStream) {
		t.Fatalf("unknown stream err = %v", err)
	}

	s := e.Stats()
	if s.FormatErrors != 1 || s.StreamMismatch != 1 || s.UnknownStream != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestKindMismatchCounted(t *testing.T) {
	t.Parallel()

	e := New(Config{})
	e.AddStream(panID, KindPanadapter)

	if err := e.IngestPacket(tileBytes(panID, 1, 0, 10, 10)); err != nil {
		t.Fatalf("IngestPacket: %v", err)
	}
	if s := e.Stats(); s.KindMismatch != 1 {
		t.Fatalf("KindMismatch = %d, want 1", s.KindMismatch)
	}
	st, _ := e.Stream(panID)
	if ss := st.Stats(); ss.KindMismatch != 1 || ss.Packets != 0 {
		t.Fatalf("stream stats = %+v", ss)
	}
}

func TestMeterAndDiscoveryUnrouted(t *testing.T) {
	t.Parallel()

	e := New(Config{AutoRegister: true})
	e.IngestPacket(vita.Marshal(packet(0x700, vita.ClassMeter, make([]byte, 8))))
	e.IngestPacket(vita.Marshal(packet(0x800, vita.ClassDiscovery, make([]byte, 8))))

	s := e.Stats()
	if s.Unrouted != 2 || s.Streams != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestPayloadErrorCounted(t *testing.T) {
	t.Parallel()

	e := New(Config{})
	e.AddStream(panID, KindPanadapter)
	e.IngestPacket(vita.Marshal(packet(panID, vita.ClassFFT, []byte{0, 0, 0, 1})))

	wide := vita.FFTPayload{TotalBins: 2, Bins: []uint16{1, 2}, BinSize: 4}
	e.IngestPacket(vita.Marshal(packet(panID, vita.ClassFFT, wide.Marshal())))

	st, _ := e.Stream(panID)
	if ss := st.Stats(); ss.PayloadErrors != 2 {
		t.Fatalf("PayloadErrors = %d, want 2", ss.PayloadErrors)
	}
	if ss := st.Stats(); ss.Panadapter.BinsFilled != 0 {
		t.Fatalf("BinsFilled = %d, want 0", ss.Panadapter.BinsFilled)
	}
}

func TestAutoRegister(t *testing.T) {
	t.Parallel()

	e := New(Config{AutoRegister: true, AssumeStatus: true})
	sub := e.Subscribe(16)

	e.IngestPacket(fftBytes(panID, 1, 0, 4, 4))

	s, ok := e.Stream(panID)
	if !ok {
		t.Fatal("stream not auto-registered")
	}
	if s.Kind() != KindPanadapter || !s.Ready() {
		t.Fatalf("stream kind %s ready %v", s.Kind(), s.Ready())
	}

	var ready, frames int
	for _, ev := range drain(sub) {
		switch ev.(type) {
		case StreamReady:
			ready++
		case FrameReady:
			frames++
		}
	}
	if ready != 1 || frames != 1 {
		t.Fatalf("ready = %d frames = %d, want 1 and 1", ready, frames)
	}
}

func TestAudioSequencing(t *testing.T) {
	t.Parallel()

	e := New(Config{})
	e.AddStream(audioID, KindAudio)
	sub := e.Subscribe(16, audioID)
	drain(sub)

	var sender vita.Sender
	for i := 0; i < 3; i++ {
		e.IngestPacket(sender.Marshal(packet(audioID, vita.ClassDAXAudio, []byte{0x3F, 0x80, 0, 0})))
	}

	events := drain(sub)
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	for i, ev := range events {
		a, ok := ev.(AudioData)
		if !ok {
			t.Fatalf("event %d = %T, want AudioData", i, ev)
		}
		if !a.InOrder || a.Count != uint8(i) {
			t.Fatalf("event %d = count %d in order %v", i, a.Count, a.InOrder)
		}
		if len(a.Samples) != 1 || a.Samples[0] != 1.0 {
			t.Fatalf("samples = %v", a.Samples)
		}
	}

	// Counter 3 is expected; 5 skips ahead.
	p := packet(audioID, vita.ClassDAXAudio, nil)
	p.Header.PacketCount = 5
	e.IngestPacket(vita.Marshal(p))

	st, _ := e.Stream(audioID)
	if ss := st.Stats(); ss.Sequencer == nil || ss.Sequencer.SequenceErrors != 1 {
		t.Fatalf("sequencer stats = %+v", ss.Sequencer)
	}
}

func TestReducedBandwidthAudio(t *testing.T) {
	t.Parallel()

	e := New(Config{})
	e.AddStream(audioID, KindAudio)
	sub := e.Subscribe(4, audioID)
	drain(sub)

	e.IngestPacket(vita.Marshal(packet(audioID, vita.ClassDAXReducedBW, []byte{0x40, 0x00, 0xC0, 0x00})))
	events := drain(sub)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	a := events[0].(AudioData)
	if len(a.Samples) != 2 || a.Samples[0] != 0.5 || a.Samples[1] != -0.5 {
		t.Fatalf("samples = %v, want [0.5 -0.5]", a.Samples)
	}
}

func TestOpusJitterBuffer(t *testing.T) {
	t.Parallel()

	e := New(Config{})
	e.AddStream(opusID, KindOpus)
	sub := e.Subscribe(4, opusID)
	drain(sub)

	for _, ts := range []uint32{3, 1, 2} {
		p := packet(opusID, vita.ClassOpus, []byte{byte(ts)})
		p.TimestampInt = ts
		e.IngestPacket(vita.Marshal(p))
	}

	jb, err := e.JitterBuffer(opusID)
	if err != nil {
		t.Fatal(err)
	}
	for want := uint32(1); want <= 3; want++ {
		ent, ok := jb.Pop()
		if !ok || ent.Key.Int != want {
			t.Fatalf("Pop = %+v, want key %d", ent.Key, want)
		}
	}

	for ts := uint32(10); ts < 10+audiostream.JitterCapacity+1; ts++ {
		p := packet(opusID, vita.ClassOpus, []byte{1})
		p.TimestampInt = ts
		e.IngestPacket(vita.Marshal(p))
	}
	events := drain(sub)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if _, ok := events[0].(JitterOverflow); !ok {
		t.Fatalf("event = %T, want JitterOverflow", events[0])
	}

	if _, err := e.JitterBuffer(panID); !errors.Is(err, ErrUnknownStream) {
		t.Fatalf("JitterBuffer(unknown) err = %v", err)
	}
}

func TestRemoveStream(t *testing.T) {
	t.Parallel()

	e := New(Config{})
	e.AddStream(panID, KindPanadapter)
	sub := e.Subscribe(16)

	e.IngestPacket(fftBytes(panID, 1, 0, 60, 100))
	e.RemoveStream(panID)

	if _, ok := e.Stream(panID); ok {
		t.Fatal("stream still registered")
	}
	if err := e.IngestPacket(fftBytes(panID, 1, 60, 40, 100)); !errors.Is(err, ErrUnknownStream) {
		t.Fatalf("err = %v, want ErrUnknownStream", err)
	}
	if len(drain(sub)) != 0 {
		t.Fatal("removed stream produced events")
	}

	// Re-adding starts from empty buffers.
	e.AddStream(panID, KindPanadapter)
	e.IngestPacket(fftBytes(panID, 1, 60, 40, 100))
	if len(drain(sub)) != 0 {
		t.Fatal("fragment from removed stream completed a frame")
	}
}

func TestAddStreamDuplicate(t *testing.T) {
	t.Parallel()

	e := New(Config{})
	e.AddStream(panID, KindPanadapter)
	if err := e.AddStream(panID, KindWaterfall); !errors.Is(err, ErrStreamExists) {
		t.Fatalf("err = %v, want ErrStreamExists", err)
	}
	if err := e.AddStream(1, Kind(99)); err == nil {
		t.Fatal("invalid kind accepted")
	}
}

func TestSubscriptionDropsWhenFull(t *testing.T) {
	t.Parallel()

	e := New(Config{})
	e.AddStream(panID, KindPanadapter)
	sub := e.Subscribe(1)

	for frame := uint32(1); frame <= 3; frame++ {
		e.IngestPacket(fftBytes(panID, frame, 0, 10, 10))
	}

	if sub.Dropped() != 2 {
		t.Fatalf("Dropped = %d, want 2", sub.Dropped())
	}
	if s := e.Stats(); s.EventsDropped != 2 || s.Frames != 3 {
		t.Fatalf("stats = %+v", s)
	}

	e.Unsubscribe(sub)
	if _, ok := <-sub.C; !ok {
		t.Fatal("buffered event lost on Unsubscribe")
	}
	if _, ok := <-sub.C; ok {
		t.Fatal("channel not closed")
	}
	e.Unsubscribe(sub)
}

func TestSubscriptionFilter(t *testing.T) {
	t.Parallel()

	e := New(Config{})
	e.AddStream(panID, KindPanadapter)
	e.AddStream(0x40000001, KindPanadapter)
	sub := e.Subscribe(8, 0x40000001)

	e.IngestPacket(fftBytes(panID, 1, 0, 10, 10))
	e.IngestPacket(fftBytes(0x40000001, 1, 0, 10, 10))

	events := drain(sub)
	if len(events) != 1 || events[0].(FrameReady).StreamID != 0x40000001 {
		t.Fatalf("events = %+v", events)
	}
}

func TestSubscribeStatus(t *testing.T) {
	t.Parallel()

	e := New(Config{})
	e.AddStream(panID, KindPanadapter)
	sub := e.SubscribeStatus(8)

	e.IngestPacket(fftBytes(panID, 1, 0, 10, 10))
	e.MarkStatusComplete(panID)

	events := drain(sub)
	if len(events) != 1 {
		t.Fatalf("events = %+v, want one", events)
	}
	if r, ok := events[0].(StreamReady); !ok || r.StreamID != panID {
		t.Fatalf("event = %+v, want StreamReady for %#x", events[0], panID)
	}
}

func TestSetWidth(t *testing.T) {
	t.Parallel()

	e := New(Config{})
	e.AddStream(panID, KindPanadapter)
	e.AddStream(wfID, KindWaterfall)

	if err := e.SetWidth(panID, 8); err != nil {
		t.Fatal(err)
	}
	st, _ := e.Stream(panID)
	if w := st.Stats().Panadapter.Width; w != 8 {
		t.Fatalf("Width = %d, want 8", w)
	}
	if err := e.SetWidth(wfID, 8); err == nil {
		t.Fatal("SetWidth on waterfall accepted")
	}
	if err := e.SetWidth(1, 8); !errors.Is(err, ErrUnknownStream) {
		t.Fatalf("err = %v, want ErrUnknownStream", err)
	}
}

func TestParseKind(t *testing.T) {
	t.Parallel()

	for k := KindPanadapter; k <= KindOpus; k++ {
		got, ok := ParseKind(k.String())
		if !ok || got != k {
			t.Errorf("ParseKind(%q) = %v, %v", k.String(), got, ok)
		}
	}
	if _, ok := ParseKind("meter"); ok {
		t.Error("ParseKind(meter) accepted")
	}
}

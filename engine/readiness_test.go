package engine

import (
	"errors"
	"testing"
)

func readyEvents(sub *Subscription) map[uint32]int {
	n := make(map[uint32]int)
	for _, ev := range drain(sub) {
		if r, ok := ev.(StreamReady); ok {
			n[r.StreamID]++
		}
	}
	return n
}

func TestReadyWithoutCounterpart(t *testing.T) {
	t.Parallel()

	e := New(Config{})
	e.AddStream(panID, KindPanadapter)
	sub := e.Subscribe(8)

	s, _ := e.Stream(panID)
	if s.Ready() {
		t.Fatal("ready before status")
	}
	if err := e.ApplyStatus(panID, map[string]string{"x_pixels": "1024", "waterfall": "0x00000000"}); err != nil {
		t.Fatal(err)
	}
	if !s.Ready() {
		t.Fatal("not ready after full status with no counterpart")
	}
	if got := readyEvents(sub)[panID]; got != 1 {
		t.Fatalf("ready events = %d, want 1", got)
	}
	if w := s.Stats().Panadapter.Width; w != 1024 {
		t.Fatalf("Width = %d, want 1024", w)
	}
}

func TestMutualCounterparts(t *testing.T) {
	t.Parallel()

	e := New(Config{})
	e.AddStream(panID, KindPanadapter)
	e.AddStream(wfID, KindWaterfall)
	sub := e.Subscribe(8)

	e.ApplyStatus(panID, map[string]string{"waterfall": "0x42000000"})
	pan, _ := e.Stream(panID)
	wf, _ := e.Stream(wfID)
	if pan.Ready() || wf.Ready() {
		t.Fatal("ready before counterpart status")
	}

	e.ApplyStatus(wfID, map[string]string{"panadapter": "0x40000000"})
	if !pan.Ready() || !wf.Ready() {
		t.Fatalf("pan ready %v, waterfall ready %v, want both", pan.Ready(), wf.Ready())
	}

	got := readyEvents(sub)
	if got[panID] != 1 || got[wfID] != 1 {
		t.Fatalf("ready events = %v, want one each", got)
	}
}

func TestCounterpartRegisteredLater(t *testing.T) {
	t.Parallel()

	e := New(Config{})
	e.AddStream(panID, KindPanadapter)
	e.SetCounterpart(panID, audioID)
	e.MarkStatusComplete(panID)

	pan, _ := e.Stream(panID)
	if pan.Ready() {
		t.Fatal("ready while counterpart is missing")
	}

	// Audio streams are ready on registration, which releases the waiter.
	e.AddStream(audioID, KindAudio)
	if !pan.Ready() {
		t.Fatal("not ready after counterpart became ready")
	}
}

func TestReadinessMonotonic(t *testing.T) {
	t.Parallel()

	e := New(Config{})
	e.AddStream(panID, KindPanadapter)
	sub := e.Subscribe(32)

	e.ApplyStatus(panID, map[string]string{"x_pixels": "100"})
	pan, _ := e.Stream(panID)
	if !pan.Ready() {
		t.Fatal("not ready")
	}

	updates := []map[string]string{
		{"x_pixels": "200"},
		{"waterfall": "0x42000000"}, // now names a counterpart that does not exist
		{"x_pixels": "300", "waterfall": "0"},
	}
	for _, u := range updates {
		if err := e.ApplyStatus(panID, u); err != nil {
			t.Fatal(err)
		}
		if !pan.Ready() {
			t.Fatalf("ready reverted after %v", u)
		}
	}
	e.SetCounterpart(panID, 0x12345678)
	e.MarkStatusComplete(panID)
	e.AddStream(wfID, KindWaterfall)
	e.ApplyStatus(wfID, map[string]string{"panadapter": "0x40000000"})

	got := readyEvents(sub)
	if got[panID] != 1 {
		t.Fatalf("pan ready events = %d, want 1", got[panID])
	}
	// The waterfall names the already-ready panadapter.
	if got[wfID] != 1 {
		t.Fatalf("waterfall ready events = %d, want 1", got[wfID])
	}
}

func TestApplyStatusErrors(t *testing.T) {
	t.Parallel()

	e := New(Config{})
	e.AddStream(panID, KindPanadapter)

	if err := e.ApplyStatus(1, nil); !errors.Is(err, ErrUnknownStream) {
		t.Fatalf("err = %v, want ErrUnknownStream", err)
	}
	if err := e.ApplyStatus(panID, map[string]string{"x_pixels": "wide"}); err == nil {
		t.Fatal("bad x_pixels accepted")
	}
	if err := e.ApplyStatus(panID, map[string]string{"waterfall": "0xZZ"}); err == nil {
		t.Fatal("bad stream id accepted")
	}
	if err := e.MarkStatusComplete(2); !errors.Is(err, ErrUnknownStream) {
		t.Fatalf("err = %v, want ErrUnknownStream", err)
	}
	if err := e.SetCounterpart(2, 0); !errors.Is(err, ErrUnknownStream) {
		t.Fatalf("err = %v, want ErrUnknownStream", err)
	}
}

func TestParseStreamID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want uint32
		ok   bool
	}{
		{"0x40000000", 0x40000000, true},
		{" 0x42000001 ", 0x42000001, true},
		{"16", 16, true},
		{"0x100000000", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseStreamID(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseStreamID(%q) = %#x, %v", tt.in, got, err)
		}
	}
}

package panadapter

import "testing"

func ramp(start, n int) []uint16 {
	s := make([]uint16, n)
	for i := range s {
		s[i] = uint16(start + i)
	}
	return s
}

func checkRamp(t *testing.T, bins []uint16, width int) {
	t.Helper()
	if len(bins) != width {
		t.Fatalf("len(bins) = %d, want %d", len(bins), width)
	}
	for i, v := range bins {
		if int(v) != i {
			t.Fatalf("bins[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestFrameCompleteness(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frags [][2]int // start, len
	}{
		{"in order", [][2]int{{0, 60}, {60, 40}}},
		{"reversed", [][2]int{{60, 40}, {0, 60}}},
		{"single", [][2]int{{0, 100}}},
		{"many", [][2]int{{90, 10}, {0, 30}, {30, 30}, {60, 30}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(100)
			var frames []Frame
			for _, f := range tt.frags {
				if fr, ok := a.Ingest(f[0], ramp(f[0], f[1]), 7, 0); ok {
					frames = append(frames, fr)
				}
			}
			if len(frames) != 1 {
				t.Fatalf("frames = %d, want 1", len(frames))
			}
			if frames[0].ID != 7 {
				t.Fatalf("frame id = %d, want 7", frames[0].ID)
			}
			checkRamp(t, frames[0].Bins, 100)
		})
	}
}

func TestFrameBufferHandedOff(t *testing.T) {
	t.Parallel()

	a := New(4)
	f1, ok := a.Ingest(0, []uint16{1, 1, 1, 1}, 1, 0)
	if !ok {
		t.Fatal("frame 1 not completed")
	}
	f2, ok := a.Ingest(0, []uint16{2, 2, 2, 2}, 2, 0)
	if !ok {
		t.Fatal("frame 2 not completed")
	}
	if f1.Bins[0] != 1 || f2.Bins[0] != 2 {
		t.Fatalf("frame buffers shared: f1=%v f2=%v", f1.Bins, f2.Bins)
	}
}

func TestStaleFrameRejected(t *testing.T) {
	t.Parallel()

	a := New(100)
	a.Ingest(0, ramp(0, 30), 10, 0)

	if _, ok := a.Ingest(30, ramp(30, 70), 9, 0); ok {
		t.Fatal("stale fragment completed a frame")
	}

	s := a.Stats()
	if s.BinsFilled != 30 {
		t.Fatalf("BinsFilled = %d, want 30", s.BinsFilled)
	}
	if s.Stale != 1 {
		t.Fatalf("Stale = %d, want 1", s.Stale)
	}
	if s.CurrentFrame != 10 {
		t.Fatalf("CurrentFrame = %d, want 10", s.CurrentFrame)
	}
	if s.BoundsErrors != 0 || s.IncompleteFrames != 0 {
		t.Fatalf("stale fragment counted as error: %+v", s)
	}
}

func TestFrameIDWraparound(t *testing.T) {
	t.Parallel()

	a := New(2)
	if _, ok := a.Ingest(0, []uint16{1, 2}, 0xFFFFFFFF, 0); !ok {
		t.Fatal("frame before wrap not completed")
	}
	if _, ok := a.Ingest(0, []uint16{1, 2}, 0, 0); !ok {
		t.Fatal("frame after wrap treated as stale")
	}
}

func TestWidthSelfCorrection(t *testing.T) {
	t.Parallel()

	a := New(100)
	for id := uint32(1); id <= WidthStreakThreshold; id++ {
		if _, ok := a.Ingest(0, ramp(0, 80), id, 0); ok {
			t.Fatalf("frame %d completed with 80 of 100 bins", id)
		}
	}
	if a.Width() != 100 {
		t.Fatalf("width changed early: %d", a.Width())
	}

	// The eleventh frame closes the tenth incomplete one and triggers the
	// correction before its own samples are copied.
	fr, ok := a.Ingest(0, ramp(0, 80), WidthStreakThreshold+1, 0)
	if !ok {
		t.Fatal("80-bin frame did not complete after correction")
	}
	checkRamp(t, fr.Bins, 80)

	if a.Width() != 80 {
		t.Fatalf("Width = %d, want 80", a.Width())
	}
	fr, ok = a.Ingest(0, ramp(0, 80), WidthStreakThreshold+2, 0)
	if !ok || len(fr.Bins) != 80 {
		t.Fatal("subsequent 80-bin frame did not complete")
	}

	s := a.Stats()
	if s.WidthCorrections != 1 {
		t.Fatalf("WidthCorrections = %d, want 1", s.WidthCorrections)
	}
	if s.IncompleteFrames != WidthStreakThreshold {
		t.Fatalf("IncompleteFrames = %d, want %d", s.IncompleteFrames, WidthStreakThreshold)
	}
}

func TestWidthCorrectionSurvivesStaleDeclaration(t *testing.T) {
	t.Parallel()

	a := New(100)
	for id := uint32(1); id <= WidthStreakThreshold+1; id++ {
		a.Ingest(0, ramp(0, 80), id, 100)
	}
	if a.Width() != 80 {
		t.Fatalf("Width = %d, want 80", a.Width())
	}

	// Packets still claiming 100 must not undo the correction.
	if _, ok := a.Ingest(0, ramp(0, 80), 20, 100); !ok {
		t.Fatal("frame did not complete at corrected width")
	}

	// A genuinely new width still wins.
	a.Ingest(0, ramp(0, 10), 21, 120)
	if a.Width() != 120 {
		t.Fatalf("Width = %d, want 120", a.Width())
	}
}

func TestWidthStreakBrokenByDifferentCount(t *testing.T) {
	t.Parallel()

	a := New(100)
	id := uint32(1)
	for i := 0; i < WidthStreakThreshold-1; i++ {
		a.Ingest(0, ramp(0, 80), id, 0)
		id++
	}
	a.Ingest(0, ramp(0, 70), id, 0)
	id++
	for i := 0; i < 3; i++ {
		a.Ingest(0, ramp(0, 80), id, 0)
		id++
	}
	if a.Width() != 100 {
		t.Fatalf("Width = %d, want 100 (streak was broken)", a.Width())
	}
}

func TestDeclaredWidthWins(t *testing.T) {
	t.Parallel()

	a := New(100)
	fr, ok := a.Ingest(0, ramp(0, 50), 1, 50)
	if !ok {
		t.Fatal("frame at declared width 50 did not complete")
	}
	if len(fr.Bins) != 50 {
		t.Fatalf("len = %d, want 50", len(fr.Bins))
	}
	if s := a.Stats(); s.WidthChanges != 1 {
		t.Fatalf("WidthChanges = %d, want 1", s.WidthChanges)
	}
}

func TestBoundsViolationAbandonsFrame(t *testing.T) {
	t.Parallel()

	a := New(100)
	a.Ingest(0, ramp(0, 60), 1, 0)
	if _, ok := a.Ingest(60, ramp(60, 50), 1, 0); ok {
		t.Fatal("oversized fragment completed a frame")
	}
	// Remaining data for the abandoned frame is not misattributed.
	if _, ok := a.Ingest(60, ramp(60, 40), 1, 0); ok {
		t.Fatal("abandoned frame completed")
	}

	s := a.Stats()
	if s.BoundsErrors != 1 {
		t.Fatalf("BoundsErrors = %d, want 1", s.BoundsErrors)
	}
	if s.Duplicates != 1 {
		t.Fatalf("Duplicates = %d, want 1", s.Duplicates)
	}

	// The next frame is not counted as following an incomplete one.
	if _, ok := a.Ingest(0, ramp(0, 100), 2, 0); !ok {
		t.Fatal("next frame did not complete")
	}
	if s := a.Stats(); s.IncompleteFrames != 0 {
		t.Fatalf("IncompleteFrames = %d, want 0", s.IncompleteFrames)
	}
}

func TestDuplicateAfterCompletion(t *testing.T) {
	t.Parallel()

	a := New(10)
	a.Ingest(0, ramp(0, 10), 1, 0)
	if _, ok := a.Ingest(0, ramp(0, 10), 1, 0); ok {
		t.Fatal("duplicate completed a second frame")
	}
	if s := a.Stats(); s.Duplicates != 1 || s.Frames != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestSetWidth(t *testing.T) {
	t.Parallel()

	a := New(0)
	if _, ok := a.Ingest(0, ramp(0, 10), 1, 0); ok {
		t.Fatal("frame completed with zero width")
	}
	a.SetWidth(10)
	if _, ok := a.Ingest(0, ramp(0, 10), 2, 0); !ok {
		t.Fatal("frame did not complete after SetWidth")
	}
	a.SetWidth(-5)
	if a.Width() != 10 {
		t.Fatalf("negative SetWidth applied: %d", a.Width())
	}
}

func TestInvariantBinsFilledNeverExceedsWidth(t *testing.T) {
	t.Parallel()

	a := New(16)
	inputs := [][3]int{ // start, len, frame
		{0, 8, 1}, {4, 8, 1}, {8, 8, 1}, {0, 20, 2}, {15, 2, 2}, {0, 16, 3}, {0, 16, 3},
	}
	for _, in := range inputs {
		a.Ingest(in[0], ramp(in[0], in[1]), uint32(in[2]), 0)
		if s := a.Stats(); s.BinsFilled > s.Width {
			t.Fatalf("after %v: BinsFilled %d > Width %d", in, s.BinsFilled, s.Width)
		}
	}
}

func TestOverlappingFragmentRejected(t *testing.T) {
	t.Parallel()

	a := New(100)
	a.Ingest(0, ramp(0, 60), 1, 0)
	if _, ok := a.Ingest(30, ramp(500, 60), 1, 0); ok {
		t.Fatal("overlapping fragment completed a frame")
	}

	s := a.Stats()
	if s.BinsFilled != 60 {
		t.Fatalf("BinsFilled = %d, want 60", s.BinsFilled)
	}
	if s.BoundsErrors != 1 {
		t.Fatalf("BoundsErrors = %d, want 1", s.BoundsErrors)
	}
	if a.buf[30] != 30 || a.buf[60] != 0 {
		t.Fatalf("buf[30] = %d, buf[60] = %d, want 30 and 0", a.buf[30], a.buf[60])
	}

	// The frame is abandoned; the rest of it is dropped.
	if _, ok := a.Ingest(60, ramp(60, 40), 1, 0); ok {
		t.Fatal("abandoned frame completed")
	}
	if _, ok := a.Ingest(0, ramp(0, 100), 2, 0); !ok {
		t.Fatal("next frame did not complete")
	}
}

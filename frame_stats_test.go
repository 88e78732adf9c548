package main

import (
	"testing"
)

func TestCalculateFrameStatistics(t *testing.T) {
	t.Parallel()

	bins := make([]uint16, 100)
	for i := range bins {
		// Reverse order to check sorting.
		bins[i] = uint16(100 - i)
	}
	fs := calculateFrameStatistics(bins)

	if fs.Bins != 100 {
		t.Fatalf("Bins = %d, want 100", fs.Bins)
	}
	if fs.Min != 1 || fs.Max != 100 {
		t.Fatalf("Min, Max = %v, %v, want 1, 100", fs.Min, fs.Max)
	}
	if fs.Mean != 50.5 {
		t.Fatalf("Mean = %v, want 50.5", fs.Mean)
	}
	if fs.Median < 50 || fs.Median > 51 {
		t.Fatalf("Median = %v, want 50..51", fs.Median)
	}
	if fs.P5 < 5 || fs.P5 > 6 {
		t.Fatalf("P5 = %v, want 5..6", fs.P5)
	}
	if fs.P95 < 95 || fs.P95 > 96 {
		t.Fatalf("P95 = %v, want 95..96", fs.P95)
	}
	if fs.DynamicRange != fs.Max-fs.P5 {
		t.Fatalf("DynamicRange = %v, want %v", fs.DynamicRange, fs.Max-fs.P5)
	}
}

func TestFrameStatsTrackerSampling(t *testing.T) {
	t.Parallel()

	ft := NewFrameStatsTracker(3, nil)
	var computed []uint32
	for id := uint32(0); id < 7; id++ {
		if ft.Observe(0x40000000, id, []uint16{uint16(id), 10}) {
			computed = append(computed, id)
		}
	}
	if len(computed) != 3 || computed[0] != 0 || computed[1] != 3 || computed[2] != 6 {
		t.Fatalf("computed frames = %v, want [0 3 6]", computed)
	}

	fs, ok := ft.Latest(0x40000000)
	if !ok || fs.FrameID != 6 || fs.StreamID != "0x40000000" {
		t.Fatalf("Latest = %+v, %v", fs, ok)
	}

	if ft.Observe(0x40000001, 0, nil) {
		t.Fatal("empty frame produced statistics")
	}

	ft.Observe(0x40000001, 0, []uint16{1})
	if all := ft.All(); len(all) != 2 || all[0].StreamID != "0x40000000" {
		t.Fatalf("All = %+v", all)
	}

	ft.Forget(0x40000000)
	if _, ok := ft.Latest(0x40000000); ok {
		t.Fatal("statistics kept after Forget")
	}
}

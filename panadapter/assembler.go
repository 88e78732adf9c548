// Package panadapter reassembles spectrum frames from FFT sub-packets.
//
// A frame is a fixed-width array of magnitude bins. The radio sends it as a
// run of packets sharing a frame index, each carrying a starting bin and a
// slice of samples. Firmware does not always agree with the client about the
// frame width, so the assembler accepts width updates from three places: the
// out-of-band x_pixels status (SetWidth), the total bin count declared in each
// packet, and a heuristic that adopts a bin count seen repeatedly on
// incomplete frames.
package panadapter

import (
	"sync"
)

// WidthStreakThreshold is how many consecutive incomplete frames with the
// same bin count it takes before that count is adopted as the frame width.
// Changing it changes behaviour on real hardware.
const WidthStreakThreshold = 10

// Frame is one completed spectrum frame. Bins is owned by the receiver.
type Frame struct {
	ID   uint32
	Bins []uint16
}

// Stats are the assembler's diagnostic counters.
type Stats struct {
	Width            int
	BinsFilled       int
	CurrentFrame     uint32
	Frames           uint64 // completed frames
	Stale            uint64 // fragments behind the current frame
	Duplicates       uint64 // fragments for a frame already completed or abandoned
	BoundsErrors     uint64 // fragments past the end of the frame
	IncompleteFrames uint64 // frames abandoned when a newer frame started
	WidthChanges     uint64 // reallocations from declared or out-of-band width
	WidthCorrections uint64 // reallocations from the incomplete-frame heuristic
}

// Assembler holds the reassembly state of one panadapter stream. It is safe
// for concurrent use.
type Assembler struct {
	mu sync.Mutex

	width      int
	buf        []uint16
	frameID    uint32
	haveFrame  bool
	binsFilled int
	// latched is set once the current frame completed or was abandoned;
	// further data for the same frame id is dropped until a new id arrives.
	latched bool

	lastIncomplete int
	streak         int
	// overridden is a declared width the heuristic replaced; packets that
	// keep declaring it do not undo the correction.
	overridden int

	stats Stats
}

// New returns an assembler expecting frames of width bins. A width of zero
// is allowed; the first declared total or SetWidth call sizes the buffer.
func New(width int) *Assembler {
	a := &Assembler{latched: true}
	a.resize(width)
	return a
}

// SetWidth applies an out-of-band width, typically the x_pixels status.
func (a *Assembler) SetWidth(width int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if width <= 0 || width == a.width {
		return
	}
	a.overridden = 0
	a.resize(width)
	a.stats.WidthChanges++
}

// Width returns the current declared width.
func (a *Assembler) Width() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.width
}

// Ingest adds samples starting at startBin to frame frameID. declaredTotal
// is the frame width the packet claims, or zero if it claims none. It
// returns the completed frame when this fragment finished one.
//
// Ingest never fails: rejected input is counted in Stats.
func (a *Assembler) Ingest(startBin int, samples []uint16, frameID uint32, declaredTotal int) (Frame, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if declaredTotal > 0 && declaredTotal != a.width && declaredTotal != a.overridden {
		a.overridden = 0
		a.resize(declaredTotal)
		a.stats.WidthChanges++
	}

	if a.haveFrame && older(frameID, a.frameID) {
		a.stats.Stale++
		return Frame{}, false
	}

	if !a.haveFrame || frameID != a.frameID {
		a.beginFrame(frameID)
	} else if a.latched {
		a.stats.Duplicates++
		return Frame{}, false
	}

	// beginFrame may have resized, so bounds are checked against the
	// width that will actually hold the samples. A fill past the width
	// means overlapping fragments; nothing of that write is applied.
	if a.width == 0 || startBin < 0 || startBin+len(samples) > a.width || len(a.buf) < a.width ||
		a.binsFilled+len(samples) > a.width {
		a.stats.BoundsErrors++
		a.latched = true
		return Frame{}, false
	}

	copy(a.buf[startBin:], samples)
	a.binsFilled += len(samples)

	if a.binsFilled < a.width {
		return Frame{}, false
	}

	frame := Frame{ID: a.frameID, Bins: a.buf}
	a.buf = make([]uint16, a.width)
	a.latched = true
	a.streak = 0
	a.lastIncomplete = 0
	a.stats.Frames++
	return frame, true
}

// beginFrame closes out the previous frame and starts frameID.
func (a *Assembler) beginFrame(frameID uint32) {
	if !a.latched && a.haveFrame {
		a.stats.IncompleteFrames++
		a.trackIncomplete(a.binsFilled)
	}

	a.frameID = frameID
	a.haveFrame = true
	a.binsFilled = 0
	a.latched = false
}

// trackIncomplete runs the width auto-detection heuristic: hardware that
// never sends a width update shows up as every frame stopping at the same
// bin count.
func (a *Assembler) trackIncomplete(bins int) {
	if bins <= 0 {
		a.streak = 0
		a.lastIncomplete = 0
		return
	}

	if bins == a.lastIncomplete {
		a.streak++
	} else {
		a.lastIncomplete = bins
		a.streak = 1
	}

	if a.streak < WidthStreakThreshold {
		return
	}

	a.overridden = a.width
	a.resize(bins)
	a.stats.WidthCorrections++
}

// resize reallocates the frame buffer and resets fill state.
func (a *Assembler) resize(width int) {
	if width < 0 {
		width = 0
	}
	a.width = width
	a.buf = make([]uint16, width)
	a.binsFilled = 0
	a.streak = 0
	a.lastIncomplete = 0
	a.latched = false
	if !a.haveFrame {
		a.latched = true
	}
}

// Stats returns a snapshot of the diagnostic counters.
func (a *Assembler) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.stats
	s.Width = a.width
	s.BinsFilled = a.binsFilled
	s.CurrentFrame = a.frameID
	return s
}

// Reset drops the frame in progress and forgets the current frame id.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.haveFrame = false
	a.frameID = 0
	a.overridden = 0
	a.resize(a.width)
}

// older reports whether id precedes current in serial number order, so a
// frame counter wrapping through zero is not mistaken for a stale frame.
func older(id, current uint32) bool {
	return int32(id-current) < 0
}

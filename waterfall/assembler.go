// Package waterfall reassembles waterfall rows from tile fragments.
//
// A row is keyed by its timecode. Depending on the radio generation a row is
// delivered as one packet or as several fragments sharing a timecode, and
// some firmware advertises a total bin count that has nothing to do with the
// row it sends. The assembler keeps a small table of partially filled rows
// and falls back to two heuristics: a near-complete flush for rows whose tail
// never arrives under the right timecode, and an auto-complete mode for
// streams where fragments never combine.
package waterfall

import (
	"sort"
	"sync"
)

// Heuristic thresholds. Changing any of them changes behaviour on real
// hardware.
const (
	// NearCompleteRatio is the fill ratio at which an abandoned row is
	// emitted anyway, with unfilled bins left at zero.
	NearCompleteRatio = 0.80

	// SweepInterval is how many fragments pass between stale-entry sweeps.
	SweepInterval = 1000

	// SweepLag is how far (in timecodes) an entry may trail the newest
	// timecode before a sweep closes it.
	SweepLag = 10

	// AutoCompleteThreshold is how many fragmented rows a stream may see
	// without a single successful combination before every fragment is
	// treated as a complete row.
	AutoCompleteThreshold = 50
)

// TileMeta is the per-row description carried in the tile header.
type TileMeta struct {
	FirstPixelFreq int64
	BinBandwidth   int64
	LineDurationMS uint32
	Height         uint16
	AutoBlackLevel uint32
}

// Fragment is one received tile payload.
type Fragment struct {
	Timecode  uint32
	TotalBins int // zero means the fragment describes itself
	FirstBin  int
	Bins      []uint16
	Meta      TileMeta
}

// Tile is one completed waterfall row.
type Tile struct {
	Timecode uint32
	Width    int
	FirstBin int
	Bins     []uint16
	Meta     TileMeta
	// Flushed is set when the row was emitted by the near-complete rule and
	// may contain zero bins where fragments were lost.
	Flushed bool
}

// Stats are the assembler's diagnostic counters.
type Stats struct {
	Pending         int  // rows in the fragment table
	AutoComplete    bool // auto-complete mode engaged
	Newest          uint32
	Fragments       uint64 // every fragment passed to Ingest
	CompleteTiles   uint64 // rows that arrived in a single fragment
	FragmentedTiles uint64 // fragments that needed the table
	Matched         uint64 // rows completed by combining fragments
	Flushed         uint64 // rows emitted by the near-complete rule
	Discarded       uint64 // rows dropped below the near-complete ratio
	Stale           uint64 // fragments for timecodes too far behind
	BoundsErrors    uint64 // fragments that would overflow their row
	Empty           uint64 // fragments without bins
	Sweeps          uint64
}

type entry struct {
	total  int
	filled int
	buf    []uint16
	meta   TileMeta
}

// Assembler holds the fragment table of one waterfall stream. It is safe for
// concurrent use.
type Assembler struct {
	mu sync.Mutex

	table        map[uint32]*entry
	newest       uint32
	haveNewest   bool
	autoComplete bool
	stats        Stats
}

// New returns an empty assembler.
func New() *Assembler {
	return &Assembler{table: make(map[uint32]*entry)}
}

// Ingest adds a fragment and returns any rows it completed, oldest first.
// The fragment's Bins may be handed through as a tile without copying, so
// callers must not reuse the slice.
func (a *Assembler) Ingest(f Fragment) []Tile {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats.Fragments++
	tiles := a.ingest(f)

	if a.stats.Fragments%SweepInterval == 0 {
		tiles = append(tiles, a.sweep()...)
	}
	return tiles
}

func (a *Assembler) ingest(f Fragment) []Tile {
	if len(f.Bins) == 0 {
		a.stats.Empty++
		return nil
	}
	a.observe(f.Timecode)

	if a.autoComplete {
		a.stats.CompleteTiles++
		return []Tile{wholeTile(f)}
	}

	total := f.TotalBins
	if total <= 0 {
		total = len(f.Bins)
	}
	if len(f.Bins) == total {
		a.stats.CompleteTiles++
		t := wholeTile(f)
		t.Width = total
		return []Tile{t}
	}

	a.stats.FragmentedTiles++
	if a.stats.FragmentedTiles >= AutoCompleteThreshold && a.stats.Matched == 0 && a.stats.CompleteTiles == 0 {
		a.autoComplete = true
		clear(a.table)
		a.stats.CompleteTiles++
		return []Tile{wholeTile(f)}
	}

	if e, ok := a.table[f.Timecode]; ok {
		return a.extend(f, e)
	}

	if a.lag(f.Timecode) > SweepLag {
		a.stats.Stale++
		return nil
	}
	if f.FirstBin < 0 || f.FirstBin+len(f.Bins) > total {
		a.stats.BoundsErrors++
		return nil
	}

	tiles := a.flushOlder(f.Timecode)

	e := &entry{total: total, buf: make([]uint16, total), meta: f.Meta}
	copy(e.buf[f.FirstBin:], f.Bins)
	e.filled = len(f.Bins)
	a.table[f.Timecode] = e
	return tiles
}

// extend adds a fragment to an existing row.
func (a *Assembler) extend(f Fragment, e *entry) []Tile {
	if f.FirstBin < 0 || f.FirstBin+len(f.Bins) > e.total || e.filled+len(f.Bins) > e.total {
		a.stats.BoundsErrors++
		return nil
	}

	copy(e.buf[f.FirstBin:], f.Bins)
	e.filled += len(f.Bins)
	if f.FirstBin == 0 {
		e.meta = f.Meta
	}
	if e.filled < e.total {
		return nil
	}

	delete(a.table, f.Timecode)
	a.stats.Matched++
	return []Tile{{Timecode: f.Timecode, Width: e.total, Bins: e.buf, Meta: e.meta}}
}

// flushOlder closes every entry older than timecode.
func (a *Assembler) flushOlder(timecode uint32) []Tile {
	var keys []uint32
	for tc := range a.table {
		if int32(tc-timecode) < 0 {
			keys = append(keys, tc)
		}
	}
	return a.close(keys)
}

// sweep closes every entry trailing the newest timecode by more than
// SweepLag.
func (a *Assembler) sweep() []Tile {
	a.stats.Sweeps++

	var keys []uint32
	for tc := range a.table {
		if a.lag(tc) > SweepLag {
			keys = append(keys, tc)
		}
	}
	return a.close(keys)
}

// close removes keys from the table, emitting rows that meet the
// near-complete ratio in ascending timecode order.
func (a *Assembler) close(keys []uint32) []Tile {
	if len(keys) == 0 {
		return nil
	}
	sort.Slice(keys, func(i, j int) bool { return int32(keys[i]-keys[j]) < 0 })

	var tiles []Tile
	for _, tc := range keys {
		e := a.table[tc]
		delete(a.table, tc)

		if float64(e.filled)/float64(e.total) < NearCompleteRatio {
			a.stats.Discarded++
			continue
		}
		a.stats.Flushed++
		tiles = append(tiles, Tile{Timecode: tc, Width: e.total, Bins: e.buf, Meta: e.meta, Flushed: true})
	}
	return tiles
}

// observe advances the newest timecode, allowing for wraparound.
func (a *Assembler) observe(timecode uint32) {
	if !a.haveNewest || int32(timecode-a.newest) > 0 {
		a.newest = timecode
		a.haveNewest = true
	}
}

// lag is how far timecode trails the newest one seen; negative or zero when
// it does not trail.
func (a *Assembler) lag(timecode uint32) int64 {
	return int64(int32(a.newest - timecode))
}

func wholeTile(f Fragment) Tile {
	return Tile{Timecode: f.Timecode, Width: len(f.Bins), Bins: f.Bins, Meta: f.Meta}
}

// AutoComplete reports whether the stream has been switched to treating
// every fragment as a complete row.
func (a *Assembler) AutoComplete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.autoComplete
}

// Pending returns the number of partially filled rows.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.table)
}

// Stats returns a snapshot of the diagnostic counters.
func (a *Assembler) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.stats
	s.Pending = len(a.table)
	s.AutoComplete = a.autoComplete
	s.Newest = a.newest
	return s
}

// Reset drops all partial rows and forgets the newest timecode. The
// auto-complete decision and counters are kept.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	clear(a.table)
	a.haveNewest = false
	a.newest = 0
}

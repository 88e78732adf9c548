// Package audiostream handles ordering for the two audio stream flavours:
// uncompressed DAX PCM, where the 4-bit packet counter is only checked, and
// Opus, where packets are held in a small timestamp-ordered jitter buffer
// until a playback consumer takes them.
package audiostream

import "sync"

// counterModulus is the wrap of the VITA-49 packet counter.
const counterModulus = 16

// SequencerStats are the PCM ordering counters.
type SequencerStats struct {
	Packets        uint64
	InOrder        uint64
	Mismatches     uint64 // packets whose counter was not last+1
	SequenceErrors uint64 // disruption episodes; consecutive mismatches count once
	Last           int    // -1 before the first packet
}

// Sequencer checks the packet counter of a PCM stream. Payloads are never
// held back; loss and reordering are measured, not corrected.
type Sequencer struct {
	mu        sync.Mutex
	last      int
	inEpisode bool
	stats     SequencerStats
}

// NewSequencer returns a sequencer that accepts any counter first.
func NewSequencer() *Sequencer {
	return &Sequencer{last: -1}
}

// Observe records an arriving counter and reports whether it was the
// expected one.
func (s *Sequencer) Observe(count uint8) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := int(count % counterModulus)
	s.stats.Packets++

	inOrder := s.last < 0 || c == (s.last+1)%counterModulus
	s.last = c

	if inOrder {
		s.stats.InOrder++
		s.inEpisode = false
		return true
	}

	s.stats.Mismatches++
	if !s.inEpisode {
		s.stats.SequenceErrors++
		s.inEpisode = true
	}
	return false
}

// Stats returns a snapshot of the counters.
func (s *Sequencer) Stats() SequencerStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stats
	st.Last = s.last
	return st
}

// Reset forgets the last counter so the next packet is accepted.
func (s *Sequencer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.last = -1
	s.inEpisode = false
}

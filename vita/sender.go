package vita

import "sync"

// Sender serializes packets for one logical sender, stamping each with the
// next value of a 4-bit packet counter.
type Sender struct {
	mu    sync.Mutex
	count uint8
}

// Marshal encodes p with the sender's current packet count and advances the
// counter modulo 16. p is not modified.
func (s *Sender) Marshal(p *Packet) []byte {
	s.mu.Lock()
	count := s.count
	s.count = (s.count + 1) % MaxPacketCount
	s.mu.Unlock()

	stamped := *p
	stamped.Header.PacketCount = count
	return Marshal(&stamped)
}

// Next returns the count the next Marshal call will use.
func (s *Sender) Next() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

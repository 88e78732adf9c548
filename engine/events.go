package engine

import (
	"sync/atomic"

	"github.com/cwsl/flexstream/panadapter"
	"github.com/cwsl/flexstream/waterfall"
)

// Event is one notification delivered to subscribers. The concrete types
// are FrameReady, TileReady, StreamReady, AudioData and JitterOverflow.
type Event interface {
	stream() uint32
}

// FrameReady carries a completed panadapter frame.
type FrameReady struct {
	StreamID uint32
	Frame    panadapter.Frame
}

// TileReady carries a completed waterfall row.
type TileReady struct {
	StreamID uint32
	Tile     waterfall.Tile
}

// StreamReady fires once when a stream becomes ready.
type StreamReady struct {
	StreamID    uint32
	Kind        Kind
	Counterpart uint32
}

// AudioData carries one PCM or IQ packet. Audio is forwarded as it arrives;
// InOrder reports whether the packet counter was the expected one.
type AudioData struct {
	StreamID      uint32
	Kind          Kind
	Count         uint8
	InOrder       bool
	TimestampInt  uint32
	TimestampFrac uint64
	Channels      int // interleaved channels in Samples
	Samples       []float32
	Payload       []byte
}

// JitterOverflow reports that an Opus jitter buffer was cleared because the
// consumer fell too far behind.
type JitterOverflow struct {
	StreamID uint32
}

func (e FrameReady) stream() uint32     { return e.StreamID }
func (e TileReady) stream() uint32      { return e.StreamID }
func (e StreamReady) stream() uint32    { return e.StreamID }
func (e AudioData) stream() uint32      { return e.StreamID }
func (e JitterOverflow) stream() uint32 { return e.StreamID }

// Subscription receives events on C. Delivery never blocks the ingest
// path: when C is full the event is dropped and counted.
type Subscription struct {
	C <-chan Event

	ch         chan Event
	filter     map[uint32]struct{}
	statusOnly bool
	dropped    atomic.Uint64
}

// Dropped returns the number of events dropped because C was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) wants(ev Event) bool {
	if s.statusOnly {
		switch ev.(type) {
		case StreamReady, JitterOverflow:
		default:
			return false
		}
	}
	if len(s.filter) == 0 {
		return true
	}
	_, ok := s.filter[ev.stream()]
	return ok
}

// Subscribe returns a subscription with a channel of the given buffer size.
// With no ids it receives events for every stream.
func (e *Engine) Subscribe(buffer int, ids ...uint32) *Subscription {
	return e.subscribe(buffer, false, ids)
}

// SubscribeStatus is like Subscribe but only delivers StreamReady and
// JitterOverflow events.
func (e *Engine) SubscribeStatus(buffer int, ids ...uint32) *Subscription {
	return e.subscribe(buffer, true, ids)
}

func (e *Engine) subscribe(buffer int, statusOnly bool, ids []uint32) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, statusOnly: statusOnly}
	if len(ids) > 0 {
		sub.filter = make(map[uint32]struct{}, len(ids))
		for _, id := range ids {
			sub.filter[id] = struct{}{}
		}
	}

	e.subMu.Lock()
	e.subs[sub] = struct{}{}
	e.subMu.Unlock()
	return sub
}

// Unsubscribe stops delivery to sub and closes its channel.
func (e *Engine) Unsubscribe(sub *Subscription) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	if _, ok := e.subs[sub]; !ok {
		return
	}
	delete(e.subs, sub)
	close(sub.ch)
}

// publish fans events out to subscribers without blocking.
func (e *Engine) publish(events ...Event) {
	if len(events) == 0 {
		return
	}

	e.subMu.RLock()
	defer e.subMu.RUnlock()

	for _, ev := range events {
		switch ev.(type) {
		case FrameReady:
			e.stats.frames.Add(1)
		case TileReady:
			e.stats.tiles.Add(1)
		case StreamReady:
			e.stats.ready.Add(1)
		case JitterOverflow:
			e.stats.overflows.Add(1)
		}

		for sub := range e.subs {
			if !sub.wants(ev) {
				continue
			}
			select {
			case sub.ch <- ev:
			default:
				sub.dropped.Add(1)
				e.stats.eventsDropped.Add(1)
			}
		}
	}
}

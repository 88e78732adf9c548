package engine

import (
	"fmt"
	"log"
	"strconv"
	"strings"
)

// SetWidth applies the out-of-band x_pixels width of a panadapter stream.
func (e *Engine) SetWidth(id uint32, width int) error {
	s, ok := e.Stream(id)
	if !ok {
		return fmt.Errorf("stream %#08x: %w", id, ErrUnknownStream)
	}
	if s.pan == nil {
		return fmt.Errorf("stream %#08x is %s, not panadapter", id, s.kind)
	}
	s.pan.SetWidth(width)
	return nil
}

// SetCounterpart declares the companion stream id of a stream. NoStream
// means it has none.
func (e *Engine) SetCounterpart(id, counterpart uint32) error {
	s, ok := e.Stream(id)
	if !ok {
		return fmt.Errorf("stream %#08x: %w", id, ErrUnknownStream)
	}
	s.mu.Lock()
	s.counterpart = counterpart
	s.mu.Unlock()

	e.propagate()
	return nil
}

// MarkStatusComplete records that a stream's full status has been seen.
func (e *Engine) MarkStatusComplete(id uint32) error {
	s, ok := e.Stream(id)
	if !ok {
		return fmt.Errorf("stream %#08x: %w", id, ErrUnknownStream)
	}
	s.mu.Lock()
	s.statusComplete = true
	s.mu.Unlock()

	e.propagate()
	return nil
}

// ApplyStatus consumes one parsed status update for a stream. Recognised
// keys are x_pixels, and waterfall (on a panadapter) or panadapter (on a
// waterfall) naming the companion stream. The first update counts as the
// stream's full status; unrecognised keys are ignored.
func (e *Engine) ApplyStatus(id uint32, kv map[string]string) error {
	s, ok := e.Stream(id)
	if !ok {
		return fmt.Errorf("stream %#08x: %w", id, ErrUnknownStream)
	}

	if v, ok := kv["x_pixels"]; ok && s.pan != nil {
		w, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("stream %#08x: x_pixels %q: %w", id, v, err)
		}
		s.pan.SetWidth(w)
	}

	key := ""
	switch s.kind {
	case KindPanadapter:
		key = "waterfall"
	case KindWaterfall:
		key = "panadapter"
	}

	s.mu.Lock()
	if v, ok := kv[key]; ok && key != "" {
		cid, err := ParseStreamID(v)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("stream %#08x: %s %q: %w", id, key, v, err)
		}
		s.counterpart = cid
	}
	s.statusComplete = true
	s.mu.Unlock()

	e.propagate()
	return nil
}

// ParseStreamID parses a stream id as the radio writes it, "0x40000000",
// or in decimal.
func ParseStreamID(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// propagate marks every stream whose conditions are met as ready and
// publishes a StreamReady for each. A stream is ready once its full status
// has been seen and either it has no counterpart or the counterpart is
// ready. Two streams naming each other become ready together once both have
// their status. Ready never reverts.
func (e *Engine) propagate() {
	e.readyMu.Lock()

	streams := e.Streams()
	byID := make(map[uint32]*Stream, len(streams))
	state := make(map[uint32]readyState, len(streams))
	for _, s := range streams {
		byID[s.id] = s
		s.mu.Lock()
		state[s.id] = readyState{ready: s.ready, status: s.statusComplete, counterpart: s.counterpart}
		s.mu.Unlock()
	}

	var newly []*Stream
	for changed := true; changed; {
		changed = false
		for _, s := range streams {
			st := state[s.id]
			if st.ready || !st.status {
				continue
			}

			ready := false
			switch cp, ok := state[st.counterpart]; {
			case st.counterpart == NoStream:
				ready = true
			case !ok:
				// Counterpart not registered yet.
			case cp.ready:
				ready = true
			case cp.status && cp.counterpart == s.id:
				ready = true
				cp.ready = true
				state[st.counterpart] = cp
				newly = append(newly, byID[st.counterpart])
			}

			if ready {
				st.ready = true
				state[s.id] = st
				newly = append(newly, s)
				changed = true
			}
		}
	}

	events := make([]Event, 0, len(newly))
	for _, s := range newly {
		s.mu.Lock()
		if s.ready || s.closed {
			s.mu.Unlock()
			continue
		}
		s.ready = true
		cp := s.counterpart
		s.mu.Unlock()

		log.Printf("[Engine] %s stream %#08x ready", s.kind, s.id)
		events = append(events, StreamReady{StreamID: s.id, Kind: s.kind, Counterpart: cp})
	}
	e.readyMu.Unlock()

	e.publish(events...)
}

type readyState struct {
	ready       bool
	status      bool
	counterpart uint32
}

// Package engine routes VITA-49 packets to per-stream assemblers and
// publishes what they produce.
//
// The engine owns no sockets. A transport hands it datagrams through Ingest
// or IngestPacket, a status layer feeds it out-of-band parameters through the
// setters in readiness.go, and consumers read typed events from a
// Subscription. Every stream has its own locks; nothing on the packet path
// is shared between unrelated streams except the registry read lock.
package engine

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cwsl/flexstream/audiostream"
	"github.com/cwsl/flexstream/vita"
)

// Debug enables per-packet diagnostic logging.
var Debug bool

// NoStream is the counterpart id meaning "no companion stream".
const NoStream uint32 = 0

var (
	ErrUnknownStream  = errors.New("unknown stream")
	ErrStreamMismatch = errors.New("packet stream id does not match")
	ErrStreamExists   = errors.New("stream already registered")
)

// Config controls engine behaviour.
type Config struct {
	// AutoRegister creates a stream the first time a packet for an unknown
	// stream id arrives, using the kind its class id implies.
	AutoRegister bool
	// AssumeStatus marks auto-registered streams as having received their
	// full status with no counterpart, for deployments without a status
	// layer.
	AssumeStatus bool
	// DefaultWidth is the initial panadapter width before any status or
	// declared total arrives.
	DefaultWidth int
}

// Stats are engine-wide counters.
type Stats struct {
	Streams        int    `json:"streams"`
	Packets        uint64 `json:"packets"`
	FormatErrors   uint64 `json:"format_errors"`
	UnknownStream  uint64 `json:"unknown_stream"`
	StreamMismatch uint64 `json:"stream_mismatch"`
	KindMismatch   uint64 `json:"kind_mismatch"`
	Unrouted       uint64 `json:"unrouted"`
	Frames         uint64 `json:"frames"`
	Tiles          uint64 `json:"tiles"`
	ReadyEvents    uint64 `json:"ready_events"`
	JitterOverflow uint64 `json:"jitter_overflow"`
	EventsDropped  uint64 `json:"events_dropped"`
}

type counters struct {
	packets        atomic.Uint64
	formatErrors   atomic.Uint64
	unknownStream  atomic.Uint64
	streamMismatch atomic.Uint64
	kindMismatch   atomic.Uint64
	unrouted       atomic.Uint64
	frames         atomic.Uint64
	tiles          atomic.Uint64
	ready          atomic.Uint64
	overflows      atomic.Uint64
	eventsDropped  atomic.Uint64
}

// Engine is the stream registry and packet router.
type Engine struct {
	cfg Config

	mu      sync.RWMutex
	streams map[uint32]*Stream

	// readyMu serialises readiness evaluation, which looks at two streams
	// at once.
	readyMu sync.Mutex

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}

	stats counters
}

// New returns an engine with no streams.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:     cfg,
		streams: make(map[uint32]*Stream),
		subs:    make(map[*Subscription]struct{}),
	}
}

// AddStream registers a stream. Audio, IQ and Opus streams are ready
// immediately; panadapter and waterfall streams wait for their status.
func (e *Engine) AddStream(id uint32, kind Kind) error {
	if _, err := e.register(id, kind); err != nil {
		return err
	}
	e.propagate()
	return nil
}

func (e *Engine) register(id uint32, kind Kind) (*Stream, error) {
	if kind < KindPanadapter || kind > KindOpus {
		return nil, fmt.Errorf("stream %#08x: invalid kind %d", id, kind)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.streams[id]; ok {
		return nil, fmt.Errorf("stream %#08x: %w", id, ErrStreamExists)
	}
	s := newStream(id, kind, e.cfg.DefaultWidth)
	if !kind.frameProducing() {
		s.statusComplete = true
	}
	e.streams[id] = s
	log.Printf("[Engine] Registered %s stream %#08x", kind, id)
	return s, nil
}

// RemoveStream discards a stream's buffers. Packets already in flight for it
// are dropped without producing events.
func (e *Engine) RemoveStream(id uint32) {
	e.mu.Lock()
	s, ok := e.streams[id]
	if ok {
		delete(e.streams, id)
	}
	e.mu.Unlock()

	if ok {
		s.close()
		log.Printf("[Engine] Removed %s stream %#08x", s.kind, id)
	}
}

// Stream returns the stream registered under id.
func (e *Engine) Stream(id uint32) (*Stream, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.streams[id]
	return s, ok
}

// Streams returns all registered streams ordered by id.
func (e *Engine) Streams() []*Stream {
	e.mu.RLock()
	streams := make([]*Stream, 0, len(e.streams))
	for _, s := range e.streams {
		streams = append(streams, s)
	}
	e.mu.RUnlock()

	sort.Slice(streams, func(i, j int) bool { return streams[i].id < streams[j].id })
	return streams
}

// JitterBuffer returns the jitter buffer of an Opus stream for a playback
// consumer to drain.
func (e *Engine) JitterBuffer(id uint32) (*audiostream.JitterBuffer, error) {
	s, ok := e.Stream(id)
	if !ok {
		return nil, fmt.Errorf("stream %#08x: %w", id, ErrUnknownStream)
	}
	if s.jitter == nil {
		return nil, fmt.Errorf("stream %#08x is %s, not opus", id, s.kind)
	}
	return s.jitter, nil
}

// Ingest processes one packet that the transport has already associated
// with stream id. The packet's own stream id must agree.
func (e *Engine) Ingest(id uint32, data []byte) error {
	p, err := e.parse(data)
	if err != nil {
		return fmt.Errorf("stream %#08x: %w", id, err)
	}
	if p.StreamID != id {
		e.stats.streamMismatch.Add(1)
		return fmt.Errorf("stream %#08x: %w (got %#08x)", id, ErrStreamMismatch, p.StreamID)
	}
	return e.route(p)
}

// IngestPacket processes one packet, routing it by its header stream id.
func (e *Engine) IngestPacket(data []byte) error {
	p, err := e.parse(data)
	if err != nil {
		return err
	}
	return e.route(p)
}

func (e *Engine) parse(data []byte) (*vita.Packet, error) {
	e.stats.packets.Add(1)
	p, err := vita.Parse(data)
	if err != nil {
		e.stats.formatErrors.Add(1)
		if Debug {
			log.Printf("[Engine] DEBUG: dropping malformed packet: %v", err)
		}
		return nil, err
	}
	return p, nil
}

// route classifies a parsed packet and hands it to its stream.
func (e *Engine) route(p *vita.Packet) error {
	kind, ok := kindOf(p.ClassID.Kind())
	if !ok {
		// Meter and discovery packets belong to other layers.
		e.stats.unrouted.Add(1)
		return nil
	}

	s, ok := e.Stream(p.StreamID)
	if !ok {
		if !e.cfg.AutoRegister {
			e.stats.unknownStream.Add(1)
			return fmt.Errorf("stream %#08x: %w", p.StreamID, ErrUnknownStream)
		}
		var err error
		if s, err = e.autoRegister(p.StreamID, kind); err != nil {
			return err
		}
	}

	if s.kind != kind {
		e.stats.kindMismatch.Add(1)
		s.mu.Lock()
		s.kindMismatch++
		s.mu.Unlock()
		if Debug {
			log.Printf("[Engine] DEBUG: stream %#08x is %s, dropping %s packet", s.id, s.kind, kind)
		}
		return nil
	}

	e.publish(s.ingest(p)...)
	return nil
}

func (e *Engine) autoRegister(id uint32, kind Kind) (*Stream, error) {
	s, err := e.register(id, kind)
	if errors.Is(err, ErrStreamExists) {
		// Another receiver registered it first.
		if s, ok := e.Stream(id); ok {
			return s, nil
		}
	}
	if err != nil {
		return nil, err
	}

	if e.cfg.AssumeStatus {
		s.mu.Lock()
		s.statusComplete = true
		s.mu.Unlock()
	}
	e.propagate()
	return s, nil
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	n := len(e.streams)
	e.mu.RUnlock()

	return Stats{
		Streams:        n,
		Packets:        e.stats.packets.Load(),
		FormatErrors:   e.stats.formatErrors.Load(),
		UnknownStream:  e.stats.unknownStream.Load(),
		StreamMismatch: e.stats.streamMismatch.Load(),
		KindMismatch:   e.stats.kindMismatch.Load(),
		Unrouted:       e.stats.unrouted.Load(),
		Frames:         e.stats.frames.Load(),
		Tiles:          e.stats.tiles.Load(),
		ReadyEvents:    e.stats.ready.Load(),
		JitterOverflow: e.stats.overflows.Load(),
		EventsDropped:  e.stats.eventsDropped.Load(),
	}
}

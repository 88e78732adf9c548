package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"net"
	"sync"

	"github.com/cwsl/flexstream/engine"
	"github.com/pion/rtp"
)

// RTPForwarder re-publishes DAX audio and IQ streams as RTP with L16
// payloads, one SSRC per stream id
type RTPForwarder struct {
	config  *RTPForwardConfig
	engine  *engine.Engine
	metrics *PrometheusMetrics
	conn    net.Conn

	mu      sync.Mutex
	streams map[uint32]*rtpStream
}

type rtpStream struct {
	sequencer rtp.Sequencer
	timestamp uint32
	gaps      uint64 // packets forwarded with an out-of-order counter
}

// NewRTPForwarder dials the configured UDP destination
func NewRTPForwarder(config *RTPForwardConfig, eng *engine.Engine, metrics *PrometheusMetrics) (*RTPForwarder, error) {
	conn, err := net.Dial("udp", config.Destination)
	if err != nil {
		return nil, fmt.Errorf("failed to dial RTP destination %s: %w", config.Destination, err)
	}

	log.Printf("RTP forwarder sending to %s (PT %d, %d Hz)", config.Destination, config.PayloadType, config.SampleRate)

	return &RTPForwarder{
		config:  config,
		engine:  eng,
		metrics: metrics,
		conn:    conn,
		streams: make(map[uint32]*rtpStream),
	}, nil
}

// Run forwards audio events until ctx is cancelled
func (f *RTPForwarder) Run(ctx context.Context) error {
	sub := f.engine.Subscribe(256, f.config.streamIDs...)
	defer f.engine.Unsubscribe(sub)
	defer f.conn.Close()

	for {
		select {
		case <-ctx.Done():
			log.Println("RTP forwarder stopped")
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			audio, isAudio := ev.(engine.AudioData)
			if !isAudio || !f.config.forwards(audio.StreamID) {
				continue
			}

			data, err := f.packetize(audio).Marshal()
			if err != nil {
				f.metrics.RecordRTPError()
				log.Printf("ERROR: failed to marshal RTP packet for stream %s: %v", formatStreamID(audio.StreamID), err)
				continue
			}
			if _, err := f.conn.Write(data); err != nil {
				f.metrics.RecordRTPError()
				if DebugMode {
					log.Printf("DEBUG: RTP write failed: %v", err)
				}
				continue
			}
			f.metrics.RecordRTPPacket(len(data))
		}
	}
}

// packetize builds the next RTP packet of a stream. The sequence number
// advances by one and the timestamp by the number of sample frames carried.
func (f *RTPForwarder) packetize(audio engine.AudioData) *rtp.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()

	st, ok := f.streams[audio.StreamID]
	if !ok {
		st = &rtpStream{sequencer: rtp.NewRandomSequencer()}
		f.streams[audio.StreamID] = st
	}
	if !audio.InOrder {
		st.gaps++
	}

	channels := audio.Channels
	if channels < 1 {
		channels = 1
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    f.config.PayloadType,
			SequenceNumber: st.sequencer.NextSequenceNumber(),
			Timestamp:      st.timestamp,
			SSRC:           audio.StreamID,
		},
		Payload: encodeL16(audio.Samples),
	}
	st.timestamp += uint32(len(audio.Samples) / channels)
	return pkt
}

// encodeL16 converts float samples in [-1, 1] to big-endian int16
func encodeL16(samples []float32) []byte {
	out := make([]byte, 2*len(samples))
	for i, v := range samples {
		s := math.Round(float64(v) * 32767)
		s = math.Max(-32768, math.Min(32767, s))
		binary.BigEndian.PutUint16(out[2*i:], uint16(int16(s)))
	}
	return out
}

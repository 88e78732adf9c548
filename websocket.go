package main

import (
	"encoding/json"
	"log"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cwsl/flexstream/engine"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// UUID validation regex (RFC 4122 compliant)
var uuidRegex = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[1-5][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// isValidUUID checks if a string is a valid UUID
func isValidUUID(id string) bool {
	if id == "" {
		return false
	}
	return uuidRegex.MatchString(id)
}

// Global stats aggregator
var (
	globalStatsFrames = &statsAggregator{label: "Frames"}
	statsLoggerOnce   sync.Once
)

// statsAggregator aggregates stats from multiple connections
type statsAggregator struct {
	label           string
	bytesWritten    int64
	messagesWritten int64
	messagesDropped int64
	connectionCount int64
	mu              sync.Mutex
	lastLogTime     time.Time
}

func (sa *statsAggregator) addConnection() {
	atomic.AddInt64(&sa.connectionCount, 1)
}

func (sa *statsAggregator) removeConnection() {
	atomic.AddInt64(&sa.connectionCount, -1)
}

func (sa *statsAggregator) addBytes(bytes int64) {
	atomic.AddInt64(&sa.bytesWritten, bytes)
}

func (sa *statsAggregator) addMessage() {
	atomic.AddInt64(&sa.messagesWritten, 1)
}

func (sa *statsAggregator) addDropped() {
	atomic.AddInt64(&sa.messagesDropped, 1)
}

func (sa *statsAggregator) getAndResetStats() (bytes, messages, dropped, connections int64, elapsed time.Duration) {
	sa.mu.Lock()
	defer sa.mu.Unlock()

	now := time.Now()
	if sa.lastLogTime.IsZero() {
		sa.lastLogTime = now
		return 0, 0, 0, 0, 0
	}

	elapsed = now.Sub(sa.lastLogTime)
	bytes = atomic.SwapInt64(&sa.bytesWritten, 0)
	messages = atomic.SwapInt64(&sa.messagesWritten, 0)
	dropped = atomic.SwapInt64(&sa.messagesDropped, 0)
	connections = atomic.LoadInt64(&sa.connectionCount)
	sa.lastLogTime = now

	return bytes, messages, dropped, connections, elapsed
}

// startStatsLogger starts a goroutine that logs aggregated stats every 5 seconds
func startStatsLogger() {
	statsLoggerOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(5 * time.Second)
			defer ticker.Stop()

			for range ticker.C {
				bytes, messages, dropped, conns, elapsed := globalStatsFrames.getAndResetStats()
				kbps := float64(0)
				if elapsed > 0 {
					kbps = float64(bytes) / 1024 / elapsed.Seconds()
				}

				if StatsMode && (conns > 0 || kbps > 0) {
					log.Printf("WebSocket stats - %s: %.1f KB/s, %d msgs, %d dropped (%d conns)",
						globalStatsFrames.label, kbps, messages, dropped, conns)
				}
			}
		}()
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 65536,
	// Frames are zstd-compressed by FrameEncoder when enabled
	EnableCompression: false,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// outMessage is one queued WebSocket write
type outMessage struct {
	messageType int
	label       string
	data        []byte
}

// wsConn wraps a WebSocket connection with a write mutex and a bounded
// writer queue for frame traffic
type wsConn struct {
	conn       *websocket.Conn
	writeMu    sync.Mutex
	aggregator *statsAggregator
	metrics    *PrometheusMetrics
	writeChan  chan outMessage
	writerDone chan struct{}
	closeOnce  sync.Once
}

func newWSConn(conn *websocket.Conn, queueSize int, metrics *PrometheusMetrics) *wsConn {
	return &wsConn{
		conn:       conn,
		aggregator: globalStatsFrames,
		metrics:    metrics,
		writeChan:  make(chan outMessage, queueSize),
		writerDone: make(chan struct{}),
	}
}

// startWriter starts the goroutine that owns queued writes
func (wc *wsConn) startWriter() {
	go func() {
		defer close(wc.writerDone)

		for msg := range wc.writeChan {
			if err := wc.write(msg); err != nil {
				if DebugMode {
					log.Printf("DEBUG: WebSocket writer error: %v", err)
				}
				// Unblock the read loop so the handler cleans up
				wc.conn.Close()
				for range wc.writeChan {
				}
				return
			}
		}
	}()
}

func (wc *wsConn) write(msg outMessage) error {
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()

	wc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := wc.conn.WriteMessage(msg.messageType, msg.data); err != nil {
		return err
	}

	if wc.aggregator != nil {
		wc.aggregator.addBytes(int64(len(msg.data)))
		wc.aggregator.addMessage()
	}
	wc.metrics.RecordWSMessageSent(msg.label, len(msg.data))
	return nil
}

// enqueue queues a message without blocking. It reports false when the
// queue is full and the message was dropped.
func (wc *wsConn) enqueue(msg outMessage) bool {
	select {
	case wc.writeChan <- msg:
		return true
	default:
		if wc.aggregator != nil {
			wc.aggregator.addDropped()
		}
		wc.metrics.RecordWSMessageDropped(msg.label)
		return false
	}
}

// writeJSON writes a text message directly, bypassing the queue
func (wc *wsConn) writeJSON(label string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return wc.write(outMessage{messageType: websocket.TextMessage, label: label, data: data})
}

// stopWriter closes the queue and waits for the writer to exit
func (wc *wsConn) stopWriter() {
	wc.closeOnce.Do(func() {
		close(wc.writeChan)
	})
	<-wc.writerDone
}

// WebSocketHandler streams frames, tiles and stream notifications to
// downstream consumers
type WebSocketHandler struct {
	engine   *engine.Engine
	config   *Config
	metrics  *PrometheusMetrics
	encoders *encoderTotals
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(eng *engine.Engine, config *Config, metrics *PrometheusMetrics) *WebSocketHandler {
	return &WebSocketHandler{
		engine:   eng,
		config:   config,
		metrics:  metrics,
		encoders: &encoderTotals{live: make(map[*FrameEncoder]struct{})},
	}
}

// encoderTotals sums frame encoder statistics over live and finished clients
type encoderTotals struct {
	mu        sync.Mutex
	live      map[*FrameEncoder]struct{}
	messages  uint64
	rawBytes  uint64
	sentBytes uint64
}

func (et *encoderTotals) add(enc *FrameEncoder) {
	et.mu.Lock()
	et.live[enc] = struct{}{}
	et.mu.Unlock()
}

// retire folds a finished client's counters into the totals
func (et *encoderTotals) retire(enc *FrameEncoder) {
	stats := enc.GetStats()

	et.mu.Lock()
	defer et.mu.Unlock()
	delete(et.live, enc)
	et.messages += stats["messages"].(uint64)
	et.rawBytes += stats["raw_bytes"].(uint64)
	et.sentBytes += stats["sent_bytes"].(uint64)
}

// EncodingStats returns binary frame encoding totals across all clients
func (h *WebSocketHandler) EncodingStats() map[string]interface{} {
	et := h.encoders
	et.mu.Lock()
	defer et.mu.Unlock()

	messages, rawBytes, sentBytes := et.messages, et.rawBytes, et.sentBytes
	for enc := range et.live {
		stats := enc.GetStats()
		messages += stats["messages"].(uint64)
		rawBytes += stats["raw_bytes"].(uint64)
		sentBytes += stats["sent_bytes"].(uint64)
	}

	ratio := 1.0
	if sentBytes > 0 {
		ratio = float64(rawBytes) / float64(sentBytes)
	}
	return map[string]interface{}{
		"clients":           len(et.live),
		"messages":          messages,
		"raw_bytes":         rawBytes,
		"sent_bytes":        sentBytes,
		"compression":       h.config.WebSocket.Compression,
		"compression_ratio": ratio,
	}
}

// ClientMessage represents a message from the client
type ClientMessage struct {
	Type string `json:"type"`
}

// ServerMessage represents a control message to the client
type ServerMessage struct {
	Type     string               `json:"type"`
	ClientID string               `json:"client_id,omitempty"`
	Streams  []engine.StreamStats `json:"streams,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// HandleWebSocket serves /ws. The optional streams query parameter is a
// comma-separated list of stream ids to receive; without it the client
// receives every stream.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	var ids []uint32
	if s := r.URL.Query().Get("streams"); s != "" {
		for _, part := range strings.Split(s, ",") {
			id, err := engine.ParseStreamID(part)
			if err != nil {
				http.Error(w, "invalid stream id: "+part, http.StatusBadRequest)
				return
			}
			ids = append(ids, id)
		}
	}

	clientID := r.URL.Query().Get("client_id")
	if !isValidUUID(clientID) {
		clientID = uuid.New().String()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	startStatsLogger()

	wc := newWSConn(conn, h.config.WebSocket.QueueSize, h.metrics)
	wc.aggregator.addConnection()
	h.metrics.RecordWSConnection()
	log.Printf("WebSocket client %s connected from %s (streams: %d)", clientID, getClientIP(r), len(ids))

	// Subscribe before taking the readiness snapshot so no ready event is missed
	sub := h.engine.Subscribe(h.config.WebSocket.SubscribeQueue, ids...)
	gate := newReadyGate(h.engine, h.config.WebSocket.RequireReady)

	pumpDone := make(chan struct{})

	defer func() {
		// The pump drains and exits once the subscription closes; only then
		// can the writer queue be closed
		h.engine.Unsubscribe(sub)
		<-pumpDone
		wc.stopWriter()
		conn.Close()
		wc.aggregator.removeConnection()
		h.metrics.RecordWSDisconnect()
		if dropped := sub.Dropped(); dropped > 0 || DebugMode {
			log.Printf("WebSocket client %s disconnected (%d events dropped)", clientID, dropped)
		} else {
			log.Printf("WebSocket client %s disconnected", clientID)
		}
	}()

	wc.startWriter()

	hello := ServerMessage{Type: "hello", ClientID: clientID, Streams: h.streamSnapshot(ids)}
	if err := wc.writeJSON("hello", hello); err != nil {
		close(pumpDone)
		return
	}

	go func() {
		defer close(pumpDone)
		h.pump(sub, wc, gate)
	}()

	h.readLoop(wc, ids)
}

// streamSnapshot returns the stats of the streams a client asked for
func (h *WebSocketHandler) streamSnapshot(ids []uint32) []engine.StreamStats {
	want := make(map[uint32]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	var out []engine.StreamStats
	for _, s := range h.engine.Streams() {
		if len(want) > 0 && !want[s.ID()] {
			continue
		}
		out = append(out, s.Stats())
	}
	return out
}

// pump encodes engine events and queues them for the client until the
// subscription is closed
func (h *WebSocketHandler) pump(sub *engine.Subscription, wc *wsConn, gate *readyGate) {
	enc := NewFrameEncoder(h.config.WebSocket.Compression)
	defer enc.Close()
	h.encoders.add(enc)
	defer h.encoders.retire(enc)

	for ev := range sub.C {
		var msg outMessage
		switch ev := ev.(type) {
		case engine.FrameReady:
			if !gate.allows(ev.StreamID) {
				continue
			}
			msg = outMessage{messageType: websocket.BinaryMessage, label: "spectrum", data: enc.EncodeFrame(ev.StreamID, ev.Frame)}
		case engine.TileReady:
			if !gate.allows(ev.StreamID) {
				continue
			}
			msg = outMessage{messageType: websocket.BinaryMessage, label: "waterfall", data: enc.EncodeTile(ev.StreamID, ev.Tile)}
		case engine.StreamReady:
			gate.markReady(ev.StreamID)
			data, ok := encodeStatusMessage(ev)
			if !ok {
				continue
			}
			msg = outMessage{messageType: websocket.TextMessage, label: "ready", data: data}
		case engine.JitterOverflow:
			data, ok := encodeStatusMessage(ev)
			if !ok {
				continue
			}
			msg = outMessage{messageType: websocket.TextMessage, label: "jitter_overflow", data: data}
		default:
			// Audio goes out over RTP
			continue
		}

		wc.enqueue(msg)
	}
}

// readLoop handles client control messages until the connection closes
func (h *WebSocketHandler) readLoop(wc *wsConn, ids []uint32) {
	for {
		var msg ClientMessage
		if err := wc.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && DebugMode {
				log.Printf("DEBUG: WebSocket read error: %v", err)
			}
			return
		}

		var reply ServerMessage
		switch msg.Type {
		case "ping":
			reply = ServerMessage{Type: "pong"}
		case "get_status":
			reply = ServerMessage{Type: "status", Streams: h.streamSnapshot(ids)}
		default:
			reply = ServerMessage{Type: "error", Error: "unknown message type: " + msg.Type}
		}

		data, err := json.Marshal(reply)
		if err != nil {
			continue
		}
		wc.enqueue(outMessage{messageType: websocket.TextMessage, label: reply.Type, data: data})
	}
}

// readyGate tracks which streams a client may receive frames from
type readyGate struct {
	enabled bool
	ready   map[uint32]bool
}

func newReadyGate(eng *engine.Engine, enabled bool) *readyGate {
	g := &readyGate{enabled: enabled, ready: make(map[uint32]bool)}
	if enabled {
		for _, s := range eng.Streams() {
			if s.Ready() {
				g.ready[s.ID()] = true
			}
		}
	}
	return g
}

func (g *readyGate) markReady(id uint32) {
	g.ready[id] = true
}

func (g *readyGate) allows(id uint32) bool {
	return !g.enabled || g.ready[id]
}

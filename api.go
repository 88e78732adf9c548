package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/cwsl/flexstream/engine"
)

// StartTime records process start for uptime reporting
var StartTime = time.Now()

// APIHandler serves the JSON endpoints
type APIHandler struct {
	engine     *engine.Engine
	config     *Config
	frameStats *FrameStatsTracker
	ws         *WebSocketHandler
	metrics    *PrometheusMetrics
}

// NewAPIHandler creates the JSON API handler. frameStats may be nil when
// frame statistics are disabled.
func NewAPIHandler(eng *engine.Engine, config *Config, frameStats *FrameStatsTracker, ws *WebSocketHandler, metrics *PrometheusMetrics) *APIHandler {
	return &APIHandler{
		engine:     eng,
		config:     config,
		frameStats: frameStats,
		ws:         ws,
		metrics:    metrics,
	}
}

// StatsResponse is the /stats document
type StatsResponse struct {
	Version       string                 `json:"version"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	Engine        engine.Stats           `json:"engine"`
	Streams       []engine.StreamStats   `json:"streams"`
	FrameStats    []FrameStatistics      `json:"frame_stats,omitempty"`
	Encoding      map[string]interface{} `json:"websocket_encoding,omitempty"`
}

// StreamRequest declares a stream through the control API
type StreamRequest struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Width       int    `json:"width,omitempty"`
	Counterpart string `json:"counterpart,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HandleHealth reports liveness and how many streams are ready
func (ah *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	streams := ah.engine.Streams()
	ready := 0
	for _, s := range streams {
		if s.Ready() {
			ready++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"streams": len(streams),
		"ready":   ready,
	})
}

// HandleStats returns the engine counters and a snapshot of every stream
func (ah *APIHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Version:       Version,
		UptimeSeconds: int64(time.Since(StartTime).Seconds()),
		Engine:        ah.engine.Stats(),
		Streams:       ah.streamStats(),
	}
	if ah.frameStats != nil {
		resp.FrameStats = ah.frameStats.All()
	}
	if ah.ws != nil {
		resp.Encoding = ah.ws.EncodingStats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (ah *APIHandler) streamStats() []engine.StreamStats {
	streams := ah.engine.Streams()
	out := make([]engine.StreamStats, 0, len(streams))
	for _, s := range streams {
		out = append(out, s.Stats())
	}
	return out
}

// HandleListStreams serves GET /api/streams
func (ah *APIHandler) HandleListStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ah.streamStats())
}

// HandleGetStream serves GET /api/streams/{id}
func (ah *APIHandler) HandleGetStream(w http.ResponseWriter, r *http.Request) {
	id, ok := ah.streamID(w, r)
	if !ok {
		return
	}
	s, found := ah.engine.Stream(id)
	if !found {
		writeError(w, http.StatusNotFound, fmt.Sprintf("stream %s not found", formatStreamID(id)))
		return
	}
	writeJSON(w, http.StatusOK, s.Stats())
}

// HandleAddStream serves POST /api/streams
func (ah *APIHandler) HandleAddStream(w http.ResponseWriter, r *http.Request) {
	if !ah.controlAllowed(w, r) {
		return
	}

	var req StreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	sc := StreamConfig{ID: req.ID, Kind: req.Kind, Width: req.Width, Counterpart: req.Counterpart}
	if err := sc.parse(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if sc.Width != 0 && sc.kind != engine.KindPanadapter {
		writeError(w, http.StatusBadRequest, "width is only valid for panadapter streams")
		return
	}

	if err := ah.engine.AddStream(sc.id, sc.kind); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, engine.ErrStreamExists) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	if sc.Width > 0 {
		ah.engine.SetWidth(sc.id, sc.Width)
	}
	if sc.counterpart != engine.NoStream {
		ah.engine.SetCounterpart(sc.id, sc.counterpart)
	}

	s, _ := ah.engine.Stream(sc.id)
	writeJSON(w, http.StatusCreated, s.Stats())
}

// HandleRemoveStream serves DELETE /api/streams/{id}
func (ah *APIHandler) HandleRemoveStream(w http.ResponseWriter, r *http.Request) {
	if !ah.controlAllowed(w, r) {
		return
	}
	id, ok := ah.streamID(w, r)
	if !ok {
		return
	}
	if _, found := ah.engine.Stream(id); !found {
		writeError(w, http.StatusNotFound, fmt.Sprintf("stream %s not found", formatStreamID(id)))
		return
	}

	ah.engine.RemoveStream(id)
	if ah.frameStats != nil {
		ah.frameStats.Forget(id)
	}
	ah.metrics.ForgetStream(id)
	w.WriteHeader(http.StatusNoContent)
}

// HandleStreamStatus serves POST /api/streams/{id}/status. The body is a
// JSON object of status keys as the radio reports them, e.g.
// {"x_pixels": "1024", "waterfall": "0x42000000"}.
func (ah *APIHandler) HandleStreamStatus(w http.ResponseWriter, r *http.Request) {
	if !ah.controlAllowed(w, r) {
		return
	}
	id, ok := ah.streamID(w, r)
	if !ok {
		return
	}

	var kv map[string]string
	if err := json.NewDecoder(r.Body).Decode(&kv); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if err := ah.engine.ApplyStatus(id, kv); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, engine.ErrUnknownStream) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}

	s, _ := ah.engine.Stream(id)
	writeJSON(w, http.StatusOK, s.Stats())
}

func (ah *APIHandler) streamID(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	id, err := engine.ParseStreamID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid stream id: "+r.PathValue("id"))
		return 0, false
	}
	return id, true
}

// controlAllowed rejects control requests unless the control API is enabled
// and the client is on this host
func (ah *APIHandler) controlAllowed(w http.ResponseWriter, r *http.Request) bool {
	if !ah.config.Server.EnableControl {
		writeError(w, http.StatusForbidden, "control API is disabled")
		return false
	}
	ip := net.ParseIP(getClientIP(r))
	if ip == nil || !ip.IsLoopback() {
		writeError(w, http.StatusForbidden, "control API is only available from localhost")
		log.Printf("Control API access denied for IP: %s", getClientIP(r))
		return false
	}
	return true
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"time"

	"github.com/cwsl/flexstream/engine"
	"github.com/cwsl/flexstream/vita"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/shirou/gopsutil/v3/cpu"
)

// PrometheusMetrics holds all Prometheus metric collectors for stream
// reassembly, consumers and the process itself
type PrometheusMetrics struct {
	// Engine totals, mirrored from engine.Stats (label: counter)
	engineTotals  *prometheus.GaugeVec
	streamsActive prometheus.Gauge
	ingestErrors  *prometheus.CounterVec // Receive-side errors by reason

	// Per-stream metrics (labels: stream, kind)
	streamPackets *prometheus.GaugeVec
	streamReady   *prometheus.GaugeVec
	streamLastPkt *prometheus.GaugeVec // Unix timestamp of last packet
	streamErrors  *prometheus.GaugeVec // labels: stream, kind, type
	panWidth      *prometheus.GaugeVec // Panadapter frame width in bins
	panFrames     *prometheus.GaugeVec
	wfPending     *prometheus.GaugeVec // Waterfall fragment table size
	wfTiles       *prometheus.GaugeVec // labels: stream, kind, path
	wfAutoComp    *prometheus.GaugeVec // 1 when auto-complete mode is engaged
	jitterDepth   *prometheus.GaugeVec

	// Per-frame statistics (label: stream)
	frameMin          *prometheus.GaugeVec
	frameMax          *prometheus.GaugeVec
	frameMean         *prometheus.GaugeVec
	frameMedian       *prometheus.GaugeVec
	frameP5           *prometheus.GaugeVec
	frameP95          *prometheus.GaugeVec
	frameDynamicRange *prometheus.GaugeVec

	// WebSocket metrics
	wsConnectionsTotal  prometheus.Counter
	wsDisconnectsTotal  prometheus.Counter
	wsActiveConnections prometheus.Gauge
	wsMessagesSent      *prometheus.CounterVec // label: type
	wsMessagesDropped   *prometheus.CounterVec // label: type
	wsBytesSent         prometheus.Counter

	// RTP forwarding
	rtpPacketsSent prometheus.Counter
	rtpBytesSent   prometheus.Counter
	rtpErrors      prometheus.Counter

	// MQTT
	mqttPublishesTotal prometheus.Counter
	mqttFailuresTotal  prometheus.Counter

	// Resource metrics
	goroutineCount   prometheus.Gauge
	memoryAllocBytes prometheus.Gauge
	memoryTotalBytes prometheus.Gauge
	memoryHeapBytes  prometheus.Gauge
	memoryStackBytes prometheus.Gauge
	gcPauseSeconds   prometheus.Gauge
	cpuPercent       prometheus.Gauge

	// Pushgateway metrics
	pushgatewayPushesTotal   prometheus.Counter
	pushgatewaySuccessTotal  prometheus.Counter
	pushgatewayFailuresTotal prometheus.Counter
	pushgatewayLastPushTime  prometheus.Gauge
}

// NewPrometheusMetrics creates and registers all Prometheus metrics
func NewPrometheusMetrics() *PrometheusMetrics {
	streamLabels := []string{"stream", "kind"}

	pm := &PrometheusMetrics{
		engineTotals: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flexstream_engine_total",
				Help: "Engine-wide packet and event counters",
			},
			[]string{"counter"},
		),
		streamsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "flexstream_streams_active",
				Help: "Number of registered streams",
			},
		),
		ingestErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flexstream_ingest_errors_total",
				Help: "Packets rejected by the engine, by reason",
			},
			[]string{"reason"},
		),

		streamPackets: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flexstream_stream_packets",
				Help: "Packets routed to the stream",
			},
			streamLabels,
		),
		streamReady: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flexstream_stream_ready",
				Help: "1 when the stream is ready",
			},
			streamLabels,
		),
		streamLastPkt: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flexstream_stream_last_packet_timestamp",
				Help: "Unix timestamp of the last packet on the stream",
			},
			streamLabels,
		),
		streamErrors: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flexstream_stream_errors",
				Help: "Per-stream error counters by type",
			},
			[]string{"stream", "kind", "type"},
		),
		panWidth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flexstream_panadapter_width_bins",
				Help: "Current panadapter frame width in bins",
			},
			streamLabels,
		),
		panFrames: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flexstream_panadapter_frames",
				Help: "Completed panadapter frames",
			},
			streamLabels,
		),
		wfPending: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flexstream_waterfall_pending_rows",
				Help: "Rows waiting for fragments in the waterfall table",
			},
			streamLabels,
		),
		wfTiles: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flexstream_waterfall_rows",
				Help: "Waterfall rows emitted, by how they were completed",
			},
			[]string{"stream", "kind", "path"},
		),
		wfAutoComp: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flexstream_waterfall_auto_complete",
				Help: "1 when the waterfall treats every fragment as a whole row",
			},
			streamLabels,
		),
		jitterDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flexstream_jitter_depth",
				Help: "Packets held in the Opus jitter buffer",
			},
			streamLabels,
		),

		frameMin:          frameStatGauge("min", "Minimum bin value"),
		frameMax:          frameStatGauge("max", "Maximum bin value"),
		frameMean:         frameStatGauge("mean", "Mean bin value"),
		frameMedian:       frameStatGauge("median", "Median bin value"),
		frameP5:           frameStatGauge("p5", "5th percentile bin value (noise floor estimate)"),
		frameP95:          frameStatGauge("p95", "95th percentile bin value (signal peaks)"),
		frameDynamicRange: frameStatGauge("dynamic_range", "Maximum minus 5th percentile"),

		wsConnectionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "flexstream_websocket_connections_total",
				Help: "Total WebSocket connections accepted",
			},
		),
		wsDisconnectsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "flexstream_websocket_disconnects_total",
				Help: "Total WebSocket disconnections",
			},
		),
		wsActiveConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "flexstream_websocket_active_connections",
				Help: "Currently connected WebSocket clients",
			},
		),
		wsMessagesSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flexstream_websocket_messages_sent_total",
				Help: "WebSocket messages sent by type",
			},
			[]string{"type"},
		),
		wsMessagesDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flexstream_websocket_messages_dropped_total",
				Help: "WebSocket messages dropped because a client queue was full",
			},
			[]string{"type"},
		),
		wsBytesSent: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "flexstream_websocket_bytes_sent_total",
				Help: "Bytes written to WebSocket clients",
			},
		),

		rtpPacketsSent: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "flexstream_rtp_packets_sent_total",
				Help: "RTP packets forwarded",
			},
		),
		rtpBytesSent: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "flexstream_rtp_bytes_sent_total",
				Help: "RTP bytes forwarded",
			},
		),
		rtpErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "flexstream_rtp_errors_total",
				Help: "RTP packets that could not be sent",
			},
		),

		mqttPublishesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "flexstream_mqtt_publishes_total",
				Help: "MQTT messages published",
			},
		),
		mqttFailuresTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "flexstream_mqtt_failures_total",
				Help: "MQTT publishes that failed",
			},
		),

		goroutineCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "flexstream_goroutines",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "flexstream_memory_alloc_bytes",
				Help: "Currently allocated memory in bytes",
			},
		),
		memoryTotalBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "flexstream_memory_total_alloc_bytes",
				Help: "Cumulative allocated memory in bytes",
			},
		),
		memoryHeapBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "flexstream_memory_heap_bytes",
				Help: "Heap allocated memory in bytes",
			},
		),
		memoryStackBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "flexstream_memory_stack_bytes",
				Help: "Stack memory in use in bytes",
			},
		),
		gcPauseSeconds: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "flexstream_gc_pause_seconds",
				Help: "Most recent GC pause in seconds",
			},
		),
		cpuPercent: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "flexstream_host_cpu_percent",
				Help: "Host CPU utilisation in percent",
			},
		),

		pushgatewayPushesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "flexstream_pushgateway_pushes_total",
				Help: "Pushgateway push attempts",
			},
		),
		pushgatewaySuccessTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "flexstream_pushgateway_success_total",
				Help: "Successful Pushgateway pushes",
			},
		),
		pushgatewayFailuresTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "flexstream_pushgateway_failures_total",
				Help: "Failed Pushgateway pushes",
			},
		),
		pushgatewayLastPushTime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "flexstream_pushgateway_last_push_timestamp",
				Help: "Unix timestamp of the last successful push",
			},
		),
	}

	log.Println("Prometheus metrics initialized for stream reassembly and system stats")
	return pm
}

func frameStatGauge(name, help string) *prometheus.GaugeVec {
	return promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flexstream_frame_" + name,
			Help: help + " of the latest sampled panadapter frame",
		},
		[]string{"stream"},
	)
}

// UpdateFromEngine mirrors the engine and per-stream counters into gauges
func (pm *PrometheusMetrics) UpdateFromEngine(eng *engine.Engine) {
	if pm == nil {
		return
	}

	st := eng.Stats()
	pm.streamsActive.Set(float64(st.Streams))
	totals := map[string]uint64{
		"packets":         st.Packets,
		"format_errors":   st.FormatErrors,
		"unknown_stream":  st.UnknownStream,
		"stream_mismatch": st.StreamMismatch,
		"kind_mismatch":   st.KindMismatch,
		"unrouted":        st.Unrouted,
		"frames":          st.Frames,
		"tiles":           st.Tiles,
		"ready_events":    st.ReadyEvents,
		"jitter_overflow": st.JitterOverflow,
		"events_dropped":  st.EventsDropped,
	}
	for name, v := range totals {
		pm.engineTotals.WithLabelValues(name).Set(float64(v))
	}

	for _, s := range eng.Streams() {
		ss := s.Stats()
		id := formatStreamID(ss.ID)
		labels := prometheus.Labels{"stream": id, "kind": ss.Kind}

		pm.streamPackets.With(labels).Set(float64(ss.Packets))
		pm.streamReady.With(labels).Set(boolGauge(ss.Ready))
		if !ss.LastPacket.IsZero() {
			pm.streamLastPkt.With(labels).Set(float64(ss.LastPacket.Unix()))
		}

		errs := map[string]uint64{
			"payload":       ss.PayloadErrors,
			"kind_mismatch": ss.KindMismatch,
		}

		switch {
		case ss.Panadapter != nil:
			p := ss.Panadapter
			pm.panWidth.With(labels).Set(float64(p.Width))
			pm.panFrames.With(labels).Set(float64(p.Frames))
			errs["stale"] = p.Stale
			errs["duplicate"] = p.Duplicates
			errs["bounds"] = p.BoundsErrors
			errs["incomplete"] = p.IncompleteFrames
		case ss.Waterfall != nil:
			w := ss.Waterfall
			pm.wfPending.With(labels).Set(float64(w.Pending))
			pm.wfAutoComp.With(labels).Set(boolGauge(w.AutoComplete))
			pm.wfTiles.WithLabelValues(id, ss.Kind, "complete").Set(float64(w.CompleteTiles))
			pm.wfTiles.WithLabelValues(id, ss.Kind, "matched").Set(float64(w.Matched))
			pm.wfTiles.WithLabelValues(id, ss.Kind, "flushed").Set(float64(w.Flushed))
			errs["stale"] = w.Stale
			errs["bounds"] = w.BoundsErrors
			errs["discarded"] = w.Discarded
			errs["empty"] = w.Empty
		case ss.Sequencer != nil:
			errs["sequence"] = ss.Sequencer.SequenceErrors
			errs["mismatch"] = ss.Sequencer.Mismatches
		case ss.Jitter != nil:
			pm.jitterDepth.With(labels).Set(float64(ss.Jitter.Depth))
			errs["stale"] = ss.Jitter.Stale
			errs["overflow"] = ss.Jitter.Overflows
		}

		for typ, v := range errs {
			pm.streamErrors.WithLabelValues(id, ss.Kind, typ).Set(float64(v))
		}
	}

	pm.updateResourceMetrics()
}

// ForgetStream removes the series of a stream that no longer exists
func (pm *PrometheusMetrics) ForgetStream(id uint32) {
	if pm == nil {
		return
	}
	match := prometheus.Labels{"stream": formatStreamID(id)}
	for _, vec := range []*prometheus.GaugeVec{
		pm.streamPackets, pm.streamReady, pm.streamLastPkt, pm.streamErrors,
		pm.panWidth, pm.panFrames, pm.wfPending, pm.wfTiles, pm.wfAutoComp,
		pm.jitterDepth, pm.frameMin, pm.frameMax, pm.frameMean, pm.frameMedian,
		pm.frameP5, pm.frameP95, pm.frameDynamicRange,
	} {
		vec.DeletePartialMatch(match)
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// updateResourceMetrics updates runtime resource metrics
func (pm *PrometheusMetrics) updateResourceMetrics() {
	if pm == nil {
		return
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	pm.goroutineCount.Set(float64(runtime.NumGoroutine()))

	pm.memoryAllocBytes.Set(float64(m.Alloc))
	pm.memoryTotalBytes.Set(float64(m.TotalAlloc))
	pm.memoryHeapBytes.Set(float64(m.HeapAlloc))
	pm.memoryStackBytes.Set(float64(m.StackInuse))

	if len(m.PauseNs) > 0 {
		lastPause := m.PauseNs[(m.NumGC+255)%256]
		pm.gcPauseSeconds.Set(float64(lastPause) / 1e9)
	}

	// Non-blocking sample since the previous call
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		pm.cpuPercent.Set(pct[0])
	}
}

// StartMetricsUpdater refreshes the mirrored gauges every period until ctx
// is cancelled
func (pm *PrometheusMetrics) StartMetricsUpdater(ctx context.Context, eng *engine.Engine, period time.Duration) error {
	if pm == nil {
		return nil
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	pm.UpdateFromEngine(eng)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pm.UpdateFromEngine(eng)
		}
	}
}

// RecordIngestError counts a packet the engine rejected
func (pm *PrometheusMetrics) RecordIngestError(err error) {
	if pm == nil {
		return
	}

	reason := "other"
	var fe *vita.FormatError
	switch {
	case errors.As(err, &fe):
		reason = "format"
	case errors.Is(err, engine.ErrUnknownStream):
		reason = "unknown_stream"
	case errors.Is(err, engine.ErrStreamMismatch):
		reason = "stream_mismatch"
	}
	pm.ingestErrors.WithLabelValues(reason).Inc()
}

// RecordFrameStatistics exports the latest sampled frame statistics
func (pm *PrometheusMetrics) RecordFrameStatistics(fs FrameStatistics) {
	if pm == nil {
		return
	}
	pm.frameMin.WithLabelValues(fs.StreamID).Set(fs.Min)
	pm.frameMax.WithLabelValues(fs.StreamID).Set(fs.Max)
	pm.frameMean.WithLabelValues(fs.StreamID).Set(fs.Mean)
	pm.frameMedian.WithLabelValues(fs.StreamID).Set(fs.Median)
	pm.frameP5.WithLabelValues(fs.StreamID).Set(fs.P5)
	pm.frameP95.WithLabelValues(fs.StreamID).Set(fs.P95)
	pm.frameDynamicRange.WithLabelValues(fs.StreamID).Set(fs.DynamicRange)
}

// WebSocket connection tracking methods
func (pm *PrometheusMetrics) RecordWSConnection() {
	if pm == nil {
		return
	}
	pm.wsConnectionsTotal.Inc()
	pm.wsActiveConnections.Inc()
}

func (pm *PrometheusMetrics) RecordWSDisconnect() {
	if pm == nil {
		return
	}
	pm.wsDisconnectsTotal.Inc()
	pm.wsActiveConnections.Dec()
}

func (pm *PrometheusMetrics) RecordWSMessageSent(msgType string, bytes int) {
	if pm == nil {
		return
	}
	pm.wsMessagesSent.WithLabelValues(msgType).Inc()
	pm.wsBytesSent.Add(float64(bytes))
}

func (pm *PrometheusMetrics) RecordWSMessageDropped(msgType string) {
	if pm == nil {
		return
	}
	pm.wsMessagesDropped.WithLabelValues(msgType).Inc()
}

// RTP forwarding tracking methods
func (pm *PrometheusMetrics) RecordRTPPacket(bytes int) {
	if pm == nil {
		return
	}
	pm.rtpPacketsSent.Inc()
	pm.rtpBytesSent.Add(float64(bytes))
}

func (pm *PrometheusMetrics) RecordRTPError() {
	if pm == nil {
		return
	}
	pm.rtpErrors.Inc()
}

// RecordMQTTPublish counts one MQTT publish attempt
func (pm *PrometheusMetrics) RecordMQTTPublish(err error) {
	if pm == nil {
		return
	}
	pm.mqttPublishesTotal.Inc()
	if err != nil {
		pm.mqttFailuresTotal.Inc()
	}
}

// StartPushgatewayWorker periodically pushes metrics to Pushgateway until
// ctx is cancelled
func (pm *PrometheusMetrics) StartPushgatewayWorker(ctx context.Context, config *Config) error {
	if pm == nil || !config.Prometheus.Pushgateway.Enabled {
		return nil
	}

	pgConfig := config.Prometheus.Pushgateway
	if pgConfig.URL == "" {
		log.Println("Warning: Pushgateway enabled without a URL, skipping push worker")
		return nil
	}

	log.Printf("Starting Pushgateway worker: URL=%s, Job=%s, Instance=%s, Interval=%ds",
		pgConfig.URL, pgConfig.Job, pgConfig.Instance, pgConfig.Interval)

	ticker := time.NewTicker(time.Duration(pgConfig.Interval) * time.Second)
	defer ticker.Stop()

	for {
		pm.pushgatewayPushesTotal.Inc()
		if err := pm.pushToGateway(ctx, config); err != nil {
			pm.pushgatewayFailuresTotal.Inc()
			log.Printf("ERROR: Failed to push metrics to Pushgateway: %v", err)
		} else {
			pm.pushgatewaySuccessTotal.Inc()
			pm.pushgatewayLastPushTime.Set(float64(time.Now().Unix()))
			if DebugMode {
				log.Printf("DEBUG: Successfully pushed metrics to Pushgateway")
			}
		}

		select {
		case <-ctx.Done():
			log.Println("Pushgateway worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// pushToGateway pushes all metrics to the Pushgateway
func (pm *PrometheusMetrics) pushToGateway(ctx context.Context, config *Config) error {
	if pm == nil {
		return fmt.Errorf("prometheus metrics not initialized")
	}

	pgConfig := config.Prometheus.Pushgateway

	pusher := push.New(pgConfig.URL, pgConfig.Job).
		Gatherer(prometheus.DefaultGatherer)
	if pgConfig.Token != "" {
		pusher = pusher.BasicAuth(pgConfig.Instance, pgConfig.Token)
	}
	if pgConfig.Instance != "" {
		pusher = pusher.Grouping("instance", pgConfig.Instance)
	}
	pusher = pusher.Grouping("version", Version)

	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push to gateway: %w", err)
	}

	return nil
}

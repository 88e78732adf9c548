package main

import (
	"compress/gzip"
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cwsl/flexstream/engine"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// Global debug flag
var DebugMode bool

// Global stats flag
var StatsMode bool

// gzipResponseWriter wraps http.ResponseWriter to provide gzip compression
type gzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
}

func (w gzipResponseWriter) Write(b []byte) (int, error) {
	return w.Writer.Write(b)
}

// gzipHandler wraps an http.HandlerFunc with gzip compression
func gzipHandler(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			fn(w, r)
			return
		}

		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Vary", "Accept-Encoding")

		gz := gzip.NewWriter(w)
		defer gz.Close()

		gzipW := gzipResponseWriter{Writer: gz, ResponseWriter: w}
		fn(gzipW, r)
	}
}

// corsMiddleware adds CORS headers to all responses if enabled in config
func corsMiddleware(config *Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if config.Server.EnableCORS {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// getClientIP returns the client address of a request. X-Real-IP is only
// trusted from a reverse proxy on this host.
func getClientIP(r *http.Request) string {
	sourceIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(sourceIP); err == nil {
		sourceIP = host
	}

	if ip := net.ParseIP(sourceIP); ip != nil && ip.IsLoopback() {
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			if host, _, err := net.SplitHostPort(xri); err == nil {
				xri = host
			}
			if DebugMode {
				log.Printf("DEBUG: Trusted X-Real-IP from local proxy: %s", xri)
			}
			return xri
		}
	}

	return sourceIP
}

// handlePrometheusMetrics serves /metrics to allowed hosts only
func handlePrometheusMetrics(w http.ResponseWriter, r *http.Request, config *Config) {
	clientIP := getClientIP(r)

	if !config.Prometheus.IsIPAllowed(clientIP) {
		w.WriteHeader(http.StatusForbidden)
		if _, err := w.Write([]byte("403 Forbidden: Access denied\n")); err != nil {
			log.Printf("Error writing forbidden response: %v", err)
		}
		log.Printf("Prometheus metrics access denied for IP: %s", clientIP)
		return
	}

	promhttp.Handler().ServeHTTP(w, r)
}

// registerStreams declares the configured streams. Each one counts as
// having received its full status.
func registerStreams(eng *engine.Engine, streams []StreamConfig) error {
	for _, sc := range streams {
		if err := eng.AddStream(sc.id, sc.kind); err != nil {
			return err
		}
		if sc.Width > 0 {
			if err := eng.SetWidth(sc.id, sc.Width); err != nil {
				return err
			}
		}
		if sc.counterpart != engine.NoStream {
			if err := eng.SetCounterpart(sc.id, sc.counterpart); err != nil {
				return err
			}
		}
		if err := eng.MarkStatusComplete(sc.id); err != nil {
			return err
		}
	}
	return nil
}

// newMux builds the HTTP routes
func newMux(config *Config, api *APIHandler, ws *WebSocketHandler) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", api.HandleHealth)
	mux.HandleFunc("GET /stats", gzipHandler(api.HandleStats))
	mux.HandleFunc("GET /api/streams", gzipHandler(api.HandleListStreams))
	mux.HandleFunc("POST /api/streams", api.HandleAddStream)
	mux.HandleFunc("GET /api/streams/{id}", api.HandleGetStream)
	mux.HandleFunc("DELETE /api/streams/{id}", api.HandleRemoveStream)
	mux.HandleFunc("POST /api/streams/{id}/status", api.HandleStreamStatus)
	mux.HandleFunc("/ws", ws.HandleWebSocket)

	if config.Prometheus.Enabled {
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			handlePrometheusMetrics(w, r, config)
		})
	}

	return mux
}

func envFlag(name string, def bool) bool {
	if v := os.Getenv(name); v != "" {
		// Environment variable takes precedence
		return v == "true" || v == "1" || v == "yes"
	}
	return def
}

func main() {
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	stats := flag.Bool("stats", false, "Enable WebSocket statistics logging")
	flag.Parse()

	DebugMode = envFlag("DEBUG", *debug)
	if DebugMode {
		log.Println("Debug mode enabled")
	}
	engine.Debug = DebugMode

	StatsMode = envFlag("STATS", *stats)
	if StatsMode {
		log.Println("WebSocket statistics logging enabled")
	}

	config, err := LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := config.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.Printf("flexstream %s starting", Version)

	var metrics *PrometheusMetrics
	if config.Prometheus.Enabled {
		metrics = NewPrometheusMetrics()
	}

	eng := engine.New(engine.Config{
		AutoRegister: config.Radio.AutoRegister,
		AssumeStatus: config.Radio.AssumeStatus,
		DefaultWidth: config.Radio.DefaultWidth,
	})
	if err := registerStreams(eng, config.Streams); err != nil {
		log.Fatalf("Failed to register streams: %v", err)
	}

	receiver, err := NewReceiver(config.Radio, eng, metrics)
	if err != nil {
		log.Fatalf("Failed to start receiver: %v", err)
	}

	var frameStats *FrameStatsTracker
	if config.Stats.Enabled {
		frameStats = NewFrameStatsTracker(config.Stats.EveryFrame, metrics)
	}

	var mqttPublisher *MQTTPublisher
	if config.MQTT.Enabled {
		mqttPublisher, err = NewMQTTPublisher(&config.MQTT, eng, metrics)
		if err != nil {
			// The daemon is still useful without MQTT
			log.Printf("Warning: MQTT disabled: %v", err)
		}
	}

	var rtpForwarder *RTPForwarder
	if config.RTPForward.Enabled {
		rtpForwarder, err = NewRTPForwarder(&config.RTPForward, eng, metrics)
		if err != nil {
			log.Fatalf("Failed to start RTP forwarder: %v", err)
		}
	}

	ws := NewWebSocketHandler(eng, config, metrics)
	api := NewAPIHandler(eng, config, frameStats, ws, metrics)
	server := &http.Server{
		Addr:              config.Server.Listen,
		Handler:           corsMiddleware(config, newMux(config, api, ws)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return receiver.Run(ctx) })

	if metrics != nil {
		period := time.Duration(config.Server.StatsPeriod) * time.Second
		g.Go(func() error { return metrics.StartMetricsUpdater(ctx, eng, period) })
		g.Go(func() error { return metrics.StartPushgatewayWorker(ctx, config) })
	}
	if frameStats != nil {
		g.Go(func() error { return frameStats.Run(ctx, eng) })
	}
	if mqttPublisher != nil {
		g.Go(func() error { return mqttPublisher.Run(ctx) })
	}
	if rtpForwarder != nil {
		g.Go(func() error { return rtpForwarder.Run(ctx) })
	}

	g.Go(func() error {
		log.Printf("HTTP server listening on %s", config.Server.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Println("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("ERROR: %v", err)
	}
	log.Println("Shutdown complete")
}

package main

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/cwsl/flexstream/engine"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Radio      RadioConfig      `yaml:"radio"`
	Streams    []StreamConfig   `yaml:"streams"`
	Server     ServerConfig     `yaml:"server"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	RTPForward RTPForwardConfig `yaml:"rtp_forward"`
	Stats      StatsConfig      `yaml:"stats"`
}

// RadioConfig contains the VITA-49 receive socket settings
type RadioConfig struct {
	Listen       string `yaml:"listen"`        // UDP address to receive on (e.g., 0.0.0.0:4991 or 239.1.2.3:4991)
	Interface    string `yaml:"interface"`     // Network interface for multicast joins (optional)
	ReadBuffer   int    `yaml:"read_buffer"`   // Socket receive buffer in bytes
	AutoRegister bool   `yaml:"auto_register"` // Create streams for unknown stream ids on first packet
	AssumeStatus bool   `yaml:"assume_status"` // Treat auto-registered streams as fully described
	DefaultWidth int    `yaml:"default_width"` // Initial panadapter width in bins
}

// StreamConfig declares a stream ahead of its first packet, standing in for
// the radio's status messages
type StreamConfig struct {
	ID          string `yaml:"id"`          // Stream id, e.g. "0x40000000"
	Kind        string `yaml:"kind"`        // panadapter, waterfall, audio, iq or opus
	Width       int    `yaml:"width"`       // x_pixels for panadapters (optional)
	Counterpart string `yaml:"counterpart"` // Companion stream id (optional)

	id          uint32
	counterpart uint32
	kind        engine.Kind
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Listen        string `yaml:"listen"`         // HTTP listen address
	EnableCORS    bool   `yaml:"enable_cors"`    // Add permissive CORS headers to JSON endpoints
	StatsPeriod   int    `yaml:"stats_period"`   // Seconds between metric refreshes from engine counters
	EnableControl bool   `yaml:"enable_control"` // Accept stream and status updates on /api/streams from loopback clients
}

// WebSocketConfig contains downstream consumer settings
type WebSocketConfig struct {
	Compression    bool `yaml:"compression"`     // zstd-compress binary frame messages
	QueueSize      int  `yaml:"queue_size"`      // Per-client outbound queue depth
	SubscribeQueue int  `yaml:"subscribe_queue"` // Per-client engine subscription buffer
	RequireReady   bool `yaml:"require_ready"`   // Only forward frames from streams that are ready
}

// PrometheusConfig contains Prometheus metrics settings
type PrometheusConfig struct {
	Enabled      bool              `yaml:"enabled"`       // Enable/disable Prometheus metrics endpoint
	AllowedHosts []string          `yaml:"allowed_hosts"` // List of IPs/CIDRs allowed to access metrics
	Pushgateway  PushgatewayConfig `yaml:"pushgateway"`   // Pushgateway configuration

	allowedNets []*net.IPNet
}

// PushgatewayConfig contains Prometheus Pushgateway settings
type PushgatewayConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`      // Pushgateway URL (e.g., http://pushgateway:9091)
	Job      string `yaml:"job"`      // Job name
	Instance string `yaml:"instance"` // Instance label and basic auth username
	Token    string `yaml:"token"`    // Basic auth password
	Interval int    `yaml:"interval"` // Push interval in seconds
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Broker          string        `yaml:"broker"` // MQTT broker URL (e.g., tcp://mqtt.example.com:1883)
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	TopicPrefix     string        `yaml:"topic_prefix"`     // Topic prefix for all messages
	PublishInterval int           `yaml:"publish_interval"` // Stats publishing interval in seconds
	QoS             byte          `yaml:"qos"`              // 0, 1 or 2
	Retain          bool          `yaml:"retain"`
	TLS             MQTTTLSConfig `yaml:"tls"`
}

// MQTTTLSConfig contains MQTT TLS/SSL settings
type MQTTTLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CACert     string `yaml:"ca_cert"`     // Path to CA certificate file
	ClientCert string `yaml:"client_cert"` // Path to client certificate file (optional)
	ClientKey  string `yaml:"client_key"`  // Path to client key file (optional)
}

// RTPForwardConfig contains settings for re-publishing DAX audio as RTP
type RTPForwardConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Destination string   `yaml:"destination"`  // UDP destination host:port
	PayloadType uint8    `yaml:"payload_type"` // RTP payload type
	SampleRate  uint32   `yaml:"sample_rate"`  // RTP clock rate
	Streams     []string `yaml:"streams"`      // Audio stream ids to forward; empty forwards all

	streamIDs []uint32
}

// StatsConfig contains per-frame spectrum statistics settings
type StatsConfig struct {
	Enabled    bool `yaml:"enabled"`
	EveryFrame int  `yaml:"every_frame"` // Compute statistics on every Nth frame
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration and applies defaults
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Parse Prometheus allowed hosts IPs/CIDRs
	if config.Prometheus.Enabled {
		if err := config.Prometheus.parseAllowedHosts(); err != nil {
			return nil, fmt.Errorf("failed to parse prometheus.allowed_hosts: %w", err)
		}
	}

	for i := range config.Streams {
		if err := config.Streams[i].parse(); err != nil {
			return nil, fmt.Errorf("streams[%d]: %w", i, err)
		}
	}

	config.RTPForward.streamIDs = make([]uint32, 0, len(config.RTPForward.Streams))
	for _, s := range config.RTPForward.Streams {
		id, err := engine.ParseStreamID(s)
		if err != nil {
			return nil, fmt.Errorf("rtp_forward.streams: invalid stream id %q: %w", s, err)
		}
		config.RTPForward.streamIDs = append(config.RTPForward.streamIDs, id)
	}

	// Set defaults if not specified
	if config.Radio.Listen == "" {
		config.Radio.Listen = "0.0.0.0:4991"
	}
	if config.Radio.ReadBuffer == 0 {
		config.Radio.ReadBuffer = 1024 * 1024
	}
	if config.Server.Listen == "" {
		config.Server.Listen = ":8080"
	}
	if config.Server.StatsPeriod == 0 {
		config.Server.StatsPeriod = 5
	}
	if config.WebSocket.QueueSize == 0 {
		config.WebSocket.QueueSize = 30
	}
	if config.WebSocket.SubscribeQueue == 0 {
		config.WebSocket.SubscribeQueue = 64
	}
	if config.Prometheus.Pushgateway.Job == "" {
		config.Prometheus.Pushgateway.Job = "flexstream"
	}
	if config.Prometheus.Pushgateway.Interval == 0 {
		config.Prometheus.Pushgateway.Interval = 60
	}
	if config.MQTT.TopicPrefix == "" {
		config.MQTT.TopicPrefix = "flexstream"
	}
	if config.MQTT.PublishInterval == 0 {
		config.MQTT.PublishInterval = 60
	}
	if config.RTPForward.PayloadType == 0 {
		config.RTPForward.PayloadType = 96
	}
	if config.RTPForward.SampleRate == 0 {
		config.RTPForward.SampleRate = 24000
	}
	if config.Stats.EveryFrame == 0 {
		config.Stats.EveryFrame = 1
	}

	return &config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Radio.Listen == "" {
		return fmt.Errorf("radio.listen is required")
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Radio.DefaultWidth < 0 {
		return fmt.Errorf("radio.default_width must not be negative")
	}
	if c.WebSocket.QueueSize < 1 {
		return fmt.Errorf("websocket.queue_size must be at least 1")
	}
	if c.MQTT.Enabled && c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	if c.RTPForward.Enabled && c.RTPForward.Destination == "" {
		return fmt.Errorf("rtp_forward.destination is required when rtp_forward is enabled")
	}
	if c.RTPForward.PayloadType > 127 {
		return fmt.Errorf("rtp_forward.payload_type must be at most 127")
	}
	if c.Stats.EveryFrame < 1 {
		return fmt.Errorf("stats.every_frame must be at least 1")
	}

	seen := make(map[uint32]bool, len(c.Streams))
	for _, s := range c.Streams {
		if seen[s.id] {
			return fmt.Errorf("streams: duplicate stream id %#08x", s.id)
		}
		seen[s.id] = true
		if s.Width != 0 && s.kind != engine.KindPanadapter {
			return fmt.Errorf("streams: width is only valid for panadapter streams (%s)", s.ID)
		}
	}
	return nil
}

// parse resolves the stream id, counterpart and kind
func (sc *StreamConfig) parse() error {
	id, err := engine.ParseStreamID(sc.ID)
	if err != nil {
		return fmt.Errorf("invalid stream id %q: %w", sc.ID, err)
	}
	if id == engine.NoStream {
		return fmt.Errorf("stream id 0 is reserved")
	}
	sc.id = id

	kind, ok := engine.ParseKind(strings.ToLower(strings.TrimSpace(sc.Kind)))
	if !ok {
		return fmt.Errorf("unknown stream kind %q", sc.Kind)
	}
	sc.kind = kind

	if sc.Counterpart != "" {
		cp, err := engine.ParseStreamID(sc.Counterpart)
		if err != nil {
			return fmt.Errorf("invalid counterpart %q: %w", sc.Counterpart, err)
		}
		sc.counterpart = cp
	}
	return nil
}

// parseAllowedHosts parses the allowed_hosts list into CIDR networks
func (pc *PrometheusConfig) parseAllowedHosts() error {
	pc.allowedNets = make([]*net.IPNet, 0, len(pc.AllowedHosts))

	for _, ipStr := range pc.AllowedHosts {
		// Check if it's a CIDR notation
		if _, ipNet, err := net.ParseCIDR(ipStr); err == nil {
			pc.allowedNets = append(pc.allowedNets, ipNet)
			continue
		}

		ip := net.ParseIP(ipStr)
		if ip == nil {
			return fmt.Errorf("invalid IP or CIDR: %s", ipStr)
		}
		bits := 128
		if ip.To4() != nil {
			bits = 32
		}
		pc.allowedNets = append(pc.allowedNets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}

	return nil
}

// IsIPAllowed checks if an IP address is in the allowed hosts list
func (pc *PrometheusConfig) IsIPAllowed(ipStr string) bool {
	if len(pc.allowedNets) == 0 {
		return false
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}

	for _, ipNet := range pc.allowedNets {
		if ipNet.Contains(ip) {
			return true
		}
	}

	return false
}

// forwards reports whether audio from stream id should be sent as RTP
func (rc *RTPForwardConfig) forwards(id uint32) bool {
	if len(rc.streamIDs) == 0 {
		return true
	}
	for _, s := range rc.streamIDs {
		if s == id {
			return true
		}
	}
	return false
}

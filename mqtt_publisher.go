package main

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cwsl/flexstream/engine"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// MQTTPublisher publishes stream ready events and periodic stats snapshots
type MQTTPublisher struct {
	client  mqtt.Client
	config  *MQTTConfig
	engine  *engine.Engine
	metrics *PrometheusMetrics
}

// MetricPayload represents a metric message for MQTT
type MetricPayload struct {
	Timestamp int64              `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
	Labels    map[string]string  `json:"labels,omitempty"`
}

// ReadyPayload is published once per stream when it becomes ready
type ReadyPayload struct {
	Timestamp   int64  `json:"timestamp"`
	Event       string `json:"event"`
	StreamID    string `json:"stream_id"`
	Kind        string `json:"kind,omitempty"`
	Counterpart string `json:"counterpart,omitempty"`
}

// generateClientID creates a random client ID for MQTT connection
func generateClientID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "flexstream_" + hex.EncodeToString(bytes)
}

// loadTLSConfig loads TLS configuration from files
func loadTLSConfig(tlsConfig MQTTTLSConfig) (*tls.Config, error) {
	if !tlsConfig.Enabled {
		return nil, nil
	}

	config := &tls.Config{}

	if tlsConfig.CACert != "" {
		caCert, err := os.ReadFile(tlsConfig.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		config.RootCAs = caCertPool
	}

	if tlsConfig.ClientCert != "" && tlsConfig.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(tlsConfig.ClientCert, tlsConfig.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

// NewMQTTPublisher connects to the broker
func NewMQTTPublisher(config *MQTTConfig, eng *engine.Engine, metrics *PrometheusMetrics) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(generateClientID())

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	if config.TLS.Enabled {
		tlsConfig, err := loadTLSConfig(config.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Println("MQTT: Connected to broker")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("MQTT: Connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
		log.Println("MQTT: Attempting to reconnect...")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	log.Printf("MQTT: Successfully connected to broker: %s", config.Broker)

	return &MQTTPublisher{
		client:  client,
		config:  config,
		engine:  eng,
		metrics: metrics,
	}, nil
}

// Run publishes ready events as they happen and stats at the configured
// interval until ctx is cancelled
func (mp *MQTTPublisher) Run(ctx context.Context) error {
	sub := mp.engine.SubscribeStatus(64)
	defer mp.engine.Unsubscribe(sub)
	defer mp.Disconnect()

	ticker := time.NewTicker(time.Duration(mp.config.PublishInterval) * time.Second)
	defer ticker.Stop()

	log.Printf("MQTT: Publisher started with %d second stats interval", mp.config.PublishInterval)

	mp.publishAllMetrics()

	for {
		select {
		case <-ctx.Done():
			log.Println("MQTT: Publisher stopped")
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			mp.publishEvent(ev)
		case <-ticker.C:
			mp.publishAllMetrics()
		}
	}
}

// publishEvent publishes a status event to <prefix>/ready or <prefix>/events
func (mp *MQTTPublisher) publishEvent(ev engine.Event) {
	payload := ReadyPayload{Timestamp: time.Now().Unix()}
	topic := mp.config.TopicPrefix + "/events"

	switch ev := ev.(type) {
	case engine.StreamReady:
		topic = mp.config.TopicPrefix + "/ready"
		payload.Event = "stream_ready"
		payload.StreamID = formatStreamID(ev.StreamID)
		payload.Kind = ev.Kind.String()
		if ev.Counterpart != engine.NoStream {
			payload.Counterpart = formatStreamID(ev.Counterpart)
		}
	case engine.JitterOverflow:
		payload.Event = "jitter_overflow"
		payload.StreamID = formatStreamID(ev.StreamID)
	default:
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("MQTT ERROR: Failed to marshal event for topic %s: %v", topic, err)
		return
	}
	mp.publishRaw(topic, data)
}

// publishAllMetrics gathers the Prometheus registry and publishes one
// document per stream plus one for process-wide metrics
func (mp *MQTTPublisher) publishAllMetrics() {
	metricFamilies, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		log.Printf("MQTT ERROR: Failed to gather Prometheus metrics: %v", err)
		return
	}

	timestamp := time.Now().Unix()
	global, streams, kinds := groupMetrics(metricFamilies)

	mp.publish(mp.config.TopicPrefix+"/stats", MetricPayload{Timestamp: timestamp, Metrics: global})
	for stream, metrics := range streams {
		payload := MetricPayload{Timestamp: timestamp, Metrics: metrics}
		if kind := kinds[stream]; kind != "" {
			payload.Labels = map[string]string{"kind": kind}
		}
		mp.publish(fmt.Sprintf("%s/stats/%s", mp.config.TopicPrefix, stream), payload)
	}
}

// groupMetrics splits gathered metrics into process-wide values and
// per-stream values keyed by the stream label. Labels other than stream and
// kind are folded into the metric key.
func groupMetrics(families []*dto.MetricFamily) (map[string]float64, map[string]map[string]float64, map[string]string) {
	global := make(map[string]float64)
	streams := make(map[string]map[string]float64)
	kinds := make(map[string]string)

	for _, mf := range families {
		name := mf.GetName()
		if !strings.HasPrefix(name, "flexstream_") {
			continue
		}
		name = strings.TrimPrefix(name, "flexstream_")

		for _, m := range mf.GetMetric() {
			value, ok := extractMetricValue(m)
			if !ok {
				continue
			}

			stream, kind := "", ""
			var extra []string
			for _, label := range m.GetLabel() {
				switch label.GetName() {
				case "stream":
					stream = label.GetValue()
				case "kind":
					kind = label.GetValue()
				default:
					extra = append(extra, label.GetValue())
				}
			}
			sort.Strings(extra)

			key := name
			if len(extra) > 0 {
				key += "_" + strings.Join(extra, "_")
			}

			if stream == "" {
				global[key] = value
				continue
			}
			if kind != "" {
				kinds[stream] = kind
			}
			if streams[stream] == nil {
				streams[stream] = make(map[string]float64)
			}
			streams[stream][key] = value
		}
	}

	return global, streams, kinds
}

// extractMetricValue extracts the numeric value from a Prometheus metric
func extractMetricValue(m *dto.Metric) (float64, bool) {
	if m.GetGauge() != nil {
		return m.GetGauge().GetValue(), true
	}
	if m.GetCounter() != nil {
		return m.GetCounter().GetValue(), true
	}
	if m.GetHistogram() != nil {
		return m.GetHistogram().GetSampleSum(), true
	}
	if m.GetSummary() != nil {
		return m.GetSummary().GetSampleSum(), true
	}
	return 0, false
}

// publish sends a metric payload to an MQTT topic
func (mp *MQTTPublisher) publish(topic string, payload MetricPayload) {
	if len(payload.Metrics) == 0 {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("MQTT ERROR: Failed to marshal payload for topic %s: %v", topic, err)
		return
	}
	mp.publishRaw(topic, data)
}

func (mp *MQTTPublisher) publishRaw(topic string, data []byte) {
	token := mp.client.Publish(topic, mp.config.QoS, mp.config.Retain, data)
	var err error
	if token.Wait() && token.Error() != nil {
		err = token.Error()
		log.Printf("MQTT ERROR: Failed to publish to topic %s: %v", topic, err)
	}
	mp.metrics.RecordMQTTPublish(err)
}

// Disconnect gracefully disconnects from the MQTT broker
func (mp *MQTTPublisher) Disconnect() {
	if mp.client != nil && mp.client.IsConnected() {
		mp.client.Disconnect(250)
		log.Println("MQTT: Disconnected from broker")
	}
}

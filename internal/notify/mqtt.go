package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/logger"
)

// MQTTConfig holds broker settings for MQTTSink.
type MQTTConfig struct {
	Broker      string // host:port or a full URL
	InstanceID  string
	TopicPrefix string
	QoS         byte
}

// Topic returns the alert topic: <prefix>/<instance>/alerts.
func (c MQTTConfig) Topic() string {
	return fmt.Sprintf("%s/%s/alerts", strings.TrimSuffix(c.TopicPrefix, "/"), c.InstanceID)
}

func (c MQTTConfig) brokerURL() string {
	if strings.Contains(c.Broker, "://") {
		return c.Broker
	}
	return "tcp://" + c.Broker
}

// MQTTStats are the sink's delivery counters.
type MQTTStats struct {
	Published uint64
	Errors    uint64
	Connected bool
}

// MQTTSink publishes alert events as JSON.
type MQTTSink struct {
	cfg    MQTTConfig
	client mqtt.Client
	log    logger.Module

	mu        sync.RWMutex
	published uint64
	errors    uint64
	connected bool
}

// NewMQTTSink creates a disconnected sink.
func NewMQTTSink(cfg MQTTConfig) *MQTTSink {
	s := &MQTTSink{cfg: cfg, log: logger.Named("MQTT")}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.brokerURL())
	opts.SetClientID(cfg.InstanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		s.setConnected(true)
		s.log.Info("Connected to %s (client_id=%s)", cfg.Broker, cfg.InstanceID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.setConnected(false)
		s.log.Warn("Connection lost, will auto-reconnect: %v", err)
	}
	s.client = mqtt.NewClient(opts)
	return s
}

// Name implements Sink.
func (s *MQTTSink) Name() string { return "mqtt" }

// Connect dials the broker and waits up to 5 seconds for the session.
// With connect retry enabled the client keeps trying in the background
// after a timeout.
func (s *MQTTSink) Connect(ctx context.Context) error {
	s.log.Info("Connecting to %s", s.cfg.Broker)
	token := s.client.Connect()
	if err := waitToken(ctx, token, 5*time.Second); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.setConnected(true)
	return nil
}

// Send implements Sink.
func (s *MQTTSink) Send(ctx context.Context, ev Event) error {
	if !s.isConnected() {
		s.countError()
		return errors.New("mqtt not connected")
	}

	payload, err := ev.JSON()
	if err != nil {
		s.countError()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	topic := s.cfg.Topic()
	token := s.client.Publish(topic, s.cfg.QoS, false, payload)
	if err := waitToken(ctx, token, 2*time.Second); err != nil {
		s.countError()
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	s.mu.Lock()
	s.published++
	s.mu.Unlock()
	s.log.Debug("Published %s to %s (%d bytes)", ev.Kind, topic, len(payload))
	return nil
}

// Stats returns delivery counters.
func (s *MQTTSink) Stats() MQTTStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return MQTTStats{Published: s.published, Errors: s.errors, Connected: s.connected}
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	s.setConnected(false)
	s.log.Info("Disconnected")
}

func (s *MQTTSink) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *MQTTSink) isConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *MQTTSink) countError() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}

// waitToken waits for a paho token, the timeout or ctx, whichever is first.
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return errors.New("timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

package liveness

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	startupGracePeriod = 3 * time.Second
	messageMaxAge      = 120 * time.Second
	pubackTimeout      = 30 * time.Second
	maxReconnectTries  = 10
)

// Config governs the MQTT connection and topic namespace for the liveness
// tracker.
type Config struct {
	Broker       string
	Port         int
	ClientID     string
	Username     string
	Password     string
	TopicPrefix  string
}

type inboundEvent struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
	Ts       int64  `json:"ts"`
}

// Tracker subscribes to the fleet's MQTT topics and correlates device
// registration, last-will, and QoS-1 acknowledgement traffic with the
// active-device cache.
type Tracker struct {
	client mqtt.Client
	cache  *ActiveDeviceCache
	echo   *echoSuppressor
	logger *slog.Logger
	cfg    Config

	startedAt time.Time
}

// NewTracker creates a liveness Tracker. Connect must be called to open the
// MQTT connection and begin subscribing.
func NewTracker(cfg Config, cache *ActiveDeviceCache, logger *slog.Logger) *Tracker {
	return &Tracker{
		cache:  cache,
		echo:   newEchoSuppressor(),
		logger: logger,
		cfg:    cfg,
	}
}

// Connect opens the MQTT connection and subscribes to the tracked topics.
// Reconnect attempts after the initial connection are capped at
// maxReconnectTries; beyond that the client gives up and Connected()
// reports false until the process is restarted.
func (t *Tracker) Connect(ctx context.Context) error {
	reconnectAttempts := 0

	broker := t.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = fmt.Sprintf("tcp://%s:%d", broker, t.cfg.Port)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(t.cfg.ClientID).
		SetUsername(t.cfg.Username).
		SetPassword(t.cfg.Password).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetConnectTimeout(10 * time.Second).
		SetConnectionLostHandler(func(client mqtt.Client, err error) {
			t.logger.Warn("liveness: MQTT connection lost", "error", err)
		}).
		SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
			reconnectAttempts++
			if reconnectAttempts > maxReconnectTries {
				t.logger.Error("liveness: exceeded max MQTT reconnect attempts, disconnecting", "attempts", reconnectAttempts)
				go client.Disconnect(0)
			}
		})

	t.client = mqtt.NewClient(opts)
	t.startedAt = time.Now()

	if token := t.client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return fmt.Errorf("connecting to MQTT broker: %w", token.Error())
	}

	topics := map[string]byte{
		t.cfg.TopicPrefix + "/+/active":    1,
		t.cfg.TopicPrefix + "/+/lwt":       1,
		t.cfg.TopicPrefix + "/+/status":    1,
		t.cfg.TopicPrefix + "/+/update":    1,
		t.cfg.TopicPrefix + "/+/milestone": 1,
		t.cfg.TopicPrefix + "/+/alert":     1,
	}
	if token := t.client.SubscribeMultiple(topics, t.handleMessage); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return fmt.Errorf("subscribing to topics: %w", token.Error())
	}

	return nil
}

// Connected reports whether the MQTT client currently holds a live
// connection, satisfying httpserver.MQTTStatus for /health.
func (t *Tracker) Connected() bool {
	return t.client != nil && t.client.IsConnected()
}

// Disconnect closes the MQTT connection gracefully.
func (t *Tracker) Disconnect() {
	if t.client != nil {
		t.client.Disconnect(250)
	}
}

func (t *Tracker) handleMessage(client mqtt.Client, msg mqtt.Message) {
	if msg.Retained() {
		return
	}
	if time.Since(t.startedAt) < startupGracePeriod {
		return
	}

	payload := string(msg.Payload())
	if t.echo.IsEcho(msg.Topic(), payload) {
		return
	}

	var event inboundEvent
	if err := json.Unmarshal(msg.Payload(), &event); err != nil {
		t.logger.Warn("liveness: malformed MQTT payload", "topic", msg.Topic(), "error", err)
		return
	}
	if event.Ts != 0 {
		age := time.Since(time.UnixMilli(event.Ts))
		if age > messageMaxAge {
			return
		}
	}

	deviceID := deviceIDFromTopic(msg.Topic(), t.cfg.TopicPrefix)
	if deviceID == "" {
		return
	}

	ctx := context.Background()
	switch {
	case strings.HasSuffix(msg.Topic(), "/active") && event.Type == "device_registration":
		t.handleRegistration(ctx, deviceID)
	case strings.HasSuffix(msg.Topic(), "/lwt") && event.Type == "un_registration":
		t.handleUnregistration(ctx, deviceID)
	}
}

func (t *Tracker) handleRegistration(ctx context.Context, deviceID string) {
	entry := ActiveEntry{DeviceID: deviceID, LastSeen: time.Now().UnixMilli()}
	if err := t.cache.Upsert(ctx, entry); err != nil {
		t.logger.Warn("liveness: caching active device", "device_id", deviceID, "error", err)
	}
	t.publishAck(deviceID, "registration_ack", map[string]any{
		"success":       true,
		"message":       "registered",
		"deviceId":      deviceID,
		"isNewDevice":   true,
		"serverVersion": "1",
	})
}

func (t *Tracker) handleUnregistration(ctx context.Context, deviceID string) {
	if err := t.cache.Remove(ctx, deviceID); err != nil {
		t.logger.Warn("liveness: evicting active device", "device_id", deviceID, "error", err)
	}
	t.publishAck(deviceID, "unregistration_ack", map[string]any{
		"success":  true,
		"message":  "unregistered",
		"deviceId": deviceID,
	})
}

func (t *Tracker) publishAck(deviceID, suffix string, body map[string]any) {
	if t.client == nil {
		return
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return
	}
	topic := fmt.Sprintf("%s/%s/%s", t.cfg.TopicPrefix, deviceID, suffix)
	t.echo.MarkPublished(topic, string(payload))
	t.client.Publish(topic, 1, false, payload)
}

// PublishTracked publishes a QoS-1 message and tracks its PUBACK. If the
// broker does not acknowledge within pubackTimeout, the device is marked
// inactive and evicted from the active-device cache.
func (t *Tracker) PublishTracked(ctx context.Context, deviceID, topic string, payload []byte) {
	token := t.client.Publish(topic, 1, false, payload)

	go func() {
		ok := token.WaitTimeout(pubackTimeout)
		if ok && token.Error() == nil {
			_ = t.cache.TouchLastSeen(ctx, deviceID, time.Now())
			return
		}
		_ = t.cache.Remove(ctx, deviceID)
	}()
}

func deviceIDFromTopic(topic, prefix string) string {
	trimmed := strings.TrimPrefix(topic, prefix+"/")
	if trimmed == topic {
		return ""
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 {
		return ""
	}
	return parts[0]
}

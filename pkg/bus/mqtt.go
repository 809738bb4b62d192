package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chenBenjamin97/vision-detector/pkg/config"
	"github.com/chenBenjamin97/vision-detector/pkg/detection"
	"github.com/chenBenjamin97/vision-detector/pkg/video"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

//ErrNotConnected is returned while the broker connection is down
var ErrNotConnected = errors.New("mqtt not connected")

//FrameHandler consumes one decoded frame
type FrameHandler func(f video.Frame) error

//Bus receives frames from and publishes detections to an MQTT broker
type Bus struct {
	cfg      config.MQTTConfig
	clientID string
	client   mqtt.Client

	mu        sync.RWMutex
	connected bool
	//handler is subscribed again on every reconnect, the session is clean
	handler FrameHandler

	framesReceived atomic.Uint64
	framesDropped  atomic.Uint64
	published      atomic.Uint64
	errors         atomic.Uint64
}

//Stats contains bus statistics
type Stats struct {
	Connected      bool   `json:"connected"`
	FramesReceived uint64 `json:"frames_received"`
	FramesDropped  uint64 `json:"frames_dropped"`
	Published      uint64 `json:"published"`
	Errors         uint64 `json:"errors"`
}

func New(cfg config.MQTTConfig, clientID string) *Bus {
	if cfg.ClientID != "" {
		clientID = cfg.ClientID
	}
	return &Bus{cfg: cfg, clientID: clientID}
}

//Connect establishes the broker connection. paho reconnects on its own afterwards.
func (b *Bus) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.cfg.Broker)
	opts.SetClientID(b.clientID)
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOrderMatters(true)

	opts.OnConnect = b.onConnect
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		b.setConnected(false)
		slog.Warn("mqtt connection lost, will auto-reconnect", "broker", b.cfg.Broker, "error", err)
	}

	b.client = mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", b.cfg.Broker)

	token := b.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	b.setConnected(true)
	return nil
}

//SubscribeFrames delivers every frame on the frame topic to handler, one at a time.
//The subscription is renewed each time the client reconnects.
func (b *Bus) SubscribeFrames(handler FrameHandler) error {
	if b.client == nil {
		return ErrNotConnected
	}

	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()

	return b.subscribe(b.client, handler)
}

//onConnect runs after the first connect and after every automatic reconnect
func (b *Bus) onConnect(c mqtt.Client) {
	b.setConnected(true)
	slog.Info("mqtt connection established", "broker", b.cfg.Broker, "client_id", b.clientID)

	b.mu.RLock()
	handler := b.handler
	b.mu.RUnlock()

	if handler == nil {
		return
	}
	if err := b.subscribe(c, handler); err != nil {
		b.errors.Add(1)
		slog.Error("could not resubscribe to frames", "topic", b.cfg.FrameTopic, "error", err)
	}
}

func (b *Bus) subscribe(c mqtt.Client, handler FrameHandler) error {
	token := c.Subscribe(b.cfg.FrameTopic, b.cfg.QoS, func(c mqtt.Client, m mqtt.Message) {
		b.dispatch(m, handler)
	})
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("subscribe to %s: timeout", b.cfg.FrameTopic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", b.cfg.FrameTopic, err)
	}

	slog.Info("subscribed to frames", "topic", b.cfg.FrameTopic, "qos", b.cfg.QoS)
	return nil
}

//dispatch decodes one message and runs handler on it. Nothing a single frame does
//can take the subscription down.
func (b *Bus) dispatch(m mqtt.Message, handler FrameHandler) {
	b.framesReceived.Add(1)

	defer func() {
		if r := recover(); r != nil {
			b.errors.Add(1)
			slog.Error("frame handler panicked", "topic", m.Topic(), "panic", r)
		}
	}()

	f, err := video.DecodeFrame(m.Payload())
	if err != nil {
		b.framesDropped.Add(1)
		slog.Warn("dropping undecodable frame", "topic", m.Topic(), "size", len(m.Payload()), "error", err)
		return
	}

	if err := handler(f); err != nil {
		b.errors.Add(1)
		slog.Error("frame failed", "frame_seq", f.Seq, "error", err)
	}
}

//Publish sends a detection message as JSON on the detection topic
func (b *Bus) Publish(msg detection.Message) error {
	if !b.isConnected() {
		b.errors.Add(1)
		return ErrNotConnected
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		b.errors.Add(1)
		return fmt.Errorf("failed to marshal detections: %w", err)
	}

	token := b.client.Publish(b.cfg.DetectionTopic, b.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		b.errors.Add(1)
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		b.errors.Add(1)
		return fmt.Errorf("publish failed: %w", err)
	}

	b.published.Add(1)
	slog.Debug("detections published", "topic", b.cfg.DetectionTopic, "objects", msg.Objects, "size", len(payload))
	return nil
}

//Disconnect closes the broker connection
func (b *Bus) Disconnect() {
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
		slog.Info("mqtt disconnected")
	}
	b.setConnected(false)
}

func (b *Bus) Stats() Stats {
	return Stats{
		Connected:      b.isConnected(),
		FramesReceived: b.framesReceived.Load(),
		FramesDropped:  b.framesDropped.Load(),
		Published:      b.published.Load(),
		Errors:         b.errors.Load(),
	}
}

func (b *Bus) setConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
}

func (b *Bus) isConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

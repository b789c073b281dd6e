// Package mqtt publishes Arlo devices to Home Assistant over MQTT. It
// defines the Publisher interface and includes both a StubPublisher (no-op)
// and a full HAPublisher that connects to a broker, publishes HA
// auto-discovery configs per device, relays command topics to the cloud
// client, and forwards state changes from the EventBus.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/trymwestin/arlo/internal/core/state"
)

// ---------------------------------------------------------------------------
// Publisher interface
// ---------------------------------------------------------------------------

// Publisher sends events and state to an MQTT broker.
type Publisher interface {
	// Start begins publishing events from the event bus.
	Start(ctx context.Context) error
	// Stop shuts down the publisher.
	Stop(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// StubPublisher (no-op, used when MQTT is disabled)
// ---------------------------------------------------------------------------

// StubPublisher is a no-op publisher for when MQTT is not configured.
type StubPublisher struct {
	log *slog.Logger
}

// NewStubPublisher creates a no-op MQTT publisher.
func NewStubPublisher(log *slog.Logger) *StubPublisher {
	return &StubPublisher{log: log}
}

// Start is a no-op.
func (s *StubPublisher) Start(_ context.Context) error {
	s.log.Info("MQTT publisher disabled (stub)")
	return nil
}

// Stop is a no-op.
func (s *StubPublisher) Stop(_ context.Context) error {
	return nil
}

var _ Publisher = (*StubPublisher)(nil)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config holds MQTT publisher configuration.
type Config struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// ---------------------------------------------------------------------------
// DeviceCommander – abstraction over cloud client control methods
// ---------------------------------------------------------------------------

// DeviceCommander sends commands to devices without importing the client
// package directly.
type DeviceCommander interface {
	Arm(ctx context.Context, bs state.Device) error
	Disarm(ctx context.Context, bs state.Device) error
	SetBrightness(ctx context.Context, camera state.Device, level int) error
	SetPower(ctx context.Context, camera state.Device, on bool) error
}

// ---------------------------------------------------------------------------
// HAPublisher – full Home Assistant MQTT implementation
// ---------------------------------------------------------------------------

var _ Publisher = (*HAPublisher)(nil)

// HAPublisher publishes Home Assistant auto-discovery configs, subscribes to
// command topics and relays commands to the cloud client, and forwards state
// updates from the EventBus.
type HAPublisher struct {
	cfg       Config
	commander DeviceCommander
	devices   state.DeviceReader
	bus       *state.EventBus
	log       *slog.Logger

	client pahomqtt.Client

	unsub func() // EventBus unsubscribe
	stopC chan struct{}
	wg    sync.WaitGroup
}

// NewHAPublisher creates a new Home Assistant MQTT publisher.
func NewHAPublisher(cfg Config, commander DeviceCommander, devices state.DeviceReader, bus *state.EventBus, log *slog.Logger) *HAPublisher {
	return &HAPublisher{
		cfg:       cfg,
		commander: commander,
		devices:   devices,
		bus:       bus,
		log:       log,
		stopC:     make(chan struct{}),
	}
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

// Start connects to the MQTT broker, publishes discovery configs, subscribes
// to command topics, and starts listening on the EventBus.
func (p *HAPublisher) Start(_ context.Context) error {
	availTopic := p.topic("status")

	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(p.cfg.ClientID).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(availTopic, "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.log.Info("MQTT connected, publishing discovery and state")
			p.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.log.Warn("MQTT connection lost", "error", err)
		})

	p.client = pahomqtt.NewClient(opts)

	token := p.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	evtCh, unsub := p.bus.Subscribe(128)
	p.unsub = unsub

	p.wg.Add(1)
	go p.eventLoop(evtCh)

	p.log.Info("MQTT publisher started", "broker", p.cfg.Broker)
	return nil
}

// Stop gracefully disconnects from the MQTT broker and stops the event loop.
func (p *HAPublisher) Stop(_ context.Context) error {
	p.log.Info("MQTT publisher stopping")

	close(p.stopC)

	if p.unsub != nil {
		p.unsub()
	}

	p.wg.Wait()

	if p.client != nil && p.client.IsConnected() {
		p.publish(p.topic("status"), "offline", true)
		p.client.Disconnect(1000)
	}
	p.log.Info("MQTT publisher stopped")
	return nil
}

// ---------------------------------------------------------------------------
// onConnect – called on every (re)connect
// ---------------------------------------------------------------------------

func (p *HAPublisher) onConnect() {
	p.publish(p.topic("status"), "online", true)

	p.publishDiscovery()
	p.subscribeCommands()

	// HA birth topic: re-publish discovery when Home Assistant restarts.
	p.client.Subscribe("homeassistant/status", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if string(msg.Payload()) == "online" {
			p.log.Info("Home Assistant came online, re-publishing discovery")
			p.publishDiscovery()
		}
	})
}

// ---------------------------------------------------------------------------
// Discovery configs
// ---------------------------------------------------------------------------

func discoveryTopic(component, deviceID, objectID string) string {
	return fmt.Sprintf("homeassistant/%s/%s_%s/config", component, deviceID, objectID)
}

// deviceInfo returns the shared HA device block for one Arlo device.
func (p *HAPublisher) deviceInfo(d state.Device) map[string]interface{} {
	return map[string]interface{}{
		"identifiers":  []string{d.DeviceID},
		"name":         d.DeviceName,
		"manufacturer": "Arlo",
		"model":        d.Properties.ModelID,
	}
}

func (p *HAPublisher) publishDiscovery() {
	avail := map[string]interface{}{
		"topic": p.topic("status"),
	}

	for _, d := range p.devices.Devices() {
		dev := p.deviceInfo(d)

		switch d.DeviceType {
		case state.DeviceBasestation:
			p.publishDiscoveryConfig("switch", d.DeviceID, "armed", map[string]interface{}{
				"name":          fmt.Sprintf("%s Armed", d.DeviceName),
				"unique_id":     fmt.Sprintf("%s_armed", d.DeviceID),
				"state_topic":   p.deviceTopic(d.DeviceID, "armed/state"),
				"command_topic": p.deviceTopic(d.DeviceID, "armed/set"),
				"payload_on":    "ON",
				"payload_off":   "OFF",
				"device":        dev,
				"availability":  avail,
			})

			p.publishDiscoveryConfig("binary_sensor", d.DeviceID, "connection", map[string]interface{}{
				"name":         fmt.Sprintf("%s Connection", d.DeviceName),
				"unique_id":    fmt.Sprintf("%s_connection", d.DeviceID),
				"state_topic":  p.deviceTopic(d.DeviceID, "connection/state"),
				"device_class": "connectivity",
				"payload_on":   "ON",
				"payload_off":  "OFF",
				"device":       dev,
				"availability": avail,
			})

		case state.DeviceCamera, state.DeviceDoorbell:
			p.publishDiscoveryConfig("switch", d.DeviceID, "power", map[string]interface{}{
				"name":          fmt.Sprintf("%s Power", d.DeviceName),
				"unique_id":     fmt.Sprintf("%s_power", d.DeviceID),
				"state_topic":   p.deviceTopic(d.DeviceID, "power/state"),
				"command_topic": p.deviceTopic(d.DeviceID, "power/set"),
				"payload_on":    "ON",
				"payload_off":   "OFF",
				"device":        dev,
				"availability":  avail,
			})

			p.publishDiscoveryConfig("number", d.DeviceID, "brightness", map[string]interface{}{
				"name":          fmt.Sprintf("%s Brightness", d.DeviceName),
				"unique_id":     fmt.Sprintf("%s_brightness", d.DeviceID),
				"state_topic":   p.deviceTopic(d.DeviceID, "brightness/state"),
				"command_topic": p.deviceTopic(d.DeviceID, "brightness/set"),
				"min":           -2,
				"max":           2,
				"step":          1,
				"mode":          "slider",
				"device":        dev,
				"availability":  avail,
			})
		}
	}
}

func (p *HAPublisher) publishDiscoveryConfig(component, deviceID, objectID string, payload map[string]interface{}) {
	topic := discoveryTopic(component, deviceID, objectID)
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("failed to marshal discovery config", "component", component, "object_id", objectID, "error", err)
		return
	}
	p.publish(topic, string(data), true)
}

// ---------------------------------------------------------------------------
// Command subscriptions
// ---------------------------------------------------------------------------

func (p *HAPublisher) subscribeCommands() {
	for _, d := range p.devices.Devices() {
		switch d.DeviceType {
		case state.DeviceBasestation:
			p.subscribe(p.deviceTopic(d.DeviceID, "armed/set"), p.armedHandler(d))
		case state.DeviceCamera, state.DeviceDoorbell:
			p.subscribe(p.deviceTopic(d.DeviceID, "power/set"), p.powerHandler(d))
			p.subscribe(p.deviceTopic(d.DeviceID, "brightness/set"), p.brightnessHandler(d))
		}
	}
}

func (p *HAPublisher) subscribe(topic string, handler pahomqtt.MessageHandler) {
	token := p.client.Subscribe(topic, 1, handler)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("failed to subscribe to command topic", "topic", topic, "error", err)
	}
}

func (p *HAPublisher) armedHandler(d state.Device) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		arm := strings.EqualFold(strings.TrimSpace(string(msg.Payload())), "ON")
		p.log.Info("MQTT command: armed", "basestation", d.DeviceID, "arm", arm)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var err error
		if arm {
			err = p.commander.Arm(ctx, d)
		} else {
			err = p.commander.Disarm(ctx, d)
		}
		if err != nil {
			p.log.Error("failed to set armed mode", "basestation", d.DeviceID, "error", err)
			return
		}
		p.publish(p.deviceTopic(d.DeviceID, "armed/state"), boolToOnOff(arm), true)
	}
}

func (p *HAPublisher) powerHandler(d state.Device) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		on := strings.EqualFold(strings.TrimSpace(string(msg.Payload())), "ON")
		p.log.Info("MQTT command: power", "camera", d.DeviceID, "on", on)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.commander.SetPower(ctx, d, on); err != nil {
			p.log.Error("failed to set power", "camera", d.DeviceID, "error", err)
			return
		}
		p.publish(p.deviceTopic(d.DeviceID, "power/state"), boolToOnOff(on), true)
	}
}

func (p *HAPublisher) brightnessHandler(d state.Device) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		raw := strings.TrimSpace(string(msg.Payload()))
		level, err := strconv.Atoi(raw)
		if err != nil {
			p.log.Error("invalid brightness value", "payload", raw, "error", err)
			return
		}
		p.log.Info("MQTT command: brightness", "camera", d.DeviceID, "level", level)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.commander.SetBrightness(ctx, d, level); err != nil {
			p.log.Error("failed to set brightness", "camera", d.DeviceID, "error", err)
			return
		}
		p.publish(p.deviceTopic(d.DeviceID, "brightness/state"), raw, true)
	}
}

// ---------------------------------------------------------------------------
// EventBus loop
// ---------------------------------------------------------------------------

func (p *HAPublisher) eventLoop(ch <-chan state.Event) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopC:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			p.handleEvent(evt)
		}
	}
}

func (p *HAPublisher) handleEvent(evt state.Event) {
	switch evt.Type {
	case state.EventStreamOpened:
		p.publish(p.deviceTopic(evt.DeviceID, "connection/state"), "ON", true)

	case state.EventStreamClosed:
		p.publish(p.deviceTopic(evt.DeviceID, "connection/state"), "OFF", true)

	case state.EventDeviceUpdate:
		// New listing snapshot: devices may have appeared.
		p.publishDiscovery()
		p.subscribeCommands()

	case state.EventDeviceRenamed:
		p.publishDiscovery()

	case state.EventPropertyUpdate:
		p.handlePropertyUpdate(evt)
	}
}

// handlePropertyUpdate relays device-pushed property changes to the matching
// state topics.
func (p *HAPublisher) handlePropertyUpdate(evt state.Event) {
	raw, ok := evt.Data.(json.RawMessage)
	if !ok {
		return
	}
	var payload struct {
		Properties struct {
			Active        *string `json:"active"`
			Brightness    *int    `json:"brightness"`
			PrivacyActive *bool   `json:"privacyActive"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		p.log.Debug("unparseable property update", "error", err)
		return
	}

	if payload.Properties.Active != nil {
		armed := *payload.Properties.Active != "mode0"
		p.publish(p.deviceTopic(evt.DeviceID, "armed/state"), boolToOnOff(armed), true)
	}
	if payload.Properties.Brightness != nil {
		p.publish(p.deviceTopic(evt.DeviceID, "brightness/state"), strconv.Itoa(*payload.Properties.Brightness), true)
	}
	if payload.Properties.PrivacyActive != nil {
		p.publish(p.deviceTopic(evt.DeviceID, "power/state"), boolToOnOff(!*payload.Properties.PrivacyActive), true)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// topic builds a full topic path: {prefix}/{suffix}.
func (p *HAPublisher) topic(suffix string) string {
	return fmt.Sprintf("%s/%s", p.cfg.TopicPrefix, suffix)
}

// deviceTopic builds a per-device topic path: {prefix}/{device_id}/{suffix}.
func (p *HAPublisher) deviceTopic(deviceID, suffix string) string {
	return fmt.Sprintf("%s/%s/%s", p.cfg.TopicPrefix, deviceID, suffix)
}

// publish is a convenience wrapper that publishes a message and logs errors.
func (p *HAPublisher) publish(topic, payload string, retained bool) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	token := p.client.Publish(topic, 1, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("mqtt publish failed", "topic", topic, "error", err)
	}
}

func boolToOnOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

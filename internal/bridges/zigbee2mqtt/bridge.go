package zigbee2mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/mqtt"
)

// Command modes accepted by HandleCommand.
const (
	ModeSet = "set"
	ModeGet = "get"
)

// coordinatorType is the device type zigbee2mqtt reports for the coordinator.
const coordinatorType = "Coordinator"

// ieeePrefix marks a topic segment that is already an IEEE address.
const ieeePrefix = "0x"

// Bridge translates between zigbee2mqtt topics and the hub.
// It handles:
//   - The retained device list, kept as a friendly name to IEEE address map
//   - Device state messages, forwarded to the engine keyed by IEEE address
//   - Outgoing device commands from rules and from the backend
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	mqtt     MQTTClient
	topics   mqtt.Topics
	qos      byte
	ingester StateIngester

	// friendly name -> IEEE address, and the reverse
	byName    map[string]string
	byIEEE    map[string]string
	devices   []Device
	mappingMu sync.RWMutex

	onState     StateListener
	onDiscovery DiscoveryListener
	listenerMu  sync.RWMutex

	started  bool
	startMu  sync.Mutex
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// MQTTClient is the subset of the MQTT client the bridge needs.
// *mqtt.Client satisfies it.
type MQTTClient interface {
	// Publish sends a message to a topic and waits for the broker.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// PublishAsync queues a message without waiting for the broker.
	PublishAsync(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// StateIngester receives partial device state keyed by IEEE address.
// *automation.Engine satisfies it.
type StateIngester interface {
	Ingest(deviceID string, partial map[string]any)
}

// StateListener is called after a device state update has been ingested.
type StateListener func(ieeeAddress string, state map[string]any)

// DiscoveryListener is called with the device list after every bridge
// device announcement.
type DiscoveryListener func(devices []Device)

// Logger is the logging interface used by the bridge.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Device is one entry of the discovery list reported to the backend.
type Device struct {
	IEEEAddress  string          `json:"ieee_address"`
	FriendlyName string          `json:"friendly_name"`
	Model        string          `json:"model"`
	Vendor       string          `json:"vendor"`
	Description  string          `json:"description"`
	Exposes      json.RawMessage `json:"exposes"`
}

// bridgeDevice is the shape of one element of <base>/bridge/devices.
type bridgeDevice struct {
	IEEEAddress  string `json:"ieee_address"`
	FriendlyName string `json:"friendly_name"`
	Type         string `json:"type"`
	Definition   *struct {
		Model       string          `json:"model"`
		Vendor      string          `json:"vendor"`
		Description string          `json:"description"`
		Exposes     json.RawMessage `json:"exposes"`
	} `json:"definition"`
}

// Options holds configuration for creating a bridge.
type Options struct {
	// MQTT is the broker connection.
	MQTT MQTTClient

	// BaseTopic is the zigbee2mqtt base topic (usually "zigbee2mqtt").
	BaseTopic string

	// QoS is used for subscriptions and command publishes.
	QoS byte

	// Ingester receives device state. Usually the rule engine.
	Ingester StateIngester

	// Logger is optional structured logger.
	Logger Logger
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts Options) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Ingester == nil {
		return nil, fmt.Errorf("state ingester is required")
	}
	if opts.BaseTopic == "" || strings.ContainsAny(opts.BaseTopic, "#+") {
		return nil, fmt.Errorf("invalid base topic %q", opts.BaseTopic)
	}

	return &Bridge{
		mqtt:     opts.MQTT,
		topics:   mqtt.Topics{Base: opts.BaseTopic},
		qos:      opts.QoS,
		ingester: opts.Ingester,
		byName:   make(map[string]string),
		byIEEE:   make(map[string]string),
		logger:   opts.Logger,
	}, nil
}

// Start subscribes to the device list and to every device state topic.
func (b *Bridge) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.startMu.Lock()
	defer b.startMu.Unlock()
	if b.started {
		return nil
	}

	if err := b.mqtt.Subscribe(b.topics.BridgeDevices(), b.qos, b.handleDevices); err != nil {
		return fmt.Errorf("subscribe to device list: %w", err)
	}
	b.logInfo("subscribed to device list", "topic", b.topics.BridgeDevices())

	if err := b.mqtt.Subscribe(b.topics.All(), b.qos, b.handleState); err != nil {
		return fmt.Errorf("subscribe to device state: %w", err)
	}
	b.logInfo("subscribed to device state", "topic", b.topics.All())

	b.started = true
	b.logInfo("zigbee2mqtt bridge started", "base_topic", b.topics.Base)
	return nil
}

// Stop marks the bridge stopped. Subscriptions are released when the MQTT
// client closes.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.startMu.Lock()
		b.started = false
		b.startMu.Unlock()
		b.logInfo("zigbee2mqtt bridge stopped")
	})
}

// SetStateListener registers fn to receive every ingested state update.
func (b *Bridge) SetStateListener(fn StateListener) {
	b.listenerMu.Lock()
	defer b.listenerMu.Unlock()
	b.onState = fn
}

// SetDiscoveryListener registers fn to receive every device list.
func (b *Bridge) SetDiscoveryListener(fn DiscoveryListener) {
	b.listenerMu.Lock()
	defer b.listenerMu.Unlock()
	b.onDiscovery = fn
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	defer b.loggerMu.Unlock()
	b.logger = logger
}

// Devices returns a copy of the last discovery list.
func (b *Bridge) Devices() []Device {
	b.mappingMu.RLock()
	defer b.mappingMu.RUnlock()
	out := make([]Device, len(b.devices))
	copy(out, b.devices)
	return out
}

// ResolveIEEE returns the IEEE address for a friendly name.
func (b *Bridge) ResolveIEEE(friendlyName string) (string, bool) {
	b.mappingMu.RLock()
	defer b.mappingMu.RUnlock()
	ieee, ok := b.byName[friendlyName]
	return ieee, ok
}

// FriendlyName returns the friendly name for an IEEE address, or the
// address itself when the device is not in the discovery list.
func (b *Bridge) FriendlyName(ieeeAddress string) string {
	b.mappingMu.RLock()
	defer b.mappingMu.RUnlock()
	if name, ok := b.byIEEE[ieeeAddress]; ok {
		return name
	}
	return ieeeAddress
}

// Publish sends command to the device identified by deviceID (an IEEE
// address) on its "/set" topic. It returns once the message is queued by
// the MQTT client and never waits for the broker acknowledgement.
func (b *Bridge) Publish(ctx context.Context, deviceID string, command map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if deviceID == "" {
		return ErrEmptyDevice
	}

	payload, err := json.Marshal(command)
	if err != nil {
		return fmt.Errorf("encoding command for %s: %w", deviceID, err)
	}

	topic := b.topics.DeviceSet(b.FriendlyName(deviceID))
	if err := b.mqtt.PublishAsync(topic, payload, b.qos, false); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	b.logDebug("command published", "topic", topic, "device", deviceID)
	return nil
}

// HandleCommand publishes a command addressed by friendly name to
// <base>/<friendly>/<mode>. A "get" without a command requests the
// device's state.
func (b *Bridge) HandleCommand(friendlyName string, command map[string]any, mode string) error {
	if friendlyName == "" {
		return ErrEmptyDevice
	}
	if mode == "" {
		mode = ModeSet
	}
	if mode != ModeSet && mode != ModeGet {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	if len(command) == 0 {
		if mode == ModeGet {
			command = map[string]any{"state": ""}
		} else {
			command = map[string]any{}
		}
	}

	payload, err := json.Marshal(command)
	if err != nil {
		return fmt.Errorf("encoding command for %s: %w", friendlyName, err)
	}

	topic := b.topics.DeviceCommand(friendlyName, mode)
	if err := b.mqtt.Publish(topic, payload, b.qos, false); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	b.logInfo("device command published", "topic", topic)
	return nil
}

// handleDevices processes the retained <base>/bridge/devices list.
func (b *Bridge) handleDevices(_ string, payload []byte) error {
	var raw []bridgeDevice
	if err := json.Unmarshal(payload, &raw); err != nil {
		return fmt.Errorf("%w: device list: %v", ErrInvalidPayload, err)
	}

	byName := make(map[string]string, len(raw))
	byIEEE := make(map[string]string, len(raw))
	devices := make([]Device, 0, len(raw))

	for _, d := range raw {
		if d.FriendlyName != "" && d.IEEEAddress != "" {
			byName[d.FriendlyName] = d.IEEEAddress
			byIEEE[d.IEEEAddress] = d.FriendlyName
		}
		if d.Type == coordinatorType {
			continue
		}

		dev := Device{
			IEEEAddress:  d.IEEEAddress,
			FriendlyName: d.FriendlyName,
			Exposes:      json.RawMessage("[]"),
		}
		if d.Definition != nil {
			dev.Model = d.Definition.Model
			dev.Vendor = d.Definition.Vendor
			dev.Description = d.Definition.Description
			if len(d.Definition.Exposes) > 0 && string(d.Definition.Exposes) != "null" {
				dev.Exposes = d.Definition.Exposes
			}
		}
		devices = append(devices, dev)
	}

	b.mappingMu.Lock()
	b.byName = byName
	b.byIEEE = byIEEE
	b.devices = devices
	b.mappingMu.Unlock()

	b.logInfo("device list updated", "devices", len(devices))

	b.listenerMu.RLock()
	fn := b.onDiscovery
	b.listenerMu.RUnlock()
	if fn != nil {
		out := make([]Device, len(devices))
		copy(out, devices)
		fn(out)
	}
	return nil
}

// handleState processes a message on <base>/#. Only plain device topics
// carrying a JSON object are treated as state.
func (b *Bridge) handleState(topic string, payload []byte) error {
	friendly, ok := b.topics.ParseDeviceState(topic)
	if !ok {
		return nil
	}

	ieee, known := b.ResolveIEEE(friendly)
	if !known {
		if !strings.HasPrefix(friendly, ieeePrefix) {
			b.logWarn("state for unknown device dropped", "friendly_name", friendly)
			return nil
		}
		ieee = friendly
	}

	var state map[string]any
	if err := json.Unmarshal(payload, &state); err != nil || state == nil {
		b.logDebug("non-object state payload dropped", "topic", topic)
		return nil
	}

	b.ingester.Ingest(ieee, state)

	b.listenerMu.RLock()
	fn := b.onState
	b.listenerMu.RUnlock()
	if fn != nil {
		fn(ieee, state)
	}
	return nil
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

// logInfo logs an info message if logger is set.
func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logWarn logs a warning if logger is set.
func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

// logDebug logs a debug message if logger is set.
func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

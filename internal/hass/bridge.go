package hass

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/frostbridge/frostbridge/internal/cache"
	"github.com/frostbridge/frostbridge/internal/coordinator"
	"github.com/frostbridge/frostbridge/internal/liebherr"
)

// Broker is the MQTT session the bridge publishes through. Satisfied by
// mqttConn; tests substitute a recorder.
type Broker interface {
	Publish(topic string, payload []byte, retained bool) error
	Subscribe(topic string, cb func([]byte)) (func(), error)
	Close()
}

// Commander is the coordinator surface the bridge drives.
type Commander interface {
	SubmitCommand(ctx context.Context, cmd coordinator.Command) error
	AddListener(fn coordinator.Listener) func()
}

// NotificationSource polls and acknowledges vendor alarm notifications.
type NotificationSource interface {
	Notifications(ctx context.Context) ([]liebherr.Notification, error)
	AcknowledgeNotification(ctx context.Context, deviceID, notificationID string) error
}

// Config shapes the MQTT topic layout.
type Config struct {
	Broker          BrokerConfig
	TopicPrefix     string
	DiscoveryPrefix string
	CommandTimeout  time.Duration
	// NotificationInterval is how often vendor alarms are polled; zero
	// disables the poller.
	NotificationInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.TopicPrefix == "" {
		c.TopicPrefix = "frostbridge"
	}
	if c.DiscoveryPrefix == "" {
		c.DiscoveryPrefix = "homeassistant"
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 30 * time.Second
	}
}

// Bridge mirrors the device cache into Home Assistant MQTT discovery
// entities and forwards command topic writes to the coordinator.
type Bridge struct {
	broker        Broker
	store         *cache.Store
	commander     Commander
	notifications NotificationSource
	log           *slog.Logger
	topics        topics
	cmdTimeout    time.Duration
	notifyEvery   time.Duration

	mu        sync.Mutex
	announced map[string][]entity
	unsubs    []func()
	removeLis func()

	stop     chan struct{}
	stopOnce sync.Once
	done     sync.WaitGroup
}

func NewBridge(broker Broker, store *cache.Store, commander Commander, notifications NotificationSource, log *slog.Logger, cfg Config) *Bridge {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		broker:        broker,
		store:         store,
		commander:     commander,
		notifications: notifications,
		log:           log,
		topics:        topics{prefix: cfg.TopicPrefix, discoveryPrefix: cfg.DiscoveryPrefix},
		cmdTimeout:    cfg.CommandTimeout,
		notifyEvery:   cfg.NotificationInterval,
		announced:     make(map[string][]entity),
		stop:          make(chan struct{}),
	}
}

// Start announces already-known devices, hooks cache change notifications,
// and begins the notification poller.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.broker.Publish(b.topics.bridgeAvailability(), []byte(payloadOnline), true); err != nil {
		return fmt.Errorf("announce bridge: %w", err)
	}

	for _, state := range b.store.All() {
		b.syncDevice(state.Appliance.DeviceID)
	}

	b.mu.Lock()
	b.removeLis = b.commander.AddListener(func(deviceID string) {
		b.syncDevice(deviceID)
	})
	b.mu.Unlock()

	if b.notifications != nil && b.notifyEvery > 0 {
		b.done.Add(1)
		go b.pollNotifications(ctx)
	}
	return nil
}

// Close detaches from the coordinator and marks the bridge offline. The
// broker session itself is owned by the caller.
func (b *Bridge) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.done.Wait()

	b.mu.Lock()
	if b.removeLis != nil {
		b.removeLis()
		b.removeLis = nil
	}
	unsubs := b.unsubs
	b.unsubs = nil
	b.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	_ = b.broker.Publish(b.topics.bridgeAvailability(), []byte(payloadOffline), true)
}

// syncDevice publishes availability and entity states for one device,
// announcing discovery configs the first time the device is seen.
func (b *Bridge) syncDevice(deviceID string) {
	state, ok := b.store.Get(deviceID)
	if !ok {
		return
	}

	b.mu.Lock()
	ents, known := b.announced[deviceID]
	if !known {
		ents = entities(b.topics, state)
		b.announced[deviceID] = ents
	}
	b.mu.Unlock()

	if !known {
		b.announce(deviceID, ents)
	}

	avty := payloadOnline
	if state.Unreachable {
		avty = payloadOffline
	}
	b.publish(b.topics.availability(deviceID), []byte(avty), true)

	for _, ent := range ents {
		value, ok := entityState(ent, state)
		if !ok {
			continue
		}
		b.publish(b.topics.state(deviceID, ent.objectID), []byte(value), true)
	}
}

func (b *Bridge) announce(deviceID string, ents []entity) {
	for _, ent := range ents {
		payload, err := json.Marshal(ent.config)
		if err != nil {
			b.log.Error("marshal discovery config", "device_id", deviceID, "object_id", ent.objectID, "err", err)
			continue
		}
		b.publish(b.topics.discovery(ent.component, deviceID, ent.objectID), payload, true)

		if ent.config.CommandTopic == "" {
			continue
		}
		ent := ent
		unsub, err := b.broker.Subscribe(ent.config.CommandTopic, func(payload []byte) {
			b.handleCommand(deviceID, ent, payload)
		})
		if err != nil {
			b.log.Error("subscribe command topic", "topic", ent.config.CommandTopic, "err", err)
			continue
		}
		b.mu.Lock()
		b.unsubs = append(b.unsubs, unsub)
		b.mu.Unlock()
	}
	b.log.Info("announced device", "device_id", deviceID, "entities", len(ents))
}

func (b *Bridge) handleCommand(deviceID string, ent entity, payload []byte) {
	cmd, err := commandFor(deviceID, ent, string(payload))
	if err != nil {
		b.log.Warn("rejected command payload", "topic", ent.config.CommandTopic, "payload", string(payload), "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.cmdTimeout)
	defer cancel()
	if err := b.commander.SubmitCommand(ctx, cmd); err != nil {
		// The coordinator already reverted the cache and re-notified, so
		// the UI snaps back on its own.
		b.log.Warn("command failed", "device_id", deviceID, "control", cmd.Control, "err", err)
	}
}

// commandFor parses an entity command payload into a coordinator command.
func commandFor(deviceID string, ent entity, payload string) (coordinator.Command, error) {
	name, zoneID, err := splitControlKey(ent.controlKey)
	if err != nil {
		return coordinator.Command{}, err
	}
	cmd := coordinator.Command{DeviceID: deviceID, Control: name, ZoneID: zoneID}

	switch ent.component {
	case "number":
		target, err := strconv.ParseFloat(strings.TrimSpace(payload), 64)
		if err != nil {
			return coordinator.Command{}, fmt.Errorf("parse target %q: %w", payload, err)
		}
		cmd.Target = &target
	case "switch":
		switch strings.ToUpper(strings.TrimSpace(payload)) {
		case "ON":
			on := true
			cmd.Enabled = &on
		case "OFF":
			off := false
			cmd.Enabled = &off
		default:
			return coordinator.Command{}, fmt.Errorf("payload %q is not ON/OFF", payload)
		}
	case "select":
		mode := strings.TrimSpace(payload)
		if mode == "" {
			return coordinator.Command{}, fmt.Errorf("empty mode")
		}
		cmd.Mode = &mode
	default:
		return coordinator.Command{}, fmt.Errorf("component %q is read only", ent.component)
	}
	return cmd, nil
}

func splitControlKey(key string) (name string, zoneID *int, err error) {
	name, zone, found := strings.Cut(key, "/")
	if !found {
		return name, nil, nil
	}
	id, err := strconv.Atoi(zone)
	if err != nil {
		return "", nil, fmt.Errorf("control key %q has a bad zone: %w", key, err)
	}
	return name, &id, nil
}

// entityState renders the published state for one entity from the cached
// control values.
func entityState(ent entity, state cache.DeviceState) (string, bool) {
	control := state.Control(ent.controlKey)
	if control == nil {
		return "", false
	}

	switch ent.component {
	case "sensor":
		if control.Kind() == liebherr.KindAutoDoorControl {
			if control.DoorState == "" {
				return "", false
			}
			return control.DoorState, true
		}
		if control.Current == nil {
			return "", false
		}
		return strconv.FormatFloat(*control.Current, 'f', -1, 64), true
	case "number":
		if control.Target == nil {
			return "", false
		}
		return strconv.FormatFloat(*control.Target, 'f', -1, 64), true
	case "switch":
		if control.Value == nil {
			return "", false
		}
		if *control.Value {
			return "ON", true
		}
		return "OFF", true
	case "select":
		if control.CurrentMode == "" {
			return "", false
		}
		return control.CurrentMode, true
	default:
		return "", false
	}
}

// pollNotifications surfaces unacknowledged vendor alarms as event topic
// publishes and acknowledges them upstream so they fire once.
func (b *Bridge) pollNotifications(ctx context.Context) {
	defer b.done.Done()

	ticker := time.NewTicker(b.notifyEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case <-ticker.C:
		}
		b.publishNotifications(ctx)
	}
}

func (b *Bridge) publishNotifications(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, b.cmdTimeout)
	notes, err := b.notifications.Notifications(reqCtx)
	cancel()
	if err != nil {
		b.log.Warn("poll notifications", "err", err)
		return
	}

	for _, note := range notes {
		if note.IsAcknowledged {
			continue
		}
		payload, err := json.Marshal(map[string]string{
			"type":      note.NotificationType,
			"device_id": note.DeviceID,
			"time":      note.CreatedAt,
		})
		if err != nil {
			continue
		}
		b.publish(b.topics.event(note.DeviceID), payload, false)
		notificationsSeen.WithLabelValues(note.NotificationType).Inc()

		ackCtx, cancel := context.WithTimeout(ctx, b.cmdTimeout)
		err = b.notifications.AcknowledgeNotification(ackCtx, note.DeviceID, note.NotificationID)
		cancel()
		if err != nil {
			b.log.Warn("acknowledge notification", "notification_id", note.NotificationID, "err", err)
		}
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	if err := b.broker.Publish(topic, payload, retained); err != nil {
		b.log.Warn("mqtt publish failed", "topic", topic, "err", err)
	}
}

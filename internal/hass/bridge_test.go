package hass

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/frostbridge/frostbridge/internal/cache"
	"github.com/frostbridge/frostbridge/internal/coordinator"
	"github.com/frostbridge/frostbridge/internal/liebherr"
)

type published struct {
	topic    string
	payload  string
	retained bool
}

type fakeBroker struct {
	mu        sync.Mutex
	messages  []published
	callbacks map[string]func([]byte)
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{callbacks: make(map[string]func([]byte))}
}

func (f *fakeBroker) Publish(topic string, payload []byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, published{topic: topic, payload: string(payload), retained: retained})
	return nil
}

func (f *fakeBroker) Subscribe(topic string, cb func([]byte)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks[topic] = cb
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.callbacks, topic)
	}, nil
}

func (f *fakeBroker) Close() {}

func (f *fakeBroker) deliver(t *testing.T, topic string, payload string) {
	t.Helper()
	f.mu.Lock()
	cb := f.callbacks[topic]
	f.mu.Unlock()
	if cb == nil {
		t.Fatalf("no subscriber on %q", topic)
	}
	cb([]byte(payload))
}

func (f *fakeBroker) byTopic(topic string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, m := range f.messages {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeBroker) topicsMatching(substr string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.messages {
		if strings.Contains(m.topic, substr) {
			out = append(out, m.topic)
		}
	}
	return out
}

type fakeCommander struct {
	mu        sync.Mutex
	commands  []coordinator.Command
	submitErr error
	listener  coordinator.Listener
}

func (f *fakeCommander) SubmitCommand(ctx context.Context, cmd coordinator.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	return f.submitErr
}

func (f *fakeCommander) AddListener(fn coordinator.Listener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = fn
	return func() {}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func iptr(v int) *int         { return &v }
func fptr(v float64) *float64 { return &v }
func bptr(v bool) *bool       { return &v }

func seedStore(t *testing.T) *cache.Store {
	t.Helper()
	store := cache.NewStore()
	store.Upsert("dev-1", cache.DeviceState{
		Appliance: liebherr.Appliance{
			DeviceID:   "dev-1",
			DeviceName: "CBNes 5778",
			Nickname:   "Kitchen Fridge",
			DeviceType: liebherr.TypeCombi,
		},
		Controls: []liebherr.Control{
			{
				Type:    liebherr.ControlTemperature,
				Name:    "fridge",
				ZoneID:  iptr(1),
				Unit:    "C",
				Current: fptr(4.5),
				Target:  fptr(5),
				Min:     fptr(2),
				Max:     fptr(9),
			},
			{
				Type:   liebherr.ControlToggle,
				Name:   "supercool",
				ZoneID: iptr(1),
				Value:  bptr(false),
			},
			{
				Type:           liebherr.ControlMode,
				Name:           "biofreshplus",
				CurrentMode:    "standard",
				SupportedModes: []string{"standard", "fish"},
			},
		},
		Fresh: true,
	}, 1)
	return store
}

func newTestBridge(t *testing.T) (*Bridge, *fakeBroker, *fakeCommander, *cache.Store) {
	t.Helper()
	broker := newFakeBroker()
	commander := &fakeCommander{}
	store := seedStore(t)
	b := NewBridge(broker, store, commander, nil, testLogger(), Config{})
	return b, broker, commander, store
}

func TestStartAnnouncesKnownDevices(t *testing.T) {
	b, broker, _, _ := newTestBridge(t)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Close()

	online := broker.byTopic("frostbridge/bridge/availability")
	if len(online) != 1 || online[0].payload != "online" || !online[0].retained {
		t.Errorf("bridge availability = %+v, want retained online", online)
	}

	wantConfigs := []string{
		"homeassistant/sensor/frostbridge_dev_1/fridge_1_current/config",
		"homeassistant/number/frostbridge_dev_1/fridge_1/config",
		"homeassistant/switch/frostbridge_dev_1/supercool_1/config",
		"homeassistant/select/frostbridge_dev_1/biofreshplus/config",
	}
	for _, topic := range wantConfigs {
		msgs := broker.byTopic(topic)
		if len(msgs) != 1 {
			t.Errorf("discovery config on %q published %d times, want 1", topic, len(msgs))
		}
	}
}

func TestDiscoveryConfigShape(t *testing.T) {
	b, broker, _, _ := newTestBridge(t)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Close()

	msgs := broker.byTopic("homeassistant/number/frostbridge_dev_1/fridge_1/config")
	if len(msgs) != 1 {
		t.Fatalf("config messages = %d, want 1", len(msgs))
	}

	var cfg map[string]any
	if err := json.Unmarshal([]byte(msgs[0].payload), &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}
	if cfg["cmd_t"] != "frostbridge/dev-1/fridge_1/set" {
		t.Errorf("cmd_t = %v", cfg["cmd_t"])
	}
	if cfg["stat_t"] != "frostbridge/dev-1/fridge_1/state" {
		t.Errorf("stat_t = %v", cfg["stat_t"])
	}
	if cfg["min"] != 2.0 || cfg["max"] != 9.0 {
		t.Errorf("min/max = %v/%v, want 2/9", cfg["min"], cfg["max"])
	}
	dev, ok := cfg["dev"].(map[string]any)
	if !ok || dev["name"] != "Kitchen Fridge" || dev["mf"] != "Liebherr" {
		t.Errorf("device block = %v", cfg["dev"])
	}
}

func TestStatePublishing(t *testing.T) {
	b, broker, _, _ := newTestBridge(t)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Close()

	checks := map[string]string{
		"frostbridge/dev-1/fridge_1_current/state": "4.5",
		"frostbridge/dev-1/fridge_1/state":         "5",
		"frostbridge/dev-1/supercool_1/state":      "OFF",
		"frostbridge/dev-1/biofreshplus/state":     "standard",
		"frostbridge/dev-1/availability":           "online",
	}
	for topic, want := range checks {
		msgs := broker.byTopic(topic)
		if len(msgs) == 0 {
			t.Errorf("nothing published on %q", topic)
			continue
		}
		if got := msgs[len(msgs)-1].payload; got != want {
			t.Errorf("%s = %q, want %q", topic, got, want)
		}
	}
}

func TestUnreachableDevicePublishedOffline(t *testing.T) {
	b, broker, commander, store := newTestBridge(t)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Close()

	store.MarkUnreachable("dev-1")
	commander.listener("dev-1")

	msgs := broker.byTopic("frostbridge/dev-1/availability")
	if len(msgs) < 2 || msgs[len(msgs)-1].payload != "offline" {
		t.Errorf("availability after unreachable = %+v, want offline", msgs)
	}
}

func TestDiscoveryAnnouncedOnce(t *testing.T) {
	b, broker, commander, _ := newTestBridge(t)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Close()

	commander.listener("dev-1")
	commander.listener("dev-1")

	topic := "homeassistant/switch/frostbridge_dev_1/supercool_1/config"
	if msgs := broker.byTopic(topic); len(msgs) != 1 {
		t.Errorf("discovery re-announced: %d configs on %q", len(msgs), topic)
	}
}

func TestCommandTopicDrivesCoordinator(t *testing.T) {
	b, broker, commander, _ := newTestBridge(t)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Close()

	broker.deliver(t, "frostbridge/dev-1/fridge_1/set", "3")
	broker.deliver(t, "frostbridge/dev-1/supercool_1/set", "ON")
	broker.deliver(t, "frostbridge/dev-1/biofreshplus/set", "fish")

	commander.mu.Lock()
	defer commander.mu.Unlock()
	if len(commander.commands) != 3 {
		t.Fatalf("commands = %d, want 3", len(commander.commands))
	}

	temp := commander.commands[0]
	if temp.Control != "fridge" || temp.ZoneID == nil || *temp.ZoneID != 1 || temp.Target == nil || *temp.Target != 3 {
		t.Errorf("temperature command = %+v", temp)
	}
	toggle := commander.commands[1]
	if toggle.Control != "supercool" || toggle.Enabled == nil || !*toggle.Enabled {
		t.Errorf("toggle command = %+v", toggle)
	}
	mode := commander.commands[2]
	if mode.Control != "biofreshplus" || mode.ZoneID != nil || mode.Mode == nil || *mode.Mode != "fish" {
		t.Errorf("mode command = %+v", mode)
	}
}

func TestMalformedCommandPayloadIsDropped(t *testing.T) {
	b, broker, commander, _ := newTestBridge(t)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Close()

	broker.deliver(t, "frostbridge/dev-1/fridge_1/set", "cold please")
	broker.deliver(t, "frostbridge/dev-1/supercool_1/set", "MAYBE")

	commander.mu.Lock()
	defer commander.mu.Unlock()
	if len(commander.commands) != 0 {
		t.Errorf("malformed payloads reached the coordinator: %+v", commander.commands)
	}
}

func TestCloseMarksBridgeOffline(t *testing.T) {
	b, broker, _, _ := newTestBridge(t)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	b.Close()

	msgs := broker.byTopic("frostbridge/bridge/availability")
	if len(msgs) < 2 || msgs[len(msgs)-1].payload != "offline" {
		t.Errorf("bridge availability after Close = %+v, want offline", msgs)
	}
	if got := broker.topicsMatching("/set"); len(broker.callbacks) != 0 {
		t.Errorf("command subscriptions left behind: %v", got)
	}
}

type fakeNotifications struct {
	mu    sync.Mutex
	notes []liebherr.Notification
	acked []string
}

func (f *fakeNotifications) Notifications(ctx context.Context) ([]liebherr.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]liebherr.Notification(nil), f.notes...), nil
}

func (f *fakeNotifications) AcknowledgeNotification(ctx context.Context, deviceID, notificationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, notificationID)
	return nil
}

func TestNotificationsPublishedAndAcknowledged(t *testing.T) {
	broker := newFakeBroker()
	commander := &fakeCommander{}
	source := &fakeNotifications{notes: []liebherr.Notification{
		{NotificationID: "n1", DeviceID: "dev-1", NotificationType: "doorAlarm", CreatedAt: "2026-08-30T10:00:00Z"},
		{NotificationID: "n2", DeviceID: "dev-1", NotificationType: "tempAlarm", IsAcknowledged: true},
	}}
	b := NewBridge(broker, seedStore(t), commander, source, testLogger(), Config{})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Close()

	b.publishNotifications(context.Background())

	events := broker.byTopic("frostbridge/dev-1/event")
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1 (acknowledged ones filtered)", len(events))
	}
	var event map[string]string
	if err := json.Unmarshal([]byte(events[0].payload), &event); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if event["type"] != "doorAlarm" {
		t.Errorf("event type = %q, want doorAlarm", event["type"])
	}

	source.mu.Lock()
	defer source.mu.Unlock()
	if len(source.acked) != 1 || source.acked[0] != "n1" {
		t.Errorf("acked = %v, want [n1]", source.acked)
	}
}

func TestEventsAreNotRetained(t *testing.T) {
	broker := newFakeBroker()
	source := &fakeNotifications{notes: []liebherr.Notification{
		{NotificationID: "n1", DeviceID: "dev-1", NotificationType: "powerFailure"},
	}}
	b := NewBridge(broker, seedStore(t), &fakeCommander{}, source, testLogger(), Config{})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Close()

	b.publishNotifications(context.Background())
	events := broker.byTopic("frostbridge/dev-1/event")
	if len(events) != 1 || events[0].retained {
		t.Errorf("events = %+v, want one non-retained publish", events)
	}
}

func TestNotificationPollerStopsOnClose(t *testing.T) {
	broker := newFakeBroker()
	source := &fakeNotifications{}
	b := NewBridge(broker, seedStore(t), &fakeCommander{}, source, testLogger(), Config{
		NotificationInterval: 10 * time.Millisecond,
	})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		b.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not stop the notification poller")
	}
}

func TestVendorControlKindsMapToEntities(t *testing.T) {
	broker := newFakeBroker()
	store := cache.NewStore()
	store.Upsert("dev-2", cache.DeviceState{
		Appliance: liebherr.Appliance{DeviceID: "dev-2", Nickname: "Cellar"},
		Controls: []liebherr.Control{
			{Type: liebherr.ControlBioFresh, Name: "biofresh", Unit: "C", Current: fptr(0.5)},
			{Type: liebherr.ControlAutoDoorControl, Name: "autodoor", ZoneID: iptr(1), DoorState: liebherr.DoorClosed},
			{Type: liebherr.ControlHydroBreeze, Name: "hydrobreeze", CurrentMode: "OFF"},
		},
		Fresh: true,
	}, 1)
	b := NewBridge(broker, store, &fakeCommander{}, nil, testLogger(), Config{})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Close()

	msgs := broker.byTopic("homeassistant/sensor/frostbridge_dev_2/biofresh/config")
	if len(msgs) != 1 {
		t.Fatalf("biofresh sensor config published %d times, want 1", len(msgs))
	}
	var cfg map[string]any
	if err := json.Unmarshal([]byte(msgs[0].payload), &cfg); err != nil {
		t.Fatalf("unmarshal biofresh config: %v", err)
	}
	if cfg["dev_cla"] != "temperature" || cfg["stat_cla"] != "measurement" {
		t.Errorf("biofresh config = %v, want temperature measurement", cfg)
	}
	if got := broker.byTopic("frostbridge/dev-2/biofresh/state"); len(got) == 0 || got[len(got)-1].payload != "0.5" {
		t.Errorf("biofresh state = %+v, want 0.5", got)
	}

	msgs = broker.byTopic("homeassistant/sensor/frostbridge_dev_2/autodoor_1/config")
	if len(msgs) != 1 {
		t.Fatalf("door sensor config published %d times, want 1", len(msgs))
	}
	cfg = nil
	if err := json.Unmarshal([]byte(msgs[0].payload), &cfg); err != nil {
		t.Fatalf("unmarshal door config: %v", err)
	}
	if _, hasCmd := cfg["cmd_t"]; hasCmd {
		t.Error("door position sensor must not carry a command topic")
	}
	if got := broker.byTopic("frostbridge/dev-2/autodoor_1/state"); len(got) == 0 || got[len(got)-1].payload != "CLOSED" {
		t.Errorf("door state = %+v, want CLOSED", got)
	}
	broker.mu.Lock()
	_, subscribed := broker.callbacks["frostbridge/dev-2/autodoor_1/set"]
	broker.mu.Unlock()
	if subscribed {
		t.Error("door position sensor must not subscribe for commands")
	}

	msgs = broker.byTopic("homeassistant/select/frostbridge_dev_2/hydrobreeze/config")
	if len(msgs) != 1 {
		t.Fatalf("hydrobreeze select config published %d times, want 1", len(msgs))
	}
	cfg = nil
	if err := json.Unmarshal([]byte(msgs[0].payload), &cfg); err != nil {
		t.Fatalf("unmarshal hydrobreeze config: %v", err)
	}
	options, _ := cfg["options"].([]any)
	if len(options) != 4 || options[0] != "OFF" || options[3] != "HIGH" {
		t.Errorf("hydrobreeze options = %v, want the OFF..HIGH default set", cfg["options"])
	}
}

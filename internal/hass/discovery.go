package hass

import (
	"fmt"
	"strings"

	"github.com/frostbridge/frostbridge/internal/cache"
	"github.com/frostbridge/frostbridge/internal/liebherr"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"
)

// discoveryDevice is the shared device block that groups all entities of one
// appliance in the Home Assistant UI.
type discoveryDevice struct {
	IDs          []string `json:"ids"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"mf"`
	Model        string   `json:"mdl"`
	SWVersion    string   `json:"sw,omitempty"`
}

// discoveryConfig is one entity announcement. Home Assistant accepts the
// abbreviated key forms; only fields relevant to the component are set.
type discoveryConfig struct {
	Name              string          `json:"name"`
	UniqueID          string          `json:"uniq_id"`
	StateTopic        string          `json:"stat_t,omitempty"`
	CommandTopic      string          `json:"cmd_t,omitempty"`
	AvailabilityTopic string          `json:"avty_t"`
	Device            discoveryDevice `json:"dev"`

	DeviceClass       string `json:"dev_cla,omitempty"`
	StateClass        string `json:"stat_cla,omitempty"`
	UnitOfMeasurement string `json:"unit_of_meas,omitempty"`
	Icon              string `json:"ic,omitempty"`

	// number
	Min  *float64 `json:"min,omitempty"`
	Max  *float64 `json:"max,omitempty"`
	Step *float64 `json:"step,omitempty"`

	// select
	Options []string `json:"options,omitempty"`

	// switch
	PayloadOn  string `json:"pl_on,omitempty"`
	PayloadOff string `json:"pl_off,omitempty"`
}

// entity pairs a discovery announcement with its component and topics.
type entity struct {
	component  string
	objectID   string
	controlKey string
	config     discoveryConfig
}

// topics derives the MQTT topic layout from the configured prefix.
type topics struct {
	prefix          string
	discoveryPrefix string
}

func (t topics) availability(deviceID string) string {
	return fmt.Sprintf("%s/%s/availability", t.prefix, deviceID)
}

func (t topics) state(deviceID, objectID string) string {
	return fmt.Sprintf("%s/%s/%s/state", t.prefix, deviceID, objectID)
}

func (t topics) command(deviceID, objectID string) string {
	return fmt.Sprintf("%s/%s/%s/set", t.prefix, deviceID, objectID)
}

func (t topics) bridgeAvailability() string {
	return t.prefix + "/bridge/availability"
}

func (t topics) event(deviceID string) string {
	return fmt.Sprintf("%s/%s/event", t.prefix, deviceID)
}

func (t topics) discovery(component, deviceID, objectID string) string {
	return fmt.Sprintf("%s/%s/frostbridge_%s/%s/config", t.discoveryPrefix, component, sanitize(deviceID), objectID)
}

// sanitize maps a control key or device ID into a topic-safe object ID.
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// hydroBreezeModes is what a HydroBreeze control supports when the API
// omits supportedModes.
var hydroBreezeModes = []string{"OFF", "LOW", "MEDIUM", "HIGH"}

// entities maps an appliance's controls to Home Assistant entities. A
// temperature control becomes a current-temperature sensor plus a target
// number; BioFresh reports a read-only temperature sensor; toggles become
// switches; mode controls become selects; the auto door becomes a
// read-only position sensor.
func entities(t topics, state cache.DeviceState) []entity {
	dev := discoveryDevice{
		IDs:          []string{"frostbridge_" + sanitize(state.Appliance.DeviceID)},
		Name:         state.Appliance.Name(),
		Manufacturer: "Liebherr",
		Model:        state.Appliance.DeviceName,
		SWVersion:    state.Appliance.SoftwareVersion,
	}
	avty := t.availability(state.Appliance.DeviceID)
	deviceID := state.Appliance.DeviceID

	var out []entity
	for _, c := range state.Controls {
		key := c.Key()
		objectID := sanitize(key)
		label := entityLabel(c)

		switch c.Kind() {
		case liebherr.KindTemperature:
			sensorID := objectID + "_current"
			out = append(out, entity{
				component:  "sensor",
				objectID:   sensorID,
				controlKey: key,
				config: discoveryConfig{
					Name:              label + " temperature",
					UniqueID:          uniqueID(deviceID, sensorID),
					StateTopic:        t.state(deviceID, sensorID),
					AvailabilityTopic: avty,
					Device:            dev,
					DeviceClass:       "temperature",
					StateClass:        "measurement",
					UnitOfMeasurement: unitOfMeasurement(c.Unit),
				},
			})
			step := 1.0
			out = append(out, entity{
				component:  "number",
				objectID:   objectID,
				controlKey: key,
				config: discoveryConfig{
					Name:              label + " target",
					UniqueID:          uniqueID(deviceID, objectID),
					StateTopic:        t.state(deviceID, objectID),
					CommandTopic:      t.command(deviceID, objectID),
					AvailabilityTopic: avty,
					Device:            dev,
					DeviceClass:       "temperature",
					UnitOfMeasurement: unitOfMeasurement(c.Unit),
					Min:               c.Min,
					Max:               c.Max,
					Step:              &step,
				},
			})
		case liebherr.KindBioFresh:
			out = append(out, entity{
				component:  "sensor",
				objectID:   objectID,
				controlKey: key,
				config: discoveryConfig{
					Name:              label + " temperature",
					UniqueID:          uniqueID(deviceID, objectID),
					StateTopic:        t.state(deviceID, objectID),
					AvailabilityTopic: avty,
					Device:            dev,
					DeviceClass:       "temperature",
					StateClass:        "measurement",
					UnitOfMeasurement: unitOfMeasurement(c.Unit),
				},
			})
		case liebherr.KindAutoDoorControl:
			out = append(out, entity{
				component:  "sensor",
				objectID:   objectID,
				controlKey: key,
				config: discoveryConfig{
					Name:              label,
					UniqueID:          uniqueID(deviceID, objectID),
					StateTopic:        t.state(deviceID, objectID),
					AvailabilityTopic: avty,
					Device:            dev,
					Icon:              "mdi:door",
				},
			})
		case liebherr.KindToggle, liebherr.KindAutoDoor, liebherr.KindIceMaker, liebherr.KindBottleTimer:
			out = append(out, entity{
				component:  "switch",
				objectID:   objectID,
				controlKey: key,
				config: discoveryConfig{
					Name:              label,
					UniqueID:          uniqueID(deviceID, objectID),
					StateTopic:        t.state(deviceID, objectID),
					CommandTopic:      t.command(deviceID, objectID),
					AvailabilityTopic: avty,
					Device:            dev,
					PayloadOn:         "ON",
					PayloadOff:        "OFF",
				},
			})
		case liebherr.KindMode, liebherr.KindBioFreshPlus, liebherr.KindHydroBreeze:
			options := c.SupportedModes
			if len(options) == 0 && c.Kind() == liebherr.KindHydroBreeze {
				options = hydroBreezeModes
			}
			out = append(out, entity{
				component:  "select",
				objectID:   objectID,
				controlKey: key,
				config: discoveryConfig{
					Name:              label,
					UniqueID:          uniqueID(deviceID, objectID),
					StateTopic:        t.state(deviceID, objectID),
					CommandTopic:      t.command(deviceID, objectID),
					AvailabilityTopic: avty,
					Device:            dev,
					Options:           options,
				},
			})
		}
	}
	return out
}

func uniqueID(deviceID, objectID string) string {
	return fmt.Sprintf("frostbridge_%s_%s", sanitize(deviceID), objectID)
}

func entityLabel(c liebherr.Control) string {
	name := strings.ReplaceAll(c.Name, "_", " ")
	if c.ZonePosition != "" {
		return fmt.Sprintf("%s (%s)", name, strings.ToLower(c.ZonePosition))
	}
	if c.ZoneID != nil {
		return fmt.Sprintf("%s zone %d", name, *c.ZoneID)
	}
	return name
}

func unitOfMeasurement(unit string) string {
	switch strings.ToUpper(unit) {
	case "F", "FAHRENHEIT", "°F":
		return "°F"
	default:
		return "°C"
	}
}

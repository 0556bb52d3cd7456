package liebherr

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Appliance types reported by the SmartDevice API.
const (
	TypeFridge  = "FRIDGE"
	TypeFreezer = "FREEZER"
	TypeCombi   = "COMBI"
	TypeWine    = "WINE"
)

// Control types reported per appliance. The API is inconsistent about
// casing (IceMaker vs icemaker), so consumers compare through Kind rather
// than these raw strings.
const (
	ControlTemperature     = "TemperatureControl"
	ControlToggle          = "ToggleControl"
	ControlMode            = "ModeControl"
	ControlAutoDoor        = "AutoDoor"
	ControlAutoDoorControl = "AutoDoorControl"
	ControlIceMaker        = "IceMaker"
	ControlBottleTimer     = "BottleTimer"
	ControlBioFresh        = "biofresh"
	ControlBioFreshPlus    = "biofreshplus"
	ControlHydroBreeze     = "hydrobreeze"
)

// Normalized control kinds as returned by Control.Kind.
const (
	KindTemperature     = "temperaturecontrol"
	KindToggle          = "togglecontrol"
	KindMode            = "modecontrol"
	KindAutoDoor        = "autodoor"
	KindAutoDoorControl = "autodoorcontrol"
	KindIceMaker        = "icemaker"
	KindBottleTimer     = "bottletimer"
	KindBioFresh        = "biofresh"
	KindBioFreshPlus    = "biofreshplus"
	KindHydroBreeze     = "hydrobreeze"
)

// Appliance identifies one registered device. Immutable once discovered.
type Appliance struct {
	DeviceID        string `json:"deviceId"`
	DeviceName      string `json:"deviceName"`
	Nickname        string `json:"nickname"`
	DeviceType      string `json:"deviceType"`
	ImageURL        string `json:"imageUrl"`
	SoftwareVersion string `json:"softwareVersion"`
}

// Name returns the user-facing name, falling back to the model name.
func (a Appliance) Name() string {
	if a.Nickname != "" {
		return a.Nickname
	}
	return a.DeviceName
}

// Control is one controllable or observable feature of an appliance.
// TemperatureControl carries Target/Min/Max/Current, ToggleControl carries
// Value, ModeControl carries CurrentMode/SupportedModes. AutoDoorControl
// reports a string door position in the same "value" key the toggles use
// for booleans, so that key is split into Value and DoorState at decode
// time. ZoneID is nil for appliance-wide controls.
type Control struct {
	Type           string   `json:"type"`
	Name           string   `json:"name"`
	Identifier     string   `json:"identifier,omitempty"`
	ZoneID         *int     `json:"zoneId,omitempty"`
	ZonePosition   string   `json:"zonePosition,omitempty"`
	Unit           string   `json:"unit,omitempty"`
	Current        *float64 `json:"current,omitempty"`
	Target         *float64 `json:"target,omitempty"`
	Min            *float64 `json:"min,omitempty"`
	Max            *float64 `json:"max,omitempty"`
	Value          *bool    `json:"value,omitempty"`
	DoorState      string   `json:"doorState,omitempty"`
	CurrentMode    string   `json:"currentMode,omitempty"`
	SupportedModes []string `json:"supportedModes,omitempty"`
}

// Door positions reported by AutoDoorControl.
const (
	DoorOpen   = "OPEN"
	DoorClosed = "CLOSED"
	DoorMoving = "MOVING"
)

// Kind returns the lowercased control type. The API mixes casings for the
// same control across endpoints, so all type dispatch goes through Kind.
func (c Control) Kind() string {
	return strings.ToLower(c.Type)
}

// UnmarshalJSON decodes a control, routing the polymorphic "value" key to
// Value for booleans and DoorState for strings.
func (c *Control) UnmarshalJSON(data []byte) error {
	type alias Control
	aux := struct {
		*alias
		Value json.RawMessage `json:"value,omitempty"`
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Value) == 0 || string(aux.Value) == "null" {
		return nil
	}
	if aux.Value[0] == '"' {
		return json.Unmarshal(aux.Value, &c.DoorState)
	}
	var b bool
	if err := json.Unmarshal(aux.Value, &b); err != nil {
		return err
	}
	c.Value = &b
	return nil
}

// Key returns the control identity used for matching across refreshes.
func (c Control) Key() string {
	name := c.Name
	if name == "" {
		name = c.Identifier
	}
	if name == "" {
		name = c.Type
	}
	if c.ZoneID != nil {
		return name + "/" + strconv.Itoa(*c.ZoneID)
	}
	return name
}

// Notification is a vendor-side alarm or reminder.
type Notification struct {
	NotificationID   string `json:"notificationId"`
	DeviceID         string `json:"deviceId"`
	NotificationType string `json:"notificationType"`
	CreatedAt        string `json:"createdAt"`
	IsAcknowledged   bool   `json:"isAcknowledged"`
}

// TemperatureRequest sets a zone target temperature.
type TemperatureRequest struct {
	ZoneID int     `json:"zoneId"`
	Target float64 `json:"target"`
	Unit   string  `json:"unit"`
}

// ZoneToggleRequest switches a zone-scoped toggle control.
type ZoneToggleRequest struct {
	ZoneID int  `json:"zoneId"`
	Value  bool `json:"value"`
}

// ToggleRequest switches an appliance-wide toggle control.
type ToggleRequest struct {
	Value bool `json:"value"`
}

// ZoneModeRequest selects a mode on a zone-scoped mode control.
type ZoneModeRequest struct {
	ZoneID int    `json:"zoneId"`
	Mode   string `json:"mode"`
}

// ModeRequest selects a mode on an appliance-wide mode control.
type ModeRequest struct {
	Mode string `json:"mode"`
}

// IceMakerRequest switches the ice maker. The API wants "ON"/"OFF" under a
// dedicated key instead of the generic toggle shape.
type IceMakerRequest struct {
	Mode string `json:"iceMakerMode"`
}

// BottleTimerRequest switches the bottle timer, same shape quirk as the
// ice maker.
type BottleTimerRequest struct {
	Mode string `json:"bottleTimer"`
}

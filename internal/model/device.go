package model

import "strings"

// DeviceType groups devices by what they track.
type DeviceType string

const (
	DeviceVehicle   DeviceType = "Vehicle"
	DeviceAsset     DeviceType = "Asset"
	DevicePersonnel DeviceType = "Personnel"
	DeviceShipment  DeviceType = "Shipment"
)

// Valid reports whether t is one of the known types.
func (t DeviceType) Valid() bool {
	switch t {
	case DeviceVehicle, DeviceAsset, DevicePersonnel, DeviceShipment:
		return true
	default:
		return false
	}
}

// DeviceStatus is the operational state set by the operator.
type DeviceStatus string

const (
	StatusActive      DeviceStatus = "Active"
	StatusInactive    DeviceStatus = "Inactive"
	StatusMaintenance DeviceStatus = "Maintenance"
)

func (s DeviceStatus) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusMaintenance:
		return true
	default:
		return false
	}
}

// Location is a geographic point. Ranges are not validated.
type Location struct {
	Lat Float64String `json:"lat"`
	Lng Float64String `json:"lng"`
}

// Device as stored by the tracking backend.
type Device struct {
	DeviceID    string       `json:"deviceId"`
	Name        string       `json:"name"`
	Type        DeviceType   `json:"type,omitempty"`
	Status      DeviceStatus `json:"status,omitempty"`
	Location    *Location    `json:"location,omitempty"`
	LastUpdated Timestamp    `json:"lastUpdated"`

	BatteryLevel   *Float64String `json:"batteryLevel,omitempty"`
	SignalStrength *Float64String `json:"signalStrength,omitempty"`
	Temperature    *Float64String `json:"temperature,omitempty"`
}

// HasLocation reports whether the device has ever reported its position.
func (d Device) HasLocation() bool {
	return d.Location != nil
}

// LocationOrZero returns device location or (0, 0) if there is none.
func (d Device) LocationOrZero() Location {
	if d.Location == nil {
		return Location{}
	}

	return *d.Location
}

// Telemetry returns battery, signal and temperature readings, zero for
// missing ones.
func (d Device) Telemetry() (battery, signal, temperature float64) {
	return d.BatteryLevel.OrZero(), d.SignalStrength.OrZero(), d.Temperature.OrZero()
}

// DeviceInput is a set of fields operator may create or change. Location
// is reported by devices themselves and is never part of it.
type DeviceInput struct {
	Name     string       `json:"name"`
	DeviceID string       `json:"deviceId"`
	Type     DeviceType   `json:"type,omitempty"`
	Status   DeviceStatus `json:"status,omitempty"`
}

// Validate checks required fields presence.
func (in DeviceInput) Validate() error {
	var missing []string
	if strings.TrimSpace(in.Name) == "" {
		missing = append(missing, "name")
	}

	if strings.TrimSpace(in.DeviceID) == "" {
		missing = append(missing, "deviceId")
	}

	if len(missing) > 0 {
		return MissingError(missing)
	}

	return nil
}

// Apply copies input fields over d. Empty type and status are left as is.
func (in DeviceInput) Apply(d Device) Device {
	d.Name = in.Name
	d.DeviceID = in.DeviceID

	if in.Type != "" {
		d.Type = in.Type
	}

	if in.Status != "" {
		d.Status = in.Status
	}

	return d
}

// HistoryEntry is a single location sample.
type HistoryEntry struct {
	Timestamp Timestamp `json:"timestamp"`
	Location  Location  `json:"location"`
}

package models

import (
	"encoding/json"
	"strconv"
)

// DeviceClass categorizes an MDM device for reconciliation purposes.
type DeviceClass string

const (
	ClassComputers     DeviceClass = "computers"
	ClassMobileDevices DeviceClass = "mobile_devices"
)

// OSFilter returns the MDM listing filter for the class.
func (c DeviceClass) OSFilter() string {
	if c == ClassMobileDevices {
		return "ios"
	}
	return "mac"
}

// Device is a single device record as reported by the MDM. The MDM returns
// a flat JSON object whose field set varies by device class and tenant
// configuration, so every field is retained stringified in Fields while the
// handful of well-known fields the engine needs are lifted into struct
// members.
type Device struct {
	SerialNumber string
	Name         string
	Model        string
	ModelName    string
	AssetTag     string
	LastBeat     string

	// Fields holds every wire field, scalar values stringified.
	Fields map[string]string
}

// UnmarshalJSON decodes the MDM's flat device object.
func (d *Device) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	d.Fields = make(map[string]string, len(raw))
	for k, v := range raw {
		d.Fields[k] = stringifyValue(v)
	}

	d.SerialNumber = d.Fields["serial_number"]
	d.Name = d.Fields["device_name"]
	d.Model = d.Fields["device_model"]
	d.ModelName = d.Fields["device_model_name"]
	d.AssetTag = d.Fields["asset_tag"]
	d.LastBeat = d.Fields["date_last_beat"]
	return nil
}

// Field returns the stringified value of an arbitrary MDM field.
func (d *Device) Field(name string) (string, bool) {
	v, ok := d.Fields[name]
	return v, ok
}

// stringifyValue renders a decoded JSON scalar as the string form used for
// field comparisons. Nulls compare as the empty string; numbers drop
// insignificant trailing zeros so "12" and 12 compare equal.
func stringifyValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		// Arrays and nested objects are kept as compact JSON.
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

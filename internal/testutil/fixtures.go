package testutil

import "snipesync/pkg/models"

// NewDevice returns a Device with sensible defaults, suitable for test
// fixtures. Override individual fields after creation as needed.
func NewDevice(opts ...func(*models.Device)) models.Device {
	d := models.Device{
		SerialNumber: "C02TEST001",
		Name:         "test-mac",
		Model:        "MacBookPro18,1",
		ModelName:    "MacBook Pro",
		AssetTag:     "IT-1001",
		LastBeat:     "2024-01-01",
	}
	d.Fields = map[string]string{
		"serial_number":     d.SerialNumber,
		"device_name":       d.Name,
		"device_model":      d.Model,
		"device_model_name": d.ModelName,
		"asset_tag":         d.AssetTag,
		"date_last_beat":    d.LastBeat,
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// WithSerial sets the device serial number.
func WithSerial(serial string) func(*models.Device) {
	return func(d *models.Device) {
		d.SerialNumber = serial
		d.Fields["serial_number"] = serial
	}
}

// WithAssetTag sets the device's MDM-side asset tag.
func WithAssetTag(tag string) func(*models.Device) {
	return func(d *models.Device) {
		d.AssetTag = tag
		d.Fields["asset_tag"] = tag
	}
}

// WithField sets an arbitrary MDM field.
func WithField(name, value string) func(*models.Device) {
	return func(d *models.Device) { d.Fields[name] = value }
}

// NewAsset returns an Asset with sensible defaults matching NewDevice.
func NewAsset(opts ...func(*models.Asset)) models.Asset {
	a := models.Asset{
		ID:       42,
		AssetTag: "IT-1001",
		Name:     "test-mac",
		Serial:   "C02TEST001",
		StatusLabel: models.StatusLabel{
			ID:         2,
			Name:       "Ready to Deploy",
			StatusMeta: "deployable",
		},
		CustomFields: map[string]models.CustomField{},
	}
	a.Attributes = map[string]string{
		"id":        "42",
		"asset_tag": a.AssetTag,
		"name":      a.Name,
		"serial":    a.Serial,
	}
	for _, opt := range opts {
		opt(&a)
	}
	return a
}

// WithAttr sets a top-level asset attribute and keeps the typed asset_tag
// and name fields in step when those are the attribute being set.
func WithAttr(name, value string) func(*models.Asset) {
	return func(a *models.Asset) {
		a.Attributes[name] = value
		switch name {
		case "asset_tag":
			a.AssetTag = value
		case "name":
			a.Name = value
		case "serial":
			a.Serial = value
		}
	}
}

// WithCustomField adds a custom field entry keyed by its display name.
func WithCustomField(display, column, value string) func(*models.Asset) {
	return func(a *models.Asset) {
		a.CustomFields[display] = models.CustomField{Field: column, Value: value}
	}
}

// WithAssignedTo checks the fixture asset out to a user.
func WithAssignedTo(id int64, name string) func(*models.Asset) {
	return func(a *models.Asset) {
		a.AssignedTo = &models.AssignedUser{ID: id, Name: name}
		a.StatusLabel.StatusMeta = "deployed"
	}
}

// WithStatusMeta sets the deployability state.
func WithStatusMeta(meta string) func(*models.Asset) {
	return func(a *models.Asset) { a.StatusLabel.StatusMeta = meta }
}

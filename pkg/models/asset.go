package models

import "encoding/json"

// Model is a catalog entry in the asset-management system describing a
// device product line. ModelNumber corresponds to the MDM's device_model
// identifier and is the registry lookup key.
type Model struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	ModelNumber string `json:"model_number"`
}

// AssignedUser is the user an asset is checked out to.
type AssignedUser struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// StatusLabel carries the deployability state of an asset.
type StatusLabel struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	StatusMeta string `json:"status_meta"`
}

// Timestamp is the asset-management representation of a point in time.
type Timestamp struct {
	Datetime string `json:"datetime"`
}

// CustomField is one entry of an asset's custom-field collection. Field is
// the underlying column name, which is what field mappings reference.
type CustomField struct {
	Field string
	Value string
}

// UnmarshalJSON stringifies the custom field value, which arrives as an
// arbitrary JSON scalar.
func (c *CustomField) UnmarshalJSON(data []byte) error {
	var aux struct {
		Field string `json:"field"`
		Value any    `json:"value"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.Field = aux.Field
	c.Value = stringifyValue(aux.Value)
	return nil
}

// FieldKind classifies where on an asset record a mapped field name
// resolved, if anywhere.
type FieldKind int

const (
	// FieldAbsent means the name matched neither a top-level attribute nor
	// a custom field. Mappings to absent names are silently ignored so a
	// partially rolled-out schema does not break the run.
	FieldAbsent FieldKind = iota
	FieldTopLevel
	FieldCustom
)

// Asset is an individual tracked unit in the asset-management system.
type Asset struct {
	ID           int64                  `json:"id"`
	AssetTag     string                 `json:"asset_tag"`
	Name         string                 `json:"name"`
	Serial       string                 `json:"serial"`
	StatusLabel  StatusLabel            `json:"status_label"`
	AssignedTo   *AssignedUser          `json:"assigned_to"` // nil when unassigned
	UpdatedAt    Timestamp              `json:"updated_at"`
	CustomFields map[string]CustomField `json:"custom_fields"`

	// Attributes holds every scalar top-level attribute of the wire record,
	// stringified. Field mappings that name a top-level attribute resolve
	// through here.
	Attributes map[string]string `json:"-"`
}

// UnmarshalJSON decodes the typed fields and additionally captures all
// scalar top-level attributes for mapped-field resolution.
func (a *Asset) UnmarshalJSON(data []byte) error {
	type plain Asset
	var aux plain
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*a = Asset(aux)

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.Attributes = make(map[string]string, len(raw))
	for k, v := range raw {
		switch v.(type) {
		case map[string]any, []any:
			// Only scalar attributes participate in field mapping.
		default:
			a.Attributes[k] = stringifyValue(v)
		}
	}
	return nil
}

// FieldValue resolves a mapped field name against the asset record. It
// returns the current value and whether the name matched a top-level
// attribute, a custom field, or nothing.
func (a *Asset) FieldValue(name string) (string, FieldKind) {
	if v, ok := a.Attributes[name]; ok {
		return v, FieldTopLevel
	}
	for _, cf := range a.CustomFields {
		if cf.Field == name {
			return cf.Value, FieldCustom
		}
	}
	return "", FieldAbsent
}

// Assigned reports whether the asset is currently checked out.
func (a *Asset) Assigned() bool {
	return a.AssignedTo != nil
}

// Deployable reports whether the asset's status permits checkout.
func (a *Asset) Deployable() bool {
	return a.StatusLabel.StatusMeta == "deployable" || a.StatusLabel.StatusMeta == "deployed"
}

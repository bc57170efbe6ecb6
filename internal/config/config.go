// Package config loads and validates the settings.conf file that drives a
// sync run. The file is INI-formatted and searched for in /opt/snipesync,
// /etc/snipesync, and the working directory, in that order.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/go-viper/encoding/ini"
	"github.com/spf13/viper"

	"snipesync/pkg/models"
)

// searchDirs are the locations probed for settings.conf when no explicit
// path is given.
var searchDirs = []string{"/opt/snipesync", "/etc/snipesync", "."}

// ErrNoConfig indicates that no usable settings.conf was found anywhere on
// the search path.
var ErrNoConfig = errors.New("no valid settings.conf found")

// FieldMapping maps one asset-management field name (top-level attribute or
// custom-field column name) to the MDM field it is synced from.
type FieldMapping struct {
	AssetField  string
	DeviceField string
}

// MDMSettings configures the MDM client.
type MDMSettings struct {
	URL             string
	AccessToken     string
	Username        string
	Password        string
	RateLimit       float64 // requests per second, 0 disables pacing
	SpecificColumns string  // optional comma-separated column filter for listing
}

// SnipeSettings configures the asset-management client and the record
// defaults used when creating models and assets.
type SnipeSettings struct {
	URL                string
	APIKey             string
	DefaultStatusID    int64
	ManufacturerID     int64
	ComputerCategoryID int64
	MobileCategoryID   int64
	ComputerFieldsetID int64  // optional, 0 when unset
	MobileFieldsetID   int64  // optional, 0 when unset
	AssetTagField      string // optional device field preferred as asset tag
}

// Settings is the full, immutable configuration for a run.
type Settings struct {
	MDM      MDMSettings
	Snipe    SnipeSettings
	Mappings map[models.DeviceClass][]FieldMapping
	// UserField is the MDM field holding the username assets are checked
	// out to. Empty unless a [user-mapping] section is configured.
	UserField string

	legacyMapping bool
}

// newViper constructs a viper instance that can decode INI. Viper no longer
// ships an INI codec of its own, so one is registered explicitly.
func newViper() (*viper.Viper, error) {
	codecs := viper.NewCodecRegistry()
	if err := codecs.RegisterCodec("ini", ini.Codec{}); err != nil {
		return nil, fmt.Errorf("register ini codec: %w", err)
	}
	v := viper.NewWithOptions(viper.WithCodecRegistry(codecs))
	v.SetConfigType("ini")
	return v, nil
}

// Load reads settings.conf from the explicit path if given, otherwise from
// the first search-path location containing a usable file.
func Load(path string) (*Settings, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		found := false
		for _, dir := range searchDirs {
			v.SetConfigFile(filepath.Join(dir, "settings.conf"))
			if err := v.ReadInConfig(); err == nil && v.IsSet("snipe-it.url") {
				found = true
				break
			}
		}
		if !found {
			return nil, ErrNoConfig
		}
	}

	s := &Settings{
		MDM: MDMSettings{
			URL:             v.GetString("mdm.url"),
			AccessToken:     v.GetString("mdm.access_token"),
			Username:        v.GetString("mdm.username"),
			Password:        v.GetString("mdm.password"),
			RateLimit:       v.GetFloat64("mdm.rate_limit"),
			SpecificColumns: v.GetString("mdm.specific_columns"),
		},
		Snipe: SnipeSettings{
			URL:                v.GetString("snipe-it.url"),
			APIKey:             v.GetString("snipe-it.api_key"),
			DefaultStatusID:    v.GetInt64("snipe-it.default_status_id"),
			ManufacturerID:     v.GetInt64("snipe-it.manufacturer_id"),
			ComputerCategoryID: v.GetInt64("snipe-it.computer_category_id"),
			MobileCategoryID:   v.GetInt64("snipe-it.mobile_category_id"),
			ComputerFieldsetID: v.GetInt64("snipe-it.computer_fieldset_id"),
			MobileFieldsetID:   v.GetInt64("snipe-it.mobile_fieldset_id"),
			AssetTagField:      v.GetString("snipe-it.asset_tag_field"),
		},
		UserField:     v.GetString("user-mapping.mdm_api_field"),
		legacyMapping: v.IsSet("api-mapping"),
		Mappings: map[models.DeviceClass][]FieldMapping{
			models.ClassComputers:     mappingTable(v, "computers-api-mapping"),
			models.ClassMobileDevices: mappingTable(v, "mobile_devices-api-mapping"),
		},
	}
	return s, nil
}

// mappingTable reads one api-mapping section into a deterministic list.
// INI section order is not observable through viper, so entries are sorted
// by asset field name; only one update per asset is issued regardless.
func mappingTable(v *viper.Viper, section string) []FieldMapping {
	raw := v.GetStringMapString(section)
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	table := make([]FieldMapping, 0, len(raw))
	for _, k := range keys {
		table = append(table, FieldMapping{AssetField: k, DeviceField: raw[k]})
	}
	return table
}

// Validate checks the settings for the fatal misconfigurations listed in
// the startup preconditions. userSync is true when any user-sync mode was
// requested on the command line.
func (s *Settings) Validate(userSync bool) error {
	if s.legacyMapping {
		return errors.New("config uses the legacy [api-mapping] section; split it into [computers-api-mapping] and [mobile_devices-api-mapping]")
	}
	if s.Snipe.URL == "" || s.Snipe.APIKey == "" {
		return errors.New("config is missing the [snipe-it] url or api_key")
	}
	if s.MDM.URL == "" {
		return errors.New("config is missing the [mdm] url")
	}
	if userSync && s.UserField == "" {
		return errors.New("user sync was requested but no [user-mapping] mdm_api_field is configured")
	}
	return nil
}

// Mapping returns the field-mapping table for a device class.
func (s *Settings) Mapping(class models.DeviceClass) []FieldMapping {
	return s.Mappings[class]
}

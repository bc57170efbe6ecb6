// Package reconcile implements the per-device decision sequence that keeps
// the asset-management system in step with the MDM: resolve the model,
// find or create the asset, diff the mapped fields, settle checkout state,
// and push the authoritative asset tag back to the MDM.
package reconcile

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"snipesync/internal/config"
	"snipesync/internal/registry"
	"snipesync/internal/snipe"
	"snipesync/pkg/models"
)

// MDMClient is the slice of the MDM client the engine needs.
type MDMClient interface {
	UpdateDevice(ctx context.Context, serial string, fields map[string]string) error
}

// AssetClient is the slice of the asset-management client the engine needs.
type AssetClient interface {
	FindBySerial(ctx context.Context, serial string) (snipe.Lookup, error)
	CreateModel(ctx context.Context, payload snipe.ModelPayload) (*models.Model, error)
	UpdateModel(ctx context.Context, id int64, name string) (*models.Model, error)
	CreateAsset(ctx context.Context, payload snipe.AssetPayload) (*models.Asset, error)
	UpdateAsset(ctx context.Context, id int64, fields map[string]string) error
	CheckIn(ctx context.Context, assetID int64) error
	CheckOut(ctx context.Context, assetID, userID int64) error
	FindUserID(ctx context.Context, username string) (int64, error)
}

// UserSyncMode selects how checkout state is reconciled. The modes are
// mutually exclusive.
type UserSyncMode int

const (
	// UserSyncOff performs no checkout reconciliation.
	UserSyncOff UserSyncMode = iota
	// UserSyncUnassigned checks out only assets that are currently
	// unassigned.
	UserSyncUnassigned
	// UserSyncAssigned checks out only assets that are currently assigned,
	// re-pointing ownership when the two systems disagree on the holder.
	UserSyncAssigned
	// UserSyncForce always checks out, regardless of current assignment.
	UserSyncForce
)

// Stats summarizes the writes and skips of one run.
type Stats struct {
	Processed  int
	Created    int
	Updated    int
	Skipped    int
	CheckedOut int
	TagSynced  int
}

// Engine drives both clients. It is stateless across devices except for
// the model registry, which is extended as new models are created.
type Engine struct {
	mdm      MDMClient
	assets   AssetClient
	registry *registry.ModelRegistry
	settings *config.Settings
	mode     UserSyncMode
	logger   *zap.Logger
}

// New creates an Engine.
func New(mdm MDMClient, assets AssetClient, reg *registry.ModelRegistry,
	settings *config.Settings, mode UserSyncMode, logger *zap.Logger) *Engine {
	return &Engine{
		mdm:      mdm,
		assets:   assets,
		registry: reg,
		settings: settings,
		mode:     mode,
		logger:   logger,
	}
}

// Run reconciles every device of one class, strictly in listing order. One
// device's failure never aborts the others; the only exception is a
// persistent rate-limit rejection, which terminates the run.
func (e *Engine) Run(ctx context.Context, class models.DeviceClass, devices []models.Device) (Stats, error) {
	var stats Stats
	for i := range devices {
		dev := &devices[i]
		e.logger.Info("processing device",
			zap.Int("entry", i+1),
			zap.Int("of", len(devices)),
			zap.String("serial", dev.SerialNumber),
			zap.String("name", dev.Name))

		if err := e.processDevice(ctx, class, dev, &stats); err != nil {
			if errors.Is(err, snipe.ErrRateLimited) {
				return stats, err
			}
			stats.Skipped++
			e.logger.Warn("device skipped",
				zap.String("serial", dev.SerialNumber), zap.Error(err))
		}
	}
	return stats, nil
}

// processDevice runs the decision sequence for one device. Returned errors
// skip the device; snipe.ErrRateLimited additionally aborts the run.
func (e *Engine) processDevice(ctx context.Context, class models.DeviceClass, dev *models.Device, stats *Stats) error {
	stats.Processed++

	// Step 1: model resolution. Mobile-device models are not reconciled in
	// the current design; their registry entries must pre-exist.
	if class == models.ClassComputers {
		if err := e.resolveModel(ctx, dev); err != nil {
			return err
		}
	}

	// Step 2: asset lookup by serial.
	lk, err := e.assets.FindBySerial(ctx, dev.SerialNumber)
	if err != nil {
		return err
	}

	switch lk.Status {
	case snipe.LookupMultiMatch:
		e.logger.Warn("serial has multiple assets, resolve the duplicates and purge deleted records",
			zap.String("serial", dev.SerialNumber))
		stats.Skipped++
		return nil
	case snipe.LookupFailed:
		stats.Skipped++
		return nil
	case snipe.LookupNoMatch:
		// Step 3: create sub-flow, then re-fetch the canonical record so
		// the remaining steps never operate on the creation echo.
		created, err := e.createAsset(ctx, class, dev, stats)
		if err != nil {
			return err
		}
		if !created {
			stats.Skipped++
			return nil
		}
		lk, err = e.assets.FindBySerial(ctx, dev.SerialNumber)
		if err != nil {
			return err
		}
		if lk.Status != snipe.LookupMatch {
			e.logger.Warn("created asset did not come back on re-lookup",
				zap.String("serial", dev.SerialNumber))
			stats.Skipped++
			return nil
		}
	case snipe.LookupMatch:
	}

	asset := lk.Asset

	// Step 4: field diff, one update call for the whole staged set.
	staged := e.diffFields(dev, asset, e.settings.Mapping(class))
	if len(staged) > 0 {
		if err := e.assets.UpdateAsset(ctx, asset.ID, staged); err != nil {
			if errors.Is(err, snipe.ErrRateLimited) {
				return err
			}
			e.logger.Warn("asset update failed",
				zap.Int64("asset_id", asset.ID), zap.Error(err))
		} else {
			stats.Updated++
		}
	}

	// Step 5: checkout/checkin decision.
	if err := e.syncUser(ctx, dev, asset, stats); err != nil {
		return err
	}

	// Step 6: the asset-management tag is authoritative; push it back to
	// the MDM when the two differ. Runs regardless of steps 4-5.
	if dev.AssetTag != asset.AssetTag {
		e.logger.Info("pushing authoritative asset tag back to the MDM",
			zap.String("serial", dev.SerialNumber),
			zap.String("asset_tag", asset.AssetTag))
		if err := e.mdm.UpdateDevice(ctx, dev.SerialNumber, map[string]string{"asset_tag": asset.AssetTag}); err != nil {
			e.logger.Warn("asset tag back-sync failed",
				zap.String("serial", dev.SerialNumber), zap.Error(err))
		} else {
			stats.TagSynced++
		}
	}
	return nil
}

// resolveModel creates the device's model in the catalog when its model
// number is unknown, or renames it when the MDM's display name has
// drifted.
func (e *Engine) resolveModel(ctx context.Context, dev *models.Device) error {
	if dev.Model == "" {
		return nil
	}

	id, known := e.registry.IDFor(dev.Model)
	switch {
	case !known:
		e.logger.Info("model number not in catalog, creating it",
			zap.String("model_number", dev.Model))
		m, err := e.assets.CreateModel(ctx, snipe.ModelPayload{
			Name:           dev.ModelName,
			ModelNumber:    dev.Model,
			CategoryID:     e.settings.Snipe.ComputerCategoryID,
			ManufacturerID: e.settings.Snipe.ManufacturerID,
			FieldsetID:     e.settings.Snipe.ComputerFieldsetID,
		})
		if err != nil {
			if errors.Is(err, snipe.ErrRateLimited) {
				return err
			}
			e.logger.Warn("model creation failed",
				zap.String("model_number", dev.Model), zap.Error(err))
			return nil
		}
		e.registry.Register(*m)
	case !e.registry.NameKnown(dev.ModelName):
		e.logger.Info("model display name drifted, renaming",
			zap.String("model_number", dev.Model),
			zap.String("name", dev.ModelName))
		m, err := e.assets.UpdateModel(ctx, id, dev.ModelName)
		if err != nil {
			if errors.Is(err, snipe.ErrRateLimited) {
				return err
			}
			e.logger.Warn("model rename failed",
				zap.String("model_number", dev.Model), zap.Error(err))
			return nil
		}
		e.registry.Register(*m)
	}
	return nil
}

// createAsset runs the create sub-flow and reports whether an asset was
// created. A false return with nil error is a deliberate skip.
func (e *Engine) createAsset(ctx context.Context, class models.DeviceClass, dev *models.Device, stats *Stats) (bool, error) {
	if dev.SerialNumber == "" {
		// Normal for DEP-enrolled devices that have not checked in yet.
		e.logger.Info("device has no serial number yet, skipping",
			zap.String("name", dev.Name))
		return false, nil
	}

	modelID, ok := e.registry.IDFor(dev.Model)
	if !ok {
		e.logger.Warn("no catalog model for device, cannot create asset",
			zap.String("serial", dev.SerialNumber),
			zap.String("model_number", dev.Model))
		return false, nil
	}

	tag := e.assetTag(dev)
	if class == models.ClassMobileDevices {
		tag = mobileAssetTag(tag)
	}

	e.logger.Info("creating asset",
		zap.String("serial", dev.SerialNumber),
		zap.String("asset_tag", tag))
	created, err := e.assets.CreateAsset(ctx, snipe.AssetPayload{
		AssetTag: tag,
		ModelID:  modelID,
		Name:     dev.Name,
		StatusID: e.settings.Snipe.DefaultStatusID,
		Serial:   dev.SerialNumber,
	})
	if err != nil {
		if errors.Is(err, snipe.ErrRateLimited) {
			return false, err
		}
		e.logger.Warn("asset creation failed",
			zap.String("serial", dev.SerialNumber), zap.Error(err))
		return false, nil
	}
	stats.Created++

	// A just-created asset has no prior holder to compare against, so any
	// active user-sync mode checks it out unconditionally.
	if e.mode != UserSyncOff {
		if err := e.checkoutVirgin(ctx, dev, created.ID, stats); err != nil {
			return false, err
		}
	}
	return true, nil
}

// assetTag computes the tag for a new asset: a configured device field when
// present, else the device's own tag, else the serial number.
func (e *Engine) assetTag(dev *models.Device) string {
	if f := e.settings.Snipe.AssetTagField; f != "" {
		if v, ok := dev.Field(f); ok && v != "" {
			return v
		}
	}
	if dev.AssetTag != "" {
		return dev.AssetTag
	}
	return dev.SerialNumber
}

// mobileAssetTag inserts the "-m" marker before the first dash, keeping
// mobile tags distinguishable from computer tags that share a numbering
// scheme. Tags without a dash are left unchanged.
func mobileAssetTag(tag string) string {
	i := strings.Index(tag, "-")
	if i < 0 {
		return tag
	}
	return tag[:i] + "-m" + tag[i:]
}

// checkoutVirgin checks a brand-new asset out to its MDM-declared user.
func (e *Engine) checkoutVirgin(ctx context.Context, dev *models.Device, assetID int64, stats *Stats) error {
	username, _ := dev.Field(e.settings.UserField)
	if username == "" {
		e.logger.Info("device carries no user to check out to",
			zap.String("serial", dev.SerialNumber))
		return nil
	}

	userID, err := e.assets.FindUserID(ctx, username)
	if err != nil {
		if errors.Is(err, snipe.ErrRateLimited) {
			return err
		}
		e.logger.Info("checkout aborted, user not resolvable",
			zap.String("username", username), zap.Error(err))
		return nil
	}

	if err := e.assets.CheckOut(ctx, assetID, userID); err != nil {
		if errors.Is(err, snipe.ErrRateLimited) {
			return err
		}
		e.logger.Warn("checkout of new asset failed",
			zap.Int64("asset_id", assetID), zap.Error(err))
		return nil
	}
	stats.CheckedOut++
	return nil
}

// diffFields stages every mapped field whose asset-side value differs from
// the MDM-side value. Mapped names that match neither a top-level attribute
// nor a custom field stage nothing.
func (e *Engine) diffFields(dev *models.Device, asset *models.Asset, mapping []config.FieldMapping) map[string]string {
	staged := make(map[string]string)
	for _, fm := range mapping {
		mdmValue, _ := dev.Field(fm.DeviceField) // absent MDM fields compare as ""

		current, kind := asset.FieldValue(fm.AssetField)
		if kind == models.FieldAbsent {
			e.logger.Debug("mapped field not present on the asset schema, ignoring",
				zap.String("field", fm.AssetField))
			continue
		}
		if current != mdmValue {
			staged[fm.AssetField] = mdmValue
		}
	}
	return staged
}

// syncUser settles checkout state for an existing asset under the active
// user-sync mode.
func (e *Engine) syncUser(ctx context.Context, dev *models.Device, asset *models.Asset, stats *Stats) error {
	if e.mode == UserSyncOff {
		return nil
	}

	var due bool
	switch e.mode {
	case UserSyncUnassigned:
		due = !asset.Assigned()
	case UserSyncAssigned:
		due = asset.Assigned()
	case UserSyncForce:
		due = true
	}
	if !due {
		return nil
	}

	if !asset.Deployable() {
		e.logger.Info("asset status does not permit checkout",
			zap.String("serial", dev.SerialNumber),
			zap.String("status_meta", asset.StatusLabel.StatusMeta))
		return nil
	}

	username, _ := dev.Field(e.settings.UserField)
	if username == "" {
		e.logger.Info("device carries no user to check out to",
			zap.String("serial", dev.SerialNumber))
		return nil
	}
	userID, err := e.assets.FindUserID(ctx, username)
	if err != nil {
		if errors.Is(err, snipe.ErrRateLimited) {
			return err
		}
		e.logger.Info("checkout aborted, user not resolvable",
			zap.String("username", username), zap.Error(err))
		return nil
	}

	if asset.AssignedTo != nil {
		if asset.AssignedTo.ID == userID {
			e.logger.Debug("asset already checked out to this user",
				zap.Int64("asset_id", asset.ID),
				zap.String("username", username))
			return nil
		}
		// A checkout always supersedes the prior holder.
		if err := e.assets.CheckIn(ctx, asset.ID); err != nil {
			if errors.Is(err, snipe.ErrRateLimited) {
				return err
			}
			e.logger.Warn("checkin before re-checkout failed",
				zap.Int64("asset_id", asset.ID), zap.Error(err))
			return nil
		}
	}

	if err := e.assets.CheckOut(ctx, asset.ID, userID); err != nil {
		if errors.Is(err, snipe.ErrRateLimited) {
			return err
		}
		e.logger.Warn("checkout failed",
			zap.Int64("asset_id", asset.ID), zap.Error(err))
		return nil
	}
	stats.CheckedOut++
	return nil
}

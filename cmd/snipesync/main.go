// Command snipesync reconciles device inventory between an MDM and an
// asset-management service: devices are pulled from the MDM, matched or
// created as assets, mapped fields are synced MDM-to-asset, and the
// authoritative asset tag is pushed back to the MDM.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"snipesync/internal/config"
	"snipesync/internal/mdm"
	"snipesync/internal/reconcile"
	"snipesync/internal/registry"
	"snipesync/internal/snipe"
	"snipesync/internal/version"
	"snipesync/pkg/models"
)

func main() {
	configPath := flag.String("config", "", "path to settings.conf (overrides the search path)")
	computers := flag.Bool("computers", false, "sync computers only")
	mobiles := flag.Bool("mobiles", false, "sync mobile devices only")
	users := flag.Bool("users", false, "check out assets that are currently unassigned")
	usersInverse := flag.Bool("users-inverse", false, "check out assets that are currently assigned")
	usersForce := flag.Bool("users-force", false, "always check out to the MDM-declared user")
	dryRun := flag.Bool("dryrun", false, "verify connectivity and fetch inventories, but write nothing")
	verbose := flag.Bool("verbose", false, "log at info level")
	debug := flag.Bool("debug", false, "log at debug level")
	rateLimited := flag.Bool("ratelimited", false, "pace asset-management calls under the service's published rate limit")
	skipSSLVerify := flag.Bool("skip-ssl-verify", false, "skip TLS certificate verification (self-signed instances)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	logger, err := buildLogger(*verbose, *debug)
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("run_id", uuid.NewString()))

	if *computers && *mobiles {
		logger.Fatal("-computers and -mobiles are mutually exclusive")
	}
	mode, err := userSyncMode(*users, *usersInverse, *usersForce)
	if err != nil {
		logger.Fatal("invalid user-sync flags", zap.Error(err))
	}

	settings, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("no usable configuration", zap.Error(err))
	}
	if err := settings.Validate(mode != reconcile.UserSyncOff); err != nil {
		logger.Fatal("configuration is invalid", zap.Error(err))
	}

	if *dryRun {
		logger.Info("dry run: no assets will be created or updated")
	}
	logger.Info("SSL verification", zap.Bool("enabled", !*skipSSLVerify))

	httpClient := &http.Client{Timeout: 60 * time.Second}
	if *skipSSLVerify {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // explicit operator opt-in
		}
	}

	ctx := context.Background()

	snipeClient := snipe.New(snipe.Config{
		URL:         settings.Snipe.URL,
		APIKey:      settings.Snipe.APIKey,
		RateLimited: *rateLimited,
	}, httpClient, logger)
	if err := snipeClient.Ping(ctx); err != nil {
		logger.Fatal("asset-management connectivity check failed", zap.Error(err))
	}

	mdmClient := mdm.New(mdm.Config{
		URL:             settings.MDM.URL,
		AccessToken:     settings.MDM.AccessToken,
		Username:        settings.MDM.Username,
		Password:        settings.MDM.Password,
		RateLimit:       settings.MDM.RateLimit,
		SpecificColumns: splitColumns(settings.MDM.SpecificColumns),
	}, httpClient, logger)
	if err := mdmClient.Login(ctx); err != nil {
		logger.Fatal("MDM authentication failed", zap.Error(err))
	}

	catalog, err := snipeClient.Models(ctx)
	if err != nil {
		logger.Fatal("unable to load the complete model catalog", zap.Error(err))
	}
	reg := registry.New(catalog)
	logger.Info("model catalog loaded",
		zap.Int("listed", len(catalog)),
		zap.Int("with_model_number", reg.Len()))

	classes := selectedClasses(*computers, *mobiles)
	inventory := make(map[models.DeviceClass][]models.Device, len(classes))
	total := 0
	for _, class := range classes {
		devices, err := mdmClient.ListDevices(ctx, class)
		if err != nil {
			// A truncated listing still reconciles the devices we did get.
			logger.Warn("device listing incomplete, continuing with the fetched prefix",
				zap.String("class", string(class)), zap.Error(err))
		}
		inventory[class] = devices
		total += len(devices)
	}
	logger.Info("device inventory fetched", zap.Int("devices", total))

	if *dryRun {
		logger.Info("dry run complete, nothing was modified")
		return
	}

	engine := reconcile.New(mdmClient, snipeClient, reg, settings, mode, logger)
	var totals reconcile.Stats
	for _, class := range classes {
		stats, err := engine.Run(ctx, class, inventory[class])
		addStats(&totals, stats)
		if err != nil {
			logger.Fatal("run aborted", zap.String("class", string(class)), zap.Error(err))
		}
	}

	logger.Info("sync complete",
		zap.Int("processed", totals.Processed),
		zap.Int("created", totals.Created),
		zap.Int("updated", totals.Updated),
		zap.Int("checked_out", totals.CheckedOut),
		zap.Int("tags_synced", totals.TagSynced),
		zap.Int("skipped", totals.Skipped))
}

// buildLogger selects the log level from the verbosity flags: warn by
// default, info with -verbose, debug with -debug.
func buildLogger(verbose, debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch {
	case debug:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case verbose:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	return cfg.Build()
}

// userSyncMode maps the three mutually exclusive user flags to a mode.
func userSyncMode(users, inverse, force bool) (reconcile.UserSyncMode, error) {
	set := 0
	for _, b := range []bool{users, inverse, force} {
		if b {
			set++
		}
	}
	if set > 1 {
		return reconcile.UserSyncOff, fmt.Errorf("-users, -users-inverse, and -users-force are mutually exclusive")
	}
	switch {
	case users:
		return reconcile.UserSyncUnassigned, nil
	case inverse:
		return reconcile.UserSyncAssigned, nil
	case force:
		return reconcile.UserSyncForce, nil
	default:
		return reconcile.UserSyncOff, nil
	}
}

// selectedClasses applies the class filter flags.
func selectedClasses(computers, mobiles bool) []models.DeviceClass {
	switch {
	case computers:
		return []models.DeviceClass{models.ClassComputers}
	case mobiles:
		return []models.DeviceClass{models.ClassMobileDevices}
	default:
		return []models.DeviceClass{models.ClassComputers, models.ClassMobileDevices}
	}
}

func splitColumns(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	cols := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			cols = append(cols, p)
		}
	}
	return cols
}

func addStats(dst *reconcile.Stats, s reconcile.Stats) {
	dst.Processed += s.Processed
	dst.Created += s.Created
	dst.Updated += s.Updated
	dst.Skipped += s.Skipped
	dst.CheckedOut += s.CheckedOut
	dst.TagSynced += s.TagSynced
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/banshee-data/posebridge/internal/calibration"
	"github.com/banshee-data/posebridge/internal/config"
	"github.com/banshee-data/posebridge/internal/db"
	"github.com/banshee-data/posebridge/internal/devices/serialjoints"
	"github.com/banshee-data/posebridge/internal/devices/synthetic"
	"github.com/banshee-data/posebridge/internal/devices/wsjoints"
	"github.com/banshee-data/posebridge/internal/joints"
	"github.com/banshee-data/posebridge/internal/legacypipe"
	"github.com/banshee-data/posebridge/internal/syncproto"
)

// fallbackDevice names the synthetic skeleton used when no manifest exists.
const fallbackDevice = "synthetic"

// newRegistry registers every built-in driver and loads the manifest. A
// missing manifest leaves a single synthetic device. Devices that fail to
// load are logged and skipped.
func newRegistry(cfg *config.Config, log *zap.Logger) (*joints.Registry, error) {
	reg := joints.NewRegistry()
	reg.Register(synthetic.Driver, synthetic.Factory)
	reg.Register(serialjoints.Driver, serialjoints.Factory)
	reg.Register(wsjoints.Driver, wsjoints.Factory)

	path := cfg.GetManifestPath()
	m, err := joints.LoadManifest(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Info("no device manifest, using the synthetic skeleton", zap.String("manifest", path))
		reg.Add(synthetic.New(fallbackDevice))
		return reg, nil
	case err != nil:
		return nil, err
	}
	if err := reg.Load(m); err != nil {
		log.Warn("some devices failed to load", zap.Error(err))
	}
	if len(reg.Devices()) == 0 {
		return nil, fmt.Errorf("no device in %s could be loaded", path)
	}
	return reg, nil
}

// initDevices connects every loaded device. Failures are surfaced through
// the device status and never stop the caller.
func initDevices(reg *joints.Registry, log *zap.Logger) {
	for _, d := range reg.Devices() {
		if err := d.Initialize(); err != nil {
			log.Warn("device failed to initialize", zap.String("device", d.Name()), zap.Error(err))
		}
	}
}

// shutdownDevices disconnects every device except the ones listed, which
// are owned by the pose loop.
func shutdownDevices(reg *joints.Registry, log *zap.Logger, skip ...joints.Device) {
	owned := make(map[string]bool)
	for _, d := range skip {
		if d != nil {
			owned[d.Name()] = true
		}
	}
	for _, d := range reg.Devices() {
		if owned[d.Name()] {
			continue
		}
		if err := d.Shutdown(); err != nil {
			log.Warn("device shutdown failed", zap.String("device", d.Name()), zap.Error(err))
		}
	}
}

// selectDevices resolves the configured base and override. An empty base
// picks the first selectable device.
func selectDevices(reg *joints.Registry, cfg *config.Config) (base, override joints.Device, err error) {
	if name := cfg.GetBaseDevice(); name != "" {
		if base, err = reg.Selectable(name); err != nil {
			return nil, nil, fmt.Errorf("base device: %w", err)
		}
	} else {
		for _, d := range reg.Devices() {
			if d.Kind() != joints.Spectator {
				base = d
				break
			}
		}
		if base == nil {
			return nil, nil, errors.New("no selectable base device")
		}
	}
	if name := cfg.GetOverrideDevice(); name != "" {
		if override, err = reg.Selectable(name); err != nil {
			return nil, nil, fmt.Errorf("override device: %w", err)
		}
		if override.Name() == base.Name() {
			return nil, nil, fmt.Errorf("override device %q is also the base device", name)
		}
	}
	return base, override, nil
}

// dialTransport connects to the driver over the configured transport.
func dialTransport(cfg *config.Config) (syncproto.Transport, error) {
	addr := cfg.GetSyncAddress()
	switch cfg.GetSyncTransport() {
	case config.TransportPipe:
		c, err := legacypipe.Dial(addr)
		if err != nil {
			return nil, err
		}
		c.SetReplyTimeout(cfg.GetReplyTimeout())
		return c, nil
	default:
		return syncproto.Dial(addr)
	}
}

// loadCalibration reads both committed records.
func loadCalibration(ctx context.Context, store calibration.Store) ([2]calibration.Record, error) {
	var out [2]calibration.Record
	for _, slot := range []calibration.Slot{calibration.Base, calibration.Override} {
		rec, err := store.LoadCalibration(ctx, slot)
		if err != nil {
			return out, err
		}
		out[slot] = rec
	}
	return out, nil
}

func openStore(cfg *config.Config) (*db.DB, error) {
	store, err := db.NewDB(cfg.GetDatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.GetDatabasePath(), err)
	}
	return store, nil
}

// Package config loads the posebridge TOML configuration. Every field is a
// pointer so an absent key falls back to the default its Get accessor
// returns; Validate only checks keys that are present.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/banshee-data/posebridge/internal/calibration"
	"github.com/banshee-data/posebridge/internal/filter"
	"github.com/banshee-data/posebridge/internal/monitoring"
	"github.com/banshee-data/posebridge/internal/spatial"
	"github.com/banshee-data/posebridge/internal/tracker"
)

// DefaultConfigPath is where the CLI looks when no --config is given.
const DefaultConfigPath = "posebridge.toml"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Sync transports.
const (
	TransportGRPC = "grpc"
	TransportPipe = "pipe"
)

// Config is the root of the configuration file.
type Config struct {
	App         AppConfig         `toml:"app"`
	Devices     DevicesConfig     `toml:"devices"`
	Flip        FlipConfig        `toml:"flip"`
	Sync        SyncConfig        `toml:"sync"`
	Calibration CalibrationConfig `toml:"calibration"`
	Trackers    []TrackerConfig   `toml:"trackers"`
}

type AppConfig struct {
	LoopRate     *float64 `toml:"loop_rate,omitempty"` // Hz
	LogLevel     *string  `toml:"log_level,omitempty"`
	LogFile      *string  `toml:"log_file,omitempty"`
	AdminListen  *string  `toml:"admin_listen,omitempty"`
	DatabasePath *string  `toml:"database_path,omitempty"`
	ManifestPath *string  `toml:"manifest_path,omitempty"`
}

type DevicesConfig struct {
	Base     *string `toml:"base,omitempty"`
	Override *string `toml:"override,omitempty"`
}

type FlipConfig struct {
	Enabled     *bool    `toml:"enabled,omitempty"`
	External    *bool    `toml:"external,omitempty"`
	ExternalYaw *float64 `toml:"external_yaw,omitempty"` // degrees
}

type SyncConfig struct {
	Transport    *string `toml:"transport,omitempty"`
	Address      *string `toml:"address,omitempty"`
	QueueSize    *int    `toml:"queue_size,omitempty"`
	ReplyTimeout *string `toml:"reply_timeout,omitempty"` // duration string like "1s"
}

type CalibrationConfig struct {
	Points    *int    `toml:"points,omitempty"`
	Move      *string `toml:"move,omitempty"`
	Hold      *string `toml:"hold,omitempty"`
	Settle    *string `toml:"settle,omitempty"`
	CaptureAt *string `toml:"capture_at,omitempty"`
}

// TrackerConfig is one [[trackers]] entry. Only role is required.
type TrackerConfig struct {
	Role              string      `toml:"role"`
	Serial            *string     `toml:"serial,omitempty"`
	Enabled           *bool       `toml:"enabled,omitempty"`
	PositionFilter    *string     `toml:"position_filter,omitempty"`
	OrientationFilter *string     `toml:"orientation_filter,omitempty"`
	Rotation          *string     `toml:"rotation,omitempty"`
	PositionOffset    *[3]float64 `toml:"position_offset,omitempty"`    // metres
	OrientationOffset *[3]float64 `toml:"orientation_offset,omitempty"` // euler degrees
	OverridePosition  *bool       `toml:"override_position,omitempty"`
	OverrideRotation  *bool       `toml:"override_rotation,omitempty"`
	BaseJoint         *int        `toml:"base_joint,omitempty"`
	OverrideJoint     *int        `toml:"override_joint,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// Empty returns a config where every value is defaulted.
func Empty() *Config {
	return &Config{}
}

// LoadConfig reads, decodes and validates the file at path. Unknown keys
// are rejected.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".toml" {
		return nil, fmt.Errorf("config file must have .toml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("failed to parse config TOML: %s", strict.String())
		}
		return nil, fmt.Errorf("failed to parse config TOML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Marshal encodes the config back to TOML.
func (c *Config) Marshal() ([]byte, error) {
	return toml.Marshal(c)
}

// Validate checks every present value.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if c.App.LoopRate != nil && (*c.App.LoopRate <= 0 || *c.App.LoopRate > 1000) {
		add(fmt.Errorf("app.loop_rate must be in (0, 1000] Hz, got %g", *c.App.LoopRate))
	}
	if c.App.LogLevel != nil {
		if _, err := monitoring.ParseLevel(*c.App.LogLevel); err != nil {
			add(fmt.Errorf("app.log_level: %w", err))
		}
	}
	if c.Devices.Base != nil && c.Devices.Override != nil && *c.Devices.Base != "" && *c.Devices.Base == *c.Devices.Override {
		add(fmt.Errorf("devices.override must differ from devices.base (%q)", *c.Devices.Base))
	}

	if c.Sync.Transport != nil && *c.Sync.Transport != TransportGRPC && *c.Sync.Transport != TransportPipe {
		add(fmt.Errorf("sync.transport must be %q or %q, got %q", TransportGRPC, TransportPipe, *c.Sync.Transport))
	}
	if c.Sync.QueueSize != nil && *c.Sync.QueueSize <= 0 {
		add(fmt.Errorf("sync.queue_size must be positive, got %d", *c.Sync.QueueSize))
	}
	add(checkDuration("sync.reply_timeout", c.Sync.ReplyTimeout))

	for name, v := range map[string]*string{
		"calibration.move":       c.Calibration.Move,
		"calibration.hold":       c.Calibration.Hold,
		"calibration.settle":     c.Calibration.Settle,
		"calibration.capture_at": c.Calibration.CaptureAt,
	} {
		add(checkDuration(name, v))
	}
	if len(errs) == 0 {
		if err := c.GetAutoCalibration().Validate(); err != nil {
			add(fmt.Errorf("calibration: %w", err))
		}
	}

	if _, err := c.TrackerSet(); err != nil {
		add(err)
	}
	return errors.Join(errs...)
}

func checkDuration(name string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	if _, err := time.ParseDuration(*v); err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func (c *Config) GetLoopRate() float64 {
	if c.App.LoopRate == nil {
		return 100
	}
	return *c.App.LoopRate
}

// GetPeriod is the pose loop tick length.
func (c *Config) GetPeriod() time.Duration {
	return time.Duration(float64(time.Second) / c.GetLoopRate())
}

func (c *Config) GetLogLevel() string {
	if c.App.LogLevel == nil {
		return "info"
	}
	return *c.App.LogLevel
}

func (c *Config) GetLogFile() string {
	if c.App.LogFile == nil {
		return ""
	}
	return *c.App.LogFile
}

func (c *Config) GetAdminListen() string {
	if c.App.AdminListen == nil {
		return "localhost:8090"
	}
	return *c.App.AdminListen
}

func (c *Config) GetDatabasePath() string {
	if c.App.DatabasePath == nil {
		return "posebridge.db"
	}
	return *c.App.DatabasePath
}

func (c *Config) GetManifestPath() string {
	if c.App.ManifestPath == nil {
		return "devices.yaml"
	}
	return *c.App.ManifestPath
}

// GetBaseDevice is the base device name. Empty selects the first
// selectable device.
func (c *Config) GetBaseDevice() string {
	if c.Devices.Base == nil {
		return ""
	}
	return *c.Devices.Base
}

// GetOverrideDevice is the override device name. Empty means none.
func (c *Config) GetOverrideDevice() string {
	if c.Devices.Override == nil {
		return ""
	}
	return *c.Devices.Override
}

func (c *Config) GetFlipEnabled() bool {
	if c.Flip.Enabled == nil {
		return true
	}
	return *c.Flip.Enabled
}

func (c *Config) GetFlipExternal() bool {
	if c.Flip.External == nil {
		return false
	}
	return *c.Flip.External
}

// GetFlipExternalYaw is the neutral heading of the external waist tracker
// in radians.
func (c *Config) GetFlipExternalYaw() float64 {
	if c.Flip.ExternalYaw == nil {
		return 0
	}
	return spatial.Radians(*c.Flip.ExternalYaw)
}

func (c *Config) GetSyncTransport() string {
	if c.Sync.Transport == nil {
		return TransportGRPC
	}
	return *c.Sync.Transport
}

// GetSyncAddress is the driver address: host:port for gRPC, a socket path
// for the pipe.
func (c *Config) GetSyncAddress() string {
	if c.Sync.Address != nil && *c.Sync.Address != "" {
		return *c.Sync.Address
	}
	if c.GetSyncTransport() == TransportPipe {
		return filepath.Join(os.TempDir(), "posebridge.sock")
	}
	return "localhost:7135"
}

func (c *Config) GetQueueSize() int {
	if c.Sync.QueueSize == nil {
		return 128
	}
	return *c.Sync.QueueSize
}

func (c *Config) GetReplyTimeout() time.Duration {
	return durationOr(c.Sync.ReplyTimeout, time.Second)
}

// GetAutoCalibration overlays the [calibration] section on the default
// automatic calibration timings.
func (c *Config) GetAutoCalibration() calibration.AutoConfig {
	def := calibration.DefaultAutoConfig()
	out := calibration.AutoConfig{
		Points:    def.Points,
		Move:      durationOr(c.Calibration.Move, def.Move),
		Hold:      durationOr(c.Calibration.Hold, def.Hold),
		Settle:    durationOr(c.Calibration.Settle, def.Settle),
		CaptureAt: durationOr(c.Calibration.CaptureAt, def.CaptureAt),
	}
	if c.Calibration.Points != nil {
		out.Points = *c.Calibration.Points
	}
	return out
}

// TrackerSet builds the tracker list. With no [[trackers]] entries it is
// tracker.Defaults().
func (c *Config) TrackerSet() ([]tracker.Tracker, error) {
	if len(c.Trackers) == 0 {
		return tracker.Defaults(), nil
	}
	var errs []error
	out := make([]tracker.Tracker, 0, len(c.Trackers))
	for i, tc := range c.Trackers {
		t, err := tc.build()
		if err != nil {
			errs = append(errs, fmt.Errorf("trackers[%d]: %w", i, err))
			continue
		}
		out = append(out, t)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := tracker.Validate(out); err != nil {
		return nil, fmt.Errorf("trackers: %w", err)
	}
	return out, nil
}

func (tc TrackerConfig) build() (tracker.Tracker, error) {
	role, err := tracker.ParseRole(tc.Role)
	if err != nil {
		return tracker.Tracker{}, err
	}
	t := tracker.New(role)
	if tc.Serial != nil {
		t.Serial = *tc.Serial
	}
	if tc.Enabled != nil {
		t.Enabled = *tc.Enabled
	}
	if tc.PositionFilter != nil {
		if t.PositionFilter, err = filter.ParsePositionMode(*tc.PositionFilter); err != nil {
			return t, err
		}
	}
	if tc.OrientationFilter != nil {
		if t.OrientationFilter, err = filter.ParseOrientationMode(*tc.OrientationFilter); err != nil {
			return t, err
		}
	}
	if tc.Rotation != nil {
		if t.Rotation, err = tracker.ParseRotationMode(*tc.Rotation); err != nil {
			return t, err
		}
		if t.Rotation.IsSoftware() && !role.IsFoot() {
			return t, fmt.Errorf("rotation %s is only available for feet", t.Rotation)
		}
	}
	if p := tc.PositionOffset; p != nil {
		t.PositionOffset = spatial.V(p[0], p[1], p[2])
	}
	if o := tc.OrientationOffset; o != nil {
		t.OrientationOffset = spatial.FromEuler(spatial.Radians(o[0]), spatial.Radians(o[1]), spatial.Radians(o[2]))
	}
	if tc.OverridePosition != nil {
		t.OverridePosition = *tc.OverridePosition
	}
	if tc.OverrideRotation != nil {
		t.OverrideRotation = *tc.OverrideRotation
	}
	if tc.BaseJoint != nil {
		t.BaseJoint = *tc.BaseJoint
	}
	if tc.OverrideJoint != nil {
		t.OverrideJoint = *tc.OverrideJoint
	}
	return t, nil
}

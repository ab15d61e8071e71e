package config

import (
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/posebridge/internal/filter"
	"github.com/banshee-data/posebridge/internal/spatial"
	"github.com/banshee-data/posebridge/internal/testutil"
	"github.com/banshee-data/posebridge/internal/tracker"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	return testutil.WriteFile(t, name, body)
}

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := Empty()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 100.0, cfg.GetLoopRate())
	assert.Equal(t, 10*time.Millisecond, cfg.GetPeriod())
	assert.Equal(t, "info", cfg.GetLogLevel())
	assert.Equal(t, "localhost:8090", cfg.GetAdminListen())
	assert.Equal(t, "posebridge.db", cfg.GetDatabasePath())
	assert.Equal(t, "devices.yaml", cfg.GetManifestPath())
	assert.True(t, cfg.GetFlipEnabled())
	assert.False(t, cfg.GetFlipExternal())
	assert.Equal(t, TransportGRPC, cfg.GetSyncTransport())
	assert.Equal(t, "localhost:7135", cfg.GetSyncAddress())
	assert.Equal(t, 128, cfg.GetQueueSize())
	assert.Equal(t, time.Second, cfg.GetReplyTimeout())
	assert.Equal(t, 3, cfg.GetAutoCalibration().Points)

	ts, err := cfg.TrackerSet()
	require.NoError(t, err)
	assert.Equal(t, tracker.Defaults(), ts)
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, "posebridge.toml", `
[app]
loop_rate = 50.0
log_level = "debug"

[devices]
base = "kinect"
override = "psmove"

[flip]
external = true
external_yaw = 90.0

[sync]
transport = "pipe"
reply_timeout = "250ms"

[calibration]
points = 4
hold = "2s"

[[trackers]]
role = "waist"
position_filter = "kalman"
orientation_filter = "none"
position_offset = [0.0, 0.1, 0.0]

[[trackers]]
role = "left_foot"
serial = "LF-1"
rotation = "software_v2"
override_position = true
orientation_offset = [0.0, 90.0, 0.0]
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 20*time.Millisecond, cfg.GetPeriod())
	assert.Equal(t, "kinect", cfg.GetBaseDevice())
	assert.Equal(t, "psmove", cfg.GetOverrideDevice())
	assert.True(t, cfg.GetFlipExternal())
	assert.InDelta(t, math.Pi/2, cfg.GetFlipExternalYaw(), 1e-12)
	assert.Equal(t, TransportPipe, cfg.GetSyncTransport())
	assert.True(t, strings.HasSuffix(cfg.GetSyncAddress(), "posebridge.sock"))
	assert.Equal(t, 250*time.Millisecond, cfg.GetReplyTimeout())

	auto := cfg.GetAutoCalibration()
	assert.Equal(t, 4, auto.Points)
	assert.Equal(t, 2*time.Second, auto.Hold)
	assert.Equal(t, 3*time.Second, auto.Move)

	ts, err := cfg.TrackerSet()
	require.NoError(t, err)
	require.Len(t, ts, 2)
	assert.Equal(t, filter.PositionKalman, ts[0].PositionFilter)
	assert.Equal(t, filter.OrientationNone, ts[0].OrientationFilter)
	assert.Equal(t, spatial.V(0, 0.1, 0), ts[0].PositionOffset)
	assert.Equal(t, "LF-1", ts[1].Serial)
	assert.Equal(t, tracker.SoftwareCalculatedV2, ts[1].Rotation)
	assert.True(t, ts[1].OverridePosition)
	assert.Less(t, spatial.AngleBetween(spatial.YawQuat(math.Pi/2), ts[1].OrientationOffset), 1e-9)
}

func TestLoadConfigRejects(t *testing.T) {
	cases := map[string]struct {
		name, body, want string
	}{
		"extension":     {"config.json", `{}`, ".toml extension"},
		"unknown key":   {"a.toml", "[app]\nloop_hz = 3\n", "failed to parse"},
		"loop rate":     {"a.toml", "[app]\nloop_rate = 0.0\n", "loop_rate"},
		"log level":     {"a.toml", "[app]\nlog_level = \"loud\"\n", "log_level"},
		"same devices":  {"a.toml", "[devices]\nbase = \"k\"\noverride = \"k\"\n", "must differ"},
		"transport":     {"a.toml", "[sync]\ntransport = \"udp\"\n", "sync.transport"},
		"timeout":       {"a.toml", "[sync]\nreply_timeout = \"soon\"\n", "reply_timeout"},
		"capture":       {"a.toml", "[calibration]\nhold = \"1s\"\ncapture_at = \"2s\"\n", "capture_at"},
		"role":          {"a.toml", "[[trackers]]\nrole = \"tail\"\n", "unknown tracker role"},
		"software knee": {"a.toml", "[[trackers]]\nrole = \"left_knee\"\nrotation = \"software\"\n", "only available for feet"},
		"duplicate":     {"a.toml", "[[trackers]]\nrole = \"waist\"\n[[trackers]]\nrole = \"waist\"\n", "configured twice"},
		"empty serial":  {"a.toml", "[[trackers]]\nrole = \"waist\"\nserial = \"\"\n", "empty serial"},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, c.name, c.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), c.want)
		})
	}
}

func TestLoadConfigTooLarge(t *testing.T) {
	path := writeConfig(t, "big.toml", "# "+strings.Repeat("x", maxFileSize)+"\n")
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to stat")
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Empty()
	cfg.App.LoopRate = ptrFloat64(90)
	cfg.Flip.Enabled = ptrBool(false)
	cfg.Sync.Transport = ptrString(TransportPipe)
	cfg.Calibration.Points = ptrInt(5)
	cfg.Trackers = []TrackerConfig{{Role: "chest", Enabled: ptrBool(true)}}

	data, err := cfg.Marshal()
	require.NoError(t, err)
	path := writeConfig(t, "round.toml", string(data))
	back, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}

package tracker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/banshee-data/posebridge/internal/filter"
	"github.com/banshee-data/posebridge/internal/spatial"
)

// RotationMode selects where a tracker's orientation comes from.
type RotationMode int

const (
	// DeviceInferred uses the device's own joint orientation.
	DeviceInferred RotationMode = iota
	// SoftwareCalculated derives foot orientation from knee, ankle and foot
	// positions.
	SoftwareCalculated
	// SoftwareCalculatedV2 is the shin-direction foot orientation.
	SoftwareCalculatedV2
	// FollowHMD copies the headset's heading.
	FollowHMD
	// Disabled always reports the identity rotation.
	Disabled
)

var rotationModeNames = map[RotationMode]string{
	DeviceInferred:       "device",
	SoftwareCalculated:   "software",
	SoftwareCalculatedV2: "software_v2",
	FollowHMD:            "follow_hmd",
	Disabled:             "disabled",
}

func (m RotationMode) String() string {
	if n, ok := rotationModeNames[m]; ok {
		return n
	}
	return fmt.Sprintf("RotationMode(%d)", int(m))
}

// ParseRotationMode is the inverse of String.
func ParseRotationMode(s string) (RotationMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for m, n := range rotationModeNames {
		if n == s {
			return m, nil
		}
	}
	return DeviceInferred, fmt.Errorf("unknown rotation mode %q", s)
}

// IsSoftware reports whether m is one of the calculated foot modes.
func (m RotationMode) IsSoftware() bool {
	return m == SoftwareCalculated || m == SoftwareCalculatedV2
}

// Tracker is the configuration of one virtual tracker. Values are copied
// into pipeline snapshots and never mutated in place.
type Tracker struct {
	Role    Role
	Serial  string
	Enabled bool

	PositionOffset    spatial.Vec
	OrientationOffset spatial.Quat

	PositionFilter    filter.PositionMode
	OrientationFilter filter.OrientationMode
	Rotation          RotationMode

	// OverridePosition and OverrideRotation take that component from the
	// override device when one is selected.
	OverridePosition bool
	OverrideRotation bool

	// BaseJoint and OverrideJoint index the named-joint list of a
	// JointsBasis base or override device.
	BaseJoint     int
	OverrideJoint int
}

// New returns a tracker for role with default settings.
func New(role Role) Tracker {
	return Tracker{
		Role:              role,
		Serial:            role.DefaultSerial(),
		Enabled:           true,
		OrientationOffset: spatial.Identity(),
		PositionFilter:    filter.PositionLowPass,
		OrientationFilter: filter.OrientationSLERP,
		Rotation:          DeviceInferred,
	}
}

// Defaults is the stock waist plus feet set. Elbows and knees are present
// but disabled.
func Defaults() []Tracker {
	var out []Tracker
	for _, r := range []Role{Waist, LeftFoot, RightFoot, LeftElbow, RightElbow, LeftKnee, RightKnee} {
		t := New(r)
		t.Enabled = r == Waist || r.IsFoot()
		out = append(out, t)
	}
	return out
}

// Validate checks a tracker set: every role valid and used once, every
// serial non-empty and unique.
func Validate(ts []Tracker) error {
	seenRole := make(map[Role]bool)
	seenSerial := make(map[string]Role)
	var errs []error
	for _, t := range ts {
		if !t.Role.Valid() {
			errs = append(errs, fmt.Errorf("invalid role %d", int(t.Role)))
			continue
		}
		if seenRole[t.Role] {
			errs = append(errs, fmt.Errorf("role %s configured twice", t.Role))
		}
		seenRole[t.Role] = true
		if t.Serial == "" {
			errs = append(errs, fmt.Errorf("role %s has an empty serial", t.Role))
			continue
		}
		if other, dup := seenSerial[t.Serial]; dup {
			errs = append(errs, fmt.Errorf("serial %q used by %s and %s", t.Serial, other, t.Role))
		}
		seenSerial[t.Serial] = t.Role
		if t.BaseJoint < 0 || t.OverrideJoint < 0 {
			errs = append(errs, fmt.Errorf("role %s has a negative joint index", t.Role))
		}
	}
	return errors.Join(errs...)
}

// Find returns the tracker with role r.
func Find(ts []Tracker, r Role) (Tracker, bool) {
	for _, t := range ts {
		if t.Role == r {
			return t, true
		}
	}
	return Tracker{}, false
}

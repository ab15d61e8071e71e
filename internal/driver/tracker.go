// Package driver is the VR-runtime side of posebridge. Provider keeps one
// virtual Tracker per role, registers trackers with a Runtime on demand and
// answers the sync protocol as a syncproto.Backend.
package driver

import (
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/posebridge/internal/spatial"
	"github.com/banshee-data/posebridge/internal/tracker"
)

// Lifecycle errors.
var (
	ErrEmptySerial     = errors.New("tracker serial is empty")
	ErrDuplicateSerial = errors.New("tracker serial already registered")
	ErrNotRegistered   = errors.New("tracker not registered")
)

// InvalidIndex is the runtime index of a tracker that was never activated.
const InvalidIndex = -1

// Registration property names.
const (
	PropTrackingSystem   = "TrackingSystemName"
	PropManufacturer     = "ManufacturerName"
	PropModelNumber      = "ModelNumber"
	PropSerialNumber     = "SerialNumber"
	PropRenderModel      = "RenderModelName"
	PropFirmwareVersion  = "TrackingFirmwareVersion"
	PropHardwareRevision = "HardwareRevision"
	PropControllerType   = "ControllerType"
	PropInputProfile     = "InputProfilePath"
	PropRoleHint         = "ControllerRoleHint"
	PropRegisteredType   = "RegisteredDeviceType"
	PropWillDriftInYaw   = "WillDriftInYaw"
	PropDeviceIsWireless = "DeviceIsWireless"
	PropBatteryPercent   = "DeviceBatteryPercentage"
)

// Fixed registration values.
const (
	Manufacturer     = "posebridge"
	ModelNumber      = "posebridge BodyTracker"
	RenderModel      = "{htc}vr_tracker_vive_1_0"
	FirmwareVersion  = "1541800000 RUNNER-WATCHMAN$runner-watchman@runner-watchman 2018-01-01 FPGA 512(2.56/0/0) BL 0 VRC 1541800000 Radio 1518800000"
	HardwareRevision = "product 128 rev 2.5.6 lot 2000/0/0 0"
)

// Properties are written to the runtime when a tracker is activated.
type Properties map[string]any

// PropertiesFor returns the registration properties of a tracker.
func PropertiesFor(role tracker.Role, serial string) Properties {
	return Properties{
		PropTrackingSystem:   Manufacturer,
		PropManufacturer:     Manufacturer,
		PropModelNumber:      ModelNumber,
		PropSerialNumber:     serial,
		PropRenderModel:      RenderModel,
		PropFirmwareVersion:  FirmwareVersion,
		PropHardwareRevision: HardwareRevision,
		PropControllerType:   role.ControllerType(),
		PropInputProfile:     "{htc}/input/tracker/" + role.ControllerType() + "_profile.json",
		PropRoleHint:         role.RoleHint(),
		PropRegisteredType:   Manufacturer + "/vr_tracker/" + serial,
		PropWillDriftInYaw:   false,
		PropDeviceIsWireless: true,
		PropBatteryPercent:   1.0,
	}
}

// DriverPose is what a tracker reports to the runtime.
type DriverPose struct {
	Pose      spatial.Pose
	Valid     bool
	Connected bool
}

// Tracker is one virtual tracker. It moves from unregistered to registered
// on Spawn, from registered to activated when the runtime calls Activate,
// and reports poses only once activated.
type Tracker struct {
	role   tracker.Role
	serial string

	// spawnMu is held across AddDevice, which may call back into Activate
	// and so cannot run under mu.
	spawnMu sync.Mutex

	mu        sync.Mutex
	added     bool
	activated bool
	index     int
	active    bool
	pose      DriverPose
}

// NewTracker returns an unregistered tracker.
func NewTracker(role tracker.Role, serial string) *Tracker {
	return &Tracker{
		role:   role,
		serial: serial,
		index:  InvalidIndex,
		pose:   DriverPose{Pose: spatial.IdentityPose(), Valid: true},
	}
}

func (t *Tracker) Role() tracker.Role { return t.role }
func (t *Tracker) Serial() string     { return t.serial }

// Spawn registers the tracker with rt. Spawning an already registered
// tracker does nothing.
func (t *Tracker) Spawn(rt Runtime) error {
	if t.serial == "" {
		return ErrEmptySerial
	}
	t.spawnMu.Lock()
	defer t.spawnMu.Unlock()
	t.mu.Lock()
	if t.added {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := rt.AddDevice(t.serial, t); err != nil {
		return fmt.Errorf("failed to add %s: %w", t.serial, err)
	}
	t.mu.Lock()
	t.added = true
	t.mu.Unlock()
	return nil
}

// Activate is called by the runtime with the tracker's device index.
func (t *Tracker) Activate(rt Runtime, index int) error {
	if err := rt.SetProperties(index, PropertiesFor(t.role, t.serial)); err != nil {
		return fmt.Errorf("failed to write properties of %s: %w", t.serial, err)
	}
	t.mu.Lock()
	t.index = index
	t.activated = true
	t.mu.Unlock()
	return nil
}

// SetState switches the tracker between connected and disconnected.
func (t *Tracker) SetState(active bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = active
}

// SetPose stores p and pushes it.
func (t *Tracker) SetPose(rt Runtime, p spatial.Pose) {
	t.mu.Lock()
	t.pose.Pose = p
	t.mu.Unlock()
	t.Update(rt)
}

// Update pushes the current pose when the tracker is activated. An
// inactive tracker is reported as disconnected.
func (t *Tracker) Update(rt Runtime) bool {
	t.mu.Lock()
	if t.index == InvalidIndex || !t.activated {
		t.mu.Unlock()
		return false
	}
	t.pose.Valid = t.active
	t.pose.Connected = t.active
	index, pose := t.index, t.pose
	t.mu.Unlock()

	rt.PoseUpdated(index, pose)
	return true
}

// Status is a point-in-time copy of a tracker.
type Status struct {
	Role      tracker.Role
	Serial    string
	Added     bool
	Activated bool
	Active    bool
	Index     int
	Pose      spatial.Pose
}

// Status returns the tracker's current state.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Status{
		Role:      t.role,
		Serial:    t.serial,
		Added:     t.added,
		Activated: t.activated,
		Active:    t.active,
		Index:     t.index,
		Pose:      t.pose.Pose,
	}
}

func (t *Tracker) registered() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.added
}

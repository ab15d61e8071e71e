package joints

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the runtime tag that says which device shape a device has.
type Kind int

const (
	SkeletonBasis Kind = iota
	JointsBasis
	Spectator
)

func (k Kind) String() string {
	switch k {
	case SkeletonBasis:
		return "KinectBasis"
	case JointsBasis:
		return "JointsBasis"
	case Spectator:
		return "Spectator"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind accepts the manifest type tags.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "kinectbasis", "skeletonbasis", "skeleton":
		return SkeletonBasis, nil
	case "jointsbasis", "joints":
		return JointsBasis, nil
	case "spectator":
		return Spectator, nil
	}
	return 0, fmt.Errorf("unknown device type %q", s)
}

// Characteristics is the joint richness a SkeletonBasis device declares.
type Characteristics int

const (
	CharacteristicsUnknown Characteristics = iota
	// Basic provides head, waist, ankles and feet.
	Basic
	// Simple adds elbows and knees.
	Simple
	// Full provides every skeleton slot.
	Full
)

func (c Characteristics) String() string {
	switch c {
	case Basic:
		return "basic"
	case Simple:
		return "simple"
	case Full:
		return "full"
	}
	return "unknown"
}

var basicJoints = map[Type]bool{
	Head: true, SpineWaist: true,
	AnkleLeft: true, AnkleRight: true,
	FootLeft: true, FootRight: true,
}

var simpleJoints = map[Type]bool{
	ElbowLeft: true, ElbowRight: true,
	KneeLeft: true, KneeRight: true,
}

// Supports reports whether joint t is semantically valid at this level.
func (c Characteristics) Supports(t Type) bool {
	switch c {
	case Full:
		return t.Valid()
	case Simple:
		return basicJoints[t] || simpleJoints[t]
	case Basic:
		return basicJoints[t]
	}
	return false
}

// Status is a device status code plus a human readable message. Code 0 is
// healthy; anything else is surfaced to the user but never stops the
// pipeline.
type Status struct {
	Code    int
	Message string
}

// OK reports whether the device is healthy.
func (s Status) OK() bool { return s.Code == 0 }

func (s Status) String() string {
	if s.Message == "" {
		return fmt.Sprintf("status %d", s.Code)
	}
	return s.Message
}

// Common status codes.
const (
	StatusOK             = 0
	StatusNotInitialized = 1
	StatusDisconnected   = 2
	StatusError          = 3
)

// ErrNotInitialized is returned by devices asked to update before they
// were initialised.
var ErrNotInitialized = errors.New("device not initialized")

// Device is the contract every joint source satisfies.
type Device interface {
	Name() string
	Kind() Kind
	// OnLoad is called once after the device is constructed.
	OnLoad() error
	// Initialize connects the device. It is idempotent.
	Initialize() error
	// Update refreshes the joint data. Called once per pipeline tick.
	Update() error
	Shutdown() error
	Status() Status
	// Tracked reports whether a skeleton (or any joint) was tracked by the
	// most recent Update.
	Tracked() bool
}

// SkeletonDevice is a device with the fixed 25-slot skeleton.
type SkeletonDevice interface {
	Device
	Characteristics() Characteristics
	Skeleton() Skeleton
	// FlipSupported reports whether the pipeline may mirror this device.
	FlipSupported() bool
	// MathSupported reports whether calculated foot orientation is usable.
	MathSupported() bool
}

// JointsDevice is a device with a variable list of named joints.
type JointsDevice interface {
	Device
	TrackedJoints() []NamedJoint
}

// HeadJoint returns the head joint of d: the Head slot of a skeleton device, or
// the joint named "head" of a joints device, falling back to its first
// joint. ok is false for devices with no joints.
func HeadJoint(d Device) (j Joint, ok bool) {
	switch dev := d.(type) {
	case SkeletonDevice:
		return dev.Skeleton()[Head], true
	case JointsDevice:
		list := dev.TrackedJoints()
		for _, nj := range list {
			if strings.EqualFold(nj.Name, "head") {
				return nj.Joint, true
			}
		}
		if len(list) > 0 {
			return list[0].Joint, true
		}
	}
	return Joint{}, false
}

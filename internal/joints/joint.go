// Package joints defines what a body-tracking device must provide to the
// pose pipeline: the joint model, the two device shapes, and the manifest
// and registry used to discover devices at startup.
package joints

import (
	"fmt"
	"strings"

	"github.com/banshee-data/posebridge/internal/spatial"
)

// TrackingState is the confidence a device reports for one joint.
type TrackingState int

const (
	NotTracked TrackingState = iota
	Inferred
	Tracked
)

func (s TrackingState) String() string {
	switch s {
	case NotTracked:
		return "not_tracked"
	case Inferred:
		return "inferred"
	case Tracked:
		return "tracked"
	}
	return fmt.Sprintf("TrackingState(%d)", int(s))
}

// ParseTrackingState accepts the names above or the digits 0-2.
func ParseTrackingState(s string) (TrackingState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "not_tracked", "nottracked":
		return NotTracked, nil
	case "1", "inferred":
		return Inferred, nil
	case "2", "tracked":
		return Tracked, nil
	}
	return NotTracked, fmt.Errorf("unknown tracking state %q", s)
}

// Joint is one sampled joint.
type Joint struct {
	Position    spatial.Vec
	Orientation spatial.Quat
	State       TrackingState
}

// Pose returns the joint as a pose.
func (j Joint) Pose() spatial.Pose {
	return spatial.Pose{Position: j.Position, Orientation: j.Orientation}
}

// NamedJoint is a joint reported by a JointsBasis device.
type NamedJoint struct {
	Name string
	Joint
}

// Type indexes the fixed skeleton slots of a SkeletonBasis device.
type Type int

const (
	Head Type = iota
	Neck
	SpineShoulder
	ShoulderLeft
	ElbowLeft
	WristLeft
	HandLeft
	HandTipLeft
	ThumbLeft
	ShoulderRight
	ElbowRight
	WristRight
	HandRight
	HandTipRight
	ThumbRight
	SpineMiddle
	SpineWaist
	HipLeft
	KneeLeft
	AnkleLeft
	FootLeft
	HipRight
	KneeRight
	AnkleRight
	FootRight

	// Count is the number of skeleton slots.
	Count int = iota
)

var typeNames = [Count]string{
	"head", "neck", "spine_shoulder",
	"shoulder_left", "elbow_left", "wrist_left", "hand_left", "hand_tip_left", "thumb_left",
	"shoulder_right", "elbow_right", "wrist_right", "hand_right", "hand_tip_right", "thumb_right",
	"spine_middle", "spine_waist",
	"hip_left", "knee_left", "ankle_left", "foot_left",
	"hip_right", "knee_right", "ankle_right", "foot_right",
}

func (t Type) String() string {
	if t.Valid() {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Valid reports whether t is one of the skeleton slots.
func (t Type) Valid() bool { return t >= 0 && int(t) < Count }

// ParseType looks a slot up by name.
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range typeNames {
		if name == s {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("unknown joint %q", s)
}

var mirrors = map[Type]Type{}

var leftRight = map[Type]Type{
	ShoulderLeft: ShoulderRight,
	ElbowLeft:    ElbowRight,
	WristLeft:    WristRight,
	HandLeft:     HandRight,
	HandTipLeft:  HandTipRight,
	ThumbLeft:    ThumbRight,
	HipLeft:      HipRight,
	KneeLeft:     KneeRight,
	AnkleLeft:    AnkleRight,
	FootLeft:     FootRight,
}

func init() {
	for l, r := range leftRight {
		mirrors[l] = r
		mirrors[r] = l
	}
}

// Mirror returns the left/right counterpart of t. Centre-line joints are
// their own mirror.
func (t Type) Mirror() Type {
	if m, ok := mirrors[t]; ok {
		return m
	}
	return t
}

// Skeleton is the full joint array of a SkeletonBasis device.
type Skeleton [Count]Joint

// NewSkeleton returns a skeleton with identity orientations.
func NewSkeleton() Skeleton {
	var s Skeleton
	for i := range s {
		s[i].Orientation = spatial.Identity()
	}
	return s
}

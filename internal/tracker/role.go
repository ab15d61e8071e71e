// Package tracker describes the virtual trackers posebridge drives: their
// roles, the serials and runtime properties each role registers with, and
// the per-tracker settings the pipeline reads every tick.
package tracker

import (
	"fmt"
	"strings"

	"github.com/banshee-data/posebridge/internal/joints"
)

// Role is the body slot a tracker occupies. The numeric values are part of
// the sync wire format; append new roles at the end.
type Role int

const (
	Waist Role = iota
	LeftFoot
	RightFoot
	LeftElbow
	RightElbow
	LeftKnee
	RightKnee
	Chest
	LeftShoulder
	RightShoulder
	LeftHip
	RightHip
	Camera

	roleCount
)

type roleInfo struct {
	name   string // config and log name
	serial string
	vive   string // runtime controller type suffix and role hint
	joint  joints.Type
}

var roles = [roleCount]roleInfo{
	Waist:         {"waist", "AME-WAIST", "waist", joints.SpineWaist},
	LeftFoot:      {"left_foot", "AME-LFOOT", "left_foot", joints.AnkleLeft},
	RightFoot:     {"right_foot", "AME-RFOOT", "right_foot", joints.AnkleRight},
	LeftElbow:     {"left_elbow", "AME-LELBOW", "left_elbow", joints.ElbowLeft},
	RightElbow:    {"right_elbow", "AME-RELBOW", "right_elbow", joints.ElbowRight},
	LeftKnee:      {"left_knee", "AME-LKNEE", "left_knee", joints.KneeLeft},
	RightKnee:     {"right_knee", "AME-RKNEE", "right_knee", joints.KneeRight},
	Chest:         {"chest", "AME-CHEST", "chest", joints.SpineMiddle},
	LeftShoulder:  {"left_shoulder", "AME-LSHOULDER", "left_shoulder", joints.ShoulderLeft},
	RightShoulder: {"right_shoulder", "AME-RSHOULDER", "right_shoulder", joints.ShoulderRight},
	LeftHip:       {"left_hip", "AME-LHIP", "left_hip", joints.HipLeft},
	RightHip:      {"right_hip", "AME-RHIP", "right_hip", joints.HipRight},
	Camera:        {"camera", "AME-CAMERA", "camera", joints.Head},
}

// Roles lists every role in wire order.
func Roles() []Role {
	out := make([]Role, roleCount)
	for i := range out {
		out[i] = Role(i)
	}
	return out
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r >= 0 && r < roleCount }

func (r Role) String() string {
	if r.Valid() {
		return roles[r].name
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// ParseRole looks a role up by its config name.
func ParseRole(s string) (Role, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, info := range roles {
		if info.name == s {
			return Role(i), nil
		}
	}
	return 0, fmt.Errorf("unknown tracker role %q", s)
}

// DefaultSerial is the serial a role registers under unless configured.
func (r Role) DefaultSerial() string {
	if !r.Valid() {
		return ""
	}
	return roles[r].serial
}

// Joint is the skeleton slot that feeds this role.
func (r Role) Joint() joints.Type {
	if !r.Valid() {
		return joints.Head
	}
	return roles[r].joint
}

// ControllerType is the runtime input-profile type, e.g. vive_tracker_waist.
func (r Role) ControllerType() string {
	if !r.Valid() {
		return "vive_tracker"
	}
	return "vive_tracker_" + roles[r].vive
}

// RoleHint is the runtime role hint, e.g. TrackerRole_Waist.
func (r Role) RoleHint() string {
	if !r.Valid() {
		return "TrackerRole_Handed"
	}
	parts := strings.Split(roles[r].vive, "_")
	for i, p := range parts {
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return "TrackerRole_" + strings.Join(parts, "")
}

// IsFoot reports whether r is a foot role.
func (r Role) IsFoot() bool { return r == LeftFoot || r == RightFoot }

// IsElbow reports whether r is an elbow role.
func (r Role) IsElbow() bool { return r == LeftElbow || r == RightElbow }

// IsKnee reports whether r is a knee role.
func (r Role) IsKnee() bool { return r == LeftKnee || r == RightKnee }

// Pair is the group a role belongs to when choosing an override device.
type Pair int

const (
	PairNone Pair = iota
	PairWaist
	PairFeet
	PairElbows
	PairKnees
)

// Pair returns the override group of r. Roles outside the four groups
// return PairNone and can still be overridden individually.
func (r Role) Pair() Pair {
	switch {
	case r == Waist:
		return PairWaist
	case r.IsFoot():
		return PairFeet
	case r.IsElbow():
		return PairElbows
	case r.IsKnee():
		return PairKnees
	}
	return PairNone
}

var pairNames = map[Pair]string{
	PairNone:   "none",
	PairWaist:  "waist",
	PairFeet:   "feet",
	PairElbows: "elbows",
	PairKnees:  "knees",
}

func (p Pair) String() string {
	if n, ok := pairNames[p]; ok {
		return n
	}
	return fmt.Sprintf("Pair(%d)", int(p))
}

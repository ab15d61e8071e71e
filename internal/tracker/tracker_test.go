package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/posebridge/internal/joints"
)

func TestRoleProperties(t *testing.T) {
	tests := []struct {
		role       Role
		name       string
		serial     string
		controller string
		hint       string
		joint      joints.Type
	}{
		{Waist, "waist", "AME-WAIST", "vive_tracker_waist", "TrackerRole_Waist", joints.SpineWaist},
		{LeftFoot, "left_foot", "AME-LFOOT", "vive_tracker_left_foot", "TrackerRole_LeftFoot", joints.AnkleLeft},
		{RightFoot, "right_foot", "AME-RFOOT", "vive_tracker_right_foot", "TrackerRole_RightFoot", joints.AnkleRight},
		{LeftElbow, "left_elbow", "AME-LELBOW", "vive_tracker_left_elbow", "TrackerRole_LeftElbow", joints.ElbowLeft},
		{RightKnee, "right_knee", "AME-RKNEE", "vive_tracker_right_knee", "TrackerRole_RightKnee", joints.KneeRight},
		{Chest, "chest", "AME-CHEST", "vive_tracker_chest", "TrackerRole_Chest", joints.SpineMiddle},
		{Camera, "camera", "AME-CAMERA", "vive_tracker_camera", "TrackerRole_Camera", joints.Head},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.role.String())
			assert.Equal(t, tt.serial, tt.role.DefaultSerial())
			assert.Equal(t, tt.controller, tt.role.ControllerType())
			assert.Equal(t, tt.hint, tt.role.RoleHint())
			assert.Equal(t, tt.joint, tt.role.Joint())

			parsed, err := ParseRole(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.role, parsed)
		})
	}

	_, err := ParseRole("tail")
	assert.Error(t, err)
	assert.False(t, Role(99).Valid())
	assert.Len(t, Roles(), 13)
}

func TestRolePairs(t *testing.T) {
	assert.Equal(t, PairWaist, Waist.Pair())
	assert.Equal(t, PairFeet, RightFoot.Pair())
	assert.Equal(t, PairElbows, LeftElbow.Pair())
	assert.Equal(t, PairKnees, LeftKnee.Pair())
	assert.Equal(t, PairNone, Chest.Pair())
	assert.Equal(t, "feet", PairFeet.String())
}

func TestParseRotationMode(t *testing.T) {
	for m, name := range rotationModeNames {
		got, err := ParseRotationMode(name)
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseRotationMode("imu")
	assert.Error(t, err)
	assert.True(t, SoftwareCalculatedV2.IsSoftware())
	assert.False(t, FollowHMD.IsSoftware())
}

func TestDefaults(t *testing.T) {
	ts := Defaults()
	require.Len(t, ts, 7)
	require.NoError(t, Validate(ts))

	waist, ok := Find(ts, Waist)
	require.True(t, ok)
	assert.True(t, waist.Enabled)
	assert.Equal(t, "AME-WAIST", waist.Serial)

	knee, ok := Find(ts, LeftKnee)
	require.True(t, ok)
	assert.False(t, knee.Enabled)

	_, ok = Find(ts, Camera)
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	dupRole := []Tracker{New(Waist), New(Waist)}
	assert.ErrorContains(t, Validate(dupRole), "configured twice")

	a, b := New(LeftFoot), New(RightFoot)
	b.Serial = a.Serial
	assert.ErrorContains(t, Validate([]Tracker{a, b}), "used by")

	empty := New(Chest)
	empty.Serial = ""
	assert.ErrorContains(t, Validate([]Tracker{empty}), "empty serial")

	bad := New(Waist)
	bad.Role = Role(-1)
	assert.Error(t, Validate([]Tracker{bad}))
}

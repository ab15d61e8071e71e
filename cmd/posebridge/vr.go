package main

import (
	"fmt"
	"strings"

	"github.com/banshee-data/posebridge/internal/joints"
	"github.com/banshee-data/posebridge/internal/pipeline"
	"github.com/banshee-data/posebridge/internal/spatial"
)

// deviceVR reads the headset from a tracking device, for setups where a
// bridge streams the runtime's HMD pose as a joints device. A joint named
// "waist" doubles as the external flip tracker.
type deviceVR struct {
	dev       joints.Device
	playspace float64
}

var _ pipeline.VR = (*deviceVR)(nil)

// HMD refreshes the device and returns its head joint. Devices report the
// latest sample on Update, so refreshing more than once a tick is harmless.
func (v *deviceVR) HMD() spatial.Pose {
	_ = v.dev.Update()
	if j, ok := joints.HeadJoint(v.dev); ok {
		return j.Pose()
	}
	return spatial.IdentityPose()
}

func (v *deviceVR) PlayspaceYaw() float64 { return v.playspace }

func (v *deviceVR) ExternalWaist() (spatial.Quat, bool) {
	jd, ok := v.dev.(joints.JointsDevice)
	if !ok {
		return spatial.Quat{}, false
	}
	for _, nj := range jd.TrackedJoints() {
		if strings.EqualFold(nj.Name, "waist") && nj.State != joints.NotTracked {
			return nj.Orientation, true
		}
	}
	return spatial.Quat{}, false
}

// newVR returns the headset source: the named device, or a headset that
// never moves when name is empty.
func newVR(reg *joints.Registry, name string) (pipeline.VR, error) {
	if name == "" {
		return pipeline.StaticVR{Head: spatial.IdentityPose()}, nil
	}
	d, ok := reg.Get(name)
	if !ok {
		return nil, fmt.Errorf("hmd device: no device named %q", name)
	}
	return &deviceVR{dev: d}, nil
}

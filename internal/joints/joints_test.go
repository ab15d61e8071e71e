package joints

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/posebridge/internal/spatial"
)

func TestMirror(t *testing.T) {
	assert.Equal(t, AnkleRight, AnkleLeft.Mirror())
	assert.Equal(t, AnkleLeft, AnkleRight.Mirror())
	assert.Equal(t, KneeRight, KneeLeft.Mirror())
	assert.Equal(t, SpineWaist, SpineWaist.Mirror())
	assert.Equal(t, Head, Head.Mirror())

	for i := 0; i < Count; i++ {
		ty := Type(i)
		assert.Equal(t, ty, ty.Mirror().Mirror(), ty.String())
	}
}

func TestTypeNames(t *testing.T) {
	assert.Equal(t, 25, Count)
	assert.Equal(t, "foot_right", FootRight.String())
	got, err := ParseType("Spine_Waist")
	require.NoError(t, err)
	assert.Equal(t, SpineWaist, got)
	_, err = ParseType("tail")
	assert.Error(t, err)
	assert.False(t, Type(Count).Valid())
}

func TestCharacteristicsSupports(t *testing.T) {
	assert.True(t, Basic.Supports(AnkleLeft))
	assert.False(t, Basic.Supports(KneeLeft))
	assert.True(t, Simple.Supports(KneeLeft))
	assert.False(t, Simple.Supports(WristLeft))
	assert.True(t, Full.Supports(WristLeft))
	assert.False(t, CharacteristicsUnknown.Supports(Head))
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("KinectBasis")
	require.NoError(t, err)
	assert.Equal(t, SkeletonBasis, k)
	k, err = ParseKind("JointsBasis")
	require.NoError(t, err)
	assert.Equal(t, JointsBasis, k)
	_, err = ParseKind("Lighthouse")
	assert.Error(t, err)
}

const manifestYAML = `
devices:
  - name: kinect
    type: KinectBasis
    driver: fake-skeleton
  - name: watcher
    type: Spectator
    driver: fake-skeleton
  - name: psmove
    type: JointsBasis
    driver: missing
    options:
      port: /dev/ttyUSB0
      rate: "50"
      timeout: 250ms
`

type fakeDevice struct {
	name   string
	kind   Kind
	loaded bool
}

func (d *fakeDevice) Name() string      { return d.name }
func (d *fakeDevice) Kind() Kind        { return d.kind }
func (d *fakeDevice) OnLoad() error     { d.loaded = true; return nil }
func (d *fakeDevice) Initialize() error { return nil }
func (d *fakeDevice) Update() error     { return nil }
func (d *fakeDevice) Shutdown() error   { return nil }
func (d *fakeDevice) Status() Status    { return Status{} }
func (d *fakeDevice) Tracked() bool     { return true }

func TestRegistryLoad(t *testing.T) {
	m, err := ParseManifest([]byte(manifestYAML))
	require.NoError(t, err)
	require.Len(t, m.Devices, 3)

	psmove := m.Devices[2]
	assert.Equal(t, "/dev/ttyUSB0", psmove.Option("port", ""))
	assert.Equal(t, "x", psmove.Option("absent", "x"))
	rate, err := psmove.IntOption("rate", 0)
	require.NoError(t, err)
	assert.Equal(t, 50, rate)
	timeout, err := psmove.DurationOption("timeout", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, timeout)

	r := NewRegistry()
	r.Register("fake-skeleton", func(e ManifestEntry) (Device, error) {
		return &fakeDevice{name: e.Name, kind: SkeletonBasis}, nil
	})

	err = r.Load(m)
	require.Error(t, err, "unknown driver must be reported")
	assert.Contains(t, err.Error(), "psmove")

	devs := r.Devices()
	require.Len(t, devs, 2)
	assert.Equal(t, "kinect", devs[0].Name())

	d, err := r.Selectable("kinect")
	require.NoError(t, err)
	assert.True(t, d.(*fakeDevice).loaded)

	_, err = r.Selectable("watcher")
	assert.Error(t, err)
	_, err = r.Selectable("psmove")
	assert.Error(t, err)
	assert.Equal(t, []string{"fake-skeleton"}, r.Drivers())
}

func TestRegistryKindMismatch(t *testing.T) {
	r := NewRegistry()
	r.Register("joints", func(e ManifestEntry) (Device, error) {
		return &fakeDevice{name: e.Name, kind: JointsBasis}, nil
	})
	err := r.Load(&Manifest{Devices: []ManifestEntry{{Name: "k", Type: "KinectBasis", Driver: "joints"}}})
	assert.Error(t, err)
	_, ok := r.Get("k")
	assert.False(t, ok)
}

func TestRegistryFactoryError(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	r.Register("bad", func(ManifestEntry) (Device, error) { return nil, boom })
	err := r.Load(&Manifest{Devices: []ManifestEntry{{Name: "b", Type: "JointsBasis", Driver: "bad"}}})
	assert.ErrorIs(t, err, boom)
}

func TestParseManifestRejects(t *testing.T) {
	tests := map[string]string{
		"missing name": "devices:\n  - type: KinectBasis\n    driver: x\n",
		"duplicate":    "devices:\n  - {name: a, type: KinectBasis, driver: x}\n  - {name: a, type: KinectBasis, driver: x}\n",
		"bad type":     "devices:\n  - {name: a, type: Camera, driver: x}\n",
		"no driver":    "devices:\n  - {name: a, type: KinectBasis}\n",
		"not yaml":     "devices: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseManifest([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadManifestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifestYAML), 0o644))
	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Len(t, m.Devices, 3)

	_, err = LoadManifest(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

type fakeSkeleton struct {
	fakeDevice
	skel Skeleton
}

func (d *fakeSkeleton) Characteristics() Characteristics { return Full }
func (d *fakeSkeleton) Skeleton() Skeleton               { return d.skel }
func (d *fakeSkeleton) FlipSupported() bool              { return true }
func (d *fakeSkeleton) MathSupported() bool              { return true }

type fakeJoints struct {
	fakeDevice
	list []NamedJoint
}

func (d *fakeJoints) TrackedJoints() []NamedJoint { return d.list }

func TestHeadJoint(t *testing.T) {
	skel := &fakeSkeleton{skel: NewSkeleton()}
	skel.skel[Head].Position = spatial.V(0, 1.7, 2)
	j, ok := HeadJoint(skel)
	require.True(t, ok)
	assert.Equal(t, spatial.V(0, 1.7, 2), j.Position)

	named := &fakeJoints{list: []NamedJoint{
		{Name: "hip", Joint: Joint{Position: spatial.V(0, 1, 0)}},
		{Name: "HEAD", Joint: Joint{Position: spatial.V(0, 1.8, 0)}},
	}}
	j, ok = HeadJoint(named)
	require.True(t, ok)
	assert.Equal(t, spatial.V(0, 1.8, 0), j.Position)

	named.list = named.list[:1]
	j, ok = HeadJoint(named)
	require.True(t, ok)
	assert.Equal(t, spatial.V(0, 1, 0), j.Position, "falls back to the first joint")

	named.list = nil
	_, ok = HeadJoint(named)
	assert.False(t, ok)
	_, ok = HeadJoint(&fakeDevice{name: "plain"})
	assert.False(t, ok)
}

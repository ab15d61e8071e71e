package calibration

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/posebridge/internal/spatial"
)

var approx = cmpopts.EquateApprox(0, 1e-9)

func transform(rot spatial.Mat3, t spatial.Vec, ps []spatial.Vec) []spatial.Vec {
	out := make([]spatial.Vec, len(ps))
	for i, p := range ps {
		q := rot.MulVec(p)
		out[i] = spatial.V(q.X+t.X, q.Y+t.Y, q.Z+t.Z)
	}
	return out
}

var sensorPoints = []spatial.Vec{
	spatial.V(0, 1.6, 2.5),
	spatial.V(0.8, 1.5, 2.0),
	spatial.V(-0.6, 1.7, 1.6),
	spatial.V(0.2, 1.2, 3.0),
}

func TestKabschRecoversRigidTransform(t *testing.T) {
	wantRot := spatial.Mat3FromEuler(0.1, 1.2, -0.05)
	wantT := spatial.V(0.3, -0.2, 1.1)
	vr := transform(wantRot, wantT, sensorPoints)

	rot, tr, err := Kabsch(sensorPoints, vr)
	require.NoError(t, err)
	assert.InDelta(t, 1, rot.Det(), 1e-9, "proper rotation")
	assert.True(t, cmp.Equal(wantRot, rot, cmpopts.EquateApprox(0, 1e-6)), cmp.Diff(wantRot, rot))
	assert.InDelta(t, wantT.X, tr.X, 1e-6)
	assert.InDelta(t, wantT.Y, tr.Y, 1e-6)
	assert.InDelta(t, wantT.Z, tr.Z, 1e-6)
	assert.Less(t, Residual(rot, tr, sensorPoints, vr), 1e-6)
}

func TestKabschCorrectsReflection(t *testing.T) {
	// Mirror X: the best proper rotation is not exact, but must still be a
	// rotation rather than a reflection.
	mirrored := make([]spatial.Vec, len(sensorPoints))
	for i, p := range sensorPoints {
		mirrored[i] = spatial.V(-p.X, p.Y, p.Z)
	}
	rot, _, err := Kabsch(sensorPoints, mirrored)
	require.NoError(t, err)
	assert.InDelta(t, 1, rot.Det(), 1e-9)
}

func TestKabschRejectsBadInput(t *testing.T) {
	_, _, err := Kabsch(sensorPoints[:2], sensorPoints[:2])
	assert.Error(t, err)
	_, _, err = Kabsch(sensorPoints, sensorPoints[:3])
	assert.Error(t, err)
}

func TestRecordApply(t *testing.T) {
	p := spatial.V(1, 2, 3)
	assert.Equal(t, p, Empty().Apply(p), "uncalibrated passes through")

	r := Record{
		Rotation:     spatial.Mat3FromQuat(spatial.YawQuat(math.Pi)),
		Translation:  spatial.V(0, 0, 1),
		Origin:       spatial.V(1, 0, 0),
		IsCalibrated: true,
	}
	got := r.Apply(spatial.V(2, 1, 0))
	// rel (1,1,0) turned 180° about Y is (-1,1,0); + t + origin = (0,1,1).
	want := spatial.V(0, 1, 1)
	assert.True(t, cmp.Equal(want, got, approx), cmp.Diff(want, got))
}

func TestRecordYawOffset(t *testing.T) {
	r := Empty()
	r.Yaw = 1.2
	assert.Zero(t, r.YawOffset(), "uncalibrated records carry no heading")
	r.IsCalibrated = true
	assert.Equal(t, 1.2, r.YawOffset())
}

func runAuto(cfg AutoConfig, dt time.Duration, in func(point int) AutoInput, limit int) AutoState {
	s := cfg.Start()
	for i := 0; i < limit && !s.Phase.Done(); i++ {
		s = cfg.Step(s, dt, in(s.Point))
	}
	return s
}

func TestAutoStepCollectsAndSolves(t *testing.T) {
	cfg := DefaultAutoConfig()
	rot := spatial.Mat3FromQuat(spatial.YawQuat(0.7))
	tr := spatial.V(0.5, 0, -0.25)
	vr := transform(rot, tr, sensorPoints)

	s := runAuto(cfg, 100*time.Millisecond, func(point int) AutoInput {
		return AutoInput{Sensor: sensorPoints[point], VR: vr[point]}
	}, 1000)

	require.Equal(t, Calibrated, s.Phase, "err: %v", s.Err)
	assert.Len(t, s.Sensor, 3)
	assert.True(t, s.Result.IsCalibrated)
	assert.True(t, s.Result.IsAuto)
	assert.InDelta(t, 0.7, s.Result.Yaw, 1e-6)
	assert.Zero(t, s.Result.Pitch)
	assert.Equal(t, spatial.Vec{}, s.Result.Origin)
}

func TestAutoStepCapturesOncePerHold(t *testing.T) {
	cfg := DefaultAutoConfig()
	s := cfg.Start()
	s = cfg.Step(s, 3*time.Second, AutoInput{})
	assert.Equal(t, StageHold, s.Stage)
	assert.Empty(t, s.Sensor)

	s = cfg.Step(s, 1500*time.Millisecond, AutoInput{})
	assert.Empty(t, s.Sensor, "still more than 1 s of hold left")

	s = cfg.Step(s, 600*time.Millisecond, AutoInput{Sensor: spatial.V(1, 2, 3)})
	require.Len(t, s.Sensor, 1)
	assert.Equal(t, spatial.V(1, 2, 3), s.Sensor[0])

	s = cfg.Step(s, 100*time.Millisecond, AutoInput{Sensor: spatial.V(9, 9, 9)})
	assert.Len(t, s.Sensor, 1)
}

func TestAutoStepIsPure(t *testing.T) {
	cfg := DefaultAutoConfig()
	s0 := cfg.Start()
	s1 := cfg.Step(s0, 5500*time.Millisecond, AutoInput{Sensor: spatial.V(1, 0, 0)})
	require.Len(t, s1.Sensor, 1)
	assert.Empty(t, s0.Sensor)
	assert.Equal(t, StageMove, s0.Stage)

	s2a := cfg.Step(s1, 10*time.Second, AutoInput{Sensor: spatial.V(2, 0, 0)})
	s2b := cfg.Step(s1, 10*time.Second, AutoInput{Sensor: spatial.V(3, 0, 0)})
	assert.Equal(t, spatial.V(2, 0, 0), s2a.Sensor[1])
	assert.Equal(t, spatial.V(3, 0, 0), s2b.Sensor[1])
}

func TestAutoStepCancel(t *testing.T) {
	cfg := DefaultAutoConfig()
	s := cfg.Step(cfg.Start(), 4*time.Second, AutoInput{})
	s = cfg.Step(s, 0, AutoInput{Cancel: true})
	assert.Equal(t, Aborted, s.Phase)
	assert.ErrorIs(t, s.Err, ErrAborted)

	after := cfg.Step(s, time.Hour, AutoInput{})
	assert.Equal(t, s.Phase, after.Phase, "finished runs do not move")
}

func TestAutoStepDegeneratePoints(t *testing.T) {
	cfg := DefaultAutoConfig()
	s := runAuto(cfg, 100*time.Millisecond, func(int) AutoInput {
		return AutoInput{Sensor: spatial.V(math.NaN(), 0, 0), VR: spatial.V(0, 0, 0)}
	}, 1000)
	assert.Equal(t, Aborted, s.Phase)
	assert.ErrorContains(t, s.Err, "not finite")
}

func TestAutoConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultAutoConfig().Validate())
	bad := DefaultAutoConfig()
	bad.Points = 2
	assert.Error(t, bad.Validate())
	bad = DefaultAutoConfig()
	bad.CaptureAt = bad.Hold
	assert.Error(t, bad.Validate())
}

func TestManualStep(t *testing.T) {
	origin := spatial.V(0.1, 1.0, 2.0)
	s := StartManual(origin)
	assert.True(t, s.Record.IsCalibrated)
	assert.False(t, s.Record.IsAuto)
	assert.Equal(t, spatial.Identity3(), s.Record.Rotation)
	assert.Equal(t, origin, s.Record.Origin)

	s = StepManual(s, Controls{LeftX: 1, LeftY: 1, RightY: 0.5}, 0)
	want := spatial.V(0.015, 0.0075, -0.015)
	assert.True(t, cmp.Equal(want, s.Record.Translation, approx), cmp.Diff(want, s.Record.Translation))

	s = StepManual(s, Controls{LeftX: 1, Fine: true}, 0)
	assert.InDelta(t, 0.0165, s.Record.Translation.X, 1e-12)

	s = StepManual(s, Controls{Swap: true}, 0)
	require.Equal(t, AdjustRotation, s.Mode)
	s = StepManual(s, Controls{LeftX: 1, RightY: -1}, 0)
	assert.InDelta(t, math.Pi/280, s.Record.Yaw, 1e-12)
	assert.InDelta(t, -math.Pi/280, s.Record.Pitch, 1e-12)
	s = StepManual(s, Controls{LeftX: 1, Fine: true}, 0)
	assert.InDelta(t, 1.1*math.Pi/280, s.Record.Yaw, 1e-12)
	assert.InDelta(t, 1.1*math.Pi/280, s.Record.Rotation.Yaw(), 1e-9)

	assert.Equal(t, origin, s.Record.Origin, "origin captured once")

	s = StepManual(s, Controls{Confirm: true}, 0)
	assert.Equal(t, Calibrated, s.Phase)
}

func TestManualTranslationFollowsPlayspace(t *testing.T) {
	s := StartManual(spatial.Vec{})
	s = StepManual(s, Controls{LeftX: 1}, math.Pi/2)
	// +X stick un-rotated by a 90° play-space yaw ends up on +Z.
	assert.InDelta(t, 0, s.Record.Translation.X, 1e-12)
	assert.InDelta(t, 0.015, s.Record.Translation.Z, 1e-12)
}

func TestManualCancel(t *testing.T) {
	s := StepManual(StartManual(spatial.Vec{}), Controls{LeftX: 1}, 0)
	s = StepManual(s, Controls{Cancel: true, Confirm: true}, 0)
	assert.Equal(t, Aborted, s.Phase)
}

func fastAuto() AutoConfig {
	return AutoConfig{Points: 3, Move: 60 * time.Millisecond, Hold: 120 * time.Millisecond, Settle: 10 * time.Millisecond, CaptureAt: 40 * time.Millisecond}
}

func TestRunnerAutoCommits(t *testing.T) {
	store := NewMemoryStore()
	var committed atomic.Bool
	r := &Runner{Store: store, Commit: func(slot Slot, rec Record) error {
		committed.Store(true)
		assert.Equal(t, Base, slot)
		return nil
	}}

	rot := spatial.Mat3FromQuat(spatial.YawQuat(-0.4))
	vr := transform(rot, spatial.V(1, 0, 0), sensorPoints)
	var n atomic.Int64
	rec, err := r.RunAuto(context.Background(), Base, fastAuto(), func() AutoInput {
		i := int(n.Add(1)) % len(sensorPoints)
		return AutoInput{Sensor: sensorPoints[i], VR: vr[i]}
	})
	require.NoError(t, err)
	assert.True(t, rec.IsAuto)
	assert.True(t, committed.Load())

	stored, err := store.LoadCalibration(context.Background(), Base)
	require.NoError(t, err)
	assert.Equal(t, rec, stored)
}

func TestRunnerAbortLeavesStoreUntouched(t *testing.T) {
	store := NewMemoryStore()
	prior := Record{Rotation: spatial.Identity3(), Translation: spatial.V(1, 2, 3), IsCalibrated: true}
	_, err := store.SaveCalibration(context.Background(), Base, prior)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	r := &Runner{Store: store}
	_, err = r.RunAuto(ctx, Base, DefaultAutoConfig(), func() AutoInput { return AutoInput{} })
	assert.ErrorIs(t, err, ErrAborted)

	_, err = r.RunManual(ctx, Base, spatial.Vec{}, func() Controls { return Controls{LeftX: 1} }, nil)
	assert.ErrorIs(t, err, ErrAborted)

	got, err := store.LoadCalibration(context.Background(), Base)
	require.NoError(t, err)
	assert.Equal(t, prior, got)
}

func TestRunnerManualConfirm(t *testing.T) {
	store := NewMemoryStore()
	r := &Runner{Store: store}
	var ticks atomic.Int64
	rec, err := r.RunManual(context.Background(), Override, spatial.V(0, 1, 0), func() Controls {
		if ticks.Add(1) > 4 {
			return Controls{Confirm: true}
		}
		return Controls{LeftX: 1}
	}, func() float64 { return 0 })
	require.NoError(t, err)
	assert.InDelta(t, 4*TranslationStep, rec.Translation.X, 1e-12)

	got, err := store.LoadCalibration(context.Background(), Override)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestRunnerWithoutStore(t *testing.T) {
	r := &Runner{}
	_, err := r.RunManual(context.Background(), Base, spatial.Vec{}, func() Controls { return Controls{Confirm: true} }, nil)
	assert.Error(t, err)
}

func TestSlotParse(t *testing.T) {
	s, err := ParseSlot("override")
	require.NoError(t, err)
	assert.Equal(t, Override, s)
	_, err = ParseSlot("left")
	assert.Error(t, err)
}

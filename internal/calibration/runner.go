package calibration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/posebridge/internal/monitoring"
	"github.com/banshee-data/posebridge/internal/spatial"
	"github.com/banshee-data/posebridge/internal/timeutil"
)

// AutoTick is how often an automatic run samples its inputs.
const AutoTick = 50 * time.Millisecond

// Runner steps calibration machines on a ticker and commits the result.
type Runner struct {
	Clock timeutil.Clock
	Store Store
	Log   *zap.Logger

	// Commit, when set, publishes a committed record to the pipeline. It
	// runs after the store accepted the record.
	Commit func(Slot, Record) error
	// Progress, when set, is called after every auto step.
	Progress func(AutoState)
}

func (r *Runner) clock() timeutil.Clock {
	if r.Clock == nil {
		return timeutil.RealClock{}
	}
	return r.Clock
}

func (r *Runner) log() *zap.Logger {
	if r.Log == nil {
		return monitoring.L()
	}
	return r.Log
}

// RunAuto collects points until the run completes or ctx is cancelled.
// input is called once per tick.
func (r *Runner) RunAuto(ctx context.Context, slot Slot, cfg AutoConfig, input func() AutoInput) (Record, error) {
	if err := cfg.Validate(); err != nil {
		return Record{}, err
	}
	clk := r.clock()
	ticker := clk.NewTicker(AutoTick)
	defer ticker.Stop()

	state := cfg.Start()
	last := clk.Now()
	point := -1
	for !state.Phase.Done() {
		var in AutoInput
		select {
		case <-ctx.Done():
			in.Cancel = true
		case <-ticker.C():
			in = input()
		}
		now := clk.Now()
		state = cfg.Step(state, now.Sub(last), in)
		last = now
		if state.Point != point && state.Phase == Collecting {
			point = state.Point
			r.log().Info("calibration point", zap.Stringer("slot", slot), zap.Int("point", point+1), zap.Int("of", cfg.Points))
		}
		if r.Progress != nil {
			r.Progress(state)
		}
	}
	if state.Phase == Aborted {
		r.log().Warn("calibration aborted", zap.Stringer("slot", slot), zap.Error(state.Err))
		return Record{}, state.Err
	}
	r.log().Info("calibration solved",
		zap.Stringer("slot", slot),
		zap.Float64("yaw", state.Result.Yaw),
		zap.Float64("residual", Residual(state.Result.Rotation, state.Result.Translation, state.Sensor, state.VR)))
	return state.Result, r.commit(ctx, slot, state.Result)
}

// RunManual ticks every ManualTick until the controls confirm or cancel.
// origin is the tracked joint position at mode entry.
func (r *Runner) RunManual(ctx context.Context, slot Slot, origin spatial.Vec, controls func() Controls, playspaceYaw func() float64) (Record, error) {
	state := StartManual(origin)
	clk := r.clock()
	ticker := clk.NewTicker(ManualTick)
	defer ticker.Stop()

	for !state.Phase.Done() {
		var c Controls
		select {
		case <-ctx.Done():
			c.Cancel = true
		case <-ticker.C():
			c = controls()
		}
		yaw := 0.0
		if playspaceYaw != nil {
			yaw = playspaceYaw()
		}
		prev := state.Mode
		state = StepManual(state, c, yaw)
		if state.Mode != prev {
			r.log().Info("manual calibration mode", zap.Stringer("slot", slot), zap.Stringer("mode", state.Mode))
		}
	}
	if state.Phase == Aborted {
		r.log().Warn("manual calibration aborted", zap.Stringer("slot", slot))
		return Record{}, state.Err
	}
	return state.Record, r.commit(ctx, slot, state.Record)
}

func (r *Runner) commit(ctx context.Context, slot Slot, rec Record) error {
	if r.Store == nil {
		return errors.New("calibration runner has no store")
	}
	// The run may have finished on the same tick ctx was cancelled; the
	// commit still goes through on a fresh context.
	id, err := r.Store.SaveCalibration(context.WithoutCancel(ctx), slot, rec)
	if err != nil {
		return fmt.Errorf("failed to save calibration: %w", err)
	}
	r.log().Info("calibration committed", zap.Stringer("slot", slot), zap.String("run", id), zap.Bool("auto", rec.IsAuto))
	if r.Commit != nil {
		if err := r.Commit(slot, rec); err != nil {
			return fmt.Errorf("failed to publish calibration: %w", err)
		}
	}
	return nil
}

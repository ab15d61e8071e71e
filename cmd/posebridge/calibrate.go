package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/banshee-data/posebridge/internal/calibration"
	"github.com/banshee-data/posebridge/internal/config"
	"github.com/banshee-data/posebridge/internal/db"
	"github.com/banshee-data/posebridge/internal/joints"
	"github.com/banshee-data/posebridge/internal/spatial"
)

func newCalibrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Run, inspect or reset device calibration",
	}
	cmd.AddCommand(newCalibrateAutoCmd(a), newCalibrateManualCmd(a), newCalibrateShowCmd(a), newCalibrateResetCmd(a))
	return cmd
}

type autoFlags struct {
	slot      string
	device    string
	hmdDevice string
	points    int
}

func newCalibrateAutoCmd(a *app) *cobra.Command {
	f := &autoFlags{}
	cmd := &cobra.Command{
		Use:   "auto",
		Short: "Collect head positions from the sensor and the headset and solve the transform",
		Long: `auto walks through the calibration points: move to a new spot during the
move countdown, stand still during the hold countdown while the head position
is captured by both the sensor and the headset. The solved transform is
committed to the database; Ctrl+C aborts and leaves the stored record as it
was.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			slot, err := calibration.ParseSlot(f.slot)
			if err != nil {
				return err
			}
			auto := a.cfg.GetAutoCalibration()
			if cmd.Flags().Changed("points") {
				auto.Points = f.points
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return calibrateAuto(ctx, cmd.OutOrStdout(), a.cfg, a.log, slot, f, auto)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&f.slot, "slot", "base", "calibration slot: base or override")
	fs.StringVar(&f.device, "device", "", "sensor device; defaults to the configured device of the slot")
	fs.StringVar(&f.hmdDevice, "hmd-device", "", "device whose head joint is the headset pose (required)")
	fs.IntVar(&f.points, "points", calibration.DefaultAutoConfig().Points, "number of calibration points")
	_ = cmd.MarkFlagRequired("hmd-device")
	return cmd
}

func calibrateAuto(ctx context.Context, out io.Writer, cfg *config.Config, log *zap.Logger, slot calibration.Slot, f *autoFlags, auto calibration.AutoConfig) error {
	reg, err := newRegistry(cfg, log)
	if err != nil {
		return err
	}
	sensor, err := sensorFor(reg, cfg, slot, f.device)
	if err != nil {
		return err
	}
	hmd, ok := reg.Get(f.hmdDevice)
	if !ok {
		return fmt.Errorf("hmd device: no device named %q", f.hmdDevice)
	}
	initDevices(reg, log)
	defer shutdownDevices(reg, log)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var last calibration.AutoState
	runner := &calibration.Runner{
		Store: store,
		Log:   log,
		Progress: func(s calibration.AutoState) {
			if s.Point != last.Point || s.Stage != last.Stage {
				fmt.Fprintf(out, "point %d/%d: %s (%s)\n", s.Point+1, auto.Points, s.Stage, s.Remaining.Round(time.Second))
			}
			last = s
		},
	}
	rec, err := runner.RunAuto(ctx, slot, auto, func() calibration.AutoInput {
		return calibration.AutoInput{
			Sensor: headPosition(sensor),
			VR:     headPosition(hmd),
		}
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s calibrated: yaw %.1f°, translation (%.3f, %.3f, %.3f)\n",
		slot, spatial.Degrees(rec.Yaw), rec.Translation.X, rec.Translation.Y, rec.Translation.Z)
	return nil
}

type manualFlags struct {
	slot   string
	device string
}

func newCalibrateManualCmd(a *app) *cobra.Command {
	f := &manualFlags{}
	cmd := &cobra.Command{
		Use:   "manual",
		Short: "Nudge the transform by hand from the terminal",
		Long: `manual starts from an identity rotation with the origin at the sensor's
current head position and reads one command per line:

  a | d [n]   move along -X / +X (or turn left / right in rotation mode)
  w | s [n]   move along -Z / +Z
  r | f [n]   move up / down (or pitch in rotation mode)
  fine        toggle fine steps
  swap        switch between translation and rotation
  ok          commit
  cancel      abort and keep the stored record

n repeats the step. End of input without ok aborts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			slot, err := calibration.ParseSlot(f.slot)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return calibrateManual(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), a.cfg, a.log, slot, f.device)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&f.slot, "slot", "base", "calibration slot: base or override")
	fs.StringVar(&f.device, "device", "", "sensor device; defaults to the configured device of the slot")
	return cmd
}

func calibrateManual(ctx context.Context, in io.Reader, out io.Writer, cfg *config.Config, log *zap.Logger, slot calibration.Slot, device string) error {
	reg, err := newRegistry(cfg, log)
	if err != nil {
		return err
	}
	sensor, err := sensorFor(reg, cfg, slot, device)
	if err != nil {
		return err
	}
	initDevices(reg, log)
	defer shutdownDevices(reg, log)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	origin := headPosition(sensor)
	runner := &calibration.Runner{Store: store, Log: log}
	rec, err := runner.RunManual(ctx, slot, origin, terminalControls(ctx, in), nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s calibrated: yaw %.1f°, pitch %.1f°, translation (%.3f, %.3f, %.3f)\n",
		slot, spatial.Degrees(rec.Yaw), spatial.Degrees(rec.Pitch), rec.Translation.X, rec.Translation.Y, rec.Translation.Z)
	return nil
}

// terminalControls turns command lines from in into one Controls per
// manual tick. Ticks without a pending command see the sticks at rest.
func terminalControls(ctx context.Context, in io.Reader) func() calibration.Controls {
	ch := make(chan calibration.Controls, 64)
	go func() {
		var fine bool
		push := func(c calibration.Controls) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			steps, err := parseManualLine(sc.Text(), &fine)
			if err != nil {
				continue
			}
			for _, c := range steps {
				if !push(c) {
					return
				}
			}
		}
		push(calibration.Controls{Cancel: true})
	}()
	return func() calibration.Controls {
		select {
		case c := <-ch:
			return c
		default:
			return calibration.Controls{}
		}
	}
}

// parseManualLine maps one command onto the controls it stands for.
// fine is sticky across lines.
func parseManualLine(line string, fine *bool) ([]calibration.Controls, error) {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return nil, nil
	}
	switch fields[0] {
	case "fine":
		*fine = !*fine
		return nil, nil
	case "swap":
		return []calibration.Controls{{Swap: true}}, nil
	case "ok":
		return []calibration.Controls{{Confirm: true}}, nil
	case "cancel", "q":
		return []calibration.Controls{{Cancel: true}}, nil
	}

	c := calibration.Controls{Fine: *fine}
	switch fields[0] {
	case "a":
		c.LeftX = -1
	case "d":
		c.LeftX = 1
	case "w":
		c.LeftY = 1
	case "s":
		c.LeftY = -1
	case "r":
		c.RightY = 1
	case "f":
		c.RightY = -1
	default:
		return nil, fmt.Errorf("unknown command %q", fields[0])
	}
	n := 1
	if len(fields) > 1 {
		v, err := strconv.Atoi(fields[1])
		if err != nil || v < 1 {
			return nil, fmt.Errorf("bad repeat count %q", fields[1])
		}
		n = v
	}
	out := make([]calibration.Controls, n)
	for i := range out {
		out[i] = c
	}
	return out, nil
}

// sensorFor picks the device to calibrate: the named one, or the device the
// configuration assigns to slot.
func sensorFor(reg *joints.Registry, cfg *config.Config, slot calibration.Slot, name string) (joints.Device, error) {
	if name != "" {
		return reg.Selectable(name)
	}
	base, override, err := selectDevices(reg, cfg)
	if err != nil {
		return nil, err
	}
	if slot == calibration.Override {
		if override == nil {
			return nil, fmt.Errorf("no override device configured; pass --device")
		}
		return override, nil
	}
	return base, nil
}

func headPosition(d joints.Device) spatial.Vec {
	_ = d.Update()
	j, _ := joints.HeadJoint(d)
	return j.Position
}

func newCalibrateShowCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the committed calibration and recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(a.cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			return showCalibration(cmd.Context(), cmd.OutOrStdout(), store, limit)
		},
	}
	cmd.Flags().IntVar(&limit, "history", 10, "number of past runs to list")
	return cmd
}

func showCalibration(ctx context.Context, out io.Writer, store *db.DB, limit int) error {
	recs, err := loadCalibration(ctx, store)
	if err != nil {
		return err
	}
	for _, slot := range []calibration.Slot{calibration.Base, calibration.Override} {
		rec := recs[slot]
		if !rec.IsCalibrated {
			fmt.Fprintf(out, "%-8s not calibrated\n", slot)
			continue
		}
		mode := "manual"
		if rec.IsAuto {
			mode = "auto"
		}
		fmt.Fprintf(out, "%-8s %-6s yaw %7.2f° pitch %7.2f° translation (%.3f, %.3f, %.3f)\n",
			slot, mode, spatial.Degrees(rec.Yaw), spatial.Degrees(rec.Pitch),
			rec.Translation.X, rec.Translation.Y, rec.Translation.Z)
	}

	runs, err := store.CalibrationHistory(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) > 0 {
		fmt.Fprintln(out, "\nrecent runs:")
	}
	for _, r := range runs {
		mode := "manual"
		if r.IsAuto {
			mode = "auto"
		}
		fmt.Fprintf(out, "  %s  %-8s %-6s %s\n", time.Unix(0, r.CreatedAt).Format(time.RFC3339), r.Slot, mode, r.RunID)
	}
	return nil
}

func newCalibrateResetCmd(a *app) *cobra.Command {
	var slotName string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Forget the committed calibration of a slot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			slot, err := calibration.ParseSlot(slotName)
			if err != nil {
				return err
			}
			store, err := openStore(a.cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.ResetCalibration(cmd.Context(), slot); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s calibration reset\n", slot)
			return nil
		},
	}
	cmd.Flags().StringVar(&slotName, "slot", "base", "calibration slot: base or override")
	return cmd
}

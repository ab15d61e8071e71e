package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/posebridge/internal/joints"
	"github.com/banshee-data/posebridge/internal/syncproto"
)

func newDevicesCmd(a *app) *cobra.Command {
	var ping bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List the manifest devices and their status",
		Long: `devices loads the manifest, connects every device, reads one update and
prints what each reports. With --ping the driver round trip is measured too.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := newRegistry(a.cfg, a.log)
			if err != nil {
				return err
			}
			initDevices(reg, a.log)
			defer shutdownDevices(reg, a.log)
			for _, d := range reg.Devices() {
				_ = d.Update()
			}
			if err := listDevices(cmd.OutOrStdout(), reg); err != nil {
				return err
			}
			if !ping {
				return nil
			}
			t, err := dialTransport(a.cfg)
			if err != nil {
				return err
			}
			defer t.Close()
			return pingDriver(cmd.Context(), cmd.OutOrStdout(), t, a.cfg.GetReplyTimeout())
		},
	}
	cmd.Flags().BoolVar(&ping, "ping", false, "also ping the driver")
	return cmd
}

func listDevices(out io.Writer, reg *joints.Registry) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tDETAIL\tTRACKED\tSTATUS")
	for _, d := range reg.Devices() {
		detail := "-"
		switch dev := d.(type) {
		case joints.SkeletonDevice:
			detail = dev.Characteristics().String()
		case joints.JointsDevice:
			detail = fmt.Sprintf("%d joints", len(dev.TrackedJoints()))
		}
		st := d.Status()
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", d.Name(), d.Kind(), detail, d.Tracked(), st)
	}
	return w.Flush()
}

func pingDriver(ctx context.Context, out io.Writer, t syncproto.Transport, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	rtt, err := t.Ping(ctx)
	if err != nil {
		return fmt.Errorf("driver ping failed: %w", err)
	}
	fmt.Fprintf(out, "driver round trip: %s\n", rtt.Round(time.Microsecond))
	return nil
}

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/posebridge/internal/api"
	"github.com/banshee-data/posebridge/internal/httputil"
	"github.com/banshee-data/posebridge/internal/syncproto"
)

func newStatusCmd(a *app) *cobra.Command {
	var admin string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running posebridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if admin == "" {
				admin = "http://" + a.cfg.GetAdminListen()
			}
			client := httputil.NewStandardClient(&http.Client{Timeout: 5 * time.Second})
			return showStatus(cmd.Context(), cmd.OutOrStdout(), client, admin)
		},
	}
	cmd.Flags().StringVar(&admin, "admin", "", "admin base URL; defaults to the configured admin listen address")
	return cmd
}

func showStatus(ctx context.Context, out io.Writer, c httputil.HTTPClient, base string) error {
	base = strings.TrimRight(base, "/")
	var st api.StatusJSON
	if err := httputil.GetJSON(ctx, c, base+"/api/status", &st); err != nil {
		return err
	}
	var trackers []api.TrackerJSON
	if err := httputil.GetJSON(ctx, c, base+"/api/trackers", &trackers); err != nil {
		return err
	}

	fmt.Fprintf(out, "posebridge %s (%s), config generation %d, flipped %t\n", st.Version, st.GitSHA, st.Generation, st.Flipped)
	fmt.Fprintf(out, "calibration: base %t, override %t\n", st.Calibration["base"], st.Calibration["override"])
	if s := st.Sync; s != nil {
		fmt.Fprintf(out, "sync: %d sent, %d dropped, %d failed", s.Sent, s.Dropped, s.Failed)
		if s.PingError != "" {
			fmt.Fprintf(out, ", ping failed: %s\n", s.PingError)
		} else {
			fmt.Fprintf(out, ", ping %.2f ms\n", s.PingMS)
		}
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\nDEVICE\tTYPE\tROLE\tTRACKED\tSTATUS")
	for _, d := range st.Devices {
		role := d.Role
		if role == "" {
			role = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", d.Name, d.Kind, role, d.Tracked, d.Status)
	}
	fmt.Fprintln(w, "\nTRACKER\tSERIAL\tENABLED\tPOSITION\tROTATION")
	for _, t := range trackers {
		pos := "-"
		if t.Valid {
			pos = fmt.Sprintf("(%.3f, %.3f, %.3f)", t.Position[0], t.Position[1], t.Position[2])
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", t.Role, t.Serial, t.Enabled, pos, t.Rotation)
	}
	return w.Flush()
}

func newRestartCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "restart-vr",
		Short: "Ask the driver to restart the VR runtime",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := dialTransport(a.cfg)
			if err != nil {
				return err
			}
			defer t.Close()
			return requestRestart(cmd.Context(), t, reason, a.cfg.GetReplyTimeout())
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "tracker settings changed", "reason shown by the runtime")
	return cmd
}

func requestRestart(ctx context.Context, t syncproto.Transport, reason string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := t.RequestRestart(ctx, reason); err != nil {
		return fmt.Errorf("restart request failed: %w", err)
	}
	return nil
}

// posedriver is the driver side of posebridge: it owns the virtual trackers
// inside the VR runtime and answers the sync protocol. Without a runtime it
// runs headless and logs the poses it would publish.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/banshee-data/posebridge/internal/config"
	"github.com/banshee-data/posebridge/internal/driver"
	"github.com/banshee-data/posebridge/internal/legacypipe"
	"github.com/banshee-data/posebridge/internal/monitoring"
	"github.com/banshee-data/posebridge/internal/syncproto"
	"github.com/banshee-data/posebridge/internal/timeutil"
	"github.com/banshee-data/posebridge/internal/tracker"
	"github.com/banshee-data/posebridge/internal/version"
)

type serveFlags struct {
	configPath  string
	transport   string
	address     string
	logLevel    string
	development bool
	frameRate   float64
	watchdog    time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "posedriver",
		Short:         "posebridge tracker driver",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String("posedriver"))
		},
	})
	return root
}

func newServeCmd() *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the sync protocol and publish tracker poses",
		Long: `serve registers one virtual tracker per role with the runtime as the
application asks for them, and publishes every pose it receives once per
frame. The [sync] and [[trackers]] sections of the posebridge configuration
select the transport and the tracker serials.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.config(cmd)
			if err != nil {
				return err
			}
			log, err := monitoring.NewLogger(cfg.GetLogLevel(), cfg.GetLogFile(), f.development)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			monitoring.SetLogger(log)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			lis, err := listen(cfg)
			if err != nil {
				return err
			}
			return serve(ctx, cfg, lis, driver.NewLogRuntime(log), f, log)
		},
	}
	fs := cmd.Flags()
	fs.StringVarP(&f.configPath, "config", "c", config.DefaultConfigPath, "posebridge TOML configuration")
	fs.StringVar(&f.transport, "transport", config.TransportGRPC, "grpc or pipe")
	fs.StringVar(&f.address, "address", "", "listen address (host:port or socket path)")
	fs.StringVar(&f.logLevel, "log-level", "", "log level; overrides the file")
	fs.BoolVar(&f.development, "dev", false, "human-readable console logs")
	fs.Float64Var(&f.frameRate, "frame-rate", 90, "headless runtime frame rate in Hz")
	fs.DurationVar(&f.watchdog, "watchdog", driver.DefaultWatchdogInterval, "watchdog heartbeat interval")
	return cmd
}

// config loads the shared configuration file, if present, and applies
// the flags the user set.
func (f *serveFlags) config(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Empty()
	if _, err := os.Stat(f.configPath); err == nil || cmd.Flags().Changed("config") {
		if cfg, err = config.LoadConfig(f.configPath); err != nil {
			return nil, err
		}
	}
	set := cmd.Flags().Changed
	if set("transport") {
		cfg.Sync.Transport = &f.transport
	}
	if set("address") {
		cfg.Sync.Address = &f.address
	}
	if set("log-level") {
		cfg.App.LogLevel = &f.logLevel
	}
	if f.frameRate <= 0 {
		return nil, fmt.Errorf("frame-rate must be positive, got %g", f.frameRate)
	}
	return cfg, cfg.Validate()
}

// listen opens the configured endpoint. A stale socket file left by a
// crashed driver is removed first.
func listen(cfg *config.Config) (net.Listener, error) {
	addr := cfg.GetSyncAddress()
	if cfg.GetSyncTransport() == config.TransportPipe {
		if err := os.Remove(addr); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale socket %s: %w", addr, err)
		}
		return net.Listen("unix", addr)
	}
	return net.Listen("tcp", addr)
}

// serials maps the configured trackers onto their serials.
func serials(cfg *config.Config) (map[tracker.Role]string, error) {
	ts, err := cfg.TrackerSet()
	if err != nil {
		return nil, err
	}
	out := make(map[tracker.Role]string, len(ts))
	for _, t := range ts {
		out[t.Role] = t.Serial
	}
	return out, nil
}

// serve runs the provider behind lis until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, lis net.Listener, rt driver.Runtime, f *serveFlags, log *zap.Logger) error {
	ser, err := serials(cfg)
	if err != nil {
		return err
	}
	p := driver.NewProvider(rt, driver.WithProviderLogger(log), driver.WithSerials(ser))
	if err := p.Init(); err != nil {
		lis.Close()
		return err
	}
	defer p.Cleanup()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		(&driver.Watchdog{Runtime: rt, Interval: f.watchdog}).Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = p.RunFrames(ctx)
	}()
	go func() {
		defer wg.Done()
		frameClock(ctx, timeutil.RealClock{}, time.Duration(float64(time.Second)/f.frameRate), p.RunFrame)
	}()

	log.Info("posedriver serving",
		zap.String("transport", cfg.GetSyncTransport()),
		zap.String("address", lis.Addr().String()))

	var serveErr error
	if cfg.GetSyncTransport() == config.TransportPipe {
		serveErr = legacypipe.NewServer(p, log).Serve(ctx, lis)
	} else {
		gs := grpc.NewServer()
		syncproto.NewServer(p, syncproto.WithServerLogger(log)).Register(gs)
		go func() {
			<-ctx.Done()
			gs.GracefulStop()
		}()
		if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			serveErr = err
		}
	}
	cancel()
	wg.Wait()
	log.Info("posedriver stopped", zap.Uint64("frames", p.Frames()))
	return serveErr
}

// frameClock stands in for the runtime's frame callback when running
// headless.
func frameClock(ctx context.Context, clock timeutil.Clock, period time.Duration, frame func()) {
	ticker := clock.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			frame()
		}
	}
}

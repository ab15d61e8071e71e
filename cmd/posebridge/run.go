package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/banshee-data/posebridge/internal/api"
	"github.com/banshee-data/posebridge/internal/config"
	"github.com/banshee-data/posebridge/internal/pipeline"
	"github.com/banshee-data/posebridge/internal/syncproto"
)

type runFlags struct {
	base, override string
	transport      string
	address        string
	adminListen    string
	database       string
	manifest       string
	hmdDevice      string
	loopRate       float64
}

// apply copies every flag the user set over the configuration file.
func (f *runFlags) apply(fs *pflag.FlagSet, cfg *config.Config) error {
	set := fs.Changed
	if set("base") {
		cfg.Devices.Base = &f.base
	}
	if set("override") {
		cfg.Devices.Override = &f.override
	}
	if set("transport") {
		cfg.Sync.Transport = &f.transport
	}
	if set("address") {
		cfg.Sync.Address = &f.address
	}
	if set("admin-listen") {
		cfg.App.AdminListen = &f.adminListen
	}
	if set("db") {
		cfg.App.DatabasePath = &f.database
	}
	if set("manifest") {
		cfg.App.ManifestPath = &f.manifest
	}
	if set("loop-rate") {
		cfg.App.LoopRate = &f.loopRate
	}
	return cfg.Validate()
}

func (f *runFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.base, "base", "", "base device name from the manifest")
	fs.StringVar(&f.override, "override", "", "override device name from the manifest")
	fs.StringVar(&f.transport, "transport", config.TransportGRPC, "driver transport: grpc or pipe")
	fs.StringVar(&f.address, "address", "", "driver address (host:port or socket path)")
	fs.StringVar(&f.adminListen, "admin-listen", "", "admin HTTP listen address; empty string disables it")
	fs.StringVar(&f.database, "db", "", "SQLite database path")
	fs.StringVar(&f.manifest, "manifest", "", "device manifest path")
	fs.StringVar(&f.hmdDevice, "hmd-device", "", "device whose head joint is the headset pose")
	fs.Float64Var(&f.loopRate, "loop-rate", 100, "pose loop rate in Hz")
}

func newRunCmd(a *app) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pose loop and stream trackers to the driver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := f.apply(cmd.Flags(), a.cfg); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, a.cfg, f.hmdDevice, a.log)
		},
	}
	f.register(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg *config.Config, hmdDevice string, log *zap.Logger) error {
	reg, err := newRegistry(cfg, log)
	if err != nil {
		return err
	}
	base, override, err := selectDevices(reg, cfg)
	if err != nil {
		return err
	}
	initDevices(reg, log)
	defer shutdownDevices(reg, log, base, override)

	trackers, err := cfg.TrackerSet()
	if err != nil {
		return err
	}
	vr, err := newVR(reg, hmdDevice)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	recs, err := loadCalibration(ctx, store)
	if err != nil {
		return err
	}

	controller, err := pipeline.NewController(pipeline.Context{
		Trackers:    trackers,
		Base:        base,
		Override:    override,
		Calibration: recs,
		VR:          vr,
	})
	if err != nil {
		return err
	}
	// SetFlip turns flip off for bases that cannot mirror.
	if err := controller.SetFlip(pipeline.FlipSettings{
		Enabled:     cfg.GetFlipEnabled(),
		External:    cfg.GetFlipExternal(),
		ExternalYaw: cfg.GetFlipExternalYaw(),
	}); err != nil {
		return err
	}

	transport, err := dialTransport(cfg)
	if err != nil {
		return err
	}
	defer transport.Close()
	sender := syncproto.NewAsyncSender(transport, cfg.GetQueueSize(),
		syncproto.WithSenderLogger(log),
		syncproto.WithCallTimeout(cfg.GetReplyTimeout()))
	defer sender.Close()

	pl := pipeline.New()
	loop := &pipeline.Loop{
		Controller: controller,
		Pipeline:   pl,
		Sink:       sender,
		Log:        log,
		Period:     cfg.GetPeriod(),
	}

	log.Info("posebridge starting",
		zap.String("base", base.Name()),
		zap.Bool("override", override != nil),
		zap.String("transport", cfg.GetSyncTransport()),
		zap.String("address", cfg.GetSyncAddress()),
		zap.Int("trackers", len(trackers)))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if addr := cfg.GetAdminListen(); addr != "" {
		mux := http.NewServeMux()
		if err := store.AttachAdminRoutes(mux); err != nil {
			return err
		}
		api.NewServer(controller, pl,
			api.WithDevices(reg),
			api.WithSender(sender),
			api.WithPinger(transport),
			api.WithLogger(log)).Register(mux)

		wg.Add(1)
		go func() {
			defer wg.Done()
			serveAdmin(ctx, addr, mux, log)
		}()
	}

	// The loop returns on cancellation or after too many crashes; either
	// way the admin server follows it down.
	loopErr := loop.Run(ctx)
	cancel()
	wg.Wait()

	sent, dropped, failed := sender.Stats()
	log.Info("posebridge stopped",
		zap.Uint64("batches_sent", sent),
		zap.Uint64("batches_dropped", dropped),
		zap.Uint64("batches_failed", failed))
	return loopErr
}

func serveAdmin(ctx context.Context, addr string, mux *http.ServeMux, log *zap.Logger) {
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin server failed", zap.String("listen", addr), zap.Error(err))
		}
	}()
	log.Info("admin server listening", zap.String("listen", addr))

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("admin server shutdown error", zap.Error(err))
	}
}

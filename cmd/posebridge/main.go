// posebridge reads a body-tracking device, composes tracker poses at
// 100 Hz and streams them to the posedriver process inside the VR runtime.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/banshee-data/posebridge/internal/config"
	"github.com/banshee-data/posebridge/internal/monitoring"
	"github.com/banshee-data/posebridge/internal/pipeline"
	"github.com/banshee-data/posebridge/internal/version"
)

// crashExitCode is returned when the pose loop gave up after repeated
// crashes, so a supervisor can tell it from an ordinary failure.
const crashExitCode = 13

// app is the state shared by every subcommand, filled in by the root
// command's PersistentPreRunE.
type app struct {
	configPath  string
	logLevel    string
	logFile     string
	development bool

	cfg *config.Config
	log *zap.Logger
}

func main() {
	os.Exit(exitCode(newRootCmd(&app{}).Execute()))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, pipeline.ErrTooManyCrashes):
		return crashExitCode
	default:
		return 1
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "posebridge",
		Short: "Body tracking to VR tracker bridge",
		Long: `posebridge reads joints from a body-tracking device, turns them into
waist, feet, elbow and knee tracker poses in VR play-space, and streams them
to the posedriver process.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	root.SetVersionTemplate(version.String("posebridge") + "\n")

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", config.DefaultConfigPath, "TOML configuration file")
	pf.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides the file")
	pf.StringVar(&a.logFile, "log-file", "", "also append logs to this file; overrides the file")
	pf.BoolVar(&a.development, "dev", false, "human-readable console logs")

	root.AddCommand(
		newRunCmd(a),
		newCalibrateCmd(a),
		newDevicesCmd(a),
		newStatusCmd(a),
		newRestartCmd(a),
		newVersionCmd(),
	)
	return root
}

// setup loads the configuration and installs the process logger. A
// missing file at the default path means an all-defaults config.
func (a *app) setup(cmd *cobra.Command) error {
	if cmd.Name() == "version" {
		return nil
	}
	cfg, err := loadConfig(a.configPath, cmd.Flags().Changed("config"))
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.App.LogLevel = &a.logLevel
	}
	if a.logFile != "" {
		cfg.App.LogFile = &a.logFile
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := monitoring.NewLogger(cfg.GetLogLevel(), cfg.GetLogFile(), a.development)
	if err != nil {
		return err
	}
	monitoring.SetLogger(log)
	a.cfg, a.log = cfg, log
	return nil
}

func loadConfig(path string, explicit bool) (*config.Config, error) {
	if !explicit {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return config.Empty(), nil
		}
	}
	return config.LoadConfig(path)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String("posebridge"))
		},
	}
}

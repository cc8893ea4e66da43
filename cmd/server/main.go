package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dj-oyu/hawkeye/threat-server/internal/config"
	"github.com/dj-oyu/hawkeye/threat-server/internal/engine"
	"github.com/dj-oyu/hawkeye/threat-server/internal/fusion"
	"github.com/dj-oyu/hawkeye/threat-server/internal/logger"
	"github.com/dj-oyu/hawkeye/threat-server/internal/pipeline"
)

var (
	configPath string
	logLevel   string
	logColor   bool
)

var rootCmd = &cobra.Command{
	Use:           "threat-server",
	Short:         "Camera threat inference server",
	Long:          `threat-server reads an MJPEG camera, fuses detections from model services and archives weapon and crowd events.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the camera pipeline and HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var replayCmd = &cobra.Command{
	Use:   "replay FILE",
	Short: "Run recorded detections through fusion and the engine",
	Long: `replay reads JSON lines of the form
  {"ts": 1767225600.5, "width": 640, "height": 480, "sources": {"gen": [...], "spec": [...]}}
and prints one line per frame with the active threats and the archived event type.
Nothing is written to the archive and no network calls are made.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (HAWKEYE_* env vars override it)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error, silent)")
	rootCmd.PersistentFlags().BoolVar(&logColor, "log-color", true, "Enable colored log output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(replayCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config and applies the logging flags on top of it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if cmd.Flags().Changed("log-color") {
		cfg.Log.Color = logColor
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	logger.Init(level, os.Stderr, cfg.Log.Color)
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger.Info("Main", "Threat server starting...")
	logger.Info("Main", "Log level: %s", logger.GetLevel())

	srv, err := NewServer(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = srv.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("Main", "Server stopped")
	return err
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	fuser, err := fusion.New(cfg.FusionConfig(), cfg.FusionSources())
	if err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open replay file: %w", err)
	}
	defer f.Close()

	order := make([]string, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		order = append(order, s.Name)
	}

	sum, err := pipeline.Replay(f, cmd.OutOrStdout(), order, fuser, engine.New(cfg.EngineConfig()))
	if err != nil {
		return err
	}
	logger.Info("Replay", "%d frames, events: %v", sum.Frames, sum.Events)
	return nil
}

package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/SlyRix/FotoBox-sub000/internal/api"
	"github.com/SlyRix/FotoBox-sub000/internal/camera"
	"github.com/SlyRix/FotoBox-sub000/internal/config"
	"github.com/SlyRix/FotoBox-sub000/internal/logger"
	"github.com/SlyRix/FotoBox-sub000/internal/stream"
	"github.com/SlyRix/FotoBox-sub000/internal/upload"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the FotoBox server",
	Long: `Start the FotoBox HTTP server with camera supervision and the
upload queue.

The server provides a websocket preview endpoint and a REST API for the
booth UI.`,
	Example: `  # Start server on default port (4000)
  fotobox serve

  # Start server on custom port
  fotobox serve --port 9090

  # Start with specific config file
  fotobox serve --config /path/to/config.yaml

  # Start with debug logging
  fotobox serve --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to initialize config manager: %w", err)
	}

	// Flag overrides
	if viper.IsSet("server_port") {
		if port := viper.GetInt("server_port"); port > 0 {
			configMgr.SetPort(port)
		}
	}
	if viper.IsSet("log_level") {
		if level := viper.GetString("log_level"); level != "" {
			configMgr.SetLogLevel(level)
		}
	}

	cfg := configMgr.Get()
	logger.Init(cfg.LogLevel, true)
	log := logger.WithComponent("serve")
	log.Info().Str("config", configMgr.GetConfigPath()).Msg("Configuration loaded")

	// Upload queue recovers persisted records before anything else runs
	queue, err := upload.NewManager(cfg.Upload, cfg.Storage.QueueDir)
	if err != nil {
		return fmt.Errorf("failed to initialize upload queue: %w", err)
	}
	queue.Start()
	defer queue.Stop()

	// Camera supervision and preview fan-out
	supervisor := camera.NewSupervisor(cfg.Camera)
	hub := stream.NewHub(supervisor)
	supervisor.SetFrameHandler(hub.BroadcastFrame)
	supervisor.SetStateHandler(hub.HandleState)
	supervisor.SetWaiterCheck(hub.HasStreaming)
	defer supervisor.Stop()

	coordinator := camera.NewCoordinator(cfg.Camera, cfg.Storage, supervisor, hub, queue)

	server := api.NewServer(cfg, hub, supervisor, coordinator, queue)

	go func() {
		if err := server.Start(cfg.ServerPort); err != nil {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	log.Info().Int("port", cfg.ServerPort).Msg("FotoBox is running")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutting down gracefully")
	return nil
}

package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "fotobox",
		Short: "FotoBox - photobooth backend",
		Long: `FotoBox operates a physical camera behind a network-facing server:
it streams a live preview to connected viewers, captures photos on demand,
and ships captured photos to a remote server even when connectivity is
intermittent.

Features:
  • Live MJPEG preview over websocket
  • One-shot photo capture with fallback mechanism
  • QR retrieval codes for captured photos
  • Disk-persisted upload queue that survives restarts and outages
  • REST API for the booth UI`,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/fotobox/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 4000)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	// Bind flags to viper
	viper.BindPFlag("server_port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "screenwire",
		Short: "ScreenWire - Live display streaming over WebSocket",
		Long: `ScreenWire mirrors a live display into an encoded video stream and
serves it to browsers over WebSocket.

Features:
  • Mirror a physical display into a virtual capture surface
  • Hardware H.264 encoding through GStreamer
  • Per-frame software JPEG fallback
  • X11 and Wayland desktop portal capture backends
  • Rotation-aware projection re-binding
  • Self-signed, custom or disabled TLS
  • Built-in browser viewer
  • Persistent YAML configuration`,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "C", "", "config file (default is $HOME/.config/screenwire/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	// Bind flags to viper
	viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig wires SCREENWIRE_* environment variables into the same viper
// keys the flags bind to, so SCREENWIRE_SERVER_PORT=9090 works like --port.
func initConfig() {
	viper.SetEnvPrefix("screenwire")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
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

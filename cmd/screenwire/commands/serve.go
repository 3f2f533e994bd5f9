package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bryanchriswhite/ScreenWire/internal/api"
	"github.com/bryanchriswhite/ScreenWire/internal/config"
	"github.com/bryanchriswhite/ScreenWire/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ScreenWire streaming server",
	Long: `Start the ScreenWire WebSocket server and wait for viewers.

Capture starts when a viewer connects to a stream endpoint and stops when it
disconnects. Each connection owns its own capture session.`,
	Example: `  # Start with self-signed TLS on the default port (8443)
  screenwire serve

  # Start on a custom port without TLS
  screenwire serve --port 9090 --tls disabled

  # Start with your own certificate
  screenwire serve --tls custom --cert server.crt --key server.key

  # Start with debug logging
  screenwire serve --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 0, "server port (default is 8443)")
	serveCmd.Flags().String("tls", "", "TLS mode (selfsigned, custom, disabled)")
	serveCmd.Flags().StringP("cert", "c", "", "TLS certificate path (with --tls custom)")
	serveCmd.Flags().StringP("key", "k", "", "TLS key path (with --tls custom)")

	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.tls.mode", serveCmd.Flags().Lookup("tls"))
	viper.BindPFlag("server.tls.cert", serveCmd.Flags().Lookup("cert"))
	viper.BindPFlag("server.tls.key", serveCmd.Flags().Lookup("key"))
}

func runServe(cmd *cobra.Command, args []string) error {
	fmt.Println("🖥️  ScreenWire - Live Display Streaming")
	fmt.Println("=======================================")

	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to initialize config manager: %w", err)
	}

	if err := applyOverrides(configMgr); err != nil {
		return err
	}

	cfg := configMgr.Get()
	logger.Init(cfg.Logging.Level, cfg.Logging.Pretty)
	log := logger.WithComponent("serve")
	log.Info().
		Str("path", configMgr.GetConfigPath()).
		Str("log_level", cfg.Logging.Level).
		Msg("Configuration loaded")

	server := api.NewServer(configMgr)

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil {
			logger.WithComponent("serve").Fatal().Err(err).Msg("Server error")
		}
	}()

	scheme := "https"
	if cfg.Server.TLS.Mode == config.TLSModeDisabled {
		scheme = "http"
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	fmt.Println()
	fmt.Println("✅ ScreenWire is running!")
	fmt.Printf("   - Viewer:  %s://localhost:%d/\n", scheme, cfg.Server.Port)
	fmt.Printf("   - Streams: %s://localhost:%d/video/h264/<name> and /video/jpeg/<name>\n", scheme, cfg.Server.Port)
	fmt.Println("   - Press Ctrl+C to stop")
	fmt.Println()

	<-sigChan

	fmt.Println()
	log.Info().Msg("Shutting down gracefully")
	return nil
}

// applyOverrides folds flag and environment overrides into the stored
// configuration. Overrides persist, so the next bare serve keeps them.
func applyOverrides(configMgr *config.Manager) error {
	cfg := configMgr.Get()
	changed := false

	if viper.IsSet("server.port") {
		if port := viper.GetInt("server.port"); port > 0 {
			cfg.Server.Port = port
			changed = true
		}
	}
	if viper.IsSet("server.tls.cert") {
		if cert := viper.GetString("server.tls.cert"); cert != "" {
			cfg.Server.TLS.Cert = cert
			changed = true
		}
	}
	if viper.IsSet("server.tls.key") {
		if key := viper.GetString("server.tls.key"); key != "" {
			cfg.Server.TLS.Key = key
			changed = true
		}
	}
	if viper.IsSet("server.tls.mode") {
		if mode := viper.GetString("server.tls.mode"); mode != "" {
			cfg.Server.TLS.Mode = config.TLSMode(mode)
			changed = true
		}
	}
	if viper.IsSet("logging.level") {
		if level := viper.GetString("logging.level"); level != "" {
			cfg.Logging.Level = level
			changed = true
		}
	}

	if !changed {
		return nil
	}
	return configMgr.Update(cfg)
}

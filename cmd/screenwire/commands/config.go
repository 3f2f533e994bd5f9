package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/bryanchriswhite/ScreenWire/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage ScreenWire configuration",
	Long:  `View and manage ScreenWire configuration settings.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current ScreenWire configuration.`,
	Example: `  # Show configuration as YAML (default)
  screenwire config show

  # Show configuration as JSON
  screenwire config show --format json`,
	RunE: runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a configuration value",
	Long:  `Set a specific configuration value by dotted key.`,
	Example: `  # Set server port
  screenwire config set server.port 9090

  # Disable TLS
  screenwire config set server.tls.mode disabled

  # Pin the encode target size
  screenwire config set video.width 1280`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Get a configuration value",
	Long:  `Get a specific configuration value by dotted key.`,
	Example: `  # Get server port
  screenwire config get server.port

  # Get capture backend
  screenwire config get capture.backend`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigGet,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show configuration file path",
	Long:  `Display the path to the configuration file.`,
	RunE:  runConfigPath,
}

var formatFlag string

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configPathCmd)

	configShowCmd.Flags().StringVarP(&formatFlag, "format", "f", "yaml", "output format (yaml or json)")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cfg := configMgr.Get()

	switch formatFlag {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(cfg)
	case "yaml":
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		return encoder.Encode(cfg)
	default:
		return fmt.Errorf("unsupported format: %s (use 'yaml' or 'json')", formatFlag)
	}
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := configMgr.SetValue(args[0], args[1]); err != nil {
		return err
	}

	fmt.Printf("✅ Configuration updated: %s = %s\n", args[0], args[1])
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	value, err := configMgr.GetValue(args[0])
	if err != nil {
		return err
	}

	fmt.Println(value)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println(configMgr.GetConfigPath())
	return nil
}

package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/reportd/am"
	"github.com/teranos/reportd/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.Config + " Show reportd configuration",
	Long: sym.Config + ` am - show reportd configuration ("I am")

Configuration sources (later overrides earlier):
1. Built-in defaults
2. System config (/etc/reportd/am.toml)
3. User config (~/.reportd/am.toml)
4. Project config (./am.toml, searched up from the working directory)
5. Environment variables (REPORTD_* prefix, e.g. REPORTD_SERVER_PORT)

Secrets are redacted in all output.

Examples:
  reportd am show                 # Show configuration as TOML
  reportd am show --format yaml   # ... or as YAML / JSON
  reportd am where                # List the files that were merged
  reportd am validate             # Validate the configuration`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show which configuration files are loaded",
	RunE: func(cmd *cobra.Command, args []string) error {
		files := am.ConfigFiles()
		if configPath != "" {
			files = []string{configPath}
		}
		if len(files) == 0 {
			fmt.Println("No configuration files found; using defaults and REPORTD_* environment variables")
			return nil
		}
		for _, f := range files {
			fmt.Println(f)
		}
		return nil
	},
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(); err != nil {
			return err
		}
		fmt.Println("✓ Configuration is valid")
		return nil
	},
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amWhereCmd)
	AmCmd.AddCommand(amValidateCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	out, err := renderConfig(*cfg, configFormat)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

// renderConfig formats cfg with secrets redacted
func renderConfig(cfg am.Config, format string) (string, error) {
	switch format {
	case "toml":
		data, err := cfg.MarshalTOML()
		if err != nil {
			return "", err
		}
		return "# reportd configuration\n" + string(data), nil
	case "json":
		data, err := json.MarshalIndent(cfg.Redacted(), "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
		return string(data) + "\n", nil
	case "yaml":
		data, err := yaml.Marshal(cfg.Redacted())
		if err != nil {
			return "", fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
		return "# reportd configuration\n" + string(data), nil
	default:
		return "", fmt.Errorf("unsupported format: %s (supported: toml, json, yaml)", format)
	}
}

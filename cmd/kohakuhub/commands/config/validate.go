package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kohakuhub/kohakuhub/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the KohakuHub configuration file.

Checks for syntax errors, missing required fields, and invalid values.

Examples:
  # Validate default config
  kohakuhub config validate

  # Validate specific config file
  kohakuhub config validate --config /etc/kohakuhub/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	// Get config path from parent's persistent flag
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	displayPath := configPath
	if displayPath == "" {
		displayPath = config.GetDefaultConfigPath()
	}

	var warnings []string
	if cfg.Session.Secret == "" {
		warnings = append(warnings, "session.secret not configured - sessions will not survive restarts")
	}
	if cfg.Database.Key == "" {
		warnings = append(warnings, "database.key not configured - stored upstream tokens are disabled")
	}
	if cfg.Fallback.Enabled && cfg.Fallback.Sources == "" {
		warnings = append(warnings, "fallback enabled with no env sources - only DB-managed sources will be consulted")
	}

	fmt.Printf("Configuration file: %s\n", displayPath)
	fmt.Println("Validation: OK")

	if len(warnings) > 0 {
		fmt.Println("\nWarnings:")
		for _, w := range warnings {
			fmt.Printf("  - %s\n", w)
		}
	}

	fmt.Printf("\nConfiguration summary:\n")
	fmt.Printf("  Database backend: %s\n", cfg.Database.Backend)
	fmt.Printf("  API port:         %d\n", cfg.API.Port)
	fmt.Printf("  S3 bucket:        %s\n", cfg.S3.Bucket)
	fmt.Printf("  LakeFS endpoint:  %s\n", cfg.LakeFS.Endpoint)
	fmt.Printf("  Log level:        %s\n", cfg.Logging.Level)

	return nil
}

package config

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/kohakuhub/kohakuhub/internal/cli/output"
	"github.com/kohakuhub/kohakuhub/pkg/auth"
	"github.com/kohakuhub/kohakuhub/pkg/config"
)

var showOutput string

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current configuration",
	Long: `Display the current KohakuHub configuration with secrets masked.

By default outputs YAML format. Use --output to change format.

Examples:
  # Show default config as YAML
  kohakuhub config show

  # Show as JSON
  kohakuhub config show --output json

  # Show specific config file
  kohakuhub config show --config /etc/kohakuhub/config.yaml`,
	RunE: runConfigShow,
}

func init() {
	showCmd.Flags().StringVarP(&showOutput, "output", "o", "yaml", "Output format (yaml|json)")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	// Get config path from parent's persistent flag
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}
	maskSecrets(cfg)

	format, err := output.ParseFormat(showOutput)
	if err != nil {
		return err
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, cfg)
	default:
		return output.PrintYAML(os.Stdout, cfg)
	}
}

// maskSecrets replaces credential fields with their masked display form so
// `config show` output is safe to paste into bug reports.
func maskSecrets(cfg *config.Config) {
	cfg.Database.Key = auth.MaskToken(cfg.Database.Key)
	cfg.Session.Secret = auth.MaskToken(cfg.Session.Secret)
	cfg.Admin.SecretToken = auth.MaskToken(cfg.Admin.SecretToken)
	cfg.S3.SecretKey = auth.MaskToken(cfg.S3.SecretKey)
	cfg.LakeFS.SecretKey = auth.MaskToken(cfg.LakeFS.SecretKey)
	cfg.SMTP.Password = auth.MaskToken(cfg.SMTP.Password)
}

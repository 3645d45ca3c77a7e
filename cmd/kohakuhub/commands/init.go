package commands

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kohakuhub/kohakuhub/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample KohakuHub configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/kohakuhub/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  kohakuhub init

  # Initialize with custom path
  kohakuhub init --config /etc/kohakuhub/config.yaml

  # Force overwrite existing config
  kohakuhub init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := GetConfigFile()
	if configPath == "" {
		configPath = config.GetDefaultConfigPath()
	}

	if _, err := os.Stat(configPath); err == nil && !initForce {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configPath)
	}

	cfg := config.GetDefaultConfig()

	// Fresh secrets per deployment. The session secret signs xet read
	// tokens too, so it gets the full 32 bytes of entropy.
	secret, err := randomHex(32)
	if err != nil {
		return fmt.Errorf("failed to generate session secret: %w", err)
	}
	cfg.Session.Secret = secret

	dbKey, err := randomHex(32)
	if err != nil {
		return fmt.Errorf("failed to generate database key: %w", err)
	}
	cfg.Database.Key = dbKey

	if err := config.SaveConfig(cfg, configPath); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Point the s3 and lakefs sections at your object stores")
	fmt.Println("  2. Start the server with: kohakuhub start")
	fmt.Printf("  3. Or specify custom config: kohakuhub start --config %s\n", configPath)
	fmt.Println("\nSecurity note:")
	fmt.Println("  Random session and token-encryption secrets were generated for this")
	fmt.Println("  deployment. Keep the file private; both secrets must stay stable")
	fmt.Println("  across restarts or existing sessions and stored tokens stop working.")

	return nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kohakuhub/kohakuhub/internal/cli/output"
	"github.com/kohakuhub/kohakuhub/internal/cli/prompt"
	"github.com/kohakuhub/kohakuhub/internal/cli/timeutil"
	"github.com/kohakuhub/kohakuhub/pkg/auth"
	"github.com/kohakuhub/kohakuhub/pkg/config"
	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/hub/store"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user accounts",
	Long: `Manage KohakuHub user accounts directly against the metadata store.

These commands operate on the configured database without going through the
HTTP API, so they work before the server is started and do not require an
admin token.

Examples:
  kohakuhub user create alice --email alice@example.com
  kohakuhub user passwd alice
  kohakuhub user list`,
}

var (
	userCreateEmail    string
	userCreateVerified bool
)

var userCreateCmd = &cobra.Command{
	Use:     "create <username>",
	Aliases: []string{"add"},
	Short:   "Create a user (prompts for password)",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserCreate,
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all users",
	Args:  cobra.NoArgs,
	RunE:  runUserList,
}

var userPasswdCmd = &cobra.Command{
	Use:   "passwd <username>",
	Short: "Change a user's password",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserPasswd,
}

var userDeactivateCmd = &cobra.Command{
	Use:   "deactivate <username>",
	Short: "Deactivate a user account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setUserActive(cmd.Context(), args[0], false)
	},
}

var userActivateCmd = &cobra.Command{
	Use:   "activate <username>",
	Short: "Reactivate a user account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setUserActive(cmd.Context(), args[0], true)
	},
}

func init() {
	userCreateCmd.Flags().StringVar(&userCreateEmail, "email", "", "Email address (prompted when omitted)")
	userCreateCmd.Flags().BoolVar(&userCreateVerified, "verified", false, "Mark the email as already verified")

	userCmd.AddCommand(userCreateCmd)
	userCmd.AddCommand(userListCmd)
	userCmd.AddCommand(userPasswdCmd)
	userCmd.AddCommand(userDeactivateCmd)
	userCmd.AddCommand(userActivateCmd)
}

// openStore loads configuration and opens the metadata store for one
// CLI operation.
func openStore() (*store.Store, error) {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	st, err := store.New(&cfg.Database.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}
	return st, nil
}

func runUserCreate(cmd *cobra.Command, args []string) error {
	username := args[0]

	email := userCreateEmail
	if email == "" {
		var err error
		email, err = prompt.InputRequired("Email")
		if err != nil {
			return err
		}
	}

	password, err := prompt.NewPassword()
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	user := &models.User{
		Username:      username,
		Email:         &email,
		PasswordHash:  &hash,
		EmailVerified: userCreateVerified,
		IsActive:      true,
	}
	if err := st.CreateUser(cmd.Context(), user); err != nil {
		return err
	}

	fmt.Printf("User %q created (id %d)\n", user.Username, user.ID)
	return nil
}

func runUserList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	users, err := st.ListUsers(cmd.Context())
	if err != nil {
		return err
	}

	table := output.NewTableData("USERNAME", "EMAIL", "VERIFIED", "ACTIVE", "PRIVATE USED", "PUBLIC USED", "CREATED")
	for _, u := range users {
		email := ""
		if u.Email != nil {
			email = *u.Email
		}
		table.AddRow(
			u.Username,
			email,
			strconv.FormatBool(u.EmailVerified),
			strconv.FormatBool(u.IsActive),
			strconv.FormatInt(u.PrivateUsedBytes, 10),
			strconv.FormatInt(u.PublicUsedBytes, 10),
			u.CreatedAt.Local().Format(timeutil.LocalTimeFormat),
		)
	}
	return output.DefaultPrinter().Print(table)
}

func runUserPasswd(cmd *cobra.Command, args []string) error {
	username := args[0]

	password, err := prompt.NewPassword()
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	if err := st.UpdatePassword(cmd.Context(), username, hash); err != nil {
		return err
	}
	fmt.Printf("Password updated for %q\n", username)
	return nil
}

func setUserActive(ctx context.Context, username string, active bool) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	if err := st.SetUserActive(ctx, username, active); err != nil {
		return err
	}
	if active {
		fmt.Printf("User %q activated\n", username)
	} else {
		fmt.Printf("User %q deactivated\n", username)
	}
	return nil
}

package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kohakuhub/kohakuhub/internal/bytesize"
	"github.com/kohakuhub/kohakuhub/internal/cli/output"
	"github.com/kohakuhub/kohakuhub/internal/cli/timeutil"
	"github.com/kohakuhub/kohakuhub/pkg/auth"
	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/hub/names"
	"github.com/kohakuhub/kohakuhub/pkg/hub/quota"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Administrative operations",
	Long: `Administrative operations against the metadata store.

These mirror the /api/admin endpoints but run locally, so they work without
the admin API being enabled.

Examples:
  kohakuhub admin recalc-quota --owner alice
  kohakuhub admin recalc-quota --repo model/alice/bert-base
  kohakuhub admin create-invitation --action register_account --expires 168h
  kohakuhub admin invitations`,
}

var (
	recalcOwner string
	recalcRepo  string

	inviteAction   string
	inviteExpires  time.Duration
	inviteMaxUsage int
)

var adminRecalcCmd = &cobra.Command{
	Use:   "recalc-quota",
	Short: "Rebuild usage totals from the file index",
	Args:  cobra.NoArgs,
	RunE:  runAdminRecalc,
}

var adminInviteCmd = &cobra.Command{
	Use:     "create-invitation",
	Aliases: []string{"invite"},
	Short:   "Create an invitation token",
	Args:  cobra.NoArgs,
	RunE:  runAdminInvite,
}

var adminInvitationsCmd = &cobra.Command{
	Use:   "invitations",
	Short: "List invitations",
	Args:  cobra.NoArgs,
	RunE:  runAdminInvitations,
}

func init() {
	adminRecalcCmd.Flags().StringVar(&recalcOwner, "owner", "", "Recalculate one user or org by name")
	adminRecalcCmd.Flags().StringVar(&recalcRepo, "repo", "", "Recalculate one repository as {type}/{namespace}/{name}")

	adminInviteCmd.Flags().StringVar(&inviteAction, "action", models.InvitationActionRegister, "Invitation action (register_account or join_org)")
	adminInviteCmd.Flags().DurationVar(&inviteExpires, "expires", 7*24*time.Hour, "Validity window")
	adminInviteCmd.Flags().IntVar(&inviteMaxUsage, "max-usage", 0, "Usage cap: 0 one-shot, -1 unlimited, N up to N uses")

	adminCmd.AddCommand(adminRecalcCmd)
	adminCmd.AddCommand(adminInviteCmd)
	adminCmd.AddCommand(adminInvitationsCmd)
}

func runAdminRecalc(cmd *cobra.Command, args []string) error {
	if (recalcOwner == "") == (recalcRepo == "") {
		return fmt.Errorf("exactly one of --owner or --repo is required")
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	acct := quota.New(st)
	ctx := cmd.Context()

	if recalcRepo != "" {
		parts := strings.SplitN(recalcRepo, "/", 3)
		if len(parts) != 3 {
			return fmt.Errorf("--repo must be {type}/{namespace}/{name}, got %q", recalcRepo)
		}
		repoType, err := names.ParseRepoType(parts[0])
		if err != nil {
			return err
		}
		repo, err := st.GetRepository(ctx, repoType, parts[1], parts[2])
		if err != nil {
			return err
		}
		used, err := acct.RecalculateRepo(ctx, repo.ID)
		if err != nil {
			return err
		}
		fmt.Printf("Repository %s/%s now accounts %s\n", parts[1], parts[2], bytesize.ByteSize(used))
		return nil
	}

	owner, err := st.GetAccountByNormalizedName(ctx, names.Normalize(recalcOwner))
	if err != nil {
		return err
	}
	privateUsed, publicUsed, err := acct.RecalculateOwner(ctx, owner.ID)
	if err != nil {
		return err
	}
	fmt.Printf("Owner %s now accounts private=%s public=%s\n",
		owner.Username, bytesize.ByteSize(privateUsed), bytesize.ByteSize(publicUsed))
	return nil
}

func runAdminInvite(cmd *cobra.Command, args []string) error {
	if inviteAction != models.InvitationActionRegister && inviteAction != models.InvitationActionJoinOrg {
		return fmt.Errorf("unknown invitation action %q", inviteAction)
	}

	token, err := auth.GenerateToken()
	if err != nil {
		return err
	}

	inv := &models.Invitation{
		Token:     token,
		Action:    inviteAction,
		ExpiresAt: time.Now().UTC().Add(inviteExpires),
	}
	if inviteMaxUsage != 0 {
		limit := inviteMaxUsage
		inv.MaxUsage = &limit
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	if err := st.CreateInvitation(cmd.Context(), inv); err != nil {
		return err
	}

	fmt.Printf("Invitation created: %s\n", token)
	fmt.Printf("  action:    %s\n", inviteAction)
	fmt.Printf("  expires:   %s\n", inv.ExpiresAt.Format(time.RFC3339))
	if inv.MaxUsage == nil {
		fmt.Println("  max usage: one-shot")
	} else if *inv.MaxUsage == -1 {
		fmt.Println("  max usage: unlimited")
	} else {
		fmt.Printf("  max usage: %d\n", *inv.MaxUsage)
	}
	return nil
}

func runAdminInvitations(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	invs, err := st.ListInvitations(cmd.Context())
	if err != nil {
		return err
	}

	table := output.NewTableData("TOKEN", "ACTION", "USES", "MAX", "EXPIRES")
	for _, inv := range invs {
		max := "1"
		if inv.MaxUsage != nil {
			if *inv.MaxUsage == -1 {
				max = "unlimited"
			} else {
				max = strconv.Itoa(*inv.MaxUsage)
			}
		}
		table.AddRow(
			auth.MaskToken(inv.Token),
			inv.Action,
			strconv.Itoa(inv.UsageCount),
			max,
			inv.ExpiresAt.Local().Format(timeutil.LocalTimeFormat),
		)
	}
	return output.DefaultPrinter().Print(table)
}

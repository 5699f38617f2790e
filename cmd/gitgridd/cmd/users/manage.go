package users

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/cmd/cmdutil"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/access"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/services/iam"
)

var passwdCmd = &cobra.Command{
	Use:   "passwd <username>",
	Short: "Change the password of a local account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword(cmd, cmd.InOrStdin())
		if err != nil {
			return err
		}
		scheme, err := parseScheme(schemeFlag)
		if err != nil {
			return err
		}
		bundle, err := cmdutil.OpenBundle(cmd)
		if err != nil {
			return err
		}
		defer bundle.Close()

		if err := bundle.Service.SetPassword(cmd.Context(), args[0], scheme, password); err != nil {
			return fmt.Errorf("failed to change password: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Password of %s changed\n", args[0])
		return nil
	},
}

func setDisabledCmd(use, short string, disabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <username>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, err := cmdutil.OpenBundle(cmd)
			if err != nil {
				return err
			}
			defer bundle.Close()

			if err := bundle.Service.SetDisabled(cmd.Context(), args[0], disabled); err != nil {
				return fmt.Errorf("failed to %s user: %w", use, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User %s %sd\n", args[0], use)
			return nil
		},
	}
}

var (
	disableCmd = setDisabledCmd("disable", "Disable an account and end its session", true)
	enableCmd  = setDisabledCmd("enable", "Re-enable a disabled account", false)
)

var grantCmd = &cobra.Command{
	Use:   "grant <username> <repository|pattern> <permission>",
	Short: "Set a stored grant for a user",
	Long: `Sets the user's grant on a repository name or a regex pattern.
Permissions: NONE (removes the grant), EXCLUDE, VIEW, CLONE, PUSH, CREATE, DELETE, FULL.
Stored codes (V, R, RW, RWC, RWD, RW+) are accepted as well.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		perm, err := access.ParsePermission(args[2])
		if err != nil {
			return err
		}
		bundle, err := cmdutil.OpenBundle(cmd)
		if err != nil {
			return err
		}
		defer bundle.Close()

		if err := bundle.Service.SetUserGrant(cmd.Context(), args[0], args[1], perm); err != nil {
			return fmt.Errorf("failed to set grant: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s → %s: %s\n", args[0], args[1], perm)
		return nil
	},
}

var roleCmd = &cobra.Command{
	Use:   "role <username>",
	Short: "Replace the capability roles of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roles, err := capabilityRoles(rolesInput)
		if err != nil {
			return err
		}
		bundle, err := cmdutil.OpenBundle(cmd)
		if err != nil {
			return err
		}
		defer bundle.Close()

		ctx := cmd.Context()
		p, err := bundle.Service.GetUser(ctx, args[0])
		if err != nil {
			return err
		}
		updated, err := bundle.Service.UpdateUser(ctx, iam.UserSpec{
			Username:    p.Username,
			DisplayName: p.DisplayName,
			Email:       p.Email,
			Locale:      p.Locale,
			Disabled:    p.Disabled,
			Roles:       roles,
		})
		if err != nil {
			return fmt.Errorf("failed to update roles: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Roles of %s: %s\n", updated.Username, strings.Join(updated.Roles, ", "))
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts with their roles and teams",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		bundle, err := cmdutil.OpenBundle(cmd)
		if err != nil {
			return err
		}
		defer bundle.Close()

		users, err := bundle.Service.ListUsers(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list users: %w", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "USERNAME\tTYPE\tROLES\tTEAMS\tDISABLED")
		for _, u := range users {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n",
				u.Username, u.AccountType, strings.Join(u.Roles, ","), strings.Join(u.Teams, ","), u.Disabled)
		}
		return w.Flush()
	},
}

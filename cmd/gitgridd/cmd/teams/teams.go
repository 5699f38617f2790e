package teams

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/cmd/cmdutil"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/access"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/auth"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/services/iam"
)

var (
	membersInput []string
	rolesInput   []string
	preReceive   []string
	postReceive  []string
)

// TeamsCmd is the parent command for team operations
var TeamsCmd = &cobra.Command{
	Use:   "teams",
	Short: "Manage teams",
	Long: `Commands for managing teams, their members and grants. Every change
refreshes the team snapshot of this process; a running server picks it up on
its next scheduled refresh or on SIGHUP.`,
}

func init() {
	createCmd.Flags().StringSliceVar(&membersInput, "member", []string{}, "Initial member(s)")
	createCmd.Flags().StringSliceVar(&rolesInput, "role", []string{}, "Capability role(s) granted to every member")
	createCmd.Flags().StringSliceVar(&preReceive, "pre-receive", []string{}, "Pre-receive hook script(s)")
	createCmd.Flags().StringSliceVar(&postReceive, "post-receive", []string{}, "Post-receive hook script(s)")

	TeamsCmd.AddCommand(createCmd)
	TeamsCmd.AddCommand(addMemberCmd)
	TeamsCmd.AddCommand(removeMemberCmd)
	TeamsCmd.AddCommand(grantCmd)
	TeamsCmd.AddCommand(listCmd)
}

var createCmd = &cobra.Command{
	Use:   "create <team>",
	Short: "Create a team",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roles := make([]string, 0, len(rolesInput))
		for _, r := range rolesInput {
			roles = append(roles, auth.NormalizeRole(r))
		}
		members := make([]string, 0, len(membersInput))
		for _, m := range membersInput {
			members = append(members, strings.ToLower(strings.TrimSpace(m)))
		}

		bundle, err := cmdutil.OpenBundle(cmd)
		if err != nil {
			return err
		}
		defer bundle.Close()

		team, err := bundle.Service.CreateTeam(cmd.Context(), iam.TeamSpec{
			Name:               args[0],
			Members:            members,
			Roles:              roles,
			PreReceiveScripts:  preReceive,
			PostReceiveScripts: postReceive,
		})
		if err != nil {
			return fmt.Errorf("failed to create team: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Team %s created with %d member(s)\n", team.Name, len(team.Members))
		return nil
	},
}

func memberCmd(use, short string, add bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <team> <username>...",
		Short: short,
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, err := cmdutil.OpenBundle(cmd)
			if err != nil {
				return err
			}
			defer bundle.Close()

			team := args[0]
			for _, username := range args[1:] {
				if add {
					err = bundle.Service.AddTeamMember(cmd.Context(), team, username)
				} else {
					err = bundle.Service.RemoveTeamMember(cmd.Context(), team, username)
				}
				if err != nil {
					return fmt.Errorf("%s %s: %w", use, username, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ %s %s\n", use, username)
			}
			return nil
		},
	}
}

var (
	addMemberCmd    = memberCmd("add-member", "Add users to a team", true)
	removeMemberCmd = memberCmd("remove-member", "Remove users from a team", false)
)

var grantCmd = &cobra.Command{
	Use:   "grant <team> <repository|pattern> <permission>",
	Short: "Set a stored grant for a team",
	Long:  `Sets the team's grant on a repository name or a regex pattern. NONE removes the grant.`,
	Args:  cobra.ExactArgs(3),
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

		if err := bundle.Service.SetTeamGrant(cmd.Context(), args[0], args[1], perm); err != nil {
			return fmt.Errorf("failed to set grant: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Mapped team '%s' → %s: %s\n", args[0], args[1], perm)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List teams with members and roles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		bundle, err := cmdutil.OpenBundle(cmd)
		if err != nil {
			return err
		}
		defer bundle.Close()

		teams, err := bundle.Service.ListTeams(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list teams: %w", err)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TEAM\tMEMBERS\tROLES\tGRANTS")
		for _, t := range teams {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", t.Name, strings.Join(t.Members, ","), strings.Join(t.Roles, ","), len(t.Grants))
		}
		return w.Flush()
	},
}

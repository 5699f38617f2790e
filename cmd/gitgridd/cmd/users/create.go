package users

import (
	"fmt"
	"net/mail"
	"strings"

	"github.com/spf13/cobra"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/cmd/cmdutil"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/services/iam"
)

var createCmd = &cobra.Command{
	Use:   "create <username>",
	Short: "Create a local account",
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
		roles, err := capabilityRoles(rolesInput)
		if err != nil {
			return err
		}
		if emailFlag != "" {
			if _, err := mail.ParseAddress(emailFlag); err != nil {
				return fmt.Errorf("invalid email format: %w", err)
			}
		}

		bundle, err := cmdutil.OpenBundle(cmd)
		if err != nil {
			return err
		}
		defer bundle.Close()

		p, err := bundle.Service.CreateUser(cmd.Context(), iam.UserSpec{
			Username:    args[0],
			DisplayName: displayNameFlag,
			Email:       emailFlag,
			Password:    password,
			Scheme:      scheme,
			Roles:       roles,
		})
		if err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "User created successfully!")
		fmt.Fprintln(out, "----------------------------------------")
		fmt.Fprintf(out, "Username: %s\n", p.Username)
		if p.Email != "" {
			fmt.Fprintf(out, "Email: %s\n", p.Email)
		}
		if len(p.Roles) > 0 {
			fmt.Fprintf(out, "Roles: %s\n", strings.Join(p.Roles, ", "))
		}
		fmt.Fprintln(out, "----------------------------------------")
		return nil
	},
}

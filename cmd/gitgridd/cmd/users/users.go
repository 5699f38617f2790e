package users

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/auth"
)

var (
	emailFlag       string
	displayNameFlag string
	passwordFlag    string
	schemeFlag      string
	rolesInput      []string
	stdinFlag       bool
)

// UsersCmd is the parent command for user management operations
var UsersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage local accounts",
	Long:  `Commands for managing accounts, their capability roles and grants directly against the database.`,
}

func init() {
	createCmd.Flags().StringVar(&emailFlag, "email", "", "Email address of the user")
	createCmd.Flags().StringVar(&displayNameFlag, "display-name", "", "Display name of the user")
	createCmd.Flags().StringVar(&passwordFlag, "password", "", "Password for the user (use --stdin to avoid shell history)")
	createCmd.Flags().StringVar(&schemeFlag, "scheme", "bcrypt", "Secret storage scheme: bcrypt, md5, cmd5 or plain")
	createCmd.Flags().StringSliceVar(&rolesInput, "role", []string{}, "Capability role(s) to assign (admin, create, fork)")
	createCmd.Flags().BoolVar(&stdinFlag, "stdin", false, "Read password from stdin instead of --password flag")

	passwdCmd.Flags().StringVar(&passwordFlag, "password", "", "New password (use --stdin to avoid shell history)")
	passwdCmd.Flags().StringVar(&schemeFlag, "scheme", "bcrypt", "Secret storage scheme: bcrypt, md5, cmd5 or plain")
	passwdCmd.Flags().BoolVar(&stdinFlag, "stdin", false, "Read password from stdin instead of --password flag")

	roleCmd.Flags().StringSliceVar(&rolesInput, "role", []string{}, "Capability role(s) the user should hold; none clears them")

	UsersCmd.AddCommand(createCmd)
	UsersCmd.AddCommand(passwdCmd)
	UsersCmd.AddCommand(disableCmd)
	UsersCmd.AddCommand(enableCmd)
	UsersCmd.AddCommand(grantCmd)
	UsersCmd.AddCommand(roleCmd)
	UsersCmd.AddCommand(listCmd)
}

// parseScheme maps a scheme flag onto its stored prefix.
func parseScheme(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "bcrypt":
		return auth.SchemeBcrypt, nil
	case "md5":
		return auth.SchemeMD5, nil
	case "cmd5":
		return auth.SchemeCMD5, nil
	case "plain":
		return auth.SchemePlain, nil
	default:
		return "", fmt.Errorf("unknown secret scheme %q (want bcrypt, md5, cmd5 or plain)", s)
	}
}

// readPassword returns the --password value or, with --stdin, the first
// line of in.
func readPassword(cmd *cobra.Command, in io.Reader) (string, error) {
	password := passwordFlag
	if stdinFlag {
		scanner := bufio.NewScanner(in)
		fmt.Fprint(cmd.ErrOrStderr(), "Enter password: ")
		if scanner.Scan() {
			password = scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
	}
	if password == "" {
		return "", fmt.Errorf("password is required (use --password or --stdin)")
	}
	return password, nil
}

// capabilityRoles validates role names and returns them in stored form.
func capabilityRoles(input []string) ([]string, error) {
	var roles []string
	for _, r := range input {
		role := auth.NormalizeRole(r)
		switch role {
		case auth.RoleAdmin, auth.RoleCreate, auth.RoleFork, auth.RoleNone:
			roles = append(roles, role)
		case "":
		default:
			return nil, fmt.Errorf("invalid role %q\nValid roles are: admin, create, fork, none", r)
		}
	}
	return roles, nil
}

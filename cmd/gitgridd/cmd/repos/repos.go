package repos

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/cmd/cmdutil"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/access"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/graph"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/registry"
)

var (
	filterFlag      string
	jsonFlag        bool
	descriptionFlag string
	ownersInput     []string
	restrictionFlag string
	controlFlag     string
	noForksFlag     bool
	frozenFlag      bool
)

// ReposCmd is the parent command for repository operations
var ReposCmd = &cobra.Command{
	Use:   "repos",
	Short: "Manage repositories",
	Long:  `Commands for managing repositories in the configured repositories folder.`,
}

func init() {
	listCmd.Flags().StringVar(&filterFlag, "filter", "", `Boolean filter expression, e.g. 'Frozen == true' or 'Owners contains "alice"'`)
	listCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print descriptors as JSON")

	createCmd.Flags().StringVar(&descriptionFlag, "description", "", "Repository description")
	createCmd.Flags().StringSliceVar(&ownersInput, "owner", []string{}, "Owner username(s)")
	createCmd.Flags().StringVar(&restrictionFlag, "restriction", "", "Access restriction: NONE, PUSH, CLONE or VIEW (default from config)")
	createCmd.Flags().StringVar(&controlFlag, "control", "", "Authorization control: NAMED or AUTHENTICATED (default from config)")
	createCmd.Flags().BoolVar(&noForksFlag, "no-forks", false, "Disallow forking")
	createCmd.Flags().BoolVar(&frozenFlag, "frozen", false, "Create the repository frozen (read-only)")

	ReposCmd.AddCommand(listCmd)
	ReposCmd.AddCommand(createCmd)
	ReposCmd.AddCommand(renameCmd)
	ReposCmd.AddCommand(forkCmd)
	ReposCmd.AddCommand(deleteCmd)
	ReposCmd.AddCommand(networkCmd)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List repositories",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		bundle, err := cmdutil.OpenBundle(cmd)
		if err != nil {
			return err
		}
		defer bundle.Close()

		descs, err := bundle.Registry.Filter(cmd.Context(), filterFlag)
		if err != nil {
			return err
		}
		if jsonFlag {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(descs)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tRESTRICTION\tCONTROL\tOWNERS\tORIGIN\tFLAGS")
		for _, d := range descs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				d.Name, d.AccessRestriction, d.AuthorizationControl, strings.Join(d.Owners, ","), d.Origin, flags(d))
		}
		return w.Flush()
	},
}

func flags(d *registry.Descriptor) string {
	var f []string
	if d.Frozen {
		f = append(f, "frozen")
	}
	if d.Mirror {
		f = append(f, "mirror")
	}
	if !d.HasCommits {
		f = append(f, "empty")
	}
	if d.Busy {
		f = append(f, "busy")
	}
	return strings.Join(f, ",")
}

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a bare repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bundle, err := cmdutil.OpenBundle(cmd)
		if err != nil {
			return err
		}
		defer bundle.Close()

		d := bundle.Registry.NewDescriptor(args[0])
		d.Description = descriptionFlag
		d.Owners = ownersInput
		d.Frozen = frozenFlag
		if noForksFlag {
			d.AllowForks = false
		}
		if d.AccessRestriction, err = access.ParseRestriction(restrictionFlag, d.AccessRestriction); err != nil {
			return err
		}
		if d.AuthorizationControl, err = access.ParseAuthorizationControl(controlFlag, d.AuthorizationControl); err != nil {
			return err
		}

		created, err := bundle.Registry.Create(cmd.Context(), d)
		if err != nil {
			return fmt.Errorf("failed to create repository: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Repository %s created\n", created.Name)
		return nil
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename <name> <new-name>",
	Short: "Rename a repository and every grant naming it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		bundle, err := cmdutil.OpenBundle(cmd)
		if err != nil {
			return err
		}
		defer bundle.Close()

		renamed, err := bundle.Registry.Rename(cmd.Context(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("failed to rename repository: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Repository %s renamed to %s\n", args[0], renamed.Name)
		return nil
	},
}

var forkCmd = &cobra.Command{
	Use:   "fork <name> <username>",
	Short: "Fork a repository into a user's personal namespace",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		bundle, err := cmdutil.OpenBundle(cmd)
		if err != nil {
			return err
		}
		defer bundle.Close()

		fork, err := bundle.Registry.Fork(cmd.Context(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("failed to fork repository: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Repository %s forked to %s\n", args[0], fork.Name)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a repository and every grant naming it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bundle, err := cmdutil.OpenBundle(cmd)
		if err != nil {
			return err
		}
		defer bundle.Close()

		if err := bundle.Registry.Delete(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to delete repository: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Repository %s deleted\n", args[0])
		return nil
	},
}

var networkCmd = &cobra.Command{
	Use:   "network <name>",
	Short: "Print the fork network a repository belongs to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bundle, err := cmdutil.OpenBundle(cmd)
		if err != nil {
			return err
		}
		defer bundle.Close()

		root, err := bundle.Registry.ForkNetwork(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printTree(cmd.OutOrStdout(), root, 0)
		return nil
	},
}

func printTree(w io.Writer, n *graph.Node, depth int) {
	suffix := ""
	if n.Missing {
		suffix = " (missing)"
	}
	fmt.Fprintf(w, "%s%s%s\n", strings.Repeat("  ", depth), n.Name, suffix)
	for _, f := range n.Forks {
		printTree(w, f, depth+1)
	}
}
